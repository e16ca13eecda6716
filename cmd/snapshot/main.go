// Command snapshot collects one thread-pool snapshot, prints it and optionally
// appends it to the rotating log. Run it from cron or a systemd timer for
// periodic sampling.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bc-dunia/threadmon/internal/config"
	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/logwriter"
	"github.com/bc-dunia/threadmon/internal/registry"
	"github.com/bc-dunia/threadmon/internal/render"
	"github.com/bc-dunia/threadmon/internal/snapshot"
)

type options struct {
	format render.Format
	log    bool
}

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	format := flag.String("format", string(render.FormatCSV), "Output format: csv, csv-header or json")
	appendLog := flag.Bool("log", false, "Also append the row to the rotating log")
	verbose := flag.Bool("v", false, "Log events to stderr")
	flag.Parse()

	level := slog.LevelError
	if *verbose {
		level = slog.LevelDebug
	}
	logger := events.NewEventLoggerWithWriter("snapshot", level, os.Stderr)
	events.SetGlobalEventLogger(logger)

	f, err := render.ParseFormat(*format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(flags.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyFlags(flags)
	cfg.Validate()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Registry.TimeoutDuration())
	defer cancel()

	reg, err := cfg.Registry.OpenRegistry(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening registry: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, reg, options{format: f, log: *appendLog}, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run collects once and writes the payload to stdout. A registry failure is
// still written to stdout in the requested format. Status lines go to stderr.
func run(ctx context.Context, cfg *config.Config, reg registry.Registry, opts options, stdout, stderr io.Writer) error {
	logger := events.GetGlobalEventLogger()
	renderer := render.NewRenderer(cfg.Thresholds.Values())
	collector := snapshot.NewCollector(reg, cfg.Registry.Collector(), logger)

	snap, err := collector.Collect(ctx)
	if err != nil {
		stdout.Write(renderer.RenderError(opts.format, err))
		return err
	}

	body, err := renderer.Render(opts.format, snap)
	if err != nil {
		fmt.Fprintf(stderr, "Error rendering snapshot: %v\n", err)
		return err
	}
	stdout.Write(body)

	if !opts.log {
		return nil
	}
	writer, err := logwriter.NewWriter(cfg.LogDirectory, cfg.Rotation.Policy(), renderer, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return err
	}
	result, err := writer.Append(ctx, snap)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return err
	}
	fmt.Fprintln(stderr, result.Message)
	return nil
}
