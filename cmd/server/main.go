package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/threadmon/internal/api"
	"github.com/bc-dunia/threadmon/internal/config"
	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/logwriter"
	"github.com/bc-dunia/threadmon/internal/metrics"
	"github.com/bc-dunia/threadmon/internal/otel"
	"github.com/bc-dunia/threadmon/internal/registry"
	"github.com/bc-dunia/threadmon/internal/render"
	"github.com/bc-dunia/threadmon/internal/retention"
	"github.com/bc-dunia/threadmon/internal/snapshot"
)

var version = "dev"

// monitor holds everything started by newMonitor that needs stopping.
type monitor struct {
	server    *api.Server
	retention *retention.Manager
	tracer    *otel.Tracer
	metrics   *otel.Metrics
}

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	debug := flag.Bool("debug", false, "Log debug events")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	hostname, _ := os.Hostname()
	logger := events.NewEventLogger(hostname, level)
	events.SetGlobalEventLogger(logger)

	cfg, err := config.LoadConfig(flags.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyFlags(flags)
	cfg.Validate()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := cfg.Registry.OpenRegistry(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening registry: %v\n", err)
		os.Exit(1)
	}

	m, err := newMonitor(ctx, cfg, reg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := m.server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}
	m.retention.Start()

	fmt.Printf("Thread monitor listening on %s%s (logging to %s)\n", m.server.URL(), api.MonitorPath, cfg.LogDirectory)

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
	fmt.Println("Server stopped")
}

// newMonitor wires the collector, renderer, log writer, telemetry and HTTP
// server from cfg. Nothing is started except the telemetry exporters.
func newMonitor(ctx context.Context, cfg *config.Config, reg registry.Registry, logger *events.EventLogger) (*monitor, error) {
	thresholds := cfg.Thresholds.Values()
	collector := snapshot.NewCollector(reg, cfg.Registry.Collector(), logger)
	renderer := render.NewRenderer(thresholds)

	writer, err := logwriter.NewWriter(cfg.LogDirectory, cfg.Rotation.Policy(), renderer, logger)
	if err != nil {
		return nil, fmt.Errorf("log writer: %w", err)
	}
	// An unusable directory is reported again by every log action.
	if err := writer.Init(); err != nil {
		logger.LogPersistenceFailure(cfg.LogDirectory, err)
	}

	tracer, err := otel.NewTracer(ctx, cfg.Otel.Tracer(version))
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	otel.SetGlobalTracer(tracer)

	otelMetrics, err := otel.NewMetrics(ctx, cfg.Otel.Metrics(version))
	if err != nil {
		tracer.Shutdown(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}
	otel.SetGlobalMetrics(otelMetrics)

	server := api.NewServer(cfg.Server.Addr, collector, renderer)
	server.SetEventLogger(logger)
	server.SetLogAppender(writer)
	server.SetMetricsCollector(metrics.NewCollector(thresholds))
	server.SetTracer(tracer)
	server.SetOtelMetrics(otelMetrics)
	server.SetCollectTimeout(cfg.Registry.TimeoutDuration())
	rl := api.DefaultRateLimiterConfig()
	rl.RequestsPerSecond = cfg.Server.RateLimit
	rl.BurstSize = cfg.Server.RateBurst
	rl.Enabled = cfg.Server.RateLimit > 0
	server.SetRateLimiterConfig(rl)

	return &monitor{
		server:    server,
		retention: retention.NewManager(cfg.Retention.Manager(), retention.NewLogWriterAdapter(writer)),
		tracer:    tracer,
		metrics:   otelMetrics,
	}, nil
}

func (m *monitor) shutdown(ctx context.Context) error {
	err := m.server.Shutdown(ctx)
	m.retention.Stop()
	if terr := m.tracer.Shutdown(ctx); terr != nil && err == nil {
		err = terr
	}
	if merr := m.metrics.Shutdown(ctx); merr != nil && err == nil {
		err = merr
	}
	return err
}
