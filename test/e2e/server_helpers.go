package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/bc-dunia/threadmon/internal/api"
	"github.com/bc-dunia/threadmon/internal/config"
	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/logwriter"
	"github.com/bc-dunia/threadmon/internal/metrics"
	"github.com/bc-dunia/threadmon/internal/mockserver"
	"github.com/bc-dunia/threadmon/internal/render"
	"github.com/bc-dunia/threadmon/internal/retention"
	"github.com/bc-dunia/threadmon/internal/snapshot"
)

// stack is a running monitor wired to a mock agent.
type stack struct {
	agent     mockserver.Server
	server    *api.Server
	writer    *logwriter.Writer
	metrics   *metrics.Collector
	retention *retention.Manager
	cfg       *config.Config
}

// startStack starts a mock agent and a monitor reading it. mutate adjusts
// the configuration before validation.
func startStack(t *testing.T, mutate func(cfg *config.Config)) *stack {
	t.Helper()

	agent := mockserver.New(mockserver.DefaultConfig())
	if err := agent.Start(); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	agent.SetLoad(0)

	cfg := config.NewConfig()
	cfg.LogDirectory = filepath.Join(t.TempDir(), "logs")
	cfg.Registry.URL = agent.JolokiaURL()
	cfg.Registry.Timeout = "2s"
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}
	for _, e := range cfg.Validate() {
		t.Logf("config fallback: %v", e)
	}

	logger := events.NewEventLoggerWithWriter("e2e", slog.LevelDebug, io.Discard)

	reg, err := cfg.Registry.OpenRegistry(context.Background())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	thresholds := cfg.Thresholds.Values()
	renderer := render.NewRenderer(thresholds)
	writer, err := logwriter.NewWriter(cfg.LogDirectory, cfg.Rotation.Policy(), renderer, logger)
	if err != nil {
		t.Fatalf("log writer: %v", err)
	}
	if err := writer.Init(); err != nil {
		t.Fatalf("init log directory: %v", err)
	}

	mc := metrics.NewCollector(thresholds)
	server := api.NewServer(cfg.Server.Addr, snapshot.NewCollector(reg, cfg.Registry.Collector(), logger), renderer)
	server.SetEventLogger(logger)
	server.SetLogAppender(writer)
	server.SetMetricsCollector(mc)
	server.SetCollectTimeout(cfg.Registry.TimeoutDuration())
	server.SetRateLimiterConfig(&api.RateLimiterConfig{Enabled: false})
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	s := &stack{
		agent:     agent,
		server:    server,
		writer:    writer,
		metrics:   mc,
		retention: retention.NewManager(cfg.Retention.Manager(), retention.NewLogWriterAdapter(writer)),
		cfg:       cfg,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.retention.Stop()
		server.Shutdown(ctx)
		agent.Stop(ctx)
	})
	return s
}

// get fetches a monitor URL and returns the status and body.
func (s *stack) get(t *testing.T, query string) (int, http.Header, []byte) {
	t.Helper()
	resp, err := http.Get(s.server.URL() + api.MonitorPath + query)
	if err != nil {
		t.Fatalf("GET %s: %v", query, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, resp.Header, body
}
