// Package api serves the thread monitor over HTTP: the action endpoint at
// /thread-monitor plus health, readiness and Prometheus endpoints.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/logwriter"
	"github.com/bc-dunia/threadmon/internal/metrics"
	"github.com/bc-dunia/threadmon/internal/otel"
	"github.com/bc-dunia/threadmon/internal/render"
	"github.com/bc-dunia/threadmon/internal/snapshot"
)

// DefaultCollectTimeout bounds one registry collection per request.
const DefaultCollectTimeout = 10 * time.Second

// SnapshotSource produces one snapshot per call.
type SnapshotSource interface {
	Collect(ctx context.Context) (snapshot.MetricsSnapshot, error)
}

// LogAppender persists one snapshot row.
type LogAppender interface {
	Append(ctx context.Context, s snapshot.MetricsSnapshot) (logwriter.LogResult, error)
	Dir() string
}

type Server struct {
	source            SnapshotSource
	renderer          *render.Renderer
	appender          LogAppender
	metricsCollector  *metrics.Collector
	tracer            *otel.Tracer
	otelMetrics       *otel.Metrics
	logger            *events.EventLogger
	collectTimeout    time.Duration
	rateLimiter       *rateLimiter
	rateLimiterConfig *RateLimiterConfig
	upgrader          websocket.Upgrader
	nowFunc           func() time.Time

	// done is closed on Shutdown so open streams end.
	done      chan struct{}
	closeOnce sync.Once

	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
	running  bool
	addr     string
}

// NewServer creates a server reading snapshots from source.
func NewServer(addr string, source SnapshotSource, renderer *render.Renderer) *Server {
	return &Server{
		source:            source,
		renderer:          renderer,
		addr:              addr,
		logger:            events.GetGlobalEventLogger(),
		collectTimeout:    DefaultCollectTimeout,
		rateLimiterConfig: DefaultRateLimiterConfig(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
}

// SetLogAppender enables action=log. Without it the action answers 500.
func (s *Server) SetLogAppender(a LogAppender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appender = a
}

func (s *Server) SetMetricsCollector(mc *metrics.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsCollector = mc
}

func (s *Server) GetMetricsCollector() *metrics.Collector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsCollector
}

func (s *Server) SetTracer(t *otel.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

func (s *Server) SetOtelMetrics(m *otel.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otelMetrics = m
}

func (s *Server) SetEventLogger(l *events.EventLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		l = events.NoopEventLogger()
	}
	s.logger = l
}

func (s *Server) GetEventLogger() *events.EventLogger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// SetCollectTimeout bounds each registry collection. Zero or negative keeps
// the default.
func (s *Server) SetCollectTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = DefaultCollectTimeout
	}
	s.collectTimeout = d
}

// SetRateLimiterConfig configures the rate limiter.
// Must be called before Start() for changes to take effect.
func (s *Server) SetRateLimiterConfig(config *RateLimiterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimiterConfig = config
	s.rateLimiter = nil
}

// Handler returns the routed handler wrapped in the tracing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MonitorPath, s.rateLimitMiddleware(http.HandlerFunc(s.handleMonitor)))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.mu.Lock()
	tracer := s.tracer
	s.mu.Unlock()
	return otel.Middleware(tracer)(mux)
}

func (s *Server) Start() error {
	handler := s.Handler()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	// No WriteTimeout: stream connections stay open for as long as the
	// client keeps them.
	s.server = &http.Server{
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Printf("server error: %v\n", err)
		}
	}()

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.rateLimiter == nil {
			s.rateLimiter = newRateLimiter(s.rateLimiterConfig)
		}
		rl := s.rateLimiter
		s.mu.Unlock()

		if !rl.allowRequest(r) {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.config.BurstSize))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Second).Unix()))
			w.Header().Set("Retry-After", "1")

			s.writeError(w, http.StatusTooManyRequests, &ErrorResponse{
				ErrorType:    ErrorTypeRateLimited,
				ErrorCode:    ErrorCodeRateLimitExceeded,
				ErrorMessage: "Too many requests. Please slow down.",
				Retryable:    true,
				Details: map[string]interface{}{
					"retry_after_seconds": 1,
				},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StartTestServer creates a server on a loopback port and returns it with a
// cleanup function.
func StartTestServer(source SnapshotSource, renderer *render.Renderer) (*Server, func(), error) {
	server := NewServer("127.0.0.1:0", source, renderer)
	if err := server.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start test server: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return server, cleanup, nil
}
