package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/logwriter"
	"github.com/bc-dunia/threadmon/internal/metrics"
	"github.com/bc-dunia/threadmon/internal/registry"
	"github.com/bc-dunia/threadmon/internal/render"
	"github.com/bc-dunia/threadmon/internal/snapshot"
	"github.com/bc-dunia/threadmon/internal/threshold"
)

const (
	httpHandle = `Catalina:name="http-nio-8080",type=ThreadPool`
	ajpHandle  = `Catalina:name="ajp-nio-8009",type=ThreadPool`
)

var exportNamePattern = regexp.MustCompile(`^attachment; filename="thread-monitor-\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}\.csv"$`)

// tomcatRegistry models a server with an HTTP pool at 85% and an AJP pool
// exposing only the fallback attribute.
func tomcatRegistry() *registry.StaticRegistry {
	return registry.NewStaticRegistry(120, 150, 80).
		AddPool(httpHandle, map[string]int64{
			registry.AttrMaxThreads:         200,
			registry.AttrCurrentThreadsBusy: 170,
		}).
		AddPool(ajpHandle, map[string]int64{
			registry.AttrMaxThreads:         100,
			registry.AttrCurrentThreadCount: 7,
		})
}

// blockingRegistry never answers before the context ends.
type blockingRegistry struct{}

func (blockingRegistry) SystemThreads(ctx context.Context) (registry.ThreadCounts, error) {
	<-ctx.Done()
	return registry.ThreadCounts{}, ctx.Err()
}

func (blockingRegistry) QueryPools(ctx context.Context, pattern string) ([]string, error) {
	return nil, nil
}

func (blockingRegistry) Attribute(ctx context.Context, handle, name string) (int64, error) {
	return 0, registry.ErrAttributeNotFound
}

type testServer struct {
	*Server
	metrics *metrics.Collector
	logDir  string
}

func newTestServer(t *testing.T, reg registry.Registry) *testServer {
	t.Helper()
	renderer := render.NewRenderer(threshold.DefaultThresholds())
	collector := snapshot.NewCollector(reg, snapshot.DefaultCollectorConfig(), nil)

	server := NewServer("127.0.0.1:0", collector, renderer)
	server.SetRateLimiterConfig(&RateLimiterConfig{Enabled: false})

	mc := metrics.NewCollector(threshold.DefaultThresholds())
	server.SetMetricsCollector(mc)

	dir := filepath.Join(t.TempDir(), "logs")
	writer, err := logwriter.NewWriter(dir, logwriter.DefaultRotationPolicy(), renderer, nil)
	require.NoError(t, err)
	server.SetLogAppender(writer)

	return &testServer{Server: server, metrics: mc, logDir: dir}
}

func (ts *testServer) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func assertNoCache(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, "no-cache, no-store, must-revalidate", h.Get("Cache-Control"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))
}

func TestDefaultActionRendersHTML(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	rec := ts.get(t, "/thread-monitor")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assertNoCache(t, rec.Header())

	body := rec.Body.String()
	assert.Contains(t, body, `<meta http-equiv="refresh" content="30">`)
	assert.Contains(t, body, "HTTP Busy / Max")
	assert.Contains(t, body, "170 / 200")
	assert.Contains(t, body, "AJP Busy / Max")
	assert.Contains(t, body, `card critical`)
}

func TestDefaultActionRefreshParameter(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	tests := []struct {
		query string
		want  string
	}{
		{"?refresh=60", `content="60"`},
		{"?refresh=1", `content="5"`},
		{"?refresh=99999", `content="3600"`},
		{"?refresh=soon", `content="30"`},
		{"?refresh=", `content="30"`},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := ts.get(t, "/thread-monitor"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `<meta http-equiv="refresh" `+tt.want+`>`)
		})
	}
}

func TestExportAction(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	rec := ts.get(t, "/thread-monitor?action=export")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Regexp(t, exportNamePattern, rec.Header().Get("Content-Disposition"))

	lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, render.CSVHeader, lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",170,200,30,85.00,7,100,93,7.00,120,150,80"), lines[1])
}

func TestJSONAction(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	rec := ts.get(t, "/thread-monitor?action=json")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assertNoCache(t, rec.Header())

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	httpPool := doc["http"].(map[string]any)
	assert.EqualValues(t, 170, httpPool["busyThreads"])
	assert.EqualValues(t, 85, httpPool["utilizationPercent"])
	system := doc["system"].(map[string]any)
	assert.EqualValues(t, 40, system["nonDaemonThreads"])
}

func TestRegistryFailureIsFormatConsistent(t *testing.T) {
	reg := registry.NewStaticRegistry(0, 0, 0)
	reg.ThreadsErr = registry.ErrUnavailable
	ts := newTestServer(t, reg)

	t.Run("json", func(t *testing.T) {
		rec := ts.get(t, "/thread-monitor?action=json")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var doc render.ErrorDocument
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
		assert.Equal(t, "error", doc.Status)
		assert.Contains(t, doc.Message, "registry unavailable")
	})

	t.Run("export", func(t *testing.T) {
		rec := ts.get(t, "/thread-monitor?action=export")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Body.String(), "Error,"), rec.Body.String())
		assert.Regexp(t, exportNamePattern, rec.Header().Get("Content-Disposition"))
	})

	t.Run("default", func(t *testing.T) {
		rec := ts.get(t, "/thread-monitor?refresh=10")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "Unable to read thread metrics")
		assert.Contains(t, rec.Body.String(), `content="10"`)
		assert.NotContains(t, rec.Body.String(), "goroutine")
	})

	t.Run("log", func(t *testing.T) {
		rec := ts.get(t, "/thread-monitor?action=log")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		var resp LogResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, LogStatusError, resp.Status)
		assert.Empty(t, resp.Timestamp)
	})

	out := ts.metrics.Expose()
	assert.Contains(t, out, `threadmon_collections_total{result="error"} 4`)
	assert.Contains(t, out, `threadmon_errors_total{category="registry"} 4`)
}

func TestSetEventLoggerWhileServing(t *testing.T) {
	reg := registry.NewStaticRegistry(0, 0, 0)
	reg.ThreadsErr = registry.ErrUnavailable
	ts := newTestServer(t, reg)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rec := httptest.NewRecorder()
				ts.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thread-monitor?action=json", nil))
			}
		}()
	}
	for i := 0; i < 20; i++ {
		ts.SetEventLogger(events.NoopEventLogger())
	}
	wg.Wait()

	var buf bytes.Buffer
	ts.SetEventLogger(events.NewEventLoggerWithWriter("test", slog.LevelDebug, &buf))
	rec := ts.get(t, "/thread-monitor?action=json")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, buf.String(), "action_failed")
}

func TestCollectTimeoutAnswersGatewayTimeout(t *testing.T) {
	ts := newTestServer(t, blockingRegistry{})
	ts.SetCollectTimeout(20 * time.Millisecond)

	rec := ts.get(t, "/thread-monitor?action=json")

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status": "error"`)
}

func TestLogAction(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	rec := ts.get(t, "/thread-monitor?action=log")

	require.Equal(t, http.StatusOK, rec.Code)
	assertNoCache(t, rec.Header())

	var resp LogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, LogStatusSuccess, resp.Status)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, resp.Timestamp)
	require.True(t, strings.HasPrefix(resp.Message, "Data logged to: "), resp.Message)

	path := strings.TrimPrefix(resp.Message, "Data logged to: ")
	assert.Equal(t, ts.logDir, filepath.Dir(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"), "header plus one row")

	assert.Contains(t, ts.metrics.Expose(), "threadmon_log_appends_total 1")
}

func TestLogActionPersistenceFailure(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	writer, err := logwriter.NewWriter(filepath.Join(blocker, "logs"), logwriter.DefaultRotationPolicy(), ts.renderer, nil)
	require.NoError(t, err)
	ts.SetLogAppender(writer)

	rec := ts.get(t, "/thread-monitor?action=log")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp LogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, LogStatusError, resp.Status)
	assert.NotEmpty(t, resp.Message)
	assert.Contains(t, ts.metrics.Expose(), `threadmon_errors_total{category="persistence"} 1`)
}

func TestLogActionWithoutAppender(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())
	ts.SetLogAppender(nil)

	rec := ts.get(t, "/thread-monitor?action=log")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), errLoggingDisabled.Error())
}

func TestUnknownAction(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	rec := ts.get(t, "/thread-monitor?action=purge")

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ErrorCodeUnknownAction, resp.ErrorCode)
	assert.Equal(t, "purge", resp.Details["action"])
}

func TestMonitorMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/thread-monitor?action=log", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	rec := ts.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = ts.get(t, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.True(t, ready.Ready)
	assert.Empty(t, ready.LastCollect)

	ts.get(t, "/thread-monitor?action=json")
	rec = ts.get(t, "/readyz")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.NotEmpty(t, ready.LastCollect)

	notReady := NewServer("127.0.0.1:0", nil, render.NewRenderer(threshold.DefaultThresholds()))
	rec = httptest.NewRecorder()
	notReady.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())
	ts.get(t, "/thread-monitor?action=json")

	rec := ts.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; version=0.0.4; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `threadmon_pool_status{pool="http",status="critical"} 1`)

	ts.SetMetricsCollector(nil)
	rec = ts.get(t, "/metrics")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/thread-monitor?action=stream&refresh=5"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamPushesSnapshots(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	conn := dialStream(t, srv)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	kind, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.EqualValues(t, 120, doc["system"].(map[string]any)["totalThreads"])

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}

func TestStreamEndsOnShutdown(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	conn := dialStream(t, srv)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, ts.Shutdown(context.Background()))

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	streams := ts.metrics.Streams()
	require.Eventually(t, func() bool {
		return streams.Stats().Closed[metrics.CloseReasonShutdown] == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, streams.Stats().MessagesSent)
	assert.EqualValues(t, 0, streams.Stats().Active)
}

func TestStreamRequiresUpgrade(t *testing.T) {
	ts := newTestServer(t, tomcatRegistry())

	rec := ts.get(t, "/thread-monitor?action=stream")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	server, cleanup, err := StartTestServer(snapshot.NewCollector(tomcatRegistry(), snapshot.DefaultCollectorConfig(), nil),
		render.NewRenderer(threshold.DefaultThresholds()))
	require.NoError(t, err)
	defer cleanup()

	assert.True(t, server.IsRunning())
	assert.Error(t, server.Start(), "second Start must fail")

	resp, err := http.Get(server.URL() + "/thread-monitor?action=json")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
