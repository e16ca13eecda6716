package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/threadmon/internal/api"
	"github.com/bc-dunia/threadmon/internal/config"
	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/registry"
)

func testRegistry() *registry.StaticRegistry {
	return registry.NewStaticRegistry(50, 60, 20).
		AddPool(`Catalina:name="http-nio-8080",type=ThreadPool`, map[string]int64{
			registry.AttrMaxThreads:         100,
			registry.AttrCurrentThreadsBusy: 65,
		})
}

func TestNewMonitorServesAndLogs(t *testing.T) {
	cfg := config.NewConfig()
	cfg.LogDirectory = filepath.Join(t.TempDir(), "logs")
	cfg.Thresholds.WarningPercent = 50
	logger := events.NewEventLoggerWithWriter("test", slog.LevelDebug, &bytes.Buffer{})

	m, err := newMonitor(context.Background(), cfg, testRegistry(), logger)
	require.NoError(t, err)
	defer m.shutdown(context.Background())

	// Init creates the directory before any request.
	info, err := os.Stat(cfg.LogDirectory)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	handler := m.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thread-monitor?action=log", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.LogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, api.LogStatusSuccess, resp.Status)

	entries, err := os.ReadDir(cfg.LogDirectory)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "thread-monitor-"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `threadmon_pool_status{pool="http",status="warning"} 1`)
}

func TestNewMonitorToleratesUnusableLogDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cfg := config.NewConfig()
	cfg.LogDirectory = filepath.Join(blocker, "logs")
	var buf bytes.Buffer
	logger := events.NewEventLoggerWithWriter("test", slog.LevelDebug, &buf)

	m, err := newMonitor(context.Background(), cfg, testRegistry(), logger)
	require.NoError(t, err)
	defer m.shutdown(context.Background())

	assert.Contains(t, buf.String(), "persistence_failure")

	rec := httptest.NewRecorder()
	m.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thread-monitor?action=json", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
