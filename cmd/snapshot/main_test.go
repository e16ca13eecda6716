package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/threadmon/internal/config"
	"github.com/bc-dunia/threadmon/internal/registry"
	"github.com/bc-dunia/threadmon/internal/render"
)

func testRegistry() *registry.StaticRegistry {
	return registry.NewStaticRegistry(90, 95, 30).
		AddPool(`Catalina:name="http-nio-8080",type=ThreadPool`, map[string]int64{
			registry.AttrMaxThreads:         200,
			registry.AttrCurrentThreadsBusy: 50,
		})
}

func TestRunFormats(t *testing.T) {
	tests := []struct {
		format render.Format
		check  func(t *testing.T, out string)
	}{
		{render.FormatCSVRow, func(t *testing.T, out string) {
			assert.Equal(t, 1, strings.Count(out, "\n"))
			assert.True(t, strings.HasSuffix(out, ",50,200,150,25.00,0,0,0,0.00,90,95,30\n"), out)
		}},
		{render.FormatCSV, func(t *testing.T, out string) {
			assert.True(t, strings.HasPrefix(out, render.CSVHeader+"\n"), out)
			assert.Equal(t, 2, strings.Count(out, "\n"))
		}},
		{render.FormatJSON, func(t *testing.T, out string) {
			assert.Contains(t, out, `"utilizationPercent": 25.00`)
			assert.Contains(t, out, `"nonDaemonThreads": 60`)
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), config.NewConfig(), testRegistry(), options{format: tt.format}, &stdout, &stderr)
			require.NoError(t, err)
			tt.check(t, stdout.String())
			assert.Empty(t, stderr.String())
		})
	}
}

func TestRunAppendsToLog(t *testing.T) {
	cfg := config.NewConfig()
	cfg.LogDirectory = t.TempDir()

	var stdout, stderr bytes.Buffer
	for i := 0; i < 2; i++ {
		require.NoError(t, run(context.Background(), cfg, testRegistry(), options{format: render.FormatCSVRow, log: true}, &stdout, &stderr))
	}

	assert.Contains(t, stderr.String(), "Data logged to: "+cfg.LogDirectory)
	entries, err := os.ReadDir(cfg.LogDirectory)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(cfg.LogDirectory, entries[0].Name()))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, render.CSVHeader, lines[0])
}

func TestRunRegistryFailure(t *testing.T) {
	reg := registry.NewStaticRegistry(0, 0, 0)
	reg.ThreadsErr = registry.ErrUnavailable
	cfg := config.NewConfig()
	cfg.LogDirectory = t.TempDir()

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), cfg, reg, options{format: render.FormatJSON, log: true}, &stdout, &stderr)

	require.Error(t, err)
	assert.Contains(t, stdout.String(), `"status": "error"`)
	entries, err := os.ReadDir(cfg.LogDirectory)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is logged when collection fails")
}
