package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bc-dunia/threadmon/internal/snapshot"
)

func newManualMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := newMetricsWithReader(reader)
	if err != nil {
		t.Fatalf("newMetricsWithReader: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	if cfg == nil {
		t.Fatal("DefaultMetricsConfig returned nil")
	}
	if cfg.Enabled {
		t.Error("Expected metrics to be disabled by default")
	}
	if cfg.ServiceName != "threadmon" {
		t.Errorf("Expected service name 'threadmon', got %q", cfg.ServiceName)
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("Expected ExporterNone, got %v", cfg.ExporterType)
	}
}

func TestNewMetrics_Disabled(t *testing.T) {
	ctx := context.Background()

	m, err := NewMetrics(ctx, DefaultMetricsConfig())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	defer m.Shutdown(ctx)

	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}

	// Disabled instances accept records without panicking.
	m.RecordCollect(ctx, &snapshot.MetricsSnapshot{}, 1.5, true)
	m.RecordAppend(ctx, true)
	m.RecordError(ctx, "registry")
}

func TestNewMetrics_StdoutExporter(t *testing.T) {
	ctx := context.Background()
	cfg := &MetricsConfig{
		Enabled:      true,
		ServiceName:  "test-service",
		ExporterType: ExporterStdout,
		Attributes:   map[string]string{"deployment": "test"},
	}

	m, err := NewMetrics(ctx, cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	defer m.Shutdown(ctx)

	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
}

func TestRecordCollectObservesSnapshot(t *testing.T) {
	m, reader := newManualMetrics(t)
	ctx := context.Background()

	snap := &snapshot.MetricsSnapshot{
		TotalThreads:  120,
		PeakThreads:   150,
		DaemonThreads: 80,
		HTTP:          snapshot.PoolReading{Busy: 45, Max: 200},
	}
	m.RecordCollect(ctx, snap, 12.5, true)
	// A failed collection must not replace the last good snapshot.
	m.RecordCollect(ctx, &snapshot.MetricsSnapshot{TotalThreads: 1}, 3, false)

	got := collectMetrics(t, reader)

	hist, ok := got["threadmon.collect.latency"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected latency histogram, got %T", got["threadmon.collect.latency"].Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("expected 2 latency samples, got %d", count)
	}

	busy, ok := got["threadmon.pool.busy"].Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected busy gauge, got %T", got["threadmon.pool.busy"].Data)
	}
	for _, dp := range busy.DataPoints {
		pool, _ := dp.Attributes.Value(attribute.Key("pool"))
		want := int64(45)
		if pool.AsString() == "ajp" {
			want = 0
		}
		if dp.Value != want {
			t.Errorf("pool %s: expected busy %d, got %d", pool.AsString(), want, dp.Value)
		}
	}

	util, ok := got["threadmon.pool.utilization"].Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatalf("expected utilization gauge, got %T", got["threadmon.pool.utilization"].Data)
	}
	for _, dp := range util.DataPoints {
		pool, _ := dp.Attributes.Value(attribute.Key("pool"))
		if pool.AsString() == "http" && dp.Value != 22.5 {
			t.Errorf("expected http utilization 22.5, got %f", dp.Value)
		}
	}

	threads, ok := got["threadmon.system.threads"].Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected system threads gauge, got %T", got["threadmon.system.threads"].Data)
	}
	for _, dp := range threads.DataPoints {
		kind, _ := dp.Attributes.Value(attribute.Key("kind"))
		if kind.AsString() == "total" && dp.Value != 120 {
			t.Errorf("expected total 120, got %d", dp.Value)
		}
	}
}

func TestGaugesEmptyBeforeFirstCollect(t *testing.T) {
	_, reader := newManualMetrics(t)

	got := collectMetrics(t, reader)
	if g, ok := got["threadmon.pool.busy"]; ok {
		if data, ok := g.Data.(metricdata.Gauge[int64]); ok && len(data.DataPoints) > 0 {
			t.Errorf("expected no gauge points before first collection, got %d", len(data.DataPoints))
		}
	}
}

func TestRecordAppendAndErrors(t *testing.T) {
	m, reader := newManualMetrics(t)
	ctx := context.Background()

	m.RecordAppend(ctx, false)
	m.RecordAppend(ctx, true)
	m.RecordAppend(ctx, false)
	m.RecordError(ctx, "registry")
	m.RecordError(ctx, "persistence")
	m.RecordError(ctx, "registry")

	got := collectMetrics(t, reader)

	sumOf := func(name string) int64 {
		data, ok := got[name].Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("expected counter %s, got %T", name, got[name].Data)
		}
		var total int64
		for _, dp := range data.DataPoints {
			total += dp.Value
		}
		return total
	}

	if n := sumOf("threadmon.log.appends"); n != 3 {
		t.Errorf("expected 3 appends, got %d", n)
	}
	if n := sumOf("threadmon.log.rotations"); n != 1 {
		t.Errorf("expected 1 rotation, got %d", n)
	}

	errs := got["threadmon.errors"].Data.(metricdata.Sum[int64])
	byCategory := make(map[string]int64)
	for _, dp := range errs.DataPoints {
		cat, _ := dp.Attributes.Value(attribute.Key("category"))
		byCategory[cat.AsString()] = dp.Value
	}
	if byCategory["registry"] != 2 || byCategory["persistence"] != 1 {
		t.Errorf("unexpected error counts: %v", byCategory)
	}
}

func TestGlobalMetrics(t *testing.T) {
	defer SetGlobalMetrics(nil)

	if GetGlobalMetrics().Enabled() {
		t.Error("expected no-op global metrics by default")
	}

	m, _ := newManualMetrics(t)
	SetGlobalMetrics(m)
	if GetGlobalMetrics() != m {
		t.Error("expected global metrics to be the one set")
	}
}

func TestMetricsShutdownTwice(t *testing.T) {
	m, _ := newManualMetrics(t)
	ctx := context.Background()

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	// The provider reports already-shutdown; the callback is not unregistered twice.
	_ = m.Shutdown(ctx)
}
