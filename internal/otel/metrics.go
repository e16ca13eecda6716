// Package otel provides OpenTelemetry metrics and tracing for threadmon.
package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/bc-dunia/threadmon/internal/snapshot"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  ServiceName,
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics with helpers for collections and log appends.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	// Last collected snapshot, read by the gauge callback.
	last        atomic.Pointer[snapshot.MetricsSnapshot]
	callbackReg metric.Registration

	// Metric instruments
	collectLatency metric.Float64Histogram
	errorCounter   metric.Int64Counter
	appendCounter  metric.Int64Counter
	rotateCounter  metric.Int64Counter
	poolBusy       metric.Int64ObservableGauge
	poolMax        metric.Int64ObservableGauge
	poolUtil       metric.Float64ObservableGauge
	systemThreads  metric.Int64ObservableGauge
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := createResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// newMetricsWithReader builds an enabled Metrics on top of reader. Tests use
// it with a ManualReader.
func newMetricsWithReader(reader sdkmetric.Reader) (*Metrics, error) {
	cfg := DefaultMetricsConfig()
	cfg.Enabled = true
	cfg.ExporterType = ExporterStdout

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      mp.Shutdown,
	}
	if err := m.registerInstruments(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource builds the resource shared by the meter and tracer providers.
func createResource(serviceName, serviceVersion string, extra map[string]string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}

	if serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(serviceVersion))
	}

	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.collectLatency, err = m.meter.Float64Histogram(
		"threadmon.collect.latency",
		metric.WithDescription("Latency of registry snapshot collections"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create collect latency histogram: %w", err)
	}

	m.errorCounter, err = m.meter.Int64Counter(
		"threadmon.errors",
		metric.WithDescription("Count of errors by category"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	m.appendCounter, err = m.meter.Int64Counter(
		"threadmon.log.appends",
		metric.WithDescription("Count of snapshot rows appended to the rotating log"),
	)
	if err != nil {
		return fmt.Errorf("failed to create append counter: %w", err)
	}

	m.rotateCounter, err = m.meter.Int64Counter(
		"threadmon.log.rotations",
		metric.WithDescription("Count of log file rotations"),
	)
	if err != nil {
		return fmt.Errorf("failed to create rotation counter: %w", err)
	}

	m.poolBusy, err = m.meter.Int64ObservableGauge(
		"threadmon.pool.busy",
		metric.WithDescription("Busy threads in the connector pool at the last collection"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pool busy gauge: %w", err)
	}

	m.poolMax, err = m.meter.Int64ObservableGauge(
		"threadmon.pool.max",
		metric.WithDescription("Maximum threads of the connector pool at the last collection"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pool max gauge: %w", err)
	}

	m.poolUtil, err = m.meter.Float64ObservableGauge(
		"threadmon.pool.utilization",
		metric.WithDescription("Connector pool utilization at the last collection"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pool utilization gauge: %w", err)
	}

	m.systemThreads, err = m.meter.Int64ObservableGauge(
		"threadmon.system.threads",
		metric.WithDescription("System thread counters at the last collection"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system threads gauge: %w", err)
	}

	m.callbackReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			s := m.last.Load()
			if s == nil {
				return nil
			}
			for _, p := range []struct {
				name    string
				reading snapshot.PoolReading
			}{{"http", s.HTTP}, {"ajp", s.AJP}} {
				attrs := metric.WithAttributes(attribute.String("pool", p.name))
				o.ObserveInt64(m.poolBusy, int64(p.reading.Busy), attrs)
				o.ObserveInt64(m.poolMax, int64(p.reading.Max), attrs)
				o.ObserveFloat64(m.poolUtil, p.reading.Utilization(), attrs)
			}
			o.ObserveInt64(m.systemThreads, int64(s.TotalThreads), metric.WithAttributes(attribute.String("kind", "total")))
			o.ObserveInt64(m.systemThreads, int64(s.PeakThreads), metric.WithAttributes(attribute.String("kind", "peak")))
			o.ObserveInt64(m.systemThreads, int64(s.DaemonThreads), metric.WithAttributes(attribute.String("kind", "daemon")))
			return nil
		},
		m.poolBusy, m.poolMax, m.poolUtil, m.systemThreads,
	)
	if err != nil {
		return fmt.Errorf("failed to register snapshot gauge callback: %w", err)
	}

	return nil
}

// RecordCollect records the latency of one collection and, on success, makes
// the snapshot visible to the gauges.
func (m *Metrics) RecordCollect(ctx context.Context, s *snapshot.MetricsSnapshot, latencyMs float64, success bool) {
	if m.collectLatency == nil {
		return
	}

	m.collectLatency.Record(ctx, latencyMs, metric.WithAttributes(attribute.Bool("success", success)))
	if success && s != nil {
		copied := *s
		m.last.Store(&copied)
	}
}

// RecordAppend records one log append.
func (m *Metrics) RecordAppend(ctx context.Context, rotated bool) {
	if m.appendCounter == nil {
		return
	}

	m.appendCounter.Add(ctx, 1)
	if rotated {
		m.rotateCounter.Add(ctx, 1)
	}
}

// RecordError records an error with the specified category.
func (m *Metrics) RecordError(ctx context.Context, category string) {
	if m.errorCounter == nil {
		return
	}

	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.callbackReg != nil {
		if err := m.callbackReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister snapshot callback: %w", err)
		}
		m.callbackReg = nil
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a no-op metrics instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}

	return globalMetrics
}

// NoopMetrics returns the shared metrics instance that does nothing (for
// testing or when disabled).
func NoopMetrics() *Metrics {
	return noopMetrics()
}

var noopMetrics = sync.OnceValue(func() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
})
