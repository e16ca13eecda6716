// Package snapshot collects immutable readings of system thread counters and
// connector thread-pool occupancy from a management registry.
package snapshot

import (
	"time"

	"github.com/bc-dunia/threadmon/internal/threshold"
)

// PoolReading is the occupancy of one connector thread pool.
// Max == 0 means the pool was not found or is not configured; a pool found
// with zero capacity is indistinguishable from an absent one.
// Busy <= Max is not guaranteed: the registry may report transiently
// inconsistent values.
type PoolReading struct {
	Busy int
	Max  int
}

// Configured reports whether the pool was found.
func (p PoolReading) Configured() bool {
	return p.Max != 0
}

// Available returns Max - Busy without clamping. It is negative when Busy > Max.
func (p PoolReading) Available() int {
	return p.Max - p.Busy
}

// Utilization returns Busy/Max*100, or 0 when the pool is absent.
func (p PoolReading) Utilization() float64 {
	return threshold.Utilization(p.Busy, p.Max)
}

// Status classifies the pool against t.
func (p PoolReading) Status(t threshold.Thresholds) threshold.Status {
	return threshold.Classify(p.Busy, p.Max, t)
}

// MetricsSnapshot is one read of all tracked counters. Values are copied in
// and never mutated after Collect returns.
type MetricsSnapshot struct {
	TotalThreads  int
	PeakThreads   int
	DaemonThreads int

	// HTTP is the primary connector pool.
	HTTP PoolReading
	// AJP is the secondary, optional connector pool.
	AJP PoolReading

	// CapturedAt is when the registry was read. Renderers stamp their own
	// render time instead.
	CapturedAt time.Time
}

// NonDaemonThreads returns TotalThreads - DaemonThreads.
func (s MetricsSnapshot) NonDaemonThreads() int {
	return s.TotalThreads - s.DaemonThreads
}
