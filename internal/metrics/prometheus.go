// Package metrics provides Prometheus text exposition of the latest thread
// snapshot and of collector and log writer activity.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bc-dunia/threadmon/internal/snapshot"
	"github.com/bc-dunia/threadmon/internal/threshold"
)

// Collector accumulates counters and keeps the last good snapshot for
// exposition. Thread-safe for concurrent access.
type Collector struct {
	mu sync.RWMutex

	thresholds threshold.Thresholds

	collectCounts   map[string]int64 // result -> count
	collectDuration histogramData
	errorCounts     map[string]int64 // category -> count
	appends         int64
	rotations       int64
	streams         *StreamTracker

	last   *snapshot.MetricsSnapshot
	lastAt time.Time

	// Time function for testing
	nowFunc func() time.Time
}

type namedPool struct {
	name    string
	reading snapshot.PoolReading
}

// histogramData holds histogram data for Prometheus exposition.
type histogramData struct {
	sum   float64
	count int64
}

// NewCollector creates a new metrics Collector classifying pools against t.
func NewCollector(t threshold.Thresholds) *Collector {
	return &Collector{
		thresholds:    t,
		collectCounts: make(map[string]int64),
		errorCounts:   make(map[string]int64),
		streams:       NewStreamTracker(),
		nowFunc:       time.Now,
	}
}

// Streams returns the tracker for live snapshot streams.
func (c *Collector) Streams() *StreamTracker {
	return c.streams
}

// RecordCollect records one collection. A nil error stores s as the latest
// snapshot.
func (c *Collector) RecordCollect(s snapshot.MetricsSnapshot, durationMs float64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"
	}
	c.collectCounts[result]++
	c.collectDuration.sum += durationMs / 1000.0
	c.collectDuration.count++

	if err == nil {
		copied := s
		c.last = &copied
		c.lastAt = c.nowFunc()
	}
}

// RecordAppend records one successful log append.
func (c *Collector) RecordAppend(rotated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appends++
	if rotated {
		c.rotations++
	}
}

// RecordError records an error with the specified category.
func (c *Collector) RecordError(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCounts[category]++
}

// Last returns the latest good snapshot, if any.
func (c *Collector) Last() (snapshot.MetricsSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return snapshot.MetricsSnapshot{}, false
	}
	return *c.last, true
}

// Expose returns the metrics in Prometheus text exposition format.
func (c *Collector) Expose() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	timestamp := c.nowFunc().UnixMilli()

	c.writeCollections(&sb, timestamp)
	c.writeErrors(&sb, timestamp)
	c.writeLog(&sb, timestamp)
	c.writeStreams(&sb, timestamp)
	c.writeSnapshot(&sb, timestamp)

	return sb.String()
}

func (c *Collector) writeCollections(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP threadmon_collections_total Total number of registry collections\n")
	sb.WriteString("# TYPE threadmon_collections_total counter\n")
	for _, result := range sortedKeys(c.collectCounts) {
		fmt.Fprintf(sb, "threadmon_collections_total{result=%q} %d %d\n", result, c.collectCounts[result], timestamp)
	}

	sb.WriteString("# HELP threadmon_collect_duration_seconds Duration of registry collections in seconds\n")
	sb.WriteString("# TYPE threadmon_collect_duration_seconds summary\n")
	fmt.Fprintf(sb, "threadmon_collect_duration_seconds_sum %.6f %d\n", c.collectDuration.sum, timestamp)
	fmt.Fprintf(sb, "threadmon_collect_duration_seconds_count %d %d\n", c.collectDuration.count, timestamp)
}

func (c *Collector) writeErrors(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP threadmon_errors_total Total number of errors by category\n")
	sb.WriteString("# TYPE threadmon_errors_total counter\n")
	for _, category := range sortedKeys(c.errorCounts) {
		fmt.Fprintf(sb, "threadmon_errors_total{category=%q} %d %d\n", category, c.errorCounts[category], timestamp)
	}
}

func (c *Collector) writeLog(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP threadmon_log_appends_total Total number of rows appended to the rotating log\n")
	sb.WriteString("# TYPE threadmon_log_appends_total counter\n")
	fmt.Fprintf(sb, "threadmon_log_appends_total %d %d\n", c.appends, timestamp)

	sb.WriteString("# HELP threadmon_log_rotations_total Total number of log file rotations\n")
	sb.WriteString("# TYPE threadmon_log_rotations_total counter\n")
	fmt.Fprintf(sb, "threadmon_log_rotations_total %d %d\n", c.rotations, timestamp)
}

// writeSnapshot writes gauges for the latest good snapshot. Nothing but the
// HELP/TYPE lines is written before the first successful collection.
func (c *Collector) writeSnapshot(sb *strings.Builder, timestamp int64) {
	var pools []namedPool
	if c.last != nil {
		pools = []namedPool{{"ajp", c.last.AJP}, {"http", c.last.HTTP}}
	}

	gauge := func(name, help string, value func(p snapshot.PoolReading) string) {
		fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
		fmt.Fprintf(sb, "# TYPE %s gauge\n", name)
		for _, p := range pools {
			fmt.Fprintf(sb, "%s{pool=%q} %s %d\n", name, p.name, value(p.reading), timestamp)
		}
	}

	gauge("threadmon_pool_busy_threads", "Busy threads in the connector pool",
		func(p snapshot.PoolReading) string { return fmt.Sprint(p.Busy) })
	gauge("threadmon_pool_max_threads", "Maximum threads of the connector pool (0 when absent)",
		func(p snapshot.PoolReading) string { return fmt.Sprint(p.Max) })
	gauge("threadmon_pool_available_threads", "Max minus busy threads, unclamped",
		func(p snapshot.PoolReading) string { return fmt.Sprint(p.Available()) })
	gauge("threadmon_pool_utilization_percent", "Connector pool utilization percentage",
		func(p snapshot.PoolReading) string { return fmt.Sprintf("%.2f", p.Utilization()) })

	sb.WriteString("# HELP threadmon_pool_status Utilization status of the connector pool (1 = in this status)\n")
	sb.WriteString("# TYPE threadmon_pool_status gauge\n")
	statuses := []threshold.Status{threshold.StatusCritical, threshold.StatusNormal, threshold.StatusWarning}
	for _, p := range pools {
		current := p.reading.Status(c.thresholds)
		for _, status := range statuses {
			v := 0
			if status == current {
				v = 1
			}
			fmt.Fprintf(sb, "threadmon_pool_status{pool=%q,status=%q} %d %d\n", p.name, status, v, timestamp)
		}
	}

	sb.WriteString("# HELP threadmon_system_threads System thread counters\n")
	sb.WriteString("# TYPE threadmon_system_threads gauge\n")
	if c.last != nil {
		fmt.Fprintf(sb, "threadmon_system_threads{kind=%q} %d %d\n", "daemon", c.last.DaemonThreads, timestamp)
		fmt.Fprintf(sb, "threadmon_system_threads{kind=%q} %d %d\n", "non_daemon", c.last.NonDaemonThreads(), timestamp)
		fmt.Fprintf(sb, "threadmon_system_threads{kind=%q} %d %d\n", "peak", c.last.PeakThreads, timestamp)
		fmt.Fprintf(sb, "threadmon_system_threads{kind=%q} %d %d\n", "total", c.last.TotalThreads, timestamp)
	}

	sb.WriteString("# HELP threadmon_last_collect_timestamp_seconds Unix time of the last successful collection\n")
	sb.WriteString("# TYPE threadmon_last_collect_timestamp_seconds gauge\n")
	if c.last != nil {
		fmt.Fprintf(sb, "threadmon_last_collect_timestamp_seconds %d %d\n", c.lastAt.Unix(), timestamp)
	}
}

func (c *Collector) writeStreams(sb *strings.Builder, timestamp int64) {
	stats := c.streams.Stats()

	sb.WriteString("# HELP threadmon_streams_active Open websocket snapshot streams\n")
	sb.WriteString("# TYPE threadmon_streams_active gauge\n")
	fmt.Fprintf(sb, "threadmon_streams_active %d %d\n", stats.Active, timestamp)

	sb.WriteString("# HELP threadmon_streams_opened_total Total number of snapshot streams opened\n")
	sb.WriteString("# TYPE threadmon_streams_opened_total counter\n")
	fmt.Fprintf(sb, "threadmon_streams_opened_total %d %d\n", stats.Opened, timestamp)

	sb.WriteString("# HELP threadmon_streams_closed_total Total number of snapshot streams closed by reason\n")
	sb.WriteString("# TYPE threadmon_streams_closed_total counter\n")
	reasons := make(map[string]int64, len(stats.Closed))
	for reason, n := range stats.Closed {
		reasons[string(reason)] = n
	}
	for _, reason := range sortedKeys(reasons) {
		fmt.Fprintf(sb, "threadmon_streams_closed_total{reason=%q} %d %d\n", reason, reasons[reason], timestamp)
	}

	sb.WriteString("# HELP threadmon_stream_messages_total Total number of snapshot documents pushed to streams\n")
	sb.WriteString("# TYPE threadmon_stream_messages_total counter\n")
	fmt.Fprintf(sb, "threadmon_stream_messages_total %d %d\n", stats.MessagesSent, timestamp)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.collectCounts = make(map[string]int64)
	c.collectDuration = histogramData{}
	c.errorCounts = make(map[string]int64)
	c.appends = 0
	c.rotations = 0
	c.last = nil
	c.lastAt = time.Time{}
	c.streams.Reset()
}
