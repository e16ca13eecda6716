package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/registry"
)

// Default pool name patterns.
const (
	DefaultPrimaryPattern   = "http"
	DefaultSecondaryPattern = "ajp"
)

// attributePair names the (capacity, occupancy) attributes probed on a pool.
type attributePair struct {
	max  string
	busy string
}

func (p attributePair) String() string {
	return p.max + "/" + p.busy
}

// Connector implementations expose occupancy under different names; they are
// probed in this order.
var (
	primaryPair  = attributePair{max: registry.AttrMaxThreads, busy: registry.AttrCurrentThreadsBusy}
	fallbackPair = attributePair{max: registry.AttrMaxThreads, busy: registry.AttrCurrentThreadCount}
)

// CollectorConfig configures pool lookup.
type CollectorConfig struct {
	// PrimaryPattern selects the primary connector pool. Default: "http".
	PrimaryPattern string
	// SecondaryPattern selects the optional secondary pool. Default: "ajp".
	SecondaryPattern string
}

// DefaultCollectorConfig returns the default pool patterns.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		PrimaryPattern:   DefaultPrimaryPattern,
		SecondaryPattern: DefaultSecondaryPattern,
	}
}

// Collector produces a fresh MetricsSnapshot per Collect call. It holds no
// mutable state and is safe for concurrent use.
type Collector struct {
	registry registry.Registry
	config   CollectorConfig
	logger   *events.EventLogger
	nowFunc  func() time.Time
}

// NewCollector creates a Collector. Empty patterns fall back to the defaults;
// a nil logger uses the global event logger.
func NewCollector(reg registry.Registry, config CollectorConfig, logger *events.EventLogger) *Collector {
	defaults := DefaultCollectorConfig()
	if config.PrimaryPattern == "" {
		config.PrimaryPattern = defaults.PrimaryPattern
	}
	if config.SecondaryPattern == "" {
		config.SecondaryPattern = defaults.SecondaryPattern
	}
	if logger == nil {
		logger = events.GetGlobalEventLogger()
	}
	return &Collector{
		registry: reg,
		config:   config,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Collect reads the system counters and both pools. It fails with a
// *RegistryError only when the system counters cannot be read; pool lookups
// are best-effort and degrade to a zero reading.
func (c *Collector) Collect(ctx context.Context) (MetricsSnapshot, error) {
	counts, err := c.registry.SystemThreads(ctx)
	if err != nil {
		regErr := newRegistryError("failed to read system thread counters", err)
		c.logger.LogRegistryFailure(regErr)
		return MetricsSnapshot{}, regErr
	}
	if counts.Total < 0 || counts.Peak < 0 || counts.Daemon < 0 {
		regErr := newRegistryError("failed to read system thread counters",
			fmt.Errorf("negative counter in %+v: %w", counts, registry.ErrMalformed))
		c.logger.LogRegistryFailure(regErr)
		return MetricsSnapshot{}, regErr
	}

	snap := MetricsSnapshot{
		TotalThreads:  counts.Total,
		PeakThreads:   counts.Peak,
		DaemonThreads: counts.Daemon,
		CapturedAt:    c.nowFunc(),
	}

	snap.HTTP = c.readPool(ctx, "http", c.config.PrimaryPattern)
	snap.AJP = c.readPool(ctx, "ajp", c.config.SecondaryPattern)

	if err := ctx.Err(); err != nil {
		return MetricsSnapshot{}, newRegistryError("collection interrupted", err)
	}
	return snap, nil
}

// readPool returns the reading of the first pool matching pattern that yields
// both attributes, or a zero reading. Failures are logged, never returned.
func (c *Collector) readPool(ctx context.Context, pool, pattern string) PoolReading {
	handles, err := c.registry.QueryPools(ctx, pattern)
	if err != nil {
		c.logger.LogPoolQueryFailure(pool, pattern, err)
		return PoolReading{}
	}

	for _, handle := range handles {
		reading, err := c.probe(ctx, handle, primaryPair)
		if errors.Is(err, registry.ErrAttributeNotFound) {
			c.logger.LogProbeFailure(pool, handle, primaryPair.String(), err)
			reading, err = c.probe(ctx, handle, fallbackPair)
			if err != nil {
				c.logger.LogProbeFailure(pool, handle, fallbackPair.String(), err)
				continue
			}
		} else if err != nil {
			c.logger.LogProbeFailure(pool, handle, primaryPair.String(), err)
			continue
		}
		return reading
	}
	return PoolReading{}
}

func (c *Collector) probe(ctx context.Context, handle string, pair attributePair) (PoolReading, error) {
	max, err := c.registry.Attribute(ctx, handle, pair.max)
	if err != nil {
		return PoolReading{}, err
	}
	busy, err := c.registry.Attribute(ctx, handle, pair.busy)
	if err != nil {
		return PoolReading{}, err
	}
	if max < 0 || busy < 0 {
		return PoolReading{}, fmt.Errorf("negative reading max=%d busy=%d: %w", max, busy, registry.ErrMalformed)
	}
	return PoolReading{Busy: int(busy), Max: int(max)}, nil
}
