// Package retention prunes whole per-day log file sets once they age past a
// configured number of days.
package retention

// Config holds retention policy configuration.
type Config struct {
	// MaxAgeDays is how many calendar days of log files are kept, today
	// included. Older day sets are deleted during cleanup. Zero or negative
	// disables pruning.
	// Default: 0 (disabled)
	MaxAgeDays int

	// CleanupIntervalHours is the interval between cleanup runs in hours.
	// Default: 24 (once per day)
	CleanupIntervalHours int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxAgeDays:           0,
		CleanupIntervalHours: 24, // once per day
	}
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	result := c
	if result.MaxAgeDays < 0 {
		result.MaxAgeDays = 0
	}
	if result.CleanupIntervalHours <= 0 {
		result.CleanupIntervalHours = 24
	}
	return result
}

// Enabled reports whether pruning is switched on.
func (c Config) Enabled() bool {
	return c.MaxAgeDays > 0
}
