package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigFile is read from the working directory when no path is given.
const DefaultConfigFile = "thread-monitor.toml"

// Default values substituted for missing or invalid settings.
const (
	DefaultWarningPercent  = 60
	DefaultCriticalPercent = 80

	DefaultMaxFileSizeBytes = 10 * 1024 * 1024
	MinMaxFileSizeBytes     = 1024
	DefaultMaxBackupCount   = 10

	DefaultRegistryKind     = RegistryJolokia
	DefaultJolokiaURL       = "http://localhost:8080/jolokia"
	DefaultListenPort       = 8080
	DefaultPrimaryPattern   = "http"
	DefaultSecondaryPattern = "ajp"
	DefaultRegistryTimeout  = 10 * time.Second

	DefaultServerAddr = ":8080"
	DefaultRateLimit  = 100
	DefaultRateBurst  = 200

	DefaultCleanupIntervalHours = 24

	DefaultExporter = "none"
)

// DefaultLogDirectory returns $CATALINA_HOME/logs/thread-monitor, falling back
// to the user's home directory and then the working directory.
func DefaultLogDirectory() string {
	base := os.Getenv("CATALINA_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = home
		}
	}
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "logs", "thread-monitor")
}
