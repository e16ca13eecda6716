// Package config loads the monitor configuration from a TOML file overlaid by
// command-line flags. Invalid values never stop startup: each one is replaced
// by its default and reported as a ConfigurationError.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/exp/slices"

	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/logwriter"
	"github.com/bc-dunia/threadmon/internal/otel"
	"github.com/bc-dunia/threadmon/internal/registry"
	"github.com/bc-dunia/threadmon/internal/retention"
	"github.com/bc-dunia/threadmon/internal/snapshot"
	"github.com/bc-dunia/threadmon/internal/threshold"
)

// Registry kinds.
const (
	RegistryJolokia = "jolokia"
	RegistryProcess = "process"
)

// Config is the complete monitor configuration.
type Config struct {
	LogDirectory string           `toml:"log_directory"`
	Thresholds   ThresholdsConfig `toml:"thresholds"`
	Rotation     RotationConfig   `toml:"rotation"`
	Registry     RegistryConfig   `toml:"registry"`
	Server       ServerConfig     `toml:"server"`
	Retention    RetentionConfig  `toml:"retention"`
	Otel         OtelConfig       `toml:"otel"`

	undecoded []string
	rejected  []*ConfigurationError
}

type ThresholdsConfig struct {
	WarningPercent  int `toml:"warning_percent"`
	CriticalPercent int `toml:"critical_percent"`
}

type RotationConfig struct {
	MaxFileSizeBytes int64 `toml:"max_file_size_bytes"`
	MaxBackupCount   int   `toml:"max_backup_count"`
}

type RegistryConfig struct {
	Kind             string `toml:"kind"`
	URL              string `toml:"url"`
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	PID              int    `toml:"pid"`
	ListenPort       int    `toml:"listen_port"`
	PrimaryPattern   string `toml:"primary_pattern"`
	SecondaryPattern string `toml:"secondary_pattern"`
	Timeout          string `toml:"timeout"` // e.g. "10s"
}

type ServerConfig struct {
	Addr      string  `toml:"addr"`
	RateLimit float64 `toml:"rate_limit"` // requests/second, 0 disables
	RateBurst int     `toml:"rate_burst"`
}

type RetentionConfig struct {
	MaxAgeDays           int `toml:"max_age_days"`
	CleanupIntervalHours int `toml:"cleanup_interval_hours"`
}

type OtelConfig struct {
	MetricsExporter string  `toml:"metrics_exporter"`
	TracingExporter string  `toml:"tracing_exporter"`
	Endpoint        string  `toml:"endpoint"`
	Insecure        bool    `toml:"insecure"`
	SampleRate      float64 `toml:"sample_rate"`
}

// NewConfig returns a Config holding every default.
func NewConfig() *Config {
	cfg := &Config{
		LogDirectory: DefaultLogDirectory(),
	}
	cfg.Thresholds.WarningPercent = DefaultWarningPercent
	cfg.Thresholds.CriticalPercent = DefaultCriticalPercent
	cfg.Rotation.MaxFileSizeBytes = DefaultMaxFileSizeBytes
	cfg.Rotation.MaxBackupCount = DefaultMaxBackupCount
	cfg.Registry.Kind = DefaultRegistryKind
	cfg.Registry.URL = DefaultJolokiaURL
	cfg.Registry.PrimaryPattern = DefaultPrimaryPattern
	cfg.Registry.SecondaryPattern = DefaultSecondaryPattern
	cfg.Registry.Timeout = DefaultRegistryTimeout.String()
	cfg.Server.Addr = DefaultServerAddr
	cfg.Server.RateLimit = DefaultRateLimit
	cfg.Server.RateBurst = DefaultRateBurst
	cfg.Retention.CleanupIntervalHours = DefaultCleanupIntervalHours
	cfg.Otel.MetricsExporter = DefaultExporter
	cfg.Otel.TracingExporter = DefaultExporter
	cfg.Otel.SampleRate = 1.0
	return cfg
}

// LoadConfig reads configuration in this order of precedence:
//  1. the file at path, when path is set
//  2. DefaultConfigFile in the working directory, when it exists
//  3. the built-in defaults
//
// Keys missing from the file keep their defaults. The result is not validated.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	filePath := path
	if filePath == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return cfg, nil
		}
		filePath = DefaultConfigFile
	}

	md, err := toml.DecodeFile(filePath, cfg)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("parse %s: %s", filePath, perr.ErrorWithPosition())
		}
		// A value of the wrong type only costs that key its setting.
		cfg = NewConfig()
		if err := cfg.decodeByKey(filePath); err != nil {
			return nil, fmt.Errorf("load %s: %w", filePath, err)
		}
		return cfg, nil
	}
	for _, key := range md.Undecoded() {
		cfg.undecoded = append(cfg.undecoded, key.String())
	}
	return cfg, nil
}

// decodeByKey decodes the file one key at a time. Keys that fail to decode
// keep their default and are reported by Validate.
func (c *Config) decodeByKey(path string) error {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return err
	}
	defaults := encodedDefaults()

	for _, name := range sortedKeys(raw) {
		section, ok := raw[name].(map[string]any)
		if !ok {
			c.decodeValue(name, raw[name], map[string]any{name: raw[name]}, defaults[name])
			continue
		}
		sectionDefaults, _ := defaults[name].(map[string]any)
		for _, key := range sortedKeys(section) {
			doc := map[string]any{name: map[string]any{key: section[key]}}
			c.decodeValue(name+"."+key, section[key], doc, sectionDefaults[key])
		}
	}
	return nil
}

func (c *Config) decodeValue(key string, value any, doc map[string]any, def any) {
	reject := func() {
		defStr := ""
		if def != nil {
			defStr = fmt.Sprint(def)
		}
		c.rejected = append(c.rejected, &ConfigurationError{
			Key:     key,
			Value:   fmt.Sprint(value),
			Default: defStr,
			Reason:  fmt.Sprintf("wrong type %T", value),
		})
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		reject()
		return
	}
	md, err := toml.Decode(buf.String(), c)
	if err != nil {
		reject()
		return
	}
	for _, k := range md.Undecoded() {
		c.undecoded = append(c.undecoded, k.String())
	}
}

// encodedDefaults returns the defaults in the same shape as a decoded file.
func encodedDefaults() map[string]any {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(NewConfig()); err != nil {
		return nil
	}
	var out map[string]any
	if _, err := toml.Decode(buf.String(), &out); err != nil {
		return nil
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Flags holds command-line overrides registered on a FlagSet. Only flags
// actually set on the command line override the file.
type Flags struct {
	ConfigFile string

	fs               *flag.FlagSet
	logDirectory     string
	warningPercent   int
	criticalPercent  int
	maxFileSizeBytes int64
	maxBackupCount   int
	registryKind     string
	registryURL      string
	pid              int
	listenPort       int
	addr             string
	rateLimit        float64
	rateBurst        int
	retentionDays    int
	metricsExporter  string
	tracingExporter  string
	otelEndpoint     string
}

// RegisterFlags defines the override flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigFile, "config", "", "Path to TOML config file (default ./"+DefaultConfigFile+" when present)")
	fs.StringVar(&f.logDirectory, "log-dir", "", "Directory for the rotating CSV log")
	fs.IntVar(&f.warningPercent, "warning", DefaultWarningPercent, "Warning utilization percent (0-100)")
	fs.IntVar(&f.criticalPercent, "critical", DefaultCriticalPercent, "Critical utilization percent (0-100)")
	fs.Int64Var(&f.maxFileSizeBytes, "max-file-size", DefaultMaxFileSizeBytes, "Rotate the daily log above this many bytes")
	fs.IntVar(&f.maxBackupCount, "max-backups", DefaultMaxBackupCount, "Rotated backups kept per day")
	fs.StringVar(&f.registryKind, "registry", DefaultRegistryKind, "Registry kind: jolokia, process")
	fs.StringVar(&f.registryURL, "jolokia-url", DefaultJolokiaURL, "Jolokia agent URL")
	fs.IntVar(&f.pid, "pid", 0, "PID of the monitored process (process registry)")
	fs.IntVar(&f.listenPort, "listen-port", 0, "Find the monitored process by its listening port (process registry)")
	fs.StringVar(&f.addr, "addr", DefaultServerAddr, "HTTP server address")
	fs.Float64Var(&f.rateLimit, "rate-limit", DefaultRateLimit, "Rate limit in requests/second (0 to disable)")
	fs.IntVar(&f.rateBurst, "rate-burst", DefaultRateBurst, "Rate limit burst size")
	fs.IntVar(&f.retentionDays, "retention-days", 0, "Delete daily log sets older than this many days (0 disables)")
	fs.StringVar(&f.metricsExporter, "metrics-exporter", DefaultExporter, "Metrics exporter: none, stdout, otlp-grpc, otlp-http")
	fs.StringVar(&f.tracingExporter, "tracing-exporter", DefaultExporter, "Tracing exporter: none, stdout, otlp-grpc, otlp-http")
	fs.StringVar(&f.otelEndpoint, "otel-endpoint", "", "OTLP collector endpoint")
	return f
}

// ApplyFlags copies the flags that were set on the command line into c.
func (c *Config) ApplyFlags(f *Flags) {
	if f == nil || f.fs == nil {
		return
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "log-dir":
			c.LogDirectory = f.logDirectory
		case "warning":
			c.Thresholds.WarningPercent = f.warningPercent
		case "critical":
			c.Thresholds.CriticalPercent = f.criticalPercent
		case "max-file-size":
			c.Rotation.MaxFileSizeBytes = f.maxFileSizeBytes
		case "max-backups":
			c.Rotation.MaxBackupCount = f.maxBackupCount
		case "registry":
			c.Registry.Kind = f.registryKind
		case "jolokia-url":
			c.Registry.URL = f.registryURL
		case "pid":
			c.Registry.PID = f.pid
		case "listen-port":
			c.Registry.ListenPort = f.listenPort
		case "addr":
			c.Server.Addr = f.addr
		case "rate-limit":
			c.Server.RateLimit = f.rateLimit
		case "rate-burst":
			c.Server.RateBurst = f.rateBurst
		case "retention-days":
			c.Retention.MaxAgeDays = f.retentionDays
		case "metrics-exporter":
			c.Otel.MetricsExporter = f.metricsExporter
		case "tracing-exporter":
			c.Otel.TracingExporter = f.tracingExporter
		case "otel-endpoint":
			c.Otel.Endpoint = f.otelEndpoint
		}
	})
}

// Validate replaces every invalid value with its default and returns one
// ConfigurationError per substitution, each also logged as a warning.
func (c *Config) Validate() []*ConfigurationError {
	var errs []*ConfigurationError
	fallback := func(key, value, def, reason string) {
		errs = append(errs, &ConfigurationError{Key: key, Value: value, Default: def, Reason: reason})
	}

	errs = append(errs, c.rejected...)
	for _, key := range c.undecoded {
		fallback(key, "", "", "unknown key ignored")
	}

	if strings.TrimSpace(c.LogDirectory) == "" {
		def := DefaultLogDirectory()
		fallback("log_directory", c.LogDirectory, def, "must not be empty")
		c.LogDirectory = def
	}

	checkPercent := func(key string, v *int, def int) {
		if *v < 0 || *v > 100 {
			fallback(key, strconv.Itoa(*v), strconv.Itoa(def), "must be within 0-100")
			*v = def
		}
	}
	checkPercent("thresholds.warning_percent", &c.Thresholds.WarningPercent, DefaultWarningPercent)
	checkPercent("thresholds.critical_percent", &c.Thresholds.CriticalPercent, DefaultCriticalPercent)

	switch size := c.Rotation.MaxFileSizeBytes; {
	case size <= 0:
		fallback("rotation.max_file_size_bytes", strconv.FormatInt(size, 10), strconv.Itoa(DefaultMaxFileSizeBytes), "must be positive")
		c.Rotation.MaxFileSizeBytes = DefaultMaxFileSizeBytes
	case size < MinMaxFileSizeBytes:
		fallback("rotation.max_file_size_bytes", strconv.FormatInt(size, 10), strconv.Itoa(MinMaxFileSizeBytes), "below minimum")
		c.Rotation.MaxFileSizeBytes = MinMaxFileSizeBytes
	}
	if c.Rotation.MaxBackupCount <= 0 {
		fallback("rotation.max_backup_count", strconv.Itoa(c.Rotation.MaxBackupCount), strconv.Itoa(DefaultMaxBackupCount), "must be at least 1")
		c.Rotation.MaxBackupCount = DefaultMaxBackupCount
	}

	errs = append(errs, c.validateRegistry()...)

	if strings.TrimSpace(c.Server.Addr) == "" {
		fallback("server.addr", c.Server.Addr, DefaultServerAddr, "must not be empty")
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.RateLimit < 0 {
		fallback("server.rate_limit", formatFloat(c.Server.RateLimit), strconv.Itoa(DefaultRateLimit), "must not be negative")
		c.Server.RateLimit = DefaultRateLimit
	}
	if c.Server.RateBurst <= 0 {
		fallback("server.rate_burst", strconv.Itoa(c.Server.RateBurst), strconv.Itoa(DefaultRateBurst), "must be positive")
		c.Server.RateBurst = DefaultRateBurst
	}

	if c.Retention.MaxAgeDays < 0 {
		fallback("retention.max_age_days", strconv.Itoa(c.Retention.MaxAgeDays), "0", "must not be negative")
		c.Retention.MaxAgeDays = 0
	}
	if c.Retention.CleanupIntervalHours <= 0 {
		fallback("retention.cleanup_interval_hours", strconv.Itoa(c.Retention.CleanupIntervalHours), strconv.Itoa(DefaultCleanupIntervalHours), "must be positive")
		c.Retention.CleanupIntervalHours = DefaultCleanupIntervalHours
	}

	checkExporter := func(key string, v *string) {
		if _, err := otel.ParseExporterType(*v); err != nil {
			fallback(key, *v, DefaultExporter, err.Error())
			*v = DefaultExporter
		}
	}
	checkExporter("otel.metrics_exporter", &c.Otel.MetricsExporter)
	checkExporter("otel.tracing_exporter", &c.Otel.TracingExporter)
	if c.Otel.SampleRate < 0 || c.Otel.SampleRate > 1 {
		fallback("otel.sample_rate", formatFloat(c.Otel.SampleRate), "1", "must be within 0-1")
		c.Otel.SampleRate = 1.0
	}

	logger := events.GetGlobalEventLogger()
	for _, e := range errs {
		logger.LogConfigFallback(e.Key, e.Value, e.Default, e.Reason)
	}
	c.undecoded = nil
	c.rejected = nil
	return errs
}

func (c *Config) validateRegistry() []*ConfigurationError {
	var errs []*ConfigurationError
	fallback := func(key, value, def, reason string) {
		errs = append(errs, &ConfigurationError{Key: key, Value: value, Default: def, Reason: reason})
	}
	r := &c.Registry

	r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
	if r.Kind != RegistryJolokia && r.Kind != RegistryProcess {
		fallback("registry.kind", r.Kind, DefaultRegistryKind, "must be jolokia or process")
		r.Kind = DefaultRegistryKind
	}

	switch r.Kind {
	case RegistryJolokia:
		if strings.TrimSpace(r.URL) == "" {
			fallback("registry.url", r.URL, DefaultJolokiaURL, "must not be empty")
			r.URL = DefaultJolokiaURL
		}
	case RegistryProcess:
		if r.PID < 0 {
			fallback("registry.pid", strconv.Itoa(r.PID), "0", "must not be negative")
			r.PID = 0
		}
		if r.ListenPort < 0 || r.ListenPort > 65535 {
			fallback("registry.listen_port", strconv.Itoa(r.ListenPort), strconv.Itoa(DefaultListenPort), "must be a TCP port")
			r.ListenPort = DefaultListenPort
		}
		if r.PID == 0 && r.ListenPort == 0 {
			fallback("registry.listen_port", "0", strconv.Itoa(DefaultListenPort), "pid or listen_port required")
			r.ListenPort = DefaultListenPort
		}
	}

	if strings.TrimSpace(r.PrimaryPattern) == "" {
		fallback("registry.primary_pattern", r.PrimaryPattern, DefaultPrimaryPattern, "must not be empty")
		r.PrimaryPattern = DefaultPrimaryPattern
	}
	if strings.TrimSpace(r.SecondaryPattern) == "" {
		fallback("registry.secondary_pattern", r.SecondaryPattern, DefaultSecondaryPattern, "must not be empty")
		r.SecondaryPattern = DefaultSecondaryPattern
	}

	if d, err := time.ParseDuration(r.Timeout); err != nil || d <= 0 {
		fallback("registry.timeout", r.Timeout, DefaultRegistryTimeout.String(), "must be a positive duration")
		r.Timeout = DefaultRegistryTimeout.String()
	}
	return errs
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Values converts the section into classifier thresholds.
func (t ThresholdsConfig) Values() threshold.Thresholds {
	return threshold.Thresholds{
		WarningPercent:  t.WarningPercent,
		CriticalPercent: t.CriticalPercent,
	}
}

// Policy converts the section into a log rotation policy.
func (r RotationConfig) Policy() logwriter.RotationPolicy {
	return logwriter.RotationPolicy{
		MaxFileSizeBytes: r.MaxFileSizeBytes,
		MaxBackupCount:   r.MaxBackupCount,
	}.WithDefaults()
}

// TimeoutDuration returns the parsed timeout, or the default when unparsable.
func (r RegistryConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.Timeout)
	if err != nil || d <= 0 {
		return DefaultRegistryTimeout
	}
	return d
}

// Collector returns the pool lookup patterns.
func (r RegistryConfig) Collector() snapshot.CollectorConfig {
	return snapshot.CollectorConfig{
		PrimaryPattern:   r.PrimaryPattern,
		SecondaryPattern: r.SecondaryPattern,
	}
}

// Jolokia returns the Jolokia client settings.
func (r RegistryConfig) Jolokia() registry.JolokiaConfig {
	return registry.JolokiaConfig{
		URL:      r.URL,
		Username: r.Username,
		Password: r.Password,
		Timeout:  r.TimeoutDuration(),
	}
}

// Manager returns the retention manager settings.
func (r RetentionConfig) Manager() retention.Config {
	return retention.Config{
		MaxAgeDays:           r.MaxAgeDays,
		CleanupIntervalHours: r.CleanupIntervalHours,
	}.WithDefaults()
}

// Tracer returns tracer settings; tracing is enabled unless the exporter is none.
func (o OtelConfig) Tracer(version string) *otel.Config {
	exporter, _ := otel.ParseExporterType(o.TracingExporter)
	cfg := otel.DefaultConfig()
	cfg.Enabled = exporter != otel.ExporterNone
	cfg.ServiceVersion = version
	cfg.ExporterType = exporter
	cfg.OTLPEndpoint = o.Endpoint
	cfg.OTLPInsecure = o.Insecure
	cfg.SampleRate = o.SampleRate
	return cfg
}

// Metrics returns metrics settings; metrics are enabled unless the exporter is none.
func (o OtelConfig) Metrics(version string) *otel.MetricsConfig {
	exporter, _ := otel.ParseExporterType(o.MetricsExporter)
	cfg := otel.DefaultMetricsConfig()
	cfg.Enabled = exporter != otel.ExporterNone
	cfg.ServiceVersion = version
	cfg.ExporterType = exporter
	cfg.OTLPEndpoint = o.Endpoint
	cfg.OTLPInsecure = o.Insecure
	return cfg
}
