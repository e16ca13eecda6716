package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for key events in threadmon.
type EventLogger struct {
	logger   *slog.Logger
	instance string
}

// NewEventLogger creates a new EventLogger with JSON output to stdout.
// Every record carries the monitor instance name.
func NewEventLogger(instance string, level slog.Level) *EventLogger {
	return NewEventLoggerWithWriter(instance, level, os.Stdout)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a custom writer.
func NewEventLoggerWithWriter(instance string, level slog.Level, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler).With("instance", instance)
	return &EventLogger{
		logger:   logger,
		instance: instance,
	}
}

// Logger exposes the underlying slog.Logger for ad-hoc records.
func (el *EventLogger) Logger() *slog.Logger {
	return el.logger
}

// LogRegistryFailure logs a failed read of the mandatory system counters.
// Errors with a Detail method also log the detail.
// event: "registry_failure"
// Attributes: error, detail
func (el *EventLogger) LogRegistryFailure(err error) {
	detail := err.Error()
	if d, ok := err.(interface{ Detail() string }); ok {
		detail = d.Detail()
	}
	el.logger.Error("registry_failure",
		"error", err.Error(),
		"detail", detail,
	)
}

// LogProbeFailure logs a pool attribute probe that did not yield values.
// event: "pool_probe_failed"
// Attributes: pool, handle, attribute_pair, reason
func (el *EventLogger) LogProbeFailure(pool, handle, pair string, err error) {
	el.logger.Warn("pool_probe_failed",
		"pool", pool,
		"handle", handle,
		"attribute_pair", pair,
		"reason", err.Error(),
	)
}

// LogPoolQueryFailure logs a failed pool lookup for an optional pool.
// event: "pool_query_failed"
func (el *EventLogger) LogPoolQueryFailure(pool, pattern string, err error) {
	el.logger.Warn("pool_query_failed",
		"pool", pool,
		"pattern", pattern,
		"reason", err.Error(),
	)
}

// LogRotation logs a completed log file rotation.
// event: "log_rotated"
// Attributes: path, size_bytes, backups
func (el *EventLogger) LogRotation(path string, sizeBytes int64, backups int) {
	el.logger.Info("log_rotated",
		"path", path,
		"size_bytes", sizeBytes,
		"backups", backups,
	)
}

// LogRotationStepFailed logs a backup shift or delete that failed during rotation.
// Rotation continues past these.
// event: "rotation_step_failed"
func (el *EventLogger) LogRotationStepFailed(op, path string, err error) {
	el.logger.Warn("rotation_step_failed",
		"op", op,
		"path", path,
		"reason", err.Error(),
	)
}

// LogAppend logs a snapshot row appended to the log.
// event: "log_appended"
func (el *EventLogger) LogAppend(path string, newFile bool) {
	el.logger.Debug("log_appended",
		"path", path,
		"new_file", newFile,
	)
}

// LogPersistenceFailure logs a failed log append.
// event: "persistence_failure"
func (el *EventLogger) LogPersistenceFailure(dir string, err error) {
	el.logger.Error("persistence_failure",
		"directory", dir,
		"error", err.Error(),
	)
}

// LogConfigFallback logs a configuration value replaced by its default.
// event: "config_fallback"
// Attributes: key, value, default, reason
func (el *EventLogger) LogConfigFallback(key, value, def, reason string) {
	el.logger.Warn("config_fallback",
		"key", key,
		"value", value,
		"default", def,
		"reason", reason,
	)
}

// LogActionFailed logs a monitor request that ended in an error payload.
// event: "action_failed"
func (el *EventLogger) LogActionFailed(action, remote string, status int, err error) {
	el.logger.Error("action_failed",
		"action", action,
		"remote_addr", remote,
		"status", status,
		"error", err.Error(),
	)
}

// LogStreamOpened logs a new snapshot stream subscriber.
// event: "stream_opened"
func (el *EventLogger) LogStreamOpened(remote string, refreshSeconds int) {
	el.logger.Info("stream_opened",
		"remote_addr", remote,
		"refresh_seconds", refreshSeconds,
	)
}

// LogStreamClosed logs the end of a snapshot stream. err is nil on a clean close.
// event: "stream_closed"
func (el *EventLogger) LogStreamClosed(remote string, sent int, err error) {
	if err != nil {
		el.logger.Warn("stream_closed",
			"remote_addr", remote,
			"messages_sent", sent,
			"error", err.Error(),
		)
		return
	}
	el.logger.Info("stream_closed",
		"remote_addr", remote,
		"messages_sent", sent,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
	noopLogger   = newNoopEventLogger()
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a shared no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return noopLogger
}

// NoopEventLogger returns an event logger that discards all events.
func NoopEventLogger() *EventLogger {
	return noopLogger
}

func newNoopEventLogger() *EventLogger {
	return &EventLogger{
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}
