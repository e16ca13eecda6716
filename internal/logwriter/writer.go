package logwriter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/bc-dunia/threadmon/internal/events"
	"github.com/bc-dunia/threadmon/internal/render"
	"github.com/bc-dunia/threadmon/internal/snapshot"
)

const (
	filePrefix = "thread-monitor-"
	fileSuffix = ".csv"
	dayLayout  = "2006-01-02"
)

var logFilePattern = regexp.MustCompile(`^thread-monitor-(\d{4}-\d{2}-\d{2})\.csv(?:\.(\d+))?$`)

// dirLocks holds one mutex per absolute log directory, shared by every Writer
// in the process that targets that directory.
var dirLocks sync.Map

func lockFor(dir string) *sync.Mutex {
	mu, _ := dirLocks.LoadOrStore(dir, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RowFormatter renders one newline-terminated CSV row for a snapshot.
type RowFormatter interface {
	CSVRow(s snapshot.MetricsSnapshot) string
}

// LogResult describes a successful append.
type LogResult struct {
	// Path is the absolute path of the file the row was written to.
	Path string
	// Rotated reports whether the previous file was rotated out first.
	Rotated bool
	Message string
}

// Writer appends snapshot rows to thread-monitor-YYYY-MM-DD.csv in a single
// directory. Appends are serialized per directory across all Writers.
type Writer struct {
	dir     string
	policy  RotationPolicy
	rows    RowFormatter
	logger  *events.EventLogger
	nowFunc func() time.Time
	mu      *sync.Mutex
}

// NewWriter creates a Writer for dir. The directory is not touched until Init
// or the first Append. A nil logger uses the global event logger.
func NewWriter(dir string, policy RotationPolicy, rows RowFormatter, logger *events.EventLogger) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("log directory cannot be empty")
	}
	if rows == nil {
		return nil, fmt.Errorf("row formatter cannot be nil")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log directory: %w", err)
	}
	if logger == nil {
		logger = events.GetGlobalEventLogger()
	}
	return &Writer{
		dir:     abs,
		policy:  policy.WithDefaults(),
		rows:    rows,
		logger:  logger,
		nowFunc: time.Now,
		mu:      lockFor(abs),
	}, nil
}

// Dir returns the absolute log directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Policy returns the effective rotation policy.
func (w *Writer) Policy() RotationPolicy {
	return w.policy
}

// FileName returns the base log file name for the calendar day of t.
func FileName(t time.Time) string {
	return filePrefix + t.Format(dayLayout) + fileSuffix
}

// BackupName returns the name of backup index i for base.
func BackupName(base string, i int) string {
	return base + "." + strconv.Itoa(i)
}

// Init creates the log directory and verifies it is writable.
func (w *Writer) Init() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureDir()
}

func (w *Writer) ensureDir() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return NewDirectoryError(w.dir, err)
	}
	info, err := os.Stat(w.dir)
	if err != nil {
		return NewDirectoryError(w.dir, err)
	}
	if !info.IsDir() {
		return NewDirectoryError(w.dir, fmt.Errorf("not a directory"))
	}
	probe, err := os.CreateTemp(w.dir, ".write-check-*")
	if err != nil {
		return NewDirectoryError(w.dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// Append writes one CSV row for s to today's log file, rotating first when
// the file has grown past the policy's size cap.
func (w *Writer) Append(ctx context.Context, s snapshot.MetricsSnapshot) (LogResult, error) {
	result, err := w.append(ctx, s)
	if err != nil {
		w.logger.LogPersistenceFailure(w.dir, err)
	}
	return result, err
}

func (w *Writer) append(ctx context.Context, s snapshot.MetricsSnapshot) (LogResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return LogResult{}, &PersistenceError{Kind: ErrKindCancelled, Path: w.dir, Message: "append cancelled", Cause: err}
	}

	if err := w.ensureDir(); err != nil {
		return LogResult{}, err
	}

	path := filepath.Join(w.dir, FileName(w.nowFunc()))
	rotated := false

	info, err := os.Stat(path)
	switch {
	case err == nil && info.Size() > w.policy.MaxFileSizeBytes:
		if err := w.rotate(path); err != nil {
			return LogResult{}, err
		}
		w.logger.LogRotation(path, info.Size(), w.policy.MaxBackupCount)
		rotated = true
	case err != nil && !os.IsNotExist(err):
		return LogResult{}, NewWriteError(path, err)
	}

	newFile, err := w.writeRow(path, w.rows.CSVRow(s))
	if err != nil {
		return LogResult{}, err
	}
	w.logger.LogAppend(path, newFile)

	return LogResult{
		Path:    path,
		Rotated: rotated,
		Message: "Data logged to: " + path,
	}, nil
}

// rotate shifts existing backups of path up by one index, dropping those at
// or beyond MaxBackupCount-1, then renames path to index 1. Only the final
// rename is fatal.
func (w *Writer) rotate(path string) error {
	indexes, err := backupIndexes(w.dir, filepath.Base(path))
	if err != nil {
		w.logger.LogRotationStepFailed("scan", w.dir, err)
	}

	for _, i := range indexes {
		src := BackupName(path, i)
		if i >= w.policy.MaxBackupCount-1 {
			if err := os.Remove(src); err != nil {
				w.logger.LogRotationStepFailed("delete", src, err)
			}
			continue
		}
		if err := os.Rename(src, BackupName(path, i+1)); err != nil {
			w.logger.LogRotationStepFailed("rename", src, err)
		}
	}

	if err := os.Rename(path, BackupName(path, 1)); err != nil {
		return NewRotationError(path, err)
	}
	return nil
}

func (w *Writer) writeRow(path, row string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return false, NewWriteError(path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return false, NewWriteError(path, err)
	}
	newFile := info.Size() == 0

	payload := row
	if newFile {
		payload = render.CSVHeader + "\n" + row
	}
	if _, err := f.WriteString(payload); err != nil {
		f.Close()
		return newFile, NewWriteError(path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newFile, NewWriteError(path, err)
	}
	if err := f.Close(); err != nil {
		return newFile, NewWriteError(path, err)
	}
	return newFile, nil
}

// backupIndexes returns the indexes of existing backups of base, highest first.
func backupIndexes(dir, base string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var indexes []int
	for _, entry := range entries {
		m := logFilePattern.FindStringSubmatch(entry.Name())
		if m == nil || m[2] == "" || entry.Name() != BackupName(base, atoi(m[2])) {
			continue
		}
		if i := atoi(m[2]); i > 0 {
			indexes = append(indexes, i)
		}
	}
	slices.Sort(indexes)
	slices.Reverse(indexes)
	return indexes, nil
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
