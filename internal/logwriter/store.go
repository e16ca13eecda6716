package logwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/exp/slices"
)

// DaySet is the base file and backups written for one calendar day.
type DaySet struct {
	Day   time.Time
	Files []string
}

// ListDays returns the day sets present in the log directory, oldest first.
// A missing directory yields no sets.
func (w *Writer) ListDays() ([]DaySet, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []DaySet{}, nil
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	byDay := make(map[string][]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := logFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		byDay[m[1]] = append(byDay[m[1]], filepath.Join(w.dir, entry.Name()))
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	slices.Sort(days)

	sets := make([]DaySet, 0, len(days))
	for _, day := range days {
		t, err := time.ParseInLocation(dayLayout, day, time.Local)
		if err != nil {
			continue
		}
		files := byDay[day]
		slices.Sort(files)
		sets = append(sets, DaySet{Day: t, Files: files})
	}
	return sets, nil
}

// DeleteDay removes every file of the day set for day and returns how many
// were deleted.
func (w *Writer) DeleteDay(day time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	want := day.Format(dayLayout)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := logFilePattern.FindStringSubmatch(entry.Name())
		if m == nil || m[1] != want {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("failed to delete %s: %w", path, err)
		}
		deleted++
	}
	return deleted, nil
}
