package retention

import (
	"log"
	"sync"
	"time"
)

// DayRetentionInfo describes one day's log file set for retention purposes.
type DayRetentionInfo struct {
	Day   time.Time
	Files int
}

// LogStore defines the log storage operations needed by retention.
type LogStore interface {
	ListDaysForRetention() ([]DayRetentionInfo, error)
	DeleteDay(day time.Time) (int, error)
}

// Manager handles periodic cleanup of old log day sets.
type Manager struct {
	config    Config
	store     LogStore
	nowFunc   func() time.Time
	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewManager creates a new retention Manager.
func NewManager(config Config, store LogStore) *Manager {
	return &Manager{
		config:    config.WithDefaults(),
		store:     store,
		nowFunc:   time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the background cleanup goroutine. It is a no-op when pruning
// is disabled.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || !m.config.Enabled() {
		return
	}
	m.running = true
	go m.run()
}

// Stop signals the background goroutine to stop and waits for it to exit.
func (m *Manager) Stop() {
	shouldStop := false
	func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.running {
			return
		}
		m.running = false
		shouldStop = true
	}()

	if !shouldStop {
		return
	}

	close(m.stopCh)
	<-m.stoppedCh
}

func (m *Manager) run() {
	defer close(m.stoppedCh)

	m.cleanup()

	interval := time.Duration(m.config.CleanupIntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// cutoff returns the start of the oldest calendar day that is kept.
func (m *Manager) cutoff() time.Time {
	now := m.nowFunc()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return today.AddDate(0, 0, -(m.config.MaxAgeDays - 1))
}

func (m *Manager) cleanup() int {
	if m.store == nil || !m.config.Enabled() {
		return 0
	}

	days, err := m.store.ListDaysForRetention()
	if err != nil {
		log.Printf("Failed to list log files for retention: %v", err)
		return 0
	}

	cutoff := m.cutoff()
	deleted := 0

	for _, day := range days {
		if !day.Day.Before(cutoff) {
			continue
		}
		n, err := m.store.DeleteDay(day.Day)
		if err != nil {
			log.Printf("Failed to delete log files for %s: %v", day.Day.Format("2006-01-02"), err)
			continue
		}
		deleted += n
	}

	if deleted > 0 {
		log.Printf("Deleted %d log files older than %d days", deleted, m.config.MaxAgeDays)
	}
	return deleted
}

// RunCleanupNow triggers an immediate cleanup and returns the number of files
// deleted.
func (m *Manager) RunCleanupNow() int {
	return m.cleanup()
}
