package metrics

import (
	"strconv"
	"sync"
	"time"
)

const defaultStreamEventBuffer = 256

// StreamEventType is a lifecycle step of a live snapshot stream.
type StreamEventType string

const (
	StreamOpened StreamEventType = "opened"
	StreamClosed StreamEventType = "closed"
)

// CloseReason records how a stream ended.
type CloseReason string

const (
	CloseReasonClient     CloseReason = "client_close"
	CloseReasonShutdown   CloseReason = "shutdown"
	CloseReasonWriteError CloseReason = "write_error"
	CloseReasonReadError  CloseReason = "read_error"
)

// StreamEvent is one entry of the tracker's bounded event log.
type StreamEvent struct {
	StreamID   string          `json:"stream_id"`
	EventType  StreamEventType `json:"event_type"`
	Timestamp  time.Time       `json:"timestamp"`
	Reason     CloseReason     `json:"reason,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// StreamState describes one open stream.
type StreamState struct {
	ID           string    `json:"id"`
	Remote       string    `json:"remote"`
	OpenedAt     time.Time `json:"opened_at"`
	LastSentAt   time.Time `json:"last_sent_at,omitempty"`
	MessagesSent int64     `json:"messages_sent"`
}

// StreamStats aggregates stream activity since start or the last Reset.
type StreamStats struct {
	Opened        int64                 `json:"opened"`
	Active        int64                 `json:"active"`
	Closed        map[CloseReason]int64 `json:"closed"`
	MessagesSent  int64                 `json:"messages_sent"`
	AvgLifetimeMs float64               `json:"avg_lifetime_ms"`
}

// StreamTracker follows websocket snapshot streams from open to close.
type StreamTracker struct {
	mu sync.RWMutex

	events    []StreamEvent
	maxEvents int
	active    map[string]*StreamState
	nextID    int64

	opened         int64
	closed         map[CloseReason]int64
	messages       int64
	closedLifetime time.Duration

	nowFunc func() time.Time
}

// NewStreamTracker creates an empty tracker.
func NewStreamTracker() *StreamTracker {
	return &StreamTracker{
		events:    make([]StreamEvent, 0, defaultStreamEventBuffer),
		maxEvents: defaultStreamEventBuffer,
		active:    make(map[string]*StreamState),
		closed:    make(map[CloseReason]int64),
		nowFunc:   time.Now,
	}
}

func (st *StreamTracker) recordLocked(e StreamEvent) {
	if len(st.events) >= st.maxEvents {
		st.events = st.events[1:]
	}
	st.events = append(st.events, e)
}

// Open registers a new stream from remote and returns its ID.
func (st *StreamTracker) Open(remote string) string {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.nextID++
	id := "stream-" + strconv.FormatInt(st.nextID, 10)
	now := st.nowFunc()
	st.active[id] = &StreamState{ID: id, Remote: remote, OpenedAt: now}
	st.opened++
	st.recordLocked(StreamEvent{StreamID: id, EventType: StreamOpened, Timestamp: now})
	return id
}

// RecordMessage counts one pushed document. Unknown IDs are ignored.
func (st *StreamTracker) RecordMessage(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	stream, ok := st.active[id]
	if !ok {
		return
	}
	stream.MessagesSent++
	stream.LastSentAt = st.nowFunc()
	st.messages++
}

// Close ends a stream. Closing an unknown or already closed ID is a no-op.
func (st *StreamTracker) Close(id string, reason CloseReason) {
	st.mu.Lock()
	defer st.mu.Unlock()

	stream, ok := st.active[id]
	if !ok {
		return
	}
	delete(st.active, id)

	now := st.nowFunc()
	lifetime := now.Sub(stream.OpenedAt)
	st.closed[reason]++
	st.closedLifetime += lifetime
	st.recordLocked(StreamEvent{
		StreamID:   id,
		EventType:  StreamClosed,
		Timestamp:  now,
		Reason:     reason,
		DurationMs: lifetime.Milliseconds(),
	})
}

// Stats computes the aggregate view. Open streams count toward the average
// lifetime with their age so far.
func (st *StreamTracker) Stats() StreamStats {
	st.mu.RLock()
	defer st.mu.RUnlock()

	now := st.nowFunc()
	closed := make(map[CloseReason]int64, len(st.closed))
	var closedCount int64
	for reason, n := range st.closed {
		closed[reason] = n
		closedCount += n
	}

	total := st.closedLifetime
	for _, stream := range st.active {
		total += now.Sub(stream.OpenedAt)
	}

	stats := StreamStats{
		Opened:       st.opened,
		Active:       int64(len(st.active)),
		Closed:       closed,
		MessagesSent: st.messages,
	}
	if n := closedCount + stats.Active; n > 0 {
		stats.AvgLifetimeMs = float64(total.Milliseconds()) / float64(n)
	}
	return stats
}

// Stream returns a copy of an open stream's state.
func (st *StreamTracker) Stream(id string) (StreamState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if stream, ok := st.active[id]; ok {
		return *stream, true
	}
	return StreamState{}, false
}

// RecentEvents returns up to the n most recent lifecycle events, oldest first.
func (st *StreamTracker) RecentEvents(n int) []StreamEvent {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if n <= 0 || len(st.events) == 0 {
		return nil
	}
	start := max(len(st.events)-n, 0)
	result := make([]StreamEvent, len(st.events)-start)
	copy(result, st.events[start:])
	return result
}

// Reset clears counters and the event log. Open streams are kept.
func (st *StreamTracker) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.events = st.events[:0]
	st.opened = int64(len(st.active))
	st.closed = make(map[CloseReason]int64)
	st.messages = 0
	st.closedLifetime = 0
}
