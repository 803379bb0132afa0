// Package timeline keeps a bounded in-memory event log of task and
// lease activity for dashboards and health aggregation.
package timeline

import (
	"fmt"
	"sync"
	"time"
)

// EventType enumerates every recordable event. The set is closed:
// Record rejects anything else.
type EventType string

const (
	TaskCreated   EventType = "TASK_CREATED"
	TaskQueued    EventType = "TASK_QUEUED"
	TaskLeased    EventType = "TASK_LEASED"
	TaskStarted   EventType = "TASK_STARTED"
	TaskProgress  EventType = "TASK_PROGRESS"
	TaskCompleted EventType = "TASK_COMPLETED"
	TaskFailed    EventType = "TASK_FAILED"
	TaskExpired   EventType = "TASK_EXPIRED"
	TaskRequeued  EventType = "TASK_REQUEUED"
	LeaseIssued   EventType = "LEASE_ISSUED"
	LeaseExpired  EventType = "LEASE_EXPIRED"
	LeaseRevoked  EventType = "LEASE_REVOKED"
	NodeCrashed   EventType = "NODE_CRASHED"
)

var validTypes = map[EventType]bool{
	TaskCreated: true, TaskQueued: true, TaskLeased: true, TaskStarted: true,
	TaskProgress: true, TaskCompleted: true, TaskFailed: true, TaskExpired: true,
	TaskRequeued: true, LeaseIssued: true, LeaseExpired: true, LeaseRevoked: true,
	NodeCrashed: true,
}

// Event is one timeline entry.
type Event struct {
	EventType EventType      `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	PeerID    string         `json:"peer_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Query selects events; zero-valued fields are not filtered on.
// Filters combine with AND.
type Query struct {
	TaskID    string
	PeerID    string
	EventType EventType
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// DefaultMaxEvents bounds the ring buffer when no override is given.
const DefaultMaxEvents = 10000

// Log is a mutex-guarded ring buffer of events, oldest evicted first.
type Log struct {
	mu     sync.Mutex
	events []Event
	max    int
}

func New(maxEvents int) *Log {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Log{max: maxEvents}
}

// Record appends an event. Timestamp defaults to now, metadata to an
// empty map. Unknown event types are rejected.
func (l *Log) Record(typ EventType, taskID, peerID string, ts time.Time, metadata map[string]any) (Event, error) {
	if !validTypes[typ] {
		return Event{}, fmt.Errorf("timeline: unknown event type %q", typ)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	ev := Event{EventType: typ, TaskID: taskID, PeerID: peerID, Timestamp: ts, Metadata: metadata}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	l.mu.Unlock()
	return ev, nil
}

// Query returns matching events newest-first plus the post-filter
// pre-pagination total. The snapshot is taken under the lock; filtering
// happens outside it.
func (l *Log) Query(q Query) ([]Event, int) {
	l.mu.Lock()
	snapshot := make([]Event, len(l.events))
	copy(snapshot, l.events)
	l.mu.Unlock()

	matched := make([]Event, 0, len(snapshot))
	// Walk backwards so results come out newest-first.
	for i := len(snapshot) - 1; i >= 0; i-- {
		ev := snapshot[i]
		if q.TaskID != "" && ev.TaskID != q.TaskID {
			continue
		}
		if q.PeerID != "" && ev.PeerID != q.PeerID {
			continue
		}
		if q.EventType != "" && ev.EventType != q.EventType {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
			continue
		}
		matched = append(matched, ev)
	}

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []Event{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total
}

// Count returns the number of events currently retained.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// CountType returns how many retained events have the given type.
func (l *Log) CountType(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.EventType == typ {
			n++
		}
	}
	return n
}

// Clear drops all retained events.
func (l *Log) Clear() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// Stats reports the log's occupancy for health aggregation.
func (l *Log) Stats() (map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := map[string]any{
		"event_count": len(l.events),
		"max_events":  l.max,
	}
	if len(l.events) > 0 {
		stats["oldest_event"] = l.events[0].Timestamp.UTC().Format(time.RFC3339)
		stats["newest_event"] = l.events[len(l.events)-1].Timestamp.UTC().Format(time.RFC3339)
	}
	return stats, nil
}
