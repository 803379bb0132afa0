package timeline

import (
	"fmt"
	"testing"
	"time"
)

func TestRecordDefaults(t *testing.T) {
	l := New(10)

	before := time.Now().UTC()
	ev, err := l.Record(TaskCreated, "t-1", "", time.Time{}, nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ev.Timestamp.Before(before) {
		t.Errorf("timestamp not defaulted: %v", ev.Timestamp)
	}
	if ev.Metadata == nil {
		t.Error("metadata not defaulted to empty map")
	}

	if _, err := l.Record("TASK_EXPLODED", "t-1", "", time.Time{}, nil); err == nil {
		t.Error("unknown event type accepted")
	}
}

func TestQueryFiltersAndOrder(t *testing.T) {
	l := New(100)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	l.Record(TaskCreated, "t-1", "", base, nil)
	l.Record(LeaseIssued, "t-1", "n-1", base.Add(time.Minute), nil)
	l.Record(LeaseIssued, "t-2", "n-2", base.Add(2*time.Minute), nil)
	l.Record(TaskCompleted, "t-1", "n-1", base.Add(3*time.Minute), nil)

	events, total := l.Query(Query{TaskID: "t-1"})
	if total != 3 || len(events) != 3 {
		t.Fatalf("t-1 query: total=%d len=%d, want 3/3", total, len(events))
	}
	// Newest first.
	if events[0].EventType != TaskCompleted || events[2].EventType != TaskCreated {
		t.Errorf("order wrong: %v then %v", events[0].EventType, events[2].EventType)
	}

	events, total = l.Query(Query{TaskID: "t-1", EventType: LeaseIssued, PeerID: "n-1"})
	if total != 1 {
		t.Errorf("AND filter total = %d, want 1", total)
	}

	events, total = l.Query(Query{Since: base.Add(90 * time.Second)})
	if total != 2 {
		t.Errorf("since filter total = %d, want 2", total)
	}

	events, total = l.Query(Query{Until: base.Add(90 * time.Second)})
	if total != 2 {
		t.Errorf("until filter total = %d, want 2", total)
	}
	_ = events
}

func TestQueryPagination(t *testing.T) {
	l := New(100)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.Record(TaskProgress, fmt.Sprintf("t-%d", i), "", base.Add(time.Duration(i)*time.Second), nil)
	}

	events, total := l.Query(Query{Limit: 3, Offset: 2})
	if total != 10 || len(events) != 3 {
		t.Fatalf("total=%d len=%d, want 10/3", total, len(events))
	}
	// Newest-first: offset 2 skips t-9 and t-8.
	if events[0].TaskID != "t-7" {
		t.Errorf("first page item = %s, want t-7", events[0].TaskID)
	}

	events, total = l.Query(Query{Offset: 50})
	if total != 10 || len(events) != 0 {
		t.Errorf("offset past end: total=%d len=%d", total, len(events))
	}
}

func TestRingBound(t *testing.T) {
	l := New(5)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		l.Record(TaskProgress, fmt.Sprintf("t-%d", i), "", base.Add(time.Duration(i)*time.Second), nil)
	}

	if got := l.Count(); got != 5 {
		t.Fatalf("Count = %d, want 5", got)
	}
	// Oldest seven evicted.
	if _, total := l.Query(Query{TaskID: "t-6"}); total != 0 {
		t.Error("evicted event still queryable")
	}
	if _, total := l.Query(Query{TaskID: "t-11"}); total != 1 {
		t.Error("newest event missing")
	}
}

func TestClearAndStats(t *testing.T) {
	l := New(10)
	l.Record(TaskCreated, "t-1", "", time.Time{}, nil)

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["event_count"].(int) != 1 {
		t.Errorf("event_count = %v", stats["event_count"])
	}

	l.Clear()
	if l.Count() != 0 {
		t.Error("Clear left events behind")
	}
}

func TestCountType(t *testing.T) {
	l := New(10)
	l.Record(NodeCrashed, "", "n-1", time.Time{}, nil)
	l.Record(NodeCrashed, "", "n-2", time.Time{}, nil)
	l.Record(LeaseRevoked, "t-1", "n-1", time.Time{}, nil)

	if got := l.CountType(NodeCrashed); got != 2 {
		t.Errorf("CountType(NODE_CRASHED) = %d, want 2", got)
	}
}
