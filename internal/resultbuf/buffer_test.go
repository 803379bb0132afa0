package resultbuf

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestBuffer(t *testing.T, maxPending, maxRetries int) *Buffer {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "buffer.db"), maxPending, maxRetries)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// collectSink records delivered results; failFor makes sends for those
// task ids fail.
type collectSink struct {
	mu        sync.Mutex
	delivered []string
	failFor   map[string]bool
	connected bool
}

func (s *collectSink) Send(r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[r.TaskID] {
		return errors.New("upstream rejected")
	}
	s.delivered = append(s.delivered, r.TaskID)
	return nil
}

func (s *collectSink) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *collectSink) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

func enqueue(t *testing.T, b *Buffer, taskID string) {
	t.Helper()
	if _, err := b.Enqueue(taskID, "agent-1", "tok", json.RawMessage(`{"ok":true}`), nil); err != nil {
		t.Fatalf("Enqueue %s: %v", taskID, err)
	}
}

func TestEnqueueAndFIFOFlush(t *testing.T) {
	b := openTestBuffer(t, 100, 3)
	for i := 0; i < 5; i++ {
		enqueue(t, b, fmt.Sprintf("t-%d", i))
	}

	sink := &collectSink{}
	n, err := b.Flush(sink)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 5 {
		t.Errorf("flushed = %d, want 5", n)
	}
	want := []string{"t-0", "t-1", "t-2", "t-3", "t-4"}
	got := sink.order()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
	if size, _ := b.Size(); size != 0 {
		t.Errorf("size after flush = %d", size)
	}
}

func TestDuplicateTaskRejected(t *testing.T) {
	b := openTestBuffer(t, 100, 3)
	enqueue(t, b, "t-1")

	_, err := b.Enqueue("t-1", "agent-2", "tok", json.RawMessage(`{}`), nil)
	var dupErr DuplicateTaskError
	if !errors.As(err, &dupErr) || dupErr.TaskID != "t-1" {
		t.Fatalf("want DuplicateTaskError for t-1, got %v", err)
	}
}

func TestCapacityCountsPendingOnly(t *testing.T) {
	b := openTestBuffer(t, 2, 1)
	enqueue(t, b, "t-1")
	enqueue(t, b, "t-2")

	_, err := b.Enqueue("t-3", "agent-1", "tok", json.RawMessage(`{}`), nil)
	var fullErr BufferFullError
	if !errors.As(err, &fullErr) {
		t.Fatalf("want BufferFullError, got %v", err)
	}

	// Drive both rows over the retry budget so they dead-letter.
	sink := &collectSink{failFor: map[string]bool{"t-1": true, "t-2": true}}
	b.Flush(sink) // retry_count -> 1
	b.Flush(sink) // both at budget: moved to failed

	if size, _ := b.Size(); size != 0 {
		t.Fatalf("pending = %d after dead-lettering, want 0", size)
	}
	// Failed rows free capacity for new enqueues.
	enqueue(t, b, "t-3")
	enqueue(t, b, "t-4")
}

func TestPerRowErrorIsolation(t *testing.T) {
	b := openTestBuffer(t, 100, 5)
	enqueue(t, b, "t-1")
	enqueue(t, b, "t-2")
	enqueue(t, b, "t-3")

	sink := &collectSink{failFor: map[string]bool{"t-2": true}}
	n, err := b.Flush(sink)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 2 {
		t.Errorf("flushed = %d, want 2", n)
	}
	got := sink.order()
	if len(got) != 2 || got[0] != "t-1" || got[1] != "t-3" {
		t.Errorf("delivered = %v, want [t-1 t-3]", got)
	}

	// The failing row stays pending with its retry recorded.
	if size, _ := b.Size(); size != 1 {
		t.Errorf("pending = %d, want 1", size)
	}
	rows, _ := b.selectRows(`WHERE task_id = ?`, "t-2")
	if len(rows) != 1 || rows[0].RetryCount != 1 || rows[0].LastRetry == nil {
		t.Errorf("t-2 row = %+v", rows)
	}
}

func TestRetryBudgetDeadLetters(t *testing.T) {
	b := openTestBuffer(t, 100, 2)
	enqueue(t, b, "t-1")

	sink := &collectSink{failFor: map[string]bool{"t-1": true}}
	b.Flush(sink) // retry 1
	b.Flush(sink) // retry 2
	n, err := b.Flush(sink)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 0 {
		t.Errorf("flushed = %d", n)
	}

	failed, err := b.GetFailedResults()
	if err != nil {
		t.Fatalf("GetFailedResults: %v", err)
	}
	if len(failed) != 1 || failed[0].TaskID != "t-1" || failed[0].Status != StatusFailed {
		t.Fatalf("failed = %+v", failed)
	}

	// Revive and deliver once the sink accepts it.
	revived, err := b.RequeueFailed()
	if err != nil || revived != 1 {
		t.Fatalf("RequeueFailed: %d, %v", revived, err)
	}
	delete(sink.failFor, "t-1")
	if n, _ := b.Flush(sink); n != 1 {
		t.Errorf("flush after requeue = %d, want 1", n)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buffer.db")

	b, err := Open(path, 100, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.Enqueue("t-1", "agent-1", "tok", json.RawMessage(`{"v":1}`), json.RawMessage(`{"m":2}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	b.Close()

	b2, err := Open(path, 100, 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	if size, _ := b2.Size(); size != 1 {
		t.Fatalf("size after reopen = %d, want 1", size)
	}
	sink := &collectSink{}
	if n, _ := b2.Flush(sink); n != 1 {
		t.Errorf("flush after reopen delivered %d rows", n)
	}
}

func TestMetrics(t *testing.T) {
	b := openTestBuffer(t, 10, 3)

	m, err := b.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Current != 0 || m.OldestAgeS != nil {
		t.Errorf("empty metrics = %+v", m)
	}

	enqueue(t, b, "t-1")
	enqueue(t, b, "t-2")
	m, _ = b.Metrics()
	if m.Current != 2 || m.Max != 10 || m.UtilPct != 20 {
		t.Errorf("metrics = %+v", m)
	}
	if m.OldestAgeS == nil || m.NewestAgeS == nil || *m.OldestAgeS < *m.NewestAgeS {
		t.Errorf("age span wrong: %+v", m)
	}
}

func TestCompactFailed(t *testing.T) {
	b := openTestBuffer(t, 100, 1)
	enqueue(t, b, "t-1")

	sink := &collectSink{failFor: map[string]bool{"t-1": true}}
	b.Flush(sink) // retry 1 = budget
	b.Flush(sink) // dead-letter

	// Rows newer than the retention window stay.
	if n, _ := b.CompactFailed(time.Hour); n != 0 {
		t.Errorf("compacted young row")
	}
	if n, _ := b.CompactFailed(0); n != 1 {
		t.Errorf("zero-retention compact removed nothing")
	}
	failed, _ := b.GetFailedResults()
	if len(failed) != 0 {
		t.Errorf("failed rows remain after compact: %+v", failed)
	}
}

func TestPeriodicFlushHonorsConnectivity(t *testing.T) {
	b := openTestBuffer(t, 100, 3)
	enqueue(t, b, "t-1")

	sink := &collectSink{}
	b.StartPeriodicFlush(sink, 5*time.Millisecond)
	defer b.StopPeriodicFlush()

	// Disconnected: nothing moves.
	time.Sleep(30 * time.Millisecond)
	if size, _ := b.Size(); size != 1 {
		t.Fatalf("flushed while disconnected")
	}

	sink.mu.Lock()
	sink.connected = true
	sink.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if size, _ := b.Size(); size == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("periodic flush never drained the buffer")
}
