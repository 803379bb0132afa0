package partition

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hubmesh/hubmesh/internal/resultbuf"
)

// upstreamStub is a scriptable coordinator: healthy toggles the health
// endpoint; received collects posted results.
type upstreamStub struct {
	mu       sync.Mutex
	healthy  bool
	received []string
	srv      *httptest.Server
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	u := &upstreamStub{healthy: true}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		healthy := u.healthy
		u.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("POST /tasks/{task}/result", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.received = append(u.received, r.PathValue("task"))
		u.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstreamStub) setHealthy(v bool) {
	u.mu.Lock()
	u.healthy = v
	u.mu.Unlock()
}

func (u *upstreamStub) results() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.received...)
}

func newTestBuffer(t *testing.T) *resultbuf.Buffer {
	t.Helper()
	b, err := resultbuf.Open(filepath.Join(t.TempDir(), "buffer.db"), 100, 3)
	if err != nil {
		t.Fatalf("resultbuf.Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestCheckTransitions(t *testing.T) {
	up := newUpstreamStub(t)
	d := New(up.srv.URL, time.Second, nil, 0)

	if d.Check() {
		t.Fatal("healthy upstream reported partitioned")
	}
	if d.Degraded() {
		t.Fatal("degraded after healthy check")
	}

	up.setHealthy(false)
	if !d.Check() {
		t.Fatal("unhealthy upstream reported fine")
	}
	d.Check() // consecutive failure, no second detected event

	stats := d.GetPartitionStatistics()
	if stats.CurrentState != StateDegraded || stats.PartitionCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ConsecutiveFailure != 2 {
		t.Errorf("consecutive failures = %d, want 2", stats.ConsecutiveFailure)
	}

	up.setHealthy(true)
	if d.Check() {
		t.Fatal("recovered upstream reported partitioned")
	}

	events := d.Events()
	if len(events) != 2 {
		t.Fatalf("events = %+v, want detected+recovered", events)
	}
	if events[0].Type != "partition_detected" || events[0].ConsecutiveFailures != 1 || events[0].Error == "" {
		t.Errorf("detected event = %+v", events[0])
	}
	if events[1].Type != "partition_recovered" || events[1].DurationS < 0 {
		t.Errorf("recovered event = %+v", events[1])
	}

	stats = d.GetPartitionStatistics()
	if stats.CurrentState != StateNormal || stats.TotalRecoveryS < 0 {
		t.Errorf("post-recovery stats = %+v", stats)
	}
}

func TestNon200AndBadBodyAreFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-200", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"unhealthy body", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "draining"})
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			d := New(srv.URL, time.Second, nil, 0)
			if !d.Check() {
				t.Error("failure mode not detected")
			}
		})
	}
}

func TestConnectionErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := New(url, 500*time.Millisecond, nil, 0)
	if !d.Check() {
		t.Error("connection refusal not detected")
	}
}

func TestAcceptNewTaskGate(t *testing.T) {
	up := newUpstreamStub(t)
	d := New(up.srv.URL, time.Second, nil, 0)

	if err := d.AcceptNewTask("t-1"); err != nil {
		t.Fatalf("AcceptNewTask while normal: %v", err)
	}

	up.setHealthy(false)
	d.Check()
	var pErr PartitionedError
	if err := d.AcceptNewTask("t-2"); !errors.As(err, &pErr) {
		t.Fatalf("want PartitionedError, got %v", err)
	}

	// In-progress tasks still complete during the partition.
	d.RegisterTaskStart("t-1")
	if !d.CanCompleteTask("t-1") {
		t.Error("registered task cannot complete while degraded")
	}
	if d.CanCompleteTask("t-9") {
		t.Error("unregistered task completed while degraded")
	}

	d.RegisterTaskComplete("t-1")
	up.setHealthy(true)
	d.Check()
	if !d.CanCompleteTask("t-9") {
		t.Error("completion blocked while normal")
	}
}

func TestRecoveryFlushesBuffer(t *testing.T) {
	up := newUpstreamStub(t)
	buf := newTestBuffer(t)
	d := New(up.srv.URL, time.Second, buf, 0)

	up.setHealthy(false)
	d.Check()

	// Results produced during the partition land in the buffer.
	for _, task := range []string{"t-1", "t-2", "t-3"} {
		if _, err := buf.Enqueue(task, "agent-1", "tok", json.RawMessage(`{"ok":true}`), nil); err != nil {
			t.Fatalf("Enqueue %s: %v", task, err)
		}
	}

	up.setHealthy(true)
	d.Check()

	got := up.results()
	if len(got) != 3 || got[0] != "t-1" || got[1] != "t-2" || got[2] != "t-3" {
		t.Fatalf("upstream received %v, want FIFO t-1..t-3", got)
	}
	if n, _ := buf.Size(); n != 0 {
		t.Errorf("buffer size after recovery = %d", n)
	}

	stats := d.GetPartitionStatistics()
	if stats.BufferedResults != 0 {
		t.Errorf("stats buffered = %d", stats.BufferedResults)
	}
}

func TestUpstreamSinkNon2xxAdvancesRetry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("POST /tasks/{task}/result", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	buf := newTestBuffer(t)
	d := New(srv.URL, time.Second, buf, 0)
	if _, err := buf.Enqueue("t-1", "agent-1", "tok", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, err := buf.Flush(NewUpstreamSink(d))
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if size, _ := buf.Size(); size != 1 {
		t.Errorf("row deleted despite 502")
	}
}

func TestEventDequeBounded(t *testing.T) {
	up := newUpstreamStub(t)
	d := New(up.srv.URL, time.Second, nil, 4)

	for i := 0; i < 5; i++ {
		up.setHealthy(false)
		d.Check()
		up.setHealthy(true)
		d.Check()
	}
	events := d.Events()
	if len(events) != 4 {
		t.Fatalf("events = %d, want bound 4", len(events))
	}
	if events[len(events)-1].Type != "partition_recovered" {
		t.Errorf("newest event = %s", events[len(events)-1].Type)
	}
}

func TestPollingLoop(t *testing.T) {
	up := newUpstreamStub(t)
	up.setHealthy(false)
	d := New(up.srv.URL, time.Second, nil, 0)

	d.StartPolling(5 * time.Millisecond)
	defer d.StopPolling()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Degraded() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("poll loop never observed the partition")
}
