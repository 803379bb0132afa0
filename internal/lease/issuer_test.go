package lease

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hubmesh/hubmesh/internal/store"
	"github.com/hubmesh/hubmesh/internal/timeline"
)

var testSecret = []byte("0f2c1f3a9d8e4b5c6a7f8091a2b3c4d5")

func newTestIssuer(t *testing.T) (*Issuer, *store.SQLiteStore, *timeline.Log) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	tl := timeline.New(1000)
	return NewIssuer(st, testSecret, tl, nil), st, tl
}

func seedTask(t *testing.T, st *store.SQLiteStore, id string, c store.Complexity, req store.Requirements) {
	t.Helper()
	if err := st.CreateTask(store.Task{ID: id, Complexity: c, Requirements: req}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func bigNode() NodeCapabilities {
	return NodeCapabilities{CPUCores: 16, MemoryMB: 65536, GPUCount: 1, GPUMemoryMB: 24576, StorageMB: 512000}
}

func TestIssueGrantsLease(t *testing.T) {
	iss, st, tl := newTestIssuer(t)
	seedTask(t, st, "t-1", store.ComplexityMedium, store.Requirements{CPUCores: 4, MemoryMB: 8192})

	grant, err := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: bigNode()})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if grant.Lease.TaskID != "t-1" || grant.Lease.PeerID != "n-1" {
		t.Errorf("lease = %+v", grant.Lease)
	}
	if grant.Task.Status != store.TaskLeased {
		t.Errorf("returned task status = %s", grant.Task.Status)
	}

	task, _ := st.GetTask("t-1")
	if task.Status != store.TaskLeased {
		t.Errorf("stored task status = %s, want LEASED", task.Status)
	}

	claims, err := iss.Verify(grant.Lease.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.TaskID != "t-1" || claims.PeerID != "n-1" {
		t.Errorf("claims = %+v", claims)
	}

	if _, total := tl.Query(timeline.Query{EventType: timeline.LeaseIssued}); total != 1 {
		t.Errorf("LEASE_ISSUED events = %d, want 1", total)
	}
	if _, total := tl.Query(timeline.Query{EventType: timeline.TaskLeased}); total != 1 {
		t.Errorf("TASK_LEASED events = %d, want 1", total)
	}
}

func TestIssueTaskNotAvailable(t *testing.T) {
	iss, st, _ := newTestIssuer(t)

	var naErr TaskNotAvailableError
	_, err := iss.Issue(Request{TaskID: "ghost", PeerID: "n-1", Capabilities: bigNode()})
	if !errors.As(err, &naErr) {
		t.Fatalf("unknown task: want TaskNotAvailableError, got %v", err)
	}

	seedTask(t, st, "t-1", store.ComplexityLow, store.Requirements{})
	if _, err := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: bigNode()}); err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	// Task is now LEASED; a second node must be refused.
	_, err = iss.Issue(Request{TaskID: "t-1", PeerID: "n-2", Capabilities: bigNode()})
	if !errors.As(err, &naErr) {
		t.Fatalf("leased task: want TaskNotAvailableError, got %v", err)
	}
}

func TestIssueCapabilityMismatch(t *testing.T) {
	iss, st, _ := newTestIssuer(t)
	seedTask(t, st, "t-1", store.ComplexityHigh, store.Requirements{
		CPUCores: 8, MemoryMB: 32768, GPUAvailable: true, GPUMemoryMB: 24576,
	})

	weak := NodeCapabilities{CPUCores: 4, MemoryMB: 16384, GPUCount: 1, GPUMemoryMB: 8192}
	_, err := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: weak})

	var cmErr CapabilityMismatchError
	if !errors.As(err, &cmErr) {
		t.Fatalf("want CapabilityMismatchError, got %v", err)
	}
	if len(cmErr.Deficits) != 3 {
		t.Errorf("deficits = %v, want cpu, memory, gpu memory", cmErr.Deficits)
	}
	if cmErr.Required.CPUCores != 8 || cmErr.Provided.CPUCores != 4 {
		t.Errorf("error does not carry both sides: %+v", cmErr)
	}

	// Mismatch must not consume the task.
	task, _ := st.GetTask("t-1")
	if task.Status != store.TaskQueued {
		t.Errorf("task status = %s after mismatch, want QUEUED", task.Status)
	}
}

func TestIssueGPUAbsent(t *testing.T) {
	iss, st, _ := newTestIssuer(t)
	seedTask(t, st, "t-1", store.ComplexityMedium, store.Requirements{GPUAvailable: true, GPUMemoryMB: 8192})

	_, err := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1",
		Capabilities: NodeCapabilities{CPUCores: 8, MemoryMB: 16384}})
	var cmErr CapabilityMismatchError
	if !errors.As(err, &cmErr) {
		t.Fatalf("want CapabilityMismatchError, got %v", err)
	}
}

func TestComplexityTTL(t *testing.T) {
	cases := []struct {
		complexity store.Complexity
		want       time.Duration
	}{
		{store.ComplexityLow, 5 * time.Minute},
		{store.ComplexityMedium, 10 * time.Minute},
		{store.ComplexityHigh, 15 * time.Minute},
		{store.Complexity("experimental"), 10 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(string(tc.complexity), func(t *testing.T) {
			iss, st, _ := newTestIssuer(t)
			seedTask(t, st, "t-1", tc.complexity, store.Requirements{})

			grant, err := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: bigNode()})
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if got := grant.Lease.ExpiresAt.Sub(grant.Lease.IssuedAt); got != tc.want {
				t.Errorf("ttl = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	iss, st, _ := newTestIssuer(t)
	seedTask(t, st, "t-1", store.ComplexityLow, store.Requirements{})
	grant, err := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: bigNode()})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := iss.Verify(grant.Lease.Token + "x"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("tampered token: got %v, want ErrTokenInvalid", err)
	}

	other := NewIssuer(st, []byte("another-signing-key-entirely-0000"), nil, nil)
	if _, err := other.Verify(grant.Lease.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("wrong key: got %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	iss, st, _ := newTestIssuer(t)
	seedTask(t, st, "t-1", store.ComplexityLow, store.Requirements{})

	// Mint in the past so the token is already expired.
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	grant, err := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: bigNode()})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	iss.now = time.Now
	if _, err := iss.Verify(grant.Lease.Token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("got %v, want ErrTokenExpired", err)
	}
}

func TestRevokeRequeues(t *testing.T) {
	iss, st, tl := newTestIssuer(t)
	seedTask(t, st, "t-1", store.ComplexityLow, store.Requirements{})
	grant, _ := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: bigNode()})

	if err := iss.Revoke(grant.Lease.ID, "node crashed"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	task, _ := st.GetTask("t-1")
	if task.Status != store.TaskQueued {
		t.Errorf("task status = %s, want QUEUED", task.Status)
	}
	if _, total := tl.Query(timeline.Query{EventType: timeline.LeaseRevoked}); total != 1 {
		t.Errorf("LEASE_REVOKED events = %d, want 1", total)
	}

	// Second revoke is a no-op and emits nothing.
	if err := iss.Revoke(grant.Lease.ID, "again"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if _, total := tl.Query(timeline.Query{EventType: timeline.LeaseRevoked}); total != 1 {
		t.Errorf("idempotent revoke emitted extra events")
	}
}

func TestSweepExpiresLeases(t *testing.T) {
	iss, st, tl := newTestIssuer(t)
	seedTask(t, st, "t-1", store.ComplexityLow, store.Requirements{})

	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	if _, err := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: bigNode()}); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	iss.now = time.Now
	n, err := iss.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	task, _ := st.GetTask("t-1")
	if task.Status != store.TaskQueued {
		t.Errorf("task status = %s after expiry, want QUEUED", task.Status)
	}
	if _, total := tl.Query(timeline.Query{EventType: timeline.LeaseExpired}); total != 1 {
		t.Errorf("LEASE_EXPIRED events = %d, want 1", total)
	}
}

func TestStats(t *testing.T) {
	iss, st, _ := newTestIssuer(t)
	seedTask(t, st, "t-1", store.ComplexityLow, store.Requirements{})
	seedTask(t, st, "t-2", store.ComplexityLow, store.Requirements{})

	g1, _ := iss.Issue(Request{TaskID: "t-1", PeerID: "n-1", Capabilities: bigNode()})
	iss.Issue(Request{TaskID: "t-2", PeerID: "n-2", Capabilities: bigNode()})
	iss.Revoke(g1.Lease.ID, "crash")

	stats, err := iss.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["total_leases"].(int) != 2 || stats["revoked_leases"].(int) != 1 {
		t.Errorf("stats = %v", stats)
	}
	if stats["revocation_rate"].(float64) != 50 {
		t.Errorf("revocation_rate = %v", stats["revocation_rate"])
	}
}
