// Package lease issues time-bounded, capability-matched task leases
// backed by signed tokens.
package lease

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/hubmesh/hubmesh/internal/audit"
	"github.com/hubmesh/hubmesh/internal/scanloop"
	"github.com/hubmesh/hubmesh/internal/store"
	"github.com/hubmesh/hubmesh/internal/timeline"
)

// NodeCapabilities is the node-side resource snapshot supplied with a
// lease request.
type NodeCapabilities struct {
	CPUCores    int      `json:"cpu_cores"`
	MemoryMB    int      `json:"memory_mb"`
	GPUCount    int      `json:"gpu_count"`
	GPUMemoryMB int      `json:"gpu_memory_mb"`
	StorageMB   int      `json:"storage_mb"`
	Models      []string `json:"models,omitempty"`
}

// Request asks for a lease on a task.
type Request struct {
	TaskID       string           `json:"task_id"`
	PeerID       string           `json:"peer_id"`
	Capabilities NodeCapabilities `json:"node_capabilities"`
}

// Grant is a successful issuance: the lease plus the task payload.
type Grant struct {
	Lease store.Lease `json:"lease"`
	Task  store.Task  `json:"task"`
}

// Claims are the signed contents of a lease token.
type Claims struct {
	TaskID string `json:"task_id"`
	PeerID string `json:"peer_id"`
	jwt.RegisteredClaims
}

// Lease TTL by task complexity. Unknown values fall back to medium.
var complexityTTL = map[store.Complexity]time.Duration{
	store.ComplexityLow:    5 * time.Minute,
	store.ComplexityMedium: 10 * time.Minute,
	store.ComplexityHigh:   15 * time.Minute,
}

const verifyCacheSize = 4096

// Issuer mints, verifies, revokes, and expires task leases.
type Issuer struct {
	store    store.Store
	secret   []byte
	events   *timeline.Log
	auditor  *audit.Logger
	verified otter.Cache[string, Claims]

	// now is swappable in tests.
	now func() time.Time
}

func NewIssuer(st store.Store, secret []byte, events *timeline.Log, auditor *audit.Logger) *Issuer {
	cache, err := otter.MustBuilder[string, Claims](verifyCacheSize).
		Cost(func(_ string, _ Claims) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("lease: failed to create verify cache: " + err.Error())
	}
	return &Issuer{
		store:    st,
		secret:   secret,
		events:   events,
		auditor:  auditor,
		verified: cache,
		now:      time.Now,
	}
}

// Issue grants a lease on a QUEUED task if the node's capability
// snapshot satisfies the task's requirements.
func (i *Issuer) Issue(req Request) (Grant, error) {
	task, err := i.store.GetTask(req.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return Grant{}, TaskNotAvailableError{TaskID: req.TaskID, Reason: "not found"}
		}
		return Grant{}, IssuanceFailedError{TaskID: req.TaskID, Err: err}
	}
	if task.Status != store.TaskQueued {
		return Grant{}, TaskNotAvailableError{
			TaskID: req.TaskID,
			Reason: fmt.Sprintf("status is %s", task.Status),
		}
	}

	if deficits := matchCapabilities(task.Requirements, req.Capabilities); len(deficits) > 0 {
		i.auditLog(audit.KindLeaseIssue, req.PeerID, "issue", req.TaskID, "failure",
			"capability mismatch", nil)
		return Grant{}, CapabilityMismatchError{
			TaskID:   req.TaskID,
			Required: task.Requirements,
			Provided: req.Capabilities,
			Deficits: deficits,
		}
	}

	now := i.now().UTC()
	ttl, ok := complexityTTL[task.Complexity]
	if !ok {
		ttl = complexityTTL[store.ComplexityMedium]
	}
	expiresAt := now.Add(ttl)

	token, err := i.mintToken(req.TaskID, req.PeerID, now, expiresAt)
	if err != nil {
		return Grant{}, IssuanceFailedError{TaskID: req.TaskID, Err: err}
	}

	l := store.Lease{
		ID:        uuid.NewString(),
		TaskID:    req.TaskID,
		PeerID:    req.PeerID,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := i.store.IssueLease(l); err != nil {
		if errors.Is(err, store.ErrTaskNotAvailable) {
			return Grant{}, TaskNotAvailableError{TaskID: req.TaskID, Reason: "leased concurrently"}
		}
		return Grant{}, IssuanceFailedError{TaskID: req.TaskID, Err: err}
	}

	i.record(timeline.LeaseIssued, req.TaskID, req.PeerID, map[string]any{
		"lease_id":   l.ID,
		"complexity": string(task.Complexity),
		"ttl_s":      int(ttl.Seconds()),
	})
	i.record(timeline.TaskLeased, req.TaskID, req.PeerID, nil)
	i.auditLog(audit.KindLeaseIssue, req.PeerID, "issue", req.TaskID, "success", "",
		map[string]any{"lease_id": l.ID})

	task.Status = store.TaskLeased
	return Grant{Lease: l, Task: task}, nil
}

// Verify checks a token's signature and expiry and returns its claims.
// Successful verifications are cached until the token's own expiry.
func (i *Issuer) Verify(token string) (Claims, error) {
	if c, ok := i.verified.Get(token); ok {
		if i.now().After(c.ExpiresAt.Time) {
			i.verified.Delete(token)
			return Claims{}, ErrTokenExpired
		}
		return c, nil
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	if !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}

	i.verified.Set(token, claims)
	return claims, nil
}

// Revoke deactivates a lease and pushes its task back to QUEUED.
// Idempotent on already-inactive leases.
func (i *Issuer) Revoke(leaseID, reason string) error {
	l, err := i.store.GetLease(leaseID)
	if err != nil {
		return err
	}
	wasActive := l.Active(i.now())

	if err := i.store.RevokeLease(leaseID, reason, i.now().UTC()); err != nil {
		return err
	}
	if wasActive {
		i.record(timeline.LeaseRevoked, l.TaskID, l.PeerID, map[string]any{
			"lease_id": leaseID,
			"reason":   reason,
		})
		i.record(timeline.TaskRequeued, l.TaskID, l.PeerID, nil)
		i.auditLog(audit.KindLeaseRevoke, l.PeerID, "revoke", l.TaskID, "success", reason,
			map[string]any{"lease_id": leaseID})
	}
	return nil
}

// Sweep expires overdue leases and requeues their tasks.
func (i *Issuer) Sweep() (int, error) {
	expired, err := i.store.ExpireLeases(i.now().UTC())
	if err != nil {
		return 0, err
	}
	for _, l := range expired {
		i.record(timeline.LeaseExpired, l.TaskID, l.PeerID, map[string]any{"lease_id": l.ID})
		i.record(timeline.TaskExpired, l.TaskID, l.PeerID, nil)
		i.auditLog(audit.KindLeaseExpire, l.PeerID, "expire", l.TaskID, "success", "ttl elapsed",
			map[string]any{"lease_id": l.ID})
	}
	return len(expired), nil
}

// RunSweeper expires leases on a jittered interval until stopCh closes.
func (i *Issuer) RunSweeper(stopCh <-chan struct{}, interval time.Duration) {
	scanloop.Run(stopCh, interval, interval/4, func() {
		n, err := i.Sweep()
		if err != nil {
			log.Printf("[lease] expiry sweep failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[lease] expired %d lease(s)", n)
		}
	})
}

// Stats reports lease counters for health aggregation.
func (i *Issuer) Stats() (map[string]any, error) {
	total, revoked, err := i.store.CountLeases()
	if err != nil {
		return nil, err
	}
	stats := map[string]any{
		"total_leases":   total,
		"revoked_leases": revoked,
	}
	if total > 0 {
		stats["revocation_rate"] = 100 * float64(revoked) / float64(total)
	} else {
		stats["revocation_rate"] = 0.0
	}
	return stats, nil
}

func (i *Issuer) mintToken(taskID, peerID string, now, expiresAt time.Time) (string, error) {
	claims := Claims{
		TaskID: taskID,
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// matchCapabilities returns a description of each unmet requirement.
func matchCapabilities(req store.Requirements, caps NodeCapabilities) []string {
	var deficits []string
	if caps.CPUCores < req.CPUCores {
		deficits = append(deficits, fmt.Sprintf("cpu_cores %d < %d", caps.CPUCores, req.CPUCores))
	}
	if caps.MemoryMB < req.MemoryMB {
		deficits = append(deficits, fmt.Sprintf("memory_mb %d < %d", caps.MemoryMB, req.MemoryMB))
	}
	if caps.StorageMB < req.StorageMB {
		deficits = append(deficits, fmt.Sprintf("storage_mb %d < %d", caps.StorageMB, req.StorageMB))
	}
	if req.GPUAvailable {
		if caps.GPUCount < 1 {
			deficits = append(deficits, "gpu required but absent")
		} else if caps.GPUMemoryMB < req.GPUMemoryMB {
			deficits = append(deficits, fmt.Sprintf("gpu_memory_mb %d < %d", caps.GPUMemoryMB, req.GPUMemoryMB))
		}
	}
	return deficits
}

func (i *Issuer) record(typ timeline.EventType, taskID, peerID string, metadata map[string]any) {
	if i.events == nil {
		return
	}
	if _, err := i.events.Record(typ, taskID, peerID, time.Time{}, metadata); err != nil {
		log.Printf("[lease] timeline record failed: %v", err)
	}
}

func (i *Issuer) auditLog(kind audit.Kind, peerID, action, resource, result, reason string, metadata map[string]any) {
	if i.auditor == nil {
		return
	}
	if err := i.auditor.Log(kind, peerID, action, resource, result, reason, metadata); err != nil {
		log.Printf("[lease] audit log failed: %v", err)
	}
}
