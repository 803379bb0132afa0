// Package store implements the durable task, lease, and provisioning-record
// store backed by SQLite.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// Task lifecycle states.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskLeased    TaskStatus = "LEASED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Complexity buckets drive lease TTLs. Unknown values fall back to medium.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Requirements is the capability floor a node must satisfy to lease a task.
type Requirements struct {
	CPUCores     int      `json:"cpu_cores,omitempty"`
	MemoryMB     int      `json:"memory_mb,omitempty"`
	StorageMB    int      `json:"storage_mb,omitempty"`
	GPUAvailable bool     `json:"gpu_available,omitempty"`
	GPUMemoryMB  int      `json:"gpu_memory_mb,omitempty"`
	Models       []string `json:"models,omitempty"`
}

// Task is a unit of work dispatched to overlay nodes.
type Task struct {
	ID           string          `json:"id"`
	Status       TaskStatus      `json:"status"`
	Complexity   Complexity      `json:"complexity"`
	Requirements Requirements    `json:"requirements"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Lease is a time-bounded grant of a task to a peer.
type Lease struct {
	ID           string    `json:"lease_id"`
	TaskID       string    `json:"task_id"`
	PeerID       string    `json:"peer_id"`
	Token        string    `json:"token"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsActive     bool      `json:"is_active"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

// Active reports the effective lease predicate: is_active AND not expired.
func (l Lease) Active(now time.Time) bool {
	return l.IsActive && l.ExpiresAt.After(now)
}

// ProvisionRecord remembers an issued peer configuration so duplicate joins
// can return it across restarts.
type ProvisionRecord struct {
	PeerID        string          `json:"peer_id"`
	PublicKey     string          `json:"public_key"`
	AssignedIP    string          `json:"assigned_ip"`
	Config        json.RawMessage `json:"config"`
	ProvisionedAt time.Time       `json:"provisioned_at"`
}

// Sentinel errors shared by implementations.
var (
	ErrTaskNotFound     = errors.New("store: task not found")
	ErrTaskNotAvailable = errors.New("store: task not available for leasing")
	ErrLeaseNotFound    = errors.New("store: lease not found")
	ErrRecordNotFound   = errors.New("store: provision record not found")
	ErrDuplicateTask    = errors.New("store: task already exists")
)

// Store is the durable persistence contract consumed by the provisioning and
// lease services.
type Store interface {
	// Tasks.
	CreateTask(t Task) error
	GetTask(id string) (Task, error)
	SetTaskStatus(id string, status TaskStatus) error

	// Leases. IssueLease runs as a single transaction: it fails with
	// ErrTaskNotAvailable unless the task exists, is QUEUED, and carries no
	// active lease; on success the lease row is inserted and the task is
	// flipped to LEASED.
	IssueLease(l Lease) error
	GetLease(id string) (Lease, error)
	ActiveLeaseForTask(taskID string, now time.Time) (Lease, bool, error)
	// RevokeLease expires the lease now and pushes its task back to QUEUED.
	// Idempotent on already-inactive leases.
	RevokeLease(id, reason string, now time.Time) error
	// ExpireLeases deactivates active leases with expires_at <= now, requeues
	// their tasks, and returns the expired leases.
	ExpireLeases(now time.Time) ([]Lease, error)
	CountLeases() (issued int, revoked int, err error)

	// Provisioning records.
	PutProvisionRecord(r ProvisionRecord) error
	GetProvisionRecord(peerID string) (ProvisionRecord, error)
	DeleteProvisionRecord(peerID string) error
	ListProvisionRecords() ([]ProvisionRecord, error)

	Close() error
}
