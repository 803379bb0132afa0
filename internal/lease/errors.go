package lease

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hubmesh/hubmesh/internal/store"
)

// Token verification outcomes.
var (
	ErrTokenExpired = errors.New("lease: token expired")
	ErrTokenInvalid = errors.New("lease: token invalid")
)

// TaskNotAvailableError means the task does not exist or is not QUEUED.
type TaskNotAvailableError struct {
	TaskID string
	Reason string
}

func (e TaskNotAvailableError) Error() string {
	return fmt.Sprintf("lease: task %s not available: %s", e.TaskID, e.Reason)
}

// CapabilityMismatchError carries both sides of a failed capability match.
type CapabilityMismatchError struct {
	TaskID   string
	Required store.Requirements
	Provided NodeCapabilities
	Deficits []string
}

func (e CapabilityMismatchError) Error() string {
	return fmt.Sprintf("lease: node cannot satisfy task %s requirements: %s",
		e.TaskID, strings.Join(e.Deficits, ", "))
}

// IssuanceFailedError wraps a store failure during lease persistence.
type IssuanceFailedError struct {
	TaskID string
	Err    error
}

func (e IssuanceFailedError) Error() string {
	return fmt.Sprintf("lease: issuance for task %s failed: %v", e.TaskID, e.Err)
}

func (e IssuanceFailedError) Unwrap() error { return e.Err }
