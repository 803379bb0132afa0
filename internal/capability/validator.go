// Package capability checks task requirements against a node's
// capability token and current resource usage.
package capability

import (
	"fmt"
	"strings"
)

// Error codes reported by Validate, in check order.
const (
	CodeCapabilityMissing = "CAPABILITY_MISSING"
	CodeResourceExceeded  = "RESOURCE_LIMIT_EXCEEDED"
	CodeScopeDenied       = "DATA_SCOPE_DENIED"
)

// ResourceLimit is one bounded resource in a task's requirements.
type ResourceLimit struct {
	Resource string  `json:"resource"`
	Min      float64 `json:"min,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Unit     string  `json:"unit,omitempty"`
}

// DataScope restricts which project data a task may touch.
type DataScope struct {
	ProjectID      string   `json:"project_id,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Regions        []string `json:"regions,omitempty"`
}

// Requirements describes what a task demands of the executing node.
type Requirements struct {
	TaskID               string          `json:"task_id"`
	Model                string          `json:"model,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	Limits               []ResourceLimit `json:"limits,omitempty"`
	DataScope            *DataScope      `json:"data_scope,omitempty"`
	EstDurationMin       int             `json:"est_duration_min,omitempty"`
	MaxConcurrent        int             `json:"max_concurrent,omitempty"`
}

// TokenLimits are the hard ceilings carried by a capability token.
type TokenLimits struct {
	MaxConcurrentTasks int     `json:"max_concurrent_tasks,omitempty"`
	MaxGPUMinutes      float64 `json:"max_gpu_minutes,omitempty"`
	MaxGPUMemoryMB     float64 `json:"max_gpu_memory_mb,omitempty"`
}

// Token is a node's attested capability set.
type Token struct {
	NodeID       string      `json:"node_id"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Limits       TokenLimits `json:"limits"`
	DataScopes   []string    `json:"data_scopes,omitempty"`
}

// Usage is the node's current consumption, supplied by the caller.
type Usage struct {
	ConcurrentTasks int     `json:"concurrent_tasks"`
	GPUMinutesUsed  float64 `json:"gpu_minutes_used"`
}

// ResourceViolation records one exceeded limit.
type ResourceViolation struct {
	Resource  string  `json:"resource"`
	Required  float64 `json:"required"`
	Available float64 `json:"available"`
	Unit      string  `json:"unit,omitempty"`
}

// Result is the outcome of a validation pass. Valid is true only when
// every violation list is empty.
type Result struct {
	Valid               bool                `json:"valid"`
	ErrorCode           string              `json:"error_code,omitempty"`
	ErrorMessage        string              `json:"error_message,omitempty"`
	MissingCapabilities []string            `json:"missing_capabilities,omitempty"`
	ResourceViolations  []ResourceViolation `json:"resource_violations,omitempty"`
	ScopeViolations     []string            `json:"scope_violations,omitempty"`
}

// MissingCapabilityError is raised by ValidateAndRaise when the token
// lacks required capabilities.
type MissingCapabilityError struct {
	Missing []string
}

func (e MissingCapabilityError) Error() string {
	return fmt.Sprintf("capability: token missing capabilities: %s", strings.Join(e.Missing, ", "))
}

// ResourceLimitError is raised when a resource ceiling would be exceeded.
type ResourceLimitError struct {
	Violations []ResourceViolation
}

func (e ResourceLimitError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s required=%g available=%g", v.Resource, v.Required, v.Available))
	}
	return "capability: resource limits exceeded: " + strings.Join(parts, "; ")
}

// ScopeError is raised when the task's data scope is outside the token's grants.
type ScopeError struct {
	Violations []string
}

func (e ScopeError) Error() string {
	return "capability: data scope denied: " + strings.Join(e.Violations, ", ")
}

// Validate runs the ordered checks and never returns an error itself;
// failures are reported through the Result.
func Validate(req Requirements, tok Token, usage Usage) Result {
	res := Result{}

	have := make(map[string]bool, len(tok.Capabilities))
	for _, c := range tok.Capabilities {
		have[c] = true
	}
	for _, c := range req.RequiredCapabilities {
		if !have[c] {
			res.MissingCapabilities = append(res.MissingCapabilities, c)
		}
	}

	if tok.Limits.MaxConcurrentTasks > 0 && usage.ConcurrentTasks >= tok.Limits.MaxConcurrentTasks {
		res.ResourceViolations = append(res.ResourceViolations, ResourceViolation{
			Resource:  "concurrent_tasks",
			Required:  float64(usage.ConcurrentTasks + 1),
			Available: float64(tok.Limits.MaxConcurrentTasks),
		})
	}

	if mins, ok := requiredLimit(req.Limits, "gpu", "minutes"); ok && tok.Limits.MaxGPUMinutes > 0 {
		remaining := tok.Limits.MaxGPUMinutes - usage.GPUMinutesUsed
		if remaining < mins {
			res.ResourceViolations = append(res.ResourceViolations, ResourceViolation{
				Resource:  "gpu_minutes",
				Required:  mins,
				Available: remaining,
				Unit:      "minutes",
			})
		}
	}

	if mb, ok := requiredLimit(req.Limits, "gpu_memory", "MB"); ok && tok.Limits.MaxGPUMemoryMB > 0 {
		if tok.Limits.MaxGPUMemoryMB < mb {
			res.ResourceViolations = append(res.ResourceViolations, ResourceViolation{
				Resource:  "gpu_memory",
				Required:  mb,
				Available: tok.Limits.MaxGPUMemoryMB,
				Unit:      "MB",
			})
		}
	}

	if req.DataScope != nil && req.DataScope.ProjectID != "" {
		granted := false
		for _, s := range tok.DataScopes {
			if s == req.DataScope.ProjectID {
				granted = true
				break
			}
		}
		if !granted {
			res.ScopeViolations = append(res.ScopeViolations,
				fmt.Sprintf("project %s not in token data scopes", req.DataScope.ProjectID))
		}
	}

	switch {
	case len(res.MissingCapabilities) > 0:
		res.ErrorCode = CodeCapabilityMissing
		res.ErrorMessage = fmt.Sprintf("missing capabilities: %s", strings.Join(res.MissingCapabilities, ", "))
	case len(res.ResourceViolations) > 0:
		res.ErrorCode = CodeResourceExceeded
		res.ErrorMessage = fmt.Sprintf("%d resource limit(s) exceeded", len(res.ResourceViolations))
	case len(res.ScopeViolations) > 0:
		res.ErrorCode = CodeScopeDenied
		res.ErrorMessage = strings.Join(res.ScopeViolations, "; ")
	default:
		res.Valid = true
	}
	return res
}

// ValidateAndRaise runs Validate and converts the first failing class
// into its typed error.
func ValidateAndRaise(req Requirements, tok Token, usage Usage) error {
	res := Validate(req, tok, usage)
	if res.Valid {
		return nil
	}
	switch res.ErrorCode {
	case CodeCapabilityMissing:
		return MissingCapabilityError{Missing: res.MissingCapabilities}
	case CodeResourceExceeded:
		return ResourceLimitError{Violations: res.ResourceViolations}
	default:
		return ScopeError{Violations: res.ScopeViolations}
	}
}

// requiredLimit finds the minimum bound for a resource with the given
// unit. A Max-only limit is treated as the requirement when Min is unset.
func requiredLimit(limits []ResourceLimit, resource, unit string) (float64, bool) {
	for _, l := range limits {
		if !strings.EqualFold(l.Resource, resource) || !strings.EqualFold(l.Unit, unit) {
			continue
		}
		if l.Min > 0 {
			return l.Min, true
		}
		if l.Max > 0 {
			return l.Max, true
		}
	}
	return 0, false
}
