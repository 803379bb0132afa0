// Package audit records security-relevant events (provisioning, lease
// issuance, revocation) to durable sinks with a query interface.
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an audit event.
type Kind string

const (
	KindProvision   Kind = "provision"
	KindDeprovision Kind = "deprovision"
	KindLeaseIssue  Kind = "lease_issue"
	KindLeaseRevoke Kind = "lease_revoke"
	KindLeaseExpire Kind = "lease_expire"
	KindAuthFailure Kind = "auth_failure"
	KindConfigWrite Kind = "config_write"
)

// sensitiveKeys are rejected as substrings of lowercased metadata keys.
var sensitiveKeys = []string{
	"token", "password", "secret", "api_key", "private_key",
	"access_token", "refresh_token", "jwt", "credential",
	"ssn", "credit_card", "cvv",
}

// SensitiveKeyError reports a metadata key that must not be audited.
type SensitiveKeyError struct {
	Key string
}

func (e SensitiveKeyError) Error() string {
	return fmt.Sprintf("audit: metadata key %q matches a sensitive pattern", e.Key)
}

// Event is one audit record. Construct via NewEvent so metadata is screened.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	PeerID    string         `json:"peer_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event, rejecting metadata keys that look like
// credentials. The check is a case-insensitive substring match.
func NewEvent(kind Kind, peerID, action, resource, result, reason string, metadata map[string]any) (Event, error) {
	for k := range metadata {
		lower := strings.ToLower(k)
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				return Event{}, SensitiveKeyError{Key: k}
			}
		}
	}
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		PeerID:    peerID,
		Action:    action,
		Resource:  resource,
		Result:    result,
		Reason:    reason,
		Metadata:  metadata,
	}, nil
}
