package provision

import "fmt"

// ValidationError reports a malformed join request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("provision: invalid %s: %s", e.Field, e.Reason)
}

// DuplicatePeerError carries the configuration issued when the peer
// first joined.
type DuplicatePeerError struct {
	PeerID   string
	Existing PeerConfiguration
}

func (e DuplicatePeerError) Error() string {
	return fmt.Sprintf("provision: peer %s already provisioned with %s", e.PeerID, e.Existing.AssignedIP)
}
