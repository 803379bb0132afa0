// Package peerkey provides WireGuard public key validation and short
// fingerprints for logs and event metadata. Raw keys never appear in logs.
package peerkey

import (
	"fmt"
	"regexp"

	"github.com/zeebo/xxh3"
)

// keyPattern matches a base64-encoded 32-byte WireGuard public key.
// Standard encoding yields 44 characters ending in '='; some tooling strips
// the padding, so 42-44 characters with optional padding are accepted.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9+/]{42,44}={0,2}$`)

// Valid reports whether s has the shape of a WireGuard public key.
func Valid(s string) bool {
	return keyPattern.MatchString(s)
}

// Fingerprint returns a stable 64-bit hex fingerprint of a public key.
// Two peers with the same key produce the same fingerprint.
func Fingerprint(publicKey string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(publicKey))
}
