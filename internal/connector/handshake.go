package connector

import (
	"regexp"
	"strconv"
	"time"
)

// handshakePattern matches the handshake age line of `wg show` output,
// e.g. "latest handshake: 43 seconds ago" or "latest handshake: 1 minute ago".
var handshakePattern = regexp.MustCompile(`latest handshake: (\d+) (second|minute)s? ago`)

// parseHandshakeAge extracts the latest handshake age from wg show output.
// Returns false when no handshake line is present (no handshake yet).
func parseHandshakeAge(output string) (time.Duration, bool) {
	m := handshakePattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	switch m[2] {
	case "minute":
		return time.Duration(n) * time.Minute, true
	default:
		return time.Duration(n) * time.Second, true
	}
}
