package wgconf

import (
	"fmt"
	"strings"
)

// render produces the full interface config: one [Interface] block followed
// by one [Peer] block per registered peer, in insertion order. Each peer
// block is preceded by a comment carrying its peer id so diffs stay
// reviewable. Caller holds m.mu.
func (m *Manager) render() string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", m.hub.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", m.hub.Address)
	if m.hub.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", m.hub.ListenPort)
	}

	for _, peerID := range m.order {
		entry := m.peers[peerID]
		b.WriteString("\n")
		fmt.Fprintf(&b, "# Peer ID: %s\n", peerID)
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", entry.PublicKey)

		ips := make([]string, len(entry.AllowedIPs))
		for i, p := range entry.AllowedIPs {
			ips[i] = p.String()
		}
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(ips, ", "))

		if entry.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", entry.Endpoint)
		}
		if entry.KeepaliveS > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", entry.KeepaliveS)
		}
	}
	return b.String()
}
