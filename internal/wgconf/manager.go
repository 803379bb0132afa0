// Package wgconf owns the hub's WireGuard interface configuration: the
// in-memory peer registry, the rendered config file, and the live reload.
// No other component writes the file or invokes wg syncconf.
package wgconf

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hubmesh/hubmesh/internal/peerkey"
)

// ErrNotFound is returned for operations on an unknown peer.
var ErrNotFound = errors.New("wgconf: peer not found")

// ReloadFailedError reports a non-zero wg syncconf exit. The in-memory map
// and the file keep the new state; recovery is an operator action.
type ReloadFailedError struct {
	Output string
	Err    error
}

func (e *ReloadFailedError) Error() string {
	return fmt.Sprintf("wgconf: wg syncconf failed: %v", e.Err)
}

func (e *ReloadFailedError) Unwrap() error { return e.Err }

// PeerEntry describes one peer on the hub interface.
type PeerEntry struct {
	PublicKey  string         `json:"public_key"`
	AllowedIPs []netip.Prefix `json:"allowed_ips"`
	Endpoint   string         `json:"endpoint,omitempty"`
	KeepaliveS int            `json:"keepalive_s"`
}

// InterfaceConfig is the hub-side [Interface] identity, supplied by the
// caller at construction. Keypair management is out of scope.
type InterfaceConfig struct {
	PrivateKey string
	Address    string // hub overlay address with mask, e.g. "10.77.0.1/24"
	ListenPort int
}

// Manager is the authoritative registry of hub peers. A single mutex
// serializes mutations; each mutation emits exactly one file write and one
// reload.
type Manager struct {
	mu     sync.Mutex
	iface  string
	path   string
	hub    InterfaceConfig
	runner Runner

	peers map[string]PeerEntry
	order []string // insertion order for deterministic rendering
}

// NewManager creates a Manager for the given interface and config path.
func NewManager(iface, path string, hub InterfaceConfig, runner Runner) (*Manager, error) {
	if iface == "" {
		return nil, fmt.Errorf("wgconf: interface name required")
	}
	if path == "" {
		return nil, fmt.Errorf("wgconf: config path required")
	}
	if hub.PrivateKey == "" || hub.Address == "" {
		return nil, fmt.Errorf("wgconf: hub identity requires private key and address")
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Manager{
		iface:  iface,
		path:   path,
		hub:    hub,
		runner: runner,
		peers:  make(map[string]PeerEntry),
	}, nil
}

// AddPeer installs or updates a peer, rewrites the config file and reloads
// the interface. Updating an existing peer_id keeps its render position.
func (m *Manager) AddPeer(ctx context.Context, peerID string, entry PeerEntry) error {
	if peerID == "" {
		return fmt.Errorf("wgconf: peer id required")
	}
	if !peerkey.Valid(entry.PublicKey) {
		return fmt.Errorf("wgconf: peer %q: invalid public key", peerID)
	}
	if len(entry.AllowedIPs) == 0 {
		return fmt.Errorf("wgconf: peer %q: allowed_ips must not be empty", peerID)
	}
	if entry.KeepaliveS < 0 || entry.KeepaliveS > 3600 {
		return fmt.Errorf("wgconf: peer %q: keepalive_s out of range [0,3600]", peerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.peers[peerID]; !exists {
		m.order = append(m.order, peerID)
	}
	m.peers[peerID] = entry

	if err := m.writeAndReload(ctx); err != nil {
		return err
	}
	log.Printf("[wgconf] peer %s installed (key %s)", peerID, peerkey.Fingerprint(entry.PublicKey))
	return nil
}

// RemovePeer deletes a peer, rewrites the config file and reloads.
func (m *Manager) RemovePeer(ctx context.Context, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peers[peerID]; !ok {
		return ErrNotFound
	}
	delete(m.peers, peerID)
	for i, id := range m.order {
		if id == peerID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	if err := m.writeAndReload(ctx); err != nil {
		return err
	}
	log.Printf("[wgconf] peer %s removed", peerID)
	return nil
}

// Get returns the entry for peerID.
func (m *Manager) Get(peerID string) (PeerEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[peerID]
	return e, ok
}

// List returns peer ids in insertion order.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Count returns the number of registered peers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// VerifyConnectivity sends one ICMP probe to the peer's first allowed IP.
// Timeouts and probe failures return false; only an unknown peer errors.
func (m *Manager) VerifyConnectivity(ctx context.Context, peerID string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	entry, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}
	if len(entry.AllowedIPs) == 0 {
		return false, nil
	}

	target := entry.AllowedIPs[0].Addr()
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}

	// Wall-clock guard one second past the ping timeout so a wedged
	// subprocess cannot block the caller.
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	_, err := m.runner.Run(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), target.String())
	return err == nil, nil
}

// Stats contributes the peer-registry block to the health snapshot.
func (m *Manager) Stats() (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"interface":   m.iface,
		"config_path": m.path,
		"peer_count":  len(m.peers),
	}, nil
}

// writeAndReload renders and atomically writes the config, then reloads the
// interface. Caller holds m.mu.
func (m *Manager) writeAndReload(ctx context.Context) error {
	rendered := m.render()
	if err := atomicWrite(m.path, []byte(rendered)); err != nil {
		return fmt.Errorf("wgconf: write config: %w", err)
	}

	out, err := m.runner.Run(ctx, "wg", "syncconf", m.iface, m.path)
	if err != nil {
		return &ReloadFailedError{Output: string(out), Err: err}
	}
	return nil
}

// atomicWrite writes data to a sibling temp file (mode 0600, fsynced) and
// renames it over path. Readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
