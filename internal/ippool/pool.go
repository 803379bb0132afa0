// Package ippool implements thread-safe IPv4 address allocation over a
// configured CIDR with a reserved set. Allocation is first-fit in host
// iteration order so repeated allocate/release cycles stay deterministic.
package ippool

import (
	"fmt"
	"net/netip"
	"sync"
)

// Typed allocation errors.
type AlreadyAllocatedError struct {
	PeerID string
	IP     netip.Addr
}

func (e *AlreadyAllocatedError) Error() string {
	return fmt.Sprintf("peer %q already holds %s", e.PeerID, e.IP)
}

type NotAllocatedError struct {
	PeerID string
}

func (e *NotAllocatedError) Error() string {
	return fmt.Sprintf("peer %q has no allocation", e.PeerID)
}

type PoolExhaustedError struct {
	Network netip.Prefix
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool %s exhausted", e.Network)
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Network   string `json:"network"`
	Total     int    `json:"total"`
	Reserved  int    `json:"reserved"`
	Allocated int    `json:"allocated"`
	Available int    `json:"available"`
	UtilPct   int    `json:"util_pct"`
}

// Pool allocates host addresses from a single IPv4 CIDR.
// A single mutex guards all state; every operation is a short critical section.
type Pool struct {
	mu          sync.Mutex
	network     netip.Prefix
	reserved    map[netip.Addr]struct{}
	allocations map[string]netip.Addr // peer_id -> addr
	byAddr      map[netip.Addr]string // addr -> peer_id
}

// New creates a pool over cidr. Every reserved entry must lie inside the
// CIDR; a violation fails construction. Entries naming the network or
// broadcast address are ignored: those are never assignable and counting
// them would shrink the utilization divisor twice.
func New(cidr string, reserved []string) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("ippool: parse cidr %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("ippool: cidr %q is not IPv4", cidr)
	}
	prefix = prefix.Masked()

	p := &Pool{
		network:     prefix,
		reserved:    make(map[netip.Addr]struct{}, len(reserved)),
		allocations: make(map[string]netip.Addr),
		byAddr:      make(map[netip.Addr]string),
	}
	for _, r := range reserved {
		addr, err := netip.ParseAddr(r)
		if err != nil {
			return nil, fmt.Errorf("ippool: parse reserved %q: %w", r, err)
		}
		if !prefix.Contains(addr) {
			return nil, fmt.Errorf("ippool: reserved %s outside network %s", addr, prefix)
		}
		if prefix.Bits() < 31 && (addr == prefix.Addr() || p.isBroadcast(addr)) {
			continue
		}
		p.reserved[addr] = struct{}{}
	}
	return p, nil
}

// Allocate returns the first available host address in CIDR order and
// records the peer_id -> address mapping.
func (p *Pool) Allocate(peerID string) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.allocations[peerID]; ok {
		return netip.Addr{}, &AlreadyAllocatedError{PeerID: peerID, IP: existing}
	}

	for addr := p.firstHost(); p.network.Contains(addr); addr = addr.Next() {
		if p.isBroadcast(addr) {
			break
		}
		if _, ok := p.reserved[addr]; ok {
			continue
		}
		if _, ok := p.byAddr[addr]; ok {
			continue
		}
		p.allocations[peerID] = addr
		p.byAddr[addr] = peerID
		return addr, nil
	}
	return netip.Addr{}, &PoolExhaustedError{Network: p.network}
}

// AllocateSpecific grants peerID a particular address, used when
// rebuilding state from persisted records. The address must be inside
// the network, not reserved, and not held by anyone else.
func (p *Pool) AllocateSpecific(peerID string, addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.allocations[peerID]; ok {
		if existing == addr {
			return nil
		}
		return &AlreadyAllocatedError{PeerID: peerID, IP: existing}
	}
	if !p.network.Contains(addr) || p.isBroadcast(addr) || addr == p.network.Addr() && p.network.Bits() < 31 {
		return fmt.Errorf("ippool: %s is not an assignable host in %s", addr, p.network)
	}
	if _, ok := p.reserved[addr]; ok {
		return fmt.Errorf("ippool: %s is reserved", addr)
	}
	if holder, ok := p.byAddr[addr]; ok {
		return fmt.Errorf("ippool: %s already held by peer %q", addr, holder)
	}
	p.allocations[peerID] = addr
	p.byAddr[addr] = peerID
	return nil
}

// Release returns the peer's address to the pool.
func (p *Pool) Release(peerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr, ok := p.allocations[peerID]
	if !ok {
		return &NotAllocatedError{PeerID: peerID}
	}
	delete(p.allocations, peerID)
	delete(p.byAddr, addr)
	return nil
}

// Lookup returns the address allocated to peerID, if any.
func (p *Pool) Lookup(peerID string) (netip.Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.allocations[peerID]
	return addr, ok
}

// IsAllocated reports whether ip is currently held by any peer.
func (p *Pool) IsAllocated(ip netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byAddr[ip]
	return ok
}

// Network returns the pool's CIDR.
func (p *Pool) Network() netip.Prefix {
	return p.network
}

// Stats returns a consistent occupancy snapshot.
// util_pct = floor(100 * allocated / (total - reserved)).
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.totalHosts()
	usable := total - len(p.reserved)
	util := 0
	if usable > 0 {
		util = 100 * len(p.allocations) / usable
	}
	return Stats{
		Network:   p.network.String(),
		Total:     total,
		Reserved:  len(p.reserved),
		Allocated: len(p.allocations),
		Available: usable - len(p.allocations),
		UtilPct:   util,
	}
}

// firstHost returns the first assignable address: network address + 1 for
// prefixes shorter than /31, otherwise the network address itself.
func (p *Pool) firstHost() netip.Addr {
	if p.network.Bits() >= 31 {
		return p.network.Addr()
	}
	return p.network.Addr().Next()
}

// isBroadcast reports whether addr is the subnet broadcast address.
// Point-to-point (/31) and host (/32) prefixes have no broadcast.
func (p *Pool) isBroadcast(addr netip.Addr) bool {
	if p.network.Bits() >= 31 {
		return false
	}
	return addr == lastAddr(p.network)
}

// totalHosts counts assignable addresses (network and broadcast excluded).
func (p *Pool) totalHosts() int {
	bits := p.network.Bits()
	switch {
	case bits >= 31:
		return 1 << (32 - bits)
	default:
		return (1 << (32 - bits)) - 2
	}
}

// lastAddr computes the highest address inside prefix.
func lastAddr(prefix netip.Prefix) netip.Addr {
	a4 := prefix.Addr().As4()
	hostBits := 32 - prefix.Bits()
	v := uint32(a4[0])<<24 | uint32(a4[1])<<16 | uint32(a4[2])<<8 | uint32(a4[3])
	v |= (1 << hostBits) - 1
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
