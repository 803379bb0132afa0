// Package provision composes IP allocation and hub peer installation
// into a single node-join transaction.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"regexp"
	"sync"
	"time"

	"github.com/hubmesh/hubmesh/internal/audit"
	"github.com/hubmesh/hubmesh/internal/geoip"
	"github.com/hubmesh/hubmesh/internal/ippool"
	"github.com/hubmesh/hubmesh/internal/lease"
	"github.com/hubmesh/hubmesh/internal/peerkey"
	"github.com/hubmesh/hubmesh/internal/store"
	"github.com/hubmesh/hubmesh/internal/wgconf"
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

const peerKeepaliveS = 25

// Request is a node's join credentials.
type Request struct {
	NodeID       string                 `json:"node_id"`
	PublicKey    string                 `json:"wg_public_key"`
	Version      string                 `json:"version"`
	Endpoint     string                 `json:"endpoint,omitempty"`
	Capabilities lease.NodeCapabilities `json:"capabilities,omitempty"`
}

// PeerConfiguration is everything a node needs to join the overlay.
type PeerConfiguration struct {
	PeerID           string    `json:"peer_id"`
	AssignedIP       string    `json:"assigned_ip"`
	SubnetMask       string    `json:"subnet_mask"`
	HubPublicKey     string    `json:"hub_public_key"`
	HubEndpoint      string    `json:"hub_endpoint"`
	AllowedIPsForHub string    `json:"allowed_ips"`
	DNS              []string  `json:"dns"`
	KeepaliveS       int       `json:"keepalive_s"`
	Region           string    `json:"region,omitempty"`
	ProvisionedAt    time.Time `json:"provisioned_at"`
}

// HubIdentity is the hub-side connection info baked into every config.
type HubIdentity struct {
	PublicKey string
	Endpoint  string
	// Address is the hub's own overlay IP, also served as DNS.
	Address netip.Addr
}

// Service orchestrates joins under a single provisioning mutex.
type Service struct {
	mu      sync.Mutex
	pool    *ippool.Pool
	hub     *wgconf.Manager
	ident   HubIdentity
	records store.Store
	auditor *audit.Logger
	geo     *geoip.Service
}

func NewService(pool *ippool.Pool, hub *wgconf.Manager, ident HubIdentity, records store.Store, auditor *audit.Logger, geo *geoip.Service) *Service {
	return &Service{
		pool:    pool,
		hub:     hub,
		ident:   ident,
		records: records,
		auditor: auditor,
		geo:     geo,
	}
}

// Provision validates a join request, allocates an IP, installs the
// peer on the hub, and returns the node's configuration. On a hub
// reload failure the allocated IP is released so no partial state
// survives.
func (s *Service) Provision(ctx context.Context, req Request) (PeerConfiguration, error) {
	if err := validate(req); err != nil {
		return PeerConfiguration{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.existingConfig(req.NodeID); err == nil {
		s.auditLog(audit.KindProvision, req.NodeID, "join", "", "failure", "duplicate peer", nil)
		return PeerConfiguration{}, DuplicatePeerError{PeerID: req.NodeID, Existing: existing}
	}

	addr, err := s.pool.Allocate(req.NodeID)
	if err != nil {
		s.auditLog(audit.KindProvision, req.NodeID, "join", "", "failure", err.Error(), nil)
		return PeerConfiguration{}, err
	}

	entry := wgconf.PeerEntry{
		PublicKey:  req.PublicKey,
		AllowedIPs: []netip.Prefix{netip.PrefixFrom(addr, addr.BitLen())},
		KeepaliveS: peerKeepaliveS,
	}
	if err := s.hub.AddPeer(ctx, req.NodeID, entry); err != nil {
		if relErr := s.pool.Release(req.NodeID); relErr != nil {
			log.Printf("[provision] compensating release for %s failed: %v", req.NodeID, relErr)
		}
		s.auditLog(audit.KindProvision, req.NodeID, "join", "", "failure", "hub reload failed", nil)
		return PeerConfiguration{}, err
	}

	cfg := PeerConfiguration{
		PeerID:           req.NodeID,
		AssignedIP:       addr.String(),
		SubnetMask:       maskString(s.pool.Network()),
		HubPublicKey:     s.ident.PublicKey,
		HubEndpoint:      s.ident.Endpoint,
		AllowedIPsForHub: s.pool.Network().String(),
		DNS:              []string{s.ident.Address.String()},
		KeepaliveS:       peerKeepaliveS,
		ProvisionedAt:    time.Now().UTC(),
	}
	if s.geo != nil && req.Endpoint != "" {
		cfg.Region = s.geo.CountryForEndpoint(req.Endpoint)
	}

	if s.records != nil {
		raw, err := json.Marshal(cfg)
		if err == nil {
			err = s.records.PutProvisionRecord(store.ProvisionRecord{
				PeerID:        req.NodeID,
				PublicKey:     req.PublicKey,
				AssignedIP:    addr.String(),
				Config:        raw,
				ProvisionedAt: cfg.ProvisionedAt,
			})
		}
		if err != nil {
			log.Printf("[provision] record persist for %s failed: %v", req.NodeID, err)
		}
	}

	s.auditLog(audit.KindProvision, req.NodeID, "join", addr.String(), "success", "",
		map[string]any{"assigned_ip": addr.String(), "version": req.Version, "region": cfg.Region})
	log.Printf("[provision] node %s joined with %s", req.NodeID, addr)
	return cfg, nil
}

// Deprovision removes a peer from the hub, returns its IP to the pool,
// and deletes the stored record. wgconf.ErrNotFound means the peer was
// never provisioned.
func (s *Service) Deprovision(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hub.RemovePeer(ctx, peerID); err != nil {
		return err
	}
	if err := s.pool.Release(peerID); err != nil {
		var naErr *ippool.NotAllocatedError
		if !errors.As(err, &naErr) {
			return err
		}
	}
	if s.records != nil {
		if err := s.records.DeleteProvisionRecord(peerID); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			log.Printf("[provision] record delete for %s failed: %v", peerID, err)
		}
	}

	s.auditLog(audit.KindDeprovision, peerID, "leave", "", "success", "", nil)
	log.Printf("[provision] node %s deprovisioned", peerID)
	return nil
}

// Restore reinstalls previously provisioned peers from the record store
// after a hub restart.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.records == nil {
		return 0, nil
	}
	recs, err := s.records.ListProvisionRecords()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, rec := range recs {
		addr, err := netip.ParseAddr(rec.AssignedIP)
		if err != nil {
			log.Printf("[provision] record %s has bad ip %q, skipping", rec.PeerID, rec.AssignedIP)
			continue
		}
		if err := s.pool.AllocateSpecific(rec.PeerID, addr); err != nil {
			log.Printf("[provision] restore allocation for %s failed: %v", rec.PeerID, err)
			continue
		}
		entry := wgconf.PeerEntry{
			PublicKey:  rec.PublicKey,
			AllowedIPs: []netip.Prefix{netip.PrefixFrom(addr, addr.BitLen())},
			KeepaliveS: peerKeepaliveS,
		}
		if err := s.hub.AddPeer(ctx, rec.PeerID, entry); err != nil {
			log.Printf("[provision] restore peer %s failed: %v", rec.PeerID, err)
			s.pool.Release(rec.PeerID)
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Printf("[provision] restored %d peer(s) from records", restored)
	}
	return restored, nil
}

func (s *Service) existingConfig(peerID string) (PeerConfiguration, error) {
	if s.records != nil {
		rec, err := s.records.GetProvisionRecord(peerID)
		if err == nil {
			var cfg PeerConfiguration
			if jsonErr := json.Unmarshal(rec.Config, &cfg); jsonErr == nil {
				return cfg, nil
			}
		}
	}
	// Fall back to live state when the record store is absent.
	if addr, ok := s.pool.Lookup(peerID); ok {
		return PeerConfiguration{
			PeerID:           peerID,
			AssignedIP:       addr.String(),
			SubnetMask:       maskString(s.pool.Network()),
			HubPublicKey:     s.ident.PublicKey,
			HubEndpoint:      s.ident.Endpoint,
			AllowedIPsForHub: s.pool.Network().String(),
			DNS:              []string{s.ident.Address.String()},
			KeepaliveS:       peerKeepaliveS,
		}, nil
	}
	return PeerConfiguration{}, store.ErrRecordNotFound
}

func validate(req Request) error {
	if req.NodeID == "" {
		return ValidationError{Field: "node_id", Reason: "must not be empty"}
	}
	if !peerkey.Valid(req.PublicKey) {
		return ValidationError{Field: "wg_public_key", Reason: "not a valid WireGuard key"}
	}
	if !versionPattern.MatchString(req.Version) {
		return ValidationError{Field: "version", Reason: "must be semantic (x.y.z)"}
	}
	return nil
}

// maskString renders a prefix length as dotted-quad (IPv4 only).
func maskString(network netip.Prefix) string {
	bits := network.Bits()
	if network.Addr().Is6() {
		return fmt.Sprintf("/%d", bits)
	}
	mask := ^uint32(0) << (32 - bits)
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}

func (s *Service) auditLog(kind audit.Kind, peerID, action, resource, result, reason string, metadata map[string]any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Log(kind, peerID, action, resource, result, reason, metadata); err != nil {
		log.Printf("[provision] audit log failed: %v", err)
	}
}
