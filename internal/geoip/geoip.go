// Package geoip resolves node endpoint addresses to country codes for
// provisioning region tags. The database is optional; without one every
// lookup returns "".
package geoip

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// Reader abstracts the MMDB lookup so tests can stub it.
type Reader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

type mmdbReader struct {
	r *maxminddb.Reader
}

func (m *mmdbReader) Lookup(ip netip.Addr) string {
	var rec struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := m.r.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

func (m *mmdbReader) Close() error { return m.r.Close() }

// Service provides lookups with hot-swappable database files.
type Service struct {
	mu     sync.RWMutex
	reader Reader
	path   string
}

// NewService builds a service over an optional MMDB path. An empty path
// yields a service whose lookups always return "".
func NewService(path string) (*Service, error) {
	s := &Service{path: path}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload swaps in a freshly opened database, closing the old one.
func (s *Service) Reload() error {
	if s.path == "" {
		return nil
	}
	r, err := maxminddb.Open(s.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.path, err)
	}

	s.mu.Lock()
	old := s.reader
	s.reader = &mmdbReader{r: r}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// SetReader installs a reader directly. Used by tests.
func (s *Service) SetReader(r Reader) {
	s.mu.Lock()
	s.reader = r
	s.mu.Unlock()
}

// CountryForEndpoint resolves a host:port endpoint to a country code.
// Hostnames and unknown addresses resolve to "".
func (s *Service) CountryForEndpoint(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return s.Country(addr)
}

// Country resolves an address to its ISO country code, or "".
func (s *Service) Country(addr netip.Addr) string {
	s.mu.RLock()
	r := s.reader
	s.mu.RUnlock()
	if r == nil {
		return ""
	}
	return r.Lookup(addr)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}
