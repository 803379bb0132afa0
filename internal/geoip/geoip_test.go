package geoip

import (
	"net/netip"
	"testing"
)

type fakeReader struct {
	byAddr map[string]string
	closed bool
}

func (f *fakeReader) Lookup(ip netip.Addr) string { return f.byAddr[ip.String()] }
func (f *fakeReader) Close() error                { f.closed = true; return nil }

func TestNoDatabaseLookupsEmpty(t *testing.T) {
	s, err := NewService("")
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if got := s.Country(netip.MustParseAddr("203.0.113.5")); got != "" {
		t.Errorf("Country = %q, want empty", got)
	}
	if got := s.CountryForEndpoint("203.0.113.5:51820"); got != "" {
		t.Errorf("CountryForEndpoint = %q, want empty", got)
	}
}

func TestCountryForEndpoint(t *testing.T) {
	s, _ := NewService("")
	s.SetReader(&fakeReader{byAddr: map[string]string{"203.0.113.5": "DE"}})

	cases := []struct {
		endpoint string
		want     string
	}{
		{"203.0.113.5:51820", "DE"},
		{"203.0.113.5", "DE"},
		{"198.51.100.9:51820", ""},
		{"hub.example.com:51820", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := s.CountryForEndpoint(tc.endpoint); got != tc.want {
			t.Errorf("CountryForEndpoint(%q) = %q, want %q", tc.endpoint, got, tc.want)
		}
	}
}

func TestCloseReleasesReader(t *testing.T) {
	s, _ := NewService("")
	fr := &fakeReader{byAddr: map[string]string{}}
	s.SetReader(fr)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !fr.closed {
		t.Error("reader not closed")
	}
	if got := s.Country(netip.MustParseAddr("203.0.113.5")); got != "" {
		t.Errorf("lookup after close = %q", got)
	}
}

func TestMissingDatabaseFile(t *testing.T) {
	if _, err := NewService("/nonexistent/geoip.mmdb"); err == nil {
		t.Error("want error for missing database file")
	}
}
