// Package connector implements the node-side tunnel lifecycle: interface
// bring-up, hub reachability verification with bounded retries, handshake
// monitoring, and teardown.
package connector

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hubmesh/hubmesh/internal/config"
)

// ConfigValidationError lists the required fields missing from a node config.
type ConfigValidationError struct {
	Missing []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("connector: config missing required fields: %s", strings.Join(e.Missing, ", "))
}

// HubConfig is the hub half of the node configuration.
type HubConfig struct {
	PublicKey  string   `yaml:"public_key"`
	Endpoint   string   `yaml:"endpoint"`
	AllowedIPs []string `yaml:"allowed_ips"`
	Address    string   `yaml:"address,omitempty"` // hub overlay IP; derived from allowed_ips when empty
	KeepaliveS int      `yaml:"keepalive_s,omitempty"`
}

// Config is the node agent configuration, typically loaded from YAML.
type Config struct {
	NodeID        string    `yaml:"node_id,omitempty"`
	InterfaceName string    `yaml:"interface_name"`
	PrivateKey    string    `yaml:"private_key"`
	Address       string    `yaml:"address"` // node overlay address with mask, e.g. "10.77.0.2/24"
	Hub           HubConfig `yaml:"hub"`

	MaxRetries        int             `yaml:"max_retries,omitempty"`
	InitialBackoff    config.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff        config.Duration `yaml:"max_backoff,omitempty"`
	ConnectionTimeout config.Duration `yaml:"connection_timeout,omitempty"`
}

// LoadConfig reads and validates a YAML node config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("connector: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("connector: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	var missing []string
	if c.InterfaceName == "" {
		missing = append(missing, "interface_name")
	}
	if c.PrivateKey == "" {
		missing = append(missing, "private_key")
	}
	if c.Address == "" {
		missing = append(missing, "address")
	}
	if c.Hub.PublicKey == "" {
		missing = append(missing, "hub.public_key")
	}
	if c.Hub.Endpoint == "" {
		missing = append(missing, "hub.endpoint")
	}
	if len(c.Hub.AllowedIPs) == 0 {
		missing = append(missing, "hub.allowed_ips")
	}
	if len(missing) > 0 {
		return &ConfigValidationError{Missing: missing}
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = config.Duration(time.Second)
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = config.Duration(30 * time.Second)
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = config.Duration(10 * time.Second)
	}
	return nil
}

// HubProbeAddr returns the hub overlay address used for reachability probes:
// the explicit hub.address when set, otherwise the first host of the first
// allowed CIDR.
func (c *Config) HubProbeAddr() (netip.Addr, error) {
	if c.Hub.Address != "" {
		addr, err := netip.ParseAddr(c.Hub.Address)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("connector: hub.address: %w", err)
		}
		return addr, nil
	}
	prefix, err := netip.ParsePrefix(c.Hub.AllowedIPs[0])
	if err != nil {
		return netip.Addr{}, fmt.Errorf("connector: hub.allowed_ips[0]: %w", err)
	}
	if prefix.Bits() >= 31 {
		return prefix.Addr(), nil
	}
	return prefix.Masked().Addr().Next(), nil
}
