// Package config handles environment-based configuration loading for the hub daemon.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hubmesh/hubmesh/internal/peerkey"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string
	LogDir   string
	AuditDir string

	// API
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int
	APIMaxConns     int
	AdminToken      string

	// Overlay
	PoolCIDR         string
	PoolReserved     []string
	WGInterface      string
	WGConfigPath     string
	WGPrivateKeyFile string
	HubPublicKey     string
	HubEndpoint      string
	HubAddress       string // hub's own overlay address, e.g. "10.0.0.1"

	// Lease signing
	SecretKey          string
	LeaseSweepInterval time.Duration

	// Upstream coordinator
	UpstreamURL           string
	UpstreamTimeout       time.Duration
	PartitionPollInterval time.Duration

	// Result buffer
	BufferMaxPending      int
	BufferMaxRetries      int
	BufferFlushInterval   time.Duration
	BufferCompactSchedule string
	BufferFailedRetention time.Duration

	// Timeline
	TimelineMaxEvents int

	// Audit
	AuditMaxMB  int
	AuditRetain int

	// Optional GeoIP database for endpoint region tagging.
	GeoIPDBPath string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or missing value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("HUBMESH_STATE_DIR", "/var/lib/hubmesh")
	cfg.LogDir = envStr("HUBMESH_LOG_DIR", "/var/log/hubmesh")
	cfg.AuditDir = envStr("HUBMESH_AUDIT_DIR", "/var/log/hubmesh/audit")

	// --- API ---
	cfg.ListenAddress = strings.TrimSpace(envStr("HUBMESH_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("HUBMESH_PORT", 7480, &errs)
	cfg.APIMaxBodyBytes = envInt("HUBMESH_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.APIMaxConns = envInt("HUBMESH_API_MAX_CONNS", 256, &errs)

	// --- Overlay ---
	cfg.PoolCIDR = envStr("HUBMESH_POOL_CIDR", "10.77.0.0/24")
	cfg.PoolReserved = envStringList("HUBMESH_POOL_RESERVED", nil)
	cfg.WGInterface = envStr("HUBMESH_WG_INTERFACE", "wg0")
	cfg.WGConfigPath = envStr("HUBMESH_WG_CONFIG_PATH", "/etc/wireguard/wg0.conf")
	cfg.WGPrivateKeyFile = strings.TrimSpace(os.Getenv("HUBMESH_WG_PRIVATE_KEY_FILE"))
	cfg.HubPublicKey = strings.TrimSpace(os.Getenv("HUBMESH_HUB_PUBLIC_KEY"))
	cfg.HubEndpoint = strings.TrimSpace(os.Getenv("HUBMESH_HUB_ENDPOINT"))
	cfg.HubAddress = strings.TrimSpace(envStr("HUBMESH_HUB_ADDRESS", ""))

	// --- Lease signing ---
	cfg.SecretKey = os.Getenv("SECRET_KEY")
	cfg.LeaseSweepInterval = envDuration("HUBMESH_LEASE_SWEEP_INTERVAL", 30*time.Second, &errs)

	// --- Upstream ---
	cfg.UpstreamURL = strings.TrimRight(strings.TrimSpace(envStr("HUBMESH_UPSTREAM_URL", "")), "/")
	cfg.UpstreamTimeout = envDuration("HUBMESH_UPSTREAM_TIMEOUT", 5*time.Second, &errs)
	cfg.PartitionPollInterval = envDuration("HUBMESH_PARTITION_POLL_INTERVAL", 15*time.Second, &errs)

	// --- Result buffer ---
	cfg.BufferMaxPending = envInt("HUBMESH_BUFFER_MAX_PENDING", 10000, &errs)
	cfg.BufferMaxRetries = envInt("HUBMESH_BUFFER_MAX_RETRIES", 5, &errs)
	cfg.BufferFlushInterval = envDuration("HUBMESH_BUFFER_FLUSH_INTERVAL", 30*time.Second, &errs)
	cfg.BufferCompactSchedule = envStr("HUBMESH_BUFFER_COMPACT_SCHEDULE", "0 4 * * *")
	cfg.BufferFailedRetention = envDuration("HUBMESH_BUFFER_FAILED_RETENTION", 7*24*time.Hour, &errs)

	// --- Timeline ---
	cfg.TimelineMaxEvents = envInt("HUBMESH_TIMELINE_MAX_EVENTS", 10000, &errs)

	// --- Audit ---
	cfg.AuditMaxMB = envInt("HUBMESH_AUDIT_MAX_MB", 64, &errs)
	cfg.AuditRetain = envInt("HUBMESH_AUDIT_RETAIN", 5, &errs)

	// --- GeoIP (optional) ---
	cfg.GeoIPDBPath = strings.TrimSpace(os.Getenv("HUBMESH_GEOIP_DB"))

	// --- Validation ---
	adminToken, hasAdminToken := os.LookupEnv("HUBMESH_ADMIN_TOKEN")
	cfg.AdminToken = adminToken
	if !hasAdminToken {
		errs = append(errs, "HUBMESH_ADMIN_TOKEN must be defined (can be empty to disable auth)")
	} else if IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "HUBMESH_ADMIN_TOKEN is too weak (zxcvbn score < 3)")
	}

	if cfg.SecretKey == "" {
		errs = append(errs, "SECRET_KEY must be set (lease token signing key)")
	} else if IsWeakToken(cfg.SecretKey) {
		errs = append(errs, "SECRET_KEY is too weak (zxcvbn score < 3)")
	}

	if cfg.ListenAddress == "" {
		errs = append(errs, "HUBMESH_LISTEN_ADDRESS must not be empty")
	}
	validatePort("HUBMESH_PORT", cfg.Port, &errs)
	validatePositive("HUBMESH_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("HUBMESH_API_MAX_CONNS", cfg.APIMaxConns, &errs)

	if prefix, err := netip.ParsePrefix(cfg.PoolCIDR); err != nil {
		errs = append(errs, fmt.Sprintf("HUBMESH_POOL_CIDR: invalid CIDR %q: %v", cfg.PoolCIDR, err))
	} else if !prefix.Addr().Is4() {
		errs = append(errs, fmt.Sprintf("HUBMESH_POOL_CIDR: %q is not IPv4", cfg.PoolCIDR))
	}
	for _, r := range cfg.PoolReserved {
		if _, err := netip.ParseAddr(r); err != nil {
			errs = append(errs, fmt.Sprintf("HUBMESH_POOL_RESERVED: invalid address %q", r))
		}
	}
	if cfg.WGInterface == "" {
		errs = append(errs, "HUBMESH_WG_INTERFACE must not be empty")
	}
	if cfg.WGConfigPath == "" {
		errs = append(errs, "HUBMESH_WG_CONFIG_PATH must not be empty")
	}
	if cfg.WGPrivateKeyFile == "" {
		errs = append(errs, "HUBMESH_WG_PRIVATE_KEY_FILE must be set")
	}
	if cfg.HubPublicKey == "" {
		errs = append(errs, "HUBMESH_HUB_PUBLIC_KEY must be set")
	} else if !peerkey.Valid(cfg.HubPublicKey) {
		errs = append(errs, "HUBMESH_HUB_PUBLIC_KEY is not a valid WireGuard public key")
	}
	if cfg.HubEndpoint == "" {
		errs = append(errs, "HUBMESH_HUB_ENDPOINT must be set")
	} else if _, _, err := net.SplitHostPort(cfg.HubEndpoint); err != nil {
		errs = append(errs, fmt.Sprintf("HUBMESH_HUB_ENDPOINT: must be host:port, got %q", cfg.HubEndpoint))
	}
	if cfg.HubAddress != "" {
		if _, err := netip.ParseAddr(cfg.HubAddress); err != nil {
			errs = append(errs, fmt.Sprintf("HUBMESH_HUB_ADDRESS: invalid address %q", cfg.HubAddress))
		}
	}

	if cfg.LeaseSweepInterval <= 0 {
		errs = append(errs, "HUBMESH_LEASE_SWEEP_INTERVAL must be positive")
	}
	if cfg.UpstreamURL != "" {
		if u, err := url.Parse(cfg.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("HUBMESH_UPSTREAM_URL: invalid URL %q", cfg.UpstreamURL))
		}
	}
	if cfg.UpstreamTimeout <= 0 {
		errs = append(errs, "HUBMESH_UPSTREAM_TIMEOUT must be positive")
	}
	if cfg.PartitionPollInterval <= 0 {
		errs = append(errs, "HUBMESH_PARTITION_POLL_INTERVAL must be positive")
	}

	validatePositive("HUBMESH_BUFFER_MAX_PENDING", cfg.BufferMaxPending, &errs)
	validatePositive("HUBMESH_BUFFER_MAX_RETRIES", cfg.BufferMaxRetries, &errs)
	if cfg.BufferFlushInterval <= 0 {
		errs = append(errs, "HUBMESH_BUFFER_FLUSH_INTERVAL must be positive")
	}
	if _, err := cron.ParseStandard(cfg.BufferCompactSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("HUBMESH_BUFFER_COMPACT_SCHEDULE: invalid cron expression %q: %v", cfg.BufferCompactSchedule, err))
	}
	if cfg.BufferFailedRetention <= 0 {
		errs = append(errs, "HUBMESH_BUFFER_FAILED_RETENTION must be positive")
	}

	validatePositive("HUBMESH_TIMELINE_MAX_EVENTS", cfg.TimelineMaxEvents, &errs)
	validatePositive("HUBMESH_AUDIT_MAX_MB", cfg.AuditMaxMB, &errs)
	validatePositive("HUBMESH_AUDIT_RETAIN", cfg.AuditRetain, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

// envStringList parses a comma-separated list, trimming whitespace and
// dropping empty elements.
func envStringList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
