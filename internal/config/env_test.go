package config

import (
	"strings"
	"testing"
	"time"
)

// setRequiredEnv sets the minimum environment for LoadEnvConfig to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HUBMESH_ADMIN_TOKEN", "correct-horse-battery-staple-9000")
	t.Setenv("SECRET_KEY", "another-long-unguessable-signing-secret-77")
	t.Setenv("HUBMESH_HUB_PUBLIC_KEY", "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=")
	t.Setenv("HUBMESH_HUB_ENDPOINT", "hub.example.com:51820")
	t.Setenv("HUBMESH_WG_PRIVATE_KEY_FILE", "/etc/wireguard/wg0.key")
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.Port != 7480 {
		t.Errorf("Port = %d, want 7480", cfg.Port)
	}
	if cfg.PoolCIDR != "10.77.0.0/24" {
		t.Errorf("PoolCIDR = %q", cfg.PoolCIDR)
	}
	if cfg.WGInterface != "wg0" {
		t.Errorf("WGInterface = %q", cfg.WGInterface)
	}
	if cfg.BufferMaxPending != 10000 {
		t.Errorf("BufferMaxPending = %d", cfg.BufferMaxPending)
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Errorf("UpstreamTimeout = %v", cfg.UpstreamTimeout)
	}
	if cfg.BufferCompactSchedule != "0 4 * * *" {
		t.Errorf("BufferCompactSchedule = %q", cfg.BufferCompactSchedule)
	}
}

func TestLoadEnvConfigMissingSecrets(t *testing.T) {
	t.Setenv("HUBMESH_HUB_PUBLIC_KEY", "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=")
	t.Setenv("HUBMESH_HUB_ENDPOINT", "hub.example.com:51820")
	// HUBMESH_ADMIN_TOKEN and SECRET_KEY deliberately unset.
	t.Setenv("SECRET_KEY", "")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	if !strings.Contains(msg, "SECRET_KEY") {
		t.Errorf("error does not mention SECRET_KEY: %v", err)
	}
	if !strings.Contains(msg, "HUBMESH_ADMIN_TOKEN") {
		t.Errorf("error does not mention HUBMESH_ADMIN_TOKEN: %v", err)
	}
}

func TestLoadEnvConfigWeakSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SECRET_KEY", "password")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "SECRET_KEY is too weak") {
		t.Fatalf("expected weak secret error, got %v", err)
	}
}

func TestLoadEnvConfigInvalidValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("HUBMESH_POOL_CIDR", "not-a-cidr")
	t.Setenv("HUBMESH_HUB_ENDPOINT", "no-port")
	t.Setenv("HUBMESH_BUFFER_COMPACT_SCHEDULE", "every day at noon")
	t.Setenv("HUBMESH_PORT", "99999")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{
		"HUBMESH_POOL_CIDR",
		"HUBMESH_HUB_ENDPOINT",
		"HUBMESH_BUFFER_COMPACT_SCHEDULE",
		"HUBMESH_PORT",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestEnvStringList(t *testing.T) {
	t.Setenv("HUBMESH_POOL_RESERVED", "10.77.0.1, 10.77.0.2 ,,10.77.0.3")
	got := envStringList("HUBMESH_POOL_RESERVED", nil)
	want := []string{"10.77.0.1", "10.77.0.2", "10.77.0.3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestIsWeakToken(t *testing.T) {
	if IsWeakToken("") {
		t.Error("empty token should not be weak (auth disabled)")
	}
	if !IsWeakToken("abc123") {
		t.Error("trivial token should be weak")
	}
	if IsWeakToken("correct-horse-battery-staple-9000") {
		t.Error("long random token should not be weak")
	}
}
