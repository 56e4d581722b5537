package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.MaxConcurrentScans != 16 {
		t.Errorf("expected default MaxConcurrentScans 16, got %d", cfg.MaxConcurrentScans)
	}
	if cfg.GlobalScanHardCap != 180*time.Second {
		t.Errorf("expected default GlobalScanHardCap 180s, got %s", cfg.GlobalScanHardCap)
	}
	if cfg.ListenAddr != ":8443" {
		t.Errorf("expected default ListenAddr :8443, got %q", cfg.ListenAddr)
	}
	if !cfg.BlockPrivateNetworks {
		t.Error("expected BlockPrivateNetworks to default true")
	}
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_SCANS", "4")
	t.Setenv("GLOBAL_SCAN_HARD_CAP_SECONDS", "30")
	t.Setenv("HTTP_PER_HOST_INITIAL_RPS", "2.5")
	t.Setenv("BLOCK_PRIVATE_NETWORKS", "false")
	t.Setenv("HTTP_ALLOWED_HOSTS", "a.test, b.test,c.test")

	cfg := Load()
	if cfg.MaxConcurrentScans != 4 {
		t.Errorf("expected MaxConcurrentScans 4, got %d", cfg.MaxConcurrentScans)
	}
	if cfg.GlobalScanHardCap != 30*time.Second {
		t.Errorf("expected GlobalScanHardCap 30s, got %s", cfg.GlobalScanHardCap)
	}
	if cfg.HTTPPerHostInitialRPS != 2.5 {
		t.Errorf("expected HTTPPerHostInitialRPS 2.5, got %f", cfg.HTTPPerHostInitialRPS)
	}
	if cfg.BlockPrivateNetworks {
		t.Error("expected BlockPrivateNetworks false from env override")
	}
	want := []string{"a.test", "b.test", "c.test"}
	if len(cfg.HTTPAllowedHosts) != len(want) {
		t.Fatalf("expected %d allowed hosts, got %d (%v)", len(want), len(cfg.HTTPAllowedHosts), cfg.HTTPAllowedHosts)
	}
	for i, h := range want {
		if cfg.HTTPAllowedHosts[i] != h {
			t.Errorf("expected allowed host %d to be %q, got %q", i, h, cfg.HTTPAllowedHosts[i])
		}
	}
}

func TestLoadSoftMemoryLimitDefaultsToDisabled(t *testing.T) {
	cfg := Load()
	if cfg.SoftMemoryLimitBytes != 0 {
		t.Errorf("expected SoftMemoryLimitBytes to default to 0 (disabled), got %d", cfg.SoftMemoryLimitBytes)
	}
}

func TestLoadReadsSoftMemoryLimitFromEnv(t *testing.T) {
	t.Setenv("SOFT_MEMORY_LIMIT_BYTES", "536870912")
	cfg := Load()
	if cfg.SoftMemoryLimitBytes != 536870912 {
		t.Errorf("expected SoftMemoryLimitBytes 536870912, got %d", cfg.SoftMemoryLimitBytes)
	}
}

func TestLoadIgnoresUnparsableOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_SCANS", "not-a-number")
	cfg := Load()
	if cfg.MaxConcurrentScans != 16 {
		t.Errorf("expected unparsable override to fall back to default 16, got %d", cfg.MaxConcurrentScans)
	}
}

func TestListEnvEmptyReturnsNil(t *testing.T) {
	t.Setenv("HTTP_BLOCKED_HOSTS", "")
	if got := listEnv("HTTP_BLOCKED_HOSTS"); got != nil {
		t.Errorf("expected nil for an unset/empty list env var, got %v", got)
	}
}
