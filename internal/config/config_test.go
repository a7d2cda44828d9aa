package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
device:
  id: device-1
  user_id: user-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.APIPort != 8080 {
		t.Errorf("Expected default API port 8080, got %d", cfg.Server.APIPort)
	}
	if cfg.Redis.Host != "127.0.0.1" || cfg.Redis.Port != 6379 {
		t.Errorf("Unexpected Redis defaults: %s:%d", cfg.Redis.Host, cfg.Redis.Port)
	}
	if cfg.Tracking.TickInterval != "5s" {
		t.Errorf("Expected default tick interval 5s, got %s", cfg.Tracking.TickInterval)
	}
	if cfg.Tracking.MaxTickGap != "10m" {
		t.Errorf("Expected default max tick gap 10m, got %s", cfg.Tracking.MaxTickGap)
	}
	if cfg.Lease.TTL != "60s" {
		t.Errorf("Expected default lease TTL 60s, got %s", cfg.Lease.TTL)
	}
	if cfg.DateKey.Timezone != "UTC" {
		t.Errorf("Expected default timezone UTC, got %s", cfg.DateKey.Timezone)
	}
	if cfg.DateKey.RolloutPercent != 0 {
		t.Errorf("Expected default rollout 0, got %d", cfg.DateKey.RolloutPercent)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
device:
  id: device-1
  user_id: user-1
tracking:
  tick_interval: 10s
  max_tick_gap: 30m
date_key:
  timezone: Asia/Ho_Chi_Minh
  scheme: local_date
  rollout_percent: 25
  allow_list:
    - user-2
lease:
  ttl: 90s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tracking.TickInterval != "10s" {
		t.Errorf("Expected tick interval 10s, got %s", cfg.Tracking.TickInterval)
	}
	if cfg.DateKey.Scheme != "local_date" {
		t.Errorf("Expected scheme local_date, got %s", cfg.DateKey.Scheme)
	}
	if cfg.DateKey.RolloutPercent != 25 {
		t.Errorf("Expected rollout 25, got %d", cfg.DateKey.RolloutPercent)
	}
	if len(cfg.DateKey.AllowList) != 1 || cfg.DateKey.AllowList[0] != "user-2" {
		t.Errorf("Unexpected allow list: %v", cfg.DateKey.AllowList)
	}
	if cfg.Lease.TTL != "90s" {
		t.Errorf("Expected lease TTL 90s, got %s", cfg.Lease.TTL)
	}
}

func TestLoad_RequiresDeviceID(t *testing.T) {
	path := writeConfig(t, `
device:
  user_id: user-1
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected missing device id to be rejected")
	}
}

func TestLoad_RejectsBadRollout(t *testing.T) {
	path := writeConfig(t, `
device:
  id: device-1
date_key:
  rollout_percent: 150
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected rollout above 100 to be rejected")
	}
}
