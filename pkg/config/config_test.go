package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServerMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadServer(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if cfg.OfflineThreshold() != 180*time.Second {
		t.Fatalf("unexpected offline threshold: %v", cfg.OfflineThreshold())
	}
	if cfg.ActionTTL() != time.Hour {
		t.Fatalf("unexpected action TTL: %v", cfg.ActionTTL())
	}
	if cfg.PendingAdoptionTTL() != 24*time.Hour {
		t.Fatalf("unexpected pending TTL: %v", cfg.PendingAdoptionTTL())
	}
	if cfg.AutoApproveDevices {
		t.Fatal("auto-approve must default off")
	}
}

func TestLoadServerReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	data := []byte(`
listen: ":9090"
auto_approve_devices: true
action_ttl_s: 120
heartbeat:
  limit: 10
  window_s: 30
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if !cfg.AutoApproveDevices {
		t.Fatal("auto_approve_devices not read")
	}
	if cfg.ActionTTL() != 2*time.Minute {
		t.Fatalf("unexpected action TTL: %v", cfg.ActionTTL())
	}
	if cfg.Heartbeat.Limit != 10 || cfg.HeartbeatWindow() != 30*time.Second {
		t.Fatalf("unexpected heartbeat cap: %+v", cfg.Heartbeat)
	}
}

func TestLoadServerEnvOverrides(t *testing.T) {
	t.Setenv("PATCHPILOT_LISTEN", ":7070")
	t.Setenv("PATCHPILOT_ADMIN_TOKEN", "env-token")
	t.Setenv("PATCHPILOT_AUTO_APPROVE", "true")

	cfg, err := LoadServer("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Fatalf("env override ignored: %q", cfg.Listen)
	}
	token, err := cfg.ResolveAdminToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "env-token" {
		t.Fatalf("unexpected token: %q", token)
	}
	if !cfg.AutoApproveDevices {
		t.Fatal("auto-approve env override ignored")
	}
}

func TestResolveAdminTokenFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  file-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &ServerConfig{AdminTokenFile: path}
	token, err := cfg.ResolveAdminToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "file-token" {
		t.Fatalf("unexpected token: %q", token)
	}
}

func TestAgentValidateRequiresURL(t *testing.T) {
	cfg := &AgentConfig{}
	if err := cfg.Validate(); err != ErrMissingServerURL {
		t.Fatalf("expected ErrMissingServerURL, got %v", err)
	}
}

func TestAgentValidateRejectsShortInterval(t *testing.T) {
	cfg := &AgentConfig{IntervalS: 2}
	cfg.Server.URL = "http://localhost:8080"
	if err := cfg.Validate(); err != ErrInvalidInterval {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestAgentValidateAppliesDefaults(t *testing.T) {
	cfg := &AgentConfig{}
	cfg.Server.URL = "http://localhost:8080"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interval() != time.Minute {
		t.Fatalf("unexpected interval: %v", cfg.Interval())
	}
	if cfg.ExecTimeout() != 5*time.Minute {
		t.Fatalf("unexpected exec timeout: %v", cfg.ExecTimeout())
	}
	if cfg.Server.RetryMaxMs < cfg.Server.RetryInitialMs {
		t.Fatal("retry max below initial")
	}
}
