package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AGENTLENS_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:4056" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.HubURL != "http://127.0.0.1:4056" {
		t.Fatalf("hub_url = %q", cfg.HubURL)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.RetentionDays != 0 {
		t.Fatalf("retention_days = %d, want 0 (keep forever)", cfg.RetentionDays)
	}
	if cfg.Delivery.MaxAttempts != 10 || cfg.Delivery.BatchSize != 100 {
		t.Fatalf("delivery defaults = %+v", cfg.Delivery)
	}
	if cfg.DirectTimeout() != 500*time.Millisecond {
		t.Fatalf("direct timeout = %v", cfg.DirectTimeout())
	}
}

func TestLoad_FromYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTLENS_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9999"
log_level: debug
retention_days: 30
delivery:
  flush_interval_seconds: 2
  max_attempts: 3
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.RetentionDays != 30 {
		t.Fatalf("retention_days = %d", cfg.RetentionDays)
	}
	if cfg.FlushInterval() != 2*time.Second {
		t.Fatalf("flush interval = %v", cfg.FlushInterval())
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Fatalf("max_attempts = %d", cfg.Delivery.MaxAttempts)
	}
	// Unset fields still normalize to defaults.
	if cfg.Delivery.BatchSize != 100 {
		t.Fatalf("batch_size = %d, want default 100", cfg.Delivery.BatchSize)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTLENS_HOME", home)
	t.Setenv("AGENTLENS_HUB", "http://hub.internal:4056")
	t.Setenv("AGENTLENS_LOG_LEVEL", "warn")
	t.Setenv("AGENTLENS_RETENTION_DAYS", "7")

	if err := os.WriteFile(ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HubURL != "http://hub.internal:4056" {
		t.Fatalf("hub_url = %q", cfg.HubURL)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level = %q, want env to beat yaml", cfg.LogLevel)
	}
	if cfg.RetentionDays != 7 {
		t.Fatalf("retention_days = %d", cfg.RetentionDays)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTLENS_HOME", home)
	if err := os.WriteFile(ConfigPath(home), []byte("bind_addr: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestHomeDir_Override(t *testing.T) {
	t.Setenv("AGENTLENS_HOME", "/tmp/custom-lens-home")
	if got := HomeDir(); got != "/tmp/custom-lens-home" {
		t.Fatalf("HomeDir = %q", got)
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Config{HomeDir: "/data/lens"}
	if cfg.DBPath() != filepath.Join("/data/lens", "agentlens.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath())
	}
	if cfg.QueueDir() != filepath.Join("/data/lens", "queue") {
		t.Fatalf("QueueDir = %q", cfg.QueueDir())
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := Config{BindAddr: "x", HubURL: "y"}
	b := Config{BindAddr: "x", HubURL: "y"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.RetentionDays = 5
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed config must change the fingerprint")
	}
}
