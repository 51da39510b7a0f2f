// Package config loads collector and sender settings from
// $AGENTLENS_HOME/config.yaml with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentlens/internal/otel"
)

// DeliveryConfig tunes the sender side: the direct-send fast path and
// the background queue drain.
type DeliveryConfig struct {
	DirectTimeoutMs      int `yaml:"direct_timeout_ms"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
	MaxAttempts          int `yaml:"max_attempts"`
	BatchSize            int `yaml:"batch_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// BindAddr is the collector listen address.
	BindAddr string `yaml:"bind_addr"`
	// HubURL is where senders submit events.
	HubURL   string `yaml:"hub_url"`
	LogLevel string `yaml:"log_level"`

	// SourceApp is the default source_app stamped on locally produced
	// events when the producer does not name one.
	SourceApp string `yaml:"source_app"`

	// AllowOrigins controls which Origin headers are accepted for
	// browser WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// RetentionDays is how long stored events are kept. 0 = keep forever.
	RetentionDays int `yaml:"retention_days"`
	// RetentionSchedule is the cron expression for the retention sweep.
	RetentionSchedule string `yaml:"retention_schedule"`

	Delivery DeliveryConfig `yaml:"delivery"`
	OTel     otel.Config    `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:          "127.0.0.1:4056",
		HubURL:            "http://127.0.0.1:4056",
		LogLevel:          "info",
		RetentionDays:     0,
		RetentionSchedule: "0 3 * * *",
		Delivery: DeliveryConfig{
			DirectTimeoutMs:      500,
			FlushIntervalSeconds: 5,
			MaxAttempts:          10,
			BatchSize:            100,
		},
	}
}

// HomeDir resolves the data directory: $AGENTLENS_HOME or ~/.agentlens.
func HomeDir() string {
	if override := os.Getenv("AGENTLENS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentlens")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the SQLite database path under the home directory.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "agentlens.db")
}

// QueueDir returns the durable queue directory under the home directory.
func (c Config) QueueDir() string {
	return filepath.Join(c.HomeDir, "queue")
}

// LogsDir returns the log directory under the home directory.
func (c Config) LogsDir() string {
	return filepath.Join(c.HomeDir, "logs")
}

// DirectTimeout returns the delivery fast-path bound as a duration.
func (c Config) DirectTimeout() time.Duration {
	return time.Duration(c.Delivery.DirectTimeoutMs) * time.Millisecond
}

// FlushInterval returns the background drain period as a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Delivery.FlushIntervalSeconds) * time.Second
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentlens home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.HubURL == "" {
		cfg.HubURL = def.HubURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = def.RetentionSchedule
	}
	if cfg.Delivery.DirectTimeoutMs <= 0 {
		cfg.Delivery.DirectTimeoutMs = def.Delivery.DirectTimeoutMs
	}
	if cfg.Delivery.FlushIntervalSeconds <= 0 {
		cfg.Delivery.FlushIntervalSeconds = def.Delivery.FlushIntervalSeconds
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		cfg.Delivery.MaxAttempts = def.Delivery.MaxAttempts
	}
	if cfg.Delivery.BatchSize <= 0 {
		cfg.Delivery.BatchSize = def.Delivery.BatchSize
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTLENS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTLENS_HUB"); raw != "" {
		cfg.HubURL = raw
	}
	if raw := os.Getenv("AGENTLENS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTLENS_SOURCE_APP"); raw != "" {
		cfg.SourceApp = raw
	}
	if raw := os.Getenv("AGENTLENS_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetentionDays = v
		}
	}
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so operators can tell which settings a running collector has.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|hub=%s|log=%s|retention=%d|sched=%s|origins=%v",
		c.BindAddr, c.HubURL, c.LogLevel, c.RetentionDays, c.RetentionSchedule, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
