// Package config loads chatsync settings from a YAML file with CHATSYNC_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
	"github.com/kimhsiao/chatsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/chatsync/backend/internal/sync/queue"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATSYNC_"

// Config is the full runtime configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Network   NetworkConfig   `yaml:"network"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SyncConfig tunes the coordinator.
type SyncConfig struct {
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
	// WritesPerSecond paces remote writes; 0 disables pacing.
	WritesPerSecond float64 `yaml:"writes_per_second"`
	WriteBurst      int     `yaml:"write_burst"`
	// ConflictStrategy maps entity type to strategy name.
	ConflictStrategy map[string]string `yaml:"conflict_strategy"`
	// Retry overrides retry policies per priority name.
	Retry map[string]RetryConfig `yaml:"retry"`
}

// RetryConfig overrides one priority's retry policy.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// StorageConfig selects where the queue snapshot lives.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// NetworkConfig configures connectivity probing. An empty ProbeURL
// disables probing.
type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig opts in to in-process metrics.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Sync: SyncConfig{
			PeriodicInterval: 30 * time.Second,
			WriteBurst:       1,
			ConflictStrategy: map[string]string{},
			Retry:            map[string]RetryConfig{},
		},
		Storage: StorageConfig{Driver: storage.DriverMemory},
		Network: NetworkConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8787"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Debug("Configuration loaded", map[string]interface{}{
		"path":           path,
		"storage_driver": cfg.Storage.Driver,
		"server_addr":    cfg.Server.Addr,
	})
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	c.Network.ProbeURL = getEnv("PROBE_URL", c.Network.ProbeURL)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PERIODIC_INTERVAL", &c.Sync.PeriodicInterval},
		{"PROBE_INTERVAL", &c.Network.ProbeInterval},
		{"PROBE_TIMEOUT", &c.Network.ProbeTimeout},
	}
	for _, d := range durations {
		v := getEnv(d.key, "")
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, d.key, err)
		}
		*d.dst = parsed
	}

	if v := getEnv("WRITES_PER_SECOND", ""); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sWRITES_PER_SECOND: %w", EnvPrefix, err)
		}
		c.Sync.WritesPerSecond = f
	}
	if v := getEnv("TELEMETRY", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTELEMETRY: %w", EnvPrefix, err)
		}
		c.Telemetry.Enabled = b
	}
	return nil
}

// Validate rejects unknown drivers, strategies, priorities and levels.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case storage.DriverMemory:
	case storage.DriverFile, storage.DriverSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage driver %q requires storage.path", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Sync.PeriodicInterval <= 0 {
		return fmt.Errorf("sync.periodic_interval must be positive, got %s", c.Sync.PeriodicInterval)
	}
	if c.Sync.WritesPerSecond < 0 {
		return fmt.Errorf("sync.writes_per_second must not be negative")
	}
	if _, err := c.Strategies(); err != nil {
		return err
	}
	if _, err := c.RetryPolicies(); err != nil {
		return err
	}

	if c.Network.ProbeURL != "" && (c.Network.ProbeInterval <= 0 || c.Network.ProbeTimeout <= 0) {
		return fmt.Errorf("network probe interval and timeout must be positive")
	}
	return nil
}

// Strategies returns the configured conflict strategy per entity type.
func (c *Config) Strategies() (map[models.EntityType]conflict.ResolutionStrategy, error) {
	out := make(map[models.EntityType]conflict.ResolutionStrategy, len(c.Sync.ConflictStrategy))
	for name, s := range c.Sync.ConflictStrategy {
		t := models.EntityType(strings.ToLower(strings.TrimSpace(name)))
		if !t.Valid() {
			return nil, fmt.Errorf("sync.conflict_strategy: unknown entity type %q", name)
		}
		st, err := conflict.ParseStrategy(s)
		if err != nil {
			return nil, fmt.Errorf("sync.conflict_strategy.%s: %w", name, err)
		}
		out[t] = st
	}
	return out, nil
}

// RetryPolicies returns the configured retry overrides per priority.
func (c *Config) RetryPolicies() (map[models.Priority]queue.RetryPolicy, error) {
	out := make(map[models.Priority]queue.RetryPolicy, len(c.Sync.Retry))
	for name, r := range c.Sync.Retry {
		p, err := models.ParsePriority(name)
		if err != nil {
			return nil, fmt.Errorf("sync.retry: %w", err)
		}
		if r.MaxRetries < 1 || r.BaseDelay <= 0 {
			return nil, fmt.Errorf("sync.retry.%s: max_retries and base_delay must be positive", name)
		}
		out[p] = queue.RetryPolicy{MaxRetries: r.MaxRetries, BaseDelay: r.BaseDelay}
	}
	return out, nil
}
