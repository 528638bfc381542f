// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package config loads and validates StreamSentry configuration.
//
// Sources are merged in priority order: struct defaults, then a YAML config
// file, then STREAMSENTRY_* environment variables. Nested keys use double
// underscores in the environment, e.g. STREAMSENTRY_POLLER__INTERVAL=30s.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/streamsentry/streamsentry/internal/models"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/streamsentry/config.yaml",
	"/etc/streamsentry/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "STREAMSENTRY_"

// Config is the root application configuration.
type Config struct {
	Log          LogConfig                `koanf:"log"`
	Servers      []models.ConnectedServer `koanf:"servers" validate:"dive"`
	Database     DatabaseConfig           `koanf:"database"`
	KV           KVConfig                 `koanf:"kv"`
	Poller       PollerConfig             `koanf:"poller"`
	Cache        CacheConfig              `koanf:"cache"`
	Coordination CoordinationConfig       `koanf:"coordination"`
	Rules        RulesConfig              `koanf:"rules"`
	Import       ImportConfig             `koanf:"import"`
	Ops          OpsConfig                `koanf:"ops"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// DatabaseConfig configures the DuckDB relational store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"`
}

// KVConfig configures the shared BadgerDB key-value store.
type KVConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// PollerConfig configures the session poll cycle.
type PollerConfig struct {
	Interval      time.Duration `koanf:"interval" validate:"gte=5s"`
	ServerTimeout time.Duration `koanf:"server_timeout" validate:"gt=0"`
}

// CacheConfig configures the active-session cache.
type CacheConfig struct {
	SessionTTL    time.Duration `koanf:"session_ttl" validate:"gt=0"`
	StatsTTL      time.Duration `koanf:"stats_ttl" validate:"gt=0"`
	ReadBatchSize int           `koanf:"read_batch_size" validate:"gt=0"`
}

// CoordinationConfig configures the coordination primitives.
type CoordinationConfig struct {
	SessionCreateTTL         time.Duration `koanf:"session_create_ttl" validate:"gt=0"`
	SessionCreateMaxAttempts int           `koanf:"session_create_max_attempts" validate:"gt=0"`
	TerminationCooldown      time.Duration `koanf:"termination_cooldown" validate:"gt=0"`
	HeavyOpPollInterval      time.Duration `koanf:"heavy_op_poll_interval" validate:"gt=0"`
	HeavyOpMaxWait           time.Duration `koanf:"heavy_op_max_wait" validate:"gt=0"`
	HeavyOpTTL               time.Duration `koanf:"heavy_op_ttl" validate:"gt=0"`
}

// RulesConfig configures the rule evaluation engine.
type RulesConfig struct {
	Enabled               bool          `koanf:"enabled"`
	RecentHistoryWindow   time.Duration `koanf:"recent_history_window" validate:"gt=0"`
	RecentHistoryCap      int           `koanf:"recent_history_cap" validate:"gt=0"`
	TrustRecoveryAmount   int           `koanf:"trust_recovery_amount" validate:"gte=0"`
	TrustRecoveryInterval time.Duration `koanf:"trust_recovery_interval" validate:"gt=0"`
}

// ImportConfig configures the import job subsystem.
type ImportConfig struct {
	BatchSize         int           `koanf:"batch_size" validate:"gt=0"`
	SubmissionPerMin  int           `koanf:"submission_per_min" validate:"gt=0"`
	SubmissionBurst   int           `koanf:"submission_burst" validate:"gt=0"`
	MaxAttempts       int           `koanf:"max_attempts" validate:"gt=0"`
	StalledAfter      time.Duration `koanf:"stalled_after" validate:"gt=0"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay" validate:"gt=0"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay" validate:"gt=0"`
}

// OpsConfig configures the operational HTTP listener.
type OpsConfig struct {
	Addr              string `koanf:"addr"`
	RequestsPerMinute int    `koanf:"requests_per_minute" validate:"gt=0"`
}

// defaultConfig returns a Config with production defaults. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:      "/data/streamsentry.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		KV: KVConfig{
			Path:     "/data/streamsentry-kv",
			InMemory: false,
		},
		Poller: PollerConfig{
			Interval:      30 * time.Second,
			ServerTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			SessionTTL:    10 * time.Minute,
			StatsTTL:      5 * time.Minute,
			ReadBatchSize: 100,
		},
		Coordination: CoordinationConfig{
			SessionCreateTTL:         15 * time.Second,
			SessionCreateMaxAttempts: 5,
			TerminationCooldown:      60 * time.Second,
			HeavyOpPollInterval:      5 * time.Second,
			HeavyOpMaxWait:           2 * time.Hour,
			HeavyOpTTL:               6 * time.Hour,
		},
		Rules: RulesConfig{
			Enabled:               true,
			RecentHistoryWindow:   24 * time.Hour,
			RecentHistoryCap:      200,
			TrustRecoveryAmount:   1,
			TrustRecoveryInterval: 24 * time.Hour,
		},
		Import: ImportConfig{
			BatchSize:         500,
			SubmissionPerMin:  6,
			SubmissionBurst:   2,
			MaxAttempts:       3,
			StalledAfter:      5 * time.Minute,
			HeartbeatInterval: 15 * time.Second,
			RetryInitialDelay: 2 * time.Second,
			RetryMaxDelay:     time.Minute,
		},
		Ops: OpsConfig{
			Addr:              ":9090",
			RequestsPerMinute: 120,
		},
	}
}

// Load reads configuration from defaults, an optional YAML file, and the
// environment, then validates the result.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom loads configuration using the given config file path. An empty
// path skips the file layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// STREAMSENTRY_POLLER__INTERVAL -> poller.interval
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks structural constraints and cross-field rules.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Servers))
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.ID == "" {
			return fmt.Errorf("server %q: id is required", s.Name)
		}
		if !s.Kind.Valid() {
			return fmt.Errorf("server %q: unsupported kind %q", s.ID, s.Kind)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	if cfg.Import.RetryMaxDelay < cfg.Import.RetryInitialDelay {
		return fmt.Errorf("import.retry_max_delay must be >= import.retry_initial_delay")
	}
	if cfg.Import.StalledAfter <= cfg.Import.HeartbeatInterval {
		return fmt.Errorf("import.stalled_after must exceed import.heartbeat_interval")
	}

	return nil
}

// findConfigFile returns the first existing config path, honoring
// CONFIG_PATH. Returns empty when no file is present.
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
