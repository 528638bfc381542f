// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log config = %+v", cfg.Log)
	}
	if cfg.Poller.Interval != 30*time.Second {
		t.Errorf("poller interval = %v, want 30s", cfg.Poller.Interval)
	}
	if cfg.Cache.SessionTTL != 10*time.Minute {
		t.Errorf("session ttl = %v, want 10m", cfg.Cache.SessionTTL)
	}
	if cfg.Coordination.SessionCreateMaxAttempts != 5 {
		t.Errorf("create max attempts = %d, want 5", cfg.Coordination.SessionCreateMaxAttempts)
	}
	if !cfg.Rules.Enabled || cfg.Rules.RecentHistoryWindow != 24*time.Hour {
		t.Errorf("rules config = %+v", cfg.Rules)
	}
	if cfg.Import.BatchSize != 500 || cfg.Import.MaxAttempts != 3 {
		t.Errorf("import config = %+v", cfg.Import)
	}
}

func TestLoadFrom_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
log:
  level: debug
poller:
  interval: 10s
servers:
  - id: plex-main
    name: Main Plex
    kind: plex
    base_url: http://plex:32400
    credential_ref: PLEX_TOKEN
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Poller.Interval != 10*time.Second {
		t.Errorf("poller interval = %v, want 10s", cfg.Poller.Interval)
	}
	// Untouched keys keep their defaults.
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q, want json default", cfg.Log.Format)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Kind != models.ServerKindPlex {
		t.Errorf("servers = %+v", cfg.Servers)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("STREAMSENTRY_LOG__LEVEL", "warn")
	t.Setenv("STREAMSENTRY_POLLER__INTERVAL", "45s")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn from env", cfg.Log.Level)
	}
	if cfg.Poller.Interval != 45*time.Second {
		t.Errorf("poller interval = %v, want 45s from env", cfg.Poller.Interval)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return defaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "invalid configuration",
		},
		{
			name:    "poll interval too short",
			mutate:  func(c *Config) { c.Poller.Interval = time.Second },
			wantErr: "invalid configuration",
		},
		{
			name: "server without id",
			mutate: func(c *Config) {
				c.Servers = []models.ConnectedServer{{Name: "x", Kind: models.ServerKindPlex}}
			},
			wantErr: "id is required",
		},
		{
			name: "unsupported server kind",
			mutate: func(c *Config) {
				c.Servers = []models.ConnectedServer{{ID: "a", Kind: "kodi"}}
			},
			wantErr: "unsupported kind",
		},
		{
			name: "duplicate server ids",
			mutate: func(c *Config) {
				c.Servers = []models.ConnectedServer{
					{ID: "a", Kind: models.ServerKindPlex},
					{ID: "a", Kind: models.ServerKindEmby},
				}
			},
			wantErr: "duplicate server id",
		},
		{
			name:    "retry max below initial",
			mutate:  func(c *Config) { c.Import.RetryMaxDelay = time.Second; c.Import.RetryInitialDelay = time.Minute },
			wantErr: "retry_max_delay",
		},
		{
			name:    "stall threshold below heartbeat",
			mutate:  func(c *Config) { c.Import.StalledAfter = c.Import.HeartbeatInterval },
			wantErr: "stalled_after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
