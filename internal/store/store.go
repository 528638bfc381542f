// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package store is the durable relational layer: users, sessions, rules and
// violations live in an embedded DuckDB database. The active-session cache
// serves reads of in-flight sessions; the store is the system of record.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/streamsentry/streamsentry/internal/logging"
)

// Config configures the embedded database.
type Config struct {
	// Path is the database file. Empty means in-memory, for tests.
	Path string

	// MaxMemory caps DuckDB's memory use, e.g. "512MB". Empty leaves the
	// engine default.
	MaxMemory string

	// Threads caps DuckDB's worker threads. Zero leaves the engine default.
	Threads int
}

// Store wraps the database handle and query layer.
type Store struct {
	db *sql.DB
}

// Open opens the database, applies pragmas and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %q: %w", cfg.Path, err)
	}
	// DuckDB is embedded; a single connection avoids write contention across
	// the pool while still allowing concurrent reads inside the engine.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db}
	if err := s.applyPragmas(ctx, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("store opened")
	return s, nil
}

// DB exposes the raw handle. The importer uses it to attach external SQLite
// databases via DuckDB's sqlite extension.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) applyPragmas(ctx context.Context, cfg Config) error {
	if cfg.MaxMemory != "" {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("SET memory_limit = '%s'", cfg.MaxMemory)); err != nil {
			return fmt.Errorf("set memory_limit: %w", err)
		}
	}
	if cfg.Threads > 0 {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("SET threads = %d", cfg.Threads)); err != nil {
			return fmt.Errorf("set threads: %w", err)
		}
	}
	return nil
}

// migrate creates the schema. Statements are idempotent so startup after a
// crash is safe.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR PRIMARY KEY,
			server_id VARCHAR NOT NULL,
			external_id VARCHAR NOT NULL,
			username VARCHAR NOT NULL,
			avatar_url VARCHAR,
			trust_score INTEGER NOT NULL DEFAULT 100,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (server_id, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR PRIMARY KEY,
			server_id VARCHAR NOT NULL,
			user_id VARCHAR NOT NULL,
			session_key VARCHAR NOT NULL,
			content_id VARCHAR NOT NULL,
			state VARCHAR NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			total_duration_ms BIGINT NOT NULL DEFAULT 0,
			progress_ms BIGINT NOT NULL DEFAULT 0,
			last_paused_at TIMESTAMP,
			paused_duration_ms BIGINT NOT NULL DEFAULT 0,
			reference_id VARCHAR,
			watched BOOLEAN NOT NULL DEFAULT FALSE,
			title VARCHAR NOT NULL,
			media_type VARCHAR NOT NULL,
			grandparent_title VARCHAR,
			season INTEGER,
			episode INTEGER,
			year INTEGER,
			artwork_path VARCHAR,
			ip_address VARCHAR NOT NULL,
			device_id VARCHAR,
			device_name VARCHAR,
			platform VARCHAR NOT NULL,
			player VARCHAR,
			quality VARCHAR NOT NULL,
			bitrate_kbps INTEGER,
			transcoding BOOLEAN NOT NULL DEFAULT FALSE,
			latitude DOUBLE NOT NULL DEFAULT 0,
			longitude DOUBLE NOT NULL DEFAULT 0,
			city VARCHAR NOT NULL DEFAULT '',
			country VARCHAR NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_server_key ON sessions (server_id, session_key)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_started ON sessions (user_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_content ON sessions (user_id, content_id, stopped_at)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id VARCHAR PRIMARY KEY,
			rule_type VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			user_id VARCHAR,
			params VARCHAR NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS violations (
			id VARCHAR PRIMARY KEY,
			rule_id VARCHAR NOT NULL,
			rule_type VARCHAR NOT NULL,
			user_id VARCHAR NOT NULL,
			session_id VARCHAR NOT NULL,
			severity VARCHAR NOT NULL,
			message VARCHAR NOT NULL,
			data VARCHAR,
			acknowledged_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_user ON violations (user_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// now returns the timestamp used for all writes, truncated to avoid
// sub-microsecond drift across the TIMESTAMP round-trip.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
