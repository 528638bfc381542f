// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package kv owns the shared BadgerDB instance backing the active-session
// cache, the coordination primitives, and the persistent job queue.
//
// Badger gives the core what the design asks of its shared store: TTL'd
// keys, prefix scans standing in for set membership, and serializable
// transactions for atomic multi-key batches.
package kv

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/streamsentry/streamsentry/internal/logging"
)

// Options configures the store.
type Options struct {
	// Path is the on-disk directory. Ignored when InMemory is set.
	Path string

	// InMemory runs without persistence, for tests and ephemeral deploys.
	InMemory bool

	// GCInterval is how often value-log garbage collection runs.
	// Zero disables the GC loop.
	GCInterval time.Duration
}

// Store wraps a badger.DB with lifecycle management.
type Store struct {
	db       *badger.DB
	stopGC   chan struct{}
	gcDone   chan struct{}
	interval time.Duration
}

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(badgerLogger{logging.With().Str("component", "kv").Logger()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", opts.Path, err)
	}

	s := &Store{
		db:       db,
		stopGC:   make(chan struct{}),
		gcDone:   make(chan struct{}),
		interval: opts.GCInterval,
	}

	if !opts.InMemory && opts.GCInterval > 0 {
		go s.gcLoop()
	} else {
		close(s.gcDone)
	}

	return s, nil
}

// DB exposes the underlying badger handle for transaction composition.
func (s *Store) DB() *badger.DB { return s.db }

// Close stops background work and closes the database.
func (s *Store) Close() error {
	close(s.stopGC)
	<-s.gcDone
	return s.db.Close()
}

// gcLoop reclaims value-log space periodically. ErrNoRewrite is the normal
// "nothing to collect" result and is not an error.
func (s *Store) gcLoop() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// badgerLogger adapts badger's Logger interface to zerolog. Badger logs with
// trailing newlines; trim them so events stay single-line.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
