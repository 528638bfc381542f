// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package supervisor builds the suture supervision tree. Long-running
// services are grouped into two layers: core (poller, rule maintenance) and
// background (import worker, ops listener), so a crash loop in the import
// path never restarts the poller.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config holds failure-handling parameters shared by every layer.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig matches suture's own defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the two-layer supervision tree.
type Tree struct {
	root       *suture.Supervisor
	core       *suture.Supervisor
	background *suture.Supervisor
}

// New builds the tree. The sutureslog handler routes supervisor lifecycle
// events through the shared logger.
func New(logger *slog.Logger, cfg Config) *Tree {
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	rootSpec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New("streamsentry", rootSpec)
	core := suture.New("core", childSpec)
	background := suture.New("background", childSpec)
	root.Add(core)
	root.Add(background)

	return &Tree{root: root, core: core, background: background}
}

// AddCore supervises a service in the core layer.
func (t *Tree) AddCore(svc suture.Service) suture.ServiceToken {
	return t.core.Add(svc)
}

// AddBackground supervises a service in the background layer.
func (t *Tree) AddBackground(svc suture.Service) suture.ServiceToken {
	return t.background.Add(svc)
}

// Serve runs the tree until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
