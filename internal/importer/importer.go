// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package importer runs long, resumable, cancellable bulk imports of
// playback history from external sources (Tautulli SQLite databases and
// Jellystat JSON exports), off the interactive path.
//
// One import executes at a time: the worker is a single watermill handler
// and every run first acquires the cluster-wide heavy-operation lock.
// Progress is dual-reported: a coarse percent on the persisted job record
// and full counters on the event bus, with the latest snapshot cached for
// late subscribers. Jobs survive crashes: records live in the shared KV
// store and checkpoints allow resuming mid-source.
package importer

import (
	"context"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

// Record is one normalized history row produced by a Source. RowID is the
// source-side monotonic id used for checkpointing.
type Record struct {
	RowID          int64
	ExternalUserID string
	Username       string
	ContentID      string
	Title          string
	MediaType      string
	StartedAt      time.Time
	StoppedAt      time.Time
	DurationMs     int64
	PausedMs       int64
	ProgressMs     int64
	TotalMs        int64
	IPAddress      string
	Platform       string
	Watched        bool
}

// Source reads an external history format in checkpoint order.
type Source interface {
	Name() models.ImportSource

	// Count returns the number of rows after the checkpoint, for progress
	// percent computation.
	Count(ctx context.Context, path string, checkpoint int64) (int64, error)

	// Read streams rows with RowID > checkpoint in ascending RowID order,
	// invoking fn per batch. fn returning an error aborts the read. The
	// last element of each batch carries the new checkpoint.
	Read(ctx context.Context, path string, checkpoint int64, batchSize int, fn func(batch []Record) error) error
}
