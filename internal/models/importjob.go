// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package models

import (
	"time"
)

// ImportSource identifies an external history format supported by the
// import subsystem.
type ImportSource string

const (
	// ImportSourceTautulli reads a Tautulli SQLite history database.
	ImportSourceTautulli ImportSource = "tautulli"

	// ImportSourceJellystat reads a Jellystat JSON activity export.
	ImportSourceJellystat ImportSource = "jellystat"
)

// Valid reports whether the import source is supported.
func (s ImportSource) Valid() bool {
	return s == ImportSourceTautulli || s == ImportSourceJellystat
}

// ImportJobState is the lifecycle state of an import job.
type ImportJobState string

const (
	// ImportJobQueued means the job is persisted but not yet picked up.
	// Only queued jobs may be cancelled.
	ImportJobQueued ImportJobState = "queued"

	// ImportJobWaiting means the worker holds the job but is blocked
	// waiting for the heavy-operation lock.
	ImportJobWaiting ImportJobState = "waiting"

	// ImportJobRunning means the job body is executing.
	ImportJobRunning ImportJobState = "running"

	ImportJobCompleted ImportJobState = "completed"
	ImportJobFailed    ImportJobState = "failed"
	ImportJobCancelled ImportJobState = "cancelled"

	// ImportJobDead means retries were exhausted and the job was routed to
	// the dead-letter queue for manual inspection.
	ImportJobDead ImportJobState = "dead"
)

// Terminal reports whether the state is final.
func (s ImportJobState) Terminal() bool {
	switch s {
	case ImportJobCompleted, ImportJobFailed, ImportJobCancelled, ImportJobDead:
		return true
	}
	return false
}

// ImportCounters is the full progress counter set published for real-time
// consumers alongside the coarse percent on the job record.
type ImportCounters struct {
	Fetched   int64 `json:"fetched"`
	Imported  int64 `json:"imported"`
	Updated   int64 `json:"updated"`
	Skipped   int64 `json:"skipped"`
	Duplicate int64 `json:"duplicate"`
	Errors    int64 `json:"errors"`
}

// ImportJob is a resumable bulk-history import.
type ImportJob struct {
	ID       string         `json:"id"`
	Source   ImportSource   `json:"source"`
	ServerID string         `json:"server_id"`
	Path     string         `json:"path"`
	DryRun   bool           `json:"dry_run"`
	State    ImportJobState `json:"state"`

	// Progress is a coarse percentage [0,100] maintained on the record.
	Progress float64        `json:"progress"`
	Counters ImportCounters `json:"counters"`

	// Checkpoint is the last durably processed source record id, used to
	// resume after a crash or requeue.
	Checkpoint int64 `json:"checkpoint"`

	Attempts      int        `json:"attempts"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Error         string     `json:"error,omitempty"`
}

// HeavyOperationLock describes the single cluster-wide holder of the
// heavy-operation lock. At most one instance exists at a time.
type HeavyOperationLock struct {
	HolderID    string    `json:"holder_id"`
	JobType     string    `json:"job_type"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
}
