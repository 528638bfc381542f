// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package tracker

import (
	"testing"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

func TestApplyTransition_PauseAccounting(t *testing.T) {
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	sess := &models.Session{
		ID:        "s1",
		State:     models.StatePlaying,
		StartedAt: start,
	}

	// Pause at t=0.
	applyTransition(sess, &models.NormalizedSession{State: models.StatePaused}, start)
	if sess.State != models.StatePaused {
		t.Fatalf("state = %q, want paused", sess.State)
	}
	if sess.LastPausedAt == nil || !sess.LastPausedAt.Equal(start) {
		t.Fatalf("lastPausedAt = %v, want %v", sess.LastPausedAt, start)
	}
	if sess.PausedDurationMs != 0 {
		t.Fatalf("pausedDurationMs = %d, want 0 while still paused", sess.PausedDurationMs)
	}

	// Resume at t=120s: the interval closes into the accumulator.
	applyTransition(sess, &models.NormalizedSession{State: models.StatePlaying}, start.Add(120*time.Second))
	if sess.PausedDurationMs != 120000 {
		t.Fatalf("pausedDurationMs = %d, want 120000", sess.PausedDurationMs)
	}
	if sess.LastPausedAt != nil {
		t.Fatalf("lastPausedAt = %v, want nil after resume", sess.LastPausedAt)
	}

	// Stop at t=500s with no further pauses: duration excludes pause time.
	finalize(sess, start.Add(500*time.Second))
	if sess.PausedDurationMs != 120000 {
		t.Fatalf("pausedDurationMs = %d, want 120000 after stop", sess.PausedDurationMs)
	}
	if sess.DurationMs != 380000 {
		t.Fatalf("durationMs = %d, want 380000", sess.DurationMs)
	}
	if sess.State != models.StateStopped {
		t.Fatalf("state = %q, want stopped", sess.State)
	}
	if sess.StoppedAt == nil {
		t.Fatal("stoppedAt not set")
	}
}

func TestApplyTransition_RepeatedObservations(t *testing.T) {
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	sess := &models.Session{State: models.StatePlaying, StartedAt: start}

	// paused -> paused must not re-stamp lastPausedAt.
	applyTransition(sess, &models.NormalizedSession{State: models.StatePaused}, start.Add(10*time.Second))
	firstPause := *sess.LastPausedAt
	applyTransition(sess, &models.NormalizedSession{State: models.StatePaused}, start.Add(40*time.Second))
	if !sess.LastPausedAt.Equal(firstPause) {
		t.Fatalf("lastPausedAt re-stamped on paused->paused: %v", sess.LastPausedAt)
	}

	// Two pause intervals accumulate.
	applyTransition(sess, &models.NormalizedSession{State: models.StatePlaying}, start.Add(70*time.Second))
	applyTransition(sess, &models.NormalizedSession{State: models.StatePaused}, start.Add(100*time.Second))
	applyTransition(sess, &models.NormalizedSession{State: models.StatePlaying}, start.Add(130*time.Second))
	if sess.PausedDurationMs != 90000 {
		t.Fatalf("pausedDurationMs = %d, want 90000 (60s + 30s)", sess.PausedDurationMs)
	}
}

func TestFinalize_OpenPauseClosedAtStop(t *testing.T) {
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	pausedAt := start.Add(300 * time.Second)

	sess := &models.Session{
		State:        models.StatePaused,
		StartedAt:    start,
		LastPausedAt: &pausedAt,
	}
	finalize(sess, start.Add(400*time.Second))

	if sess.PausedDurationMs != 100000 {
		t.Fatalf("pausedDurationMs = %d, want 100000", sess.PausedDurationMs)
	}
	if sess.DurationMs != 300000 {
		t.Fatalf("durationMs = %d, want 300000", sess.DurationMs)
	}
}

func TestFinalize_DurationClampedAtZero(t *testing.T) {
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	sess := &models.Session{
		State:            models.StatePlaying,
		StartedAt:        start,
		PausedDurationMs: 600000, // clock skew: more pause than wall time
	}
	finalize(sess, start.Add(100*time.Second))

	if sess.DurationMs != 0 {
		t.Fatalf("durationMs = %d, want 0", sess.DurationMs)
	}
}

func TestMarkWatched(t *testing.T) {
	tests := []struct {
		name        string
		progressMs  int64
		totalMs     int64
		alreadySet  bool
		wantWatched bool
	}{
		{name: "below threshold", progressMs: 79, totalMs: 100, wantWatched: false},
		{name: "exactly at threshold", progressMs: 80, totalMs: 100, wantWatched: true},
		{name: "above threshold", progressMs: 99, totalMs: 100, wantWatched: true},
		{name: "unknown total", progressMs: 5000, totalMs: 0, wantWatched: false},
		{name: "monotonic once set", progressMs: 0, totalMs: 100, alreadySet: true, wantWatched: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &models.Session{
				ProgressMs:      tt.progressMs,
				TotalDurationMs: tt.totalMs,
				Watched:         tt.alreadySet,
			}
			markWatched(sess)
			if sess.Watched != tt.wantWatched {
				t.Errorf("watched = %v, want %v", sess.Watched, tt.wantWatched)
			}
		})
	}
}

func TestApplyTransition_ProgressAndFields(t *testing.T) {
	sess := &models.Session{
		State:           models.StatePlaying,
		TotalDurationMs: 7200000,
		IPAddress:       "203.0.113.9",
	}
	bitrate := 4000

	applyTransition(sess, &models.NormalizedSession{
		State:       models.StatePlaying,
		ProgressMs:  6000000,
		IPAddress:   "", // missing upstream, must not clobber
		Quality:     "1080p",
		BitrateKbps: &bitrate,
		Transcoding: true,
	}, time.Now())

	if sess.ProgressMs != 6000000 {
		t.Errorf("progressMs = %d, want 6000000", sess.ProgressMs)
	}
	if sess.IPAddress != "203.0.113.9" {
		t.Errorf("ipAddress = %q, want preserved original", sess.IPAddress)
	}
	if !sess.Watched {
		t.Error("watched not flipped at 6000000/7200000")
	}
	if sess.Quality != "1080p" || !sess.Transcoding {
		t.Errorf("quality/transcoding not copied: %q %v", sess.Quality, sess.Transcoding)
	}
}

func TestDiffSessions(t *testing.T) {
	known := map[string]models.Session{
		"a": {ID: "sa", SessionKey: "a"},
		"b": {ID: "sb", SessionKey: "b"},
	}
	current := []models.NormalizedSession{
		{SessionKey: "b"},
		{SessionKey: "c"},
	}

	added, continuing, disappeared := diffSessions(known, current)

	if len(added) != 1 || added[0].SessionKey != "c" {
		t.Errorf("added = %v, want [c]", added)
	}
	if len(continuing) != 1 || continuing[0].SessionKey != "b" {
		t.Errorf("continuing = %v, want [b]", continuing)
	}
	if len(disappeared) != 1 || disappeared[0].SessionKey != "a" {
		t.Errorf("disappeared = %v, want [a]", disappeared)
	}
}

func TestDiffSessions_Empty(t *testing.T) {
	added, continuing, disappeared := diffSessions(nil, nil)
	if len(added)+len(continuing)+len(disappeared) != 0 {
		t.Fatalf("expected all empty, got %v %v %v", added, continuing, disappeared)
	}
}
