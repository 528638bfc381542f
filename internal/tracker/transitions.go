// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package tracker

import (
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

// applyTransition folds one observation of a still-active session into its
// persisted state. Pure: callers persist and cache the result.
//
// Pause accounting: playing -> paused stamps lastPausedAt; paused -> playing
// closes the interval into pausedDurationMs, which only ever grows. The
// watched flag flips at the threshold and never back.
func applyTransition(sess *models.Session, ns *models.NormalizedSession, now time.Time) {
	switch {
	case sess.State == models.StatePlaying && ns.State == models.StatePaused:
		t := now
		sess.LastPausedAt = &t
	case sess.State == models.StatePaused && ns.State == models.StatePlaying:
		if sess.LastPausedAt != nil {
			sess.PausedDurationMs += now.Sub(*sess.LastPausedAt).Milliseconds()
			sess.LastPausedAt = nil
		}
	}
	sess.State = ns.State

	sess.ProgressMs = ns.ProgressMs
	if ns.TotalDurationMs > 0 {
		sess.TotalDurationMs = ns.TotalDurationMs
	}
	if ns.IPAddress != "" {
		sess.IPAddress = ns.IPAddress
	}
	sess.Quality = ns.Quality
	sess.BitrateKbps = ns.BitrateKbps
	sess.Transcoding = ns.Transcoding

	markWatched(sess)
}

// finalize stops a session that disappeared from the upstream active list.
// A pause still open at stop is closed into the accumulator first; the final
// duration excludes all pause time and is clamped at zero.
func finalize(sess *models.Session, now time.Time) {
	if sess.LastPausedAt != nil {
		sess.PausedDurationMs += now.Sub(*sess.LastPausedAt).Milliseconds()
		sess.LastPausedAt = nil
	}

	duration := now.Sub(sess.StartedAt).Milliseconds() - sess.PausedDurationMs
	if duration < 0 {
		duration = 0
	}
	sess.DurationMs = duration

	t := now
	sess.StoppedAt = &t
	sess.State = models.StateStopped

	markWatched(sess)
}

// markWatched flips the watched flag at the completion threshold. Monotonic:
// never cleared once set.
func markWatched(sess *models.Session) {
	if !sess.Watched && sess.ProgressRatio() >= models.WatchedThreshold {
		sess.Watched = true
	}
}

// diffSessions splits the current observation against the known active set
// into new, continuing and disappeared.
func diffSessions(known map[string]models.Session, current []models.NormalizedSession) (
	added []models.NormalizedSession,
	continuing []models.NormalizedSession,
	disappeared []models.Session,
) {
	seen := make(map[string]struct{}, len(current))
	for i := range current {
		key := current[i].SessionKey
		seen[key] = struct{}{}
		if _, ok := known[key]; ok {
			continuing = append(continuing, current[i])
		} else {
			added = append(added, current[i])
		}
	}
	for key, sess := range known {
		if _, ok := seen[key]; !ok {
			disappeared = append(disappeared, sess)
		}
	}
	return added, continuing, disappeared
}
