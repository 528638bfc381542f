// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package models

import "testing"

func TestSession_ProgressRatio(t *testing.T) {
	tests := []struct {
		name     string
		progress int64
		total    int64
		want     float64
	}{
		{name: "halfway", progress: 50, total: 100, want: 0.5},
		{name: "at watched threshold", progress: 80, total: 100, want: 0.8},
		{name: "unknown total", progress: 50, total: 0, want: 0},
		{name: "negative total", progress: 50, total: -1, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{ProgressMs: tt.progress, TotalDurationMs: tt.total}
			if got := s.ProgressRatio(); got != tt.want {
				t.Errorf("ProgressRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_ChainOrigin(t *testing.T) {
	origin := "first-session"

	linked := &Session{ID: "third", ReferenceID: &origin}
	if got := linked.ChainOrigin(); got != "first-session" {
		t.Errorf("ChainOrigin() = %q, want the chain origin", got)
	}

	fresh := &Session{ID: "solo"}
	if got := fresh.ChainOrigin(); got != "solo" {
		t.Errorf("ChainOrigin() = %q, want own id", got)
	}

	empty := ""
	blankRef := &Session{ID: "s", ReferenceID: &empty}
	if got := blankRef.ChainOrigin(); got != "s" {
		t.Errorf("ChainOrigin() with blank ref = %q, want own id", got)
	}
}

func TestSeverity_Penalty(t *testing.T) {
	tests := []struct {
		severity Severity
		want     int
	}{
		{SeverityHigh, 20},
		{SeverityWarning, 10},
		{SeverityLow, 5},
		{Severity("unexpected"), 5},
	}
	for _, tt := range tests {
		if got := tt.severity.Penalty(); got != tt.want {
			t.Errorf("%q.Penalty() = %d, want %d", tt.severity, got, tt.want)
		}
	}
}

func TestRule_AppliesTo(t *testing.T) {
	global := &Rule{}
	if !global.AppliesTo("anyone") {
		t.Error("global rule must apply to every user")
	}

	target := "u1"
	scoped := &Rule{UserID: &target}
	if !scoped.AppliesTo("u1") {
		t.Error("scoped rule must apply to its user")
	}
	if scoped.AppliesTo("u2") {
		t.Error("scoped rule applied to another user")
	}
}

func TestImportJobState_Terminal(t *testing.T) {
	terminal := []ImportJobState{ImportJobCompleted, ImportJobFailed, ImportJobCancelled, ImportJobDead}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", s)
		}
	}
	live := []ImportJobState{ImportJobQueued, ImportJobWaiting, ImportJobRunning}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}

func TestImportSource_Valid(t *testing.T) {
	if !ImportSourceTautulli.Valid() || !ImportSourceJellystat.Valid() {
		t.Error("supported sources reported invalid")
	}
	if ImportSource("plexwatch").Valid() {
		t.Error("unknown source reported valid")
	}
}

func TestServerKind_Valid(t *testing.T) {
	for _, k := range []ServerKind{ServerKindPlex, ServerKindJellyfin, ServerKindEmby} {
		if !k.Valid() {
			t.Errorf("%q.Valid() = false", k)
		}
	}
	if ServerKind("kodi").Valid() {
		t.Error("unsupported kind reported valid")
	}
}
