// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package models

import (
	"time"
)

// PlaybackState is the lifecycle state of a tracked session.
// "stopped" is terminal; a stopped session is never mutated again except
// for out-of-scope acknowledgment-style reads.
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
	StateStopped PlaybackState = "stopped"
)

// NormalizedSession is the canonical per-poll-cycle shape produced by the
// normalizer from server-specific raw payloads. It is ephemeral and never
// persisted directly.
//
// Missing optional fields are nil, never fabricated.
type NormalizedSession struct {
	SessionKey       string        `json:"session_key"`
	ContentID        string        `json:"content_id"`
	ExternalUserID   string        `json:"external_user_id"`
	Username         string        `json:"username"`
	Title            string        `json:"title"`
	MediaType        string        `json:"media_type"`
	GrandparentTitle *string       `json:"grandparent_title,omitempty"`
	Season           *int          `json:"season,omitempty"`
	Episode          *int          `json:"episode,omitempty"`
	Year             *int          `json:"year,omitempty"`
	ArtworkPath      *string       `json:"artwork_path,omitempty"`
	IPAddress        string        `json:"ip_address"`
	DeviceID         *string       `json:"device_id,omitempty"`
	DeviceName       *string       `json:"device_name,omitempty"`
	Platform         string        `json:"platform"`
	Player           *string       `json:"player,omitempty"`
	Quality          string        `json:"quality"`
	BitrateKbps      *int          `json:"bitrate_kbps,omitempty"`
	Transcoding      bool          `json:"transcoding"`
	State            PlaybackState `json:"state"`
	TotalDurationMs  int64         `json:"total_duration_ms"`
	ProgressMs       int64         `json:"progress_ms"`
}

// Session is a persisted playback session, tracked start to stop.
//
// Invariants:
//   - PausedDurationMs only increases.
//   - Watched only transitions false -> true.
//   - DurationMs is written exactly once, at stop, and excludes pause time.
//   - ReferenceID points at the earliest session of a resume chain.
type Session struct {
	ID               string        `json:"id"`
	ServerID         string        `json:"server_id"`
	UserID           string        `json:"user_id"`
	SessionKey       string        `json:"session_key"`
	ContentID        string        `json:"content_id"`
	State            PlaybackState `json:"state"`
	StartedAt        time.Time     `json:"started_at"`
	StoppedAt        *time.Time    `json:"stopped_at,omitempty"`
	DurationMs       int64         `json:"duration_ms"`
	TotalDurationMs  int64         `json:"total_duration_ms"`
	ProgressMs       int64         `json:"progress_ms"`
	LastPausedAt     *time.Time    `json:"last_paused_at,omitempty"`
	PausedDurationMs int64         `json:"paused_duration_ms"`
	ReferenceID      *string       `json:"reference_id,omitempty"`
	Watched          bool          `json:"watched"`

	Title            string  `json:"title"`
	MediaType        string  `json:"media_type"`
	GrandparentTitle *string `json:"grandparent_title,omitempty"`
	Season           *int    `json:"season,omitempty"`
	Episode          *int    `json:"episode,omitempty"`
	Year             *int    `json:"year,omitempty"`
	ArtworkPath      *string `json:"artwork_path,omitempty"`

	IPAddress   string  `json:"ip_address"`
	DeviceID    *string `json:"device_id,omitempty"`
	DeviceName  *string `json:"device_name,omitempty"`
	Platform    string  `json:"platform"`
	Player      *string `json:"player,omitempty"`
	Quality     string  `json:"quality"`
	BitrateKbps *int    `json:"bitrate_kbps,omitempty"`
	Transcoding bool    `json:"transcoding"`

	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
}

// WatchedThreshold is the progress ratio at which a session counts as watched.
const WatchedThreshold = 0.8

// ProgressRatio returns progress/totalDuration, or 0 when the total duration
// is unknown.
func (s *Session) ProgressRatio() float64 {
	if s.TotalDurationMs <= 0 {
		return 0
	}
	return float64(s.ProgressMs) / float64(s.TotalDurationMs)
}

// ChainOrigin returns the id of the resume chain this session belongs to:
// its ReferenceID when linked, otherwise its own id.
func (s *Session) ChainOrigin() string {
	if s.ReferenceID != nil && *s.ReferenceID != "" {
		return *s.ReferenceID
	}
	return s.ID
}

// User is a media-server account seen by the core. Users are created lazily
// on the first session observed for an external id; TrustScore is mutated
// only by violation processing and the recovery scheduler, clamped [0,100].
type User struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	ExternalID string    `json:"external_id"`
	Username   string    `json:"username"`
	AvatarURL  *string   `json:"avatar_url,omitempty"`
	TrustScore int       `json:"trust_score"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InitialTrustScore is assigned to newly created users.
const InitialTrustScore = 100
