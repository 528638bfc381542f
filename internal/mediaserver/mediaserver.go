// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package mediaserver defines the capabilities StreamSentry consumes from
// the media-server HTTP clients and the geo-IP resolver. The concrete
// Plex/Jellyfin/Emby clients live outside the core; the poller only needs
// "fetch current sessions for server X" and "resolve IP to location".
package mediaserver

import (
	"context"

	"github.com/streamsentry/streamsentry/internal/models"
)

// RawSession is the server-specific session payload as delivered by a media
// server client, before normalization. Field population varies by server
// kind; absent values are zero.
type RawSession struct {
	SessionKey       string `json:"session_key"`
	ContentID        string `json:"content_id"`
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	Title            string `json:"title"`
	MediaType        string `json:"media_type"`
	GrandparentTitle string `json:"grandparent_title,omitempty"`
	SeasonNumber     *int   `json:"season_number,omitempty"`
	EpisodeNumber    *int   `json:"episode_number,omitempty"`
	Year             *int   `json:"year,omitempty"`
	Thumb            string `json:"thumb,omitempty"`
	GrandparentThumb string `json:"grandparent_thumb,omitempty"`
	State            string `json:"state"`
	DurationMs       int64  `json:"duration_ms"`
	ViewOffsetMs     int64  `json:"view_offset_ms"`

	Player    RawPlayer     `json:"player"`
	Media     RawMedia      `json:"media"`
	Transcode *RawTranscode `json:"transcode,omitempty"`
}

// RawPlayer carries network and device information for the playing client.
type RawPlayer struct {
	// Product is the client identifier, e.g. "Plex for Android (TV)".
	Product       string `json:"product"`
	Platform      string `json:"platform,omitempty"`
	Device        string `json:"device,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	Address       string `json:"address"`
	PublicAddress string `json:"public_address,omitempty"`
	Local         bool   `json:"local"`
}

// RawMedia carries source stream properties.
type RawMedia struct {
	BitrateKbps     int    `json:"bitrate_kbps,omitempty"`
	VideoResolution string `json:"video_resolution,omitempty"`
}

// RawTranscode is present only while the server is actively transcoding.
type RawTranscode struct {
	BitrateKbps     int    `json:"bitrate_kbps,omitempty"`
	VideoResolution string `json:"video_resolution,omitempty"`
}

// Client fetches the current active sessions from one media server.
// Implementations are expected to apply their own request timeouts; the
// poller additionally bounds each call with a per-server context deadline.
type Client interface {
	FetchActiveSessions(ctx context.Context, server models.ConnectedServer) ([]RawSession, error)
}

// GeoResolver maps an IP address to a geographic location. A nil location
// with nil error means the address could not be resolved.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (*models.GeoLocation, error)
}
