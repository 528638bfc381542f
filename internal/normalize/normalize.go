// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package normalize maps server-specific raw session payloads into the one
// canonical NormalizedSession shape. The mapping is pure: no lookups, no
// side effects, one server at a time.
package normalize

import (
	"fmt"
	"strings"

	"github.com/streamsentry/streamsentry/internal/mediaserver"
	"github.com/streamsentry/streamsentry/internal/models"
)

// deviceFamilies is matched in order against the lowercased client
// identifier when structured platform metadata is absent or generic.
// Order matters: "android tv" must win over "android", "webos" over "web".
var deviceFamilies = []struct {
	substr string
	family string
}{
	{"ios", "iOS"},
	{"android tv", "Android TV"},
	{"androidtv", "Android TV"},
	{"android", "Android"},
	{"tizen", "Tizen"},
	{"webos", "webOS"},
	{"roku", "Roku"},
	{"tvos", "tvOS"},
	{"apple tv", "tvOS"},
	{"kodi", "Kodi"},
	{"infuse", "Infuse"},
	{"web", "Web"},
	{"chrome", "Web"},
	{"firefox", "Web"},
	{"safari", "Web"},
}

// genericPlatforms are platform values treated as absent for inference.
var genericPlatforms = map[string]struct{}{
	"":        {},
	"unknown": {},
	"generic": {},
	"other":   {},
}

// Normalizer converts raw sessions for a given server kind.
type Normalizer struct{}

// New creates a Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Sessions normalizes a raw session list fetched from one server.
// Sessions without a session key are dropped; everything else maps
// field-for-field with the preference rules below.
func (n *Normalizer) Sessions(kind models.ServerKind, raw []mediaserver.RawSession) []models.NormalizedSession {
	out := make([]models.NormalizedSession, 0, len(raw))
	for i := range raw {
		if raw[i].SessionKey == "" {
			continue
		}
		out = append(out, n.Session(kind, &raw[i]))
	}
	return out
}

// Session normalizes a single raw session.
func (n *Normalizer) Session(kind models.ServerKind, raw *mediaserver.RawSession) models.NormalizedSession {
	ns := models.NormalizedSession{
		SessionKey:      raw.SessionKey,
		ContentID:       raw.ContentID,
		ExternalUserID:  raw.UserID,
		Username:        raw.Username,
		Title:           raw.Title,
		MediaType:       raw.MediaType,
		Season:          raw.SeasonNumber,
		Episode:         raw.EpisodeNumber,
		Year:            raw.Year,
		IPAddress:       clientIP(&raw.Player),
		Platform:        platform(raw),
		State:           playbackState(raw.State),
		TotalDurationMs: raw.DurationMs,
		ProgressMs:      raw.ViewOffsetMs,
		Transcoding:     raw.Transcode != nil,
	}

	if raw.GrandparentTitle != "" {
		gp := raw.GrandparentTitle
		ns.GrandparentTitle = &gp
	}
	if art := artwork(raw); art != "" {
		ns.ArtworkPath = &art
	}
	if raw.Player.DeviceID != "" {
		id := raw.Player.DeviceID
		ns.DeviceID = &id
	}
	if raw.Player.Device != "" {
		d := raw.Player.Device
		ns.DeviceName = &d
	}
	if raw.Player.Product != "" {
		p := raw.Player.Product
		ns.Player = &p
	}

	ns.BitrateKbps, ns.Quality = quality(raw)

	return ns
}

// clientIP prefers the client-reported public address over the local network
// address when the player is not on the local network.
func clientIP(p *mediaserver.RawPlayer) string {
	if !p.Local && p.PublicAddress != "" {
		return p.PublicAddress
	}
	return p.Address
}

// artwork prefers show-level artwork over per-episode artwork for episodic
// content.
func artwork(raw *mediaserver.RawSession) string {
	if raw.MediaType == "episode" && raw.GrandparentThumb != "" {
		return raw.GrandparentThumb
	}
	return raw.Thumb
}

// platform returns the structured platform when meaningful, otherwise infers
// the device family from the client identifier.
func platform(raw *mediaserver.RawSession) string {
	p := strings.TrimSpace(raw.Player.Platform)
	if _, generic := genericPlatforms[strings.ToLower(p)]; !generic {
		return p
	}
	return inferDeviceFamily(raw.Player.Product + " " + raw.Player.Device)
}

// inferDeviceFamily matches known substrings in the client identifier.
func inferDeviceFamily(identifier string) string {
	id := strings.ToLower(identifier)
	for _, df := range deviceFamilies {
		if strings.Contains(id, df.substr) {
			return df.family
		}
	}
	return "Unknown"
}

// quality derives the bitrate and quality label: active-transcode bitrate
// wins, then source bitrate, then a transcoding/direct label.
func quality(raw *mediaserver.RawSession) (*int, string) {
	if raw.Transcode != nil && raw.Transcode.BitrateKbps > 0 {
		b := raw.Transcode.BitrateKbps
		return &b, bitrateLabel(b)
	}
	if raw.Media.BitrateKbps > 0 {
		b := raw.Media.BitrateKbps
		return &b, bitrateLabel(b)
	}
	if raw.Transcode != nil {
		return nil, "Transcoding"
	}
	return nil, "Direct Play"
}

func bitrateLabel(kbps int) string {
	if kbps >= 1000 {
		return fmt.Sprintf("%.1f Mbps", float64(kbps)/1000)
	}
	return fmt.Sprintf("%d Kbps", kbps)
}

func playbackState(state string) models.PlaybackState {
	if strings.EqualFold(state, "paused") {
		return models.StatePaused
	}
	return models.StatePlaying
}
