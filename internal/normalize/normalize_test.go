// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package normalize

import (
	"testing"

	"github.com/streamsentry/streamsentry/internal/mediaserver"
	"github.com/streamsentry/streamsentry/internal/models"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		player mediaserver.RawPlayer
		want   string
	}{
		{
			name:   "remote player prefers public address",
			player: mediaserver.RawPlayer{Address: "192.168.1.50", PublicAddress: "203.0.113.7", Local: false},
			want:   "203.0.113.7",
		},
		{
			name:   "local player keeps lan address",
			player: mediaserver.RawPlayer{Address: "192.168.1.50", PublicAddress: "203.0.113.7", Local: true},
			want:   "192.168.1.50",
		},
		{
			name:   "remote without public address falls back",
			player: mediaserver.RawPlayer{Address: "198.51.100.9", Local: false},
			want:   "198.51.100.9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clientIP(&tt.player); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArtwork(t *testing.T) {
	tests := []struct {
		name string
		raw  mediaserver.RawSession
		want string
	}{
		{
			name: "episode prefers show artwork",
			raw:  mediaserver.RawSession{MediaType: "episode", Thumb: "/ep.jpg", GrandparentThumb: "/show.jpg"},
			want: "/show.jpg",
		},
		{
			name: "episode without show artwork",
			raw:  mediaserver.RawSession{MediaType: "episode", Thumb: "/ep.jpg"},
			want: "/ep.jpg",
		},
		{
			name: "movie uses own artwork",
			raw:  mediaserver.RawSession{MediaType: "movie", Thumb: "/movie.jpg", GrandparentThumb: "/other.jpg"},
			want: "/movie.jpg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := artwork(&tt.raw); got != tt.want {
				t.Errorf("artwork = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlatform(t *testing.T) {
	tests := []struct {
		name string
		raw  mediaserver.RawSession
		want string
	}{
		{
			name: "structured platform wins",
			raw:  mediaserver.RawSession{Player: mediaserver.RawPlayer{Platform: "Roku", Product: "Plex for Android"}},
			want: "Roku",
		},
		{
			name: "generic platform falls back to inference",
			raw:  mediaserver.RawSession{Player: mediaserver.RawPlayer{Platform: "unknown", Product: "Plex for Android TV"}},
			want: "Android TV",
		},
		{
			name: "android tv beats android",
			raw:  mediaserver.RawSession{Player: mediaserver.RawPlayer{Product: "AndroidTV Client"}},
			want: "Android TV",
		},
		{
			name: "webos beats web",
			raw:  mediaserver.RawSession{Player: mediaserver.RawPlayer{Product: "Jellyfin webOS"}},
			want: "webOS",
		},
		{
			name: "browser maps to web",
			raw:  mediaserver.RawSession{Player: mediaserver.RawPlayer{Product: "Plex Web", Device: "Chrome"}},
			want: "Web",
		},
		{
			name: "device name contributes",
			raw:  mediaserver.RawSession{Player: mediaserver.RawPlayer{Product: "Generic Client", Device: "Roku Ultra"}},
			want: "Roku",
		},
		{
			name: "nothing recognizable",
			raw:  mediaserver.RawSession{Player: mediaserver.RawPlayer{Product: "Mystery Box"}},
			want: "Unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := platform(&tt.raw); got != tt.want {
				t.Errorf("platform = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuality(t *testing.T) {
	tests := []struct {
		name        string
		raw         mediaserver.RawSession
		wantBitrate int // 0 means nil
		wantLabel   string
	}{
		{
			name: "transcode bitrate wins over source",
			raw: mediaserver.RawSession{
				Media:     mediaserver.RawMedia{BitrateKbps: 20000},
				Transcode: &mediaserver.RawTranscode{BitrateKbps: 4000},
			},
			wantBitrate: 4000,
			wantLabel:   "4.0 Mbps",
		},
		{
			name:        "source bitrate when direct playing",
			raw:         mediaserver.RawSession{Media: mediaserver.RawMedia{BitrateKbps: 800}},
			wantBitrate: 800,
			wantLabel:   "800 Kbps",
		},
		{
			name:      "transcoding without bitrate",
			raw:       mediaserver.RawSession{Transcode: &mediaserver.RawTranscode{}},
			wantLabel: "Transcoding",
		},
		{
			name:      "no bitrate at all",
			raw:       mediaserver.RawSession{},
			wantLabel: "Direct Play",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bitrate, label := quality(&tt.raw)
			if label != tt.wantLabel {
				t.Errorf("label = %q, want %q", label, tt.wantLabel)
			}
			if tt.wantBitrate == 0 && bitrate != nil {
				t.Errorf("bitrate = %d, want nil", *bitrate)
			}
			if tt.wantBitrate != 0 && (bitrate == nil || *bitrate != tt.wantBitrate) {
				t.Errorf("bitrate = %v, want %d", bitrate, tt.wantBitrate)
			}
		})
	}
}

func TestSessions_DropsKeylessAndMapsFields(t *testing.T) {
	n := New()
	season, episode := 2, 5

	raw := []mediaserver.RawSession{
		{}, // no session key, dropped
		{
			SessionKey:       "sk1",
			ContentID:        "c1",
			UserID:           "42",
			Username:         "alice",
			Title:            "Pilot",
			MediaType:        "episode",
			GrandparentTitle: "Some Show",
			SeasonNumber:     &season,
			EpisodeNumber:    &episode,
			State:            "Paused",
			DurationMs:       3_600_000,
			ViewOffsetMs:     1_800_000,
			Player: mediaserver.RawPlayer{
				Product:       "Plex for Roku",
				Device:        "Roku Ultra",
				DeviceID:      "dev-1",
				Address:       "192.168.1.10",
				PublicAddress: "203.0.113.7",
				Local:         false,
			},
		},
	}

	got := n.Sessions(models.ServerKindPlex, raw)
	if len(got) != 1 {
		t.Fatalf("normalized %d sessions, want 1", len(got))
	}
	ns := got[0]

	if ns.SessionKey != "sk1" || ns.ExternalUserID != "42" || ns.Username != "alice" {
		t.Errorf("identity fields: %+v", ns)
	}
	if ns.State != models.StatePaused {
		t.Errorf("state = %q, want paused", ns.State)
	}
	if ns.IPAddress != "203.0.113.7" {
		t.Errorf("ip = %q, want public address", ns.IPAddress)
	}
	if ns.Platform != "Roku" {
		t.Errorf("platform = %q, want Roku", ns.Platform)
	}
	if ns.GrandparentTitle == nil || *ns.GrandparentTitle != "Some Show" {
		t.Errorf("grandparentTitle = %v", ns.GrandparentTitle)
	}
	if ns.Season == nil || *ns.Season != 2 || ns.Episode == nil || *ns.Episode != 5 {
		t.Errorf("season/episode = %v/%v", ns.Season, ns.Episode)
	}
	if ns.TotalDurationMs != 3_600_000 || ns.ProgressMs != 1_800_000 {
		t.Errorf("durations = %d/%d", ns.TotalDurationMs, ns.ProgressMs)
	}
	if ns.Transcoding {
		t.Error("transcoding = true without a transcode session")
	}
	if ns.Quality != "Direct Play" {
		t.Errorf("quality = %q, want Direct Play", ns.Quality)
	}
}

func TestPlaybackState(t *testing.T) {
	if playbackState("paused") != models.StatePaused {
		t.Error("paused not mapped")
	}
	if playbackState("PAUSED") != models.StatePaused {
		t.Error("case-insensitive paused not mapped")
	}
	if playbackState("playing") != models.StatePlaying {
		t.Error("playing not mapped")
	}
	if playbackState("buffering") != models.StatePlaying {
		t.Error("unknown states must default to playing")
	}
}
