// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package mediaserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

const plexSessionsBody = `{
  "MediaContainer": {
    "Metadata": [
      {
        "sessionKey": "42",
        "ratingKey": "movie-9",
        "title": "The Long Voyage",
        "type": "movie",
        "year": 2024,
        "thumb": "/library/metadata/9/thumb",
        "duration": 7200000,
        "viewOffset": 1800000,
        "User": {"id": 7, "title": "alice"},
        "Player": {
          "product": "Plex for Roku",
          "platform": "Roku",
          "device": "Roku Ultra",
          "machineIdentifier": "roku-1",
          "address": "192.168.1.50",
          "remotePublicAddress": "203.0.113.9",
          "local": false,
          "state": "playing"
        },
        "Media": [{"bitrate": 20000, "videoResolution": "4k"}],
        "TranscodeSession": {"bitrate": 4000, "videoResolution": "1080"}
      }
    ]
  }
}`

const jellyfinSessionsBody = `[
  {
    "Id": "jf-session-1",
    "UserId": "u-9",
    "UserName": "bob",
    "Client": "Jellyfin Web",
    "DeviceName": "Firefox",
    "DeviceId": "ff-1",
    "RemoteEndPoint": "198.51.100.4",
    "NowPlayingItem": {
      "Id": "ep-3",
      "Name": "Pilot",
      "Type": "Episode",
      "SeriesName": "Harbor Lights",
      "ParentIndexNumber": 1,
      "IndexNumber": 3,
      "RunTimeTicks": 36000000000
    },
    "PlayState": {"PositionTicks": 9000000000, "IsPaused": true, "PlayMethod": "Transcode"}
  },
  {
    "Id": "jf-idle",
    "UserId": "u-9",
    "UserName": "bob"
  }
]`

func TestFetchActiveSessions_Plex(t *testing.T) {
	var gotToken, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Plex-Token")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(plexSessionsBody))
	}))
	t.Cleanup(ts.Close)
	t.Setenv("PLEX_TOKEN", "secret-token")

	client := NewHTTPClient(5 * time.Second)
	sessions, err := client.FetchActiveSessions(context.Background(), models.ConnectedServer{
		ID:            "srv1",
		Kind:          models.ServerKindPlex,
		BaseURL:       ts.URL,
		CredentialRef: "PLEX_TOKEN",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotToken != "secret-token" || gotPath != "/status/sessions" {
		t.Errorf("request token=%q path=%q", gotToken, gotPath)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}

	s := sessions[0]
	if s.SessionKey != "42" || s.ContentID != "movie-9" || s.UserID != "7" || s.Username != "alice" {
		t.Errorf("identity fields = %+v", s)
	}
	if s.State != "playing" || s.DurationMs != 7_200_000 || s.ViewOffsetMs != 1_800_000 {
		t.Errorf("playback fields = %+v", s)
	}
	if s.Player.PublicAddress != "203.0.113.9" || s.Player.Local {
		t.Errorf("player = %+v", s.Player)
	}
	if s.Media.BitrateKbps != 20000 {
		t.Errorf("media bitrate = %d", s.Media.BitrateKbps)
	}
	if s.Transcode == nil || s.Transcode.BitrateKbps != 4000 {
		t.Errorf("transcode = %+v", s.Transcode)
	}
}

func TestFetchActiveSessions_Jellyfin(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.Contains(auth, `Token="jf-secret"`) {
			t.Errorf("authorization header = %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(jellyfinSessionsBody))
	}))
	t.Cleanup(ts.Close)
	t.Setenv("JELLYFIN_TOKEN", "jf-secret")

	client := NewHTTPClient(5 * time.Second)
	sessions, err := client.FetchActiveSessions(context.Background(), models.ConnectedServer{
		ID:            "srv2",
		Kind:          models.ServerKindJellyfin,
		BaseURL:       ts.URL,
		CredentialRef: "JELLYFIN_TOKEN",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// The idle session without a playing item is dropped.
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}

	s := sessions[0]
	if s.SessionKey != "jf-session-1" || s.ContentID != "ep-3" || s.Username != "bob" {
		t.Errorf("identity fields = %+v", s)
	}
	if s.State != "paused" {
		t.Errorf("state = %q, want paused", s.State)
	}
	// Ticks are 100ns units: 36e9 ticks is one hour.
	if s.DurationMs != 3_600_000 || s.ViewOffsetMs != 900_000 {
		t.Errorf("duration=%d offset=%d", s.DurationMs, s.ViewOffsetMs)
	}
	if s.MediaType != "episode" || s.GrandparentTitle != "Harbor Lights" {
		t.Errorf("media fields = %+v", s)
	}
	if s.SeasonNumber == nil || *s.SeasonNumber != 1 || s.EpisodeNumber == nil || *s.EpisodeNumber != 3 {
		t.Errorf("season/episode = %v/%v", s.SeasonNumber, s.EpisodeNumber)
	}
	if s.Transcode == nil {
		t.Error("transcoding session must carry a transcode marker")
	}
}

func TestFetchActiveSessions_MissingCredential(t *testing.T) {
	client := NewHTTPClient(time.Second)
	_, err := client.FetchActiveSessions(context.Background(), models.ConnectedServer{
		ID:            "srv1",
		Kind:          models.ServerKindPlex,
		CredentialRef: "STREAMSENTRY_TEST_UNSET_TOKEN",
	})
	if err == nil || !strings.Contains(err.Error(), "credential") {
		t.Fatalf("err = %v, want missing credential", err)
	}
}

func TestFetchActiveSessions_UpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)
	t.Setenv("PLEX_TOKEN", "stale")

	client := NewHTTPClient(time.Second)
	_, err := client.FetchActiveSessions(context.Background(), models.ConnectedServer{
		ID:            "srv1",
		Kind:          models.ServerKindPlex,
		BaseURL:       ts.URL,
		CredentialRef: "PLEX_TOKEN",
	})
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("err = %v, want status 401", err)
	}
}

func TestFetchActiveSessions_UnsupportedKind(t *testing.T) {
	t.Setenv("SOME_TOKEN", "x")
	client := NewHTTPClient(time.Second)
	_, err := client.FetchActiveSessions(context.Background(), models.ConnectedServer{
		ID:            "srv1",
		Kind:          models.ServerKind("kodi"),
		CredentialRef: "SOME_TOKEN",
	})
	if err == nil || !strings.Contains(err.Error(), "unsupported kind") {
		t.Fatalf("err = %v, want unsupported kind", err)
	}
}
