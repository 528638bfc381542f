// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package mediaserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/models"
)

// HTTPClient fetches active sessions over each server's native API.
// Credentials are resolved from the environment via the server's
// CredentialRef (the name of the variable holding the API token).
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient constructs the client.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		http: &http.Client{Timeout: timeout},
	}
}

// FetchActiveSessions implements Client.
func (c *HTTPClient) FetchActiveSessions(ctx context.Context, server models.ConnectedServer) ([]RawSession, error) {
	token := os.Getenv(server.CredentialRef)
	if token == "" {
		return nil, fmt.Errorf("server %s: credential %s not set", server.ID, server.CredentialRef)
	}

	switch server.Kind {
	case models.ServerKindPlex:
		return c.fetchPlex(ctx, server, token)
	case models.ServerKindJellyfin, models.ServerKindEmby:
		return c.fetchJellyfin(ctx, server, token)
	}
	return nil, fmt.Errorf("server %s: unsupported kind %q", server.ID, server.Kind)
}

// plexSessions is the JSON shape of Plex /status/sessions.
type plexSessions struct {
	MediaContainer struct {
		Metadata []struct {
			SessionKey       string `json:"sessionKey"`
			RatingKey        string `json:"ratingKey"`
			Title            string `json:"title"`
			Type             string `json:"type"`
			GrandparentTitle string `json:"grandparentTitle"`
			ParentIndex      *int   `json:"parentIndex"`
			Index            *int   `json:"index"`
			Year             *int   `json:"year"`
			Thumb            string `json:"thumb"`
			GrandparentThumb string `json:"grandparentThumb"`
			Duration         int64  `json:"duration"`
			ViewOffset       int64  `json:"viewOffset"`
			User             struct {
				ID    json.Number `json:"id"`
				Title string      `json:"title"`
			} `json:"User"`
			Player struct {
				Product             string `json:"product"`
				Platform            string `json:"platform"`
				Device              string `json:"device"`
				MachineIdentifier   string `json:"machineIdentifier"`
				Address             string `json:"address"`
				RemotePublicAddress string `json:"remotePublicAddress"`
				Local               bool   `json:"local"`
				State               string `json:"state"`
			} `json:"Player"`
			Media []struct {
				Bitrate         int    `json:"bitrate"`
				VideoResolution string `json:"videoResolution"`
			} `json:"Media"`
			TranscodeSession *struct {
				Bitrate         int    `json:"bitrate"`
				VideoResolution string `json:"videoResolution"`
			} `json:"TranscodeSession"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

func (c *HTTPClient) fetchPlex(ctx context.Context, server models.ConnectedServer, token string) ([]RawSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.BaseURL+"/status/sessions", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", token)

	var payload plexSessions
	if err := c.do(req, &payload); err != nil {
		return nil, fmt.Errorf("plex %s: %w", server.ID, err)
	}

	out := make([]RawSession, 0, len(payload.MediaContainer.Metadata))
	for _, md := range payload.MediaContainer.Metadata {
		raw := RawSession{
			SessionKey:       md.SessionKey,
			ContentID:        md.RatingKey,
			UserID:           md.User.ID.String(),
			Username:         md.User.Title,
			Title:            md.Title,
			MediaType:        md.Type,
			GrandparentTitle: md.GrandparentTitle,
			SeasonNumber:     md.ParentIndex,
			EpisodeNumber:    md.Index,
			Year:             md.Year,
			Thumb:            md.Thumb,
			GrandparentThumb: md.GrandparentThumb,
			State:            md.Player.State,
			DurationMs:       md.Duration,
			ViewOffsetMs:     md.ViewOffset,
			Player: RawPlayer{
				Product:       md.Player.Product,
				Platform:      md.Player.Platform,
				Device:        md.Player.Device,
				DeviceID:      md.Player.MachineIdentifier,
				Address:       md.Player.Address,
				PublicAddress: md.Player.RemotePublicAddress,
				Local:         md.Player.Local,
			},
		}
		if len(md.Media) > 0 {
			raw.Media = RawMedia{
				BitrateKbps:     md.Media[0].Bitrate,
				VideoResolution: md.Media[0].VideoResolution,
			}
		}
		if md.TranscodeSession != nil {
			raw.Transcode = &RawTranscode{
				BitrateKbps:     md.TranscodeSession.Bitrate,
				VideoResolution: md.TranscodeSession.VideoResolution,
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

// jellyfinSession is the JSON shape of a Jellyfin/Emby /Sessions entry.
type jellyfinSession struct {
	ID             string `json:"Id"`
	UserID         string `json:"UserId"`
	UserName       string `json:"UserName"`
	Client         string `json:"Client"`
	DeviceName     string `json:"DeviceName"`
	DeviceID       string `json:"DeviceId"`
	RemoteEndPoint string `json:"RemoteEndPoint"`

	NowPlayingItem *struct {
		ID                string `json:"Id"`
		Name              string `json:"Name"`
		Type              string `json:"Type"`
		SeriesName        string `json:"SeriesName"`
		ParentIndexNumber *int   `json:"ParentIndexNumber"`
		IndexNumber       *int   `json:"IndexNumber"`
		ProductionYear    *int   `json:"ProductionYear"`
		RunTimeTicks      int64  `json:"RunTimeTicks"`
	} `json:"NowPlayingItem"`

	PlayState *struct {
		PositionTicks int64  `json:"PositionTicks"`
		IsPaused      bool   `json:"IsPaused"`
		PlayMethod    string `json:"PlayMethod"`
	} `json:"PlayState"`
}

func (c *HTTPClient) fetchJellyfin(ctx context.Context, server models.ConnectedServer, token string) ([]RawSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.BaseURL+"/Sessions?ActiveWithinSeconds=60", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", `MediaBrowser Token="`+token+`"`)

	var sessions []jellyfinSession
	if err := c.do(req, &sessions); err != nil {
		return nil, fmt.Errorf("%s %s: %w", server.Kind, server.ID, err)
	}

	out := make([]RawSession, 0, len(sessions))
	for _, js := range sessions {
		if js.NowPlayingItem == nil {
			continue // idle session
		}
		state := "playing"
		var positionTicks int64
		transcoding := false
		if js.PlayState != nil {
			if js.PlayState.IsPaused {
				state = "paused"
			}
			positionTicks = js.PlayState.PositionTicks
			transcoding = js.PlayState.PlayMethod == "Transcode"
		}

		mediaType := js.NowPlayingItem.Type
		if mediaType == "Episode" {
			mediaType = "episode"
		}

		raw := RawSession{
			SessionKey:       js.ID,
			ContentID:        js.NowPlayingItem.ID,
			UserID:           js.UserID,
			Username:         js.UserName,
			Title:            js.NowPlayingItem.Name,
			MediaType:        mediaType,
			GrandparentTitle: js.NowPlayingItem.SeriesName,
			SeasonNumber:     js.NowPlayingItem.ParentIndexNumber,
			EpisodeNumber:    js.NowPlayingItem.IndexNumber,
			Year:             js.NowPlayingItem.ProductionYear,
			State:            state,
			DurationMs:       js.NowPlayingItem.RunTimeTicks / 10_000,
			ViewOffsetMs:     positionTicks / 10_000,
			Player: RawPlayer{
				Product:  js.Client,
				Device:   js.DeviceName,
				DeviceID: js.DeviceID,
				Address:  js.RemoteEndPoint,
			},
		}
		if transcoding {
			raw.Transcode = &RawTranscode{}
		}
		out = append(out, raw)
	}
	return out, nil
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// NopGeoResolver resolves nothing. Geo-IP lookup is a deployment concern;
// without a resolver, location-based rules simply never fire.
type NopGeoResolver struct{}

// Resolve implements GeoResolver.
func (NopGeoResolver) Resolve(context.Context, string) (*models.GeoLocation, error) {
	return nil, nil
}
