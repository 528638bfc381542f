// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package importer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/models"
)

// jellystatActivity is one row of a Jellystat playback-activity export.
// Durations are seconds; timestamps are RFC3339.
type jellystatActivity struct {
	UserID           string  `json:"UserId"`
	UserName         string  `json:"UserName"`
	ItemID           string  `json:"NowPlayingItemId"`
	ItemName         string  `json:"NowPlayingItemName"`
	MediaType        string  `json:"PlaybackType,omitempty"`
	Client           string  `json:"Client,omitempty"`
	RemoteAddress    string  `json:"RemoteEndPoint,omitempty"`
	PlaybackDuration int64   `json:"PlaybackDuration"`
	RuntimeTicks     int64   `json:"RunTimeTicks,omitempty"`
	PercentComplete  float64 `json:"PercentComplete,omitempty"`
	DateInserted     string  `json:"ActivityDateInserted"`
}

// JellystatSource streams a Jellystat JSON activity export. The file is a
// single JSON array; the decoder reads it element by element so multi-GB
// exports never load whole. The checkpoint is the 1-based array ordinal.
type JellystatSource struct{}

// NewJellystatSource constructs the source.
func NewJellystatSource() *JellystatSource { return &JellystatSource{} }

func (s *JellystatSource) Name() models.ImportSource { return models.ImportSourceJellystat }

func (s *JellystatSource) Count(ctx context.Context, path string, checkpoint int64) (int64, error) {
	var count int64
	err := s.stream(ctx, path, checkpoint, func(Record) error {
		count++
		return nil
	})
	return count, err
}

func (s *JellystatSource) Read(ctx context.Context, path string, checkpoint int64, batchSize int, fn func(batch []Record) error) error {
	batch := make([]Record, 0, batchSize)
	err := s.stream(ctx, path, checkpoint, func(rec Record) error {
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func (s *JellystatSource) stream(ctx context.Context, path string, checkpoint int64, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open jellystat export: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if _, err := dec.Token(); err != nil { // opening '['
		return fmt.Errorf("jellystat export is not a JSON array: %w", err)
	}

	var ordinal int64
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var act jellystatActivity
		if err := dec.Decode(&act); err != nil {
			return fmt.Errorf("decode jellystat row %d: %w", ordinal+1, err)
		}
		ordinal++
		if ordinal <= checkpoint {
			continue
		}
		if err := fn(activityToRecord(ordinal, &act)); err != nil {
			return err
		}
	}
	return nil
}

func activityToRecord(ordinal int64, act *jellystatActivity) Record {
	rec := Record{
		RowID:          ordinal,
		ExternalUserID: act.UserID,
		Username:       act.UserName,
		ContentID:      act.ItemID,
		Title:          act.ItemName,
		MediaType:      act.MediaType,
		Platform:       act.Client,
		IPAddress:      act.RemoteAddress,
		DurationMs:     act.PlaybackDuration * 1000,
	}
	if ts, err := time.Parse(time.RFC3339, act.DateInserted); err == nil {
		rec.StartedAt = ts.UTC()
		rec.StoppedAt = rec.StartedAt.Add(time.Duration(rec.DurationMs) * time.Millisecond)
	}
	if act.RuntimeTicks > 0 {
		// Jellyfin ticks are 100ns units.
		rec.TotalMs = act.RuntimeTicks / 10_000
	}
	if rec.TotalMs > 0 {
		if act.PercentComplete > 0 {
			rec.ProgressMs = int64(act.PercentComplete / 100 * float64(rec.TotalMs))
		} else if rec.DurationMs > 0 {
			rec.ProgressMs = min64(rec.DurationMs, rec.TotalMs)
		}
		rec.Watched = float64(rec.ProgressMs)/float64(rec.TotalMs) >= models.WatchedThreshold
	}
	return rec
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
