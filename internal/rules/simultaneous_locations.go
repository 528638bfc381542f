// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package rules

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/models"
)

// SimultaneousLocationsParams configures the simultaneous-locations detector.
type SimultaneousLocationsParams struct {
	// MinDistanceKm is the minimum separation between two concurrently
	// active locations to trigger. Below it, two locations are treated as
	// the same household.
	MinDistanceKm float64 `json:"min_distance_km"`
}

func defaultSimultaneousLocationsParams() SimultaneousLocationsParams {
	return SimultaneousLocationsParams{MinDistanceKm: 50}
}

// SimultaneousLocationsDetector flags a single account streaming from two
// distant locations at the same time. Unlike impossible travel, both
// sessions are active concurrently, so no speed calculation applies.
type SimultaneousLocationsDetector struct{}

func (SimultaneousLocationsDetector) Type() models.RuleType {
	return models.RuleTypeSimultaneousLocations
}

func (SimultaneousLocationsDetector) Check(_ context.Context, params json.RawMessage, in *Input) (*Verdict, error) {
	cfg := defaultSimultaneousLocationsParams()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, fmt.Errorf("simultaneous_locations params: %w", err)
	}

	sess := in.Session
	if unknownLocation(sess.Latitude, sess.Longitude) {
		return nil, nil
	}

	for i := range in.Active {
		other := &in.Active[i]
		if unknownLocation(other.Latitude, other.Longitude) {
			continue
		}
		distanceKm := haversineKm(sess.Latitude, sess.Longitude, other.Latitude, other.Longitude)
		if distanceKm < cfg.MinDistanceKm {
			continue
		}

		data, err := json.Marshal(map[string]interface{}{
			"location_a":       formatLocation(sess.City, sess.Country),
			"location_b":       formatLocation(other.City, other.Country),
			"distance_km":      round2(distanceKm),
			"other_session_id": other.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal simultaneous_locations data: %w", err)
		}

		return &Verdict{
			Severity: models.SeverityHigh,
			Message: fmt.Sprintf("streaming simultaneously from %s and %s (%.0f km apart)",
				formatLocation(sess.City, sess.Country),
				formatLocation(other.City, other.Country),
				distanceKm),
			Data: data,
		}, nil
	}

	return nil, nil
}
