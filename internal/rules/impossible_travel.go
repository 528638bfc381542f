// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/models"
)

// ImpossibleTravelParams configures the impossible-travel detector.
type ImpossibleTravelParams struct {
	// MaxSpeedKmH is the fastest plausible travel speed.
	MaxSpeedKmH float64 `json:"max_speed_kmh"`

	// MinDistanceKm ignores transitions between nearby locations.
	MinDistanceKm float64 `json:"min_distance_km"`

	// MinTimeDeltaMinutes ignores transitions within this gap, which are
	// usually the same sitting or a duplicate report.
	MinTimeDeltaMinutes int `json:"min_time_delta_minutes"`
}

func defaultImpossibleTravelParams() ImpossibleTravelParams {
	return ImpossibleTravelParams{
		MaxSpeedKmH:         900, // commercial flight
		MinDistanceKm:       100,
		MinTimeDeltaMinutes: 5,
	}
}

// ImpossibleTravelDetector flags users who appear to start streaming from a
// location unreachable from their previous one in the elapsed time.
type ImpossibleTravelDetector struct{}

func (ImpossibleTravelDetector) Type() models.RuleType {
	return models.RuleTypeImpossibleTravel
}

func (ImpossibleTravelDetector) Check(_ context.Context, params json.RawMessage, in *Input) (*Verdict, error) {
	cfg := defaultImpossibleTravelParams()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, fmt.Errorf("impossible_travel params: %w", err)
	}

	sess := in.Session
	if unknownLocation(sess.Latitude, sess.Longitude) {
		return nil, nil
	}

	prev := lastLocatedSession(in.History)
	if prev == nil {
		return nil, nil
	}

	timeDelta := sess.StartedAt.Sub(prev.StartedAt)
	if timeDelta < time.Duration(cfg.MinTimeDeltaMinutes)*time.Minute {
		return nil, nil
	}

	distanceKm := haversineKm(prev.Latitude, prev.Longitude, sess.Latitude, sess.Longitude)
	if distanceKm < cfg.MinDistanceKm {
		return nil, nil
	}

	hours := timeDelta.Hours()
	if hours <= 0 {
		hours = 0.001
	}
	requiredSpeed := distanceKm / hours
	if requiredSpeed <= cfg.MaxSpeedKmH {
		return nil, nil
	}

	data, err := json.Marshal(map[string]interface{}{
		"from_city":          prev.City,
		"from_country":       prev.Country,
		"from_latitude":      prev.Latitude,
		"from_longitude":     prev.Longitude,
		"to_city":            sess.City,
		"to_country":         sess.Country,
		"to_latitude":        sess.Latitude,
		"to_longitude":       sess.Longitude,
		"distance_km":        round2(distanceKm),
		"time_delta_mins":    round2(timeDelta.Minutes()),
		"required_speed_kmh": round2(requiredSpeed),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal impossible_travel data: %w", err)
	}

	return &Verdict{
		Severity: models.SeverityHigh,
		Message: fmt.Sprintf("traveled %.0f km from %s to %s in %.0f minutes (would require %.0f km/h)",
			distanceKm,
			formatLocation(prev.City, prev.Country),
			formatLocation(sess.City, sess.Country),
			timeDelta.Minutes(),
			requiredSpeed),
		Data: data,
	}, nil
}

// lastLocatedSession returns the newest history entry with resolved
// geolocation. History is newest first.
func lastLocatedSession(history []*models.Session) *models.Session {
	for _, s := range history {
		if !unknownLocation(s.Latitude, s.Longitude) {
			return s
		}
	}
	return nil
}
