// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package rules

import (
	"context"
	"math"

	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/models"
)

// Input is everything a detector may inspect for one just-persisted session.
// History and Active are loaded once per poll cycle, batched across all users
// with new sessions; detectors never query storage themselves.
type Input struct {
	// Session is the just-persisted session under evaluation.
	Session *models.Session

	// User is the session's owner.
	User *models.User

	// History holds the user's recent sessions, newest first, excluding
	// Session itself. Bounded by the engine's window and per-user cap.
	History []*models.Session

	// Active holds the user's currently active sessions from the cache,
	// excluding Session itself.
	Active []models.Session
}

// Verdict is a detector's judgement that a session violates its rule.
type Verdict struct {
	Severity models.Severity
	Message  string
	Data     json.RawMessage
}

// Detector evaluates one rule type. Detectors are stateless; per-rule
// parameters arrive as raw JSON and unknown fields fall back to defaults.
type Detector interface {
	Type() models.RuleType
	Check(ctx context.Context, params json.RawMessage, in *Input) (*Verdict, error)
}

// Geolocation below this coordinate distance from the origin is treated as
// unresolved. Direct float comparison with 0 is unreliable.
const coordEpsilon = 1e-6

func unknownLocation(lat, lon float64) bool {
	return math.Abs(lat) < coordEpsilon && math.Abs(lon) < coordEpsilon
}

// haversineKm returns the great-circle distance between two points in km.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func formatLocation(city, country string) string {
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case country != "":
		return country
	case city != "":
		return city
	}
	return "Unknown"
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// decodeParams overlays raw rule params onto defaults already present in out.
func decodeParams(params json.RawMessage, out interface{}) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, out)
}
