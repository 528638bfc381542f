// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package rules

import (
	"context"
	"testing"
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

// Rough city coordinates used across the location-based detector tests.
var (
	newYork = [2]float64{40.7128, -74.0060}
	london  = [2]float64{51.5074, -0.1278}
	newark  = [2]float64{40.7357, -74.1724}
)

func locatedSession(startedAt time.Time, coords [2]float64, city, country string) *models.Session {
	return &models.Session{
		StartedAt: startedAt,
		Latitude:  coords[0],
		Longitude: coords[1],
		City:      city,
		Country:   country,
	}
}

func TestImpossibleTravelDetector_Check(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := ImpossibleTravelDetector{}

	tests := []struct {
		name        string
		session     *models.Session
		history     []*models.Session
		expectAlert bool
	}{
		{
			name:        "new york to london in one hour",
			session:     locatedSession(base.Add(time.Hour), london, "London", "GB"),
			history:     []*models.Session{locatedSession(base, newYork, "New York", "US")},
			expectAlert: true, // ~5570 km, would require ~5570 km/h
		},
		{
			name:        "new york to london in eight hours",
			session:     locatedSession(base.Add(8*time.Hour), london, "London", "GB"),
			history:     []*models.Session{locatedSession(base, newYork, "New York", "US")},
			expectAlert: false, // ~700 km/h, a commercial flight
		},
		{
			name:        "short hop ignored by distance floor",
			session:     locatedSession(base.Add(10*time.Minute), newark, "Newark", "US"),
			history:     []*models.Session{locatedSession(base, newYork, "New York", "US")},
			expectAlert: false, // ~15 km, under min_distance_km
		},
		{
			name:        "tiny time delta ignored",
			session:     locatedSession(base.Add(2*time.Minute), london, "London", "GB"),
			history:     []*models.Session{locatedSession(base, newYork, "New York", "US")},
			expectAlert: false, // under min_time_delta_minutes
		},
		{
			name:        "no resolved location on session",
			session:     locatedSession(base.Add(time.Hour), [2]float64{0, 0}, "", ""),
			history:     []*models.Session{locatedSession(base, newYork, "New York", "US")},
			expectAlert: false,
		},
		{
			name:        "no located history",
			session:     locatedSession(base.Add(time.Hour), london, "London", "GB"),
			history:     []*models.Session{locatedSession(base, [2]float64{0, 0}, "", "")},
			expectAlert: false,
		},
		{
			name:        "empty history",
			session:     locatedSession(base.Add(time.Hour), london, "London", "GB"),
			expectAlert: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := d.Check(context.Background(), nil, &Input{
				Session: tt.session,
				History: tt.history,
			})
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if (verdict != nil) != tt.expectAlert {
				t.Errorf("verdict = %v, expectAlert = %v", verdict, tt.expectAlert)
			}
			if verdict != nil && verdict.Severity != models.SeverityHigh {
				t.Errorf("severity = %q, want high", verdict.Severity)
			}
		})
	}
}

func TestImpossibleTravelDetector_SkipsUnlocatedHistoryEntries(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := ImpossibleTravelDetector{}

	// Newest history entry lacks geo; the detector must fall through to the
	// located one behind it.
	history := []*models.Session{
		locatedSession(base.Add(30*time.Minute), [2]float64{0, 0}, "", ""),
		locatedSession(base, newYork, "New York", "US"),
	}
	verdict, err := d.Check(context.Background(), nil, &Input{
		Session: locatedSession(base.Add(time.Hour), london, "London", "GB"),
		History: history,
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict == nil {
		t.Fatal("expected an alert against the located history entry")
	}
}

func TestImpossibleTravelDetector_CustomParams(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := ImpossibleTravelDetector{}

	params := []byte(`{"max_speed_kmh": 10000}`)
	verdict, err := d.Check(context.Background(), params, &Input{
		Session: locatedSession(base.Add(time.Hour), london, "London", "GB"),
		History: []*models.Session{locatedSession(base, newYork, "New York", "US")},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if verdict != nil {
		t.Fatalf("verdict = %v, want nil with a raised speed ceiling", verdict)
	}
}

func TestHaversineKm(t *testing.T) {
	got := haversineKm(newYork[0], newYork[1], london[0], london[1])
	if got < 5500 || got > 5650 {
		t.Errorf("NYC-London distance = %.0f km, want ~5570", got)
	}
	if zero := haversineKm(london[0], london[1], london[0], london[1]); zero != 0 {
		t.Errorf("same-point distance = %f, want 0", zero)
	}
}
