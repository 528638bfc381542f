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

func deviceSession(startedAt time.Time, deviceID, ip string) *models.Session {
	return &models.Session{
		StartedAt: startedAt,
		DeviceID:  &deviceID,
		IPAddress: ip,
	}
}

func TestDeviceVelocityDetector_Check(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := DeviceVelocityDetector{}

	tests := []struct {
		name        string
		session     *models.Session
		history     []*models.Session
		expectAlert bool
	}{
		{
			name:    "four ips in window",
			session: deviceSession(base, "dev1", "198.51.100.1"),
			history: []*models.Session{
				deviceSession(base.Add(-time.Minute), "dev1", "198.51.100.2"),
				deviceSession(base.Add(-2*time.Minute), "dev1", "198.51.100.3"),
				deviceSession(base.Add(-3*time.Minute), "dev1", "198.51.100.4"),
			},
			expectAlert: true,
		},
		{
			name:    "same ip repeated",
			session: deviceSession(base, "dev1", "198.51.100.1"),
			history: []*models.Session{
				deviceSession(base.Add(-time.Minute), "dev1", "198.51.100.1"),
				deviceSession(base.Add(-2*time.Minute), "dev1", "198.51.100.1"),
				deviceSession(base.Add(-3*time.Minute), "dev1", "198.51.100.1"),
			},
			expectAlert: false,
		},
		{
			name:    "other device ignored",
			session: deviceSession(base, "dev1", "198.51.100.1"),
			history: []*models.Session{
				deviceSession(base.Add(-time.Minute), "dev2", "198.51.100.2"),
				deviceSession(base.Add(-2*time.Minute), "dev2", "198.51.100.3"),
				deviceSession(base.Add(-3*time.Minute), "dev2", "198.51.100.4"),
			},
			expectAlert: false,
		},
		{
			name:    "stale entries outside window",
			session: deviceSession(base, "dev1", "198.51.100.1"),
			history: []*models.Session{
				deviceSession(base.Add(-10*time.Minute), "dev1", "198.51.100.2"),
				deviceSession(base.Add(-20*time.Minute), "dev1", "198.51.100.3"),
				deviceSession(base.Add(-30*time.Minute), "dev1", "198.51.100.4"),
			},
			expectAlert: false,
		},
		{
			name:        "no device id",
			session:     &models.Session{StartedAt: base, IPAddress: "198.51.100.1"},
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
		})
	}
}
