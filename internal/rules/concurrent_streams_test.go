// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package rules

import (
	"context"
	"testing"

	"github.com/streamsentry/streamsentry/internal/models"
)

func TestConcurrentStreamsDetector_Check(t *testing.T) {
	d := ConcurrentStreamsDetector{}

	tests := []struct {
		name        string
		active      []models.Session
		params      string
		expectAlert bool
	}{
		{
			name:        "no other streams",
			active:      nil,
			expectAlert: false,
		},
		{
			name:        "at default limit",
			active:      []models.Session{{ID: "a"}, {ID: "b"}},
			expectAlert: false, // 2 active + 1 new = 3, at the limit
		},
		{
			name:        "over default limit",
			active:      []models.Session{{ID: "a"}, {ID: "b"}, {ID: "c"}},
			expectAlert: true,
		},
		{
			name:        "custom limit of one",
			active:      []models.Session{{ID: "a"}},
			params:      `{"limit": 1}`,
			expectAlert: true,
		},
		{
			name:        "zero limit disables the rule",
			active:      []models.Session{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
			params:      `{"limit": 0}`,
			expectAlert: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := d.Check(context.Background(), []byte(tt.params), &Input{
				Session: &models.Session{ID: "new"},
				Active:  tt.active,
			})
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if (verdict != nil) != tt.expectAlert {
				t.Errorf("verdict = %v, expectAlert = %v", verdict, tt.expectAlert)
			}
			if verdict != nil && verdict.Severity != models.SeverityWarning {
				t.Errorf("severity = %q, want warning", verdict.Severity)
			}
		})
	}
}
