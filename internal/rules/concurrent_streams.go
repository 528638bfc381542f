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

// ConcurrentStreamsParams configures the concurrent-streams detector.
type ConcurrentStreamsParams struct {
	// Limit is the maximum concurrent streams allowed for the user.
	Limit int `json:"limit"`
}

func defaultConcurrentStreamsParams() ConcurrentStreamsParams {
	return ConcurrentStreamsParams{Limit: 3}
}

// ConcurrentStreamsDetector enforces a per-user active-stream ceiling. The
// count includes the session under evaluation.
type ConcurrentStreamsDetector struct{}

func (ConcurrentStreamsDetector) Type() models.RuleType {
	return models.RuleTypeConcurrentStreams
}

func (ConcurrentStreamsDetector) Check(_ context.Context, params json.RawMessage, in *Input) (*Verdict, error) {
	cfg := defaultConcurrentStreamsParams()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, fmt.Errorf("concurrent_streams params: %w", err)
	}
	if cfg.Limit <= 0 {
		return nil, nil
	}

	count := len(in.Active) + 1
	if count <= cfg.Limit {
		return nil, nil
	}

	data, err := json.Marshal(map[string]interface{}{
		"active_streams": count,
		"limit":          cfg.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal concurrent_streams data: %w", err)
	}

	return &Verdict{
		Severity: models.SeverityWarning,
		Message:  fmt.Sprintf("%d concurrent streams (limit %d)", count, cfg.Limit),
		Data:     data,
	}, nil
}
