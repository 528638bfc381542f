// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/models"
)

// GeoRestrictionParams configures the geo-restriction detector.
type GeoRestrictionParams struct {
	// BlockedCountries lists ISO country codes to flag.
	BlockedCountries []string `json:"blocked_countries"`

	// AllowedCountries, when non-empty, switches to whitelist mode: any
	// country not listed is flagged. Takes precedence over BlockedCountries.
	AllowedCountries []string `json:"allowed_countries,omitempty"`
}

// GeoRestrictionDetector flags streams originating from restricted
// countries. A session without resolved geolocation is never flagged.
type GeoRestrictionDetector struct{}

func (GeoRestrictionDetector) Type() models.RuleType {
	return models.RuleTypeGeoRestriction
}

func (GeoRestrictionDetector) Check(_ context.Context, params json.RawMessage, in *Input) (*Verdict, error) {
	var cfg GeoRestrictionParams
	if err := decodeParams(params, &cfg); err != nil {
		return nil, fmt.Errorf("geo_restriction params: %w", err)
	}

	country := strings.ToUpper(strings.TrimSpace(in.Session.Country))
	if country == "" {
		return nil, nil
	}

	blocked := false
	if len(cfg.AllowedCountries) > 0 {
		blocked = !containsFold(cfg.AllowedCountries, country)
	} else {
		blocked = containsFold(cfg.BlockedCountries, country)
	}
	if !blocked {
		return nil, nil
	}

	data, err := json.Marshal(map[string]interface{}{
		"country": country,
		"city":    in.Session.City,
		"ip":      in.Session.IPAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal geo_restriction data: %w", err)
	}

	return &Verdict{
		Severity: models.SeverityHigh,
		Message:  fmt.Sprintf("stream from restricted country %s", country),
		Data:     data,
	}, nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}
