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

// DeviceVelocityParams configures the device-velocity detector.
type DeviceVelocityParams struct {
	// WindowMinutes is how far back to look for the same device.
	WindowMinutes int `json:"window_minutes"`

	// MaxUniqueIPs is the number of distinct addresses a single device may
	// appear from within the window before it is flagged.
	MaxUniqueIPs int `json:"max_unique_ips"`
}

func defaultDeviceVelocityParams() DeviceVelocityParams {
	return DeviceVelocityParams{
		WindowMinutes: 5,
		MaxUniqueIPs:  3,
	}
}

// DeviceVelocityDetector flags a single device identifier hopping between
// IP addresses faster than a real device plausibly would, which usually
// means a shared or replayed client token.
type DeviceVelocityDetector struct{}

func (DeviceVelocityDetector) Type() models.RuleType {
	return models.RuleTypeDeviceVelocity
}

func (DeviceVelocityDetector) Check(_ context.Context, params json.RawMessage, in *Input) (*Verdict, error) {
	cfg := defaultDeviceVelocityParams()
	if err := decodeParams(params, &cfg); err != nil {
		return nil, fmt.Errorf("device_velocity params: %w", err)
	}

	sess := in.Session
	if sess.DeviceID == nil || *sess.DeviceID == "" {
		return nil, nil
	}
	deviceID := *sess.DeviceID
	windowStart := sess.StartedAt.Add(-time.Duration(cfg.WindowMinutes) * time.Minute)

	ips := map[string]struct{}{}
	if sess.IPAddress != "" {
		ips[sess.IPAddress] = struct{}{}
	}
	for _, h := range in.History {
		if h.DeviceID == nil || *h.DeviceID != deviceID {
			continue
		}
		if h.StartedAt.Before(windowStart) {
			continue
		}
		if h.IPAddress != "" {
			ips[h.IPAddress] = struct{}{}
		}
	}

	if len(ips) <= cfg.MaxUniqueIPs {
		return nil, nil
	}

	addrs := make([]string, 0, len(ips))
	for ip := range ips {
		addrs = append(addrs, ip)
	}
	data, err := json.Marshal(map[string]interface{}{
		"device_id":      deviceID,
		"unique_ips":     len(ips),
		"addresses":      addrs,
		"window_minutes": cfg.WindowMinutes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal device_velocity data: %w", err)
	}

	return &Verdict{
		Severity: models.SeverityWarning,
		Message: fmt.Sprintf("device %s seen from %d unique IPs within %d minutes (limit %d)",
			deviceID, len(ips), cfg.WindowMinutes, cfg.MaxUniqueIPs),
		Data: data,
	}, nil
}
