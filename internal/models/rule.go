// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// RuleType identifies the type of detection rule.
type RuleType string

const (
	// RuleTypeImpossibleTravel detects implausible geographic transitions.
	RuleTypeImpossibleTravel RuleType = "impossible_travel"

	// RuleTypeSimultaneousLocations flags the same account streaming from
	// multiple distant locations at once.
	RuleTypeSimultaneousLocations RuleType = "simultaneous_locations"

	// RuleTypeDeviceVelocity flags devices appearing from multiple IPs rapidly.
	RuleTypeDeviceVelocity RuleType = "device_velocity"

	// RuleTypeConcurrentStreams enforces per-user stream limits.
	RuleTypeConcurrentStreams RuleType = "concurrent_streams"

	// RuleTypeGeoRestriction blocks streaming from restricted countries.
	RuleTypeGeoRestriction RuleType = "geo_restriction"
)

// Severity indicates the severity of a violation.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// Penalty returns the trust-score decrement applied for a violation of this
// severity. Unknown severities fall back to the low penalty.
func (s Severity) Penalty() int {
	switch s {
	case SeverityHigh:
		return 20
	case SeverityWarning:
		return 10
	default:
		return 5
	}
}

// Rule is a detection rule configuration. A nil UserID means the rule is
// global; otherwise it applies only to that user.
type Rule struct {
	ID        string          `json:"id"`
	RuleType  RuleType        `json:"rule_type"`
	Name      string          `json:"name"`
	UserID    *string         `json:"user_id,omitempty"`
	Params    json.RawMessage `json:"params"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AppliesTo reports whether the rule applies to the given user.
func (r *Rule) AppliesTo(userID string) bool {
	return r.UserID == nil || *r.UserID == userID
}

// Violation is a rule-triggered anomaly record tied to a user and session.
// It is created atomically with a trust-score decrement and never mutated
// afterwards except for acknowledgment (out of scope here).
type Violation struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	RuleType       RuleType        `json:"rule_type"`
	UserID         string          `json:"user_id"`
	SessionID      string          `json:"session_id"`
	Severity       Severity        `json:"severity"`
	Message        string          `json:"message"`
	Data           json.RawMessage `json:"data,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
