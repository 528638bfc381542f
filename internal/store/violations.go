// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/streamsentry/streamsentry/internal/models"
)

// CreateViolation inserts the violation and applies its trust-score penalty
// in a single transaction, so a recorded violation always comes with its
// decrement and vice versa. Returns the user's trust score after the
// penalty, clamped at zero.
func (s *Store) CreateViolation(ctx context.Context, v *models.Violation) (int, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin violation tx: %w", err)
	}
	defer tx.Rollback()

	var data any
	if len(v.Data) > 0 {
		data = string(v.Data)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO violations (id, rule_id, rule_type, user_id, session_id, severity, message, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.RuleID, string(v.RuleType), v.UserID, v.SessionID, string(v.Severity), v.Message, data, v.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert violation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET trust_score = GREATEST(0, trust_score - ?), updated_at = ? WHERE id = ?`,
		v.Severity.Penalty(), now(), v.UserID)
	if err != nil {
		return 0, fmt.Errorf("apply trust penalty: %w", err)
	}

	var score int
	if err := tx.QueryRowContext(ctx,
		`SELECT trust_score FROM users WHERE id = ?`, v.UserID).Scan(&score); err != nil {
		return 0, fmt.Errorf("read trust score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit violation tx: %w", err)
	}
	return score, nil
}

// ViolationExists reports whether a violation for (ruleID, sessionID) was
// already recorded, so a rule does not re-fire on the session it already
// flagged across poll cycles.
func (s *Store) ViolationExists(ctx context.Context, ruleID, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM violations WHERE rule_id = ? AND session_id = ?`,
		ruleID, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("violation exists: %w", err)
	}
	return n > 0, nil
}
