// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/streamsentry/streamsentry/internal/models"
)

// ActiveRules returns every active detection rule.
func (s *Store) ActiveRules(ctx context.Context) ([]*models.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_type, name, user_id, params, is_active, created_at, updated_at
		 FROM rules WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	var out []*models.Rule
	for rows.Next() {
		var r models.Rule
		var ruleType, params string
		var userID sql.NullString
		if err := rows.Scan(&r.ID, &ruleType, &r.Name, &userID, &params,
			&r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.RuleType = models.RuleType(ruleType)
		if userID.Valid {
			r.UserID = &userID.String
		}
		r.Params = json.RawMessage(params)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveRule inserts or replaces a rule configuration.
func (s *Store) SaveRule(ctx context.Context, r *models.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
		r.CreatedAt = now()
	}
	r.UpdatedAt = now()
	if len(r.Params) == 0 {
		r.Params = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rules (id, rule_type, name, user_id, params, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.RuleType), r.Name, r.UserID, string(r.Params), r.IsActive, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", r.Name, err)
	}
	return nil
}
