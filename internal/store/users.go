// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/streamsentry/streamsentry/internal/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// EnsureUser returns the user for (serverID, externalID), creating it with
// the initial trust score on first sight. Usernames track the server, so an
// existing row is refreshed when the reported name changed.
func (s *Store) EnsureUser(ctx context.Context, serverID, externalID, username string) (*models.User, error) {
	u, err := s.userByExternalID(ctx, serverID, externalID)
	if err == nil {
		if u.Username != username && username != "" {
			_, uerr := s.db.ExecContext(ctx,
				`UPDATE users SET username = ?, updated_at = ? WHERE id = ?`,
				username, now(), u.ID)
			if uerr != nil {
				return nil, fmt.Errorf("refresh username: %w", uerr)
			}
			u.Username = username
		}
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ts := now()
	u = &models.User{
		ID:         uuid.NewString(),
		ServerID:   serverID,
		ExternalID: externalID,
		Username:   username,
		TrustScore: models.InitialTrustScore,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, server_id, external_id, username, trust_score, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ServerID, u.ExternalID, u.Username, u.TrustScore, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		// A concurrent writer may have created the row between the lookup
		// and the insert; the unique constraint resolves the race.
		if existing, lerr := s.userByExternalID(ctx, serverID, externalID); lerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserByID loads a user by primary key.
func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, external_id, username, avatar_url, trust_score, created_at, updated_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) userByExternalID(ctx context.Context, serverID, externalID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, external_id, username, avatar_url, trust_score, created_at, updated_at
		 FROM users WHERE server_id = ? AND external_id = ?`, serverID, externalID)
	return scanUser(row)
}

// RecoverTrustScores raises every below-maximum trust score by amount,
// clamped at 100. Returns the number of users adjusted.
func (s *Store) RecoverTrustScores(ctx context.Context, amount int) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET trust_score = LEAST(100, trust_score + ?), updated_at = ?
		 WHERE trust_score < 100`, amount, now())
	if err != nil {
		return 0, fmt.Errorf("recover trust scores: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var avatar sql.NullString
	err := row.Scan(&u.ID, &u.ServerID, &u.ExternalID, &u.Username, &avatar,
		&u.TrustScore, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if avatar.Valid {
		u.AvatarURL = &avatar.String
	}
	return &u, nil
}
