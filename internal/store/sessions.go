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
	"time"

	"github.com/streamsentry/streamsentry/internal/models"
)

const sessionColumns = `id, server_id, user_id, session_key, content_id, state,
	started_at, stopped_at, duration_ms, total_duration_ms, progress_ms,
	last_paused_at, paused_duration_ms, reference_id, watched,
	title, media_type, grandparent_title, season, episode, year, artwork_path,
	ip_address, device_id, device_name, platform, player, quality, bitrate_kbps,
	transcoding, latitude, longitude, city, country`

// InsertSession persists a new session row.
func (s *Store) InsertSession(ctx context.Context, sess *models.Session) error {
	return s.insertSessionExec(ctx, s.db, sess)
}

// InsertSessions persists a batch of sessions in one transaction. The
// importer commits one batch per checkpoint advance.
func (s *Store) InsertSessions(ctx context.Context, sessions []*models.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert batch: %w", err)
	}
	defer tx.Rollback()

	for _, sess := range sessions {
		if err := s.insertSessionExec(ctx, tx, sess); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertSessionExec(ctx context.Context, ex execer, sess *models.Session) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.ServerID, sess.UserID, sess.SessionKey, sess.ContentID, string(sess.State),
		sess.StartedAt, sess.StoppedAt, sess.DurationMs, sess.TotalDurationMs, sess.ProgressMs,
		sess.LastPausedAt, sess.PausedDurationMs, sess.ReferenceID, sess.Watched,
		sess.Title, sess.MediaType, sess.GrandparentTitle, sess.Season, sess.Episode, sess.Year, sess.ArtworkPath,
		sess.IPAddress, sess.DeviceID, sess.DeviceName, sess.Platform, sess.Player, sess.Quality, sess.BitrateKbps,
		sess.Transcoding, sess.Latitude, sess.Longitude, sess.City, sess.Country)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// UpdateSessionProgress writes the mutable tracking fields of an in-flight
// session: state, progress, pause accounting and the watched flag. Stopped
// sessions are never touched by this path. The watched flag and the pause
// total are enforced monotonic in SQL: the caller's copy comes from the
// cache and can be stale after a tolerated cache-write failure.
func (s *Store) UpdateSessionProgress(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			state = ?, progress_ms = ?, last_paused_at = ?,
			paused_duration_ms = GREATEST(paused_duration_ms, ?),
			watched = watched OR ?, ip_address = ?, quality = ?, bitrate_kbps = ?, transcoding = ?
		 WHERE id = ? AND stopped_at IS NULL`,
		string(sess.State), sess.ProgressMs, sess.LastPausedAt, sess.PausedDurationMs,
		sess.Watched, sess.IPAddress, sess.Quality, sess.BitrateKbps, sess.Transcoding,
		sess.ID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	return nil
}

// FinalizeSession marks a session stopped. The guard on stopped_at makes the
// write idempotent: duration_ms is set exactly once.
func (s *Store) FinalizeSession(ctx context.Context, sess *models.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			state = ?, stopped_at = ?, duration_ms = ?, progress_ms = ?,
			last_paused_at = NULL,
			paused_duration_ms = GREATEST(paused_duration_ms, ?),
			watched = watched OR ?
		 WHERE id = ? AND stopped_at IS NULL`,
		string(models.StateStopped), sess.StoppedAt, sess.DurationMs, sess.ProgressMs,
		sess.PausedDurationMs, sess.Watched, sess.ID)
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize session %s: already stopped", sess.ID)
	}
	return nil
}

// SessionByID loads a session by primary key.
func (s *Store) SessionByID(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSessionRow(row)
}

// GroupCandidate returns the most recently stopped, unwatched session for
// (userID, contentID) stopped after windowStart, or ErrNotFound. The caller
// compares progress before linking; a rewatch from an earlier position
// starts a fresh chain.
func (s *Store) GroupCandidate(ctx context.Context, userID, contentID string, windowStart time.Time) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND content_id = ? AND watched = FALSE
		   AND stopped_at IS NOT NULL AND stopped_at >= ?
		 ORDER BY stopped_at DESC LIMIT 1`,
		userID, contentID, windowStart)
	return scanSessionRow(row)
}

// RecentSessionsForUsers loads recent history for a set of users in one
// query, capped per user, newest first. The rule engine preloads this before
// evaluating a batch of new sessions.
func (s *Store) RecentSessionsForUsers(ctx context.Context, userIDs []string, since time.Time, perUserCap int) (map[string][]*models.Session, error) {
	out := make(map[string][]*models.Session, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	placeholders := ""
	args := make([]any, 0, len(userIDs)+2)
	for i, id := range userIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	args = append(args, since, perUserCap)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id IN (`+placeholders+`) AND started_at >= ?
		 QUALIFY row_number() OVER (PARTITION BY user_id ORDER BY started_at DESC) <= ?
		 ORDER BY user_id, started_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out[sess.UserID] = append(out[sess.UserID], sess)
	}
	return out, rows.Err()
}

// HasSessionAt reports whether a session already exists for the user,
// content and start time. The importer uses it for duplicate detection
// against prior runs and live-tracked history.
func (s *Store) HasSessionAt(ctx context.Context, userID, contentID string, startedAt time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sessions WHERE user_id = ? AND content_id = ? AND started_at = ?`,
		userID, contentID, startedAt).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row *sql.Row) (*models.Session, error) {
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var state string
	var stoppedAt, lastPausedAt sql.NullTime
	var refID, gpTitle, artwork, deviceID, deviceName, player sql.NullString
	var season, episode, year, bitrate sql.NullInt32

	err := row.Scan(&sess.ID, &sess.ServerID, &sess.UserID, &sess.SessionKey, &sess.ContentID, &state,
		&sess.StartedAt, &stoppedAt, &sess.DurationMs, &sess.TotalDurationMs, &sess.ProgressMs,
		&lastPausedAt, &sess.PausedDurationMs, &refID, &sess.Watched,
		&sess.Title, &sess.MediaType, &gpTitle, &season, &episode, &year, &artwork,
		&sess.IPAddress, &deviceID, &deviceName, &sess.Platform, &player, &sess.Quality, &bitrate,
		&sess.Transcoding, &sess.Latitude, &sess.Longitude, &sess.City, &sess.Country)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.State = models.PlaybackState(state)
	if stoppedAt.Valid {
		t := stoppedAt.Time
		sess.StoppedAt = &t
	}
	if lastPausedAt.Valid {
		t := lastPausedAt.Time
		sess.LastPausedAt = &t
	}
	if refID.Valid {
		sess.ReferenceID = &refID.String
	}
	if gpTitle.Valid {
		sess.GrandparentTitle = &gpTitle.String
	}
	if artwork.Valid {
		sess.ArtworkPath = &artwork.String
	}
	if deviceID.Valid {
		sess.DeviceID = &deviceID.String
	}
	if deviceName.Valid {
		sess.DeviceName = &deviceName.String
	}
	if player.Valid {
		sess.Player = &player.String
	}
	if season.Valid {
		v := int(season.Int32)
		sess.Season = &v
	}
	if episode.Valid {
		v := int(episode.Int32)
		sess.Episode = &v
	}
	if year.Valid {
		v := int(year.Int32)
		sess.Year = &v
	}
	if bitrate.Valid {
		v := int(bitrate.Int32)
		sess.BitrateKbps = &v
	}
	return &sess, nil
}
