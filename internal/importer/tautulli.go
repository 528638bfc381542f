// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package importer

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/streamsentry/streamsentry/internal/models"
)

// TautulliSource reads a Tautulli SQLite history database through DuckDB's
// sqlite_scanner extension, so no separate SQLite driver is needed. Rows are
// read in id order, which makes the row id a natural resume checkpoint.
type TautulliSource struct{}

// NewTautulliSource constructs the source.
func NewTautulliSource() *TautulliSource { return &TautulliSource{} }

func (s *TautulliSource) Name() models.ImportSource { return models.ImportSourceTautulli }

func (s *TautulliSource) Count(ctx context.Context, path string, checkpoint int64) (int64, error) {
	db, err := s.open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer closeAttached(db)

	var count int64
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_history WHERE id > ?", checkpoint).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tautulli rows: %w", err)
	}
	return count, nil
}

func (s *TautulliSource) Read(ctx context.Context, path string, checkpoint int64, batchSize int, fn func(batch []Record) error) error {
	db, err := s.open(ctx, path)
	if err != nil {
		return err
	}
	defer closeAttached(db)

	sinceID := checkpoint
	for {
		batch, err := s.readBatch(ctx, db, sinceID, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		sinceID = batch[len(batch)-1].RowID
	}
}

// open creates an in-memory DuckDB connection with the Tautulli database
// attached through the sqlite extension.
func (s *TautulliSource) open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if _, err := db.ExecContext(ctx, "INSTALL sqlite_scanner; LOAD sqlite_scanner;"); err != nil {
		// Install fails when already installed; loading alone may still work.
		if _, lerr := db.ExecContext(ctx, "LOAD sqlite_scanner;"); lerr != nil {
			db.Close()
			return nil, fmt.Errorf("load sqlite extension: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "CALL sqlite_attach(?)", path); err != nil {
		db.Close()
		return nil, fmt.Errorf("attach %s: %w", path, err)
	}

	var n int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'session_history'").Scan(&n)
	if err != nil || n == 0 {
		db.Close()
		return nil, fmt.Errorf("%s is not a Tautulli database: session_history table missing", path)
	}
	return db, nil
}

func closeAttached(db *sql.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db.ExecContext(ctx, "DETACH DATABASE IF EXISTS tautulli") //nolint:errcheck
	db.Close()                                                //nolint:errcheck
}

func (s *TautulliSource) readBatch(ctx context.Context, db *sql.DB, sinceID int64, limit int) ([]Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT
			sh.id, sh.started, sh.stopped, sh.user_id, sh.user,
			sh.ip_address, sh.platform, sh.percent_complete, sh.paused_counter,
			shm.media_type, shm.title, shm.rating_key, shm.duration
		FROM session_history sh
		LEFT JOIN session_history_metadata shm ON sh.id = shm.id
		WHERE sh.id > ?
		ORDER BY sh.id ASC
		LIMIT ?`, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tautulli rows: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                            Record
			startedUnix, stoppedUnix       int64
			userID                         int64
			percentComplete, pausedSeconds int64
			mediaType, title, ratingKey    sql.NullString
			durationMs                     sql.NullInt64
		)
		err := rows.Scan(&rec.RowID, &startedUnix, &stoppedUnix, &userID, &rec.Username,
			&rec.IPAddress, &rec.Platform, &percentComplete, &pausedSeconds,
			&mediaType, &title, &ratingKey, &durationMs)
		if err != nil {
			return nil, fmt.Errorf("scan tautulli row: %w", err)
		}

		rec.ExternalUserID = strconv.FormatInt(userID, 10)
		rec.StartedAt = time.Unix(startedUnix, 0).UTC()
		if stoppedUnix > 0 {
			rec.StoppedAt = time.Unix(stoppedUnix, 0).UTC()
		}
		rec.PausedMs = pausedSeconds * 1000
		if !rec.StoppedAt.IsZero() {
			d := rec.StoppedAt.Sub(rec.StartedAt).Milliseconds() - rec.PausedMs
			if d > 0 {
				rec.DurationMs = d
			}
		}
		rec.MediaType = mediaType.String
		rec.Title = title.String
		rec.ContentID = ratingKey.String
		if durationMs.Valid {
			rec.TotalMs = durationMs.Int64
			rec.ProgressMs = durationMs.Int64 * percentComplete / 100
		}
		rec.Watched = percentComplete >= 80

		out = append(out, rec)
	}
	return out, rows.Err()
}
