// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package cache maintains the authoritative fast-read view of currently
// active sessions, shared by the poller, API reads, and the import worker.
//
// Active sessions are stored as a membership set of session ids plus one
// independently-expiring record per id, never one monolithic serialized
// collection. Every mutating operation runs as a single all-or-nothing
// Badger transaction and, on success, invalidates the derived-stat entries
// keyed by this data.
//
// The membership set and the per-entry records may transiently disagree
// (a record can expire while its membership marker survives); reads detect
// the mismatch, re-check before declaring it real, and purge confirmed
// orphans in a follow-up batch off the hot path.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/models"
)

// Key prefixes. Session ids are UUIDs, so ':' is a safe separator.
const (
	prefixRecord    = "as:rec:"
	prefixMember    = "as:mem:"
	prefixServerIdx = "as:srv:"
	prefixUserIdx   = "as:usr:"
	prefixStats     = "stats:"
	prefixHealth    = "health:server:"
)

// Config holds cache tuning parameters.
type Config struct {
	// SessionTTL bounds how long a per-session record lives without being
	// refreshed by a poll cycle.
	SessionTTL time.Duration

	// StatsTTL bounds derived-stat entries.
	StatsTTL time.Duration

	// HealthTTL bounds per-server health flags.
	HealthTTL time.Duration

	// ReadBatchSize chunks large reads to bound per-call latency.
	ReadBatchSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:    10 * time.Minute,
		StatsTTL:      5 * time.Minute,
		HealthTTL:     5 * time.Minute,
		ReadBatchSize: 100,
	}
}

// membership is the small value stored per membership marker so removal can
// clean the server/user indexes without loading the full record.
type membership struct {
	ServerID string `json:"server_id"`
	UserID   string `json:"user_id"`
}

// ActiveSessions is the shared active-session cache.
type ActiveSessions struct {
	db  *badger.DB
	cfg Config
}

// New creates the cache on top of the shared KV store.
func New(db *badger.DB, cfg Config) *ActiveSessions {
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = 100
	}
	return &ActiveSessions{db: db, cfg: cfg}
}

// Add inserts one session and invalidates derived stats, atomically.
func (c *ActiveSessions) Add(sess *models.Session) error {
	return c.db.Update(func(txn *badger.Txn) error {
		if err := c.writeSession(txn, sess); err != nil {
			return err
		}
		return c.invalidateStatsTxn(txn)
	})
}

// Update overwrites one session's record and invalidates derived stats.
// Membership and index markers are refreshed as well, so an Update also
// repairs a lost marker.
func (c *ActiveSessions) Update(sess *models.Session) error {
	return c.Add(sess)
}

// Remove deletes one session from the set and invalidates derived stats.
// Removing an absent id is not an error.
func (c *ActiveSessions) Remove(sessionID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		if err := c.deleteSession(txn, sessionID); err != nil {
			return err
		}
		return c.invalidateStatsTxn(txn)
	})
}

// Sync replaces the cached set for one server with the given sessions in a
// single atomic batch, then invalidates derived stats.
func (c *ActiveSessions) Sync(serverID string, sessions []models.Session) error {
	return c.db.Update(func(txn *badger.Txn) error {
		ids, err := c.idsForPrefix(txn, prefixServerIdx+serverID+":")
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := c.deleteSession(txn, id); err != nil {
				return err
			}
		}
		for i := range sessions {
			if err := c.writeSession(txn, &sessions[i]); err != nil {
				return err
			}
		}
		return c.invalidateStatsTxn(txn)
	})
}

// ApplyDelta applies an incremental resync of {added, updated, removed} as
// one atomic batch, then invalidates derived stats.
func (c *ActiveSessions) ApplyDelta(added, updated []models.Session, removedIDs []string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for i := range added {
			if err := c.writeSession(txn, &added[i]); err != nil {
				return err
			}
		}
		for i := range updated {
			if err := c.writeSession(txn, &updated[i]); err != nil {
				return err
			}
		}
		for _, id := range removedIDs {
			if err := c.deleteSession(txn, id); err != nil {
				return err
			}
		}
		return c.invalidateStatsTxn(txn)
	})
}

// ByID fetches one cached session.
func (c *ActiveSessions) ByID(sessionID string) (*models.Session, bool, error) {
	var sess models.Session
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixRecord + sessionID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &sess, true, nil
}

// All returns every active session. Large reads are chunked; membership
// entries without a backing record are re-checked before being treated as
// orphans, and confirmed orphans are purged in a follow-up batch.
func (c *ActiveSessions) All() ([]models.Session, error) {
	return c.collect(prefixMember)
}

// ForServer returns the active sessions for one server.
func (c *ActiveSessions) ForServer(serverID string) ([]models.Session, error) {
	return c.collect(prefixServerIdx + serverID + ":")
}

// ForUser returns the active sessions for one user.
func (c *ActiveSessions) ForUser(userID string) ([]models.Session, error) {
	return c.collect(prefixUserIdx + userID + ":")
}

// KeyMap returns the server's active sessions keyed by upstream sessionKey,
// the shape the poll-cycle diff works against.
func (c *ActiveSessions) KeyMap(serverID string) (map[string]models.Session, error) {
	sessions, err := c.ForServer(serverID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]models.Session, len(sessions))
	for _, s := range sessions {
		m[s.SessionKey] = s
	}
	return m, nil
}

// collect reads the ids under a membership-style prefix and resolves their
// records in chunks.
func (c *ActiveSessions) collect(prefix string) ([]models.Session, error) {
	var ids []string
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		ids, err = c.idsForPrefix(txn, prefix)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("scan membership: %w", err)
	}

	sessions := make([]models.Session, 0, len(ids))
	var candidates []string

	for start := 0; start < len(ids); start += c.cfg.ReadBatchSize {
		end := start + c.cfg.ReadBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		err := c.db.View(func(txn *badger.Txn) error {
			for _, id := range chunk {
				item, err := txn.Get([]byte(prefixRecord + id))
				if err == badger.ErrKeyNotFound {
					candidates = append(candidates, id)
					continue
				}
				if err != nil {
					return err
				}
				var sess models.Session
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &sess)
				}); err != nil {
					return err
				}
				sessions = append(sessions, sess)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read batch: %w", err)
		}
	}

	if len(candidates) > 0 {
		c.repairOrphans(candidates)
	}

	return sessions, nil
}

// repairOrphans re-checks candidate ids in a fresh view (a concurrent
// in-flight insert may have landed the record after the membership scan)
// and purges confirmed-missing ids in a follow-up batch off the read path.
func (c *ActiveSessions) repairOrphans(candidates []string) {
	var confirmed []string
	err := c.db.View(func(txn *badger.Txn) error {
		for _, id := range candidates {
			if _, err := txn.Get([]byte(prefixRecord + id)); err == badger.ErrKeyNotFound {
				confirmed = append(confirmed, id)
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logging.Warn().Err(err).Msg("orphan re-check failed")
		return
	}
	if len(confirmed) == 0 {
		return
	}

	go func() {
		err := c.db.Update(func(txn *badger.Txn) error {
			for _, id := range confirmed {
				if err := c.deleteSession(txn, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			logging.Warn().Err(err).Int("count", len(confirmed)).Msg("orphan purge failed")
			return
		}
		logging.Debug().Int("count", len(confirmed)).Msg("purged orphaned session ids")
	}()
}

// writeSession writes the record plus membership and index markers.
// Markers get double the record TTL so an expired record is detected by the
// read-repair path rather than silently vanishing with its marker.
func (c *ActiveSessions) writeSession(txn *badger.Txn, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	member, err := json.Marshal(membership{ServerID: sess.ServerID, UserID: sess.UserID})
	if err != nil {
		return fmt.Errorf("marshal membership: %w", err)
	}

	recTTL := c.cfg.SessionTTL
	markTTL := 2 * recTTL

	entries := []*badger.Entry{
		badger.NewEntry([]byte(prefixRecord+sess.ID), data).WithTTL(recTTL),
		badger.NewEntry([]byte(prefixMember+sess.ID), member).WithTTL(markTTL),
		badger.NewEntry([]byte(prefixServerIdx+sess.ServerID+":"+sess.ID), nil).WithTTL(markTTL),
		badger.NewEntry([]byte(prefixUserIdx+sess.UserID+":"+sess.ID), nil).WithTTL(markTTL),
	}
	for _, e := range entries {
		if err := txn.SetEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// deleteSession removes the record, membership marker, and index markers.
func (c *ActiveSessions) deleteSession(txn *badger.Txn, sessionID string) error {
	var m membership
	item, err := txn.Get([]byte(prefixMember + sessionID))
	switch {
	case err == badger.ErrKeyNotFound:
		// Marker already gone; still drop the record if present.
		return ignoreNotFound(txn.Delete([]byte(prefixRecord + sessionID)))
	case err != nil:
		return err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	}); err != nil {
		return err
	}

	keys := []string{
		prefixRecord + sessionID,
		prefixMember + sessionID,
		prefixServerIdx + m.ServerID + ":" + sessionID,
		prefixUserIdx + m.UserID + ":" + sessionID,
	}
	for _, k := range keys {
		if err := ignoreNotFound(txn.Delete([]byte(k))); err != nil {
			return err
		}
	}
	return nil
}

// idsForPrefix lists the id suffixes of every key under prefix.
func (c *ActiveSessions) idsForPrefix(txn *badger.Txn, prefix string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		key := string(it.Item().Key())
		ids = append(ids, key[len(prefix):])
	}
	return ids, nil
}

// invalidateStatsTxn drops every derived-stat entry inside the mutating
// transaction, so a committed mutation can never be observed alongside
// stats computed from the previous set.
func (c *ActiveSessions) invalidateStatsTxn(txn *badger.Txn) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefixStats)

	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := ignoreNotFound(txn.Delete(k)); err != nil {
			return err
		}
	}
	return nil
}

func ignoreNotFound(err error) error {
	if err == badger.ErrKeyNotFound {
		return nil
	}
	return err
}
