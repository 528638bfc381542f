// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package cache

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// SetStat caches a derived/pre-aggregated statistic under prefixStats with
// the stats TTL. Any session mutation batch invalidates it.
func (c *ActiveSessions) SetStat(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal stat %s: %w", key, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(prefixStats+key), data).WithTTL(c.cfg.StatsTTL))
	})
}

// GetStat loads a cached statistic into out. Returns false on miss.
func (c *ActiveSessions) GetStat(key string, out interface{}) (bool, error) {
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixStats + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// InvalidateStats drops all derived-stat entries.
func (c *ActiveSessions) InvalidateStats() error {
	return c.db.Update(c.invalidateStatsTxn)
}

// Invalidate removes one cached key (stat or otherwise) by its full key.
func (c *ActiveSessions) Invalidate(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return ignoreNotFound(txn.Delete([]byte(key)))
	})
}

// InvalidateByPrefix removes every key sharing the given prefix. The prefix
// is matched literally; passing an empty prefix is rejected.
func (c *ActiveSessions) InvalidateByPrefix(prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return fmt.Errorf("refusing to invalidate empty prefix")
	}
	return c.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

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
	})
}

// SetServerHealth records a per-server health flag with the health TTL, so
// a server that stops being polled decays to "unknown" rather than sticking
// at its last value.
func (c *ActiveSessions) SetServerHealth(serverID string, healthy bool) error {
	val := []byte("0")
	if healthy {
		val = []byte("1")
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(prefixHealth+serverID), val).WithTTL(c.cfg.HealthTTL))
	})
}

// ServerHealth reads a per-server health flag. known is false when no flag
// is present (never set, or expired).
func (c *ActiveSessions) ServerHealth(serverID string) (healthy, known bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get([]byte(prefixHealth + serverID))
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		known = true
		return item.Value(func(val []byte) error {
			healthy = len(val) == 1 && val[0] == '1'
			return nil
		})
	})
	return healthy, known, err
}

// PutSnapshot stores an arbitrary JSON snapshot with the stats TTL. The
// import worker uses this to keep the latest progress counters available to
// late subscribers.
func (c *ActiveSessions) PutSnapshot(key string, value interface{}) error {
	return c.SetStat(key, value)
}

// GetSnapshot loads a snapshot stored via PutSnapshot.
func (c *ActiveSessions) GetSnapshot(key string, out interface{}) (bool, error) {
	return c.GetStat(key, out)
}
