// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package coordination implements the three exclusivity primitives that keep
// the cache and store writers from corrupting each other:
//
//   - a short-lived session-create lock keyed by (server, sessionKey),
//     guarding the insert-new-session critical section against the live-push
//     path and the poller observing the same brand-new session;
//   - a termination cooldown suppressing recreation of a just-terminated
//     session while the upstream server still reports it;
//   - the cluster-wide heavy-operation lock serializing bulk imports and
//     backfills.
//
// All three live in the shared TTL'd KV store so crashes self-release.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/models"
)

const (
	prefixCreateLock = "lock:create:"
	prefixCooldown   = "cooldown:term:"
	keyHeavyOp       = "lock:heavy"
	prefixLiveness   = "live:"
)

// ErrHeavyOpTimeout is returned when the bounded heavy-operation wait
// elapses without acquiring the lock. It is a hard, user-visible failure;
// callers must not retry indefinitely.
var ErrHeavyOpTimeout = errors.New("heavy operation lock: wait timed out")

// ErrNotHolder is returned when releasing a heavy-operation lock held by
// someone else (or by no one).
var ErrNotHolder = errors.New("heavy operation lock: not the holder")

// Config holds coordination tuning parameters.
type Config struct {
	// SessionCreateTTL bounds how long a create lock can be held; a crashed
	// winner releases by expiry.
	SessionCreateTTL time.Duration

	// SessionCreateMaxAttempts bounds the acquire loop. Contention past
	// this is resolved by the caller falling into the continuing path.
	SessionCreateMaxAttempts int

	// SessionCreateBaseDelay seeds the exponential backoff between acquire
	// attempts.
	SessionCreateBaseDelay time.Duration

	// TerminationCooldown is how long a terminated (server, sessionKey) is
	// suppressed from re-insertion.
	TerminationCooldown time.Duration

	// HeavyOpPollInterval is how often a blocked requester re-checks the
	// heavy-operation lock.
	HeavyOpPollInterval time.Duration

	// HeavyOpMaxWait bounds the total wait; past it the acquire fails with
	// ErrHeavyOpTimeout.
	HeavyOpMaxWait time.Duration

	// HeavyOpTTL bounds how long a holder can keep the lock without
	// releasing, so a crashed holder does not wedge the cluster.
	HeavyOpTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SessionCreateTTL:         15 * time.Second,
		SessionCreateMaxAttempts: 5,
		SessionCreateBaseDelay:   100 * time.Millisecond,
		TerminationCooldown:      60 * time.Second,
		HeavyOpPollInterval:      5 * time.Second,
		HeavyOpMaxWait:           2 * time.Hour,
		HeavyOpTTL:               6 * time.Hour,
	}
}

// Coordinator provides the three primitives. One Coordinator is constructed
// per process; its holder id identifies this process in the heavy-op lock
// and liveness keys.
type Coordinator struct {
	db       *badger.DB
	cfg      Config
	holderID string
}

// New creates a Coordinator with a fresh process holder id.
func New(db *badger.DB, cfg Config) *Coordinator {
	return &Coordinator{
		db:       db,
		cfg:      cfg,
		holderID: uuid.NewString(),
	}
}

// HolderID returns this process's holder identity.
func (c *Coordinator) HolderID() string { return c.holderID }

// --- Session-create lock ---

// TryAcquireSessionCreate attempts a single, non-blocking acquisition of the
// create lock for (serverID, sessionKey). Returns false when another writer
// holds it.
func (c *Coordinator) TryAcquireSessionCreate(serverID, sessionKey string) (bool, error) {
	key := []byte(prefixCreateLock + serverID + ":" + sessionKey)
	acquired := false
	err := c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // held by someone else
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		acquired = true
		return txn.SetEntry(badger.NewEntry(key, []byte(c.holderID)).WithTTL(c.cfg.SessionCreateTTL))
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent writer raced us to the key; they won.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire create lock: %w", err)
	}
	return acquired, nil
}

// AcquireSessionCreate retries TryAcquireSessionCreate with exponential
// backoff up to the configured attempt cap. A bounded loop, not recursion:
// sustained contention returns false rather than growing the stack.
func (c *Coordinator) AcquireSessionCreate(ctx context.Context, serverID, sessionKey string) (bool, error) {
	delay := c.cfg.SessionCreateBaseDelay
	for attempt := 0; attempt < c.cfg.SessionCreateMaxAttempts; attempt++ {
		ok, err := c.TryAcquireSessionCreate(serverID, sessionKey)
		if err != nil || ok {
			return ok, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, nil
}

// ReleaseSessionCreate drops the create lock. Releasing an expired or
// absent lock is not an error.
func (c *Coordinator) ReleaseSessionCreate(serverID, sessionKey string) error {
	key := []byte(prefixCreateLock + serverID + ":" + sessionKey)
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// --- Termination cooldown ---

// MarkTerminated records that an operator forcibly stopped the session with
// this key; re-insertion is suppressed for the cooldown window.
func (c *Coordinator) MarkTerminated(serverID, sessionKey string) error {
	key := []byte(prefixCooldown + serverID + ":" + sessionKey)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, nil).WithTTL(c.cfg.TerminationCooldown))
	})
}

// InCooldown reports whether (serverID, sessionKey) is inside its
// termination cooldown window.
func (c *Coordinator) InCooldown(serverID, sessionKey string) (bool, error) {
	key := []byte(prefixCooldown + serverID + ":" + sessionKey)
	inCooldown := false
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		inCooldown = true
		return nil
	})
	return inCooldown, err
}

// --- Heavy-operation lock ---

// TryAcquireHeavyOp attempts a single acquisition. When the lock is held,
// returns (false, current holder, nil).
func (c *Coordinator) TryAcquireHeavyOp(jobType, description string) (bool, *models.HeavyOperationLock, error) {
	var holder *models.HeavyOperationLock
	acquired := false

	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyHeavyOp))
		if err == nil {
			var h models.HeavyOperationLock
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &h)
			}); verr != nil {
				return verr
			}
			holder = &h
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		lock := models.HeavyOperationLock{
			HolderID:    c.holderID,
			JobType:     jobType,
			Description: description,
			StartedAt:   time.Now().UTC(),
		}
		data, merr := json.Marshal(lock)
		if merr != nil {
			return merr
		}
		acquired = true
		return txn.SetEntry(badger.NewEntry([]byte(keyHeavyOp), data).WithTTL(c.cfg.HeavyOpTTL))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("acquire heavy-op lock: %w", err)
	}
	return acquired, holder, nil
}

// AcquireHeavyOp blocks until the cluster-wide heavy-operation lock is
// acquired, the bounded maximum wait elapses (ErrHeavyOpTimeout), or ctx is
// canceled. While waiting it polls at the configured interval, refreshes
// this process's liveness marker so the execution framework does not mistake
// the waiter for stalled, and reports the current holder via onWaiting.
func (c *Coordinator) AcquireHeavyOp(ctx context.Context, jobType, description string, onWaiting func(holder models.HeavyOperationLock)) error {
	deadline := time.Now().Add(c.cfg.HeavyOpMaxWait)

	for {
		ok, holder, err := c.TryAcquireHeavyOp(jobType, description)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s (held by %q)", ErrHeavyOpTimeout, c.cfg.HeavyOpMaxWait, holderDesc(holder))
		}

		if err := c.RefreshLiveness(); err != nil {
			logging.Warn().Err(err).Msg("liveness refresh failed while waiting for heavy-op lock")
		}
		if holder != nil && onWaiting != nil {
			onWaiting(*holder)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.HeavyOpPollInterval):
		}
	}
}

// ReleaseHeavyOp releases the lock if this process holds it.
func (c *Coordinator) ReleaseHeavyOp() error {
	return c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyHeavyOp))
		if err == badger.ErrKeyNotFound {
			return ErrNotHolder
		}
		if err != nil {
			return err
		}
		var h models.HeavyOperationLock
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &h)
		}); err != nil {
			return err
		}
		if h.HolderID != c.holderID {
			return ErrNotHolder
		}
		return txn.Delete([]byte(keyHeavyOp))
	})
}

// CurrentHeavyOp returns the current lock holder, if any.
func (c *Coordinator) CurrentHeavyOp() (*models.HeavyOperationLock, bool, error) {
	var holder *models.HeavyOperationLock
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyHeavyOp))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var h models.HeavyOperationLock
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &h)
		}); err != nil {
			return err
		}
		holder = &h
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return holder, holder != nil, nil
}

// RefreshLiveness re-arms this process's liveness marker. Waiters call it on
// every poll so they are distinguishable from stalled workers.
func (c *Coordinator) RefreshLiveness() error {
	ttl := 2 * c.cfg.HeavyOpPollInterval
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(prefixLiveness+c.holderID), nil).WithTTL(ttl))
	})
}

func holderDesc(h *models.HeavyOperationLock) string {
	if h == nil {
		return "unknown"
	}
	return h.Description
}
