// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package rules

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamsentry/streamsentry/internal/logging"
)

// TrustRecoveryStore is the store surface the recovery scheduler needs.
type TrustRecoveryStore interface {
	RecoverTrustScores(ctx context.Context, amount int) (int64, error)
}

// TrustRecovery periodically raises below-maximum trust scores back toward
// 100, so a clean stretch of behavior restores a user's standing. Runs as a
// supervised service.
type TrustRecovery struct {
	store    TrustRecoveryStore
	amount   int
	interval time.Duration
	log      zerolog.Logger
}

// NewTrustRecovery constructs the scheduler.
func NewTrustRecovery(store TrustRecoveryStore, amount int, interval time.Duration) *TrustRecovery {
	return &TrustRecovery{
		store:    store,
		amount:   amount,
		interval: interval,
		log:      logging.With().Str("component", "trust-recovery").Logger(),
	}
}

// Serve implements suture.Service.
func (t *TrustRecovery) Serve(ctx context.Context) error {
	if t.amount <= 0 || t.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := t.store.RecoverTrustScores(ctx, t.amount)
			if err != nil {
				t.log.Error().Err(err).Msg("trust score recovery failed")
				continue
			}
			if n > 0 {
				t.log.Info().Int64("users", n).Int("amount", t.amount).Msg("trust scores recovered")
			}
		}
	}
}

func (t *TrustRecovery) String() string { return "trust-recovery" }
