// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Command server runs the StreamSentry monitoring core: the session poller,
// rule engine, active-session cache, and import worker, under one
// supervision tree.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamsentry/streamsentry/internal/cache"
	"github.com/streamsentry/streamsentry/internal/config"
	"github.com/streamsentry/streamsentry/internal/coordination"
	"github.com/streamsentry/streamsentry/internal/events"
	"github.com/streamsentry/streamsentry/internal/importer"
	"github.com/streamsentry/streamsentry/internal/kv"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/mediaserver"
	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/ops"
	"github.com/streamsentry/streamsentry/internal/rules"
	"github.com/streamsentry/streamsentry/internal/store"
	"github.com/streamsentry/streamsentry/internal/supervisor"
	"github.com/streamsentry/streamsentry/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration load failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logging.Info().Int("servers", len(cfg.Servers)).Msg("streamsentry starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared stores. Everything is constructed here and passed by
	// reference; no package-level service state.
	st, err := store.Open(ctx, store.Config{
		Path:      cfg.Database.Path,
		MaxMemory: cfg.Database.MaxMemory,
		Threads:   cfg.Database.Threads,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("store open failed")
	}
	defer st.Close()

	kvStore, err := kv.Open(kv.Options{
		Path:       cfg.KV.Path,
		InMemory:   cfg.KV.InMemory,
		GCInterval: 10 * time.Minute,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("kv store open failed")
	}
	defer kvStore.Close()

	bus := events.New(256, events.NewZerologAdapter(logging.Logger()))
	defer bus.Close()

	m := metrics.New()

	sessions := cache.New(kvStore.DB(), cache.Config{
		SessionTTL:    cfg.Cache.SessionTTL,
		StatsTTL:      cfg.Cache.StatsTTL,
		HealthTTL:     3 * cfg.Poller.Interval,
		ReadBatchSize: cfg.Cache.ReadBatchSize,
	})

	coord := coordination.New(kvStore.DB(), coordination.Config{
		SessionCreateTTL:         cfg.Coordination.SessionCreateTTL,
		SessionCreateMaxAttempts: cfg.Coordination.SessionCreateMaxAttempts,
		SessionCreateBaseDelay:   100 * time.Millisecond,
		TerminationCooldown:      cfg.Coordination.TerminationCooldown,
		HeavyOpPollInterval:      cfg.Coordination.HeavyOpPollInterval,
		HeavyOpMaxWait:           cfg.Coordination.HeavyOpMaxWait,
		HeavyOpTTL:               cfg.Coordination.HeavyOpTTL,
	})

	engine := rules.NewEngine(rules.Config{
		Enabled:       cfg.Rules.Enabled,
		HistoryWindow: cfg.Rules.RecentHistoryWindow,
		HistoryCap:    cfg.Rules.RecentHistoryCap,
	}, st, sessions, bus, m)

	poller := tracker.New(
		tracker.Config{
			Interval:      cfg.Poller.Interval,
			ServerTimeout: cfg.Poller.ServerTimeout,
		},
		cfg.Servers,
		mediaserver.NewHTTPClient(cfg.Poller.ServerTimeout),
		mediaserver.NopGeoResolver{},
		st, sessions, coord, engine, bus, m,
	)

	queue := importer.NewQueue(kvStore.DB(), bus, importer.QueueConfig{
		SubmissionsPerMinute: cfg.Import.SubmissionPerMin,
		SubmissionBurst:      cfg.Import.SubmissionBurst,
	})
	worker := importer.NewWorker(
		importer.WorkerConfig{
			BatchSize:         cfg.Import.BatchSize,
			MaxAttempts:       cfg.Import.MaxAttempts,
			StalledAfter:      cfg.Import.StalledAfter,
			HeartbeatInterval: cfg.Import.HeartbeatInterval,
			RetryInitialDelay: cfg.Import.RetryInitialDelay,
			RetryMaxDelay:     cfg.Import.RetryMaxDelay,
		},
		queue,
		[]importer.Source{importer.NewTautulliSource(), importer.NewJellystatSource()},
		st, coord, sessions, bus,
		events.NewZerologAdapter(logging.Logger()),
		m,
	)

	opsServer := ops.New(ops.Config{
		Addr:              cfg.Ops.Addr,
		RequestsPerMinute: cfg.Ops.RequestsPerMinute,
	}, queue, coord, sessions, cfg.Servers, m)

	tree := supervisor.New(logging.NewSlogLogger(), supervisor.DefaultConfig())
	tree.AddCore(poller)
	tree.AddCore(rules.NewTrustRecovery(st, cfg.Rules.TrustRecoveryAmount, cfg.Rules.TrustRecoveryInterval))
	tree.AddBackground(worker)
	tree.AddBackground(opsServer)

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervisor exited")
	}
	logging.Info().Msg("streamsentry stopped")
}
