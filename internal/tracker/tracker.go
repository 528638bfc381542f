// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package tracker runs the poll cycle: fetch active sessions from every
// connected server, normalize, diff against the cache, drive the session
// state machine, write through to the store and cache, and hand new
// sessions to the rule engine.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/streamsentry/streamsentry/internal/events"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/mediaserver"
	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
	"github.com/streamsentry/streamsentry/internal/normalize"
	"github.com/streamsentry/streamsentry/internal/rules"
	"github.com/streamsentry/streamsentry/internal/store"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	EnsureUser(ctx context.Context, serverID, externalID, username string) (*models.User, error)
	InsertSession(ctx context.Context, sess *models.Session) error
	UpdateSessionProgress(ctx context.Context, sess *models.Session) error
	FinalizeSession(ctx context.Context, sess *models.Session) error
	GroupCandidate(ctx context.Context, userID, contentID string, windowStart time.Time) (*models.Session, error)
}

// Cache is the active-session cache surface the tracker writes through.
type Cache interface {
	KeyMap(serverID string) (map[string]models.Session, error)
	ApplyDelta(added, updated []models.Session, removedIDs []string) error
	SetServerHealth(serverID string, healthy bool) error
}

// Coordinator provides the create lock and termination cooldown.
type Coordinator interface {
	AcquireSessionCreate(ctx context.Context, serverID, sessionKey string) (bool, error)
	ReleaseSessionCreate(serverID, sessionKey string) error
	InCooldown(serverID, sessionKey string) (bool, error)
}

// RuleEvaluator receives the batch of new sessions after their inserts
// commit.
type RuleEvaluator interface {
	EvaluateBatch(ctx context.Context, batch []rules.NewSession)
}

// Publisher delivers session lifecycle events.
type Publisher interface {
	PublishSession(evType events.SessionEventType, sess *models.Session) error
}

// Config tunes the poll loop.
type Config struct {
	// Interval is the wall-clock poll period.
	Interval time.Duration

	// ServerTimeout bounds each server's fetch.
	ServerTimeout time.Duration

	// GroupingWindow is how far back a stopped session can be resumed into
	// the same chain.
	GroupingWindow time.Duration
}

// Tracker is the poller service. Construct once, run under the supervisor.
type Tracker struct {
	cfg        Config
	servers    []models.ConnectedServer
	client     mediaserver.Client
	geo        mediaserver.GeoResolver
	normalizer *normalize.Normalizer
	store      Store
	cache      Cache
	coord      Coordinator
	engine     RuleEvaluator
	bus        Publisher
	metrics    *metrics.Metrics
	breakers   map[string]*gobreaker.CircuitBreaker[[]mediaserver.RawSession]
	log        zerolog.Logger
	now        func() time.Time
}

// New constructs the tracker with one circuit breaker per server, so a
// flapping server is backed off without affecting the others.
func New(
	cfg Config,
	servers []models.ConnectedServer,
	client mediaserver.Client,
	geo mediaserver.GeoResolver,
	st Store,
	cache Cache,
	coord Coordinator,
	engine RuleEvaluator,
	bus Publisher,
	m *metrics.Metrics,
) *Tracker {
	if cfg.GroupingWindow <= 0 {
		cfg.GroupingWindow = 24 * time.Hour
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker[[]mediaserver.RawSession], len(servers))
	for _, srv := range servers {
		breakers[srv.ID] = gobreaker.NewCircuitBreaker[[]mediaserver.RawSession](gobreaker.Settings{
			Name:        "fetch-" + srv.ID,
			MaxRequests: 1,
			Timeout:     2 * cfg.Interval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	return &Tracker{
		cfg:        cfg,
		servers:    servers,
		client:     client,
		geo:        geo,
		normalizer: normalize.New(),
		store:      st,
		cache:      cache,
		coord:      coord,
		engine:     engine,
		bus:        bus,
		metrics:    m,
		breakers:   breakers,
		log:        logging.With().Str("component", "tracker").Logger(),
		now:        time.Now,
	}
}

// Serve implements suture.Service: one cycle immediately, then on the tick.
func (t *Tracker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.runCycle(ctx)
		}
	}
}

func (t *Tracker) String() string { return "tracker" }

// runCycle processes every server. One server's failure never aborts the
// others; its cached state stays untouched until its next good cycle.
func (t *Tracker) runCycle(ctx context.Context) {
	start := t.now()
	for _, srv := range t.servers {
		if ctx.Err() != nil {
			return
		}
		if err := t.pollServer(ctx, srv); err != nil {
			t.metrics.PollCycles.WithLabelValues(srv.ID, "error").Inc()
			t.log.Error().Err(err).Str("server", srv.ID).Msg("poll failed")
			if herr := t.cache.SetServerHealth(srv.ID, false); herr != nil {
				t.log.Warn().Err(herr).Str("server", srv.ID).Msg("health flag write failed")
			}
			continue
		}
		t.metrics.PollCycles.WithLabelValues(srv.ID, "ok").Inc()
		if herr := t.cache.SetServerHealth(srv.ID, true); herr != nil {
			t.log.Warn().Err(herr).Str("server", srv.ID).Msg("health flag write failed")
		}
	}
	t.metrics.PollDuration.Observe(t.now().Sub(start).Seconds())
}

func (t *Tracker) pollServer(ctx context.Context, srv models.ConnectedServer) error {
	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.ServerTimeout)
	defer cancel()

	raw, err := t.breakers[srv.ID].Execute(func() ([]mediaserver.RawSession, error) {
		return t.client.FetchActiveSessions(fetchCtx, srv)
	})
	if err != nil {
		t.metrics.ServerFetchErrors.WithLabelValues(srv.ID).Inc()
		return err
	}

	current := t.normalizer.Sessions(srv.Kind, raw)

	known, err := t.cache.KeyMap(srv.ID)
	if err != nil {
		return err
	}

	added, continuing, disappeared := diffSessions(known, current)
	now := t.now()

	var (
		cacheAdded   []models.Session
		cacheUpdated []models.Session
		removedIDs   []string
		ruleBatch    []rules.NewSession
	)

	for i := range added {
		sess, user, err := t.createSession(ctx, srv, &added[i], now)
		if err != nil {
			t.log.Error().Err(err).
				Str("server", srv.ID).
				Str("session_key", added[i].SessionKey).
				Msg("session create failed")
			continue
		}
		if sess == nil {
			continue // suppressed or lost the create race
		}
		cacheAdded = append(cacheAdded, *sess)
		ruleBatch = append(ruleBatch, rules.NewSession{Session: sess, User: user})
		t.metrics.SessionsStarted.WithLabelValues(srv.ID).Inc()
		t.publish(events.SessionStarted, sess)
	}

	for i := range continuing {
		prev := known[continuing[i].SessionKey]
		stateChanged := prev.State != continuing[i].State
		applyTransition(&prev, &continuing[i], now)
		if err := t.store.UpdateSessionProgress(ctx, &prev); err != nil {
			t.log.Error().Err(err).Str("session_id", prev.ID).Msg("session update failed")
			continue
		}
		cacheUpdated = append(cacheUpdated, prev)
		if stateChanged {
			t.publish(events.SessionUpdated, &prev)
		}
	}

	for i := range disappeared {
		sess := disappeared[i]
		finalize(&sess, now)
		if err := t.store.FinalizeSession(ctx, &sess); err != nil {
			t.log.Error().Err(err).Str("session_id", sess.ID).Msg("session finalize failed")
			continue
		}
		removedIDs = append(removedIDs, sess.ID)
		t.metrics.SessionsStopped.WithLabelValues(srv.ID).Inc()
		t.publish(events.SessionStopped, &sess)
	}

	// Cache failures are non-fatal: the store already committed, so a lost
	// write costs a stale read until the next cycle's resync.
	if err := t.cache.ApplyDelta(cacheAdded, cacheUpdated, removedIDs); err != nil {
		t.metrics.CacheWriteErrors.Inc()
		t.log.Error().Err(err).Str("server", srv.ID).Msg("cache delta failed")
	}

	t.metrics.ActiveSessions.WithLabelValues(srv.ID).Set(float64(len(current)))

	t.engine.EvaluateBatch(ctx, ruleBatch)
	return nil
}

// createSession inserts a brand-new session under the create lock. Returns
// (nil, nil, nil) when the session is suppressed by a termination cooldown
// or another writer won the lock; the session is picked up as continuing on
// a later cycle.
func (t *Tracker) createSession(ctx context.Context, srv models.ConnectedServer, ns *models.NormalizedSession, now time.Time) (*models.Session, *models.User, error) {
	suppressed, err := t.coord.InCooldown(srv.ID, ns.SessionKey)
	if err != nil {
		return nil, nil, err
	}
	if suppressed {
		t.log.Debug().Str("session_key", ns.SessionKey).Msg("session in termination cooldown; skipping")
		return nil, nil, nil
	}

	user, err := t.store.EnsureUser(ctx, srv.ID, ns.ExternalUserID, ns.Username)
	if err != nil {
		return nil, nil, err
	}

	acquired, err := t.coord.AcquireSessionCreate(ctx, srv.ID, ns.SessionKey)
	if err != nil {
		return nil, nil, err
	}
	if !acquired {
		t.log.Debug().Str("session_key", ns.SessionKey).Msg("lost create race; deferring to continuing path")
		return nil, nil, nil
	}
	defer func() {
		if rerr := t.coord.ReleaseSessionCreate(srv.ID, ns.SessionKey); rerr != nil {
			t.log.Warn().Err(rerr).Str("session_key", ns.SessionKey).Msg("create lock release failed")
		}
	}()

	sess := t.buildSession(srv, user, ns, now)

	if loc := t.resolveLocation(ctx, ns.IPAddress); loc != nil {
		sess.Latitude = loc.Latitude
		sess.Longitude = loc.Longitude
		sess.City = loc.City
		sess.Country = loc.Country
	}

	// Grouping lookup runs inside the locked section so the candidate
	// cannot change between lookup and insert.
	candidate, err := t.store.GroupCandidate(ctx, user.ID, ns.ContentID, now.Add(-t.cfg.GroupingWindow))
	switch {
	case err == nil:
		if ns.ProgressMs >= candidate.ProgressMs {
			origin := candidate.ChainOrigin()
			sess.ReferenceID = &origin
		}
	case errors.Is(err, store.ErrNotFound):
		// fresh chain
	default:
		return nil, nil, err
	}

	if err := t.store.InsertSession(ctx, sess); err != nil {
		return nil, nil, err
	}
	return sess, user, nil
}

func (t *Tracker) buildSession(srv models.ConnectedServer, user *models.User, ns *models.NormalizedSession, now time.Time) *models.Session {
	sess := &models.Session{
		ID:               uuid.NewString(),
		ServerID:         srv.ID,
		UserID:           user.ID,
		SessionKey:       ns.SessionKey,
		ContentID:        ns.ContentID,
		State:            ns.State,
		StartedAt:        now,
		TotalDurationMs:  ns.TotalDurationMs,
		ProgressMs:       ns.ProgressMs,
		Title:            ns.Title,
		MediaType:        ns.MediaType,
		GrandparentTitle: ns.GrandparentTitle,
		Season:           ns.Season,
		Episode:          ns.Episode,
		Year:             ns.Year,
		ArtworkPath:      ns.ArtworkPath,
		IPAddress:        ns.IPAddress,
		DeviceID:         ns.DeviceID,
		DeviceName:       ns.DeviceName,
		Platform:         ns.Platform,
		Player:           ns.Player,
		Quality:          ns.Quality,
		BitrateKbps:      ns.BitrateKbps,
		Transcoding:      ns.Transcoding,
	}
	if ns.State == models.StatePaused {
		pausedAt := now
		sess.LastPausedAt = &pausedAt
	}
	return sess
}

func (t *Tracker) resolveLocation(ctx context.Context, ip string) *models.GeoLocation {
	if ip == "" {
		return nil
	}
	loc, err := t.geo.Resolve(ctx, ip)
	if err != nil {
		t.log.Warn().Err(err).Str("ip", ip).Msg("geo lookup failed")
		return nil
	}
	return loc
}

func (t *Tracker) publish(evType events.SessionEventType, sess *models.Session) {
	if err := t.bus.PublishSession(evType, sess); err != nil {
		t.log.Warn().Err(err).Str("type", string(evType)).Msg("session event publish failed")
	}
}
