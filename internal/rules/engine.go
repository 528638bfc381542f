// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package rules evaluates just-persisted sessions against the active
// detection rules and turns verdicts into violations with trust-score
// penalties. Evaluation runs after the session insert commits; a failure
// here can lose a violation, never playback history.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamsentry/streamsentry/internal/events"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

// Store is the persistence surface the engine needs.
type Store interface {
	ActiveRules(ctx context.Context) ([]*models.Rule, error)
	RecentSessionsForUsers(ctx context.Context, userIDs []string, since time.Time, perUserCap int) (map[string][]*models.Session, error)
	CreateViolation(ctx context.Context, v *models.Violation) (int, error)
	ViolationExists(ctx context.Context, ruleID, sessionID string) (bool, error)
}

// SessionCache reads a user's currently active sessions.
type SessionCache interface {
	ForUser(userID string) ([]models.Session, error)
}

// Publisher delivers violation events after commit.
type Publisher interface {
	PublishViolation(ev events.ViolationEvent) error
}

// Config tunes history preloading.
type Config struct {
	Enabled bool

	// HistoryWindow bounds how far back per-user history is loaded.
	HistoryWindow time.Duration

	// HistoryCap bounds per-user history size.
	HistoryCap int
}

// NewSession pairs a just-persisted session with its owner for evaluation.
type NewSession struct {
	Session *models.Session
	User    *models.User
}

// Engine coordinates detector evaluation for batches of new sessions.
type Engine struct {
	cfg       Config
	store     Store
	cache     SessionCache
	bus       Publisher
	metrics   *metrics.Metrics
	detectors map[models.RuleType]Detector
	log       zerolog.Logger
}

// NewEngine constructs the engine with the full detector set registered.
func NewEngine(cfg Config, store Store, cache SessionCache, bus Publisher, m *metrics.Metrics) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		bus:       bus,
		metrics:   m,
		detectors: make(map[models.RuleType]Detector),
		log:       logging.With().Str("component", "rules").Logger(),
	}
	for _, d := range []Detector{
		ImpossibleTravelDetector{},
		SimultaneousLocationsDetector{},
		DeviceVelocityDetector{},
		ConcurrentStreamsDetector{},
		GeoRestrictionDetector{},
	} {
		e.detectors[d.Type()] = d
	}
	return e
}

// EvaluateBatch evaluates every new session in the batch against the active
// rules. History is preloaded in one query across all users in the batch.
// Per-rule failures are logged and skipped; they never surface to the
// caller's write path.
func (e *Engine) EvaluateBatch(ctx context.Context, batch []NewSession) {
	if !e.cfg.Enabled || len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		e.metrics.RuleEvalSeconds.Observe(time.Since(start).Seconds())
	}()

	ruleList, err := e.store.ActiveRules(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("loading active rules failed; skipping evaluation batch")
		return
	}
	if len(ruleList) == 0 {
		return
	}

	histories, err := e.preloadHistory(ctx, batch)
	if err != nil {
		e.log.Error().Err(err).Msg("history preload failed; skipping evaluation batch")
		return
	}

	for i := range batch {
		e.evaluateSession(ctx, &batch[i], ruleList, histories)
	}
}

// preloadHistory loads recent sessions for every distinct user in the batch
// with one batched query.
func (e *Engine) preloadHistory(ctx context.Context, batch []NewSession) (map[string][]*models.Session, error) {
	seen := make(map[string]struct{}, len(batch))
	userIDs := make([]string, 0, len(batch))
	for i := range batch {
		id := batch[i].User.ID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		userIDs = append(userIDs, id)
	}
	since := time.Now().Add(-e.cfg.HistoryWindow)
	return e.store.RecentSessionsForUsers(ctx, userIDs, since, e.cfg.HistoryCap)
}

func (e *Engine) evaluateSession(ctx context.Context, ns *NewSession, ruleList []*models.Rule, histories map[string][]*models.Session) {
	in := &Input{
		Session: ns.Session,
		User:    ns.User,
		History: excludeSession(histories[ns.User.ID], ns.Session.ID),
	}

	active, err := e.cache.ForUser(ns.User.ID)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", ns.User.ID).Msg("active-session lookup failed; evaluating without it")
	} else {
		in.Active = excludeActive(active, ns.Session.ID)
	}

	for _, rule := range ruleList {
		if !rule.AppliesTo(ns.User.ID) {
			continue
		}
		detector, ok := e.detectors[rule.RuleType]
		if !ok {
			e.log.Warn().Str("rule_type", string(rule.RuleType)).Msg("no detector registered for rule type")
			continue
		}

		e.metrics.RuleChecks.WithLabelValues(string(rule.RuleType)).Inc()

		verdict, err := detector.Check(ctx, rule.Params, in)
		if err != nil {
			e.metrics.RuleErrors.WithLabelValues(string(rule.RuleType)).Inc()
			e.log.Error().Err(err).
				Str("rule", rule.Name).
				Str("session_id", ns.Session.ID).
				Msg("rule check failed")
			continue
		}
		if verdict == nil {
			continue
		}

		if err := e.recordViolation(ctx, ns, rule, verdict); err != nil {
			e.metrics.RuleErrors.WithLabelValues(string(rule.RuleType)).Inc()
			e.log.Error().Err(err).
				Str("rule", rule.Name).
				Str("session_id", ns.Session.ID).
				Msg("recording violation failed")
		}
	}
}

// recordViolation writes the violation and penalty transactionally, then
// publishes the event. Publication happens outside the transaction; a
// publish failure is logged, not rolled back.
func (e *Engine) recordViolation(ctx context.Context, ns *NewSession, rule *models.Rule, verdict *Verdict) error {
	exists, err := e.store.ViolationExists(ctx, rule.ID, ns.Session.ID)
	if err != nil {
		return fmt.Errorf("dedupe check: %w", err)
	}
	if exists {
		return nil
	}

	v := &models.Violation{
		RuleID:    rule.ID,
		RuleType:  rule.RuleType,
		UserID:    ns.User.ID,
		SessionID: ns.Session.ID,
		Severity:  verdict.Severity,
		Message:   verdict.Message,
		Data:      verdict.Data,
	}
	trustScore, err := e.store.CreateViolation(ctx, v)
	if err != nil {
		return err
	}

	e.metrics.Violations.WithLabelValues(string(rule.RuleType), string(verdict.Severity)).Inc()
	e.log.Warn().
		Str("rule", rule.Name).
		Str("user", ns.User.Username).
		Str("severity", string(verdict.Severity)).
		Int("trust_score", trustScore).
		Msg(verdict.Message)

	if err := e.bus.PublishViolation(events.ViolationEvent{
		Violation:  *v,
		Username:   ns.User.Username,
		RuleName:   rule.Name,
		TrustScore: trustScore,
	}); err != nil {
		e.log.Warn().Err(err).Msg("violation event publish failed")
	}
	return nil
}

func excludeSession(history []*models.Session, id string) []*models.Session {
	out := make([]*models.Session, 0, len(history))
	for _, s := range history {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func excludeActive(active []models.Session, id string) []models.Session {
	out := make([]models.Session, 0, len(active))
	for _, s := range active {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}
