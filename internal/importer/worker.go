// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamsentry/streamsentry/internal/events"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

// Store is the persistence surface the worker writes imported history to.
type Store interface {
	EnsureUser(ctx context.Context, serverID, externalID, username string) (*models.User, error)
	InsertSessions(ctx context.Context, sessions []*models.Session) error
	HasSessionAt(ctx context.Context, userID, contentID string, startedAt time.Time) (bool, error)
}

// LockManager provides the heavy-operation lock.
type LockManager interface {
	AcquireHeavyOp(ctx context.Context, jobType, description string, onWaiting func(holder models.HeavyOperationLock)) error
	ReleaseHeavyOp() error
}

// SnapshotCache stores the latest progress snapshot for late subscribers.
type SnapshotCache interface {
	PutSnapshot(key string, value interface{}) error
}

// WorkerConfig tunes the import worker.
type WorkerConfig struct {
	// BatchSize is rows per read/insert/checkpoint batch.
	BatchSize int

	// MaxAttempts bounds retries before a job is routed to the dead-letter
	// topic.
	MaxAttempts int

	// StalledAfter is the heartbeat age past which an active job is treated
	// as stalled.
	StalledAfter time.Duration

	// HeartbeatInterval is how often a running job refreshes its heartbeat.
	HeartbeatInterval time.Duration

	// RetryInitialDelay and RetryMaxDelay bound the retry backoff.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// Worker consumes queued job ids and executes imports one at a time.
type Worker struct {
	cfg     WorkerConfig
	queue   *Queue
	sources map[models.ImportSource]Source
	store   Store
	locks   LockManager
	cache   SnapshotCache
	bus     *events.Bus
	wmLog   watermill.LoggerAdapter
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewWorker constructs the worker with its source set.
func NewWorker(
	cfg WorkerConfig,
	queue *Queue,
	sources []Source,
	st Store,
	locks LockManager,
	cache SnapshotCache,
	bus *events.Bus,
	wmLog watermill.LoggerAdapter,
	m *metrics.Metrics,
) *Worker {
	byName := make(map[models.ImportSource]Source, len(sources))
	for _, s := range sources {
		byName[s.Name()] = s
	}
	return &Worker{
		cfg:     cfg,
		queue:   queue,
		sources: byName,
		store:   st,
		locks:   locks,
		cache:   cache,
		bus:     bus,
		wmLog:   wmLog,
		metrics: m,
		log:     logging.With().Str("component", "importer").Logger(),
	}
}

// Serve implements suture.Service. The router runs a single handler on the
// job topic, so at most one import executes at a time. Failed deliveries are
// retried with exponential backoff; exhausted ones go to the dead topic.
func (w *Worker) Serve(ctx context.Context) error {
	router, err := message.NewRouter(message.RouterConfig{}, w.wmLog)
	if err != nil {
		return fmt.Errorf("build import router: %w", err)
	}

	poison, err := middleware.PoisonQueue(w.bus.Publisher(), events.TopicImportDead)
	if err != nil {
		return fmt.Errorf("build poison queue: %w", err)
	}
	retry := middleware.Retry{
		MaxRetries:      w.cfg.MaxAttempts - 1,
		InitialInterval: w.cfg.RetryInitialDelay,
		MaxInterval:     w.cfg.RetryMaxDelay,
		Multiplier:      2,
		Logger:          w.wmLog,
	}
	router.AddMiddleware(poison, retry.Middleware)

	router.AddNoPublisherHandler(
		"import-worker",
		events.TopicImportJobs,
		w.bus.Subscriber(),
		w.handle,
	)

	// Recovery republishes job ids on the in-process bus; the bus does not
	// persist messages, so dispatch must wait until the handler subscription
	// is live or the recovered jobs are lost again.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-router.Running():
		}
		if err := w.recoverOrphans(); err != nil {
			w.log.Error().Err(err).Msg("orphan recovery failed")
		}
	}()

	go w.stalledScanLoop(ctx)

	return router.Run(ctx)
}

func (w *Worker) String() string { return "import-worker" }

// handle executes one queued job. Returning an error triggers the retry
// middleware; exhausted retries poison the message to the dead topic.
func (w *Worker) handle(msg *message.Message) error {
	jobID := string(msg.Payload)
	job, err := w.queue.Get(jobID)
	if err != nil {
		// Unknown or deleted job: nothing to retry.
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("dropping unresolvable job message")
		return nil
	}
	if job.State.Terminal() {
		return nil
	}

	job.Attempts++
	if err := w.run(msg.Context(), job); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts).Msg("import attempt failed")
		if job.Attempts >= w.cfg.MaxAttempts {
			w.finish(job, models.ImportJobDead, err)
			w.metrics.ImportJobs.WithLabelValues(string(job.Source), string(models.ImportJobDead)).Inc()
		} else {
			// Back to queued so observers see the retry coming.
			job.State = models.ImportJobQueued
			job.Error = err.Error()
			w.saveAndPublish(job, "")
		}
		return err
	}
	return nil
}

// run executes the job body: acquire the heavy-operation lock, stream the
// source from the checkpoint, and commit batches with progress reporting.
func (w *Worker) run(ctx context.Context, job *models.ImportJob) error {
	source, ok := w.sources[job.Source]
	if !ok {
		return fmt.Errorf("no source registered for %q", job.Source)
	}

	job.State = models.ImportJobWaiting
	w.saveAndPublish(job, "")

	desc := fmt.Sprintf("%s import %s", job.Source, job.ID)
	err := w.locks.AcquireHeavyOp(ctx, "import", desc, func(holder models.HeavyOperationLock) {
		job.LastHeartbeat = time.Now().UTC()
		w.saveAndPublish(job, holder.Description)
	})
	if err != nil {
		return fmt.Errorf("heavy-operation lock: %w", err)
	}
	defer func() {
		if rerr := w.locks.ReleaseHeavyOp(); rerr != nil {
			w.log.Warn().Err(rerr).Str("job_id", job.ID).Msg("heavy-op lock release failed")
		}
	}()

	started := time.Now()
	job.State = models.ImportJobRunning
	if job.StartedAt == nil {
		t := started.UTC()
		job.StartedAt = &t
	}
	w.saveAndPublish(job, "")

	total, err := source.Count(ctx, job.Path, job.Checkpoint)
	if err != nil {
		return fmt.Errorf("count source rows: %w", err)
	}

	users := map[string]*models.User{}
	lastBeat := time.Now()

	err = source.Read(ctx, job.Path, job.Checkpoint, w.cfg.BatchSize, func(batch []Record) error {
		if err := w.importBatch(ctx, job, users, batch); err != nil {
			return err
		}
		job.Checkpoint = batch[len(batch)-1].RowID
		if total > 0 {
			job.Progress = 100 * float64(job.Counters.Fetched) / float64(total)
			if job.Progress > 100 {
				job.Progress = 100
			}
		}
		if time.Since(lastBeat) >= w.cfg.HeartbeatInterval {
			lastBeat = time.Now()
			job.LastHeartbeat = lastBeat.UTC()
		}
		w.saveAndPublish(job, "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("read %s source: %w", job.Source, err)
	}

	job.Progress = 100
	w.finish(job, models.ImportJobCompleted, nil)
	w.metrics.ImportJobs.WithLabelValues(string(job.Source), string(models.ImportJobCompleted)).Inc()
	w.metrics.ImportJobDuration.Observe(time.Since(started).Seconds())

	w.log.Info().
		Str("job_id", job.ID).
		Int64("imported", job.Counters.Imported).
		Int64("duplicate", job.Counters.Duplicate).
		Int64("errors", job.Counters.Errors).
		Msg("import completed")
	return nil
}

// importBatch converts one batch of records into persisted sessions. Bad
// records are counted and skipped, never fatal for the batch.
func (w *Worker) importBatch(ctx context.Context, job *models.ImportJob, users map[string]*models.User, batch []Record) error {
	toInsert := make([]*models.Session, 0, len(batch))
	src := string(job.Source)

	for i := range batch {
		rec := &batch[i]
		job.Counters.Fetched++

		if rec.ExternalUserID == "" || rec.ContentID == "" || rec.StartedAt.IsZero() {
			job.Counters.Skipped++
			w.metrics.ImportRecords.WithLabelValues(src, "skipped").Inc()
			continue
		}

		user, ok := users[rec.ExternalUserID]
		if !ok {
			var err error
			user, err = w.store.EnsureUser(ctx, job.ServerID, rec.ExternalUserID, rec.Username)
			if err != nil {
				job.Counters.Errors++
				w.metrics.ImportRecords.WithLabelValues(src, "error").Inc()
				w.log.Warn().Err(err).Str("external_id", rec.ExternalUserID).Msg("user resolution failed")
				continue
			}
			users[rec.ExternalUserID] = user
		}

		dup, err := w.store.HasSessionAt(ctx, user.ID, rec.ContentID, rec.StartedAt)
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			job.Counters.Duplicate++
			w.metrics.ImportRecords.WithLabelValues(src, "duplicate").Inc()
			continue
		}

		if job.DryRun {
			job.Counters.Imported++
			continue
		}
		toInsert = append(toInsert, recordToSession(job.ServerID, user.ID, rec))
	}

	if len(toInsert) > 0 {
		if err := w.store.InsertSessions(ctx, toInsert); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		job.Counters.Imported += int64(len(toInsert))
		w.metrics.ImportRecords.WithLabelValues(src, "imported").Add(float64(len(toInsert)))
	}
	return nil
}

// recordToSession maps a history record to a finalized session row.
func recordToSession(serverID, userID string, rec *Record) *models.Session {
	stopped := rec.StoppedAt
	if stopped.IsZero() {
		stopped = rec.StartedAt.Add(time.Duration(rec.DurationMs) * time.Millisecond)
	}
	sess := &models.Session{
		ID:               uuid.NewString(),
		ServerID:         serverID,
		UserID:           userID,
		SessionKey:       fmt.Sprintf("import-%d", rec.RowID),
		ContentID:        rec.ContentID,
		State:            models.StateStopped,
		StartedAt:        rec.StartedAt,
		StoppedAt:        &stopped,
		DurationMs:       rec.DurationMs,
		TotalDurationMs:  rec.TotalMs,
		ProgressMs:       rec.ProgressMs,
		PausedDurationMs: rec.PausedMs,
		Watched:          rec.Watched,
		Title:            rec.Title,
		MediaType:        rec.MediaType,
		IPAddress:        rec.IPAddress,
		Platform:         rec.Platform,
		Quality:          "Unknown",
	}
	if !sess.Watched && sess.ProgressRatio() >= models.WatchedThreshold {
		sess.Watched = true
	}
	return sess
}

// finish moves the job to a terminal state and reports it.
func (w *Worker) finish(job *models.ImportJob, state models.ImportJobState, cause error) {
	t := time.Now().UTC()
	job.State = state
	job.FinishedAt = &t
	if cause != nil {
		job.Error = cause.Error()
	}
	w.saveAndPublish(job, "")
}

// saveAndPublish persists the record, publishes the progress event, and
// caches the latest snapshot for late subscribers. Reporting failures are
// logged, never fatal.
func (w *Worker) saveAndPublish(job *models.ImportJob, waitingOn string) {
	if err := w.queue.Save(job); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("job record save failed")
	}

	ev := events.ImportEvent{
		JobID:     job.ID,
		State:     job.State,
		Progress:  job.Progress,
		Counters:  job.Counters,
		WaitingOn: waitingOn,
		Error:     job.Error,
	}
	if err := w.bus.PublishImportProgress(ev); err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("progress publish failed")
	}
	if err := w.cache.PutSnapshot("import:"+job.ID, ev); err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("progress snapshot failed")
	}
}

// recoverOrphans runs at startup: queued jobs are re-dispatched (their
// in-flight messages did not survive the restart) and jobs stuck in an
// active state from a prior crash are requeued or declared dead.
func (w *Worker) recoverOrphans() error {
	jobs, err := w.queue.Active()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch job.State {
		case models.ImportJobQueued:
			if err := w.bus.PublishJob(job.ID); err != nil {
				w.log.Error().Err(err).Str("job_id", job.ID).Msg("requeue dispatch failed")
			}
		case models.ImportJobWaiting, models.ImportJobRunning:
			w.requeueOrKill(job, "crash recovery")
		}
	}
	return nil
}

// stalledScanLoop periodically detects jobs whose heartbeat went silent and
// requeues or kills them. Queued jobs are included: their dispatch message
// lives only on the in-process bus, so a silent queued job means the message
// was lost and must be re-published.
func (w *Worker) stalledScanLoop(ctx context.Context) {
	interval := w.cfg.StalledAfter / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.queue.List(models.ImportJobQueued, models.ImportJobWaiting, models.ImportJobRunning)
			if err != nil {
				w.log.Error().Err(err).Msg("stalled scan failed")
				continue
			}
			for _, job := range jobs {
				if time.Since(job.LastHeartbeat) > w.cfg.StalledAfter {
					w.requeueOrKill(job, "stalled")
				}
			}
		}
	}
}

func (w *Worker) requeueOrKill(job *models.ImportJob, reason string) {
	if job.Attempts >= w.cfg.MaxAttempts {
		w.log.Error().Str("job_id", job.ID).Str("reason", reason).Msg("job exhausted retries; routing to dead letter")
		w.finish(job, models.ImportJobDead, fmt.Errorf("abandoned after %d attempts (%s)", job.Attempts, reason))
		w.metrics.ImportJobs.WithLabelValues(string(job.Source), string(models.ImportJobDead)).Inc()
		return
	}

	w.log.Warn().Str("job_id", job.ID).Str("reason", reason).Int("attempts", job.Attempts).Msg("requeuing abandoned job")
	job.State = models.ImportJobQueued
	job.LastHeartbeat = time.Now().UTC()
	w.saveAndPublish(job, "")
	if err := w.bus.PublishJob(job.ID); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("requeue dispatch failed")
	}
}
