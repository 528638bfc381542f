// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package importer

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/streamsentry/streamsentry/internal/models"
)

const prefixJob = "job:"

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("import job not found")

	// ErrRateLimited is returned when submissions exceed the limiter.
	ErrRateLimited = errors.New("import submission rate exceeded")

	// ErrNotCancellable is returned when cancelling a job that already
	// started executing; running jobs complete or fail, never abort.
	ErrNotCancellable = errors.New("only queued jobs can be cancelled")
)

// JobPublisher hands a queued job id to the worker.
type JobPublisher interface {
	PublishJob(jobID string) error
}

// Queue persists import jobs in the shared KV store and gates submissions
// with a token-bucket limiter to prevent accidental job storms.
type Queue struct {
	db      *badger.DB
	bus     JobPublisher
	limiter *rate.Limiter
}

// QueueConfig tunes submission limiting.
type QueueConfig struct {
	// SubmissionsPerMinute refills the submission bucket.
	SubmissionsPerMinute int

	// SubmissionBurst is the bucket size.
	SubmissionBurst int
}

// NewQueue constructs the queue.
func NewQueue(db *badger.DB, bus JobPublisher, cfg QueueConfig) *Queue {
	if cfg.SubmissionsPerMinute <= 0 {
		cfg.SubmissionsPerMinute = 6
	}
	if cfg.SubmissionBurst <= 0 {
		cfg.SubmissionBurst = 2
	}
	return &Queue{
		db:      db,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.SubmissionsPerMinute)), cfg.SubmissionBurst),
	}
}

// Enqueue validates, persists and dispatches a new import job.
func (q *Queue) Enqueue(source models.ImportSource, serverID, path string, dryRun bool) (*models.ImportJob, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("unsupported import source %q", source)
	}
	if path == "" {
		return nil, fmt.Errorf("import path is required")
	}
	if !q.limiter.Allow() {
		return nil, ErrRateLimited
	}

	job := &models.ImportJob{
		ID:            uuid.NewString(),
		Source:        source,
		ServerID:      serverID,
		Path:          path,
		DryRun:        dryRun,
		State:         models.ImportJobQueued,
		EnqueuedAt:    time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
	if err := q.Save(job); err != nil {
		return nil, err
	}
	if err := q.bus.PublishJob(job.ID); err != nil {
		return nil, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	return job, nil
}

// Get loads a job by id.
func (q *Queue) Get(id string) (*models.ImportJob, error) {
	var job models.ImportJob
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixJob + id))
		if err == badger.ErrKeyNotFound {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Save persists a job record.
func (q *Queue) Save(job *models.ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixJob+job.ID), data)
	})
}

// List returns every job, optionally filtered by state.
func (q *Queue) List(states ...models.ImportJobState) ([]*models.ImportJob, error) {
	want := make(map[models.ImportJobState]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}

	var out []*models.ImportJob
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixJob)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var job models.ImportJob
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			})
			if err != nil {
				return err
			}
			if len(want) > 0 {
				if _, ok := want[job.State]; !ok {
					continue
				}
			}
			j := job
			out = append(out, &j)
		}
		return nil
	})
	return out, err
}

// Active returns jobs not yet in a terminal state.
func (q *Queue) Active() ([]*models.ImportJob, error) {
	return q.List(models.ImportJobQueued, models.ImportJobWaiting, models.ImportJobRunning)
}

// Cancel cancels a job that has not started executing. The state check and
// write run in one transaction so a concurrent worker pickup cannot race it.
func (q *Queue) Cancel(id string) (*models.ImportJob, error) {
	var job models.ImportJob
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixJob + id))
		if err == badger.ErrKeyNotFound {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return err
		}
		if job.State != models.ImportJobQueued {
			return ErrNotCancellable
		}

		t := time.Now().UTC()
		job.State = models.ImportJobCancelled
		job.FinishedAt = &t

		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefixJob+id), data)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Stats summarizes job counts by state.
func (q *Queue) Stats() (map[models.ImportJobState]int, error) {
	jobs, err := q.List()
	if err != nil {
		return nil, err
	}
	out := make(map[models.ImportJobState]int)
	for _, j := range jobs {
		out[j.State]++
	}
	return out, nil
}
