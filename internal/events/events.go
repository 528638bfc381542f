// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package events provides the in-process publish/subscribe channel shared by
// the poller, the rule engine, and the import worker.
//
// It wraps a Watermill GoChannel Pub/Sub with typed envelopes and explicit
// subscribe/unsubscribe semantics. Delivery is buffered per subscriber so a
// slow consumer backs up its own channel instead of stalling producers.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/streamsentry/streamsentry/internal/models"
)

// Topics carried by the bus.
const (
	TopicSessions   = "sessions"
	TopicViolations = "violations"
	TopicImports    = "imports"

	// TopicImportJobs carries job-id messages consumed by the import worker.
	TopicImportJobs = "imports.jobs"

	// TopicImportDead receives poisoned job messages after retry exhaustion.
	TopicImportDead = "imports.dead"
)

// SessionEventType describes a session lifecycle transition.
type SessionEventType string

const (
	SessionStarted SessionEventType = "session_started"
	SessionUpdated SessionEventType = "session_updated"
	SessionStopped SessionEventType = "session_stopped"
)

// SessionEvent is published on TopicSessions for every persisted transition.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	Session   models.Session   `json:"session"`
	Timestamp time.Time        `json:"timestamp"`
}

// ViolationEvent is published on TopicViolations after the violation row and
// trust-score decrement have committed. User and rule summaries are
// denormalized for real-time delivery.
type ViolationEvent struct {
	Violation  models.Violation `json:"violation"`
	Username   string           `json:"username"`
	RuleName   string           `json:"rule_name"`
	TrustScore int              `json:"trust_score"`
	Timestamp  time.Time        `json:"timestamp"`
}

// ImportEvent is published on TopicImports for job progress, including the
// "waiting for {holder}" phase before the heavy-operation lock is acquired.
type ImportEvent struct {
	JobID     string                `json:"job_id"`
	State     models.ImportJobState `json:"state"`
	Progress  float64               `json:"progress"`
	Counters  models.ImportCounters `json:"counters"`
	WaitingOn string                `json:"waiting_on,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Bus is the process-wide event bus. Construct one in main and pass it by
// reference; there is no package-level instance.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

// New creates a bus. bufferSize bounds each subscriber's channel; a full
// buffer blocks only that subscriber's delivery goroutine.
func New(bufferSize int64, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: bufferSize,
		}, logger),
		logger: logger,
	}
}

// Publisher returns the underlying publisher, for router construction.
func (b *Bus) Publisher() message.Publisher { return b.pubsub }

// Subscriber returns the underlying subscriber, for router construction.
func (b *Bus) Subscriber() message.Subscriber { return b.pubsub }

// Subscribe returns a channel of raw messages for the topic. Messages must be
// Acked or Nacked by the consumer. Cancel ctx to unsubscribe.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// PublishSession publishes a session lifecycle event. Fire-and-forget: errors
// are returned for logging but must not block the caller's write path.
func (b *Bus) PublishSession(evType SessionEventType, sess *models.Session) error {
	return b.publishJSON(TopicSessions, SessionEvent{
		Type:      evType,
		Session:   *sess,
		Timestamp: time.Now().UTC(),
	})
}

// PublishViolation publishes a violation-created event.
func (b *Bus) PublishViolation(ev ViolationEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.publishJSON(TopicViolations, ev)
}

// PublishImportProgress publishes an import progress snapshot.
func (b *Bus) PublishImportProgress(ev ImportEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return b.publishJSON(TopicImports, ev)
}

// PublishJob enqueues a job id for the import worker.
func (b *Bus) PublishJob(jobID string) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(jobID))
	return b.pubsub.Publish(TopicImportJobs, msg)
}

func (b *Bus) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// DecodeSessionEvent unmarshals a TopicSessions payload.
func DecodeSessionEvent(msg *message.Message) (*SessionEvent, error) {
	var ev SessionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode session event: %w", err)
	}
	return &ev, nil
}

// DecodeViolationEvent unmarshals a TopicViolations payload.
func DecodeViolationEvent(msg *message.Message) (*ViolationEvent, error) {
	var ev ViolationEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode violation event: %w", err)
	}
	return &ev, nil
}

// DecodeImportEvent unmarshals a TopicImports payload.
func DecodeImportEvent(msg *message.Message) (*ImportEvent, error) {
	var ev ImportEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode import event: %w", err)
	}
	return &ev, nil
}
