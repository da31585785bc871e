// Package queue provides the priority dispatch queue over an abstract
// broker. Two brokers are shipped: Redis (sorted sets) and AMQP
// (priority queues with a dead-letter delay stage). The engine only
// depends on the Broker contract.
package queue

import (
	"context"
	"time"
)

// InfraMaxAttempts bounds broker-level redelivery of one dispatch call.
// This is infrastructure retry only; the notification's own
// attempts/max_attempts counter governs the business retry policy.
const InfraMaxAttempts = 3

// DefaultBackoffBase seeds the exponential infrastructure backoff.
const DefaultBackoffBase = 2 * time.Second

// Job is the unit submitted to the broker. The payload is intentionally
// thin: workers re-read the notification from the store, which stays the
// single source of truth for status.
type Job struct {
	NotificationID string        `json:"notification_id"`
	Priority       int           `json:"priority"`
	Delay          time.Duration `json:"delay"`
	Attempt        int           `json:"attempt"`
	MaxAttempts    int           `json:"max_attempts"`
	Backoff        time.Duration `json:"backoff"`
	EnqueuedAt     int64         `json:"enqueued_at"`
}

// BackoffDelay is the infrastructure retry delay for the given attempt:
// base delay multiplied by the attempt number.
func (j Job) BackoffDelay() time.Duration {
	base := j.Backoff
	if base <= 0 {
		base = DefaultBackoffBase
	}
	attempt := j.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// Handler processes one dispatched job. A returned error triggers
// infrastructure redelivery while the job has broker attempts left.
type Handler func(ctx context.Context, job Job) error

// Metrics is the broker-level queue snapshot.
type Metrics struct {
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Broker    string `json:"broker"`
	Connected bool   `json:"connected"`
}

// Broker is the abstract queueing substrate. Add is idempotent per
// notification id while the job is in flight, so the periodic sweep can
// resubmit safely.
type Broker interface {
	Add(ctx context.Context, job Job) error
	Consume(ctx context.Context, concurrency int, handler Handler) error
	Pause()
	Resume()
	Metrics(ctx context.Context) (Metrics, error)
	Close() error
}
