// Package queue defines the durable work-queue contract the bundle
// lifecycle engine and payment background sweeps are built against
// (Design Notes §9: "treat the queue backend as an interface"). A
// concrete implementation lives in internal/queue/redisqueue.
package queue

import (
	"context"
	"time"
)

// Job is one unit of work handed to a Handler. Attempt starts at 1 and
// increments on every redelivery.
type Job struct {
	ID         string
	Queue      string
	Payload    []byte
	Attempt    int
	EnqueuedAt time.Time
}

// Handler processes a single job. Returning an error causes the backend
// to retry the job according to the queue's Options, up to Retries
// attempts, after which the job is dead-lettered.
type Handler func(ctx context.Context, job *Job) error

// BackoffFunc computes the delay before the next redelivery attempt.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff multiplies the delay by factor every attempt
// starting at base, capped at max.
func ExponentialBackoff(base, max time.Duration, factor int64) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= time.Duration(factor)
			if d >= max {
				return max
			}
		}
		return d
	}
}

// Options configures a Consume call: how many jobs may be processed
// concurrently by this process, how many redelivery attempts a failing
// job gets before it is dead-lettered, and the delay curve between
// attempts.
type Options struct {
	Concurrency int
	Retries     int
	Backoff     BackoffFunc
}

// Backend is the durable work-queue contract every bundle-lifecycle and
// payment background stage is written against. Implementations must
// provide at-least-once delivery; consumers are expected to be
// idempotent (spec.md's "workers must tolerate duplicate jobs").
type Backend interface {
	// Enqueue appends a single job payload to queue.
	Enqueue(ctx context.Context, queue string, payload []byte) error

	// EnqueueBatch appends many job payloads to queue in one round trip.
	EnqueueBatch(ctx context.Context, queue string, payloads [][]byte) error

	// Consume registers handler against queue and blocks until ctx is
	// cancelled, running up to opts.Concurrency jobs at a time.
	Consume(ctx context.Context, queue string, handler Handler, opts Options) error

	// Repeatable schedules a recurring job on a cron expression, keyed
	// by id so re-registering the same id replaces the earlier schedule
	// rather than adding a duplicate one (used by plan-bundle's singleton
	// scheduling).
	Repeatable(ctx context.Context, cron, id string, payload []byte) error

	// Close releases the backend's connections.
	Close() error
}
