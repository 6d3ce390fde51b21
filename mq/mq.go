// Package mq defines the message-queue contract the outbox delivery
// pipeline drains, plus in-memory and SQL-backed implementations. Delivery
// is at-least-once; order is not guaranteed. Duplicates are absorbed by the
// receiving side's inbox deduplication.
package mq

import (
	"context"
	"time"
)

// Handler consumes a message body. It may be invoked concurrently. A
// returned error marks the delivery attempt failed; redelivery policy is
// owned by the producer (the outbox re-enqueues with its own backoff), so
// queues log and drop failed messages.
type Handler func(ctx context.Context, body []byte) error

// EnqueueOptions carries optional enqueue parameters.
type EnqueueOptions struct {
	// Delay postpones the first delivery attempt.
	Delay time.Duration
}

// EnqueueOption configures an enqueue.
type EnqueueOption func(*EnqueueOptions)

// WithDelay postpones delivery, used by the retry backoff schedule.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// Queue is a minimal at-least-once message queue. Messages are opaque
// JSON-serializable payloads.
type Queue interface {
	// Enqueue schedules a message for delivery.
	Enqueue(ctx context.Context, body []byte, opts ...EnqueueOption) error
	// Listen registers the single handler and blocks until ctx is
	// cancelled. The handler may be invoked concurrently.
	Listen(ctx context.Context, handler Handler) error
}

func applyOptions(opts []EnqueueOption) EnqueueOptions {
	var o EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
