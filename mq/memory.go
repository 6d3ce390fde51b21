package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue. Delayed messages are held on timers;
// everything is lost on process exit, so production deployments should use
// the SQL queue (or any external broker satisfying the contract).
type MemoryQueue struct {
	mu      sync.Mutex
	handler Handler
	ctx     context.Context
	pending []*time.Timer
	wg      sync.WaitGroup
	buffer  [][]byte // messages enqueued before Listen is called
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte, opts ...EnqueueOption) error {
	o := applyOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()

	if o.Delay <= 0 {
		q.dispatchLocked(body)
		return nil
	}

	body = append([]byte(nil), body...)
	timer := time.AfterFunc(o.Delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.dispatchLocked(body)
	})
	q.pending = append(q.pending, timer)
	return nil
}

// dispatchLocked hands a message to the handler, or buffers it when no
// listener is registered yet.
func (q *MemoryQueue) dispatchLocked(body []byte) {
	if q.handler == nil {
		q.buffer = append(q.buffer, body)
		return
	}
	handler, ctx := q.handler, q.ctx
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := handler(ctx, body); err != nil {
			slog.Warn("queue handler failed", "error", err)
		}
	}()
}

func (q *MemoryQueue) Listen(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return errors.New("queue already has a listener")
	}
	q.handler = handler
	q.ctx = ctx
	buffered := q.buffer
	q.buffer = nil
	for _, body := range buffered {
		q.dispatchLocked(body)
	}
	q.mu.Unlock()

	<-ctx.Done()

	q.mu.Lock()
	for _, t := range q.pending {
		t.Stop()
	}
	q.pending = nil
	q.handler = nil
	q.mu.Unlock()

	q.wg.Wait()
	return ctx.Err()
}
