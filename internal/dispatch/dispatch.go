// Package dispatch provides the callback context transfers deliver their
// events on: a serial queue drained by a single goroutine, so subscribers
// never run concurrently with each other.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/italolelis/parallel_downloader/internal/logctx"
)

const defaultQueueSize = 256

// Queue runs posted functions one at a time, in the order they were posted.
// Post never blocks, so callbacks may post back into the queue they run on.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
}

// NewQueue creates a queue. size is the initial capacity of the pending
// buffer; the buffer grows as needed.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}

	return &Queue{
		pending: make([]func(), 0, size),
		wake:    make(chan struct{}, 1),
	}
}

// Post enqueues fn. It drops fn once the queue has stopped.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled. Functions still pending when
// ctx ends are run before Run returns.
func (q *Queue) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		q.runBatch(ctx, q.take(false))

		if ctx.Err() != nil {
			q.runBatch(ctx, q.take(true))
			logger.Debug("callback queue stopped")

			return nil
		}

		q.mu.Lock()
		idle := len(q.pending) == 0
		q.mu.Unlock()

		if !idle {
			continue
		}

		select {
		case <-ctx.Done():
		case <-q.wake:
		}
	}
}

func (q *Queue) take(closing bool) []func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if closing {
		q.closed = true
	}

	batch := q.pending
	q.pending = nil

	return batch
}

func (q *Queue) runBatch(ctx context.Context, batch []func()) {
	for _, fn := range batch {
		q.exec(ctx, fn)
	}
}

func (q *Queue) exec(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("callback panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	fn()
}

// Inline runs functions immediately on the posting goroutine.
type Inline struct{}

func (Inline) Post(fn func()) {
	fn()
}
