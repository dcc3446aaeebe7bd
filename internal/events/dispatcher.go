package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type publishJob struct {
	ctx  context.Context
	what string
	fn   func(ctx context.Context) error
}

// Dispatcher runs publish calls on a single goroutine in the order they were
// enqueued, so a client that creates and then deletes an item sees
// item.created before item.deleted. Enqueue never blocks; a full queue drops
// the event.
type Dispatcher struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan publishJob
	done    chan struct{}
	timeout time.Duration
	log     *zap.Logger
}

// NewDispatcher starts the publishing goroutine. Each publish gets timeout.
func NewDispatcher(queueSize int, timeout time.Duration, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		jobs:    make(chan publishJob, queueSize),
		done:    make(chan struct{}),
		timeout: timeout,
		log:     log,
	}
	go d.run()
	return d
}

// Enqueue schedules fn with a context detached from ctx that keeps its
// correlation id.
func (d *Dispatcher) Enqueue(ctx context.Context, what string, fn func(ctx context.Context) error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.log.Warn("Event dispatcher closed, dropping event", zap.String("event", what))
		return
	}

	select {
	case d.jobs <- publishJob{ctx: Detach(ctx), what: what, fn: fn}:
	default:
		d.log.Warn("Event queue full, dropping event",
			zap.String("event", what),
			zap.String("request_id", CorrelationID(ctx)),
		)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for job := range d.jobs {
		ctx, cancel := context.WithTimeout(job.ctx, d.timeout)
		if err := job.fn(ctx); err != nil {
			d.log.Error("Failed to publish event",
				zap.String("event", job.what),
				zap.String("request_id", CorrelationID(job.ctx)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queued ones to finish.
// Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	<-d.done
}
