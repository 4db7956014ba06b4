// Package workpool provides bounded worker pools and per-provider rate
// limiters for the enrichment stages. All cross-stage fan-out goes through a
// pool so no stage can block a request-handling goroutine.
package workpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/FACorreiaa/payee-enrichment/pkg/metrics"
)

// ErrQueueFull is returned by Submit when the pool's queue is at capacity.
var ErrQueueFull = errors.New("workpool: queue full")

// ErrAwaitTimeout is returned by Handle.Await when the timeout elapses first.
var ErrAwaitTimeout = errors.New("workpool: await timeout")

// Task is a unit of work executed on a pool worker.
type Task func(ctx context.Context) error

// Handle tracks a submitted task.
type Handle struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Cancel requests cancellation of the task. Safe to call at any time.
func (h *Handle) Cancel() { h.cancel() }

// Await blocks until the task finishes or the timeout elapses.
func (h *Handle) Await(timeout time.Duration) error {
	if timeout <= 0 {
		<-h.done
		return h.Err()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return h.Err()
	case <-t.C:
		return ErrAwaitTimeout
	}
}

// Done returns a channel closed when the task finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's final error, nil until completion.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

type queued struct {
	ctx    context.Context
	task   Task
	handle *Handle
}

// Pool is a bounded worker pool with a fixed queue.
type Pool struct {
	name      string
	tasks     chan queued
	highWater int
	m         *metrics.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	workers   int
	baseCtx   context.Context
	baseStop  context.CancelFunc
}

// New creates a pool with the given worker count and queue size. The
// high-water mark is where Saturated starts reporting true; it must be at
// most the queue size.
func New(name string, workers, queueSize, highWater int, m *metrics.Metrics) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	if highWater <= 0 || highWater > queueSize {
		highWater = queueSize
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Pool{
		name:      name,
		tasks:     make(chan queued, queueSize),
		highWater: highWater,
		m:         m,
		workers:   workers,
		baseCtx:   ctx,
		baseStop:  stop,
	}
}

// Start launches the worker goroutines. Idempotent.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case q, ok := <-p.tasks:
			if !ok {
				return
			}
			if p.m != nil {
				p.m.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.tasks)))
			}
			if q.ctx.Err() != nil {
				q.handle.finish(q.ctx.Err())
				continue
			}
			q.handle.finish(q.task(q.ctx))
		}
	}
}

// Submit enqueues a task and returns its handle. Returns ErrQueueFull when
// the queue is at capacity; callers translate that into a retry hint.
func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	h := &Handle{done: make(chan struct{}), cancel: cancel}

	select {
	case p.tasks <- queued{ctx: taskCtx, task: task, handle: h}:
		if p.m != nil {
			p.m.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.tasks)))
		}
		return h, nil
	default:
		cancel()
		if p.m != nil {
			p.m.PoolRejections.WithLabelValues(p.name).Inc()
		}
		return nil, ErrQueueFull
	}
}

// Saturated reports whether the queue has crossed its high-water mark.
// The orchestrator stops pulling new records while this is true.
func (p *Pool) Saturated() bool {
	return len(p.tasks) >= p.highWater
}

// QueueDepth returns the number of queued tasks.
func (p *Pool) QueueDepth() int { return len(p.tasks) }

// Stop cancels running tasks and waits for workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.baseStop()
		p.wg.Wait()
	})
}
