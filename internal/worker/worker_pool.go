// ============================================================================
// Beaver-Iterator Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Run handler invocations on a fixed set of goroutines.
//
// Design:
//   A fixed number of Worker goroutines read from one buffered task channel.
//   The pool bounds concurrency; callers bound admission (the iterator's
//   semaphore), so Submit blocks rather than rejects when the buffer is full.
//
//   ┌─────────────┐
//   │  Iterator   │ --Submit(ctx, task)--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │    Pool     │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ onResult(Result)
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()      - create channels
//   2. Start(n)       - launch n workers
//   3. Submit(task)   - enqueue, blocks while the buffer is full
//   4. Stop()         - stop accepting, let workers drain the queue, wait
//
// Errors:
//   - ErrPoolNotStarted: Submit before Start
//   - ErrPoolClosed: Submit after Stop
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolStarted    = errors.New("worker pool already started")
)

// Option customizes a Pool.
type Option func(*Pool)

// WithResultHandler receives every finished task's Result on the worker
// goroutine that ran it.
func WithResultHandler(fn func(Result)) Option {
	return func(p *Pool) { p.onResult = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithBaseContext sets the parent of every task context.
func WithBaseContext(ctx context.Context) Option {
	return func(p *Pool) { p.baseCtx = ctx }
}

// Pool manages a fixed set of workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	stopCh   chan struct{}
	wg       sync.WaitGroup
	busy     atomic.Int64
	onResult func(Result)
	logger   *slog.Logger
	baseCtx  context.Context

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPool creates a pool whose queue holds bufferSize tasks.
func NewPool(bufferSize int, opts ...Option) *Pool {
	p := &Pool{
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
		logger:  slog.Default(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker-pool")
	return p
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	return nil
}

// Submit enqueues task, blocking while the queue is full. It gives up when
// ctx is done or the pool stops.
//
// The read lock is held across the send so Stop cannot close taskCh under
// an in-progress Submit.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting tasks, lets workers finish everything already queued
// and waits for them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount returns the number of workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start was called.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Busy returns the number of tasks currently executing.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.taskCh)
}
