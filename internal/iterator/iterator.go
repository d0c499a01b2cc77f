// ============================================================================
// Beaver-Iterator Persistence Iterator - scheduler core
// ============================================================================
//
// Package: internal/iterator
// File: iterator.go
// Purpose: Claim due entities from a Provider and run a Handler on each.
//
// One cycle:
//   1. Idle unless the node is primary and not in maintenance
//   2. Acquire a semaphore permit, compute base (optionally redistributed)
//   3. Atomically claim the next due entity; release the permit
//   4. Irregular schedules: persist the recomputed time list; an entity
//      with no time left was only claimed to be rescheduled
//   5. Consult the EntityProcessController
//   6. Hand the entity to the worker pool and wait (bounded) until the
//      worker has started it
//   7. Nothing due: PUMP returns, LOOP sleeps until the next due entity,
//      MaximumDelayForCheck, or Wakeup
//   8. Any cycle error is logged and followed by a short back-off
//
// Concurrency:
//   - One polling goroutine per Iterator; instances in other processes
//     coordinate only through the Provider's atomic claim
//   - The semaphore caps claims plus running handlers, independent of the
//     pool size
//   - Handlers are never cancelled cooperatively; a stuck handler only
//     pins its worker
//
// ============================================================================

package iterator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/internal/worker"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

var (
	ErrInvalidOptions = errors.New("iterator: invalid options")
	ErrClosed         = errors.New("iterator: closed")
)

// Iterator drives one schedule of one entity kind.
type Iterator[T types.Iterable] struct {
	opts    Options[T]
	logger  *slog.Logger
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	pool    *worker.Pool
	ownPool bool
	wakeCh  chan struct{}

	inflight sync.WaitGroup

	// redistribution state, only touched by the polling goroutine
	previous      int64
	movingAverage int64

	closed    atomic.Bool
	closeOnce sync.Once
}

// New validates opts and builds an iterator. When opts.Pool is nil a
// dedicated pool is started.
func New[T types.Iterable](opts Options[T]) (*Iterator[T], error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	it := &Iterator[T]{
		opts:   opts,
		logger: opts.Logger.With("component", "iterator", "iterator", opts.Name),
		sem:    semaphore.NewWeighted(int64(opts.Semaphore)),
		pool:   opts.Pool,
		wakeCh: make(chan struct{}, 1),
	}
	if opts.ClaimRate > 0 {
		it.limiter = rate.NewLimiter(rate.Limit(opts.ClaimRate), 1)
	}
	if it.pool == nil {
		it.pool = worker.NewPool(opts.ThreadPoolSize, worker.WithLogger(opts.Logger))
		if err := it.pool.Start(opts.ThreadPoolSize); err != nil {
			return nil, fmt.Errorf("start pool for %s: %w", opts.Name, err)
		}
		it.ownPool = true
	}
	return it, nil
}

// Name returns the configured iterator name.
func (it *Iterator[T]) Name() string { return it.opts.Name }

// Wakeup interrupts a LOOP sleep so the next cycle starts immediately.
func (it *Iterator[T]) Wakeup() {
	select {
	case it.wakeCh <- struct{}{}:
	default:
	}
}

// Drain waits for every dispatched handler to finish.
func (it *Iterator[T]) Drain() {
	it.inflight.Wait()
}

// Close drains handlers and stops an owned pool.
func (it *Iterator[T]) Close() {
	it.closeOnce.Do(func() {
		it.closed.Store(true)
		it.Drain()
		if it.ownPool {
			it.pool.Stop()
		}
	})
}

// Process runs the polling loop. In LOOP mode it returns when ctx is
// cancelled; in PUMP mode it returns once nothing is due.
func (it *Iterator[T]) Process(ctx context.Context) error {
	if it.closed.Load() {
		return ErrClosed
	}
	it.logger.Info("iterator started", "mode", it.opts.Mode, "field", it.opts.Field,
		"schedulingType", it.opts.SchedulingType)
	defer it.logger.Info("iterator stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		sleep, drained, err := it.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			it.logger.Error("iterator cycle failed", "error", err)
			it.opts.Metrics.RecordClaimError(it.opts.Name)
			it.sleep(ctx, it.opts.ErrorBackoff)
			continue
		}
		if drained {
			return nil
		}
		if sleep > 0 {
			it.sleep(ctx, sleep)
		}
	}
}

// cycle performs one claim attempt. It returns how long to sleep before the
// next one, or drained when a PUMP run is finished.
func (it *Iterator[T]) cycle(ctx context.Context) (time.Duration, bool, error) {
	o := &it.opts
	if o.Cluster != nil && (!o.Cluster.IsPrimary() || o.Cluster.IsMaintenance()) {
		if o.Mode == Pump {
			return 0, true, nil
		}
		return o.IdleSleep, false, nil
	}

	if it.limiter != nil {
		if err := it.limiter.Wait(ctx); err != nil {
			return 0, false, err
		}
	}

	entity, ok, throttled, err := it.claim(ctx)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		if o.Mode == Pump {
			return 0, true, nil
		}
		next, found, err := o.Provider.FindInstance(ctx, o.Field, o.Filter)
		if err != nil {
			return 0, false, fmt.Errorf("find next instance: %w", err)
		}
		var nextEntity types.Iterable
		if found {
			nextEntity = next
		}
		return it.CalculateSleepDuration(nextEntity), false, nil
	}
	o.Metrics.RecordClaim(o.Name)

	if o.SchedulingType != types.Regular {
		irregular, ok := any(entity).(types.IrregularIterable)
		if !ok {
			return 0, false, fmt.Errorf("%w: %s", persistence.ErrNotIrregular, entity.ID())
		}
		next := irregular.RecalculateNextIterations(o.Field, o.SchedulingType == types.IrregularSkipMissed, throttled)
		if len(next) > 0 {
			if err := o.Provider.UpdateEntityField(ctx, entity, o.Field, next); err != nil {
				return 0, false, fmt.Errorf("update next iterations of %s: %w", entity.ID(), err)
			}
		}
		if entity.ObtainNextIteration(o.Field) == nil {
			o.Metrics.RecordSkipped(o.Name, "rescheduled")
			return 0, false, nil
		}
	}

	if o.ProcessController != nil && !o.ProcessController.ShouldProcessEntity(entity) {
		it.logger.Debug("entity gated by process controller", "entity", entity.ID())
		o.Metrics.RecordSkipped(o.Name, "gated")
		return 0, false, nil
	}

	if err := it.dispatch(ctx, entity); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

// claim holds a semaphore permit only for the duration of the store call.
func (it *Iterator[T]) claim(ctx context.Context) (T, bool, int64, error) {
	var zero T
	o := &it.opts
	if err := it.sem.Acquire(ctx, 1); err != nil {
		return zero, false, 0, err
	}
	defer it.sem.Release(1)

	now := o.Clock.Now()
	base := now.UnixMilli()
	throttled := base + o.ThrottleInterval.Milliseconds()
	if o.Redistribute && o.SchedulingType == types.Regular {
		base = it.redistribute(base)
	}

	entity, ok, err := o.Provider.ObtainNextInstance(ctx, persistence.ClaimRequest{
		Now:            now,
		Base:           base,
		Throttled:      throttled,
		Field:          o.Field,
		SchedulingType: o.SchedulingType,
		TargetInterval: o.TargetInterval,
		Unsorted:       o.Unsorted,
	}, o.Filter)
	if err != nil {
		return zero, false, 0, fmt.Errorf("obtain next instance: %w", err)
	}
	return entity, ok, throttled, nil
}

// movingAvg weighs the running value 15:1 against the new sample.
func movingAvg(current, sample int64) int64 {
	return (15*current + sample) / 16
}

// redistribute smooths base against the previous claim so a burst of
// entities sharing one due time is spread over following intervals.
func (it *Iterator[T]) redistribute(base int64) int64 {
	if it.previous != 0 {
		base = movingAvg(it.previous+it.movingAverage, base)
		it.movingAverage = movingAvg(it.movingAverage, base-it.previous)
	}
	it.previous = base
	return base
}

// dispatch hands the entity to the pool and waits until a worker picked it
// up, bounded by DispatchWait.
func (it *Iterator[T]) dispatch(ctx context.Context, entity T) error {
	started := make(chan struct{})
	it.inflight.Add(1)
	err := it.pool.Submit(ctx, worker.Task{
		ID: entity.ID(),
		Run: func(taskCtx context.Context) error {
			defer it.inflight.Done()
			// handlers run past their iteration but not past shutdown
			hctx, cancel := context.WithCancel(taskCtx)
			defer cancel()
			stop := context.AfterFunc(ctx, cancel)
			defer stop()
			it.processEntity(hctx, entity, started)
			return nil
		},
	})
	if err != nil {
		it.inflight.Done()
		return fmt.Errorf("dispatch %s: %w", entity.ID(), err)
	}

	timer := time.NewTimer(it.opts.DispatchWait)
	defer timer.Stop()
	select {
	case <-started:
	case <-timer.C:
		it.logger.Warn("entity not started within dispatch wait", "entity", entity.ID(),
			"wait", it.opts.DispatchWait)
	case <-ctx.Done():
	}
	return nil
}

// processEntity runs on a worker goroutine.
func (it *Iterator[T]) processEntity(ctx context.Context, entity T, started chan<- struct{}) {
	o := &it.opts
	if err := it.sem.Acquire(ctx, 1); err != nil {
		close(started)
		it.logger.Error("could not acquire permit", "entity", entity.ID(), "error", err)
		return
	}
	close(started)
	defer it.sem.Release(1)

	o.Metrics.AddInFlight(o.Name, 1)
	defer o.Metrics.AddInFlight(o.Name, -1)

	startTime := o.Clock.Now()
	var previous int64
	if next := entity.ObtainNextIteration(o.Field); next != nil {
		previous = *next
	}
	if o.SchedulingType == types.Regular {
		entity.UpdateNextIteration(o.Field, types.Int64Ptr(0))
	}

	var delay time.Duration
	if previous != 0 {
		delay = time.Duration(startTime.UnixMilli()-previous) * time.Millisecond
	}
	o.Metrics.ObserveSchedulingDelay(o.Name, delay)
	if o.AcceptableNoAlertDelay == 0 || delay <= o.AcceptableNoAlertDelay {
		it.logger.Info("working on entity", "entity", entity.ID(), "delay", delay)
	} else {
		it.logger.Error("working on entity but the delay is more than acceptable",
			"entity", entity.ID(), "delay", delay, "acceptable", o.AcceptableNoAlertDelay)
		o.Metrics.RecordSLOViolation(o.Name, "delay")
	}

	result := it.invoke(ctx, entity)

	took := o.Clock.Now().Sub(startTime)
	o.Metrics.RecordProcessed(o.Name, result, took)
	if o.AcceptableExecutionTime == 0 || took <= o.AcceptableExecutionTime {
		it.logger.Info("done with entity", "entity", entity.ID(), "duration", took, "result", result)
	} else {
		it.logger.Error("done with entity but took too long",
			"entity", entity.ID(), "duration", took, "acceptable", o.AcceptableExecutionTime, "result", result)
		o.Metrics.RecordSLOViolation(o.Name, "execution")
	}
}

// invoke calls the handler, converting errors and panics into a result label.
func (it *Iterator[T]) invoke(ctx context.Context, entity T) (result string) {
	defer func() {
		if r := recover(); r != nil {
			it.logger.Error("handler panicked", "entity", entity.ID(), "panic", r)
			result = "panic"
		}
	}()
	if err := it.opts.Handler.Handle(ctx, entity); err != nil {
		it.logger.Error("handler failed", "entity", entity.ID(), "error", err)
		return "error"
	}
	return "success"
}

// CalculateSleepDuration returns how long a LOOP poller may sleep given the
// next scheduled entity. A nil entity means nothing is scheduled.
func (it *Iterator[T]) CalculateSleepDuration(entity types.Iterable) time.Duration {
	o := &it.opts
	if entity == nil {
		if o.MaximumDelayForCheck > 0 {
			return o.MaximumDelayForCheck
		}
		return o.TargetInterval
	}
	next := entity.ObtainNextIteration(o.Field)
	if next == nil {
		return 0
	}
	sleep := time.Duration(*next-o.Clock.Now().UnixMilli()) * time.Millisecond
	if sleep < 0 {
		return 0
	}
	if o.MaximumDelayForCheck > 0 && sleep > o.MaximumDelayForCheck {
		return o.MaximumDelayForCheck
	}
	return sleep
}

// RecoverAfterPause repairs the schedule after a maintenance pause and
// wakes the poller.
func (it *Iterator[T]) RecoverAfterPause(ctx context.Context) (int, error) {
	o := &it.opts
	n, err := o.Provider.RecoverAfterPause(ctx, persistence.RecoverRequest{
		Now:            o.Clock.Now(),
		Field:          o.Field,
		SchedulingType: o.SchedulingType,
		Spread:         o.TargetInterval,
	})
	if err != nil {
		return n, fmt.Errorf("recover %s after pause: %w", o.Name, err)
	}
	o.Metrics.RecordRecovered(o.Name, n)
	it.logger.Info("recovered after pause", "entities", n)
	it.Wakeup()
	return n, nil
}

// sleep waits for d, a Wakeup, or cancellation.
func (it *Iterator[T]) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-it.wakeCh:
	case <-timer.C:
	}
}
