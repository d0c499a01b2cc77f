// ============================================================================
// Beaver-Iterator Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine draining the pool's task channel.
//
//   for task := range taskCh
//     ├─ context with timeout
//     ├─ task.Run(ctx), panics recovered
//     └─ report Result
//
// A panicking task is reported as a failed Result; the worker keeps going.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Worker is one execution goroutine.
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run executes tasks until the task channel closes.
func (w *Worker) Run() {
	for task := range w.pool.taskCh {
		result := w.execute(task)
		if w.pool.onResult != nil {
			w.pool.onResult(result)
		}
	}
}

func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	w.pool.busy.Add(1)

	ctx, cancel := w.pool.baseCtx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}

	defer func() {
		cancel()
		w.pool.busy.Add(-1)
		if r := recover(); r != nil {
			w.pool.logger.Error("task panicked",
				"worker", w.id, "task", task.ID, "panic", r, "stack", string(debug.Stack()))
			result = Result{
				TaskID:   task.ID,
				Error:    fmt.Errorf("task %s panicked: %v", task.ID, r),
				Panicked: true,
				Duration: time.Since(start),
			}
		}
	}()

	if task.Run == nil {
		return Result{TaskID: task.ID, Error: fmt.Errorf("task %s has no Run func", task.ID), Duration: time.Since(start)}
	}
	err := task.Run(ctx)
	return Result{
		TaskID:   task.ID,
		Success:  err == nil,
		Error:    err,
		Duration: time.Since(start),
	}
}
