package worker

import (
	"context"
	"time"
)

// Task is one unit of work handed to the pool.
type Task struct {
	ID string
	// Run does the work. The context carries Timeout, when set.
	Run func(ctx context.Context) error
	// Timeout of zero means the task is only bounded by the pool's base context.
	Timeout time.Duration
}

// Result describes how a task finished.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Panicked bool
	Duration time.Duration
}
