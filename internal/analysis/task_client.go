// ============================================================================
// Beaver-Iterator Analysis Task Client
// ============================================================================
//
// Package: internal/analysis
// File: task_client.go
// Purpose: Submit the work behind an AnalysisState and poll its outcome.
//
// LocalTaskClient runs registered Analyzers on a worker.Pool:
//
//   Submit(state) ──> task id ──> pool ──> Analyzer(ctx, input)
//                                            │
//                  Status(task id) <── result handler records outcome
//
// Outcome mapping:
//   nil error                   -> TaskSuccess
//   context deadline exceeded   -> TaskTimeout
//   error wrapping ErrPermanent -> TaskFailed
//   any other error or a panic  -> TaskRetry
//
// A terminal outcome is handed out once; asking again reports
// ErrTaskNotFound, which the state machine treats as a lost task.
//
// ============================================================================

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-iterator/internal/worker"
)

var (
	ErrTaskNotFound = errors.New("analysis task not found")
	ErrNoAnalyzer   = errors.New("no analyzer registered for state type")
	// ErrPermanent marks an analyzer failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent analysis failure")
)

// TaskStatus is the outcome of submitted analysis work.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "QUEUED"
	TaskRunning TaskStatus = "RUNNING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailed  TaskStatus = "FAILED"
	TaskRetry   TaskStatus = "RETRY"
	TaskTimeout TaskStatus = "TIMEOUT"
)

func (s TaskStatus) terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskRetry || s == TaskTimeout
}

// TaskClient is the boundary to whatever performs the analysis.
type TaskClient interface {
	Submit(ctx context.Context, state AnalysisState) (string, error)
	Status(ctx context.Context, taskID string) (TaskStatus, error)
	// Saturated reports that new work should not be started right now.
	Saturated() bool
}

// Analyzer performs one kind of analysis over a window.
type Analyzer func(ctx context.Context, input AnalysisInput) error

// LocalTaskClient runs analyzers in process.
type LocalTaskClient struct {
	pool       *worker.Pool
	timeout    time.Duration
	maxPending int64
	logger     *slog.Logger

	mu        sync.Mutex
	analyzers map[StateType]Analyzer
	tasks     map[string]TaskStatus
	pending   atomic.Int64
}

// LocalTaskClientConfig configures a LocalTaskClient.
type LocalTaskClientConfig struct {
	Workers int
	// Timeout bounds one analyzer run; zero disables it.
	Timeout time.Duration
	// MaxPending is the number of unfinished tasks at which the client
	// reports itself saturated; zero disables the check.
	MaxPending int
	Logger     *slog.Logger
}

// NewLocalTaskClient starts a dedicated pool. Close stops it.
func NewLocalTaskClient(cfg LocalTaskClientConfig) (*LocalTaskClient, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &LocalTaskClient{
		timeout:    cfg.Timeout,
		maxPending: int64(cfg.MaxPending),
		logger:     cfg.Logger.With("component", "analysis-task-client"),
		analyzers:  make(map[StateType]Analyzer),
		tasks:      make(map[string]TaskStatus),
	}
	c.pool = worker.NewPool(cfg.Workers*2,
		worker.WithLogger(cfg.Logger),
		worker.WithResultHandler(c.onResult))
	if err := c.pool.Start(cfg.Workers); err != nil {
		return nil, fmt.Errorf("start analysis pool: %w", err)
	}
	return c, nil
}

// Register sets the analyzer used for states of type t.
func (c *LocalTaskClient) Register(t StateType, a Analyzer) {
	c.mu.Lock()
	c.analyzers[t] = a
	c.mu.Unlock()
}

func (c *LocalTaskClient) Submit(ctx context.Context, state AnalysisState) (string, error) {
	c.mu.Lock()
	analyzer, ok := c.analyzers[state.Type]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAnalyzer, state.Type)
	}

	id := uuid.NewString()
	c.setStatus(id, TaskQueued)
	c.pending.Add(1)

	input := state.Input
	err := c.pool.Submit(ctx, worker.Task{
		ID:      id,
		Timeout: c.timeout,
		Run: func(taskCtx context.Context) error {
			c.setStatus(id, TaskRunning)
			return analyzer(taskCtx, input)
		},
	})
	if err != nil {
		c.pending.Add(-1)
		c.mu.Lock()
		delete(c.tasks, id)
		c.mu.Unlock()
		return "", fmt.Errorf("submit %s analysis: %w", state.Type, err)
	}
	return id, nil
}

// Status reports the task's state. A terminal status is removed once read.
func (c *LocalTaskClient) Status(_ context.Context, taskID string) (TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if status.terminal() {
		delete(c.tasks, taskID)
	}
	return status, nil
}

func (c *LocalTaskClient) Saturated() bool {
	return c.maxPending > 0 && c.pending.Load() >= c.maxPending
}

// Close waits for running analyses and stops the pool.
func (c *LocalTaskClient) Close() {
	c.pool.Stop()
}

func (c *LocalTaskClient) onResult(r worker.Result) {
	status := TaskSuccess
	switch {
	case r.Success:
	case errors.Is(r.Error, context.DeadlineExceeded):
		status = TaskTimeout
	case errors.Is(r.Error, ErrPermanent):
		status = TaskFailed
	default:
		status = TaskRetry
	}
	if status != TaskSuccess {
		c.logger.Warn("analysis task finished unsuccessfully", "task", r.TaskID, "status", status,
			"error", r.Error, "panicked", r.Panicked)
	}
	// status and pending change together so a reader never sees a finished
	// task still counted as pending
	c.mu.Lock()
	c.tasks[r.TaskID] = status
	c.pending.Add(-1)
	c.mu.Unlock()
}

func (c *LocalTaskClient) setStatus(id string, status TaskStatus) {
	c.mu.Lock()
	c.tasks[id] = status
	c.mu.Unlock()
}

var _ TaskClient = (*LocalTaskClient)(nil)
