package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-iterator/internal/metrics"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// DefaultMaxStateRetries is how often one state is retried before the
// machine is ignored.
const DefaultMaxStateRetries = 2

// StateMachineService advances a machine by one step per call.
type StateMachineService struct {
	client   TaskClient
	clock    types.Clock
	maxRetry int
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// StateMachineServiceConfig configures a StateMachineService.
type StateMachineServiceConfig struct {
	Client   TaskClient
	Clock    types.Clock
	MaxRetry int
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

func NewStateMachineService(cfg StateMachineServiceConfig) *StateMachineService {
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock{}
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = DefaultMaxStateRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StateMachineService{
		client:   cfg.Client,
		clock:    cfg.Clock,
		maxRetry: cfg.MaxRetry,
		logger:   cfg.Logger.With("component", "state-machine"),
		metrics:  cfg.Metrics,
	}
}

// Execute moves sm forward as far as the current state allows. Store
// writes are the caller's job; sm is mutated in place.
func (s *StateMachineService) Execute(ctx context.Context, sm *AnalysisStateMachine) error {
	if sm.CurrentState == nil {
		return fmt.Errorf("%w: machine %s has no current state", ErrInvalidInput, sm.UUID)
	}
	now := s.clock.Now()

	switch sm.Status {
	case StatusCreated:
		if sm.FirstPickedAt.IsZero() {
			sm.FirstPickedAt = now
		}
		s.transition(sm, StatusRunning)
		return s.runCurrent(ctx, sm)

	case StatusRetry, StatusTimeout:
		if !sm.AttemptDue(now) {
			return nil
		}
		sm.NextAttemptTime = 0
		s.transition(sm, StatusRunning)
		return s.runCurrent(ctx, sm)

	case StatusRunning:
		return s.poll(ctx, sm)
	}
	return nil
}

// runCurrent submits the current state's work.
func (s *StateMachineService) runCurrent(ctx context.Context, sm *AnalysisStateMachine) error {
	state := sm.CurrentState
	taskID, err := s.client.Submit(ctx, *state)
	if err != nil {
		if errors.Is(err, ErrNoAnalyzer) {
			state.Status = StatusFailed
			s.transition(sm, StatusFailed)
			return nil
		}
		return fmt.Errorf("submit %s of machine %s: %w", state.Type, sm.UUID, err)
	}
	state.TaskID = taskID
	state.Status = StatusRunning
	return nil
}

// poll reads the current state's task outcome and applies it.
func (s *StateMachineService) poll(ctx context.Context, sm *AnalysisStateMachine) error {
	state := sm.CurrentState
	if state.TaskID == "" {
		return s.runCurrent(ctx, sm)
	}

	status, err := s.client.Status(ctx, state.TaskID)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		s.logger.Warn("analysis task lost, retrying", "machine", sm.UUID, "state", state.Type, "task", state.TaskID)
		status = TaskRetry
	case err != nil:
		return fmt.Errorf("poll %s of machine %s: %w", state.Type, sm.UUID, err)
	}

	switch status {
	case TaskSuccess:
		state.Status = StatusSuccess
		sm.CompletedStates = append(sm.CompletedStates, *state)
		if len(sm.UpcomingStates) == 0 {
			s.transition(sm, StatusSuccess)
			return nil
		}
		next := sm.UpcomingStates[0]
		sm.UpcomingStates = sm.UpcomingStates[1:]
		sm.CurrentState = &next
		return s.runCurrent(ctx, sm)

	case TaskRetry, TaskTimeout:
		s.retry(sm, status)

	case TaskFailed:
		state.Status = StatusFailed
		s.transition(sm, StatusFailed)
	}
	return nil
}

// retry backs the machine off, or ignores it once the current state ran
// out of retries.
func (s *StateMachineService) retry(sm *AnalysisStateMachine, status TaskStatus) {
	state := sm.CurrentState
	if state.RetryCount >= s.maxRetry {
		state.Status = StatusIgnored
		s.transition(sm, StatusIgnored)
		return
	}
	state.Status = StatusRetry
	if status == TaskTimeout {
		state.Status = StatusTimeout
	}
	state.TaskID = ""
	state.RetryCount++
	sm.ScheduleRetry(s.clock.Now())
	sm.TotalRetryCount++
	s.transition(sm, StatusRetry)
}

func (s *StateMachineService) transition(sm *AnalysisStateMachine, to Status) {
	from := sm.Status
	sm.Status = to
	if from == to {
		return
	}
	s.metrics.RecordTransition(string(from), string(to))
	attrs := []any{"machine", sm.UUID, "verificationTask", sm.VerificationTaskID, "from", from, "to", to,
		"totalRetryCount", sm.TotalRetryCount}
	if sm.CurrentState != nil {
		attrs = append(attrs, "state", sm.CurrentState.Type)
	}
	s.logger.Log(context.Background(), to.LogLevel(), "analysis state machine transition", attrs...)
}
