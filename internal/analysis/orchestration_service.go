// ============================================================================
// Beaver-Iterator Orchestration Service
// ============================================================================
//
// Package: internal/analysis
// File: orchestration_service.go
// Purpose: Queue analysis windows per verification task and drive them one
//          machine at a time from the orchestrator iterator.
//
// Two-level scheduling:
//   - the iterator claims an AnalysisOrchestrator on its regular schedule
//   - each claim steps the current AnalysisStateMachine once; the machine's
//     own backoff (NextAttemptTime) decides when a retry really runs
//
// Orchestrate(orchestrator):
//   current machine
//     ├─ not final     -> StateMachineService.Execute
//     ├─ SUCCESS       -> COMPLETED, advance
//     ├─ IGNORED       -> advance
//     ├─ FAILED        -> orchestrator COMPLETED
//     └─ TERMINATED    -> orchestrator TERMINATED
//   advance
//     ├─ ignore stale CREATED machines at the head (at most IgnoreLimit)
//     ├─ queue empty   -> WAITING
//     └─ start next, carrying the previous machine's retry count
//
// The orchestrator document is written back with Update, merging with
// machines queued concurrently by QueueAnalysis.
//
// ============================================================================

package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/beaver-iterator/internal/metrics"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

var (
	ErrInvalidInput = errors.New("invalid analysis input")
	ErrTerminated   = errors.New("verification task terminated")
)

const (
	DefaultIgnoreAfter = 3 * time.Hour
	DefaultIgnoreLimit = 100
)

var validate = validator.New()

// Waker is told when an orchestrator became due, typically the
// orchestrator iterator.
type Waker interface {
	Wakeup()
}

// OrchestrationConfig configures an OrchestrationService.
type OrchestrationConfig struct {
	Orchestrators persistence.Provider[*AnalysisOrchestrator]
	Machines      persistence.Provider[*AnalysisStateMachine]
	Factory       *StateMachineFactory
	Executor      *StateMachineService
	Clock         types.Clock
	// IgnoreAfter is how old a queued window's end may get before the
	// machine is skipped.
	IgnoreAfter time.Duration
	// IgnoreLimit caps ignored machines per Orchestrate call.
	IgnoreLimit int
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// OrchestrationService owns the orchestrator and machine stores.
type OrchestrationService struct {
	orchestrators persistence.Provider[*AnalysisOrchestrator]
	machines      persistence.Provider[*AnalysisStateMachine]
	factory       *StateMachineFactory
	executor      *StateMachineService
	clock         types.Clock
	ignoreAfter   time.Duration
	ignoreLimit   int
	logger        *slog.Logger
	metrics       *metrics.Collector

	// queueMu serialises create-or-append of orchestrators in this process.
	queueMu sync.Mutex
	wakerMu sync.RWMutex
	waker   Waker
}

func NewOrchestrationService(cfg OrchestrationConfig) *OrchestrationService {
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock{}
	}
	if cfg.Factory == nil {
		cfg.Factory = NewStateMachineFactory()
	}
	if cfg.IgnoreAfter <= 0 {
		cfg.IgnoreAfter = DefaultIgnoreAfter
	}
	if cfg.IgnoreLimit <= 0 {
		cfg.IgnoreLimit = DefaultIgnoreLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor == nil {
		// enough for queueing and Terminate; Orchestrate needs a task client
		cfg.Executor = NewStateMachineService(StateMachineServiceConfig{
			Clock: cfg.Clock, Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	return &OrchestrationService{
		orchestrators: cfg.Orchestrators,
		machines:      cfg.Machines,
		factory:       cfg.Factory,
		executor:      cfg.Executor,
		clock:         cfg.Clock,
		ignoreAfter:   cfg.IgnoreAfter,
		ignoreLimit:   cfg.IgnoreLimit,
		logger:        cfg.Logger.With("component", "orchestration"),
		metrics:       cfg.Metrics,
	}
}

// SetWaker registers who to wake after QueueAnalysis.
func (s *OrchestrationService) SetWaker(w Waker) {
	s.wakerMu.Lock()
	s.waker = w
	s.wakerMu.Unlock()
}

// QueueAnalysis appends a machine for input to the task's orchestrator,
// creating it when absent. A new or idle orchestrator becomes due now.
func (s *OrchestrationService) QueueAnalysis(ctx context.Context, input AnalysisInput) error {
	if err := validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	sm, err := s.factory.Create(input)
	if err != nil {
		return err
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	now := s.clock.Now()
	_, err = s.orchestrators.Update(ctx, input.VerificationTaskID, func(o *AnalysisOrchestrator) error {
		if o.Status == OrchestratorTerminated {
			return fmt.Errorf("%w: %s", ErrTerminated, o.VerificationTaskID)
		}
		o.Queue = append(o.Queue, sm)
		// a claimable orchestrator may be in a handler right now; it picks
		// the new machine up on its next regular claim
		if !o.Status.Claimable() {
			o.NextIteration = nil
		}
		o.Status = OrchestratorRunning
		o.UpdatedAt = now
		return nil
	})
	if errors.Is(err, persistence.ErrNotFound) {
		err = s.orchestrators.Save(ctx, &AnalysisOrchestrator{
			VerificationTaskID: input.VerificationTaskID,
			Status:             OrchestratorRunning,
			Queue:              []*AnalysisStateMachine{sm},
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}
	if err != nil {
		return fmt.Errorf("queue analysis for %s: %w", input.VerificationTaskID, err)
	}

	s.logger.Info("analysis queued", "verificationTask", input.VerificationTaskID, "machine", sm.UUID,
		"start", input.StartTime, "end", input.EndTime)
	s.wakerMu.RLock()
	if s.waker != nil {
		s.waker.Wakeup()
	}
	s.wakerMu.RUnlock()
	return nil
}

// GetOrchestrator returns the orchestrator of a verification task.
func (s *OrchestrationService) GetOrchestrator(ctx context.Context, verificationTaskID string) (*AnalysisOrchestrator, error) {
	return s.orchestrators.Get(ctx, verificationTaskID)
}

// GetMachine returns a started machine.
func (s *OrchestrationService) GetMachine(ctx context.Context, id string) (*AnalysisStateMachine, error) {
	return s.machines.Get(ctx, id)
}

// Handle lets the service serve as the orchestrator iterator's handler.
func (s *OrchestrationService) Handle(ctx context.Context, o *AnalysisOrchestrator) error {
	return s.Orchestrate(ctx, o)
}

// step carries what one Orchestrate call changed.
type step struct {
	status    OrchestratorStatus
	currentID string
	consumed  map[string]bool
	startedID string
}

// Orchestrate advances the orchestrator's current machine.
func (s *OrchestrationService) Orchestrate(ctx context.Context, claimed *AnalysisOrchestrator) error {
	o, err := s.orchestrators.Get(ctx, claimed.ID())
	if err != nil {
		return fmt.Errorf("load orchestrator %s: %w", claimed.ID(), err)
	}
	if !o.Status.Claimable() {
		return nil
	}

	st := &step{status: o.Status, currentID: o.CurrentMachineID, consumed: make(map[string]bool)}
	if st.status == OrchestratorCreated {
		st.status = OrchestratorRunning
	}

	current, err := s.currentMachine(ctx, o)
	if err != nil {
		return err
	}
	advance := current == nil
	if current != nil {
		if !current.Status.IsFinal() {
			if err := s.executor.Execute(ctx, current); err != nil {
				return fmt.Errorf("execute machine %s: %w", current.UUID, err)
			}
		}
		switch current.Status {
		case StatusSuccess:
			s.executor.transition(current, StatusCompleted)
			advance = true
		case StatusCompleted, StatusIgnored:
			advance = true
		case StatusFailed:
			st.status = OrchestratorCompleted
			st.currentID = ""
		case StatusTerminated:
			st.status = OrchestratorTerminated
		}
		if err := s.machines.Save(ctx, current); err != nil {
			return fmt.Errorf("save machine %s: %w", current.UUID, err)
		}
	}

	if advance {
		if err := s.advance(ctx, o, current, st); err != nil {
			return err
		}
	}
	return s.commit(ctx, o.ID(), st)
}

func (s *OrchestrationService) currentMachine(ctx context.Context, o *AnalysisOrchestrator) (*AnalysisStateMachine, error) {
	if o.CurrentMachineID == "" {
		return nil, nil
	}
	sm, err := s.machines.Get(ctx, o.CurrentMachineID)
	if errors.Is(err, persistence.ErrNotFound) {
		s.logger.Warn("current machine missing, advancing", "verificationTask", o.VerificationTaskID,
			"machine", o.CurrentMachineID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load machine %s: %w", o.CurrentMachineID, err)
	}
	return sm, nil
}

// advance ignores stale machines at the head of the queue and starts the
// next one.
func (s *OrchestrationService) advance(ctx context.Context, o *AnalysisOrchestrator, previous *AnalysisStateMachine, st *step) error {
	now := s.clock.Now()
	staleBefore := now.Add(-s.ignoreAfter)
	queue := o.Queue

	ignored := 0
	for len(queue) > 0 && queue[0].Status == StatusCreated && queue[0].AnalysisEndTime.Before(staleBefore) {
		if ignored >= s.ignoreLimit {
			// more stale machines than one pass may skip; continue next claim
			return nil
		}
		head := queue[0]
		s.executor.transition(head, StatusIgnored)
		if err := s.machines.Save(ctx, head); err != nil {
			return fmt.Errorf("save ignored machine %s: %w", head.UUID, err)
		}
		st.consumed[head.UUID] = true
		queue = queue[1:]
		ignored++
	}
	if ignored > 0 {
		s.logger.Warn("ignored stale analysis", "verificationTask", o.VerificationTaskID, "count", ignored)
	}

	if len(queue) == 0 {
		st.status = OrchestratorWaiting
		st.currentID = ""
		return nil
	}

	next := queue[0]
	if previous != nil {
		next.TotalRetryCount = previous.TotalRetryCountToBePropagated()
	}
	if err := s.executor.Execute(ctx, next); err != nil {
		return fmt.Errorf("start machine %s: %w", next.UUID, err)
	}
	if err := s.machines.Save(ctx, next); err != nil {
		return fmt.Errorf("save machine %s: %w", next.UUID, err)
	}
	st.consumed[next.UUID] = true
	st.currentID = next.UUID
	st.startedID = next.UUID
	st.status = OrchestratorRunning
	return nil
}

// commit merges the step into the stored orchestrator.
func (s *OrchestrationService) commit(ctx context.Context, id string, st *step) error {
	now := s.clock.Now()
	var terminated bool
	stored, err := s.orchestrators.Update(ctx, id, func(o *AnalysisOrchestrator) error {
		terminated = o.Status == OrchestratorTerminated
		if terminated {
			return nil
		}
		kept := o.Queue[:0:0]
		for _, sm := range o.Queue {
			if !st.consumed[sm.UUID] {
				kept = append(kept, sm)
			}
		}
		o.Queue = kept
		o.CurrentMachineID = st.currentID
		o.Status = st.status
		if o.Status == OrchestratorWaiting && len(o.Queue) > 0 {
			o.Status = OrchestratorRunning
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("save orchestrator %s: %w", id, err)
	}

	// terminated while this step started a machine
	if terminated && st.startedID != "" {
		if err := s.terminateMachine(ctx, st.startedID); err != nil {
			return err
		}
	}
	if stored.Status != OrchestratorRunning {
		s.logger.Info("orchestrator settled", "verificationTask", id, "status", stored.Status)
	}
	return nil
}

// Terminate stops all analysis of a verification task: the current and
// every queued machine become TERMINATED, and later QueueAnalysis calls
// are refused.
func (s *OrchestrationService) Terminate(ctx context.Context, verificationTaskID string) error {
	var (
		currentID string
		queued    []*AnalysisStateMachine
	)
	_, err := s.orchestrators.Update(ctx, verificationTaskID, func(o *AnalysisOrchestrator) error {
		currentID = o.CurrentMachineID
		queued = o.Queue
		o.Queue = nil
		o.Status = OrchestratorTerminated
		o.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("terminate %s: %w", verificationTaskID, err)
	}

	for _, sm := range queued {
		s.executor.transition(sm, StatusTerminated)
		if err := s.machines.Save(ctx, sm); err != nil {
			return fmt.Errorf("save terminated machine %s: %w", sm.UUID, err)
		}
	}
	if currentID != "" {
		if err := s.terminateMachine(ctx, currentID); err != nil {
			return err
		}
	}
	s.logger.Warn("verification task terminated", "verificationTask", verificationTaskID,
		"queued", len(queued))
	return nil
}

func (s *OrchestrationService) terminateMachine(ctx context.Context, id string) error {
	_, err := s.machines.Update(ctx, id, func(sm *AnalysisStateMachine) error {
		if !sm.Status.IsFinal() {
			s.executor.transition(sm, StatusTerminated)
		}
		return nil
	})
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("terminate machine %s: %w", id, err)
	}
	return nil
}

// Filter narrows the orchestrator iterator to orchestrators with work.
func (s *OrchestrationService) Filter() persistence.Filter[*AnalysisOrchestrator] {
	return persistence.FilterFunc[*AnalysisOrchestrator](func(o *AnalysisOrchestrator) bool {
		return o.Status.Claimable()
	})
}

// CapacityGate skips orchestrators while the task client cannot take more
// work. The orchestrator stays scheduled and is retried on its next claim.
type CapacityGate struct {
	Client TaskClient
}

func (g CapacityGate) ShouldProcessEntity(*AnalysisOrchestrator) bool {
	return !g.Client.Saturated()
}
