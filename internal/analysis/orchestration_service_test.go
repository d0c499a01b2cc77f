package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence/memory"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

// scriptedClient reports a fixed outcome per state type on every poll.
type scriptedClient struct {
	mu        sync.Mutex
	seq       int
	outcomes  map[StateType]TaskStatus
	tasks     map[string]StateType
	submitted []AnalysisState
	saturated bool
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{outcomes: make(map[StateType]TaskStatus), tasks: make(map[string]StateType)}
}

func (c *scriptedClient) set(t StateType, s TaskStatus) {
	c.mu.Lock()
	c.outcomes[t] = s
	c.mu.Unlock()
}

func (c *scriptedClient) Submit(_ context.Context, state AnalysisState) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("task-%d", c.seq)
	c.tasks[id] = state.Type
	c.submitted = append(c.submitted, state)
	return id, nil
}

func (c *scriptedClient) Status(_ context.Context, id string) (TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return "", ErrTaskNotFound
	}
	if s, ok := c.outcomes[t]; ok {
		return s, nil
	}
	return TaskSuccess, nil
}

func (c *scriptedClient) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saturated
}

type recordingWaker struct{ n int }

func (w *recordingWaker) Wakeup() { w.n++ }

type fixture struct {
	svc           *OrchestrationService
	client        *scriptedClient
	clock         *types.FakeClock
	orchestrators *memory.Store[*AnalysisOrchestrator]
	machines      *memory.Store[*AnalysisStateMachine]
	waker         *recordingWaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orchestrators, err := memory.New("analysis_orchestrator", NewAnalysisOrchestrator, memory.Options{})
	require.NoError(t, err)
	machines, err := memory.New("analysis_state_machine", NewAnalysisStateMachine, memory.Options{})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	clock := types.NewFakeClock(t0)
	client := newScriptedClient()
	svc := NewOrchestrationService(OrchestrationConfig{
		Orchestrators: orchestrators,
		Machines:      machines,
		Factory:       NewStateMachineFactory().WithChain(KindLiveMonitoring, StateTimeSeries),
		Executor: NewStateMachineService(StateMachineServiceConfig{
			Client: client,
			Clock:  clock,
			Logger: logger,
		}),
		Clock:  clock,
		Logger: logger,
	})
	waker := &recordingWaker{}
	svc.SetWaker(waker)
	return &fixture{svc: svc, client: client, clock: clock, orchestrators: orchestrators, machines: machines, waker: waker}
}

func (f *fixture) window(offset time.Duration) AnalysisInput {
	end := f.clock.Now().Add(offset)
	return AnalysisInput{VerificationTaskID: "vt-1", StartTime: end.Add(-5 * time.Minute), EndTime: end}
}

func (f *fixture) queue(t *testing.T, inputs ...AnalysisInput) {
	t.Helper()
	for _, in := range inputs {
		require.NoError(t, f.svc.QueueAnalysis(context.Background(), in))
	}
}

func (f *fixture) orchestrator(t *testing.T) *AnalysisOrchestrator {
	t.Helper()
	o, err := f.svc.GetOrchestrator(context.Background(), "vt-1")
	require.NoError(t, err)
	return o
}

func (f *fixture) orchestrate(t *testing.T) *AnalysisOrchestrator {
	t.Helper()
	require.NoError(t, f.svc.Orchestrate(context.Background(), f.orchestrator(t)))
	return f.orchestrator(t)
}

func (f *fixture) machine(t *testing.T, id string) *AnalysisStateMachine {
	t.Helper()
	sm, err := f.machines.Get(context.Background(), id)
	require.NoError(t, err)
	return sm
}

// ============================================================================
// QueueAnalysis
// ============================================================================

func TestQueueAnalysisCreatesOrchestrator(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetOrchestrator(context.Background(), "vt-1")
	require.ErrorIs(t, err, persistence.ErrNotFound)

	f.queue(t, f.window(0))

	o := f.orchestrator(t)
	assert.Equal(t, OrchestratorRunning, o.Status)
	assert.Len(t, o.Queue, 1)
	assert.Nil(t, o.NextIteration, "due immediately")
	assert.Equal(t, 1, f.waker.n)
}

func TestQueueAnalysisMultipleShareOneOrchestrator(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.queue(t, f.window(time.Duration(i)*5*time.Minute))
	}

	all, err := f.orchestrators.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Queue, 6)
	assert.Equal(t, OrchestratorRunning, all[0].Status)
}

func TestQueueAnalysisWakesWaitingOrchestrator(t *testing.T) {
	f := newFixture(t)
	f.queue(t, f.window(0))
	f.orchestrate(t)
	o := f.orchestrate(t)
	require.Equal(t, OrchestratorWaiting, o.Status)

	f.queue(t, f.window(5*time.Minute))
	assert.Equal(t, OrchestratorRunning, f.orchestrator(t).Status)
}

func (f *fixture) claim(t *testing.T) (*AnalysisOrchestrator, bool) {
	t.Helper()
	now := f.clock.Now()
	o, ok, err := f.orchestrators.ObtainNextInstance(context.Background(), persistence.ClaimRequest{
		Now:            now,
		Base:           now.UnixMilli(),
		Throttled:      now.UnixMilli(),
		Field:          OrchestratorIteration,
		SchedulingType: types.Regular,
		TargetInterval: time.Minute,
	}, f.svc.Filter())
	require.NoError(t, err)
	return o, ok
}

func TestQueueAnalysisDuringDispatchIsNotClaimedTwice(t *testing.T) {
	f := newFixture(t)
	f.queue(t, f.window(0))

	claimed, ok := f.claim(t)
	require.True(t, ok)

	// queued while the claimed orchestrator is still being handled
	f.queue(t, f.window(5*time.Minute))
	_, ok = f.claim(t)
	assert.False(t, ok, "orchestrator in flight must not be claimed again")

	require.NoError(t, f.svc.Orchestrate(context.Background(), claimed))
	assert.Len(t, f.client.submitted, 1)
	assert.Len(t, f.orchestrator(t).Queue, 1)

	// the next regular claim sees the new machine
	f.clock.Advance(time.Minute + time.Millisecond)
	again, ok := f.claim(t)
	require.True(t, ok)
	assert.Equal(t, claimed.ID(), again.ID())
}

func TestQueueAnalysisMakesIdleOrchestratorDue(t *testing.T) {
	f := newFixture(t)
	f.queue(t, f.window(0))
	claimed, ok := f.claim(t)
	require.True(t, ok)
	require.NoError(t, f.svc.Orchestrate(context.Background(), claimed))
	require.Equal(t, OrchestratorWaiting, f.orchestrate(t).Status)

	f.queue(t, f.window(5*time.Minute))
	o := f.orchestrator(t)
	assert.Nil(t, o.NextIteration)
	_, ok = f.claim(t)
	assert.True(t, ok, "waiting orchestrator is due as soon as input arrives")
}

func TestQueueAnalysisRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	invalid := []AnalysisInput{
		{StartTime: t0, EndTime: t0.Add(time.Minute)},
		{VerificationTaskID: "vt-1", StartTime: t0, EndTime: t0},
		{VerificationTaskID: "vt-1", StartTime: t0.Add(time.Minute), EndTime: t0},
		{VerificationTaskID: "vt-1", EndTime: t0},
	}
	for _, in := range invalid {
		assert.ErrorIs(t, f.svc.QueueAnalysis(context.Background(), in), ErrInvalidInput)
	}
	_, err := f.svc.GetOrchestrator(context.Background(), "vt-1")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

// ============================================================================
// Orchestrate
// ============================================================================

func TestOrchestrateRunsMachinesInOrder(t *testing.T) {
	f := newFixture(t)
	f.queue(t, f.window(0), f.window(5*time.Minute))
	queued := f.orchestrator(t).Queue
	first, second := queued[0].UUID, queued[1].UUID

	o := f.orchestrate(t)
	assert.Equal(t, first, o.CurrentMachineID)
	assert.Len(t, o.Queue, 1)
	assert.Equal(t, StatusRunning, f.machine(t, first).Status)
	assert.True(t, f.machine(t, first).FirstPickedAt.Equal(t0))

	o = f.orchestrate(t)
	assert.Equal(t, StatusCompleted, f.machine(t, first).Status)
	assert.Equal(t, second, o.CurrentMachineID)
	assert.Equal(t, StatusRunning, f.machine(t, second).Status)
	assert.Empty(t, o.Queue)

	o = f.orchestrate(t)
	assert.Equal(t, StatusCompleted, f.machine(t, second).Status)
	assert.Equal(t, OrchestratorWaiting, o.Status)
	assert.Empty(t, o.CurrentMachineID)
}

func TestOrchestrateRunsEveryStateOfTheChain(t *testing.T) {
	f := newFixture(t)
	f.svc.factory = NewStateMachineFactory()
	f.queue(t, f.window(0))

	o := f.orchestrate(t)
	id := o.CurrentMachineID
	for i := 0; i < 4; i++ {
		f.orchestrate(t)
	}

	sm := f.machine(t, id)
	assert.Equal(t, StatusCompleted, sm.Status)
	require.Len(t, sm.CompletedStates, 4)
	for i, st := range []StateType{StateTimeSeries, StateLogClusteringL1, StateLogClusteringL2, StateLogAnalysis} {
		assert.Equal(t, st, sm.CompletedStates[i].Type)
		assert.Equal(t, StatusSuccess, sm.CompletedStates[i].Status)
	}
	assert.Len(t, f.client.submitted, 4)
}

func TestOrchestrateStillRunning(t *testing.T) {
	f := newFixture(t)
	f.client.set(StateTimeSeries, TaskRunning)
	f.queue(t, f.window(0))

	id := f.orchestrate(t).CurrentMachineID
	o := f.orchestrate(t)

	assert.Equal(t, id, o.CurrentMachineID)
	assert.Equal(t, StatusRunning, f.machine(t, id).Status)
	assert.Len(t, f.client.submitted, 1, "no resubmission while running")
}

func TestOrchestrateFailedMachineCompletesOrchestrator(t *testing.T) {
	f := newFixture(t)
	f.client.set(StateTimeSeries, TaskFailed)
	f.queue(t, f.window(0), f.window(5*time.Minute))

	id := f.orchestrate(t).CurrentMachineID
	o := f.orchestrate(t)

	assert.Equal(t, StatusFailed, f.machine(t, id).Status)
	assert.Equal(t, OrchestratorCompleted, o.Status)
	assert.False(t, f.svc.Filter().Match(o), "completed orchestrators are not claimed")

	// new input reopens the orchestrator and moves past the failed machine
	f.client.set(StateTimeSeries, TaskSuccess)
	f.queue(t, f.window(10*time.Minute))
	o = f.orchestrate(t)
	assert.Equal(t, OrchestratorRunning, o.Status)
	assert.NotEqual(t, id, o.CurrentMachineID)
}

func TestOrchestrateRetryBackoffThenIgnore(t *testing.T) {
	f := newFixture(t)
	f.client.set(StateTimeSeries, TaskRetry)
	f.queue(t, f.window(0), f.window(5*time.Minute))

	first := f.orchestrate(t).CurrentMachineID

	f.orchestrate(t)
	sm := f.machine(t, first)
	assert.Equal(t, StatusRetry, sm.Status)
	assert.Equal(t, 1, sm.CurrentState.RetryCount)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), sm.NextAttemptTime)

	f.orchestrate(t)
	assert.Len(t, f.client.submitted, 1, "backoff not elapsed")

	f.clock.Advance(time.Minute)
	f.orchestrate(t)
	assert.Equal(t, StatusRunning, f.machine(t, first).Status)
	assert.Len(t, f.client.submitted, 2)

	f.orchestrate(t)
	sm = f.machine(t, first)
	assert.Equal(t, StatusRetry, sm.Status)
	assert.Equal(t, 2, sm.TotalRetryCount)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute).UnixMilli(), sm.NextAttemptTime)

	f.clock.Advance(5 * time.Minute)
	f.orchestrate(t)
	o := f.orchestrate(t)

	sm = f.machine(t, first)
	assert.Equal(t, StatusIgnored, sm.Status)
	assert.Equal(t, 2, sm.CurrentState.RetryCount)

	require.NotEqual(t, first, o.CurrentMachineID)
	next := f.machine(t, o.CurrentMachineID)
	assert.Equal(t, 2, next.TotalRetryCount, "retry count carried to the next machine")
	assert.Equal(t, StatusRunning, next.Status)
}

func TestOrchestrateTimeoutIsRetried(t *testing.T) {
	f := newFixture(t)
	f.client.set(StateTimeSeries, TaskTimeout)
	f.queue(t, f.window(0))

	id := f.orchestrate(t).CurrentMachineID
	f.orchestrate(t)

	sm := f.machine(t, id)
	assert.Equal(t, StatusRetry, sm.Status)
	assert.Equal(t, StatusTimeout, sm.CurrentState.Status)
}

func TestExecuteResumesTimedOutMachine(t *testing.T) {
	f := newFixture(t)
	exec := NewStateMachineService(StateMachineServiceConfig{
		Client: f.client,
		Clock:  f.clock,
		Logger: slog.New(slog.DiscardHandler),
	})
	sm := &AnalysisStateMachine{
		UUID:         "timed-out",
		Status:       StatusTimeout,
		CurrentState: &AnalysisState{Type: StateTimeSeries, Status: StatusTimeout},
	}

	require.NoError(t, exec.Execute(context.Background(), sm))

	assert.Equal(t, StatusRunning, sm.Status)
	assert.Equal(t, StatusRunning, sm.CurrentState.Status)
	assert.NotEmpty(t, sm.CurrentState.TaskID)
	assert.Len(t, f.client.submitted, 1)
}

func TestOrchestrateSuccessResetsPropagatedRetries(t *testing.T) {
	f := newFixture(t)
	f.queue(t, f.window(0), f.window(5*time.Minute))

	first := f.orchestrate(t).CurrentMachineID
	_, err := f.machines.Update(context.Background(), first, func(sm *AnalysisStateMachine) error {
		sm.TotalRetryCount = 3
		return nil
	})
	require.NoError(t, err)
	_, err = f.orchestrators.Update(context.Background(), "vt-1", func(o *AnalysisOrchestrator) error {
		o.Queue[0].TotalRetryCount = 7
		return nil
	})
	require.NoError(t, err)

	o := f.orchestrate(t)
	assert.Equal(t, StatusCompleted, f.machine(t, first).Status)
	assert.Equal(t, 0, f.machine(t, o.CurrentMachineID).TotalRetryCount)
}

func TestOrchestrateIgnoresStaleMachine(t *testing.T) {
	f := newFixture(t)
	f.queue(t, f.window(-DefaultIgnoreAfter-10*time.Minute), f.window(0))
	queued := f.orchestrator(t).Queue
	stale, fresh := queued[0].UUID, queued[1].UUID

	o := f.orchestrate(t)

	assert.Equal(t, StatusIgnored, f.machine(t, stale).Status)
	assert.Equal(t, fresh, o.CurrentMachineID)
	assert.Equal(t, StatusRunning, f.machine(t, fresh).Status)
}

func TestOrchestrateIgnoreIsLimitedPerPass(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < DefaultIgnoreLimit+10; i++ {
		f.queue(t, f.window(-DefaultIgnoreAfter-10*time.Minute))
	}

	o := f.orchestrate(t)
	assert.Len(t, o.Queue, 10)
	assert.Equal(t, OrchestratorRunning, o.Status)

	ignored, err := f.machines.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, ignored, DefaultIgnoreLimit)

	o = f.orchestrate(t)
	assert.Empty(t, o.Queue)
	assert.Equal(t, OrchestratorWaiting, o.Status)
}

func TestOrchestrateAllStaleWaits(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < DefaultIgnoreLimit-10; i++ {
		f.queue(t, f.window(-DefaultIgnoreAfter-10*time.Minute))
	}

	o := f.orchestrate(t)
	assert.Empty(t, o.Queue)
	assert.Equal(t, OrchestratorWaiting, o.Status)
	assert.Empty(t, f.client.submitted)
}

func TestOrchestrateKeepsMachinesQueuedMeanwhile(t *testing.T) {
	f := newFixture(t)
	f.queue(t, f.window(0))
	claimed := f.orchestrator(t)

	// queued after the iterator claimed its snapshot
	f.queue(t, f.window(5*time.Minute))
	require.NoError(t, f.svc.Orchestrate(context.Background(), claimed))

	o := f.orchestrator(t)
	assert.Len(t, o.Queue, 1)
	assert.NotEmpty(t, o.CurrentMachineID)
}

// ============================================================================
// Terminate
// ============================================================================

func TestTerminateStopsEverything(t *testing.T) {
	f := newFixture(t)
	f.client.set(StateTimeSeries, TaskRunning)
	f.queue(t, f.window(0), f.window(5*time.Minute), f.window(10*time.Minute))
	o := f.orchestrate(t)
	current := o.CurrentMachineID
	queued := []string{o.Queue[0].UUID, o.Queue[1].UUID}

	require.NoError(t, f.svc.Terminate(context.Background(), "vt-1"))

	o = f.orchestrator(t)
	assert.Equal(t, OrchestratorTerminated, o.Status)
	assert.Empty(t, o.Queue)
	assert.Equal(t, StatusTerminated, f.machine(t, current).Status)
	for _, id := range queued {
		assert.Equal(t, StatusTerminated, f.machine(t, id).Status)
	}

	assert.ErrorIs(t, f.svc.QueueAnalysis(context.Background(), f.window(15*time.Minute)), ErrTerminated)
	assert.False(t, f.svc.Filter().Match(o))

	require.NoError(t, f.svc.Orchestrate(context.Background(), o))
	assert.Equal(t, OrchestratorTerminated, f.orchestrator(t).Status)
}

func TestTerminateUnknownTask(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.Terminate(context.Background(), "missing"), persistence.ErrNotFound)
}

func TestCapacityGate(t *testing.T) {
	client := newScriptedClient()
	gate := CapacityGate{Client: client}
	assert.True(t, gate.ShouldProcessEntity(&AnalysisOrchestrator{}))
	client.saturated = true
	assert.False(t, gate.ShouldProcessEntity(&AnalysisOrchestrator{}))
}
