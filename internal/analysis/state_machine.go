// ============================================================================
// Beaver-Iterator Analysis State Machine
// ============================================================================
//
// Package: internal/analysis
// File: state_machine.go
// Purpose: One analysis window of one verification task, executed as an
//          ordered chain of AnalysisStates.
//
// Machine status:
//   CREATED ──execute──> RUNNING ──> SUCCESS ──(orchestrator)──> COMPLETED
//                          │  ↑
//                          │  └── RETRY (backoff ladder, NextAttemptTime)
//                          ├──> IGNORED   (state retries exhausted)
//                          ├──> FAILED    (non-retryable state failure)
//                          └──> TERMINATED (fail-fast from outside)
//
// Retry backoff:
//   wait = ladder[min(TotalRetryCount, len(ladder)-1)]
//   ladder = 1m, 5m, 10m, 30m, 1h, 3h
//
// ============================================================================

package analysis

import (
	"time"

	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// StateType identifies the analysis performed by one AnalysisState.
type StateType string

const (
	StateTimeSeries        StateType = "TIME_SERIES"
	StateLogClusteringL1   StateType = "LOG_CLUSTERING_L1"
	StateLogClusteringL2   StateType = "LOG_CLUSTERING_L2"
	StateLogAnalysis       StateType = "LOG_ANALYSIS"
	StateSLIMetricAnalysis StateType = "SLI_METRIC_ANALYSIS"
)

// TaskKind selects the chain of states built for an input.
type TaskKind string

const (
	KindLiveMonitoring TaskKind = "LIVE_MONITORING"
	KindDeployment     TaskKind = "DEPLOYMENT"
	KindSLI            TaskKind = "SLI"
)

// AnalysisInput is the window of data one machine analyses.
type AnalysisInput struct {
	VerificationTaskID string    `json:"verificationTaskId" validate:"required"`
	Kind               TaskKind  `json:"kind,omitempty"`
	StartTime          time.Time `json:"startTime" validate:"required"`
	EndTime            time.Time `json:"endTime" validate:"required,gtfield=StartTime"`
}

// AnalysisState is one step of a machine.
type AnalysisState struct {
	Type       StateType     `json:"type"`
	Status     Status        `json:"status"`
	RetryCount int           `json:"retryCount"`
	Input      AnalysisInput `json:"input"`
	// TaskID is the handle of the submitted analysis work, empty until the
	// state first runs.
	TaskID string `json:"taskId,omitempty"`
}

// retryBackoff is indexed by min(TotalRetryCount, len-1).
var retryBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
	3 * time.Hour,
}

// RetryWait returns the backoff for the given number of retries so far.
func RetryWait(totalRetryCount int) time.Duration {
	i := totalRetryCount
	if i < 0 {
		i = 0
	}
	if i > len(retryBackoff)-1 {
		i = len(retryBackoff) - 1
	}
	return retryBackoff[i]
}

// MachineAttempt is the schedule of a machine's next retry attempt.
const MachineAttempt types.ScheduleField = "nextAttemptTime"

// AnalysisStateMachine is persisted on its own once the orchestrator starts
// it; queued machines live inside their orchestrator.
type AnalysisStateMachine struct {
	UUID               string          `json:"uuid"`
	VerificationTaskID string          `json:"verificationTaskId"`
	AnalysisStartTime  time.Time       `json:"analysisStartTime"`
	AnalysisEndTime    time.Time       `json:"analysisEndTime"`
	CompletedStates    []AnalysisState `json:"completedStates,omitempty"`
	CurrentState       *AnalysisState  `json:"currentState,omitempty"`
	UpcomingStates     []AnalysisState `json:"upcomingStates,omitempty"`
	Status             Status          `json:"status"`
	TotalRetryCount    int             `json:"totalRetryCount"`
	// NextAttemptTime is epoch millis; zero means no retry is pending.
	NextAttemptTime int64     `json:"nextAttemptTime,omitempty"`
	FirstPickedAt   time.Time `json:"firstPickedAt,omitempty"`
}

func NewAnalysisStateMachine() *AnalysisStateMachine { return &AnalysisStateMachine{} }

// TotalRetryCountToBePropagated hides retries of a machine that ended well
// from the machine queued after it.
func (m *AnalysisStateMachine) TotalRetryCountToBePropagated() int {
	if m.Status == StatusSuccess || m.Status == StatusCompleted {
		return 0
	}
	return m.TotalRetryCount
}

// ScheduleRetry sets NextAttemptTime from the backoff ladder.
func (m *AnalysisStateMachine) ScheduleRetry(now time.Time) {
	m.NextAttemptTime = now.Add(RetryWait(m.TotalRetryCount)).UnixMilli()
}

// AttemptDue reports whether a pending retry may run at now.
func (m *AnalysisStateMachine) AttemptDue(now time.Time) bool {
	return m.NextAttemptTime == 0 || now.UnixMilli() >= m.NextAttemptTime
}

func (m *AnalysisStateMachine) ID() string { return m.UUID }

func (m *AnalysisStateMachine) ObtainNextIteration(field types.ScheduleField) *int64 {
	if field != MachineAttempt || m.NextAttemptTime == 0 {
		return nil
	}
	return types.Int64Ptr(m.NextAttemptTime)
}

func (m *AnalysisStateMachine) UpdateNextIteration(field types.ScheduleField, next *int64) {
	if field != MachineAttempt {
		return
	}
	if next == nil {
		m.NextAttemptTime = 0
		return
	}
	m.NextAttemptTime = *next
}

var _ types.Iterable = (*AnalysisStateMachine)(nil)
