package analysis

import "log/slog"

// Status is the lifecycle of an AnalysisState and of an AnalysisStateMachine.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusRunning    Status = "RUNNING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusRetry      Status = "RETRY"
	StatusTimeout    Status = "TIMEOUT"
	StatusIgnored    Status = "IGNORED"
	StatusTerminated Status = "TERMINATED"
	StatusCompleted  Status = "COMPLETED"
)

// IsFinal reports whether no further transition is expected.
func (s Status) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusIgnored, StatusTerminated, StatusCompleted:
		return true
	}
	return false
}

// LogLevel is the level operators see transitions into s logged at.
func (s Status) LogLevel() slog.Level {
	switch s {
	case StatusFailed, StatusTimeout:
		return slog.LevelError
	case StatusIgnored:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// OrchestratorStatus is the lifecycle of an AnalysisOrchestrator.
type OrchestratorStatus string

const (
	OrchestratorCreated    OrchestratorStatus = "CREATED"
	OrchestratorRunning    OrchestratorStatus = "RUNNING"
	OrchestratorWaiting    OrchestratorStatus = "WAITING"
	OrchestratorCompleted  OrchestratorStatus = "COMPLETED"
	OrchestratorTerminated OrchestratorStatus = "TERMINATED"
)

// Claimable reports whether the orchestrator iterator should pick it up.
func (s OrchestratorStatus) Claimable() bool {
	return s == OrchestratorCreated || s == OrchestratorRunning
}
