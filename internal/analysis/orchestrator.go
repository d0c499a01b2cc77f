package analysis

import (
	"time"

	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// OrchestratorIteration is the regular schedule the orchestrator iterator
// claims on.
const OrchestratorIteration types.ScheduleField = "analysisOrchestratorIteration"

// AnalysisOrchestrator serialises the machines of one verification task.
// Its ID is the verification task id.
type AnalysisOrchestrator struct {
	VerificationTaskID string             `json:"verificationTaskId"`
	Status             OrchestratorStatus `json:"status"`
	// Queue holds machines not started yet, oldest first.
	Queue            []*AnalysisStateMachine `json:"queue"`
	CurrentMachineID string                  `json:"currentMachineId,omitempty"`
	NextIteration    *int64                  `json:"nextIteration,omitempty"`
	CreatedAt        time.Time               `json:"createdAt"`
	UpdatedAt        time.Time               `json:"updatedAt"`
}

func NewAnalysisOrchestrator() *AnalysisOrchestrator { return &AnalysisOrchestrator{} }

func (o *AnalysisOrchestrator) ID() string { return o.VerificationTaskID }

func (o *AnalysisOrchestrator) ObtainNextIteration(field types.ScheduleField) *int64 {
	if field != OrchestratorIteration {
		return nil
	}
	return o.NextIteration
}

func (o *AnalysisOrchestrator) UpdateNextIteration(field types.ScheduleField, next *int64) {
	if field == OrchestratorIteration {
		o.NextIteration = next
	}
}

var _ types.Iterable = (*AnalysisOrchestrator)(nil)
