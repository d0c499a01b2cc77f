package analysis

import (
	"fmt"

	"github.com/google/uuid"
)

// StateMachineFactory turns an input window into a CREATED machine.
type StateMachineFactory struct {
	chains map[TaskKind][]StateType
}

// NewStateMachineFactory uses the default chain per task kind.
func NewStateMachineFactory() *StateMachineFactory {
	chains := make(map[TaskKind][]StateType, len(defaultChains))
	for k, v := range defaultChains {
		chains[k] = v
	}
	return &StateMachineFactory{chains: chains}
}

// WithChain replaces the states run for kind.
func (f *StateMachineFactory) WithChain(kind TaskKind, states ...StateType) *StateMachineFactory {
	f.chains[kind] = states
	return f
}

// defaultChains lists the states run for each task kind, in order.
var defaultChains = map[TaskKind][]StateType{
	KindLiveMonitoring: {StateTimeSeries, StateLogClusteringL1, StateLogClusteringL2, StateLogAnalysis},
	KindDeployment:     {StateLogClusteringL1, StateLogClusteringL2, StateLogAnalysis, StateTimeSeries},
	KindSLI:            {StateSLIMetricAnalysis},
}

// Create builds a machine for input. An empty Kind means live monitoring.
func (f *StateMachineFactory) Create(input AnalysisInput) (*AnalysisStateMachine, error) {
	kind := input.Kind
	if kind == "" {
		kind = KindLiveMonitoring
	}
	chain, ok := f.chains[kind]
	if !ok || len(chain) == 0 {
		return nil, fmt.Errorf("%w: unknown task kind %q", ErrInvalidInput, kind)
	}
	input.Kind = kind

	states := make([]AnalysisState, len(chain))
	for i, t := range chain {
		states[i] = AnalysisState{Type: t, Status: StatusCreated, Input: input}
	}
	current := states[0]
	return &AnalysisStateMachine{
		UUID:               uuid.NewString(),
		VerificationTaskID: input.VerificationTaskID,
		AnalysisStartTime:  input.StartTime,
		AnalysisEndTime:    input.EndTime,
		CurrentState:       &current,
		UpcomingStates:     states[1:],
		Status:             StatusCreated,
	}, nil
}
