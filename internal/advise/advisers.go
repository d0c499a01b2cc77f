package advise

import (
	"fmt"
	"slices"
	"sync"
)

// Adviser decides what a finished node does next.
type Adviser interface {
	// CanAdvise reports whether this adviser applies to the event.
	CanAdvise(event AdviseEvent, params AdviserParameters) bool
	// OnAdviseEvent computes the advice. A nil response with a nil error
	// passes the decision to the next obtainment.
	OnAdviseEvent(event AdviseEvent, params AdviserParameters) (*AdviserResponse, error)
}

// Registry maps adviser types to implementations.
type Registry struct {
	mu       sync.RWMutex
	advisers map[AdviserType]Adviser
}

func NewRegistry() *Registry {
	return &Registry{advisers: make(map[AdviserType]Adviser)}
}

// NewBuiltinRegistry holds every built-in orchestration adviser.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for t, a := range builtins {
		r.Register(t, a)
	}
	return r
}

func (r *Registry) Register(t AdviserType, a Adviser) {
	r.mu.Lock()
	r.advisers[t] = a
	r.mu.Unlock()
}

func (r *Registry) Get(t AdviserType) (Adviser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.advisers[t]
	return a, ok
}

// builtins are stateless and shared by every registry.
var builtins = map[AdviserType]Adviser{
	AdviserOnSuccess:          onSuccessAdviser{},
	AdviserNextStep:           nextStepAdviser{},
	AdviserOnFail:             onFailAdviser{},
	AdviserRetry:              retryAdviser{},
	AdviserIgnore:             failureAdviser{advice: AdviseIgnoreFailure},
	AdviserAbort:              failureAdviser{advice: AdviseEndPlan},
	AdviserMarkSuccess:        failureAdviser{advice: AdviseMarkSuccess},
	AdviserManualIntervention: manualInterventionAdviser{},
}

// IsBuiltin reports whether t is one of the built-in adviser types.
func IsBuiltin(t AdviserType) bool {
	_, ok := builtins[t]
	return ok
}

// matchesFailure is true when params name no failure types or share one
// with the event.
func matchesFailure(event AdviseEvent, params AdviserParameters) bool {
	if len(params.FailureTypes) == 0 {
		return true
	}
	if event.FailureInfo == nil {
		return false
	}
	for _, ft := range event.FailureInfo.FailureTypes {
		if slices.Contains(params.FailureTypes, ft) {
			return true
		}
	}
	return false
}

func nextStep(nextNodeID string) *AdviserResponse {
	if nextNodeID == "" {
		return &AdviserResponse{Type: AdviseEndPlan}
	}
	return &AdviserResponse{Type: AdviseNextStep, NextNodeID: nextNodeID}
}

type onSuccessAdviser struct{}

func (onSuccessAdviser) CanAdvise(event AdviseEvent, _ AdviserParameters) bool {
	return event.ToStatus.Positive()
}

func (onSuccessAdviser) OnAdviseEvent(_ AdviseEvent, params AdviserParameters) (*AdviserResponse, error) {
	return nextStep(params.NextNodeID), nil
}

// nextStepAdviser moves on whatever the outcome, unless the node broke.
type nextStepAdviser struct{}

func (nextStepAdviser) CanAdvise(event AdviseEvent, _ AdviserParameters) bool {
	return !event.ToStatus.Broken()
}

func (nextStepAdviser) OnAdviseEvent(_ AdviseEvent, params AdviserParameters) (*AdviserResponse, error) {
	return nextStep(params.NextNodeID), nil
}

// onFailAdviser routes a broken node to its failure path, e.g. rollback.
type onFailAdviser struct{}

func (onFailAdviser) CanAdvise(event AdviseEvent, params AdviserParameters) bool {
	return event.ToStatus.Broken() && matchesFailure(event, params)
}

func (onFailAdviser) OnAdviseEvent(_ AdviseEvent, params AdviserParameters) (*AdviserResponse, error) {
	if params.NextNodeID == "" {
		return &AdviserResponse{Type: AdviseMarkAsFailure}, nil
	}
	return &AdviserResponse{Type: AdviseNextStep, NextNodeID: params.NextNodeID}, nil
}

// failureAdviser answers a broken node with a fixed advice.
type failureAdviser struct {
	advice AdviseType
}

func (a failureAdviser) CanAdvise(event AdviseEvent, params AdviserParameters) bool {
	return event.ToStatus.Broken() && matchesFailure(event, params)
}

func (a failureAdviser) OnAdviseEvent(_ AdviseEvent, params AdviserParameters) (*AdviserResponse, error) {
	return &AdviserResponse{Type: a.advice, NextNodeID: params.NextNodeID}, nil
}

// retryAdviser retries with a wait taken from WaitIntervals by the number
// of retries so far, then applies RepairAction.
type retryAdviser struct{}

func (retryAdviser) CanAdvise(event AdviseEvent, params AdviserParameters) bool {
	return event.ToStatus.Broken() && matchesFailure(event, params)
}

func (retryAdviser) OnAdviseEvent(event AdviseEvent, params AdviserParameters) (*AdviserResponse, error) {
	if params.RetryCount < 0 {
		return nil, fmt.Errorf("retry adviser: negative retry count %d", params.RetryCount)
	}
	done := len(event.RetryIDs)
	if done < params.RetryCount {
		wait := params.WaitIntervals
		resp := &AdviserResponse{Type: AdviseRetry, RetryIDs: event.RetryIDs}
		if len(wait) > 0 {
			resp.WaitInterval = wait[min(done, len(wait)-1)]
		}
		return resp, nil
	}
	return repair(params), nil
}

func repair(params AdviserParameters) *AdviserResponse {
	switch params.RepairAction {
	case "", AdviseMarkAsFailure:
		return &AdviserResponse{Type: AdviseMarkAsFailure}
	case AdviseInterventionWait:
		return &AdviserResponse{Type: AdviseInterventionWait, Timeout: params.Timeout, TimeoutAction: params.TimeoutAction}
	case AdviseNextStep, AdviseIgnoreFailure, AdviseMarkSuccess:
		return &AdviserResponse{Type: params.RepairAction, NextNodeID: params.NextNodeID}
	}
	return &AdviserResponse{Type: params.RepairAction}
}

// manualInterventionAdviser parks the node for an operator. Once a previous
// intervention timed out it yields so the following obtainment, typically
// the timeout action, decides.
type manualInterventionAdviser struct{}

func (manualInterventionAdviser) CanAdvise(event AdviseEvent, params AdviserParameters) bool {
	return event.ToStatus.Broken() && matchesFailure(event, params) && !event.IsPreviousAdviserExpired
}

func (manualInterventionAdviser) OnAdviseEvent(_ AdviseEvent, params AdviserParameters) (*AdviserResponse, error) {
	return &AdviserResponse{
		Type:          AdviseInterventionWait,
		Timeout:       params.Timeout,
		TimeoutAction: params.TimeoutAction,
	}, nil
}
