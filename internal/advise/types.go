package advise

import (
	"time"
)

// Status is the execution status of a pipeline node.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusSkipped             Status = "SKIPPED"
	StatusIgnoreFailed        Status = "IGNORE_FAILED"
	StatusFailed              Status = "FAILED"
	StatusErrored             Status = "ERRORED"
	StatusExpired             Status = "EXPIRED"
	StatusAborted             Status = "ABORTED"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
)

// Positive reports a status the pipeline proceeds from normally.
func (s Status) Positive() bool {
	return s == StatusSucceeded || s == StatusSkipped || s == StatusIgnoreFailed
}

// Broken reports a status that needs a failure strategy.
func (s Status) Broken() bool {
	return s == StatusFailed || s == StatusErrored || s == StatusExpired
}

// FailureType classifies why a node broke.
type FailureType string

const (
	FailureApplication    FailureType = "APPLICATION_FAILURE"
	FailureConnectivity   FailureType = "CONNECTIVITY_FAILURE"
	FailureAuthentication FailureType = "AUTHENTICATION_FAILURE"
	FailureVerification   FailureType = "VERIFICATION_FAILURE"
	FailureTimeout        FailureType = "TIMEOUT_FAILURE"
	FailureUnknown        FailureType = "UNKNOWN_FAILURE"
)

// FailureInfo describes a broken node.
type FailureInfo struct {
	Message      string        `json:"message,omitempty"`
	FailureTypes []FailureType `json:"failureTypes,omitempty"`
}

// Ambiance is the execution context a node ran in.
type Ambiance struct {
	AccountID       string `json:"accountId,omitempty"`
	PlanExecutionID string `json:"planExecutionId"`
	StageID         string `json:"stageId,omitempty"`
}

// IssuerType says who raised an interrupt.
type IssuerType string

const (
	IssuedByManual  IssuerType = "MANUAL"
	IssuedByTimeout IssuerType = "TIMEOUT"
	IssuedByAdviser IssuerType = "ADVISER"
	IssuedByTrigger IssuerType = "TRIGGER"
)

// InterruptEffect is one interrupt applied to a node.
type InterruptEffect struct {
	InterruptID   string     `json:"interruptId"`
	InterruptType string     `json:"interruptType"`
	IssuedBy      IssuerType `json:"issuedBy"`
	TookEffectAt  time.Time  `json:"tookEffectAt"`
}

// NodeExecution is the snapshot of a finished node.
type NodeExecution struct {
	UUID        string       `json:"uuid"`
	Ambiance    Ambiance     `json:"ambiance"`
	Status      Status       `json:"status"`
	FailureInfo *FailureInfo `json:"failureInfo,omitempty"`
	// NotifyID correlates the advice with whoever waits for it. Empty means
	// nobody waits.
	NotifyID           string            `json:"notifyId,omitempty"`
	RetryIDs           []string          `json:"retryIds,omitempty"`
	InterruptHistories []InterruptEffect `json:"interruptHistories,omitempty"`
}

// AdviserType names an adviser implementation.
type AdviserType string

const (
	AdviserOnSuccess          AdviserType = "ON_SUCCESS"
	AdviserNextStep           AdviserType = "NEXT_STEP"
	AdviserOnFail             AdviserType = "ON_FAIL"
	AdviserRetry              AdviserType = "RETRY"
	AdviserIgnore             AdviserType = "IGNORE"
	AdviserAbort              AdviserType = "ABORT"
	AdviserMarkSuccess        AdviserType = "MARK_SUCCESS"
	AdviserManualIntervention AdviserType = "MANUAL_INTERVENTION"
)

// AdviserParameters configures one obtainment. Each adviser reads the
// fields it needs.
type AdviserParameters struct {
	NextNodeID string `json:"nextNodeId,omitempty" yaml:"nextNodeId"`
	// FailureTypes restricts failure advisers; empty matches any failure.
	FailureTypes  []FailureType   `json:"failureTypes,omitempty" yaml:"failureTypes"`
	RetryCount    int             `json:"retryCount,omitempty" yaml:"retryCount"`
	WaitIntervals []time.Duration `json:"waitIntervals,omitempty" yaml:"waitIntervals"`
	// RepairAction is the advice once retries are used up.
	RepairAction AdviseType    `json:"repairAction,omitempty" yaml:"repairAction"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	// TimeoutAction is applied when a manual intervention times out.
	TimeoutAction AdviseType `json:"timeoutAction,omitempty" yaml:"timeoutAction"`
}

// AdviserObtainment attaches an adviser to a plan node.
type AdviserObtainment struct {
	Type       AdviserType       `json:"type" yaml:"type"`
	Parameters AdviserParameters `json:"parameters" yaml:"parameters"`
}

// PlanNode is the static definition of a node.
type PlanNode struct {
	UUID               string              `json:"uuid"`
	Identifier         string              `json:"identifier"`
	AdviserObtainments []AdviserObtainment `json:"adviserObtainments,omitempty"`
}

// AdviseEvent carries everything an adviser needs to decide. It is never
// persisted.
type AdviseEvent struct {
	NodeExecutionID          string              `json:"nodeExecutionId"`
	Ambiance                 Ambiance            `json:"ambiance"`
	FailureInfo              *FailureInfo        `json:"failureInfo,omitempty"`
	AdviserObtainments       []AdviserObtainment `json:"adviserObtainments,omitempty"`
	IsPreviousAdviserExpired bool                `json:"isPreviousAdviserExpired"`
	RetryIDs                 []string            `json:"retryIds,omitempty"`
	FromStatus               Status              `json:"fromStatus"`
	ToStatus                 Status              `json:"toStatus"`
	NotifyID                 string              `json:"notifyId,omitempty"`
}

// AdviseType is the decision returned for a node.
type AdviseType string

const (
	AdviseNextStep         AdviseType = "NEXT_STEP"
	AdviseRetry            AdviseType = "RETRY"
	AdviseInterventionWait AdviseType = "INTERVENTION_WAIT"
	AdviseMarkSuccess      AdviseType = "MARK_SUCCESS"
	AdviseIgnoreFailure    AdviseType = "IGNORE_FAILURE"
	AdviseEndPlan          AdviseType = "END_PLAN"
	AdviseMarkAsFailure    AdviseType = "MARK_AS_FAILURE"
	AdviseUnknown          AdviseType = "UNKNOWN"
)

// AdviserResponse is an advice and its parameters.
type AdviserResponse struct {
	Type          AdviseType    `json:"type"`
	NextNodeID    string        `json:"nextNodeId,omitempty"`
	WaitInterval  time.Duration `json:"waitInterval,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	TimeoutAction AdviseType    `json:"timeoutAction,omitempty"`
	// RetryIDs echoes the retries so far on a RETRY advice.
	RetryIDs []string `json:"retryIds,omitempty"`
}

// ErrorResponse is a structured advising failure.
type ErrorResponse struct {
	Message      string        `json:"message"`
	FailureTypes []FailureType `json:"failureTypes,omitempty"`
}

// SdkResponse is delivered to the waiter identified by NotifyID. Exactly one
// of Advice and Error is set.
type SdkResponse struct {
	NotifyID        string           `json:"notifyId,omitempty"`
	NodeExecutionID string           `json:"nodeExecutionId"`
	Advice          *AdviserResponse `json:"advice,omitempty"`
	Error           *ErrorResponse   `json:"error,omitempty"`
}
