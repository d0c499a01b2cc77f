// ============================================================================
// Beaver-Iterator Node Advise Helper
// ============================================================================
//
// Package: internal/advise
// File: helper.go
// Purpose: Turn a finished node into an AdviseEvent and get it advised.
//
// Dispatch policy:
//
//   QueueAdvisingEvent(node)
//     ├─ publisher configured AND node has a custom adviser
//     │     -> Publish(event); the Resolver answers through the Notifier
//     └─ otherwise
//           -> GetResponseInCaseOfNoCustomAdviser(event) inline
//
// Inline advice walks the node's obtainments in order. The first adviser
// that can advise and returns a response wins; when none does the node
// still gets an UNKNOWN advice.
//
// Failures while advising (errors and panics) become an error SdkResponse
// when the event carries a notify id. Without one nobody waits for the
// answer and the failure is only logged.
//
// ============================================================================

package advise

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-iterator/internal/metrics"
)

// Publisher hands an event to asynchronous adviser resolution.
type Publisher interface {
	Publish(ctx context.Context, event AdviseEvent) error
}

// HelperConfig configures a NodeAdviseHelper.
type HelperConfig struct {
	// Registry resolves obtainment types. Nil uses the built-in advisers.
	Registry *Registry
	// Publisher enables the asynchronous path; nil computes everything
	// inline.
	Publisher Publisher
	// Notifier, when set, also receives inline responses so every waiter
	// is answered the same way.
	Notifier *Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// NodeAdviseHelper decides how a finished node is advised.
type NodeAdviseHelper struct {
	registry  *Registry
	publisher Publisher
	notifier  *Notifier
	logger    *slog.Logger
	metrics   *metrics.Collector
}

func NewNodeAdviseHelper(cfg HelperConfig) *NodeAdviseHelper {
	if cfg.Registry == nil {
		cfg.Registry = NewBuiltinRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &NodeAdviseHelper{
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger.With("component", "advise"),
		metrics:   cfg.Metrics,
	}
}

// QueueAdvisingEvent builds the event for node and either publishes it or
// advises it inline. A published event returns a nil response; the answer
// arrives through the notify id. failureInfo overrides the node's own.
func (h *NodeAdviseHelper) QueueAdvisingEvent(ctx context.Context, node NodeExecution, failureInfo *FailureInfo,
	planNode PlanNode, fromStatus Status) (*SdkResponse, error) {
	event := NewAdviseEvent(node, failureInfo, planNode, fromStatus)

	if h.Publishes(planNode) {
		if err := h.publisher.Publish(ctx, event); err != nil {
			return nil, fmt.Errorf("publish advise event for %s: %w", node.UUID, err)
		}
		h.logger.Debug("advise event published", "node", node.UUID, "notifyId", event.NotifyID)
		return nil, nil
	}

	resp, err := h.GetResponseInCaseOfNoCustomAdviser(ctx, event)
	if err != nil {
		return nil, err
	}
	if resp != nil && h.notifier != nil {
		h.notifier.Notify(*resp)
	}
	return resp, nil
}

// Publishes reports whether advice for planNode goes onto the publisher
// instead of being computed inline.
func (h *NodeAdviseHelper) Publishes(planNode PlanNode) bool {
	return h.publisher != nil && HasCustomAdviser(planNode)
}

// NewAdviseEvent snapshots everything an adviser needs from node.
func NewAdviseEvent(node NodeExecution, failureInfo *FailureInfo, planNode PlanNode, fromStatus Status) AdviseEvent {
	if failureInfo == nil {
		failureInfo = node.FailureInfo
	}
	return AdviseEvent{
		NodeExecutionID:          node.UUID,
		Ambiance:                 node.Ambiance,
		FailureInfo:              failureInfo,
		AdviserObtainments:       planNode.AdviserObtainments,
		IsPreviousAdviserExpired: IsPreviousAdviserExpired(node.InterruptHistories),
		RetryIDs:                 node.RetryIDs,
		FromStatus:               fromStatus,
		ToStatus:                 node.Status,
		NotifyID:                 node.NotifyID,
	}
}

// GetResponseInCaseOfNoCustomAdviser advises event synchronously. The
// returned error is only ctx's; adviser failures are folded into the
// response, or dropped when nobody is notified.
func (h *NodeAdviseHelper) GetResponseInCaseOfNoCustomAdviser(ctx context.Context, event AdviseEvent) (resp *SdkResponse, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			resp = h.failed(event, fmt.Errorf("adviser panicked: %v", r))
			err = nil
		}
	}()

	advice, adviseErr := h.advise(event)
	if adviseErr != nil {
		return h.failed(event, adviseErr), nil
	}
	h.metrics.RecordAdvice(string(advice.Type))
	return &SdkResponse{
		NotifyID:        event.NotifyID,
		NodeExecutionID: event.NodeExecutionID,
		Advice:          advice,
	}, nil
}

func (h *NodeAdviseHelper) advise(event AdviseEvent) (*AdviserResponse, error) {
	for _, o := range event.AdviserObtainments {
		adviser, ok := h.registry.Get(o.Type)
		if !ok {
			h.logger.Warn("no adviser registered", "node", event.NodeExecutionID, "adviser", o.Type)
			continue
		}
		if !adviser.CanAdvise(event, o.Parameters) {
			continue
		}
		resp, err := adviser.OnAdviseEvent(event, o.Parameters)
		if err != nil {
			return nil, fmt.Errorf("%s adviser: %w", o.Type, err)
		}
		if resp != nil {
			return resp, nil
		}
	}
	return &AdviserResponse{Type: AdviseUnknown}, nil
}

func (h *NodeAdviseHelper) failed(event AdviseEvent, err error) *SdkResponse {
	if event.NotifyID == "" {
		h.logger.Warn("advise failed with nobody to notify", "node", event.NodeExecutionID, "error", err)
		return nil
	}
	h.logger.Error("advise failed", "node", event.NodeExecutionID, "notifyId", event.NotifyID, "error", err)
	h.metrics.RecordAdvice("ERROR")
	failureTypes := []FailureType{FailureApplication}
	if event.FailureInfo != nil && len(event.FailureInfo.FailureTypes) > 0 {
		failureTypes = event.FailureInfo.FailureTypes
	}
	return &SdkResponse{
		NotifyID:        event.NotifyID,
		NodeExecutionID: event.NodeExecutionID,
		Error: &ErrorResponse{
			Message:      err.Error(),
			FailureTypes: failureTypes,
		},
	}
}

// HasCustomAdviser is false only when every obtainment is a built-in type.
// A node without obtainments needs a custom decision.
func HasCustomAdviser(planNode PlanNode) bool {
	if len(planNode.AdviserObtainments) == 0 {
		return true
	}
	for _, o := range planNode.AdviserObtainments {
		if !IsBuiltin(o.Type) {
			return true
		}
	}
	return false
}

// IsPreviousAdviserExpired reports whether the latest interrupt was issued
// by a timeout.
func IsPreviousAdviserExpired(histories []InterruptEffect) bool {
	if len(histories) == 0 {
		return false
	}
	return histories[len(histories)-1].IssuedBy == IssuedByTimeout
}
