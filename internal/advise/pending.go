package advise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// AdviseIteration is the regular schedule pending advise records are
// claimed on.
const AdviseIteration types.ScheduleField = "adviseIteration"

var ErrMissingNode = errors.New("pending advise: node execution id is required")

// PendingAdvise records a finished node that still needs advice. The advise
// iterator claims it until AdviseHandler marks it advised, so a node is
// advised at least once. A published event that a waiter depends on (one
// with a notify id) only counts once its response was delivered; until then
// every claim publishes it again.
type PendingAdvise struct {
	UUID        string        `json:"uuid"`
	Node        NodeExecution `json:"node"`
	FailureInfo *FailureInfo  `json:"failureInfo,omitempty"`
	PlanNode    PlanNode      `json:"planNode"`
	FromStatus  Status        `json:"fromStatus"`

	Advised   bool         `json:"advised"`
	Published bool         `json:"published"`
	Attempts  int          `json:"attempts"`
	Response  *SdkResponse `json:"response,omitempty"`

	NextIteration *int64    `json:"nextIteration,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	AdvisedAt     time.Time `json:"advisedAt"`
}

func NewPendingAdviseEntity() *PendingAdvise { return &PendingAdvise{} }

// NewPendingAdvise is due immediately.
func NewPendingAdvise(node NodeExecution, failureInfo *FailureInfo, planNode PlanNode, fromStatus Status, now time.Time) (*PendingAdvise, error) {
	if node.UUID == "" {
		return nil, ErrMissingNode
	}
	return &PendingAdvise{
		UUID:        uuid.NewString(),
		Node:        node,
		FailureInfo: failureInfo,
		PlanNode:    planNode,
		FromStatus:  fromStatus,
		CreatedAt:   now,
	}, nil
}

func (p *PendingAdvise) ID() string { return p.UUID }

func (p *PendingAdvise) ObtainNextIteration(field types.ScheduleField) *int64 {
	if field != AdviseIteration {
		return nil
	}
	return p.NextIteration
}

func (p *PendingAdvise) UpdateNextIteration(field types.ScheduleField, next *int64) {
	if field == AdviseIteration {
		p.NextIteration = next
	}
}

var _ types.Iterable = (*PendingAdvise)(nil)

// AdviseHandler advises claimed PendingAdvise records.
type AdviseHandler struct {
	helper *NodeAdviseHelper
	store  persistence.Provider[*PendingAdvise]
	clock  types.Clock
	logger *slog.Logger
}

func NewAdviseHandler(helper *NodeAdviseHelper, store persistence.Provider[*PendingAdvise], clock types.Clock, logger *slog.Logger) *AdviseHandler {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdviseHandler{
		helper: helper,
		store:  store,
		clock:  clock,
		logger: logger.With("component", "advise-handler"),
	}
}

// Handle leaves the record unadvised when publishing fails, so the next
// claim tries again. Events published with a notify id stay unadvised
// until Deliver records their response.
func (h *AdviseHandler) Handle(ctx context.Context, p *PendingAdvise) error {
	if p.Advised {
		return nil
	}
	resp, err := h.helper.QueueAdvisingEvent(ctx, p.Node, p.FailureInfo, p.PlanNode, p.FromStatus)
	if err != nil {
		if _, uerr := h.store.Update(ctx, p.UUID, func(stored *PendingAdvise) error {
			stored.Attempts = p.Attempts + 1
			return nil
		}); uerr != nil {
			h.logger.Warn("could not record advise attempt", "entity", p.UUID, "error", uerr)
		}
		return err
	}

	now := h.clock.Now()
	awaitsDelivery := h.helper.Publishes(p.PlanNode) && p.Node.NotifyID != ""
	_, err = h.store.Update(ctx, p.UUID, func(stored *PendingAdvise) error {
		stored.Attempts = p.Attempts + 1
		if awaitsDelivery {
			stored.Published = true
			return nil
		}
		stored.Advised = true
		stored.Response = resp
		stored.AdvisedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark %s advised: %w", p.UUID, err)
	}
	return nil
}

// Deliver records a response resolved off the bus on the pending records
// of the node it answers.
func (h *AdviseHandler) Deliver(ctx context.Context, resp SdkResponse) {
	waiting, err := h.store.List(ctx, persistence.FilterFunc[*PendingAdvise](func(p *PendingAdvise) bool {
		return p.Node.NotifyID == resp.NotifyID && p.Response == nil
	}))
	if err != nil {
		h.logger.Warn("could not look up pending advise", "notifyId", resp.NotifyID, "error", err)
		return
	}
	if len(waiting) == 0 {
		h.logger.Debug("advise response without a pending record", "notifyId", resp.NotifyID)
		return
	}
	now := h.clock.Now()
	for _, p := range waiting {
		_, err := h.store.Update(ctx, p.UUID, func(stored *PendingAdvise) error {
			r := resp
			stored.Response = &r
			stored.Advised = true
			stored.AdvisedAt = now
			return nil
		})
		if err != nil {
			h.logger.Warn("could not record advise response", "entity", p.UUID, "error", err)
		}
	}
}

var _ Sink = (*AdviseHandler)(nil)

// Filter keeps advised records out of claims.
func (h *AdviseHandler) Filter() persistence.Filter[*PendingAdvise] {
	return persistence.FilterFunc[*PendingAdvise](func(p *PendingAdvise) bool {
		return !p.Advised
	})
}
