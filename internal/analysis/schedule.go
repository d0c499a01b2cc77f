package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// ScheduleIteration is the irregular schedule of an AnalysisSchedule.
const ScheduleIteration types.ScheduleField = "analysisScheduleIterations"

// ScheduleHorizon is how many upcoming cron firings a schedule keeps.
const ScheduleHorizon = 5

// AnalysisSchedule queues an analysis window for a verification task every
// time its cron expression fires.
type AnalysisSchedule struct {
	UUID               string   `json:"uuid"`
	VerificationTaskID string   `json:"verificationTaskId"`
	Kind               TaskKind `json:"kind,omitempty"`
	CronExpr           string   `json:"cronExpr"`
	// Iterations are upcoming firings in epoch millis. nil means not yet
	// computed; empty means the expression yields no more firings.
	Iterations []int64 `json:"iterations"`
	// LastWindowEnd is where the next queued window starts.
	LastWindowEnd int64 `json:"lastWindowEnd,omitempty"`
}

func NewAnalysisScheduleEntity() *AnalysisSchedule { return &AnalysisSchedule{} }

// NewAnalysisSchedule validates expr with the standard five-field parser.
func NewAnalysisSchedule(verificationTaskID string, kind TaskKind, expr string) (*AnalysisSchedule, error) {
	if verificationTaskID == "" {
		return nil, fmt.Errorf("%w: verification task id is required", ErrInvalidInput)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidInput, expr, err)
	}
	return &AnalysisSchedule{
		UUID:               uuid.NewString(),
		VerificationTaskID: verificationTaskID,
		Kind:               kind,
		CronExpr:           expr,
	}, nil
}

func (s *AnalysisSchedule) ID() string { return s.UUID }

func (s *AnalysisSchedule) ObtainNextIteration(field types.ScheduleField) *int64 {
	if field != ScheduleIteration || len(s.Iterations) == 0 {
		return nil
	}
	return types.Int64Ptr(s.Iterations[0])
}

func (s *AnalysisSchedule) UpdateNextIteration(field types.ScheduleField, next *int64) {
	if field != ScheduleIteration {
		return
	}
	if next == nil {
		s.Iterations = nil
		return
	}
	s.Iterations = []int64{*next}
}

func (s *AnalysisSchedule) NextIterations(field types.ScheduleField) []int64 {
	if field != ScheduleIteration || s.Iterations == nil {
		return nil
	}
	return append([]int64{}, s.Iterations...)
}

func (s *AnalysisSchedule) SetNextIterations(field types.ScheduleField, next []int64) {
	if field != ScheduleIteration {
		return
	}
	if next == nil {
		s.Iterations = nil
		return
	}
	s.Iterations = append([]int64{}, next...)
}

// RecalculateNextIterations drops the consumed firing (every firing up to
// throttled when skipMissed) and refills the list from the cron expression.
func (s *AnalysisSchedule) RecalculateNextIterations(field types.ScheduleField, skipMissed bool, throttled int64) []int64 {
	if field != ScheduleIteration {
		return nil
	}
	sched, err := cron.ParseStandard(s.CronExpr)
	if err != nil {
		return nil
	}
	var out []int64
	for i, ts := range s.Iterations {
		if skipMissed && ts <= throttled || !skipMissed && i == 0 {
			continue
		}
		out = append(out, ts)
	}
	from := time.UnixMilli(throttled)
	if len(out) > 0 {
		from = time.UnixMilli(out[len(out)-1])
	}
	for len(out) < ScheduleHorizon {
		next := sched.Next(from)
		if next.IsZero() {
			break
		}
		out = append(out, next.UnixMilli())
		from = next
	}
	return out
}

var _ types.IrregularIterable = (*AnalysisSchedule)(nil)

// AnalysisQueuer accepts analysis windows.
type AnalysisQueuer interface {
	QueueAnalysis(ctx context.Context, input AnalysisInput) error
}

// ScheduleHandler is the schedule iterator's handler.
type ScheduleHandler struct {
	queue     AnalysisQueuer
	schedules persistence.Provider[*AnalysisSchedule]
	clock     types.Clock
	lookback  time.Duration
	logger    *slog.Logger
}

// NewScheduleHandler builds a handler. lookback sizes the first window of
// a schedule, which has no previous firing to start from.
func NewScheduleHandler(queue AnalysisQueuer, schedules persistence.Provider[*AnalysisSchedule],
	clock types.Clock, lookback time.Duration, logger *slog.Logger) *ScheduleHandler {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if lookback <= 0 {
		lookback = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleHandler{
		queue:     queue,
		schedules: schedules,
		clock:     clock,
		lookback:  lookback,
		logger:    logger.With("component", "analysis-schedule"),
	}
}

// Handle queues the window ending at the latest missed firing.
func (h *ScheduleHandler) Handle(ctx context.Context, sched *AnalysisSchedule) error {
	now := h.clock.Now().UnixMilli()
	var fire int64
	for _, ts := range sched.Iterations {
		if ts <= now && ts > fire {
			fire = ts
		}
	}
	if fire == 0 {
		head := sched.ObtainNextIteration(ScheduleIteration)
		if head == nil {
			return nil
		}
		fire = *head
	}
	start := sched.LastWindowEnd
	if start == 0 || start >= fire {
		start = fire - h.lookback.Milliseconds()
	}

	err := h.queue.QueueAnalysis(ctx, AnalysisInput{
		VerificationTaskID: sched.VerificationTaskID,
		Kind:               sched.Kind,
		StartTime:          time.UnixMilli(start),
		EndTime:            time.UnixMilli(fire),
	})
	if errors.Is(err, ErrTerminated) {
		h.logger.Info("schedule of terminated task skipped", "schedule", sched.UUID,
			"verificationTask", sched.VerificationTaskID)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = h.schedules.Update(ctx, sched.ID(), func(stored *AnalysisSchedule) error {
		if fire > stored.LastWindowEnd {
			stored.LastWindowEnd = fire
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record window of schedule %s: %w", sched.UUID, err)
	}
	return nil
}
