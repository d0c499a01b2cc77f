package iterator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/beaver-iterator/internal/metrics"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/internal/worker"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// Mode selects how Process terminates.
type Mode int

const (
	// Loop polls until the context is cancelled.
	Loop Mode = iota
	// Pump claims until nothing is due, then returns.
	Pump
)

func (m Mode) String() string {
	if m == Pump {
		return "PUMP"
	}
	return "LOOP"
}

// Handler is the domain callback run for every claimed entity. Returned
// errors and panics are logged by the iterator and never propagated.
type Handler[T types.Iterable] interface {
	Handle(ctx context.Context, entity T) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T types.Iterable] func(ctx context.Context, entity T) error

func (f HandlerFunc[T]) Handle(ctx context.Context, entity T) error { return f(ctx, entity) }

// EntityProcessController is consulted after a claim; returning false skips
// dispatch for this occurrence.
type EntityProcessController[T types.Iterable] interface {
	ShouldProcessEntity(entity T) bool
}

// ClusterState is polled at the top of every cycle. Polling is suppressed
// unless this node is primary and not in maintenance.
type ClusterState interface {
	IsPrimary() bool
	IsMaintenance() bool
}

const (
	defaultDispatchWait = 10 * time.Second
	defaultErrorBackoff = time.Second
	defaultIdleSleep    = time.Second
)

// Options configures an Iterator.
type Options[T types.Iterable] struct {
	Name           string               `validate:"required"`
	Mode           Mode                 `validate:"oneof=0 1"`
	Field          types.ScheduleField  `validate:"required"`
	SchedulingType types.SchedulingType `validate:"oneof=0 1 2"`

	// TargetInterval is how far a Regular claim pushes the schedule.
	TargetInterval time.Duration `validate:"gt=0"`
	// MaximumDelayForCheck caps the LOOP sleep between polls. Zero falls
	// back to TargetInterval.
	MaximumDelayForCheck time.Duration `validate:"gte=0"`
	// AcceptableNoAlertDelay and AcceptableExecutionTime are alert
	// thresholds only; zero disables the alert.
	AcceptableNoAlertDelay  time.Duration `validate:"gte=0"`
	AcceptableExecutionTime time.Duration `validate:"gte=0"`
	// ThrottleInterval pushes the skip-missed horizon past now.
	ThrottleInterval time.Duration `validate:"gte=0"`
	Redistribute     bool
	Unsorted         bool

	// Semaphore bounds concurrent claims plus executions.
	Semaphore int `validate:"gte=1"`
	// ThreadPoolSize is the number of workers when Pool is nil.
	ThreadPoolSize int `validate:"gte=1"`
	// ClaimRate limits claims per second; zero disables the limiter.
	ClaimRate float64 `validate:"gte=0"`

	// DispatchWait bounds how long the poller waits for a dispatched
	// entity to start.
	DispatchWait time.Duration `validate:"gte=0"`
	ErrorBackoff time.Duration `validate:"gte=0"`
	IdleSleep    time.Duration `validate:"gte=0"`

	Provider          persistence.Provider[T] `validate:"required"`
	Filter            persistence.Filter[T]
	Handler           Handler[T] `validate:"required"`
	ProcessController EntityProcessController[T]
	Cluster           ClusterState
	// Pool is shared with other iterators when set; otherwise the iterator
	// owns a pool of ThreadPoolSize workers.
	Pool    *worker.Pool
	Clock   types.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

var validate = validator.New()

func (o *Options[T]) setDefaults() {
	if o.Semaphore == 0 {
		o.Semaphore = 10
	}
	if o.ThreadPoolSize == 0 {
		o.ThreadPoolSize = o.Semaphore
	}
	if o.DispatchWait == 0 {
		o.DispatchWait = defaultDispatchWait
	}
	if o.ErrorBackoff == 0 {
		o.ErrorBackoff = defaultErrorBackoff
	}
	if o.IdleSleep == 0 {
		o.IdleSleep = defaultIdleSleep
	}
	if o.Clock == nil {
		o.Clock = types.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *Options[T]) validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOptions, o.Name, err)
	}
	return nil
}
