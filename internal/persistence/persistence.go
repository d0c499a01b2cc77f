// ============================================================================
// Beaver-Iterator Persistence - claim/find/update contract
// ============================================================================
//
// Package: internal/persistence
// File: persistence.go
// Purpose: The storage contract the iterator engine depends on.
//
// The single correctness invariant of the whole engine lives here:
// ObtainNextInstance must find one due entity and push its schedule forward
// in the same atomic operation, so two pollers (in one process or across
// processes) never observe the same due occurrence.
//
// Implementations:
//   - memory:      mutex-guarded documents, optional JSON snapshot file
//   - badgerstore: BadgerDB, SSI transactions with conflict retry
//   - sqlstore:    SQLite, IMMEDIATE transactions with compare-and-set
//
// ============================================================================

package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

var (
	// ErrNotFound is returned by Get/Update when no entity has the id.
	ErrNotFound = errors.New("persistence: entity not found")
	// ErrConflictRetries is returned when an optimistic claim kept conflicting.
	ErrConflictRetries = errors.New("persistence: conflict retries exhausted")
	// ErrNotIrregular is returned when an irregular claim hits an entity that
	// does not implement types.IrregularIterable.
	ErrNotIrregular = errors.New("persistence: entity is not irregular iterable")
	// ErrMissingID is returned when saving an entity without an id.
	ErrMissingID = errors.New("persistence: entity has no id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("persistence: store closed")
)

// ClaimRequest describes one atomic claim-and-reschedule.
type ClaimRequest struct {
	Now            time.Time
	Base           int64 // epoch millis, possibly smoothed by redistribution
	Throttled      int64 // epoch millis, base + throttle interval
	Field          types.ScheduleField
	SchedulingType types.SchedulingType
	TargetInterval time.Duration
	Unsorted       bool
}

// RecoverRequest describes the repair run after a maintenance pause.
type RecoverRequest struct {
	Now            time.Time
	Field          types.ScheduleField
	SchedulingType types.SchedulingType
	Spread         time.Duration
}

// Provider abstracts fetch/update of iterable entities of one kind.
type Provider[T types.Iterable] interface {
	// ObtainNextInstance atomically claims the earliest due entity matching
	// filter and reschedules it. The returned entity is the pre-claim snapshot.
	ObtainNextInstance(ctx context.Context, req ClaimRequest, filter Filter[T]) (T, bool, error)

	// FindInstance returns the earliest scheduled entity without claiming it.
	FindInstance(ctx context.Context, field types.ScheduleField, filter Filter[T]) (T, bool, error)

	// UpdateEntityField persists a recomputed list of irregular due times.
	UpdateEntityField(ctx context.Context, entity T, field types.ScheduleField, next []int64) error

	// RecoverAfterPause repairs iteration state after a maintenance pause and
	// returns the number of entities touched.
	RecoverAfterPause(ctx context.Context, req RecoverRequest) (int, error)

	Save(ctx context.Context, entity T) error
	Get(ctx context.Context, id string) (T, error)
	// Update applies mutate to the stored copy under the store's critical section.
	Update(ctx context.Context, id string, mutate func(T) error) (T, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter[T]) ([]T, error)
}

// LeaseStore grants a named, expiring lease to one holder at a time.
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}
