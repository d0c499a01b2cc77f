package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// ============================================================================
// Shared claim semantics
// ============================================================================
//
// Every store funnels through these helpers so the due/ordering/reschedule
// rules are identical no matter which backend holds the documents.

// Codec turns entities into stored documents and back.
type Codec[T types.Iterable] struct {
	New func() T
}

// Encode marshals entity as JSON.
func (c Codec[T]) Encode(entity T) ([]byte, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode entity %s: %w", entity.ID(), err)
	}
	return data, nil
}

// Decode unmarshals a stored document into a fresh entity.
func (c Codec[T]) Decode(data []byte) (T, error) {
	entity := c.New()
	if err := json.Unmarshal(data, entity); err != nil {
		var zero T
		return zero, fmt.Errorf("decode entity: %w", err)
	}
	return entity, nil
}

// Exhausted reports an irregular schedule whose list exists but is empty.
// Such an entity is neither due nor a candidate for the next wake-up.
func Exhausted(entity types.Iterable, field types.ScheduleField) bool {
	irregular, ok := entity.(types.IrregularIterable)
	if !ok {
		return false
	}
	next := irregular.NextIterations(field)
	return next != nil && len(next) == 0
}

// IsDue reports whether the entity's schedule is missing or before now.
func IsDue(entity types.Iterable, field types.ScheduleField, nowMs int64) bool {
	if Exhausted(entity, field) {
		return false
	}
	next := entity.ObtainNextIteration(field)
	return next == nil || *next < nowMs
}

// Earlier orders schedules with "never scheduled" first.
func Earlier(a, b *int64) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	default:
		return *a < *b
	}
}

// SelectDue picks the entity to claim from candidates. Candidates are
// decoded documents in store order; the earliest due one wins unless
// unsorted, in which case the first due one wins.
func SelectDue[T types.Iterable](candidates []T, filter Filter[T], req ClaimRequest) (T, int, bool) {
	var (
		best    T
		bestIdx = -1
		nowMs   = req.Now.UnixMilli()
	)
	for i, c := range candidates {
		if !IsDue(c, req.Field, nowMs) || !Matches(filter, c) {
			continue
		}
		if req.Unsorted {
			return c, i, true
		}
		if bestIdx < 0 || Earlier(c.ObtainNextIteration(req.Field), best.ObtainNextIteration(req.Field)) {
			best, bestIdx = c, i
		}
	}
	return best, bestIdx, bestIdx >= 0
}

// SelectEarliest picks the earliest scheduled candidate matching filter.
func SelectEarliest[T types.Iterable](candidates []T, filter Filter[T], field types.ScheduleField) (T, bool) {
	var (
		best  T
		found bool
	)
	for _, c := range candidates {
		if !Matches(filter, c) || Exhausted(c, field) {
			continue
		}
		if !found || Earlier(c.ObtainNextIteration(field), best.ObtainNextIteration(field)) {
			best, found = c, true
		}
	}
	return best, found
}

// ApplyClaim pushes the claimed entity's schedule forward in place.
func ApplyClaim(entity types.Iterable, req ClaimRequest) error {
	switch req.SchedulingType {
	case types.Regular:
		next := req.Base + req.TargetInterval.Milliseconds()
		entity.UpdateNextIteration(req.Field, &next)
		return nil
	case types.Irregular, types.IrregularSkipMissed:
		irregular, ok := entity.(types.IrregularIterable)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotIrregular, entity.ID())
		}
		current := irregular.NextIterations(req.Field)
		remaining := make([]int64, 0, len(current))
		if req.SchedulingType == types.Irregular {
			if len(current) > 0 {
				remaining = append(remaining, current[1:]...)
			}
		} else {
			for _, ts := range current {
				if ts > req.Throttled {
					remaining = append(remaining, ts)
				}
			}
		}
		irregular.SetNextIterations(req.Field, remaining)
		return nil
	default:
		return fmt.Errorf("unsupported scheduling type %v", req.SchedulingType)
	}
}

// SpreadOffset maps an id onto a stable offset within spread.
func SpreadOffset(id string, spread time.Duration) int64 {
	ms := spread.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int64(xxhash.Sum64String(id) % uint64(ms))
}

// RecoverEntity repairs one entity after a maintenance pause. Overdue regular
// schedules are re-spread over [now, now+spread); stale irregular times are
// dropped. It reports whether the entity changed.
func RecoverEntity(entity types.Iterable, req RecoverRequest) bool {
	var (
		field = req.Field
		nowMs = req.Now.UnixMilli()
	)
	if req.SchedulingType != types.Regular {
		irregular, ok := entity.(types.IrregularIterable)
		if !ok {
			return false
		}
		current := irregular.NextIterations(field)
		kept := make([]int64, 0, len(current))
		for _, ts := range current {
			if ts >= nowMs {
				kept = append(kept, ts)
			}
		}
		if len(kept) == len(current) {
			return false
		}
		irregular.SetNextIterations(field, kept)
		return true
	}
	next := entity.ObtainNextIteration(field)
	if next == nil || *next >= nowMs {
		return false
	}
	respread := nowMs + SpreadOffset(entity.ID(), req.Spread)
	entity.UpdateNextIteration(field, &respread)
	return true
}
