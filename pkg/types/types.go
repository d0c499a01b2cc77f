// Package types defines the contracts shared by the iterator engine and every
// domain that plugs into it: schedule descriptors, scheduling modes and the
// iterable entity interfaces.
package types

import (
	"fmt"
)

// ScheduleField names one schedule on an entity. An entity may carry several
// independent schedules, each addressed by its own ScheduleField.
type ScheduleField string

func (f ScheduleField) String() string { return string(f) }

// SchedulingType selects how an entity's next due time is produced.
type SchedulingType int

const (
	// Regular entities carry exactly one upcoming due time, pushed forward by
	// the target interval on every claim.
	Regular SchedulingType = iota
	// Irregular entities carry a list of future due times, consumed one per claim.
	Irregular
	// IrregularSkipMissed drops every due time already in the past instead of
	// catching up serially.
	IrregularSkipMissed
)

func (s SchedulingType) String() string {
	switch s {
	case Regular:
		return "REGULAR"
	case Irregular:
		return "IRREGULAR"
	case IrregularSkipMissed:
		return "IRREGULAR_SKIP_MISSED"
	default:
		return fmt.Sprintf("SchedulingType(%d)", int(s))
	}
}

// ParseSchedulingType accepts the names produced by String.
func ParseSchedulingType(s string) (SchedulingType, error) {
	switch s {
	case "REGULAR", "regular", "":
		return Regular, nil
	case "IRREGULAR", "irregular":
		return Irregular, nil
	case "IRREGULAR_SKIP_MISSED", "irregular_skip_missed":
		return IrregularSkipMissed, nil
	}
	return Regular, fmt.Errorf("unknown scheduling type %q", s)
}

// Iterable is any persisted record exposing a next due time per schedule.
// Times are epoch milliseconds; nil means "never scheduled".
type Iterable interface {
	ID() string
	ObtainNextIteration(field ScheduleField) *int64
	UpdateNextIteration(field ScheduleField, next *int64)
}

// IrregularIterable carries a list of future due times per schedule. A nil
// list means the schedule was never initialized and is due at once; an empty
// list means it is exhausted. Implementations must keep the two apart.
type IrregularIterable interface {
	Iterable

	NextIterations(field ScheduleField) []int64
	SetNextIterations(field ScheduleField, next []int64)

	// RecalculateNextIterations is called on the pre-claim snapshot and
	// returns the complete list of upcoming due times after the claim. Without
	// skipMissed the head is consumed; with it, every time at or before
	// throttled is dropped.
	RecalculateNextIterations(field ScheduleField, skipMissed bool, throttled int64) []int64
}

// Int64Ptr is a small helper for optional iteration values.
func Int64Ptr(v int64) *int64 { return &v }
