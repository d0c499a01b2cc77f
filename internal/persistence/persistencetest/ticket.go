// Package persistencetest holds a sample iterable entity and a behavioural
// suite every persistence.Provider implementation runs in its own tests.
package persistencetest

import (
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

const (
	// FieldNext is a regular schedule.
	FieldNext types.ScheduleField = "nextIteration"
	// FieldCron is an irregular schedule backed by CronIterations.
	FieldCron types.ScheduleField = "cronIterations"
)

// Ticket is a minimal entity carrying one regular and one irregular schedule.
type Ticket struct {
	UUID           string  `json:"uuid"`
	Owner          string  `json:"owner,omitempty"`
	Processed      int     `json:"processed"`
	NextIteration  *int64  `json:"nextIteration,omitempty"`
	CronIterations []int64 `json:"cronIterations"`
	// CronEvery spaces generated irregular times, in millis. Zero disables
	// generation.
	CronEvery int64 `json:"cronEvery,omitempty"`
}

// CronHorizon is how many upcoming irregular times a ticket keeps.
const CronHorizon = 3

func NewTicket() *Ticket { return &Ticket{} }

func (t *Ticket) ID() string { return t.UUID }

func (t *Ticket) ObtainNextIteration(field types.ScheduleField) *int64 {
	switch field {
	case FieldNext:
		return t.NextIteration
	case FieldCron:
		if len(t.CronIterations) == 0 {
			return nil
		}
		return types.Int64Ptr(t.CronIterations[0])
	}
	return nil
}

func (t *Ticket) UpdateNextIteration(field types.ScheduleField, next *int64) {
	switch field {
	case FieldNext:
		t.NextIteration = next
	case FieldCron:
		if next == nil {
			t.CronIterations = nil
			return
		}
		t.CronIterations = []int64{*next}
	}
}

func (t *Ticket) NextIterations(field types.ScheduleField) []int64 {
	if field != FieldCron {
		return nil
	}
	return cloneTimes(t.CronIterations)
}

func (t *Ticket) SetNextIterations(field types.ScheduleField, next []int64) {
	if field == FieldCron {
		t.CronIterations = cloneTimes(next)
	}
}

// cloneTimes copies a list, keeping nil and empty apart.
func cloneTimes(in []int64) []int64 {
	if in == nil {
		return nil
	}
	out := make([]int64, len(in))
	copy(out, in)
	return out
}

// RecalculateNextIterations consumes the claimed head (or every missed time
// when skipMissed) and tops the list up to CronHorizon entries.
func (t *Ticket) RecalculateNextIterations(field types.ScheduleField, skipMissed bool, throttled int64) []int64 {
	if field != FieldCron {
		return nil
	}
	var out []int64
	for i, ts := range t.CronIterations {
		if skipMissed && ts <= throttled || !skipMissed && i == 0 {
			continue
		}
		out = append(out, ts)
	}
	if t.CronEvery <= 0 {
		return out
	}
	last := throttled
	if len(out) > 0 {
		last = out[len(out)-1]
	}
	for len(out) < CronHorizon {
		last += t.CronEvery
		out = append(out, last)
	}
	return out
}

var _ types.IrregularIterable = (*Ticket)(nil)
