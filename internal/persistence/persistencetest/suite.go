package persistencetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// Epoch is the fixed "now" the suite claims against.
var Epoch = time.UnixMilli(1_700_000_000_000)

// Opener returns an empty provider for one subtest.
type Opener func(t *testing.T) persistence.Provider[*Ticket]

func regularClaim(now time.Time) persistence.ClaimRequest {
	return persistence.ClaimRequest{
		Now:            now,
		Base:           now.UnixMilli(),
		Throttled:      now.UnixMilli(),
		Field:          FieldNext,
		SchedulingType: types.Regular,
		TargetInterval: time.Minute,
	}
}

func save(t *testing.T, p persistence.Provider[*Ticket], tickets ...*Ticket) {
	t.Helper()
	for _, ticket := range tickets {
		require.NoError(t, p.Save(context.Background(), ticket))
	}
}

// RunProviderSuite exercises the claim/find/update contract.
func RunProviderSuite(t *testing.T, open Opener) {
	ctx := context.Background()
	nowMs := Epoch.UnixMilli()

	t.Run("CRUD", func(t *testing.T) {
		p := open(t)
		save(t, p, &Ticket{UUID: "a", Owner: "alice"})

		got, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Owner)

		updated, err := p.Update(ctx, "a", func(tk *Ticket) error {
			tk.Processed++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Processed)

		require.NoError(t, p.Delete(ctx, "a"))
		_, err = p.Get(ctx, "a")
		assert.ErrorIs(t, err, persistence.ErrNotFound)

		_, err = p.Update(ctx, "a", func(*Ticket) error { return nil })
		assert.ErrorIs(t, err, persistence.ErrNotFound)

		assert.ErrorIs(t, p.Save(ctx, &Ticket{}), persistence.ErrMissingID)
	})

	t.Run("UpdateMutateErrorLeavesStoredCopy", func(t *testing.T) {
		p := open(t)
		save(t, p, &Ticket{UUID: "a"})
		boom := fmt.Errorf("boom")
		_, err := p.Update(ctx, "a", func(tk *Ticket) error {
			tk.Processed = 99
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.Zero(t, got.Processed)
	})

	t.Run("ClaimOrdersMissingFirstThenEarliest", func(t *testing.T) {
		p := open(t)
		save(t, p,
			&Ticket{UUID: "late", NextIteration: types.Int64Ptr(nowMs - 100)},
			&Ticket{UUID: "early", NextIteration: types.Int64Ptr(nowMs - 500)},
			&Ticket{UUID: "never"},
			&Ticket{UUID: "future", NextIteration: types.Int64Ptr(nowMs + 500)},
		)

		var order []string
		for {
			got, ok, err := p.ObtainNextInstance(ctx, regularClaim(Epoch), nil)
			require.NoError(t, err)
			if !ok {
				break
			}
			order = append(order, got.UUID)
		}
		assert.Equal(t, []string{"never", "early", "late"}, order)
	})

	t.Run("ClaimReturnsPreClaimSnapshot", func(t *testing.T) {
		p := open(t)
		save(t, p, &Ticket{UUID: "a", NextIteration: types.Int64Ptr(nowMs - 10)})

		got, ok, err := p.ObtainNextInstance(ctx, regularClaim(Epoch), nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, nowMs-10, *got.NextIteration)

		stored, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, nowMs+time.Minute.Milliseconds(), *stored.NextIteration)
	})

	t.Run("ClaimUsesBaseNotNow", func(t *testing.T) {
		p := open(t)
		save(t, p, &Ticket{UUID: "a"})

		req := regularClaim(Epoch)
		req.Base = nowMs - 1000
		_, ok, err := p.ObtainNextInstance(ctx, req, nil)
		require.NoError(t, err)
		require.True(t, ok)

		stored, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, nowMs-1000+time.Minute.Milliseconds(), *stored.NextIteration)
	})

	t.Run("EqualToNowIsNotDue", func(t *testing.T) {
		p := open(t)
		save(t, p, &Ticket{UUID: "a", NextIteration: types.Int64Ptr(nowMs)})

		_, ok, err := p.ObtainNextInstance(ctx, regularClaim(Epoch), nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ClaimHonoursFilter", func(t *testing.T) {
		p := open(t)
		save(t, p,
			&Ticket{UUID: "a", Owner: "alice"},
			&Ticket{UUID: "b", Owner: "bob"},
		)
		onlyBob := persistence.FilterFunc[*Ticket](func(tk *Ticket) bool { return tk.Owner == "bob" })

		got, ok, err := p.ObtainNextInstance(ctx, regularClaim(Epoch), onlyBob)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", got.UUID)

		_, ok, err = p.ObtainNextInstance(ctx, regularClaim(Epoch), onlyBob)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UnsortedStillClaimsDue", func(t *testing.T) {
		p := open(t)
		save(t, p,
			&Ticket{UUID: "a", NextIteration: types.Int64Ptr(nowMs - 1)},
			&Ticket{UUID: "b", NextIteration: types.Int64Ptr(nowMs + 1000)},
		)
		req := regularClaim(Epoch)
		req.Unsorted = true

		got, ok, err := p.ObtainNextInstance(ctx, req, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a", got.UUID)
	})

	t.Run("IrregularPopsHead", func(t *testing.T) {
		p := open(t)
		save(t, p, &Ticket{UUID: "a", CronIterations: []int64{nowMs - 30, nowMs - 20, nowMs + 10}})

		req := regularClaim(Epoch)
		req.Field = FieldCron
		req.SchedulingType = types.Irregular

		got, ok, err := p.ObtainNextInstance(ctx, req, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []int64{nowMs - 30, nowMs - 20, nowMs + 10}, got.CronIterations)

		stored, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []int64{nowMs - 20, nowMs + 10}, stored.CronIterations)
	})

	t.Run("IrregularSkipMissedDropsThrottled", func(t *testing.T) {
		p := open(t)
		save(t, p, &Ticket{UUID: "a", CronIterations: []int64{nowMs - 30, nowMs - 20, nowMs + 10, nowMs + 5000}})

		req := regularClaim(Epoch)
		req.Field = FieldCron
		req.SchedulingType = types.IrregularSkipMissed
		req.Throttled = nowMs + 10

		_, ok, err := p.ObtainNextInstance(ctx, req, nil)
		require.NoError(t, err)
		require.True(t, ok)

		stored, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []int64{nowMs + 5000}, stored.CronIterations)
	})

	t.Run("ExhaustedIrregularIsNotDue", func(t *testing.T) {
		p := open(t)
		save(t, p,
			&Ticket{UUID: "exhausted", CronIterations: []int64{}},
			&Ticket{UUID: "fresh"},
		)
		req := regularClaim(Epoch)
		req.Field = FieldCron
		req.SchedulingType = types.Irregular

		got, ok, err := p.ObtainNextInstance(ctx, req, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "fresh", got.UUID, "never scheduled is due")

		_, ok, err = p.ObtainNextInstance(ctx, req, nil)
		require.NoError(t, err)
		assert.False(t, ok, "consuming the last time leaves an exhausted list")

		_, ok, err = p.FindInstance(ctx, FieldCron, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		p := open(t)
		const total = 20
		for i := 0; i < total; i++ {
			save(t, p, &Ticket{UUID: fmt.Sprintf("t-%02d", i), NextIteration: types.Int64Ptr(nowMs - int64(i))})
		}

		var (
			mu      sync.Mutex
			claimed = map[string]int{}
			wg      sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, ok, err := p.ObtainNextInstance(ctx, regularClaim(Epoch), nil)
					if !assert.NoError(t, err) || !ok {
						return
					}
					mu.Lock()
					claimed[got.UUID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, total)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "ticket %s claimed more than once", id)
		}
	})

	t.Run("FindInstanceDoesNotClaim", func(t *testing.T) {
		p := open(t)
		save(t, p,
			&Ticket{UUID: "a", NextIteration: types.Int64Ptr(nowMs + 200)},
			&Ticket{UUID: "b", NextIteration: types.Int64Ptr(nowMs + 100)},
		)

		got, ok, err := p.FindInstance(ctx, FieldNext, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", got.UUID)

		stored, err := p.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, nowMs+100, *stored.NextIteration)

		empty := open(t)
		_, ok, err = empty.FindInstance(ctx, FieldNext, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UpdateEntityField", func(t *testing.T) {
		p := open(t)
		ticket := &Ticket{UUID: "a"}
		save(t, p, ticket)

		require.NoError(t, p.UpdateEntityField(ctx, ticket, FieldCron, []int64{nowMs + 1, nowMs + 2}))

		stored, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []int64{nowMs + 1, nowMs + 2}, stored.CronIterations)

		err = p.UpdateEntityField(ctx, &Ticket{UUID: "missing"}, FieldCron, []int64{1})
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("RecoverAfterPauseRegular", func(t *testing.T) {
		p := open(t)
		save(t, p,
			&Ticket{UUID: "overdue-1", NextIteration: types.Int64Ptr(nowMs - 60_000)},
			&Ticket{UUID: "overdue-2", NextIteration: types.Int64Ptr(nowMs - 1)},
			&Ticket{UUID: "future", NextIteration: types.Int64Ptr(nowMs + 60_000)},
			&Ticket{UUID: "never"},
		)
		spread := 10 * time.Second

		n, err := p.RecoverAfterPause(ctx, persistence.RecoverRequest{
			Now: Epoch, Field: FieldNext, SchedulingType: types.Regular, Spread: spread,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range []string{"overdue-1", "overdue-2"} {
			stored, err := p.Get(ctx, id)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, *stored.NextIteration, nowMs)
			assert.Less(t, *stored.NextIteration, nowMs+spread.Milliseconds())
			assert.Equal(t, nowMs+persistence.SpreadOffset(id, spread), *stored.NextIteration)
		}
		future, err := p.Get(ctx, "future")
		require.NoError(t, err)
		assert.Equal(t, nowMs+60_000, *future.NextIteration)
		never, err := p.Get(ctx, "never")
		require.NoError(t, err)
		assert.Nil(t, never.NextIteration)
	})

	t.Run("RecoverAfterPauseIrregular", func(t *testing.T) {
		p := open(t)
		save(t, p,
			&Ticket{UUID: "a", CronIterations: []int64{nowMs - 5, nowMs + 5}},
			&Ticket{UUID: "b", CronIterations: []int64{nowMs + 1}},
		)

		n, err := p.RecoverAfterPause(ctx, persistence.RecoverRequest{
			Now: Epoch, Field: FieldCron, SchedulingType: types.IrregularSkipMissed,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stored, err := p.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []int64{nowMs + 5}, stored.CronIterations)
	})

	t.Run("ListWithFilter", func(t *testing.T) {
		p := open(t)
		save(t, p,
			&Ticket{UUID: "a", Owner: "alice"},
			&Ticket{UUID: "b", Owner: "bob"},
			&Ticket{UUID: "c", Owner: "alice"},
		)

		all, err := p.List(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		alice, err := p.List(ctx, persistence.FilterFunc[*Ticket](func(tk *Ticket) bool { return tk.Owner == "alice" }))
		require.NoError(t, err)
		ids := []string{}
		for _, tk := range alice {
			ids = append(ids, tk.UUID)
		}
		assert.ElementsMatch(t, []string{"a", "c"}, ids)
	})
}

// RunLeaseSuite exercises mutual exclusion of a LeaseStore. Expiry is time
// source dependent and tested by each store.
func RunLeaseSuite(t *testing.T, store persistence.LeaseStore) {
	ctx := context.Background()
	const ttl = time.Minute

	ok, err := store.TryAcquireLease(ctx, "primary", "node-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "free lease is granted")

	ok, err = store.TryAcquireLease(ctx, "primary", "node-b", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "held lease is refused to others")

	ok, err = store.TryAcquireLease(ctx, "primary", "node-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "holder may renew")

	require.NoError(t, store.ReleaseLease(ctx, "primary", "node-b"))
	ok, err = store.TryAcquireLease(ctx, "primary", "node-b", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-holder is a no-op")

	require.NoError(t, store.ReleaseLease(ctx, "primary", "node-a"))
	ok, err = store.TryAcquireLease(ctx, "primary", "node-b", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "released lease can be taken over")

	ok, err = store.TryAcquireLease(ctx, "other", "node-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "leases are independent by name")
}
