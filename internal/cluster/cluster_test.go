package cluster

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence/memory"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestStateComposition(t *testing.T) {
	assert.True(t, State{}.IsPrimary())
	assert.False(t, State{}.IsMaintenance())

	s := NewStatic(false, true)
	state := State{Primary: s, Maintenance: s}
	assert.False(t, state.IsPrimary())
	assert.True(t, state.IsMaintenance())

	s.SetPrimary(true)
	s.SetMaintenance(false)
	assert.True(t, state.IsPrimary())
	assert.False(t, state.IsMaintenance())
}

func newElector(t *testing.T, leases *memory.Leases, holder string) *LeaseElector {
	t.Helper()
	e, err := NewLeaseElector(ElectorConfig{Leases: leases, Holder: holder, TTL: 15 * time.Second, Logger: discard()})
	require.NoError(t, err)
	return e
}

func TestNewLeaseElectorValidates(t *testing.T) {
	_, err := NewLeaseElector(ElectorConfig{Holder: "a"})
	assert.Error(t, err)
	_, err = NewLeaseElector(ElectorConfig{Leases: memory.NewLeases(nil)})
	assert.ErrorIs(t, err, ErrNoHolder)

	e, err := NewLeaseElector(ElectorConfig{Leases: memory.NewLeases(nil), Holder: "a", TTL: 9 * time.Second, RenewInterval: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, e.renew, "renewal must fit inside the TTL")
	assert.Equal(t, DefaultLeaseName, e.name)
	assert.Equal(t, Follower, e.Role())
}

func TestLeaseElectorSingleLeader(t *testing.T) {
	ctx := context.Background()
	clock := types.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	leases := memory.NewLeases(clock)
	a, b := newElector(t, leases, "node-a"), newElector(t, leases, "node-b")

	ok, err := a.Campaign(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Campaign(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, a.IsPrimary())
	assert.False(t, b.IsPrimary())

	// renewal keeps the lease
	clock.Advance(10 * time.Second)
	ok, err = a.Campaign(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	clock.Advance(10 * time.Second)
	ok, err = b.Campaign(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// a stops renewing; b takes over and a steps down on its next attempt
	clock.Advance(16 * time.Second)
	ok, err = b.Campaign(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Campaign(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Follower, a.Role())
	assert.Equal(t, Leader, b.Role())
}

type brokenLeases struct {
	memory.Leases
}

func (brokenLeases) TryAcquireLease(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestLeaseElectorDemotesOnStoreError(t *testing.T) {
	e, err := NewLeaseElector(ElectorConfig{Leases: memory.NewLeases(nil), Holder: "a", Logger: discard()})
	require.NoError(t, err)
	_, err = e.Campaign(context.Background())
	require.NoError(t, err)
	require.True(t, e.IsPrimary())

	e.leases = &brokenLeases{}
	_, err = e.Campaign(context.Background())
	assert.ErrorContains(t, err, "store unavailable")
	assert.False(t, e.IsPrimary())
}

func TestLeaseElectorRunReleasesOnStop(t *testing.T) {
	leases := memory.NewLeases(nil)
	a, err := NewLeaseElector(ElectorConfig{Leases: leases, Holder: "node-a", TTL: time.Hour, RenewInterval: 10 * time.Millisecond, Logger: discard()})
	require.NoError(t, err)
	b := newElector(t, leases, "node-b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, a.IsPrimary, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, a.IsPrimary())

	ok, err := b.Campaign(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free before its TTL")
}

func TestMaintenanceRefresh(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "maintenance")
	w, err := NewMaintenanceWatcher(flag, discard())
	require.NoError(t, err)
	t.Cleanup(func() { w.watcher.Close() })
	assert.False(t, w.IsMaintenance())

	var resumed atomic.Int32
	w.OnResume(func(context.Context) error {
		resumed.Add(1)
		return nil
	})
	w.OnResume(func(context.Context) error { return errors.New("recover failed") })

	require.NoError(t, os.WriteFile(flag, nil, 0o644))
	w.Refresh(context.Background())
	assert.True(t, w.IsMaintenance())
	assert.Zero(t, resumed.Load())

	require.NoError(t, os.Remove(flag))
	w.Refresh(context.Background())
	assert.False(t, w.IsMaintenance())
	assert.EqualValues(t, 1, resumed.Load())

	w.Refresh(context.Background())
	assert.EqualValues(t, 1, resumed.Load(), "callbacks fire once per exit")
}

func TestMaintenanceStartsFromExistingFlag(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "maintenance")
	require.NoError(t, os.WriteFile(flag, []byte("deploy"), 0o644))
	w, err := NewMaintenanceWatcher(flag, discard())
	require.NoError(t, err)
	t.Cleanup(func() { w.watcher.Close() })
	assert.True(t, w.IsMaintenance())
}

func TestMaintenanceWatcherFollowsFile(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "maintenance")
	w, err := NewMaintenanceWatcher(flag, discard())
	require.NoError(t, err)

	resumed := make(chan struct{}, 1)
	w.OnResume(func(context.Context) error {
		resumed <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, os.WriteFile(flag, nil, 0o644))
	require.Eventually(t, w.IsMaintenance, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(flag))
	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("resume callback not fired")
	}
	assert.False(t, w.IsMaintenance())
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "Leader", Leader.String())
	assert.Equal(t, "Follower", Follower.String())
	assert.Equal(t, "Unknown", Role(7).String())
}
