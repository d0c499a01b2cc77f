package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence/persistencetest"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

func openTemp(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "beaver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProviderContract(t *testing.T) {
	persistencetest.RunProviderSuite(t, func(t *testing.T) persistence.Provider[*persistencetest.Ticket] {
		return New(openTemp(t), "ticket", persistencetest.NewTicket)
	})
}

func TestSaveKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := New(openTemp(t), "ticket", persistencetest.NewTicket)

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.Save(ctx, &persistencetest.Ticket{UUID: id}))
	}
	require.NoError(t, store.Save(ctx, &persistencetest.Ticket{UUID: "c", Owner: "updated"}))

	all, err := store.List(ctx, nil)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, tk := range all {
		ids = append(ids, tk.UUID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, "updated", all[0].Owner)
}

func TestLeases(t *testing.T) {
	persistencetest.RunLeaseSuite(t, NewLeases(openTemp(t), nil))
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	clock := types.NewFakeClock(time.Unix(1000, 0))
	leases := NewLeases(openTemp(t), clock)

	ok, err := leases.TryAcquireLease(ctx, "primary", "a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = leases.TryAcquireLease(ctx, "primary", "b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(5 * time.Second)
	ok, err = leases.TryAcquireLease(ctx, "primary", "b", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
