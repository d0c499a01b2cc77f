package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// Leases keeps named leases in the leases table. A single conditional
// upsert either takes a free/expired lease, renews our own, or does nothing.
type Leases struct {
	db    *sql.DB
	clock types.Clock
}

var _ persistence.LeaseStore = (*Leases)(nil)

func NewLeases(db *sql.DB, clock types.Clock) *Leases {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Leases{db: db, clock: clock}
}

func (l *Leases) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := l.clock.Now()
	res, err := l.db.ExecContext(ctx, `
INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
WHERE leases.holder = excluded.holder OR leases.expires_at <= ?
`, name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Leases) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
