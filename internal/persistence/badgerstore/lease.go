package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

type leaseRecord struct {
	Holder    string `json:"holder"`
	ExpiresAt int64  `json:"expiresAt"` // epoch millis
}

// Leases stores named leases next to the documents. Each record is written
// with a badger TTL so an abandoned lease disappears on its own; the stored
// expiry is still checked because badger TTLs have second granularity.
type Leases struct {
	db    *badger.DB
	clock types.Clock
}

var _ persistence.LeaseStore = (*Leases)(nil)

func NewLeases(db *badger.DB, clock types.Clock) *Leases {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Leases{db: db, clock: clock}
}

func leaseKey(name string) []byte { return []byte("lease/" + name) }

func readLease(txn *badger.Txn, name string) (leaseRecord, bool, error) {
	var rec leaseRecord
	item, err := txn.Get(leaseKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	return rec, err == nil, err
}

func (l *Leases) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	for attempt := 0; attempt < DefaultMaxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		granted := false
		err := l.db.Update(func(txn *badger.Txn) error {
			now := l.clock.Now()
			current, held, err := readLease(txn, name)
			if err != nil {
				return err
			}
			if held && current.Holder != holder && now.UnixMilli() < current.ExpiresAt {
				return nil
			}
			val, err := json.Marshal(leaseRecord{Holder: holder, ExpiresAt: now.Add(ttl).UnixMilli()})
			if err != nil {
				return err
			}
			if err := txn.SetEntry(badger.NewEntry(leaseKey(name), val).WithTTL(ttl)); err != nil {
				return err
			}
			granted = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("acquire lease %s: %w", name, err)
		}
		return granted, nil
	}
	return false, fmt.Errorf("%w: lease %s", persistence.ErrConflictRetries, name)
}

func (l *Leases) ReleaseLease(ctx context.Context, name, holder string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		current, held, err := readLease(txn, name)
		if err != nil || !held || current.Holder != holder {
			return err
		}
		return txn.Delete(leaseKey(name))
	})
	if err != nil && !errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
