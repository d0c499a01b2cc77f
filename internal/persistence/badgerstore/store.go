package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// DefaultMaxConflictRetries bounds how often a transaction is replayed after
// badger.ErrConflict.
const DefaultMaxConflictRetries = 64

// Store is a persistence.Provider over one key prefix of a shared BadgerDB.
// Claims run in a read-write transaction; badger's SSI rejects the commit
// of any concurrent claim that read the same documents, and the loser is
// replayed against fresh data.
type Store[T types.Iterable] struct {
	db         *badger.DB
	kind       string
	prefix     []byte
	codec      persistence.Codec[T]
	maxRetries int
	logger     *slog.Logger
}

// Options tunes a Store.
type Options struct {
	MaxConflictRetries int
	Logger             *slog.Logger
}

func New[T types.Iterable](db *badger.DB, kind string, newEntity func() T, opts Options) *Store[T] {
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store[T]{
		db:         db,
		kind:       kind,
		prefix:     []byte("doc/" + kind + "/"),
		codec:      persistence.Codec[T]{New: newEntity},
		maxRetries: opts.MaxConflictRetries,
		logger:     opts.Logger.With("component", "badger-store", "kind", kind),
	}
}

func (s *Store[T]) key(id string) []byte {
	return append(append([]byte(nil), s.prefix...), id...)
}

// update runs fn in a read-write transaction, replaying it on conflict.
func (s *Store[T]) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("transaction conflict, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("%w: %s after %d attempts", persistence.ErrConflictRetries, s.kind, s.maxRetries)
}

func (s *Store[T]) scan(txn *badger.Txn) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = s.prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []T
	for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
		var entity T
		err := it.Item().Value(func(val []byte) error {
			var decodeErr error
			entity, decodeErr = s.codec.Decode(val)
			return decodeErr
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", it.Item().Key(), err)
		}
		out = append(out, entity)
	}
	return out, nil
}

func (s *Store[T]) get(txn *badger.Txn, id string) (T, error) {
	var entity T
	item, err := txn.Get(s.key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return entity, fmt.Errorf("%w: %s/%s", persistence.ErrNotFound, s.kind, id)
	}
	if err != nil {
		return entity, err
	}
	err = item.Value(func(val []byte) error {
		var decodeErr error
		entity, decodeErr = s.codec.Decode(val)
		return decodeErr
	})
	return entity, err
}

func (s *Store[T]) put(txn *badger.Txn, entity T) error {
	doc, err := s.codec.Encode(entity)
	if err != nil {
		return err
	}
	return txn.Set(s.key(entity.ID()), doc)
}

// ============================================================================
// Iterator contract
// ============================================================================

func (s *Store[T]) ObtainNextInstance(ctx context.Context, req persistence.ClaimRequest, filter persistence.Filter[T]) (T, bool, error) {
	var (
		claimed T
		found   bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		found = false
		candidates, err := s.scan(txn)
		if err != nil {
			return err
		}
		pick, _, ok := persistence.SelectDue(candidates, filter, req)
		if !ok {
			return nil
		}
		updated, err := s.get(txn, pick.ID())
		if err != nil {
			return err
		}
		if err := persistence.ApplyClaim(updated, req); err != nil {
			return err
		}
		if err := s.put(txn, updated); err != nil {
			return err
		}
		claimed, found = pick, true
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return claimed, found, nil
}

func (s *Store[T]) FindInstance(ctx context.Context, field types.ScheduleField, filter persistence.Filter[T]) (T, bool, error) {
	var (
		found T
		ok    bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		candidates, err := s.scan(txn)
		if err != nil {
			return err
		}
		found, ok = persistence.SelectEarliest(candidates, filter, field)
		return nil
	})
	return found, ok, err
}

func (s *Store[T]) UpdateEntityField(ctx context.Context, entity T, field types.ScheduleField, next []int64) error {
	_, err := s.Update(ctx, entity.ID(), func(stored T) error {
		irregular, ok := any(stored).(types.IrregularIterable)
		if !ok {
			return fmt.Errorf("%w: %s", persistence.ErrNotIrregular, stored.ID())
		}
		irregular.SetNextIterations(field, next)
		return nil
	})
	return err
}

func (s *Store[T]) RecoverAfterPause(ctx context.Context, req persistence.RecoverRequest) (int, error) {
	touched := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		touched = 0
		candidates, err := s.scan(txn)
		if err != nil {
			return err
		}
		for _, entity := range candidates {
			if !persistence.RecoverEntity(entity, req) {
				continue
			}
			if err := s.put(txn, entity); err != nil {
				return err
			}
			touched++
		}
		return nil
	})
	return touched, err
}

// ============================================================================
// CRUD
// ============================================================================

func (s *Store[T]) Save(ctx context.Context, entity T) error {
	if entity.ID() == "" {
		return persistence.ErrMissingID
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return s.put(txn, entity)
	})
}

func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	var entity T
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		entity, err = s.get(txn, id)
		return err
	})
	return entity, err
}

func (s *Store[T]) Update(ctx context.Context, id string, mutate func(T) error) (T, error) {
	var entity T
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		entity, err = s.get(txn, id)
		if err != nil {
			return err
		}
		if err := mutate(entity); err != nil {
			return err
		}
		return s.put(txn, entity)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return entity, nil
}

func (s *Store[T]) Delete(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(s.key(id))
	})
}

func (s *Store[T]) List(ctx context.Context, filter persistence.Filter[T]) ([]T, error) {
	var out []T
	err := s.db.View(func(txn *badger.Txn) error {
		candidates, err := s.scan(txn)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if persistence.Matches(filter, c) {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}
