package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// Store is a persistence.Provider over the entities table, scoped by kind.
type Store[T types.Iterable] struct {
	db    *sql.DB
	kind  string
	codec persistence.Codec[T]
}

func New[T types.Iterable](db *sql.DB, kind string, newEntity func() T) *Store[T] {
	return &Store[T]{db: db, kind: kind, codec: persistence.Codec[T]{New: newEntity}}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// inTx runs fn in one IMMEDIATE transaction.
func (s *Store[T]) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store[T]) scan(ctx context.Context, q queryer) ([]T, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, doc FROM entities WHERE kind = ? ORDER BY seq`, s.kind)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		entity, err := s.codec.Decode(doc)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", s.kind, id, err)
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func (s *Store[T]) get(ctx context.Context, q queryer, id string) (T, error) {
	var (
		zero T
		doc  []byte
	)
	err := q.QueryRowContext(ctx, `SELECT doc FROM entities WHERE kind = ? AND id = ?`, s.kind, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %s/%s", persistence.ErrNotFound, s.kind, id)
	}
	if err != nil {
		return zero, err
	}
	return s.codec.Decode(doc)
}

func (s *Store[T]) put(ctx context.Context, q queryer, entity T) error {
	doc, err := s.codec.Encode(entity)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO entities (kind, id, seq, doc)
VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entities WHERE kind = ?), ?)
ON CONFLICT(kind, id) DO UPDATE SET doc = excluded.doc
`, s.kind, entity.ID(), s.kind, doc)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.kind, entity.ID(), err)
	}
	return nil
}

// ============================================================================
// Iterator contract
// ============================================================================

func (s *Store[T]) ObtainNextInstance(ctx context.Context, req persistence.ClaimRequest, filter persistence.Filter[T]) (T, bool, error) {
	var (
		claimed T
		found   bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		candidates, err := s.scan(ctx, tx)
		if err != nil {
			return err
		}
		pick, _, ok := persistence.SelectDue(candidates, filter, req)
		if !ok {
			return nil
		}
		updated, err := s.get(ctx, tx, pick.ID())
		if err != nil {
			return err
		}
		if err := persistence.ApplyClaim(updated, req); err != nil {
			return err
		}
		if err := s.put(ctx, tx, updated); err != nil {
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
	var zero T
	candidates, err := s.scan(ctx, s.db)
	if err != nil {
		return zero, false, err
	}
	found, ok := persistence.SelectEarliest(candidates, filter, field)
	return found, ok, nil
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		candidates, err := s.scan(ctx, tx)
		if err != nil {
			return err
		}
		for _, entity := range candidates {
			if !persistence.RecoverEntity(entity, req) {
				continue
			}
			if err := s.put(ctx, tx, entity); err != nil {
				return err
			}
			touched++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return touched, nil
}

// ============================================================================
// CRUD
// ============================================================================

func (s *Store[T]) Save(ctx context.Context, entity T) error {
	if entity.ID() == "" {
		return persistence.ErrMissingID
	}
	return s.put(ctx, s.db, entity)
}

func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	return s.get(ctx, s.db, id)
}

func (s *Store[T]) Update(ctx context.Context, id string, mutate func(T) error) (T, error) {
	var entity T
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if entity, err = s.get(ctx, tx, id); err != nil {
			return err
		}
		if err := mutate(entity); err != nil {
			return err
		}
		return s.put(ctx, tx, entity)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return entity, nil
}

func (s *Store[T]) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, s.kind, id)
	return err
}

func (s *Store[T]) List(ctx context.Context, filter persistence.Filter[T]) ([]T, error) {
	candidates, err := s.scan(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, c := range candidates {
		if persistence.Matches(filter, c) {
			out = append(out, c)
		}
	}
	return out, nil
}
