// ============================================================================
// Beaver-Iterator Memory Store
// ============================================================================
//
// Package: internal/persistence/memory
// File: store.go
// Purpose: Process-local persistence.Provider backed by JSON documents.
//
// Documents are kept encoded so every read hands out an independent copy,
// the same way a database round-trip would. One mutex guards the whole
// collection, which makes find-due + reschedule trivially atomic.
//
// When a snapshot path is configured every mutation is written through to
// the file (internal/snapshot), so a restart resumes the same schedules.
//
// ============================================================================

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/internal/snapshot"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

// Options configures a Store.
type Options struct {
	// SnapshotPath enables write-through persistence when non-empty.
	SnapshotPath string
	Logger       *slog.Logger
}

// Store keeps every entity of one kind in memory.
type Store[T types.Iterable] struct {
	kind   string
	codec  persistence.Codec[T]
	logger *slog.Logger
	snap   *snapshot.Manager

	mu     sync.Mutex
	order  []string
	docs   map[string][]byte
	closed bool
}

var _ persistence.Provider[types.Iterable] = (*Store[types.Iterable])(nil)

// New builds a store for kind. newEntity must return a fresh, empty entity
// ready to be decoded into.
func New[T types.Iterable](kind string, newEntity func() T, opts Options) (*Store[T], error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store[T]{
		kind:   kind,
		codec:  persistence.Codec[T]{New: newEntity},
		logger: logger.With("component", "memory-store", "kind", kind),
		docs:   make(map[string][]byte),
	}
	if opts.SnapshotPath == "" {
		return s, nil
	}

	s.snap = snapshot.NewManager(opts.SnapshotPath)
	data, err := s.snap.Load(kind)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", kind, err)
	}
	for _, id := range data.Order {
		s.order = append(s.order, id)
		s.docs[id] = []byte(data.Docs[id])
	}
	s.logger.Info("snapshot loaded", "path", opts.SnapshotPath, "entities", len(s.order))
	return s, nil
}

// ============================================================================
// Iterator contract
// ============================================================================

func (s *Store[T]) ObtainNextInstance(ctx context.Context, req persistence.ClaimRequest, filter persistence.Filter[T]) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, false, persistence.ErrClosed
	}

	candidates, err := s.decodeAllLocked()
	if err != nil {
		return zero, false, err
	}
	claimed, _, ok := persistence.SelectDue(candidates, filter, req)
	if !ok {
		return zero, false, nil
	}

	// claimed stays the pre-claim snapshot; the reschedule goes on a fresh copy.
	updated, err := s.codec.Decode(s.docs[claimed.ID()])
	if err != nil {
		return zero, false, err
	}
	if err := persistence.ApplyClaim(updated, req); err != nil {
		return zero, false, err
	}
	if err := s.putLocked(updated); err != nil {
		return zero, false, err
	}
	return claimed, true, nil
}

func (s *Store[T]) FindInstance(ctx context.Context, field types.ScheduleField, filter persistence.Filter[T]) (T, bool, error) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, false, persistence.ErrClosed
	}
	candidates, err := s.decodeAllLocked()
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, persistence.ErrClosed
	}
	candidates, err := s.decodeAllLocked()
	if err != nil {
		return 0, err
	}
	touched := 0
	for _, entity := range candidates {
		if !persistence.RecoverEntity(entity, req) {
			continue
		}
		if err := s.putLocked(entity); err != nil {
			return touched, err
		}
		touched++
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return persistence.ErrClosed
	}
	return s.putLocked(entity)
}

func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, persistence.ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s/%s", persistence.ErrNotFound, s.kind, id)
	}
	return s.codec.Decode(doc)
}

func (s *Store[T]) Update(ctx context.Context, id string, mutate func(T) error) (T, error) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, persistence.ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s/%s", persistence.ErrNotFound, s.kind, id)
	}
	entity, err := s.codec.Decode(doc)
	if err != nil {
		return zero, err
	}
	if err := mutate(entity); err != nil {
		return zero, err
	}
	if err := s.putLocked(entity); err != nil {
		return zero, err
	}
	return entity, nil
}

func (s *Store[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return persistence.ErrClosed
	}
	if _, ok := s.docs[id]; !ok {
		return nil
	}
	delete(s.docs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.flushLocked()
}

func (s *Store[T]) List(ctx context.Context, filter persistence.Filter[T]) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, persistence.ErrClosed
	}
	candidates, err := s.decodeAllLocked()
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

// Len returns the number of stored entities.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Close flushes the snapshot (if any) and rejects further calls.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushLocked()
}

// ============================================================================
// Internals (callers hold s.mu)
// ============================================================================

func (s *Store[T]) decodeAllLocked() ([]T, error) {
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		entity, err := s.codec.Decode(s.docs[id])
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", s.kind, id, err)
		}
		out = append(out, entity)
	}
	return out, nil
}

func (s *Store[T]) putLocked(entity T) error {
	doc, err := s.codec.Encode(entity)
	if err != nil {
		return err
	}
	id := entity.ID()
	if _, exists := s.docs[id]; !exists {
		s.order = append(s.order, id)
	}
	s.docs[id] = doc
	return s.flushLocked()
}

func (s *Store[T]) flushLocked() error {
	if s.snap == nil {
		return nil
	}
	data := snapshot.NewData(s.kind)
	data.Order = append(data.Order, s.order...)
	for id, doc := range s.docs {
		data.Docs[id] = doc
	}
	if err := s.snap.Write(data); err != nil {
		s.logger.Error("snapshot write failed", "error", err)
		return err
	}
	return nil
}
