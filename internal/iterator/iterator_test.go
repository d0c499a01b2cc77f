package iterator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-iterator/internal/persistence"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence/memory"
	"github.com/ChuLiYu/beaver-iterator/internal/persistence/persistencetest"
	"github.com/ChuLiYu/beaver-iterator/pkg/types"
)

type Ticket = persistencetest.Ticket

// ============================================================================
// Helpers
// ============================================================================

type logRecord struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

// captureHandler is a slog.Handler that keeps every record for assertions.
type captureHandler struct {
	mu      *sync.Mutex
	records *[]logRecord
	attrs   []slog.Attr
}

func newCapture() (*slog.Logger, *captureHandler) {
	h := &captureHandler{mu: &sync.Mutex{}, records: &[]logRecord{}}
	return slog.New(h), h
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.records = append(*h.records, logRecord{level: r.Level, msg: r.Message, attrs: attrs})
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) find(level slog.Level, contains string) []logRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []logRecord
	for _, r := range *h.records {
		if r.level == level && strings.Contains(r.msg, contains) {
			out = append(out, r)
		}
	}
	return out
}

type staticCluster struct {
	primary     bool
	maintenance bool
}

func (c staticCluster) IsPrimary() bool     { return c.primary }
func (c staticCluster) IsMaintenance() bool { return c.maintenance }

// counter records handler invocations per entity.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCounter() *counter { return &counter{calls: make(map[string]int)} }

func (c *counter) Handle(_ context.Context, tk *Ticket) error {
	c.mu.Lock()
	c.calls[tk.UUID]++
	c.mu.Unlock()
	return nil
}

func (c *counter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func newStore(t *testing.T) *memory.Store[*Ticket] {
	t.Helper()
	store, err := memory.New("ticket", persistencetest.NewTicket, memory.Options{})
	require.NoError(t, err)
	return store
}

func seed(t *testing.T, store persistence.Provider[*Ticket], tickets ...*Ticket) {
	t.Helper()
	for _, tk := range tickets {
		require.NoError(t, store.Save(context.Background(), tk))
	}
}

func baseOptions(store persistence.Provider[*Ticket], handler Handler[*Ticket], clock types.Clock) Options[*Ticket] {
	return Options[*Ticket]{
		Name:                    "tickets",
		Mode:                    Pump,
		Field:                   persistencetest.FieldNext,
		SchedulingType:          types.Regular,
		TargetInterval:          time.Minute,
		AcceptableNoAlertDelay:  time.Minute,
		AcceptableExecutionTime: time.Minute,
		Semaphore:               4,
		ThreadPoolSize:          4,
		Provider:                store,
		Handler:                 handler,
		Clock:                   clock,
		ErrorBackoff:            10 * time.Millisecond,
		Logger:                  slog.New(slog.DiscardHandler),
	}
}

func newIterator(t *testing.T, opts Options[*Ticket]) *Iterator[*Ticket] {
	t.Helper()
	it, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(it.Close)
	return it
}

func pump(t *testing.T, it *Iterator[*Ticket]) {
	t.Helper()
	require.NoError(t, it.Process(context.Background()))
	it.Drain()
}

var t0 = time.UnixMilli(1_700_000_000_000)

// ============================================================================
// Options
// ============================================================================

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options[*Ticket]{Name: "broken", Field: persistencetest.FieldNext, TargetInterval: time.Second})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(Options[*Ticket]{
		Name:     "no-interval",
		Field:    persistencetest.FieldNext,
		Provider: newStore(t),
		Handler:  newCounter(),
	})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

// ============================================================================
// Sleep calculation
// ============================================================================

func TestCalculateSleepDuration(t *testing.T) {
	clock := types.NewFakeClock(t0)
	opts := baseOptions(newStore(t), newCounter(), clock)
	opts.TargetInterval = 30 * time.Second

	it := newIterator(t, opts)
	assert.Equal(t, 30*time.Second, it.CalculateSleepDuration(nil), "nothing scheduled falls back to target interval")
	assert.Equal(t, time.Duration(0), it.CalculateSleepDuration(&Ticket{UUID: "x"}), "unscheduled entity polls immediately")

	future := &Ticket{UUID: "f", NextIteration: types.Int64Ptr(t0.Add(10 * time.Second).UnixMilli())}
	assert.Equal(t, 10*time.Second, it.CalculateSleepDuration(future))

	past := &Ticket{UUID: "p", NextIteration: types.Int64Ptr(t0.Add(-time.Second).UnixMilli())}
	assert.Equal(t, time.Duration(0), it.CalculateSleepDuration(past))

	opts.Name = "capped"
	opts.MaximumDelayForCheck = 5 * time.Second
	capped := newIterator(t, opts)
	assert.Equal(t, 5*time.Second, capped.CalculateSleepDuration(nil))
	assert.Equal(t, 5*time.Second, capped.CalculateSleepDuration(future))
}

// ============================================================================
// Processing
// ============================================================================

func TestPumpProcessesEveryDueEntity(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store,
		&Ticket{UUID: "a", NextIteration: types.Int64Ptr(t0.UnixMilli() - 10)},
		&Ticket{UUID: "b"},
		&Ticket{UUID: "c", NextIteration: types.Int64Ptr(t0.UnixMilli() + 10_000)},
	)
	handler := newCounter()

	pump(t, newIterator(t, baseOptions(store, handler, clock)))

	assert.Equal(t, 1, handler.get("a"))
	assert.Equal(t, 1, handler.get("b"))
	assert.Equal(t, 0, handler.get("c"), "future entity is not claimed")

	for _, id := range []string{"a", "b"} {
		stored, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(time.Minute).UnixMilli(), *stored.NextIteration)
	}
}

func TestRegularFieldIsResetBeforeHandler(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "a", NextIteration: types.Int64Ptr(t0.UnixMilli() - 1)})

	var seen, stored int64
	handler := HandlerFunc[*Ticket](func(ctx context.Context, tk *Ticket) error {
		seen = *tk.NextIteration
		persisted, err := store.Get(ctx, tk.UUID)
		if err != nil {
			return err
		}
		stored = *persisted.NextIteration
		return nil
	})

	pump(t, newIterator(t, baseOptions(store, handler, clock)))

	assert.Equal(t, int64(0), seen, "in-memory copy marked as being processed")
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), stored, "stored schedule already pushed forward")
}

func TestHandlerSeesPersistedUpdates(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "a"})

	handler := HandlerFunc[*Ticket](func(ctx context.Context, tk *Ticket) error {
		_, err := store.Update(ctx, tk.UUID, func(stored *Ticket) error {
			stored.Processed++
			return nil
		})
		return err
	})
	pump(t, newIterator(t, baseOptions(store, handler, clock)))

	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Processed)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), *got.NextIteration, "domain update keeps the claimed schedule")
}

func TestRacingPollersNeverShareAnOccurrence(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	const total = 40
	for i := 0; i < total; i++ {
		seed(t, store, &Ticket{UUID: fmt.Sprintf("t-%02d", i), NextIteration: types.Int64Ptr(t0.UnixMilli() - int64(i))})
	}

	var (
		running atomic.Int32
		overlap atomic.Bool
		active  sync.Map
	)
	handler := newCounter()
	slowHandler := HandlerFunc[*Ticket](func(ctx context.Context, tk *Ticket) error {
		if _, loaded := active.LoadOrStore(tk.UUID, true); loaded {
			overlap.Store(true)
		}
		running.Add(1)
		time.Sleep(time.Millisecond)
		running.Add(-1)
		active.Delete(tk.UUID)
		return handler.Handle(ctx, tk)
	})

	first := baseOptions(store, slowHandler, clock)
	first.Name = "poller-1"
	second := baseOptions(store, slowHandler, clock)
	second.Name = "poller-2"
	a := newIterator(t, first)
	b := newIterator(t, second)

	var wg sync.WaitGroup
	for _, it := range []*Iterator[*Ticket]{a, b} {
		wg.Add(1)
		go func(it *Iterator[*Ticket]) {
			defer wg.Done()
			assert.NoError(t, it.Process(context.Background()))
		}(it)
	}
	wg.Wait()
	a.Drain()
	b.Drain()

	assert.False(t, overlap.Load())
	assert.Equal(t, total, handler.total())
	for i := 0; i < total; i++ {
		assert.Equal(t, 1, handler.get(fmt.Sprintf("t-%02d", i)))
	}
}

func TestSemaphoreCapsConcurrentHandlers(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	for i := 0; i < 8; i++ {
		seed(t, store, &Ticket{UUID: fmt.Sprintf("t-%d", i)})
	}

	var current, peak atomic.Int32
	handler := HandlerFunc[*Ticket](func(context.Context, *Ticket) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	opts := baseOptions(store, handler, clock)
	opts.Semaphore = 2
	opts.ThreadPoolSize = 8
	pump(t, newIterator(t, opts))

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestHandlerFailuresAreContained(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "boom"}, &Ticket{UUID: "err"}, &Ticket{UUID: "ok"})

	logger, logs := newCapture()
	handler := newCounter()
	failing := HandlerFunc[*Ticket](func(ctx context.Context, tk *Ticket) error {
		switch tk.UUID {
		case "boom":
			panic("bad entity")
		case "err":
			return errors.New("domain failure")
		}
		return handler.Handle(ctx, tk)
	})

	opts := baseOptions(store, failing, clock)
	opts.Logger = logger
	pump(t, newIterator(t, opts))

	assert.Equal(t, 1, handler.get("ok"))
	assert.Len(t, logs.find(slog.LevelError, "handler panicked"), 1)
	assert.Len(t, logs.find(slog.LevelError, "handler failed"), 1)
}

func TestNonPrimaryNodeDoesNotPoll(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "a"})
	handler := newCounter()

	for _, cluster := range []staticCluster{{primary: false}, {primary: true, maintenance: true}} {
		opts := baseOptions(store, handler, clock)
		opts.Cluster = cluster
		pump(t, newIterator(t, opts))
	}

	assert.Equal(t, 0, handler.total())
	stored, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, stored.NextIteration, "nothing was claimed")
}

type gate struct{ allow map[string]bool }

func (g gate) ShouldProcessEntity(tk *Ticket) bool { return g.allow[tk.UUID] }

func TestProcessControllerGate(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "allowed"}, &Ticket{UUID: "blocked"})
	handler := newCounter()

	opts := baseOptions(store, handler, clock)
	opts.ProcessController = gate{allow: map[string]bool{"allowed": true}}
	pump(t, newIterator(t, opts))

	assert.Equal(t, 1, handler.get("allowed"))
	assert.Equal(t, 0, handler.get("blocked"))

	blocked, err := store.Get(context.Background(), "blocked")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), *blocked.NextIteration, "gated entity still rescheduled")
}

func TestFilterNarrowsClaims(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "a", Owner: "vault"}, &Ticket{UUID: "b", Owner: "aws"})
	handler := newCounter()

	opts := baseOptions(store, handler, clock)
	opts.Filter = persistence.FilterFunc[*Ticket](func(tk *Ticket) bool { return tk.Owner == "vault" })
	pump(t, newIterator(t, opts))

	assert.Equal(t, 1, handler.get("a"))
	assert.Equal(t, 0, handler.get("b"))
}

func TestIrregularSchedules(t *testing.T) {
	clock := types.NewFakeClock(t0)
	now := t0.UnixMilli()
	store := newStore(t)
	seed(t, store,
		&Ticket{UUID: "backlog", CronIterations: []int64{now - 3000, now - 2000, now + 60_000}},
		&Ticket{UUID: "fresh", CronEvery: 10_000},
	)
	handler := newCounter()

	opts := baseOptions(store, handler, clock)
	opts.Field = persistencetest.FieldCron
	opts.SchedulingType = types.Irregular
	pump(t, newIterator(t, opts))

	assert.Equal(t, 2, handler.get("backlog"), "missed times are caught up one by one")
	assert.Equal(t, 0, handler.get("fresh"), "first claim only initialises the schedule")

	backlog, err := store.Get(context.Background(), "backlog")
	require.NoError(t, err)
	assert.Equal(t, []int64{now + 60_000}, backlog.CronIterations)

	fresh, err := store.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, []int64{now + 10_000, now + 20_000, now + 30_000}, fresh.CronIterations)
}

func TestIrregularSkipMissed(t *testing.T) {
	clock := types.NewFakeClock(t0)
	now := t0.UnixMilli()
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "backlog", CronIterations: []int64{now - 3000, now - 2000, now - 1000, now + 60_000}})
	handler := newCounter()

	opts := baseOptions(store, handler, clock)
	opts.Field = persistencetest.FieldCron
	opts.SchedulingType = types.IrregularSkipMissed
	pump(t, newIterator(t, opts))

	assert.Equal(t, 1, handler.get("backlog"), "missed times collapse into one run")
	backlog, err := store.Get(context.Background(), "backlog")
	require.NoError(t, err)
	assert.Equal(t, []int64{now + 60_000}, backlog.CronIterations)
}

// ============================================================================
// Observability thresholds
// ============================================================================

func TestDelayOverBudgetIsLoggedAtError(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store,
		&Ticket{UUID: "late", NextIteration: types.Int64Ptr(t0.Add(-5 * time.Minute).UnixMilli())},
		&Ticket{UUID: "ontime", NextIteration: types.Int64Ptr(t0.Add(-time.Second).UnixMilli())},
	)
	logger, logs := newCapture()
	handler := newCounter()

	opts := baseOptions(store, handler, clock)
	opts.Logger = logger
	pump(t, newIterator(t, opts))

	assert.Equal(t, 2, handler.total(), "late entity is still processed")
	late := logs.find(slog.LevelError, "delay is more than acceptable")
	require.Len(t, late, 1)
	assert.Equal(t, "late", late[0].attrs["entity"])
	assert.Len(t, logs.find(slog.LevelInfo, "working on entity"), 1)
}

// Regular schedule with a 31s cadence; the handler takes 5s.
func TestThirtyOneSecondCadence(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "a", NextIteration: types.Int64Ptr(t0.UnixMilli() - 1)})
	logger, logs := newCapture()

	var runs atomic.Int32
	handler := HandlerFunc[*Ticket](func(context.Context, *Ticket) error {
		runs.Add(1)
		clock.Advance(5 * time.Second)
		return nil
	})

	opts := baseOptions(store, handler, clock)
	opts.TargetInterval = 31 * time.Second
	opts.AcceptableExecutionTime = 31 * time.Second
	opts.Logger = logger
	it := newIterator(t, opts)

	pump(t, it)
	require.Equal(t, int32(1), runs.Load())
	assert.Empty(t, logs.find(slog.LevelError, "took too long"))

	stored, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(31*time.Second).UnixMilli(), *stored.NextIteration)

	clock.Set(t0.Add(30 * time.Second))
	pump(t, it)
	assert.Equal(t, int32(1), runs.Load(), "not eligible before 31s")

	clock.Set(t0.Add(31*time.Second + time.Millisecond))
	pump(t, it)
	assert.Equal(t, int32(2), runs.Load(), "eligible once 31s have passed")
}

func TestSlowHandlerIsLoggedAtError(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "a"})
	logger, logs := newCapture()

	handler := HandlerFunc[*Ticket](func(context.Context, *Ticket) error {
		clock.Advance(2 * time.Minute)
		return nil
	})
	opts := baseOptions(store, handler, clock)
	opts.Logger = logger
	pump(t, newIterator(t, opts))

	assert.Len(t, logs.find(slog.LevelError, "took too long"), 1)
}

// ============================================================================
// Redistribution
// ============================================================================

func TestRedistributeSmoothsBurst(t *testing.T) {
	it := newIterator(t, baseOptions(newStore(t), newCounter(), types.NewFakeClock(t0)))

	assert.Equal(t, int64(1000), it.redistribute(1000))
	assert.Equal(t, int64(1100), it.redistribute(2600))
	assert.Equal(t, int64(6), it.movingAverage)
	assert.Equal(t, int64(1199), it.redistribute(2600))
	assert.Equal(t, int64(11), it.movingAverage)
}

// ============================================================================
// LOOP mode
// ============================================================================

func TestLoopWakeupAndCancel(t *testing.T) {
	store := newStore(t)
	handler := newCounter()
	opts := baseOptions(store, handler, types.SystemClock{})
	opts.Mode = Loop
	opts.MaximumDelayForCheck = time.Hour
	it := newIterator(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- it.Process(ctx) }()

	seed(t, store, &Ticket{UUID: "late-arrival"})
	it.Wakeup()
	require.Eventually(t, func() bool { return handler.get("late-arrival") == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not stop after cancel")
	}
}

// blockingHandler parks until its context ends.
type blockingHandler struct {
	entered chan string
	stopped chan error
}

func (h *blockingHandler) Handle(ctx context.Context, tk *Ticket) error {
	h.entered <- tk.UUID
	<-ctx.Done()
	h.stopped <- ctx.Err()
	return ctx.Err()
}

func TestShutdownCancelsRunningHandlers(t *testing.T) {
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "long-running"})
	handler := &blockingHandler{entered: make(chan string, 1), stopped: make(chan error, 1)}
	opts := baseOptions(store, handler, types.SystemClock{})
	opts.Mode = Loop
	it := newIterator(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- it.Process(ctx) }()

	select {
	case id := <-handler.entered:
		assert.Equal(t, "long-running", id)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	cancel()
	select {
	case err := <-handler.stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled on shutdown")
	}
	require.NoError(t, <-done)
	it.Drain()
}

// flakyProvider fails the first claims to exercise the error back-off.
type flakyProvider struct {
	persistence.Provider[*Ticket]
	failures atomic.Int32
}

func (p *flakyProvider) ObtainNextInstance(ctx context.Context, req persistence.ClaimRequest, f persistence.Filter[*Ticket]) (*Ticket, bool, error) {
	if p.failures.Add(-1) >= 0 {
		return nil, false, errors.New("store unavailable")
	}
	return p.Provider.ObtainNextInstance(ctx, req, f)
}

func TestLoopSurvivesStoreErrors(t *testing.T) {
	store := newStore(t)
	seed(t, store, &Ticket{UUID: "a"})
	flaky := &flakyProvider{Provider: store}
	flaky.failures.Store(3)
	logger, logs := newCapture()
	handler := newCounter()

	opts := baseOptions(flaky, handler, types.SystemClock{})
	opts.Mode = Loop
	opts.Logger = logger
	it := newIterator(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = it.Process(ctx) }()

	require.Eventually(t, func() bool { return handler.get("a") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, logs.find(slog.LevelError, "iterator cycle failed"), 3)
}

func TestRecoverAfterPause(t *testing.T) {
	clock := types.NewFakeClock(t0)
	store := newStore(t)
	seed(t, store,
		&Ticket{UUID: "overdue", NextIteration: types.Int64Ptr(t0.Add(-time.Hour).UnixMilli())},
		&Ticket{UUID: "future", NextIteration: types.Int64Ptr(t0.Add(time.Hour).UnixMilli())},
	)
	it := newIterator(t, baseOptions(store, newCounter(), clock))

	n, err := it.RecoverAfterPause(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	overdue, err := store.Get(context.Background(), "overdue")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, *overdue.NextIteration, t0.UnixMilli())
	assert.Less(t, *overdue.NextIteration, t0.Add(time.Minute).UnixMilli())
}

func TestProcessAfterClose(t *testing.T) {
	it, err := New(baseOptions(newStore(t), newCounter(), types.NewFakeClock(t0)))
	require.NoError(t, err)
	it.Close()
	assert.ErrorIs(t, it.Process(context.Background()), ErrClosed)
}
