package advise

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrBusClosed = errors.New("advise bus closed")

// Bus is an in-process queue of advise events between QueueAdvisingEvent
// and a Resolver.
type Bus struct {
	events    chan AdviseEvent
	done      chan struct{}
	closeOnce sync.Once
}

func NewBus(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{
		events: make(chan AdviseEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Publish blocks while the buffer is full.
func (b *Bus) Publish(ctx context.Context, event AdviseEvent) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	select {
	case b.events <- event:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events. Buffered events are dropped.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

var _ Publisher = (*Bus)(nil)

// Sink receives responses that carry a notify id.
type Sink interface {
	Deliver(ctx context.Context, resp SdkResponse)
}

// Resolver consumes a Bus, advises every event with its own registry
// (which may hold custom advisers) and hands the answer to a Sink.
type Resolver struct {
	bus    *Bus
	helper *NodeAdviseHelper
	sink   Sink
	logger *slog.Logger
}

// NewResolver advises with helper. helper must not publish, or events
// would loop back onto the bus.
func NewResolver(bus *Bus, helper *NodeAdviseHelper, sink Sink, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		bus:    bus,
		helper: helper,
		sink:   sink,
		logger: logger.With("component", "advise-resolver"),
	}
}

// Run resolves events until ctx is cancelled or the bus is closed.
func (r *Resolver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.bus.done:
			return nil
		case event := <-r.bus.events:
			r.resolve(ctx, event)
		}
	}
}

func (r *Resolver) resolve(ctx context.Context, event AdviseEvent) {
	resp, err := r.helper.GetResponseInCaseOfNoCustomAdviser(ctx, event)
	if err != nil {
		r.logger.Warn("advise event not resolved", "node", event.NodeExecutionID, "error", err)
		return
	}
	if resp == nil {
		return
	}
	if resp.NotifyID == "" {
		r.logger.Debug("advise resolved without a waiter", "node", event.NodeExecutionID)
		return
	}
	r.sink.Deliver(ctx, *resp)
}

// Notifier delivers responses by notify id. Each id holds at most one
// response; the first one delivered wins and later ones are dropped. A
// response waits in its slot until someone calls Wait or Forget.
type Notifier struct {
	mu    sync.Mutex
	slots map[string]chan SdkResponse
}

func NewNotifier() *Notifier {
	return &Notifier{slots: make(map[string]chan SdkResponse)}
}

func (n *Notifier) slot(id string) chan SdkResponse {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.slots[id]
	if !ok {
		ch = make(chan SdkResponse, 1)
		n.slots[id] = ch
	}
	return ch
}

// Notify reports whether resp was accepted.
func (n *Notifier) Notify(resp SdkResponse) bool {
	if resp.NotifyID == "" {
		return false
	}
	select {
	case n.slot(resp.NotifyID) <- resp:
		return true
	default:
		return false
	}
}

// Deliver is Notify for use as a Sink.
func (n *Notifier) Deliver(_ context.Context, resp SdkResponse) {
	n.Notify(resp)
}

// Wait blocks until the response for id arrives or ctx ends.
func (n *Notifier) Wait(ctx context.Context, id string) (SdkResponse, error) {
	ch := n.slot(id)
	select {
	case resp := <-ch:
		n.Forget(id)
		return resp, nil
	case <-ctx.Done():
		return SdkResponse{}, ctx.Err()
	}
}

// Forget drops the slot for id, including an undelivered response.
func (n *Notifier) Forget(id string) {
	n.mu.Lock()
	delete(n.slots, id)
	n.mu.Unlock()
}

// Pending is the number of notify ids with a slot.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.slots)
}
