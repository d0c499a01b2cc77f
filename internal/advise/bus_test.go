package advise

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncAdviseIsResolvedByNotifyID(t *testing.T) {
	bus := NewBus(4)
	notifier := NewNotifier()

	planner := stubAdviser{can: true, resp: &AdviserResponse{Type: AdviseNextStep, NextNodeID: "rollback"}}
	resolverHelper := NewNodeAdviseHelper(HelperConfig{Registry: registryWith(customType, planner), Logger: discard()})
	resolver := NewResolver(bus, resolverHelper, notifier, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- resolver.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := NewNodeAdviseHelper(HelperConfig{Publisher: bus, Notifier: notifier, Logger: discard()})
	resp, err := h.QueueAdvisingEvent(ctx, finishedNode(StatusFailed, "n-1"), nil, obtain(customType), StatusRunning)
	require.NoError(t, err)
	assert.Nil(t, resp)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	got, err := notifier.Wait(waitCtx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.NodeExecutionID)
	assert.Equal(t, &AdviserResponse{Type: AdviseNextStep, NextNodeID: "rollback"}, got.Advice)
}

func TestAsyncAdviseFailureIsDelivered(t *testing.T) {
	bus := NewBus(1)
	notifier := NewNotifier()
	broken := stubAdviser{can: true, panics: true}
	resolver := NewResolver(bus,
		NewNodeAdviseHelper(HelperConfig{Registry: registryWith(customType, broken), Logger: discard()}),
		notifier, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = resolver.Run(ctx) }()

	event := NewAdviseEvent(finishedNode(StatusFailed, "n-1"), nil, obtain(customType), StatusRunning)
	require.NoError(t, bus.Publish(ctx, event))

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	got, err := notifier.Wait(waitCtx, "n-1")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Contains(t, got.Error.Message, "adviser bug")
}

func TestBusClose(t *testing.T) {
	bus := NewBus(0)
	resolver := NewResolver(bus, NewNodeAdviseHelper(HelperConfig{Logger: discard()}), NewNotifier(), discard())

	done := make(chan error, 1)
	go func() { done <- resolver.Run(context.Background()) }()

	bus.Close()
	bus.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not stop after Close")
	}
	assert.ErrorIs(t, bus.Publish(context.Background(), AdviseEvent{}), ErrBusClosed)
}

func TestBusPublishRespectsContext(t *testing.T) {
	bus := NewBus(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Publish(ctx, AdviseEvent{}), context.DeadlineExceeded)
}

func TestNotifierFirstResponseWins(t *testing.T) {
	n := NewNotifier()
	assert.False(t, n.Notify(SdkResponse{}), "no notify id")

	first := SdkResponse{NotifyID: "n-1", Advice: &AdviserResponse{Type: AdviseRetry}}
	second := SdkResponse{NotifyID: "n-1", Advice: &AdviserResponse{Type: AdviseEndPlan}}
	assert.True(t, n.Notify(first))
	assert.False(t, n.Notify(second))

	got, err := n.Wait(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, AdviseRetry, got.Advice.Type)
	assert.Zero(t, n.Pending())
}

func TestNotifierWaitTimesOut(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := n.Wait(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	n.Forget("never")
	assert.Zero(t, n.Pending())
}
