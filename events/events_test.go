package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_SubscribeAndUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	noop := func(ctx context.Context, event Event) error { return nil }
	first := eb.SubscribeFunc("changed", noop)
	second := eb.SubscribeFunc("changed", noop)
	assert.True(t, eb.HasSubscribers("changed"))
	assert.Len(t, eb.snapshot("changed"), 2)

	first()
	assert.Len(t, eb.snapshot("changed"), 1)
	first() // removing twice is harmless
	assert.Len(t, eb.snapshot("changed"), 1)

	second()
	assert.False(t, eb.HasSubscribers("changed"))
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	got := make(chan Event, 1)
	eb.SubscribeFunc("changed", func(ctx context.Context, event Event) error {
		got <- event
		return nil
	})

	err := eb.Publish(context.Background(), Event{Type: "changed", InstanceID: 7, Activity: "a", Current: []string{"b"}})
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, uint64(7), ev.InstanceID)
		assert.Equal(t, []string{"b"}, ev.Current)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestEventBus_PublishErrors(t *testing.T) {
	eb := NewEventBus(WithBufferSize(1))

	assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: "nobody"}), ErrNoHandler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eb.SubscribeFunc("changed", func(ctx context.Context, event Event) error { return nil })
	assert.ErrorIs(t, eb.Publish(ctx, Event{Type: "changed"}), context.Canceled)

	eb.Stop()
	assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: "changed"}), ErrBusClosed)
	assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), Event{Type: "changed"}))
}

func TestEventBus_ChannelFull(t *testing.T) {
	release := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1))
	defer func() {
		close(release)
		eb.Stop()
	}()

	started := make(chan struct{}, 1)
	eb.SubscribeFunc("changed", func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	require.NoError(t, eb.Publish(context.Background(), Event{Type: "changed"}))
	<-started // dispatcher is now blocked inside the handler
	require.NoError(t, eb.Publish(context.Background(), Event{Type: "changed"}))
	assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: "changed"}), ErrChannelFull)
}

func TestEventBus_PublishSyncOrderAndErrors(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var mu sync.Mutex
	var order []int
	handlerErr := errors.New("boom")
	for i := 0; i < 3; i++ {
		i := i
		eb.SubscribeFunc("changed", func(ctx context.Context, event Event) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 1 {
				return handlerErr
			}
			return nil
		})
	}

	errs := eb.PublishSync(context.Background(), Event{Type: "changed"})
	assert.Equal(t, []error{handlerErr}, errs)
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), Event{Type: "other"}))
}

func TestEventBus_ErrorHandler(t *testing.T) {
	reported := make(chan error, 1)
	eb := NewEventBus(WithErrorHandler(func(event Event, err error) {
		reported <- err
	}))
	defer eb.Stop()

	handlerErr := errors.New("handler failed")
	eb.SubscribeFunc("changed", func(ctx context.Context, event Event) error { return handlerErr })
	require.NoError(t, eb.Publish(context.Background(), Event{Type: "changed"}))

	select {
	case err := <-reported:
		assert.ErrorIs(t, err, handlerErr)
	case <-time.After(time.Second):
		t.Fatal("error handler was not called")
	}
}
