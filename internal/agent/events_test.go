package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	ch, unsubscribe := bus.Subscribe(context.Background())
	defer unsubscribe()

	for i := 1; i <= 5; i++ {
		bus.Publish(Event{Type: EventToolCall, Step: i})
	}

	for i := 1; i <= 5; i++ {
		ev := <-ch
		assert.Equal(t, i, ev.Step)
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	ch1, u1 := bus.Subscribe(context.Background())
	defer u1()
	ch2, u2 := bus.Subscribe(context.Background())
	defer u2()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(Event{Type: EventMessage, Content: "hello"})
	assert.Equal(t, "hello", (<-ch1).Content)
	assert.Equal(t, "hello", (<-ch2).Content)
}

func TestBusDropsCancelledSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	ctx, cancelFn := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	cancelFn()

	bus.Publish(Event{Type: EventDone})
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel closes when the subscriber is dropped")
}

func TestBusDropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	slow, _ := bus.Subscribe(context.Background())

	fast, uf := bus.Subscribe(context.Background())
	defer uf()

	// Fill the slow subscriber's buffer without reading, draining the
	// fast one as we go, then overflow.
	for i := 0; i < subscriberBuffer; i++ {
		bus.Publish(Event{Type: EventToolCall, Step: i})
		<-fast
	}
	bus.Publish(Event{Type: EventToolCall, Step: subscriberBuffer})
	assert.Equal(t, 1, bus.SubscriberCount(), "only the draining subscriber survives")
	assert.Equal(t, subscriberBuffer, (<-fast).Step)

	// The slow channel holds its buffered prefix, then closes.
	received := 0
	for range slow {
		received++
	}
	require.Equal(t, subscriberBuffer, received)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	_, unsubscribe := bus.Subscribe(context.Background())
	unsubscribe()
	bus.Publish(Event{Type: EventDone})
	assert.Equal(t, 0, bus.SubscriberCount())
}
