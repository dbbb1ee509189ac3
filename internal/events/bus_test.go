package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_TypedSubscription(t *testing.T) {
	bus := NewBus()
	enqueued := bus.Subscribe(TypeTaskEnqueued)
	all := bus.Subscribe()

	bus.Emit(TypeTaskEnqueued, "T1", map[string]any{"queued": 1})
	bus.Emit(TypePaymentSettled, "intent-1", nil)

	require.Len(t, enqueued, 1)
	event := <-enqueued
	assert.Equal(t, TypeTaskEnqueued, event.Type)
	assert.Equal(t, "T1", event.Subject)

	assert.Len(t, all, 2, "wildcard subscriber sees every type")
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeTaskCompleted)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")

	// Publishing after unsubscribe is a no-op.
	bus.Emit(TypeTaskCompleted, "s", nil)
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeTaskEnqueued)

	bus.Emit(TypeTaskEnqueued, "a", nil)
	bus.Emit(TypeTaskEnqueued, "b", nil) // dropped, publisher unblocked

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).Subject)
}
