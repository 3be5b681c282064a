package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishBroadcastsTypedPayloadToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{
		Type:    EventComponentScaled,
		Message: "scaled to 3 instances",
		Payload: ComponentScaledPayload{ComponentID: "comp-1", MaxInstances: 3},
	})

	select {
	case ev := <-sub:
		assert.Equal(t, EventComponentScaled, ev.Type)
		payload, ok := ev.Payload.(ComponentScaledPayload)
		require.True(t, ok)
		assert.Equal(t, "comp-1", payload.ComponentID)
		assert.Equal(t, uint32(3), payload.MaxInstances)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	b.Publish(&Event{Type: EventHostStarted, Payload: HostStartedPayload{HostID: "host-1"}})

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}
