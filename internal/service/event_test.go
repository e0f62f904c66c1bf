package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("event not received within timeout")
		return Event{}
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTypeCameraConnected)

	bus.Publish(Event{
		Type:   EventTypeCameraConnected,
		Source: "scheduler",
		Data:   map[string]interface{}{"camera_id": "cam-1"},
	})

	ev := receive(t, ch)
	assert.Equal(t, EventTypeCameraConnected, ev.Type)
	assert.Equal(t, "cam-1", ev.Data["camera_id"])
	assert.False(t, ev.Timestamp.IsZero(), "timestamp should be filled in")
}

func TestEventBus_SubscribeAll_SeesLaterTypes(t *testing.T) {
	bus := NewEventBus(10)
	all := bus.SubscribeAll()

	bus.Publish(Event{Type: EventTypeLiveSessionOpened, Source: "live"})
	bus.Publish(Event{Type: EventTypeTranscodeSessionStopped, Source: "transcode"})

	assert.Equal(t, EventTypeLiveSessionOpened, receive(t, all).Type)
	assert.Equal(t, EventTypeTranscodeSessionStopped, receive(t, all).Type)
}

func TestEventBus_Publish_NonBlocking(t *testing.T) {
	bus := NewEventBus(1)
	bus.Subscribe(EventTypeCameraFailed)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: EventTypeCameraFailed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.EqualValues(t, 99, bus.Dropped())
}

func TestEventBus_TypedSubscriberSkipsOtherTypes(t *testing.T) {
	bus := NewEventBus(10)
	failed := bus.Subscribe(EventTypeCameraFailed)

	bus.Publish(Event{Type: EventTypeCameraConnected})
	bus.Publish(Event{Type: EventTypeCameraFailed, Data: map[string]interface{}{"camera_id": "cam-2"}})

	assert.Equal(t, "cam-2", receive(t, failed).Data["camera_id"])
	assert.Zero(t, bus.Dropped())
}

func TestEventBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTypeCameraAdded)
	bus.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok, "unsubscribed channel should be closed")

	all := bus.SubscribeAll()
	bus.Close()
	_, ok = <-all
	assert.False(t, ok, "Close should close wildcard subscribers")

	// Publishing after Close is a no-op rather than a panic.
	bus.Publish(Event{Type: EventTypeCameraAdded})

	late := bus.Subscribe(EventTypeCameraAdded)
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
	bus.Unsubscribe(late)
}

func TestEventBus_SubscribeWithHandler(t *testing.T) {
	bus := NewEventBus(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	bus.SubscribeWithHandler(ctx, EventTypeCameraRemoved, func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})

	bus.Publish(Event{Type: EventTypeCameraRemoved, Source: "scheduler"})
	assert.Equal(t, "scheduler", receive(t, got).Source)
}
