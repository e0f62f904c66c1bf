package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a lifecycle notification
type EventType string

const (
	EventTypeServiceStarted EventType = "service.started"
	EventTypeServiceStopped EventType = "service.stopped"
	EventTypeServiceError   EventType = "service.error"

	EventTypeCameraAdded        EventType = "camera.added"
	EventTypeCameraRemoved      EventType = "camera.removed"
	EventTypeCameraConnected    EventType = "camera.connected"
	EventTypeCameraDisconnected EventType = "camera.disconnected"
	EventTypeCameraFailed       EventType = "camera.failed"

	EventTypeLiveSessionOpened       EventType = "live.session_opened"
	EventTypeLiveSessionClosed       EventType = "live.session_closed"
	EventTypeTranscodeSessionStarted EventType = "transcode.session_started"
	EventTypeTranscodeSessionStopped EventType = "transcode.session_stopped"
)

type Event struct {
	Type      EventType
	Source    string
	Timestamp time.Time
	Data      map[string]interface{}
}

// subscription receives either one event type or, when all is set, every type
type subscription struct {
	ch  chan Event
	typ EventType
	all bool
}

func (s *subscription) wants(t EventType) bool {
	return s.all || s.typ == t
}

// EventBus fans lifecycle events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and Dropped is bumped.
type EventBus struct {
	bufferSize int
	dropped    atomic.Uint64

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{bufferSize: bufferSize}
}

// Subscribe returns a channel carrying only events of eventType
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	return eb.add(&subscription{typ: eventType})
}

// SubscribeAll returns a channel carrying every event
func (eb *EventBus) SubscribeAll() <-chan Event {
	return eb.add(&subscription{all: true})
}

func (eb *EventBus) add(sub *subscription) <-chan Event {
	sub.ch = make(chan Event, eb.bufferSize)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		close(sub.ch)
		return sub.ch
	}
	eb.subs = append(eb.subs, sub)
	return sub.ch
}

// Publish stamps the event if needed and offers it to every interested subscriber
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, sub := range eb.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// Unsubscribe detaches ch and closes it. Unknown channels are ignored.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, sub := range eb.subs {
		if (<-chan Event)(sub.ch) == ch {
			eb.subs = append(eb.subs[:i], eb.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Close closes every subscriber channel. Later publishes are dropped silently
// and later subscriptions receive an already closed channel.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for _, sub := range eb.subs {
		close(sub.ch)
	}
	eb.subs = nil
}

type EventHandler func(ctx context.Context, event Event) error

// SubscribeWithHandler runs handler for each eventType event on its own
// goroutine until ctx ends or the bus closes. Handler errors are ignored.
func (eb *EventBus) SubscribeWithHandler(ctx context.Context, eventType EventType, handler EventHandler) {
	ch := eb.Subscribe(eventType)
	go func() {
		defer eb.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				_ = handler(ctx, event)
			case <-ctx.Done():
				return
			}
		}
	}()
}
