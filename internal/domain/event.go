package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventActorStarted   EventType = "actor.started"
	EventActorDestroyed EventType = "actor.destroyed"
	EventActorError     EventType = "actor.error"

	EventObserverConnected    EventType = "observer.connected"
	EventObserverDisconnected EventType = "observer.disconnected"

	EventStateChanged EventType = "state.changed"

	// Scheduler events.
	EventTaskScheduled EventType = "task.scheduled"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskFired     EventType = "task.fired"
	EventTaskFailed    EventType = "task.failed"

	EventRPCCompleted EventType = "rpc.completed"

	// Provider lifecycle.
	EventProviderState   EventType = "provider.state"
	EventProviderRemoved EventType = "provider.removed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ActorID   string          `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent builds an event with a JSON payload. Marshal failures leave Payload empty.
func NewEvent(t EventType, actorID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), ActorID: actorID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
