// internal/events/bus.go
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lab-bench/internal/model"
)

// AllEvents subscribes to every event type
const AllEvents model.EventType = "*"

// Bus manages event distribution
type Bus struct {
	subscribers map[model.EventType][]chan Event
	events      chan Event
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// Event represents a system event
type Event struct {
	Type      model.EventType        `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[model.EventType][]chan Event),
		events:      make(chan Event, 1000),
		logger:      logger,
	}
}

// Start distributes published events until ctx is done
func (b *Bus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.events:
			b.distributeEvent(event)
		}
	}
}

// Publish publishes an event without blocking the caller
func (b *Bus) Publish(eventType model.EventType, source string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case b.events <- event:
	default:
		if b.logger != nil {
			b.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", string(eventType)),
			)
		}
	}
}

// Subscribe subscribes to events of the given types, or every type with AllEvents
func (b *Bus) Subscribe(eventTypes ...model.EventType) <-chan Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subscriber := make(chan Event, 100)
	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
	}
	return subscriber
}

// Unsubscribe removes a subscription returned by Subscribe
func (b *Bus) Unsubscribe(subscription <-chan Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for eventType, subscribers := range b.subscribers {
		kept := subscribers[:0]
		for _, subscriber := range subscribers {
			if subscriber != subscription {
				kept = append(kept, subscriber)
			}
		}
		b.subscribers[eventType] = kept
	}
}

// distributeEvent distributes an event to subscribers
func (b *Bus) distributeEvent(event Event) {
	b.mutex.RLock()
	subscribers := append([]chan Event(nil), b.subscribers[event.Type]...)
	subscribers = append(subscribers, b.subscribers[AllEvents]...)
	b.mutex.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
