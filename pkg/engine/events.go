package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType identifies a lifecycle event
type EventType string

const (
	EventToolRegistered      EventType = "tool_registered"
	EventToolUnregistered    EventType = "tool_unregistered"
	EventExecutionStarted    EventType = "execution_started"
	EventExecutionCompleted  EventType = "execution_completed"
	EventExecutionFailed     EventType = "execution_failed"
	EventPermissionRequested EventType = "permission_requested"
	EventPermissionGranted   EventType = "permission_granted"
	EventPermissionDenied    EventType = "permission_denied"
)

// Event carries a lifecycle notification to observers
type Event struct {
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	ToolID      string                 `json:"tool_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventHandler is a function that handles engine events
type EventHandler func(event Event)

type subscription struct {
	id      int
	types   map[EventType]bool // nil means all types
	handler EventHandler
}

// eventBus fans lifecycle events out to subscribers. Emission is
// synchronous; handlers must be fast and must not block.
type eventBus struct {
	subs   []*subscription
	nextID int
	mu     sync.RWMutex
}

func newEventBus() *eventBus {
	return &eventBus{}
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to everything. Returns a subscription id for Unsubscribe.
func (b *eventBus) Subscribe(handler EventHandler, types ...EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes a subscription; returns whether it existed
func (b *eventBus) Unsubscribe(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers an event to all matching subscribers. A panicking handler
// is logged and skipped; it never takes the engine down.
func (b *eventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(event.Type)).
						Msg("Event handler panicked")
				}
			}()
			sub.handler(event)
		}()
	}
}

func (b *eventBus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
