// Package bus implements the event surface described in spec §4.6 and §9:
// a typed publish/subscribe facility (subscribe, unsubscribe, emit) that
// lets the Connection Engine, Session Engine, Streaming Message Processor
// and State Aggregator communicate without reaching into each other's
// fields. It generalizes the teacher's bus.InboundMessage/OutboundMessage/
// MessageHandler queue (a fixed two-message-shape channel) into an
// arbitrary named-event registry, since the core has over twenty distinct
// event names (spec §6 "Event surface").
package bus

import "sync"

// Event names from spec §6 ("Event surface (consumer API)").
const (
	EventInitialized                  = "initialized"
	EventDestroyed                    = "destroyed"
	EventConnected                    = "connected"
	EventDisconnected                 = "disconnected"
	EventReconnecting                 = "reconnecting"
	EventConnectionStatusChanged      = "connection:status:changed"
	EventContactTimeoutMaximumReached = "contact:timeout:maximum_time_reached"
	EventMessageReceived              = "message:received"
	EventMessageSent                  = "message:sent"
	EventMessageAdded                 = "message:added"
	EventMessageUpdated               = "message:updated"
	EventMessageRemoved               = "message:removed"
	EventMessageProcessed             = "message:processed"
	EventMessageUnknown               = "message:unknown"
	EventMessagesCleared              = "messages:cleared"
	EventTypingStart                  = "typing:start"
	EventTypingStop                   = "typing:stop"
	EventThinkingStart                = "thinking:start"
	EventThinkingStop                 = "thinking:stop"
	EventSessionRestored              = "session:restored"
	EventSessionCleared               = "session:cleared"
	EventStateChanged                 = "state:changed"
	EventStateReset                   = "state:reset"
	EventContextChanged               = "context:changed"
	EventHistoryLoaded                = "history:loaded"
	EventError                        = "error"
)

// Handler receives a structured event payload. The concrete type of
// payload is documented per event name at the call site that emits it.
type Handler func(payload interface{})

// Bus is a typed pub/sub facility. Zero value is usable.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]Handler
	nextID      int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]map[int]Handler)}
}

// Subscription identifies a single Subscribe call so it can be
// unsubscribed individually.
type Subscription struct {
	event string
	id    int
}

// Subscribe registers handler for event, returning a Subscription that
// Unsubscribe accepts.
func (b *Bus) Subscribe(event string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[event] == nil {
		b.subscribers[event] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subscribers[event][id] = handler
	return Subscription{event: event, id: id}
}

// Unsubscribe removes a single subscription. Idempotent.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handlers, ok := b.subscribers[sub.event]; ok {
		delete(handlers, sub.id)
	}
}

// UnsubscribeAll removes every handler registered for event.
func (b *Bus) UnsubscribeAll(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, event)
}

// Emit synchronously invokes every handler registered for event, in
// registration order is not guaranteed (map iteration) — handlers must not
// depend on relative ordering against siblings on the same event. Per the
// single-threaded cooperative scheduling model (spec §5), Emit never
// blocks on I/O: handlers are expected to return quickly, scheduling any
// suspension point (network, storage, timers) themselves.
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event]))
	for _, h := range b.subscribers[event] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// ListenerCount reports how many handlers are registered for event, mostly
// useful in tests.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[event])
}
