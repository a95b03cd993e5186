// Package events is the in-process event bus. Delivery is synchronous and
// in subscription order so a handler registered first always observes an
// event before one registered later. A panicking handler is isolated and
// logged; it never takes down the publisher or the other handlers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"risk-trader/internal/logging"
)

// Type names an event class.
type Type string

const (
	IntentCreated   Type = "intent.created"
	IntentValidated Type = "intent.validated"
	IntentExecuted  Type = "intent.executed"
	IntentFailed    Type = "intent.failed"
	IntentCancelled Type = "intent.cancelled"
	OrderPlaced     Type = "order.placed"
	OrderCancelled  Type = "order.cancelled"
	StopLossFailed  Type = "stop_loss.failed"
	StopAdjusted    Type = "stop.adjusted"
	PolicyPaused    Type = "policy.paused"
	PolicyResumed   Type = "policy.resumed"
	MarginWarning   Type = "margin.warning"
	MarginDefensive Type = "margin.defensive_close"
	OperationClosed Type = "operation.closed"
)

// Event is one published occurrence.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	TenantID  string                 `json:"tenant_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler consumes events. Handlers run on the publisher's goroutine.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	log      *logging.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: map[Type][]Handler{},
		log:      logging.WithComponent("events"),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching handlers, synchronously, in
// registration order. Missing ID and timestamp are filled in.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	typed := make([]Handler, len(b.handlers[e.Type]))
	copy(typed, b.handlers[e.Type])
	all := make([]Handler, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, h := range typed {
		b.deliver(h, e)
	}
	for _, h := range all {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event_type", string(e.Type), "event_id", e.ID, "panic", r)
		}
	}()
	h(e)
}
