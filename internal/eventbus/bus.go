// Package eventbus is the in-process typed publish/subscribe bus. Delivery
// is publish-time and per-subscriber sequential, a
// failing handler is isolated and logged, never propagated to the
// publisher, and never blocks delivery to later subscribers.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope is the immutable event record carried across the bus. Publishers
// create it; subscribers must never mutate it.
type Envelope struct {
	Type          string
	Source        string
	Timestamp     time.Time
	CorrelationID string
	Payload       any
}

// NewEnvelope builds an Envelope for typ from source, stamping the current
// time. If correlationID is empty, the envelope carries none.
func NewEnvelope(typ, source, correlationID string, payload any) Envelope {
	return Envelope{
		Type:          typ,
		Source:        source,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Handler processes a delivered envelope. A returned error is logged but
// never surfaces to the publisher or blocks later handlers.
type Handler func(Envelope) error

// Subscription is a live registration returned by Subscribe. Unsubscribe is
// idempotent.
type Subscription struct {
	id       string
	eventTyp string
	bus      *Bus
}

// Unsubscribe removes this registration from the bus. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.eventTyp, s.id)
}

type registration struct {
	id      string
	handler Handler
}

// Bus is the typed pub/sub dispatcher. Publish is safe for concurrent
// callers; handler invocations for a single Publish call execute
// sequentially, in subscription order, on the publisher's goroutine.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]registration
	log   *slog.Logger
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[string][]registration), log: log}
}

// Subscribe registers handler for eventType and returns a handle whose
// Unsubscribe removes it.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New().String()
	b.subs[eventType] = append(b.subs[eventType], registration{id: id, handler: handler})
	return &Subscription{id: id, eventTyp: eventType, bus: b}
}

func (b *Bus) unsubscribe(eventType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.subs[eventType]
	for i, r := range regs {
		if r.id == id {
			b.subs[eventType] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll clears every registration. Used at shutdown.
func (b *Bus) UnsubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]registration)
}

// Publish delivers env to every handler currently registered for env.Type,
// in subscription order, sequentially on the calling goroutine. A handler
// that returns an error or panics is isolated: the failure is logged and
// delivery continues to the remaining handlers.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	regs := make([]registration, len(b.subs[env.Type]))
	copy(regs, b.subs[env.Type])
	b.mu.RUnlock()

	for _, r := range regs {
		b.invoke(r, env)
	}
}

func (b *Bus) invoke(r registration, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("event handler panicked",
				"event_type", env.Type,
				"correlation_id", env.CorrelationID,
				"panic", rec)
		}
	}()
	if err := r.handler(env); err != nil {
		b.log.Error("event handler failed",
			"event_type", env.Type,
			"correlation_id", env.CorrelationID,
			"error", err)
	}
}
