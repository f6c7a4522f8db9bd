// Package notify carries advisory change notifications. Delivery is
// at-most-once and unordered; receivers re-fetch authoritative state.
package notify

import (
	"context"
	"time"
)

// Event names emitted by the workflow services.
const (
	EventQuoteCreated         = "quote:created"
	EventQuoteUpdated         = "quote:updated"
	EventQuoteSubmitted       = "quote:submitted"
	EventQuoteApproved        = "quote:approved"
	EventQuoteRejected        = "quote:rejected"
	EventQuoteClientApproved  = "quote:client-approved"
	EventQuoteReopened        = "quote:reopened"
	EventQuotePaymentVerified = "quote:payment-verified"
	EventQuoteDesignUpdated   = "quote:design-updated"
	EventQuoteCompleted       = "quote:completed"

	EventPOCreated         = "po:created"
	EventPOUpdated         = "po:updated"
	EventPOStatusUpdated   = "po:status-updated"
	EventPOPaymentVerified = "po:payment-verified"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
	Origin  string    `json:"origin,omitempty"`
}

// Emitter publishes an event without waiting for delivery.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any)
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(context.Context, string, any) {}

// Fanout forwards each event to every emitter.
type Fanout []Emitter

// Emit implements Emitter.
func (f Fanout) Emit(ctx context.Context, name string, payload any) {
	for _, e := range f {
		if e != nil {
			e.Emit(ctx, name, payload)
		}
	}
}

// Func adapts a plain function.
type Func func(ctx context.Context, name string, payload any)

// Emit implements Emitter.
func (f Func) Emit(ctx context.Context, name string, payload any) {
	f(ctx, name, payload)
}
