// Package core defines the fundamental types for Aide.
package core

import (
	"context"
	"time"
)

// The engine never talks to a user directly. These contracts are the seams
// to the systems that do; production implementations live outside this
// module, test fakes live in internal/testutil.

// DeliveryResult reports the outcome of a text send.
type DeliveryResult struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// CallResult reports the outcome of placing a voice call.
type CallResult struct {
	CallID   string    `json:"call_id"`
	PlacedAt time.Time `json:"placed_at"`
}

// Transport delivers text and voice to a user. Implementations should wrap
// unrecoverable errors with ErrPermanentDelivery so the scheduler knows not
// to retry them.
type Transport interface {
	SendText(ctx context.Context, userID, body string) (*DeliveryResult, error)
	PlaceCall(ctx context.Context, userID, script string) (*CallResult, error)
}

// Composer turns an intent plus context into user-facing language.
// A Composer failure is never fatal: callers degrade to a fixed template.
type Composer interface {
	Compose(ctx context.Context, intent, contextSummary string) (string, error)
}

// PreferenceSource provides per-user gating configuration, read-only from
// the engine's perspective.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, userID string) (Preferences, error)
}
