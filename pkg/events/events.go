// Package events records the booking audit trail as an append-only event
// stream. Keep payloads small and JSON-friendly; the stream exists so a
// booking outcome can always be explained after the fact.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the base interface for agent audit events.
type Event interface {
	Type() string
	User() string
	Timestamp() time.Time
	MarshalData() ([]byte, error)
}

// Base carries common event metadata.
type Base struct {
	Ts      time.Time `json:"ts"`
	UserKey string    `json:"user,omitempty"`
}

func (b Base) Timestamp() time.Time { return b.Ts }
func (b Base) User() string         { return b.UserKey }

const (
	TypeLoginSucceeded = "session.login_succeeded"
	TypeSessionExpired = "session.expired"
	TypeSlotSpotted    = "monitor.slot_spotted"
	TypeOrderSubmitted = "order.submitted"
	TypeOrderSucceeded = "order.succeeded"
	TypeOrderFailed    = "order.failed"
)

// LoginSucceeded is emitted after a CAS login lands a fresh cookie.
type LoginSucceeded struct {
	Base
	CaptchaAttempts int       `json:"captcha_attempts,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (e LoginSucceeded) Type() string                 { return TypeLoginSucceeded }
func (e LoginSucceeded) MarshalData() ([]byte, error) { return json.Marshal(e) }

// SessionExpired is emitted when keep-alive finds a cookie dead.
type SessionExpired struct {
	Base
}

func (e SessionExpired) Type() string                 { return TypeSessionExpired }
func (e SessionExpired) MarshalData() ([]byte, error) { return json.Marshal(e) }

// SlotSpotted is emitted for each new availability hit a monitor reports.
type SlotSpotted struct {
	Base
	VenueName string `json:"venue_name"`
	Date      string `json:"date"`
	Start     string `json:"start"`
	End       string `json:"end"`
	FieldName string `json:"field_name,omitempty"`
	Remain    int    `json:"remain,omitempty"`
}

func (e SlotSpotted) Type() string                 { return TypeSlotSpotted }
func (e SlotSpotted) MarshalData() ([]byte, error) { return json.Marshal(e) }

// OrderSubmitted is emitted when an order attempt goes out.
type OrderSubmitted struct {
	Base
	VenueName string `json:"venue_name"`
	Date      string `json:"date"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

func (e OrderSubmitted) Type() string                 { return TypeOrderSubmitted }
func (e OrderSubmitted) MarshalData() ([]byte, error) { return json.Marshal(e) }

// OrderSucceeded captures a confirmed booking.
type OrderSucceeded struct {
	Base
	OrderID   string  `json:"order_id"`
	VenueName string  `json:"venue_name"`
	Date      string  `json:"date"`
	Start     string  `json:"start"`
	End       string  `json:"end"`
	Price     float64 `json:"price,omitempty"`
}

func (e OrderSucceeded) Type() string                 { return TypeOrderSucceeded }
func (e OrderSucceeded) MarshalData() ([]byte, error) { return json.Marshal(e) }

// OrderFailed captures a rejected or exhausted booking attempt.
type OrderFailed struct {
	Base
	VenueName string `json:"venue_name"`
	Date      string `json:"date"`
	Start     string `json:"start"`
	Reason    string `json:"reason"`
	Category  string `json:"category,omitempty"` // error taxonomy bucket
}

func (e OrderFailed) Type() string                 { return TypeOrderFailed }
func (e OrderFailed) MarshalData() ([]byte, error) { return json.Marshal(e) }

// EventStore defines persistence. Implementations must preserve append order.
type EventStore interface {
	Append(ctx context.Context, e Event) error
	// ListByUser returns a user's events oldest first; empty user means all.
	ListByUser(ctx context.Context, user string) ([]StoredEvent, error)
}

// StoredEvent is the durable representation. Seq is monotonic within the
// store.
type StoredEvent struct {
	Seq     int64     `json:"seq"`
	User    string    `json:"user,omitempty"`
	Type    string    `json:"type"`
	Ts      time.Time `json:"ts"`
	Payload []byte    `json:"payload"` // original JSON
}

// UserSummary is the result of replaying one user's stream.
type UserSummary struct {
	User          string     `json:"user"`
	Logins        int        `json:"logins"`
	OrdersPlaced  int        `json:"orders_placed"`
	OrdersOK      int        `json:"orders_succeeded"`
	OrdersFailed  int        `json:"orders_failed"`
	SlotsSpotted  int        `json:"slots_spotted"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	LastFailure   string     `json:"last_failure,omitempty"`
	SessionExpiry int        `json:"session_expiries"`
}

// Summarize replays events in order and aggregates per-user booking stats.
func Summarize(evs []StoredEvent) map[string]*UserSummary {
	out := map[string]*UserSummary{}
	get := func(user string) *UserSummary {
		s, ok := out[user]
		if !ok {
			s = &UserSummary{User: user}
			out[user] = s
		}
		return s
	}
	for _, se := range evs {
		s := get(se.User)
		switch se.Type {
		case TypeLoginSucceeded:
			s.Logins++
		case TypeSessionExpired:
			s.SessionExpiry++
		case TypeSlotSpotted:
			s.SlotsSpotted++
		case TypeOrderSubmitted:
			s.OrdersPlaced++
		case TypeOrderSucceeded:
			s.OrdersOK++
			ts := se.Ts
			s.LastSuccess = &ts
		case TypeOrderFailed:
			s.OrdersFailed++
			var ev OrderFailed
			_ = json.Unmarshal(se.Payload, &ev)
			s.LastFailure = ev.Reason
		}
	}
	return out
}
