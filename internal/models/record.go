package models

import "time"

// BookingRecord is one append-only audit entry for a booking outcome.
type BookingRecord struct {
	OrderID       string    `json:"order_id,omitempty"`
	UserKey       string    `json:"user_key,omitempty"`
	Preset        int       `json:"preset,omitempty"`
	VenueName     string    `json:"venue_name"`
	FieldTypeName string    `json:"field_type_name"`
	Date          string    `json:"date"`
	Start         string    `json:"start"`
	End           string    `json:"end"`
	Status        string    `json:"status"` // success | failed
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
