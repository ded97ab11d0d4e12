package models

import apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"

// BookingTarget is the resolver input: everything needed to turn a user's
// wish ("badminton at 18:00 next friday") into concrete slot lookups.
// At least one of VenueID, VenueKeyword, or Preset must be set.
type BookingTarget struct {
	Preset           *int     `json:"preset,omitempty"` // catalogue index
	VenueID          string   `json:"venue_id,omitempty"`
	VenueKeyword     string   `json:"venue_keyword,omitempty"`
	FieldTypeID      string   `json:"field_type_id,omitempty"`
	FieldTypeKeyword string   `json:"field_type_keyword,omitempty"`
	FieldTypeCode    string   `json:"field_type_code,omitempty"`
	DateOffsets      []int    `json:"date_offsets,omitempty"` // today+N, one entry per date
	FixedDates       []string `json:"fixed_dates,omitempty"`  // literal "YYYY-MM-DD"
	UseAllDates      bool     `json:"use_all_dates,omitempty"`
	StartHour        int      `json:"start_hour,omitempty"` // -1 or 0..23; filter applied post-fetch
	DurationHours    int      `json:"duration_hours,omitempty"`
	TargetUsers      []string `json:"target_users,omitempty"`
	ExcludeUsers     []string `json:"exclude_users,omitempty"`
}

// HasVenueSelector reports whether the target can identify a venue at all.
func (t BookingTarget) HasVenueSelector() bool {
	return t.Preset != nil || t.VenueID != "" || t.VenueKeyword != ""
}

// Validate rejects targets that can never resolve. StartHour -1 means no
// filter and is valid.
func (t BookingTarget) Validate() error {
	if !t.HasVenueSelector() {
		return apperrors.NewConfig("models.BookingTarget",
			"no venue selector: set preset, venue_id, or venue_keyword", nil)
	}
	if t.StartHour < -1 || t.StartHour > 23 {
		return apperrors.NewConfig("models.BookingTarget",
			"start_hour out of range 0..23", nil)
	}
	if t.DurationHours < 0 {
		return apperrors.NewConfig("models.BookingTarget",
			"duration_hours must be positive", nil)
	}
	for _, off := range t.DateOffsets {
		if off < 0 {
			return apperrors.NewConfig("models.BookingTarget",
				"date offsets must be >= 0", nil)
		}
	}
	return nil
}

// AutoBookingTarget is one prioritised entry in an auto-booking set.
// Entries are processed in ascending Priority.
type AutoBookingTarget struct {
	Preset      int    `json:"preset"`
	Priority    int    `json:"priority"` // lower = earlier
	Enabled     bool   `json:"enabled"`
	TimeSlots   []int  `json:"time_slots,omitempty"` // preferred hours
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Description string `json:"description,omitempty"`
}
