package models

import "encoding/json"

// Slot is one bookable (field, day, time-window) tuple as returned by the
// upstream slot query. Slots are never cached across requests: the sign token
// is a single-use nonce and must be re-fetched immediately before ordering.
type Slot struct {
	ID        string  `json:"slot_id"`
	Start     string  `json:"start"` // "HH:MM"
	End       string  `json:"end"`
	Price     float64 `json:"price,omitempty"`
	Remain    int     `json:"remain,omitempty"`
	Capacity  int     `json:"capacity,omitempty"`
	Available bool    `json:"available"`
	FieldName string  `json:"field_name,omitempty"`
	SubSiteID string  `json:"sub_site_id,omitempty"`
	// Sign is the opaque base64 token issued by the upstream, required for
	// ordering.
	Sign string `json:"sign,omitempty"`
	// Raw keeps the unparsed upstream blob so the order submitter can pass
	// through attributes we never modeled.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// StartHour parses the integer hour out of Start; -1 when unparseable.
func (s Slot) StartHour() int {
	return parseHour(s.Start)
}

// EndHour parses the integer hour out of End; -1 when unparseable.
func (s Slot) EndHour() int {
	return parseHour(s.End)
}

func parseHour(hhmm string) int {
	if len(hhmm) < 2 {
		return -1
	}
	h := 0
	n := 0
	for _, r := range hhmm {
		if r == ':' {
			break
		}
		if r < '0' || r > '9' {
			return -1
		}
		h = h*10 + int(r-'0')
		n++
		if n > 2 {
			return -1
		}
	}
	if n == 0 || h > 23 {
		return -1
	}
	return h
}

// OrderIntent is the fully-resolved input to order submission, constructed
// from a Slot plus the resolved venue/field identifiers and a concrete date.
type OrderIntent struct {
	VenueID     string  `json:"venue_id"`
	FieldTypeID string  `json:"field_type_id"`
	Date        string  `json:"date"` // "YYYY-MM-DD"
	SlotID      string  `json:"slot_id"`
	Start       string  `json:"start"`
	End         string  `json:"end"`
	Price       float64 `json:"price"`
	Sign        string  `json:"sign"`
	SubSiteID   string  `json:"sub_site_id,omitempty"`
	FieldName   string  `json:"field_name,omitempty"`
}
