package models

// Preset binds a small integer shortcut to a (venue, field type) pair.
// Immutable catalogue data seeded from configuration.
type Preset struct {
	Index         int    `json:"index" yaml:"index"`
	VenueID       string `json:"venue_id" yaml:"venue_id"`
	VenueName     string `json:"venue_name" yaml:"venue_name"`
	FieldTypeID   string `json:"field_type_id" yaml:"field_type_id"`
	FieldTypeName string `json:"field_type_name" yaml:"field_type_name"`
	FieldTypeCode string `json:"field_type_code,omitempty" yaml:"field_type_code,omitempty"`
}

// Catalogue is the ordered set of configured presets.
type Catalogue []Preset

// ByIndex returns the preset with the given index, or false.
func (c Catalogue) ByIndex(idx int) (Preset, bool) {
	for _, p := range c {
		if p.Index == idx {
			return p, true
		}
	}
	return Preset{}, false
}
