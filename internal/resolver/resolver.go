// Package resolver turns booking targets (preset shortcuts, venue keywords,
// relative dates) into the concrete identifiers the slot query needs.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

const (
	maxSearchPages = 3
	searchPageSize = 50
)

// VenueAPI is the slice of the booking API the resolver needs.
type VenueAPI interface {
	ListVenues(ctx context.Context, keyword string, page, size int) ([]bookingapi.Venue, error)
	VenueDetail(ctx context.Context, venueID string) (map[string]any, error)
	ListFieldTypes(detail map[string]any) []bookingapi.FieldType
	ListAvailableDates(ctx context.Context, venueID, fieldTypeID string) ([]bookingapi.DateToken, error)
}

// Resolved is a fully concrete slot-query target.
type Resolved struct {
	VenueID       string
	VenueName     string
	FieldTypeID   string
	FieldTypeName string
	FieldTypeCode string
	Dates         []bookingapi.DateToken
}

type Resolver struct {
	api       VenueAPI
	catalogue models.Catalogue
	log       *logging.ComponentLogger
}

func New(api VenueAPI, catalogue models.Catalogue, log *logging.Logger) *Resolver {
	var clog *logging.ComponentLogger
	if log != nil {
		clog = log.WithComponent("resolver")
	}
	return &Resolver{api: api, catalogue: catalogue, log: clog}
}

// Resolve expands target into concrete identifiers. Targets without any venue
// selector fail immediately rather than guessing.
func (r *Resolver) Resolve(ctx context.Context, target models.BookingTarget, now time.Time) (*Resolved, error) {
	if target.Preset != nil {
		p, ok := r.catalogue.ByIndex(*target.Preset)
		if !ok {
			return nil, apperrors.NewConfig("resolver.Resolve",
				fmt.Sprintf("unknown preset %d", *target.Preset), nil)
		}
		if target.VenueID == "" {
			target.VenueID = p.VenueID
		}
		if target.FieldTypeID == "" {
			target.FieldTypeID = p.FieldTypeID
		}
		if target.FieldTypeCode == "" {
			target.FieldTypeCode = p.FieldTypeCode
		}
		out := &Resolved{
			VenueID:       target.VenueID,
			VenueName:     p.VenueName,
			FieldTypeID:   target.FieldTypeID,
			FieldTypeName: p.FieldTypeName,
			FieldTypeCode: target.FieldTypeCode,
		}
		return r.withDates(ctx, out, target, now)
	}

	if !target.HasVenueSelector() {
		return nil, apperrors.NewConfig("resolver.Resolve",
			"target needs a preset, venue id, or venue keyword", nil)
	}

	out := &Resolved{VenueID: target.VenueID}
	if out.VenueID == "" {
		venue, err := r.searchVenue(ctx, target.VenueKeyword)
		if err != nil {
			return nil, err
		}
		out.VenueID = venue.ID
		out.VenueName = venue.Name
	}

	ft, err := r.resolveFieldType(ctx, out.VenueID, target)
	if err != nil {
		return nil, err
	}
	out.FieldTypeID = ft.ID
	out.FieldTypeName = ft.Name
	out.FieldTypeCode = ft.Code
	if out.FieldTypeCode == "" {
		out.FieldTypeCode = target.FieldTypeCode
	}

	return r.withDates(ctx, out, target, now)
}

// searchVenue pages through the catalogue looking for a case-sensitive
// substring match. Venue names are Chinese; case folding would be a no-op
// anyway and exact matching avoids surprising partial hits.
func (r *Resolver) searchVenue(ctx context.Context, keyword string) (bookingapi.Venue, error) {
	for page := 1; page <= maxSearchPages; page++ {
		venues, err := r.api.ListVenues(ctx, keyword, page, searchPageSize)
		if err != nil {
			return bookingapi.Venue{}, err
		}
		for _, v := range venues {
			if strings.Contains(v.Name, keyword) {
				if r.log != nil {
					r.log.Debug("venue matched", logging.String("keyword", keyword),
						logging.VenueID(v.ID), logging.String("name", v.Name))
				}
				return v, nil
			}
		}
		if len(venues) < searchPageSize {
			break
		}
	}
	return bookingapi.Venue{}, apperrors.NewConfig("resolver.searchVenue",
		"no venue matched keyword "+keyword, nil)
}

func (r *Resolver) resolveFieldType(ctx context.Context, venueID string, target models.BookingTarget) (bookingapi.FieldType, error) {
	detail, err := r.api.VenueDetail(ctx, venueID)
	if err != nil {
		// the id may still be usable even when the detail endpoint is down
		if target.FieldTypeID != "" {
			return bookingapi.FieldType{ID: target.FieldTypeID, Code: target.FieldTypeCode}, nil
		}
		return bookingapi.FieldType{}, err
	}
	types := r.api.ListFieldTypes(detail)

	if target.FieldTypeID != "" {
		for _, ft := range types {
			if ft.ID == target.FieldTypeID {
				return ft, nil
			}
		}
		return bookingapi.FieldType{ID: target.FieldTypeID, Code: target.FieldTypeCode}, nil
	}
	if target.FieldTypeKeyword != "" {
		for _, ft := range types {
			if strings.Contains(ft.Name, target.FieldTypeKeyword) {
				return ft, nil
			}
		}
		return bookingapi.FieldType{}, apperrors.NewConfig("resolver.resolveFieldType",
			"no field type matched keyword "+target.FieldTypeKeyword, nil)
	}
	if target.FieldTypeCode != "" {
		for _, ft := range types {
			if ft.Code == target.FieldTypeCode {
				return ft, nil
			}
		}
	}
	if len(types) == 0 {
		return bookingapi.FieldType{}, apperrors.NewConfig("resolver.resolveFieldType",
			"venue "+venueID+" exposes no field types", nil)
	}
	return types[0], nil
}

// withDates expands the target's date spec against the venue's open dates.
func (r *Resolver) withDates(ctx context.Context, out *Resolved, target models.BookingTarget, now time.Time) (*Resolved, error) {
	available, err := r.api.ListAvailableDates(ctx, out.VenueID, out.FieldTypeID)
	if err != nil {
		available = nil // endpoint variance: fall back to literal dates
	}
	tokens := map[string]string{}
	for _, d := range available {
		tokens[d.Date] = d.Token
	}

	switch {
	case target.UseAllDates:
		if len(available) == 0 {
			return nil, apperrors.NewConfig("resolver.withDates",
				"use_all_dates set but the venue lists no open dates", nil)
		}
		out.Dates = available
	case len(target.FixedDates) > 0:
		for _, d := range target.FixedDates {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return nil, apperrors.NewConfig("resolver.withDates", "bad date "+d, err)
			}
			out.Dates = append(out.Dates, bookingapi.DateToken{Date: d, Token: tokens[d]})
		}
	default:
		offsets := target.DateOffsets
		if len(offsets) == 0 {
			offsets = []int{0}
		}
		for _, off := range offsets {
			d := now.AddDate(0, 0, off).Format("2006-01-02")
			out.Dates = append(out.Dates, bookingapi.DateToken{Date: d, Token: tokens[d]})
		}
	}
	return out, nil
}

// FilterSlots applies the target's hour preference to fetched slots and keeps
// only bookable ones.
func FilterSlots(slots []models.Slot, startHour int) []models.Slot {
	out := make([]models.Slot, 0, len(slots))
	for _, s := range slots {
		if !s.Available {
			continue
		}
		if startHour >= 0 && s.StartHour() != startHour {
			continue
		}
		out = append(out, s)
	}
	return out
}
