package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
)

// fakeAPI serves canned venue data for the resolver.
type fakeAPI struct {
	pages      map[int][]bookingapi.Venue
	detail     map[string]any
	fieldTypes []bookingapi.FieldType
	dates      []bookingapi.DateToken
	datesErr   error
	listCalls  int
}

func (f *fakeAPI) ListVenues(ctx context.Context, keyword string, page, size int) ([]bookingapi.Venue, error) {
	f.listCalls++
	return f.pages[page], nil
}

func (f *fakeAPI) VenueDetail(ctx context.Context, venueID string) (map[string]any, error) {
	return f.detail, nil
}

func (f *fakeAPI) ListFieldTypes(detail map[string]any) []bookingapi.FieldType {
	return f.fieldTypes
}

func (f *fakeAPI) ListAvailableDates(ctx context.Context, venueID, fieldTypeID string) ([]bookingapi.DateToken, error) {
	return f.dates, f.datesErr
}

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)

func TestResolvePreset(t *testing.T) {
	cat := models.Catalogue{
		{Index: 1, VenueID: "101", VenueName: "气膜体育中心", FieldTypeID: "9", FieldTypeName: "羽毛球"},
	}
	r := New(&fakeAPI{}, cat, nil)

	idx := 1
	res, err := r.Resolve(context.Background(), models.BookingTarget{Preset: &idx, DateOffsets: []int{2}}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.VenueID != "101" || res.FieldTypeID != "9" {
		t.Fatalf("preset not expanded: %+v", res)
	}
	if len(res.Dates) != 1 || res.Dates[0].Date != "2026-08-26" {
		t.Fatalf("date offset wrong: %+v", res.Dates)
	}
}

func TestResolveUnknownPreset(t *testing.T) {
	r := New(&fakeAPI{}, nil, nil)
	idx := 99
	_, err := r.Resolve(context.Background(), models.BookingTarget{Preset: &idx}, testNow)
	if !apperrors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestResolveNoSelectorFailsEarly(t *testing.T) {
	r := New(&fakeAPI{}, nil, nil)
	_, err := r.Resolve(context.Background(), models.BookingTarget{FieldTypeKeyword: "羽毛球"}, testNow)
	if !apperrors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestResolveKeywordPagination(t *testing.T) {
	full := make([]bookingapi.Venue, 50)
	for i := range full {
		full[i] = bookingapi.Venue{ID: "x", Name: "其他场馆"}
	}
	api := &fakeAPI{
		pages: map[int][]bookingapi.Venue{
			1: full,
			2: {{ID: "200", Name: "霍英东体育中心"}},
		},
		fieldTypes: []bookingapi.FieldType{{ID: "9", Name: "羽毛球"}},
	}
	r := New(api, nil, nil)

	res, err := r.Resolve(context.Background(), models.BookingTarget{VenueKeyword: "霍英东"}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.VenueID != "200" {
		t.Fatalf("keyword match wrong: %+v", res)
	}
	if api.listCalls != 2 {
		t.Fatalf("paged %d times, want 2", api.listCalls)
	}
}

func TestResolveKeywordNoMatch(t *testing.T) {
	api := &fakeAPI{pages: map[int][]bookingapi.Venue{1: {{ID: "1", Name: "游泳馆"}}}}
	r := New(api, nil, nil)
	_, err := r.Resolve(context.Background(), models.BookingTarget{VenueKeyword: "网球"}, testNow)
	if !apperrors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestResolveFieldTypeByKeywordAndFirstFallback(t *testing.T) {
	api := &fakeAPI{
		pages: map[int][]bookingapi.Venue{1: {{ID: "1", Name: "综合馆"}}},
		fieldTypes: []bookingapi.FieldType{
			{ID: "8", Name: "篮球"},
			{ID: "9", Name: "羽毛球"},
		},
	}
	r := New(api, nil, nil)

	res, err := r.Resolve(context.Background(), models.BookingTarget{VenueKeyword: "综合", FieldTypeKeyword: "羽毛"}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.FieldTypeID != "9" {
		t.Fatalf("keyword field type wrong: %+v", res)
	}

	res, err = r.Resolve(context.Background(), models.BookingTarget{VenueKeyword: "综合"}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.FieldTypeID != "8" {
		t.Fatalf("first field type fallback wrong: %+v", res)
	}
}

func TestResolveDates(t *testing.T) {
	api := &fakeAPI{
		pages:      map[int][]bookingapi.Venue{1: {{ID: "1", Name: "场馆"}}},
		fieldTypes: []bookingapi.FieldType{{ID: "9", Name: "羽毛球"}},
		dates: []bookingapi.DateToken{
			{Date: "2026-08-25", Token: "tok-25"},
			{Date: "2026-08-26", Token: "tok-26"},
		},
	}
	r := New(api, nil, nil)

	res, err := r.Resolve(context.Background(), models.BookingTarget{VenueKeyword: "场馆", UseAllDates: true}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Dates) != 2 {
		t.Fatalf("use_all_dates wrong: %+v", res.Dates)
	}

	res, err = r.Resolve(context.Background(), models.BookingTarget{VenueKeyword: "场馆", FixedDates: []string{"2026-08-26"}}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Dates) != 1 || res.Dates[0].Token != "tok-26" {
		t.Fatalf("fixed date token not attached: %+v", res.Dates)
	}

	_, err = r.Resolve(context.Background(), models.BookingTarget{VenueKeyword: "场馆", FixedDates: []string{"26/08/2026"}}, testNow)
	if !apperrors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("want ConfigError for bad date, got %v", err)
	}
}

func TestFilterSlots(t *testing.T) {
	slots := []models.Slot{
		{ID: "a", Start: "18:00", Available: true},
		{ID: "b", Start: "19:00", Available: true},
		{ID: "c", Start: "18:00", Available: false},
	}
	got := FilterSlots(slots, 18)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("hour filter wrong: %+v", got)
	}
	if got := FilterSlots(slots, -1); len(got) != 2 {
		t.Fatalf("no-filter wrong: %+v", got)
	}
}
