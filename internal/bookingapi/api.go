// Package bookingapi wraps each upstream endpoint behind a typed method.
// Response shapes are decoded defensively (see parse.go); the raw blob is
// kept alongside parsed fields wherever the order submitter needs it later.
package bookingapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/httpclient"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/protocol"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

// Endpoints carries the upstream paths; all have config defaults.
type Endpoints struct {
	CurrentUser string
	VenueList   string
	VenueDetail string
	OpenDates   string
	SlotQuery   string
	Order       string
}

// Classifier decides whether an upstream message is a failure or a rate
// limit. Keyword sets are configurable (venue names can collide with them).
type Classifier struct {
	FailureKeywords   []string
	RateLimitKeywords []string
}

// API is the endpoint surface for one user's client.
type API struct {
	client     *httpclient.Client
	eps        Endpoints
	codec      *protocol.Codec
	classifier Classifier
	maxRetries int
	log        *logging.ComponentLogger
}

// Options configures an API instance.
type Options struct {
	Client     *httpclient.Client
	Endpoints  Endpoints
	Codec      *protocol.Codec // required only for order submission
	Classifier Classifier
	MaxRetries int
	Log        *logging.Logger
}

func New(opts Options) *API {
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	var clog *logging.ComponentLogger
	if opts.Log != nil {
		clog = opts.Log.WithComponent("bookingapi")
	}
	return &API{
		client:     opts.Client,
		eps:        opts.Endpoints,
		codec:      opts.Codec,
		classifier: opts.Classifier,
		maxRetries: retries,
		log:        clog,
	}
}

// Venue is one row of the venue listing.
type Venue struct {
	ID   string
	Name string
	Raw  map[string]any
}

// FieldType is one bookable sport within a venue.
type FieldType struct {
	ID   string
	Name string
	Code string
}

// DateToken pairs a bookable date with the opaque token some variants expect
// echoed back on the slot query.
type DateToken struct {
	Date  string
	Token string
}

// CheckLogin probes the current-user endpoint. A 401, or a payload without
// any recognisable user field, means the cookie no longer authenticates.
func (a *API) CheckLogin(ctx context.Context) (map[string]any, bool, error) {
	resp, err := a.client.Request(ctx, httpclient.RequestSpec{
		Method:   http.MethodGet,
		Path:     a.eps.CurrentUser,
		Expected: []int{http.StatusOK, http.StatusUnauthorized},
	})
	if err != nil {
		return nil, false, err
	}
	if resp.Status == http.StatusUnauthorized {
		return nil, false, nil
	}
	m, err := resp.JSONMap()
	if err != nil {
		return nil, false, nil // non-JSON body: not authenticated
	}
	user := flattenData(m)
	authed := pick(user, "username", "userName", "name", "stuEmpNo", "nickname", "account") != nil
	return user, authed, nil
}

// ListVenues queries one page of the venue catalogue.
func (a *API) ListVenues(ctx context.Context, keyword string, page, size int) ([]Venue, error) {
	form := url.Values{}
	form.Set("page", strconv.Itoa(page))
	form.Set("rows", strconv.Itoa(size))
	form.Set("flag", "0")
	if keyword != "" {
		form.Set("nameLike", keyword)
	}
	resp, err := a.client.Request(ctx, httpclient.RequestSpec{
		Method: http.MethodPost,
		Path:   a.eps.VenueList,
		Form:   form,
	})
	if err != nil {
		return nil, err
	}
	m, err := resp.JSONMap()
	if err != nil {
		return nil, apperrors.NewUpstream("bookingapi.ListVenues", resp.Status, string(resp.Body))
	}
	items, _ := firstList(m)
	out := make([]Venue, 0, len(items))
	for _, it := range items {
		row, ok := it.(map[string]any)
		if !ok {
			continue
		}
		v := Venue{
			ID:   asString(pick(row, "id", "venueId", "venue_id")),
			Name: asString(pick(row, "name", "venueName", "venue_name", "title")),
			Raw:  row,
		}
		if v.ID != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

// VenueDetail fetches one venue's full record, flattening a data envelope.
func (a *API) VenueDetail(ctx context.Context, venueID string) (map[string]any, error) {
	resp, err := a.client.Request(ctx, httpclient.RequestSpec{
		Method: http.MethodPost,
		Path:   a.eps.VenueDetail,
		JSON:   map[string]any{"id": venueID},
	})
	if err != nil {
		return nil, err
	}
	m, err := resp.JSONMap()
	if err != nil {
		return nil, apperrors.NewUpstream("bookingapi.VenueDetail", resp.Status, string(resp.Body))
	}
	return flattenData(m), nil
}

var fieldTypeKeys = []string{"fieldTypeList", "fieldTypes", "bizFieldTypeList", "data", "motionTypes"}

// ListFieldTypes extracts the field types from a venue detail payload.
func (a *API) ListFieldTypes(detail map[string]any) []FieldType {
	var items []any
	for _, k := range fieldTypeKeys {
		if v, ok := detail[k].([]any); ok {
			items = v
			break
		}
	}
	out := make([]FieldType, 0, len(items))
	for _, it := range items {
		row, ok := it.(map[string]any)
		if !ok {
			continue
		}
		ft := FieldType{
			ID:   asString(pick(row, "id", "fieldTypeId", "field_type_id", "typeId")),
			Name: asString(pick(row, "name", "fieldTypeName", "field_type_name", "typeName")),
			Code: asString(pick(row, "code", "fieldTypeCode", "field_type_code")),
		}
		if ft.ID != "" {
			out = append(out, ft)
		}
	}
	return out
}

// ListAvailableDates returns bookable (date, token) pairs. Variants lacking
// the endpoint return an empty list and the caller uses the target's dates.
func (a *API) ListAvailableDates(ctx context.Context, venueID, fieldTypeID string) ([]DateToken, error) {
	resp, err := a.client.Request(ctx, httpclient.RequestSpec{
		Method:   http.MethodPost,
		Path:     a.eps.OpenDates,
		JSON:     map[string]any{"venueId": venueID, "fieldTypeId": fieldTypeID},
		Expected: []int{http.StatusOK, http.StatusNotFound},
	})
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusNotFound {
		return nil, nil
	}
	m, err := resp.JSONMap()
	if err != nil {
		return nil, nil
	}
	items, _ := firstList(m)
	out := make([]DateToken, 0, len(items))
	for _, it := range items {
		switch row := it.(type) {
		case map[string]any:
			dt := DateToken{
				Date:  asString(pick(row, "date", "serviceDate", "day")),
				Token: asString(pick(row, "token", "dateToken", "sign")),
			}
			if dt.Date != "" {
				out = append(out, dt)
			}
		case string:
			out = append(out, DateToken{Date: row})
		}
	}
	return out, nil
}

// SlotQuery names one concrete slot fetch.
type SlotQuery struct {
	VenueID       string
	FieldTypeID   string
	Date          string
	DateToken     string
	FieldTypeCode string
}

// QuerySlots fetches the slot grid for one (venue, field type, date).
// Primary shape: a list of fields each carrying a priceList; fallback: a
// flat slot list. An empty priceList yields no slots and no error.
func (a *API) QuerySlots(ctx context.Context, q SlotQuery) ([]models.Slot, error) {
	payload := map[string]any{
		"venueId":     q.VenueID,
		"fieldTypeId": q.FieldTypeID,
		"searchDate":  q.Date,
	}
	if q.DateToken != "" {
		payload["dateToken"] = q.DateToken
	}
	if q.FieldTypeCode != "" {
		payload["fieldTypeCode"] = q.FieldTypeCode
	}
	resp, err := a.client.Request(ctx, httpclient.RequestSpec{
		Method: http.MethodPost,
		Path:   a.eps.SlotQuery,
		JSON:   payload,
	})
	if err != nil {
		return nil, err
	}
	m, err := resp.JSONMap()
	if err != nil {
		return nil, apperrors.NewUpstream("bookingapi.QuerySlots", resp.Status, string(resp.Body))
	}
	items, _ := firstList(m)

	var slots []models.Slot
	for _, it := range items {
		row, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if priceList, ok := row["priceList"].([]any); ok {
			fieldName := asString(pick(row, "fieldName", "field_name", "name"))
			subSiteID := asString(pick(row, "subSiteId", "sub_site_id", "siteId"))
			for _, pe := range priceList {
				entry, ok := pe.(map[string]any)
				if !ok {
					continue
				}
				slots = append(slots, parseSlot(entry, fieldName, subSiteID))
			}
			continue
		}
		// fallback: flatter schema, slot fields inline
		slots = append(slots, parseSlot(row,
			asString(pick(row, "fieldName", "field_name")),
			asString(pick(row, "subSiteId", "sub_site_id"))))
	}
	return slots, nil
}

func parseSlot(entry map[string]any, fieldName, subSiteID string) models.Slot {
	raw, _ := json.Marshal(entry)
	s := models.Slot{
		ID:        asString(pick(entry, "id", "slotId", "slot_id", "priceId")),
		Start:     asString(pick(entry, "startTime", "start_time", "start", "beginTime")),
		End:       asString(pick(entry, "endTime", "end_time", "end")),
		Price:     asFloat(pick(entry, "price", "fee", "amount")),
		Remain:    asInt(pick(entry, "count", "remain", "remainCount", "stock")),
		Capacity:  asInt(pick(entry, "capacity", "total", "totalCount")),
		Sign:      asString(pick(entry, "sign")),
		FieldName: fieldName,
		SubSiteID: subSiteID,
		Raw:       raw,
	}
	if fn := asString(pick(entry, "fieldName", "field_name")); fn != "" {
		s.FieldName = fn
	}
	if ss := asString(pick(entry, "subSiteId", "sub_site_id")); ss != "" {
		s.SubSiteID = ss
	}
	// sign decoding fills in times the row itself left out
	if s.Start == "" || s.End == "" {
		if info, ok := protocol.DecodeSign(s.Sign); ok {
			if s.Start == "" {
				s.Start = info.Start
			}
			if s.End == "" {
				s.End = info.End
			}
		}
	}
	status := asString(pick(entry, "status", "state"))
	s.Available = s.Remain > 0 || status == "0" || status == "1"
	return s
}
