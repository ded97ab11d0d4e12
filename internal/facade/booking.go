package facade

import (
	"context"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/booker"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/notifier"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/resolver"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/events"
)

// DaySlots is the availability for one date.
type DaySlots struct {
	Date  string        `json:"date"`
	Slots []models.Slot `json:"slots"`
}

// ListSlots resolves the target and returns the filtered slot grid per date.
func (a *Agent) ListSlots(ctx context.Context, target models.BookingTarget) (*resolver.Resolved, []DaySlots, error) {
	target = NormalizeTarget(target)
	if err := target.Validate(); err != nil {
		return nil, nil, err
	}
	api, _, err := a.activeAPI()
	if err != nil {
		return nil, nil, err
	}
	res, err := a.newResolver(api).Resolve(ctx, target, time.Now())
	if err != nil {
		return nil, nil, err
	}

	out := make([]DaySlots, 0, len(res.Dates))
	for _, date := range res.Dates {
		slots, err := api.QuerySlots(ctx, bookingapi.SlotQuery{
			VenueID:       res.VenueID,
			FieldTypeID:   res.FieldTypeID,
			Date:          date.Date,
			DateToken:     date.Token,
			FieldTypeCode: res.FieldTypeCode,
		})
		if err != nil {
			return res, out, err
		}
		out = append(out, DaySlots{Date: date.Date, Slots: resolver.FilterSlots(slots, target.StartHour)})
	}
	return res, out, nil
}

// OrderRequest is one immediate booking ask.
type OrderRequest struct {
	Target models.BookingTarget
	Date   string // "YYYY-MM-DD" or integer day offset; empty = today
	Time   string // start, "H" or "HH:MM"; empty = first open slot
	End    string // end, "H" or "HH:MM"; empty = any
	Policy booker.Policy
}

// OrderOnce books a single slot right now: resolve, query, book with the
// failover policy, then persist and announce the outcome.
func (a *Agent) OrderOnce(ctx context.Context, req OrderRequest) (*booker.Outcome, error) {
	target := NormalizeTarget(req.Target)
	if err := target.Validate(); err != nil {
		return nil, err
	}

	date, err := ParseDate(req.Date, time.Now())
	if err != nil {
		return nil, err
	}
	hour, err := ParseStartHour(req.Time)
	if err != nil {
		return nil, err
	}
	if hour >= 0 {
		target.StartHour = hour
	}
	endHour, err := ParseStartHour(req.End)
	if err != nil {
		return nil, err
	}
	target.FixedDates = []string{date}
	target.DateOffsets = nil
	target.UseAllDates = false

	api, _, err := a.activeAPI()
	if err != nil {
		return nil, err
	}
	res, err := a.newResolver(api).Resolve(ctx, target, time.Now())
	if err != nil {
		return nil, err
	}
	if len(res.Dates) == 0 {
		return nil, apperrors.NewConfig("facade.OrderOnce", "no bookable date resolved", nil)
	}

	query := bookingapi.SlotQuery{
		VenueID:       res.VenueID,
		FieldTypeID:   res.FieldTypeID,
		Date:          res.Dates[0].Date,
		DateToken:     res.Dates[0].Token,
		FieldTypeCode: res.FieldTypeCode,
	}
	slots, err := api.QuerySlots(ctx, query)
	if err != nil {
		return nil, err
	}
	open := filterEndHour(resolver.FilterSlots(slots, target.StartHour), endHour)
	if len(open) == 0 {
		return nil, apperrors.NewBusiness("facade.OrderOnce", "", "没有可预约的场地")
	}

	policy := req.Policy
	policy.TargetUsers = append(policy.TargetUsers, target.TargetUsers...)
	policy.ExcludeUsers = append(policy.ExcludeUsers, target.ExcludeUsers...)

	outcome := a.booker.Book(ctx, res, query, open, policy)
	a.persistOutcome(ctx, target, res, query.Date, outcome)
	return outcome, nil
}

// filterEndHour keeps slots ending at the given hour; hour -1 keeps all.
func filterEndHour(slots []models.Slot, hour int) []models.Slot {
	if hour < 0 {
		return slots
	}
	out := make([]models.Slot, 0, len(slots))
	for _, s := range slots {
		if s.EndHour() == hour {
			out = append(out, s)
		}
	}
	return out
}

// persistOutcome writes booking records and events for every attempt and
// broadcasts the result.
func (a *Agent) persistOutcome(ctx context.Context, target models.BookingTarget, res *resolver.Resolved, date string, outcome *booker.Outcome) {
	preset := 0
	if target.Preset != nil {
		preset = *target.Preset
	}
	now := time.Now()

	for _, att := range outcome.Attempts {
		rec := models.BookingRecord{
			OrderID:       att.OrderID,
			UserKey:       att.User,
			Preset:        preset,
			VenueName:     res.VenueName,
			FieldTypeName: res.FieldTypeName,
			Date:          date,
			Start:         att.Intent.Start,
			End:           att.Intent.End,
			Status:        "success",
			CreatedAt:     now,
		}
		if att.Err != nil {
			rec.Status = "failed"
			rec.Message = att.ErrText
		}
		if a.records != nil {
			_ = a.records.Append(ctx, rec)
		}
		if a.events != nil {
			base := events.Base{Ts: now, UserKey: att.User}
			_ = a.events.Append(ctx, events.OrderSubmitted{
				Base: base, VenueName: res.VenueName,
				Date: date, Start: att.Intent.Start, End: att.Intent.End,
			})
			if att.Err == nil {
				_ = a.events.Append(ctx, events.OrderSucceeded{
					Base: base, OrderID: att.OrderID, VenueName: res.VenueName,
					Date: date, Start: att.Intent.Start, End: att.Intent.End,
					Price: att.Intent.Price,
				})
			} else {
				_ = a.events.Append(ctx, events.OrderFailed{
					Base: base, VenueName: res.VenueName,
					Date: date, Start: att.Intent.Start,
					Reason: att.ErrText, Category: apperrors.Category(att.Err),
				})
			}
		}

		if a.notify != nil && a.notify.Enabled() {
			if att.Err == nil {
				_ = a.notify.Broadcast(ctx, notifier.OrderSuccessMessage(
					att.User, res.VenueName, res.FieldTypeName, att.Intent, att.OrderID))
			} else {
				_ = a.notify.Broadcast(ctx, notifier.OrderFailureMessage(
					att.User, res.VenueName, att.Intent, att.ErrText))
			}
		}
	}
}

// Records returns the newest booking records.
func (a *Agent) Records(ctx context.Context, limit int) ([]models.BookingRecord, error) {
	if a.records == nil {
		return nil, nil
	}
	return a.records.List(ctx, limit)
}

// EventSummaries replays the event stream into per-user booking stats.
func (a *Agent) EventSummaries(ctx context.Context, user string) (map[string]*events.UserSummary, error) {
	if a.events == nil {
		return nil, nil
	}
	evs, err := a.events.ListByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	return events.Summarize(evs), nil
}
