// Package monitor polls venue availability on an interval, notifies on new
// openings, and optionally books them the moment they appear.
package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/booker"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/notifier"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/resolver"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/circuit"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

const (
	DefaultInterval = 30 * time.Second

	// a slot re-announced within this window is considered a duplicate
	dedupWindow = 30 * time.Minute

	maxRecordedHits = 50
)

// SlotSource queries availability; backed by the active user's API client.
type SlotSource interface {
	QuerySlots(ctx context.Context, q bookingapi.SlotQuery) ([]models.Slot, error)
}

// Broadcaster is the notification fan-out surface.
type Broadcaster interface {
	Enabled() bool
	Broadcast(ctx context.Context, text string) error
}

// Persister saves monitor progress after every tick; workers use it to keep
// their per-job state file current for the supervisor.
type Persister func(st *models.MonitorState) error

// Options wires a monitor runtime.
type Options struct {
	State    *models.MonitorState
	Resolver *resolver.Resolver
	Source   SlotSource
	Booker   *booker.Booker
	Notify   Broadcaster
	Persist  Persister
	Breaker  *circuit.Breaker
	Log      *logging.Logger
}

// Runtime is one monitor loop over a single booking target.
type Runtime struct {
	st       *models.MonitorState
	resolver *resolver.Resolver
	source   SlotSource
	booker   *booker.Booker
	notify   Broadcaster
	persist  Persister
	breaker  *circuit.Breaker
	log      *logging.ComponentLogger

	resolved *resolver.Resolved
	seen     map[string]time.Time

	mTicks *metrics.Counter
	mHits  *metrics.Counter
}

func New(opts Options) *Runtime {
	var clog *logging.ComponentLogger
	if opts.Log != nil {
		clog = opts.Log.WithComponent("monitor")
	}
	return &Runtime{
		st:       opts.State,
		resolver: opts.Resolver,
		source:   opts.Source,
		booker:   opts.Booker,
		notify:   opts.Notify,
		persist:  opts.Persist,
		breaker:  opts.Breaker,
		log:      clog,
		seen:     map[string]time.Time{},
		mTicks:   metrics.Default.Counter("monitor_ticks", "Monitor poll cycles"),
		mHits:    metrics.Default.Counter("monitor_hits", "New open slots observed"),
	}
}

// Run polls until ctx ends or an auto-booking completes the monitor's goal.
func (r *Runtime) Run(ctx context.Context) error {
	interval := time.Duration(r.st.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := r.Tick(ctx, time.Now())
		if err != nil && r.log != nil {
			r.log.Warn("monitor tick failed", logging.Error(err))
		}
		if done {
			return nil
		}
		// outside the operating window there is nothing to poll: sleep
		// straight through to the next opening instead of spinning on the
		// interval
		if wait := r.windowWait(time.Now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// windowWait returns how long until the operating window next opens, zero
// when the monitor is inside its window (or has none).
func (r *Runtime) windowWait(now time.Time) time.Duration {
	if r.st.WindowActive || r.st.NextWindowStart == nil {
		return 0
	}
	return r.st.NextWindowStart.Sub(now)
}

// Tick runs one poll cycle. done=true means the monitor reached its goal
// (auto-booking landed) and the loop should end.
func (r *Runtime) Tick(ctx context.Context, now time.Time) (done bool, err error) {
	r.mTicks.Inc(1)
	defer func() {
		t := now
		r.st.LastCheck = &t
		if r.persist != nil {
			if perr := r.persist(r.st); perr != nil && r.log != nil {
				r.log.Warn("state persist failed", logging.Error(perr))
			}
		}
	}()

	if w := r.st.OperatingWindow; w != nil && !w.Contains(now) {
		r.st.WindowActive = false
		next := nextWindowStart(now, *w)
		r.st.NextWindowStart = &next
		return false, nil
	}
	r.st.WindowActive = true
	r.st.NextWindowStart = nil

	res, err := r.resolve(ctx, now)
	if err != nil {
		// config errors will not heal on their own; upstream blips might
		if apperrors.Is(err, apperrors.ErrConfig) {
			return true, err
		}
		return false, err
	}

	for _, dt := range res.Dates {
		if !r.dateWanted(dt.Date) {
			continue
		}
		query := bookingapi.SlotQuery{
			VenueID:       res.VenueID,
			FieldTypeID:   res.FieldTypeID,
			Date:          dt.Date,
			DateToken:     dt.Token,
			FieldTypeCode: res.FieldTypeCode,
		}
		slots, err := r.querySlots(ctx, query)
		if err != nil {
			if r.log != nil {
				r.log.Warn("slot query failed", logging.String("date", dt.Date), logging.Error(err))
			}
			continue
		}
		open := r.filterSlots(slots)
		if len(open) == 0 {
			continue
		}

		fresh := r.dedup(dt.Date, open, now)
		if len(fresh) > 0 {
			r.mHits.Inc(int64(len(fresh)))
			r.record(dt.Date, fresh)
			r.announce(ctx, res, dt.Date, fresh)
		}

		if r.st.AutoBook && r.booker != nil {
			if r.autoBook(ctx, res, query, open) {
				return true, nil
			}
		}
	}
	return false, nil
}

// resolve caches the venue/field-type lookup; only dates are re-expanded on
// later ticks, by pinning the resolved ids back into the target.
func (r *Runtime) resolve(ctx context.Context, now time.Time) (*resolver.Resolved, error) {
	res, err := r.resolver.Resolve(ctx, r.st.Target, now)
	if err != nil {
		return nil, err
	}
	if r.resolved == nil {
		r.st.Target.VenueID = res.VenueID
		r.st.Target.FieldTypeID = res.FieldTypeID
		r.st.Target.Preset = nil
	}
	r.resolved = res
	return res, nil
}

func (r *Runtime) querySlots(ctx context.Context, q bookingapi.SlotQuery) ([]models.Slot, error) {
	if r.breaker == nil {
		return r.source.QuerySlots(ctx, q)
	}
	var slots []models.Slot
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		slots, err = r.source.QuerySlots(ctx, q)
		return err
	})
	return slots, err
}

func (r *Runtime) filterSlots(slots []models.Slot) []models.Slot {
	open := resolver.FilterSlots(slots, r.st.Target.StartHour)
	if len(r.st.PreferredHours) == 0 {
		return open
	}
	wanted := map[int]bool{}
	for _, h := range r.st.PreferredHours {
		wanted[h] = true
	}
	out := open[:0]
	for _, s := range open {
		if wanted[s.StartHour()] {
			out = append(out, s)
		}
	}
	return out
}

func (r *Runtime) dateWanted(date string) bool {
	if len(r.st.PreferredDays) == 0 {
		return true
	}
	t, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return true
	}
	day := strings.ToLower(t.Weekday().String())
	for _, d := range r.st.PreferredDays {
		if strings.ToLower(d) == day {
			return true
		}
	}
	return false
}

// dedup returns hits not announced within the dedup window and marks them.
func (r *Runtime) dedup(date string, open []models.Slot, now time.Time) []models.Slot {
	for key, at := range r.seen {
		if now.Sub(at) > dedupWindow {
			delete(r.seen, key)
		}
	}
	var fresh []models.Slot
	for _, s := range open {
		key := models.FoundSlot{Date: date, Start: s.Start, FieldName: s.FieldName}.DedupKey()
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = now
		fresh = append(fresh, s)
	}
	return fresh
}

func (r *Runtime) record(date string, fresh []models.Slot) {
	for _, s := range fresh {
		r.st.FoundSlots = append(r.st.FoundSlots, models.FoundSlot{
			Date:      date,
			Start:     s.Start,
			End:       s.End,
			FieldName: s.FieldName,
			Remain:    s.Remain,
			Price:     s.Price,
		})
	}
	if n := len(r.st.FoundSlots); n > maxRecordedHits {
		r.st.FoundSlots = r.st.FoundSlots[n-maxRecordedHits:]
	}
}

func (r *Runtime) announce(ctx context.Context, res *resolver.Resolved, date string, fresh []models.Slot) {
	if r.notify == nil || !r.notify.Enabled() {
		return
	}
	msg := notifier.SlotFoundMessage(res.VenueName, res.FieldTypeName, date, fresh)
	if err := r.notify.Broadcast(ctx, msg); err != nil && r.log != nil {
		r.log.Warn("hit notification failed", logging.Error(err))
	}
}

// autoBook attempts bookings and reports whether the monitor's goal is met.
func (r *Runtime) autoBook(ctx context.Context, res *resolver.Resolved, query bookingapi.SlotQuery, open []models.Slot) bool {
	policy := booker.Policy{
		RequireAllUsersSuccess: r.st.RequireAllUsersSuccess,
		MaxTimeGapHours:        r.st.MaxTimeGapHours,
		TargetUsers:            r.st.Target.TargetUsers,
		ExcludeUsers:           r.st.Target.ExcludeUsers,
	}
	out := r.booker.Book(ctx, res, query, open, policy)
	r.st.BookingAttempts += len(out.Attempts)
	r.st.SuccessfulBookings += out.Succeeded

	for _, a := range out.Attempts {
		if a.Err != nil || r.notify == nil || !r.notify.Enabled() {
			continue
		}
		msg := notifier.OrderSuccessMessage(a.User, res.VenueName, res.FieldTypeName, a.Intent, a.OrderID)
		if err := r.notify.Broadcast(ctx, msg); err != nil && r.log != nil {
			r.log.Warn("success notification failed", logging.Error(err))
		}
	}

	if r.st.RequireAllUsersSuccess {
		return out.AllSucceeded && out.Succeeded > 0
	}
	return out.Succeeded > 0
}

// nextWindowStart computes when the operating window next opens after now.
func nextWindowStart(now time.Time, w models.OperatingWindow) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), w.StartHour, 0, 0, 0, now.Location())
	if !start.After(now) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}
