// Package schedule fires booking attempts at an exact daily time, the moment
// next-day slots are released. A warmup pass shortly before the shot keeps
// connections hot and the target pre-resolved.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/booker"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/notifier"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/resolver"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

const DefaultWarmupOffset = 3 * time.Second

// SlotSource queries availability with the active user's client.
type SlotSource interface {
	QuerySlots(ctx context.Context, q bookingapi.SlotQuery) ([]models.Slot, error)
}

// Broadcaster is the notification fan-out surface.
type Broadcaster interface {
	Enabled() bool
	Broadcast(ctx context.Context, text string) error
}

// Options wires a schedule runtime.
type Options struct {
	State        *models.ScheduleState
	Resolver     *resolver.Resolver
	Source       SlotSource
	Booker       *booker.Booker
	Notify       Broadcaster
	Persist      func(st *models.ScheduleState) error
	WarmupOffset time.Duration
	Debug        bool // fire once immediately instead of waiting for the cron time
	Log          *logging.Logger
}

// Runtime is one daily precise-time booking job.
type Runtime struct {
	st      *models.ScheduleState
	res     *resolver.Resolver
	source  SlotSource
	booker  *booker.Booker
	notify  Broadcaster
	persist func(st *models.ScheduleState) error
	warmup  time.Duration
	debug   bool
	log     *logging.ComponentLogger

	mu       sync.Mutex
	resolved *resolver.Resolved

	mRuns      *metrics.Counter
	mSuccesses *metrics.Counter
}

func New(opts Options) *Runtime {
	warmup := opts.WarmupOffset
	if warmup <= 0 {
		warmup = DefaultWarmupOffset
	}
	var clog *logging.ComponentLogger
	if opts.Log != nil {
		clog = opts.Log.WithComponent("schedule")
	}
	return &Runtime{
		st:         opts.State,
		res:        opts.Resolver,
		source:     opts.Source,
		booker:     opts.Booker,
		notify:     opts.Notify,
		persist:    opts.Persist,
		warmup:     warmup,
		debug:      opts.Debug,
		log:        clog,
		mRuns:      metrics.Default.Counter("schedule_runs", "Scheduled booking shots fired"),
		mSuccesses: metrics.Default.Counter("schedule_successes", "Scheduled shots that booked at least one slot"),
	}
}

// Run blocks until ctx ends. In debug mode it runs the warmup and fires a
// single shot right away, then returns.
func (r *Runtime) Run(ctx context.Context) error {
	if r.debug {
		r.Warmup(ctx)
		r.Fire(ctx, time.Now())
		return nil
	}

	c := cron.New(cron.WithSeconds())

	fireSpec := fmt.Sprintf("%d %d %d * * *", r.st.Second, r.st.Minute, r.st.Hour)
	if _, err := c.AddFunc(fireSpec, func() { r.Fire(ctx, time.Now()) }); err != nil {
		return apperrors.NewConfig("schedule.Run", "bad cron time "+fireSpec, err)
	}

	warmAt := fireTimeOfDay(r.st).Add(-r.warmup)
	warmSpec := fmt.Sprintf("%d %d %d * * *", warmAt.Second(), warmAt.Minute(), warmAt.Hour())
	if _, err := c.AddFunc(warmSpec, func() { r.Warmup(ctx) }); err != nil {
		return apperrors.NewConfig("schedule.Run", "bad warmup time "+warmSpec, err)
	}

	r.stampNextRun(time.Now())
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// Warmup pre-resolves the target and runs one throwaway slot query so the
// real shot spends no time on lookups or TLS handshakes.
func (r *Runtime) Warmup(ctx context.Context) {
	now := time.Now()
	res, err := r.resolveTarget(ctx, now)
	if err != nil {
		if r.log != nil {
			r.log.Warn("warmup resolve failed", logging.Error(err))
		}
		return
	}
	if len(res.Dates) > 0 {
		_, err = r.source.QuerySlots(ctx, r.query(res, res.Dates[0]))
		if err != nil && r.log != nil {
			r.log.Warn("warmup slot query failed", logging.Error(err))
		}
	}
	if r.log != nil {
		r.log.Info("warmup complete", logging.VenueID(res.VenueID))
	}
}

// Fire runs one booking shot: every configured start hour is attempted in
// parallel so competing for multiple windows costs no extra latency.
func (r *Runtime) Fire(ctx context.Context, now time.Time) {
	r.mRuns.Inc(1)
	r.st.RunCount++
	t := now
	r.st.LastRun = &t
	defer func() {
		r.stampNextRun(now)
		if r.persist != nil {
			if err := r.persist(r.st); err != nil && r.log != nil {
				r.log.Warn("state persist failed", logging.Error(err))
			}
		}
	}()

	res, err := r.resolveTarget(ctx, now)
	if err != nil {
		if r.log != nil {
			r.log.Error("shot aborted: target unresolvable", err)
		}
		r.announceFailure(ctx, res, err.Error())
		return
	}
	if len(res.Dates) == 0 {
		return
	}
	date := res.Dates[0]

	hours := r.st.StartHours
	if len(hours) == 0 {
		hours = []int{r.st.Target.StartHour}
	}

	var mu sync.Mutex
	totalSuccess := 0
	var wg sync.WaitGroup
	for _, hour := range hours {
		wg.Add(1)
		go func(hour int) {
			defer wg.Done()
			n := r.shoot(ctx, res, date, hour)
			mu.Lock()
			totalSuccess += n
			mu.Unlock()
		}(hour)
	}
	wg.Wait()

	r.st.SuccessCount += totalSuccess
	if totalSuccess > 0 {
		r.mSuccesses.Inc(1)
	} else {
		r.announceFailure(ctx, res, "没有可预约的场地")
	}
}

// shoot books slots for one start hour and returns the success count.
func (r *Runtime) shoot(ctx context.Context, res *resolver.Resolved, date bookingapi.DateToken, hour int) int {
	query := r.query(res, date)
	slots, err := r.source.QuerySlots(ctx, query)
	if err != nil {
		if r.log != nil {
			r.log.Warn("shot slot query failed", logging.Int("hour", hour), logging.Error(err))
		}
		return 0
	}
	open := resolver.FilterSlots(slots, hour)
	if len(open) == 0 {
		return 0
	}

	policy := booker.Policy{
		RequireAllUsersSuccess: r.st.RequireAllUsersSuccess,
		MaxTimeGapHours:        r.st.MaxTimeGapHours,
		TargetUsers:            r.st.Target.TargetUsers,
		ExcludeUsers:           r.st.Target.ExcludeUsers,
	}
	out := r.booker.Book(ctx, res, query, open, policy)

	for _, a := range out.Attempts {
		if a.Err != nil || r.notify == nil || !r.notify.Enabled() {
			continue
		}
		msg := notifier.OrderSuccessMessage(a.User, res.VenueName, res.FieldTypeName, a.Intent, a.OrderID)
		if err := r.notify.Broadcast(ctx, msg); err != nil && r.log != nil {
			r.log.Warn("success notification failed", logging.Error(err))
		}
	}
	return out.Succeeded
}

func (r *Runtime) resolveTarget(ctx context.Context, now time.Time) (*resolver.Resolved, error) {
	target := r.st.Target
	target.DateOffsets = []int{r.st.DateOffset}
	target.FixedDates = nil
	target.UseAllDates = false

	res, err := r.res.Resolve(ctx, target, now)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.resolved == nil {
		// pin ids so later resolves skip the catalogue search
		r.st.Target.VenueID = res.VenueID
		r.st.Target.FieldTypeID = res.FieldTypeID
		r.st.Target.Preset = nil
	}
	r.resolved = res
	r.mu.Unlock()
	return res, nil
}

func (r *Runtime) query(res *resolver.Resolved, date bookingapi.DateToken) bookingapi.SlotQuery {
	return bookingapi.SlotQuery{
		VenueID:       res.VenueID,
		FieldTypeID:   res.FieldTypeID,
		Date:          date.Date,
		DateToken:     date.Token,
		FieldTypeCode: res.FieldTypeCode,
	}
}

func (r *Runtime) announceFailure(ctx context.Context, res *resolver.Resolved, reason string) {
	if r.notify == nil || !r.notify.Enabled() {
		return
	}
	venueName := ""
	intent := models.OrderIntent{}
	if res != nil {
		venueName = res.VenueName
		if len(res.Dates) > 0 {
			intent.Date = res.Dates[0].Date
		}
	}
	msg := notifier.OrderFailureMessage("", venueName, intent, reason)
	if err := r.notify.Broadcast(ctx, msg); err != nil && r.log != nil {
		r.log.Warn("failure notification failed", logging.Error(err))
	}
}

func (r *Runtime) stampNextRun(now time.Time) {
	next := time.Date(now.Year(), now.Month(), now.Day(), r.st.Hour, r.st.Minute, r.st.Second, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	r.st.NextRun = &next
}

func fireTimeOfDay(st *models.ScheduleState) time.Time {
	return time.Date(2000, 1, 1, st.Hour, st.Minute, st.Second, 0, time.UTC)
}
