// Package booker executes resolved bookings across one or more user
// accounts, handling slot assignment, sign refresh, and rate-limit failover.
package booker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/credstore"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/resolver"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

// rate-limited accounts sit out this long before re-entering rotation
const parkDuration = 10 * time.Minute

// UserAPI is the per-user API surface the booker drives.
type UserAPI interface {
	QuerySlots(ctx context.Context, q bookingapi.SlotQuery) ([]models.Slot, error)
	SubmitOrder(ctx context.Context, intent models.OrderIntent, refresh bookingapi.SignRefresher) (*bookingapi.OrderResult, error)
}

// APIFactory builds a UserAPI bound to one user's cookie.
type APIFactory func(user models.User) (UserAPI, error)

// Policy controls how slots are spread over users.
type Policy struct {
	RequireAllUsersSuccess bool
	MaxTimeGapHours        int
	TargetUsers            []string
	ExcludeUsers           []string
}

// Attempt is one (user, slot) booking try.
type Attempt struct {
	User    string             `json:"user"`
	Slot    models.Slot        `json:"slot"`
	OrderID string             `json:"order_id,omitempty"`
	Err     error              `json:"-"`
	ErrText string             `json:"error,omitempty"`
	Intent  models.OrderIntent `json:"intent"`
}

// Outcome summarises one Book call.
type Outcome struct {
	Attempts  []Attempt
	Succeeded int
	// AllSucceeded is only meaningful under RequireAllUsersSuccess.
	AllSucceeded bool
}

type Booker struct {
	registry *credstore.Registry
	factory  APIFactory
	log      *logging.ComponentLogger

	// parked is shared with the parallel all-users path
	parkedMu sync.Mutex
	parked   map[string]time.Time

	mAttempts  *metrics.Counter
	mSucceeded *metrics.Counter
	mParked    *metrics.Counter
}

func New(registry *credstore.Registry, factory APIFactory, log *logging.Logger) *Booker {
	var clog *logging.ComponentLogger
	if log != nil {
		clog = log.WithComponent("booker")
	}
	return &Booker{
		registry:   registry,
		factory:    factory,
		log:        clog,
		parked:     map[string]time.Time{},
		mAttempts:  metrics.Default.Counter("booking_attempts", "Slot booking attempts"),
		mSucceeded: metrics.Default.Counter("booking_successes", "Successful slot bookings"),
		mParked:    metrics.Default.Counter("users_parked", "Accounts parked after rate limiting"),
	}
}

// Book places orders for the given open slots. Independent mode books one
// slot with the first account that works, failing over past rate limits.
// All-users mode assigns one slot per eligible account, constrained so every
// assigned start sits within MaxTimeGapHours of the others.
func (b *Booker) Book(ctx context.Context, res *resolver.Resolved, query bookingapi.SlotQuery, slots []models.Slot, policy Policy) *Outcome {
	now := time.Now()
	users := b.eligible(now, policy)
	out := &Outcome{}
	if len(users) == 0 {
		if b.log != nil {
			b.log.Warn("no eligible accounts for booking", logging.VenueID(res.VenueID))
		}
		return out
	}
	open := openSlots(slots)
	if len(open) == 0 {
		return out
	}

	if policy.RequireAllUsersSuccess {
		b.bookAll(ctx, res, query, open, users, policy, out)
	} else {
		b.bookOne(ctx, res, query, open, users, out)
	}
	return out
}

func (b *Booker) eligible(now time.Time, policy Policy) []models.User {
	users := b.registry.Eligible(now, policy.TargetUsers, policy.ExcludeUsers)
	b.parkedMu.Lock()
	defer b.parkedMu.Unlock()
	out := users[:0]
	for _, u := range users {
		if until, ok := b.parked[u.Key()]; ok {
			if now.Before(until) {
				continue
			}
			delete(b.parked, u.Key())
		}
		out = append(out, u)
	}
	return out
}

// ParkedUntil reports the parking deadline for a user key, if any.
func (b *Booker) ParkedUntil(key string) (time.Time, bool) {
	b.parkedMu.Lock()
	defer b.parkedMu.Unlock()
	until, ok := b.parked[key]
	return until, ok
}

func (b *Booker) park(key string) {
	b.parkedMu.Lock()
	b.parked[key] = time.Now().Add(parkDuration)
	b.parkedMu.Unlock()
	b.mParked.Inc(1)
	if b.log != nil {
		b.log.Warn("account parked after rate limit", logging.User(key))
	}
}

// bookOne walks accounts in order and slots in order until one order lands.
func (b *Booker) bookOne(ctx context.Context, res *resolver.Resolved, query bookingapi.SlotQuery, open []models.Slot, users []models.User, out *Outcome) {
	for _, user := range users {
		for _, slot := range open {
			attempt := b.place(ctx, user, res, query, slot)
			out.Attempts = append(out.Attempts, attempt)
			if attempt.Err == nil {
				out.Succeeded++
				return
			}
			if apperrors.IsRateLimited(attempt.Err) {
				b.park(user.Key())
				break // next account
			}
			if apperrors.Is(attempt.Err, apperrors.ErrAuthExpired) {
				break
			}
			// business rejection on this slot: try the next slot
		}
	}
}

// bookAll assigns one distinct slot to each account and requires the whole
// set to land. Slot sets are chosen so assigned start hours span no more
// than the policy gap. Submissions run in parallel, one goroutine per
// account; per-account serialisation is already guaranteed by each account's
// own client.
func (b *Booker) bookAll(ctx context.Context, res *resolver.Resolved, query bookingapi.SlotQuery, open []models.Slot, users []models.User, policy Policy, out *Outcome) {
	assigned := assignSlots(open, len(users), policy.MaxTimeGapHours)
	if assigned == nil {
		if b.log != nil {
			b.log.Warn("not enough compatible slots for all accounts",
				logging.Int("accounts", len(users)), logging.Int("open", len(open)))
		}
		return
	}

	attempts := make([]Attempt, len(users))
	var wg sync.WaitGroup
	for i, user := range users {
		wg.Add(1)
		go func(i int, user models.User) {
			defer wg.Done()
			attempts[i] = b.place(ctx, user, res, query, assigned[i])
			if attempts[i].Err != nil && apperrors.IsRateLimited(attempts[i].Err) {
				b.park(user.Key())
			}
		}(i, user)
	}
	wg.Wait()

	allOK := true
	for _, attempt := range attempts {
		out.Attempts = append(out.Attempts, attempt)
		if attempt.Err == nil {
			out.Succeeded++
		} else {
			allOK = false
		}
	}
	out.AllSucceeded = allOK
}

func (b *Booker) place(ctx context.Context, user models.User, res *resolver.Resolved, query bookingapi.SlotQuery, slot models.Slot) Attempt {
	b.mAttempts.Inc(1)
	intent := models.OrderIntent{
		VenueID:     res.VenueID,
		FieldTypeID: res.FieldTypeID,
		Date:        query.Date,
		SlotID:      slot.ID,
		Start:       slot.Start,
		End:         slot.End,
		Price:       slot.Price,
		Sign:        slot.Sign,
		SubSiteID:   slot.SubSiteID,
		FieldName:   slot.FieldName,
	}
	attempt := Attempt{User: user.Key(), Slot: slot, Intent: intent}

	api, err := b.factory(user)
	if err != nil {
		attempt.Err = err
		attempt.ErrText = err.Error()
		return attempt
	}

	refresh := func(ctx context.Context) (string, error) {
		fresh, err := api.QuerySlots(ctx, query)
		if err != nil {
			return "", err
		}
		for _, s := range fresh {
			if s.FieldName == slot.FieldName && s.Start == slot.Start {
				return s.Sign, nil
			}
		}
		return "", apperrors.NewBusiness("booker.refresh", "", "slot vanished during retry")
	}

	result, err := api.SubmitOrder(ctx, intent, refresh)
	if err != nil {
		attempt.Err = err
		attempt.ErrText = err.Error()
		if b.log != nil {
			b.log.Warn("booking attempt failed", logging.User(user.Key()),
				logging.String("slot", slot.Start+"-"+slot.End), logging.Error(err))
		}
		return attempt
	}
	attempt.OrderID = result.OrderID
	b.mSucceeded.Inc(1)
	if b.log != nil {
		b.log.Info("booking succeeded", logging.User(user.Key()),
			logging.String("order_id", result.OrderID),
			logging.String("slot", slot.Start+"-"+slot.End))
	}
	return attempt
}

func openSlots(slots []models.Slot) []models.Slot {
	out := make([]models.Slot, 0, len(slots))
	for _, s := range slots {
		if s.Available {
			out = append(out, s)
		}
	}
	return out
}

// assignSlots picks n distinct slots whose start hours all fall within
// gapHours of each other, preferring the earliest such window. Returns nil
// when no compatible set exists. gapHours <= 0 means unconstrained.
func assignSlots(open []models.Slot, n, gapHours int) []models.Slot {
	if len(open) < n {
		return nil
	}
	sorted := make([]models.Slot, len(open))
	copy(sorted, open)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartHour() < sorted[j].StartHour() })

	if gapHours <= 0 {
		return sorted[:n]
	}
	for lo := 0; lo+n <= len(sorted); lo++ {
		hi := lo + n - 1
		if sorted[hi].StartHour()-sorted[lo].StartHour() <= gapHours {
			return sorted[lo : lo+n]
		}
	}
	return nil
}
