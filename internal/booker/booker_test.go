package booker

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/credstore"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/resolver"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
)

// fakeUserAPI scripts per-user order outcomes.
type fakeUserAPI struct {
	user    string
	outcome func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error)
	slots   []models.Slot
}

func (f *fakeUserAPI) QuerySlots(ctx context.Context, q bookingapi.SlotQuery) ([]models.Slot, error) {
	return f.slots, nil
}

func (f *fakeUserAPI) SubmitOrder(ctx context.Context, intent models.OrderIntent, refresh bookingapi.SignRefresher) (*bookingapi.OrderResult, error) {
	return f.outcome(f.user, intent)
}

func registryWith(t *testing.T, users ...string) *credstore.Registry {
	t.Helper()
	store, err := credstore.New(filepath.Join(t.TempDir(), "c.json"), "", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range users {
		if _, err := store.Save("sid="+u, time.Now().Add(time.Hour), u, ""); err != nil {
			t.Fatal(err)
		}
	}
	reg := credstore.NewRegistry()
	reg.SyncFromStore(store)
	return reg
}

func testBooker(t *testing.T, reg *credstore.Registry, outcome func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error)) *Booker {
	t.Helper()
	return New(reg, func(u models.User) (UserAPI, error) {
		return &fakeUserAPI{user: u.Key(), outcome: outcome}, nil
	}, nil)
}

var testRes = &resolver.Resolved{VenueID: "1", FieldTypeID: "9", VenueName: "气膜体育中心"}

func slot(id, start, field string) models.Slot {
	return models.Slot{ID: id, Start: start, End: start[:2] + ":59", FieldName: field, Available: true, Sign: "sig-" + id}
}

func TestBookOneFirstUserWins(t *testing.T) {
	reg := registryWith(t, "alice", "bob")
	b := testBooker(t, reg, func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error) {
		return &bookingapi.OrderResult{OrderID: "ORD-" + user}, nil
	})

	out := b.Book(context.Background(), testRes, bookingapi.SlotQuery{Date: "2026-09-01"},
		[]models.Slot{slot("s1", "18:00", "A")}, Policy{})
	if out.Succeeded != 1 || len(out.Attempts) != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Attempts[0].User != "alice" {
		t.Fatalf("accounts not tried in sorted order: %+v", out.Attempts[0])
	}
}

func TestBookOneRateLimitFailsOverAndParks(t *testing.T) {
	reg := registryWith(t, "alice", "bob")
	b := testBooker(t, reg, func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error) {
		if user == "alice" {
			return nil, apperrors.NewRateLimited("test", "429", "请求过于频繁")
		}
		return &bookingapi.OrderResult{OrderID: "ORD-bob"}, nil
	})

	out := b.Book(context.Background(), testRes, bookingapi.SlotQuery{Date: "2026-09-01"},
		[]models.Slot{slot("s1", "18:00", "A"), slot("s2", "19:00", "B")}, Policy{})
	if out.Succeeded != 1 {
		t.Fatalf("failover did not land the order: %+v", out)
	}
	if out.Attempts[len(out.Attempts)-1].User != "bob" {
		t.Fatalf("order not placed by failover account: %+v", out.Attempts)
	}
	if _, parked := b.ParkedUntil("alice"); !parked {
		t.Fatal("rate-limited account was not parked")
	}

	// parked account skipped on the next call
	out = b.Book(context.Background(), testRes, bookingapi.SlotQuery{Date: "2026-09-01"},
		[]models.Slot{slot("s1", "18:00", "A")}, Policy{})
	for _, a := range out.Attempts {
		if a.User == "alice" {
			t.Fatal("parked account was used again")
		}
	}
}

func TestBookOneBusinessErrorTriesNextSlot(t *testing.T) {
	reg := registryWith(t, "alice")
	b := testBooker(t, reg, func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error) {
		if intent.SlotID == "s1" {
			return nil, apperrors.NewBusiness("test", "500", "该场地已满")
		}
		return &bookingapi.OrderResult{OrderID: "ORD-2"}, nil
	})

	out := b.Book(context.Background(), testRes, bookingapi.SlotQuery{Date: "2026-09-01"},
		[]models.Slot{slot("s1", "18:00", "A"), slot("s2", "19:00", "B")}, Policy{})
	if out.Succeeded != 1 || len(out.Attempts) != 2 {
		t.Fatalf("next-slot retry wrong: %+v", out)
	}
}

func TestBookAllAssignsDistinctSlotsWithinGap(t *testing.T) {
	reg := registryWith(t, "alice", "bob")
	var mu sync.Mutex
	booked := map[string]string{}
	b := testBooker(t, reg, func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error) {
		mu.Lock()
		booked[user] = intent.Start
		mu.Unlock()
		return &bookingapi.OrderResult{OrderID: "ORD-" + user}, nil
	})

	slots := []models.Slot{
		slot("s1", "08:00", "A"),
		slot("s2", "18:00", "B"),
		slot("s3", "19:00", "C"),
	}
	out := b.Book(context.Background(), testRes, bookingapi.SlotQuery{Date: "2026-09-01"},
		slots, Policy{RequireAllUsersSuccess: true, MaxTimeGapHours: 1})
	if !out.AllSucceeded || out.Succeeded != 2 {
		t.Fatalf("all-users booking failed: %+v", out)
	}
	// the 08:00 slot cannot pair with anything within 1h; 18:00+19:00 must win
	if booked["alice"] != "18:00" || booked["bob"] != "19:00" {
		t.Fatalf("gap constraint ignored: %v", booked)
	}
}

func TestBookAllNoCompatibleSetDoesNothing(t *testing.T) {
	reg := registryWith(t, "alice", "bob")
	b := testBooker(t, reg, func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error) {
		t.Error("no order should be placed")
		return nil, nil
	})

	slots := []models.Slot{slot("s1", "08:00", "A"), slot("s2", "20:00", "B")}
	out := b.Book(context.Background(), testRes, bookingapi.SlotQuery{Date: "2026-09-01"},
		slots, Policy{RequireAllUsersSuccess: true, MaxTimeGapHours: 2})
	if len(out.Attempts) != 0 {
		t.Fatalf("expected no attempts: %+v", out)
	}
}

// TestBookAllSubmitsConcurrently holds every submission on a barrier that
// only releases once all accounts have entered: a sequential walk would time
// out waiting for the second account.
func TestBookAllSubmitsConcurrently(t *testing.T) {
	reg := registryWith(t, "alice", "bob")
	release := make(chan struct{})
	var arrivals int32
	b := testBooker(t, reg, func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error) {
		if atomic.AddInt32(&arrivals, 1) == 2 {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
			t.Error("submissions did not overlap")
		}
		return &bookingapi.OrderResult{OrderID: "ORD-" + user}, nil
	})

	slots := []models.Slot{slot("s1", "18:00", "A"), slot("s2", "18:00", "B")}
	out := b.Book(context.Background(), testRes, bookingapi.SlotQuery{Date: "2026-09-01"},
		slots, Policy{RequireAllUsersSuccess: true})
	if !out.AllSucceeded || out.Succeeded != 2 {
		t.Fatalf("parallel booking failed: %+v", out)
	}
}

func TestBookAllPartialFailureReported(t *testing.T) {
	reg := registryWith(t, "alice", "bob")
	b := testBooker(t, reg, func(user string, intent models.OrderIntent) (*bookingapi.OrderResult, error) {
		if user == "bob" {
			return nil, apperrors.NewBusiness("test", "1", "失败")
		}
		return &bookingapi.OrderResult{OrderID: "ORD-a"}, nil
	})

	slots := []models.Slot{slot("s1", "18:00", "A"), slot("s2", "18:00", "B")}
	out := b.Book(context.Background(), testRes, bookingapi.SlotQuery{Date: "2026-09-01"},
		slots, Policy{RequireAllUsersSuccess: true})
	if out.AllSucceeded || out.Succeeded != 1 {
		t.Fatalf("partial failure not reported: %+v", out)
	}
}

func TestAssignSlots(t *testing.T) {
	open := []models.Slot{
		slot("a", "10:00", "A"),
		slot("b", "12:00", "B"),
		slot("c", "13:00", "C"),
	}
	if got := assignSlots(open, 2, 1); got == nil || got[0].ID != "b" {
		t.Fatalf("window selection wrong: %+v", got)
	}
	if got := assignSlots(open, 3, 1); got != nil {
		t.Fatalf("impossible set should be nil: %+v", got)
	}
	if got := assignSlots(open, 2, 0); len(got) != 2 {
		t.Fatalf("unconstrained assignment wrong: %+v", got)
	}
	if got := assignSlots(open[:1], 2, 0); got != nil {
		t.Fatal("too few slots should be nil")
	}
}
