package keepalive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/bookingapi"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/credstore"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/httpclient"
)

func newStore(t *testing.T) *credstore.Store {
	t.Helper()
	s, err := credstore.New(filepath.Join(t.TempDir(), "cookies.json"), "", 4*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSweepRefreshesLiveSessions(t *testing.T) {
	store := newStore(t)
	reg := credstore.NewRegistry()
	if _, err := store.Save("sid=old", time.Now().Add(10*time.Minute), "alice", ""); err != nil {
		t.Fatal(err)
	}

	probed := 0
	r := New(store, reg, ProbeFunc(func(ctx context.Context, cookie string) (bool, string, error) {
		probed++
		if cookie != "sid=old" {
			t.Errorf("probe got cookie %q", cookie)
		}
		return true, "sid=rotated", nil
	}), time.Minute, nil)

	r.Sweep(context.Background())

	if probed != 1 {
		t.Fatalf("probed %d times, want 1", probed)
	}
	rec, err := store.Load("alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Cookie != "sid=rotated" {
		t.Fatalf("cookie not rotated: %q", rec.Cookie)
	}
	if time.Until(rec.ExpiresAt) < 50*time.Minute {
		t.Fatalf("TTL not extended: %v", rec.ExpiresAt)
	}
	if u, ok := reg.Get("alice"); !ok || u.Cookie != "sid=rotated" {
		t.Fatalf("registry not re-synced: %+v ok=%v", u, ok)
	}
}

func TestSweepLeavesDeadSessionAlone(t *testing.T) {
	store := newStore(t)
	reg := credstore.NewRegistry()
	expiry := time.Now().Add(10 * time.Minute)
	if _, err := store.Save("sid=dead", expiry, "bob", ""); err != nil {
		t.Fatal(err)
	}

	r := New(store, reg, ProbeFunc(func(ctx context.Context, cookie string) (bool, string, error) {
		return false, "", nil
	}), time.Minute, nil)
	r.Sweep(context.Background())

	rec, err := store.Load("bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Cookie != "sid=dead" || !rec.ExpiresAt.Equal(expiry) {
		t.Fatalf("dead session was modified: %+v", rec)
	}
}

func TestSweepSkipsExpiredCookies(t *testing.T) {
	store := newStore(t)
	reg := credstore.NewRegistry()
	if _, err := store.Save("sid=live", time.Now().Add(time.Hour), "carol", ""); err != nil {
		t.Fatal(err)
	}

	var probedCookies []string
	r := New(store, reg, ProbeFunc(func(ctx context.Context, cookie string) (bool, string, error) {
		probedCookies = append(probedCookies, cookie)
		return true, "", nil
	}), time.Minute, nil)
	r.Sweep(context.Background())

	if len(probedCookies) != 1 || probedCookies[0] != "sid=live" {
		t.Fatalf("probed %v, want only the live cookie", probedCookies)
	}
}

// TestSweepUpstream401MarksSessionDead drives the sweep through a real
// current-user probe: a 401 reply must count as a dead session (no TTL
// extension, OnExpired fired), not as a transport error.
func TestSweepUpstream401MarksSessionDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":401,"msg":"未登录"}`))
	}))
	defer srv.Close()

	store := newStore(t)
	reg := credstore.NewRegistry()
	expiry := time.Now().Add(20 * time.Minute)
	if _, err := store.Save("sid=stale", expiry, "erin", ""); err != nil {
		t.Fatal(err)
	}

	prober := ProbeFunc(func(ctx context.Context, cookie string) (bool, string, error) {
		client, err := httpclient.New(httpclient.Options{BaseURL: srv.URL, CookieHeader: cookie})
		if err != nil {
			return false, "", err
		}
		defer client.Close()
		api := bookingapi.New(bookingapi.Options{
			Client:    client,
			Endpoints: bookingapi.Endpoints{CurrentUser: "/system/user/currentUser"},
		})
		_, authed, err := api.CheckLogin(ctx)
		if err != nil {
			return false, "", err
		}
		return authed, client.CookieHeader(), nil
	})

	var expired []string
	r := New(store, reg, prober, time.Minute, nil)
	r.OnExpired = func(key string) { expired = append(expired, key) }
	r.Sweep(context.Background())

	if len(expired) != 1 || expired[0] != "erin" {
		t.Fatalf("expired callback wrong: %v", expired)
	}
	rec, err := store.Load("erin")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ExpiresAt.Equal(expiry) {
		t.Fatalf("dead session had its TTL extended: %v", rec.ExpiresAt)
	}
}

func TestSweepTransportErrorKeepsCookie(t *testing.T) {
	store := newStore(t)
	reg := credstore.NewRegistry()
	expiry := time.Now().Add(30 * time.Minute)
	if _, err := store.Save("sid=x", expiry, "dave", ""); err != nil {
		t.Fatal(err)
	}

	r := New(store, reg, ProbeFunc(func(ctx context.Context, cookie string) (bool, string, error) {
		return false, "", context.DeadlineExceeded
	}), time.Minute, nil)
	r.Sweep(context.Background())

	rec, err := store.Load("dave")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ExpiresAt.Equal(expiry) {
		t.Fatalf("expiry changed on transport error: %v", rec.ExpiresAt)
	}
}
