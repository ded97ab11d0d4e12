package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
)

func TestParseCookieHeader(t *testing.T) {
	cookies := ParseCookieHeader("JSESSIONID=abc123; route=node7; =bad; noeq")
	if len(cookies) != 2 {
		t.Fatalf("got %d cookies, want 2: %+v", len(cookies), cookies)
	}
	if cookies[0].Name != "JSESSIONID" || cookies[0].Value != "abc123" {
		t.Fatalf("first cookie wrong: %+v", cookies[0])
	}
	if cookies[1].Name != "route" || cookies[1].Value != "node7" {
		t.Fatalf("second cookie wrong: %+v", cookies[1])
	}
}

func TestCookieHeaderRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value != "abc" {
			t.Errorf("seeded cookie missing on request: %v", err)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, CookieHeader: "JSESSIONID=abc; route=n1"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Request(context.Background(), RequestSpec{Method: http.MethodGet, Path: "/api"}); err != nil {
		t.Fatal(err)
	}

	header := c.CookieHeader()
	if !strings.Contains(header, "JSESSIONID=abc") || !strings.Contains(header, "route=n1") {
		t.Fatalf("serialised header lost cookies: %q", header)
	}
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			// hijack and drop the connection mid-response
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resp, err := c.Request(context.Background(), RequestSpec{Method: http.MethodGet, Path: "/x"})
	if err != nil {
		t.Fatalf("retries did not recover: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status %d", resp.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
}

func TestPostDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Request(context.Background(), RequestSpec{
		Method: http.MethodPost, Path: "/order",
		Form: url.Values{"a": {"1"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("POST retried: %d calls", got)
	}
}

func TestUnexpectedStatusYieldsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Request(context.Background(), RequestSpec{Method: http.MethodPost, Path: "/x"})
	var ue *apperrors.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error is %T, want UpstreamError", err)
	}
	if ue.Status != http.StatusServiceUnavailable {
		t.Fatalf("status %d recorded", ue.Status)
	}
}

func TestExpectedStatusesPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resp, err := c.Request(context.Background(), RequestSpec{
		Method: http.MethodGet, Path: "/login",
		Expected: []int{http.StatusOK, http.StatusFound},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusFound {
		t.Fatalf("status %d", resp.Status)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	if _, err := New(Options{BaseURL: "not a url"}); err == nil {
		t.Fatal("bad base URL accepted")
	}
	if _, err := New(Options{BaseURL: ""}); err == nil {
		t.Fatal("empty base URL accepted")
	}
}
