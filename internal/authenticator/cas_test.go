package authenticator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
)

// casFixture wires a fake platform and a fake CAS server together. The
// platform bounces unauthenticated visitors to CAS; a correct captcha posts
// back with a ticket that mints the session cookie.
type casFixture struct {
	platform *httptest.Server
	cas      *httptest.Server

	correctCode  string
	loginPageGET atomic.Int64
	captchaGET   atomic.Int64
	rejectMsg    string
}

func newCASFixture(t *testing.T) *casFixture {
	t.Helper()
	f := &casFixture{correctCode: "AB3D", rejectMsg: "验证码错误"}

	platformMux := http.NewServeMux()
	platformMux.HandleFunc("/pc/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ticket") != "" {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "sess-ok", Path: "/"})
			fmt.Fprint(w, "<html><body>home</body></html>")
			return
		}
		if c, err := r.Cookie("JSESSIONID"); err == nil && c.Value == "sess-ok" {
			fmt.Fprint(w, "<html><body>home</body></html>")
			return
		}
		http.Redirect(w, r, f.cas.URL+"/login?service="+url.QueryEscape(f.platform.URL+"/pc/"), http.StatusFound)
	})
	f.platform = httptest.NewServer(platformMux)

	casMux := http.NewServeMux()
	casMux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			f.loginPageGET.Add(1)
			fmt.Fprintf(w, `<html><body>
				<form method="POST" action="/login">
					<input type="hidden" name="execution" value="exec-1"/>
					<input type="hidden" name="uuid" value="uuid-42"/>
					<input type="text" name="user"/>
					<input type="password" name="pass"/>
					<img id="captcha-img" src="/captcha?uuid=uuid-42"/>
				</form></body></html>`)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostFormValue("execution") != "exec-1" {
			t.Errorf("hidden field not echoed: %v", r.PostForm)
		}
		if r.PostFormValue("captcha") != f.correctCode {
			fmt.Fprintf(w, `<html><body><script>showMessage('%s')</script></body></html>`, f.rejectMsg)
			return
		}
		service := r.URL.Query().Get("service")
		if service == "" {
			service = f.platform.URL + "/pc/"
		}
		http.Redirect(w, r, service+"?ticket=T-1", http.StatusFound)
	})
	casMux.HandleFunc("/captcha", func(w http.ResponseWriter, r *http.Request) {
		f.captchaGET.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes-" + r.URL.Query().Get("t")))
	})
	f.cas = httptest.NewServer(casMux)

	t.Cleanup(func() {
		f.platform.Close()
		f.cas.Close()
	})
	return f
}

// scriptedSolver replays a fixed sequence of guesses.
type scriptedSolver struct {
	codes []string
	confs []float64
	i     int
}

func (s *scriptedSolver) Solve(ctx context.Context, img []byte) (string, float64, error) {
	if s.i >= len(s.codes) {
		return "", 0, nil
	}
	code, conf := s.codes[s.i], s.confs[s.i]
	s.i++
	return code, conf, nil
}

// scriptedFallback replays canned codes as a stand-in for a person.
type scriptedFallback struct {
	codes []string
	calls int
}

func (s *scriptedFallback) ReadCaptcha(ctx context.Context, img []byte) (string, error) {
	if s.calls >= len(s.codes) {
		return "", fmt.Errorf("out of codes")
	}
	code := s.codes[s.calls]
	s.calls++
	return code, nil
}

func newAuth(t *testing.T, f *casFixture, solver Solver) *Authenticator {
	t.Helper()
	return newAuthWithFallback(t, f, solver, nil)
}

func newAuthWithFallback(t *testing.T, f *casFixture, solver Solver, fb HumanFallback) *Authenticator {
	t.Helper()
	auth, err := New(Options{
		BaseURL:             f.platform.URL,
		EntryPath:           "/pc/",
		Solver:              solver,
		Fallback:            fb,
		ConfidenceThreshold: 0.3,
		MaxCaptchaRetries:   3,
		CookieTTL:           8 * time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	return auth
}

func TestLoginFirstTry(t *testing.T) {
	f := newCASFixture(t)
	auth := newAuth(t, f, &scriptedSolver{codes: []string{"AB3D"}, confs: []float64{0.9}})

	res, err := auth.Login(context.Background(), "stu001", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.CookieHeader, "JSESSIONID=sess-ok") {
		t.Fatalf("cookie header missing session: %q", res.CookieHeader)
	}
	if remaining := time.Until(res.ExpiresAt); remaining < 7*time.Hour {
		t.Fatalf("TTL too short: %v", remaining)
	}
}

func TestLoginRetriesBadCaptchaWithoutReprepare(t *testing.T) {
	f := newCASFixture(t)
	auth := newAuth(t, f, &scriptedSolver{
		codes: []string{"WRONG", "AB3D"},
		confs: []float64{0.9, 0.9},
	})

	res, err := auth.Login(context.Background(), "stu001", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if res.CookieHeader == "" {
		t.Fatal("no cookie header")
	}
	if got := f.loginPageGET.Load(); got != 1 {
		t.Fatalf("login page fetched %d times, want 1 (no re-prepare)", got)
	}
	if got := f.captchaGET.Load(); got < 2 {
		t.Fatalf("captcha fetched %d times, want a fresh image per retry", got)
	}
}

func TestLoginLowConfidencePlausibleLengthStillTried(t *testing.T) {
	f := newCASFixture(t)
	// below threshold but 4 chars: submitted anyway and happens to be right
	auth := newAuth(t, f, &scriptedSolver{codes: []string{"AB3D"}, confs: []float64{0.1}})

	if _, err := auth.Login(context.Background(), "stu001", "pw"); err != nil {
		t.Fatal(err)
	}
}

func TestLoginLowConfidenceImplausibleAsksHuman(t *testing.T) {
	f := newCASFixture(t)
	// 2 chars below threshold: instead of burning the attempt, the human
	// reads the same image and types the real code
	fb := &scriptedFallback{codes: []string{"AB3D"}}
	auth := newAuthWithFallback(t, f, &scriptedSolver{codes: []string{"zz"}, confs: []float64{0.1}}, fb)

	res, err := auth.Login(context.Background(), "stu001", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.CookieHeader, "JSESSIONID=sess-ok") {
		t.Fatalf("cookie header missing session: %q", res.CookieHeader)
	}
	if fb.calls != 1 {
		t.Fatalf("fallback consulted %d times, want 1", fb.calls)
	}
}

func TestLoginPersistentBadCaptchaFallsBackToHuman(t *testing.T) {
	f := newCASFixture(t)
	// the solver is confident and wrong three times; after the retries the
	// human gets a fresh image and finishes the login
	fb := &scriptedFallback{codes: []string{"AB3D"}}
	auth := newAuthWithFallback(t, f, &scriptedSolver{
		codes: []string{"W1X2", "W3X4", "W5X6"},
		confs: []float64{0.9, 0.9, 0.9},
	}, fb)

	res, err := auth.Login(context.Background(), "stu001", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if res.CookieHeader == "" {
		t.Fatal("no cookie header")
	}
	if fb.calls != 1 {
		t.Fatalf("fallback consulted %d times, want 1", fb.calls)
	}
	if got := f.loginPageGET.Load(); got != 1 {
		t.Fatalf("login page fetched %d times, want 1 (no re-prepare)", got)
	}
}

func TestLoginFallbackOnlyNoSolver(t *testing.T) {
	f := newCASFixture(t)
	fb := &scriptedFallback{codes: []string{"AB3D"}}
	auth := newAuthWithFallback(t, f, nil, fb)

	if _, err := auth.Login(context.Background(), "stu001", "pw"); err != nil {
		t.Fatal(err)
	}
	if fb.calls != 1 {
		t.Fatalf("fallback consulted %d times, want 1", fb.calls)
	}
}

func TestLoginExhaustsCaptchaRetries(t *testing.T) {
	f := newCASFixture(t)
	auth := newAuth(t, f, &scriptedSolver{
		codes: []string{"W1", "W2", "W3"},
		confs: []float64{0.9, 0.9, 0.9},
	})

	_, err := auth.Login(context.Background(), "stu001", "pw")
	if err == nil || !apperrors.Is(err, apperrors.ErrBadCaptcha) {
		t.Fatalf("want BadCaptchaError, got %v", err)
	}
}

func TestLoginRejectedSurfacesScrapedMessage(t *testing.T) {
	f := newCASFixture(t)
	f.rejectMsg = "用户名或密码错误"
	auth := newAuth(t, f, &scriptedSolver{codes: []string{"NOPE1"}, confs: []float64{0.9}})

	_, err := auth.Login(context.Background(), "stu001", "badpw")
	if err == nil || !apperrors.Is(err, apperrors.ErrLoginRejected) {
		t.Fatalf("want LoginRejectedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "用户名或密码错误") {
		t.Fatalf("scraped message missing: %v", err)
	}
}

func TestParseLoginForm(t *testing.T) {
	page := `<html><body>
		<form action="/search"><input name="q"/></form>
		<form method="post" action="/cas/login?service=x">
			<input type="hidden" name="lt" value="LT-9"/>
			<input type="text" name="user" value=""/>
			<input type="password" name="pass"/>
			<img src="/cas/captcha?uuid=u-7"/>
		</form></body></html>`
	base, _ := url.Parse("https://cas.example.edu/cas/login")
	form, ok := parseLoginForm([]byte(page), base)
	if !ok {
		t.Fatal("form not found")
	}
	if form.Action.Path != "/cas/login" {
		t.Fatalf("wrong action: %v", form.Action)
	}
	if form.Fields.Get("lt") != "LT-9" {
		t.Fatalf("hidden field missing: %v", form.Fields)
	}
	if form.UUID != "u-7" {
		t.Fatalf("uuid not recovered: %q", form.UUID)
	}
	if form.CaptchaURL == nil || form.CaptchaURL.Host != "cas.example.edu" {
		t.Fatalf("captcha URL not resolved: %v", form.CaptchaURL)
	}
}

func TestScrapeLoginError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"id errmsg", `<div id="errmsg"> 密码错误 </div>`, "密码错误"},
		{"class error", `<p class="error">账号锁定</p>`, "账号锁定"},
		{"showMessage", `<script>showMessage('验证码有误');</script>`, "验证码有误"},
		{"msg field", `<script>var r={code:1,msg:'登录失败'};</script>`, "登录失败"},
		{"nothing", `<div>welcome</div>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scrapeLoginError([]byte(tt.body)); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionManagerInteractiveFlow(t *testing.T) {
	f := newCASFixture(t)
	auth := newAuth(t, f, nil)
	mgr := NewSessionManager(auth, nil)

	sess, err := mgr.Begin(context.Background(), "stu001", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Captcha) == 0 {
		t.Fatal("no captcha image on session")
	}

	// wrong code keeps the session alive
	if _, err := mgr.Complete(context.Background(), sess.ID, "WRONG"); !apperrors.Is(err, apperrors.ErrBadCaptcha) {
		t.Fatalf("want BadCaptchaError, got %v", err)
	}
	if _, err := mgr.RefreshCaptcha(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	res, err := mgr.Complete(context.Background(), sess.ID, "AB3D")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.CookieHeader, "JSESSIONID") {
		t.Fatalf("cookie missing: %q", res.CookieHeader)
	}

	// consumed session is gone
	if _, err := mgr.Complete(context.Background(), sess.ID, "AB3D"); !apperrors.Is(err, apperrors.ErrConfig) {
		t.Fatalf("want ConfigError for consumed session, got %v", err)
	}
}
