// Package authenticator drives the CAS single-sign-on flow against the
// booking platform: fetch the login page, solve the captcha, post the form,
// chase redirects back to the platform, and hand the resulting cookies over.
package authenticator

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

const (
	maxPrepareRedirects = 8
	maxSubmitRedirects  = 5
	defaultCookieTTL    = 8 * time.Hour
	maxPageBytes        = 2 << 20
)

// Options configures an Authenticator.
type Options struct {
	BaseURL             string // platform root; the login success destination
	EntryPath           string // protected path that triggers the CAS redirect
	Solver              Solver        // nil means captcha codes must come from a human
	Fallback            HumanFallback // consulted when the solver cannot be trusted
	ConfidenceThreshold float64
	MaxCaptchaRetries   int
	CookieTTL           time.Duration
	UserAgent           string
	Timeout             time.Duration
	Log                 *logging.Logger
}

// Result is a completed login.
type Result struct {
	CookieHeader string
	ExpiresAt    time.Time
}

type Authenticator struct {
	base       *url.URL
	entry      string
	solver     Solver
	fallback   HumanFallback
	confidence float64
	maxRetries int
	ttl        time.Duration
	userAgent  string
	timeout    time.Duration
	log        *logging.ComponentLogger

	mLogins  *metrics.Counter
	mFailed  *metrics.Counter
	mCaptcha *metrics.Counter
}

func New(opts Options) (*Authenticator, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, apperrors.NewConfig("authenticator.New", "invalid base URL "+opts.BaseURL, err)
	}
	entry := opts.EntryPath
	if entry == "" {
		entry = "/pc/"
	}
	retries := opts.MaxCaptchaRetries
	if retries <= 0 {
		retries = 3
	}
	ttl := opts.CookieTTL
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var clog *logging.ComponentLogger
	if opts.Log != nil {
		clog = opts.Log.WithComponent("authenticator")
	}
	return &Authenticator{
		base:       base,
		entry:      entry,
		solver:     opts.Solver,
		fallback:   opts.Fallback,
		confidence: opts.ConfidenceThreshold,
		maxRetries: retries,
		ttl:        ttl,
		userAgent:  opts.UserAgent,
		timeout:    timeout,
		log:        clog,
		mLogins:    metrics.Default.Counter("logins_succeeded", "Completed CAS logins"),
		mFailed:    metrics.Default.Counter("logins_failed", "Failed CAS logins"),
		mCaptcha:   metrics.Default.Counter("captcha_attempts", "Captcha solve attempts"),
	}, nil
}

// flowState is one in-progress login: a dedicated cookie jar plus the scraped
// form. Captcha re-fetches reuse it without re-running Prepare.
type flowState struct {
	client  *http.Client
	form    *loginForm
	pageURL *url.URL
}

// Prepare walks from the platform entry page to the CAS login form, following
// up to eight redirects by hand, and returns the flow state plus the first
// captcha image.
func (a *Authenticator) Prepare(ctx context.Context) (*flowState, []byte, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, nil, err
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: a.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	current := a.base.ResolveReference(&url.URL{Path: a.entry})
	var body []byte
	for i := 0; i <= maxPrepareRedirects; i++ {
		status, buf, loc, err := a.get(ctx, client, current)
		if err != nil {
			return nil, nil, err
		}
		if status >= 300 && status < 400 && loc != "" {
			next, err := current.Parse(loc)
			if err != nil {
				return nil, nil, apperrors.NewUpstream("authenticator.Prepare", status, "bad redirect "+loc)
			}
			current = next
			continue
		}
		body = buf
		break
	}
	if body == nil {
		return nil, nil, apperrors.NewUpstream("authenticator.Prepare", 0, "redirect loop past limit")
	}

	form, ok := parseLoginForm(body, current)
	if !ok {
		// already signed in: the entry page rendered without a login form
		if current.Host == a.base.Host {
			return &flowState{client: client, pageURL: current}, nil, nil
		}
		return nil, nil, apperrors.NewUpstream("authenticator.Prepare", 200, "no login form on "+current.String())
	}
	st := &flowState{client: client, form: form, pageURL: current}

	img, err := a.FetchCaptcha(ctx, st)
	if err != nil {
		return nil, nil, err
	}
	return st, img, nil
}

// FetchCaptcha pulls a fresh captcha image for the prepared flow. Each call
// bumps the cache-busting timestamp so CAS issues a new image.
func (a *Authenticator) FetchCaptcha(ctx context.Context, st *flowState) ([]byte, error) {
	if st.form == nil || st.form.CaptchaURL == nil {
		return nil, apperrors.NewUpstream("authenticator.FetchCaptcha", 0, "login form has no captcha image")
	}
	u := *st.form.CaptchaURL
	q := u.Query()
	if st.form.UUID != "" {
		q.Set("uuid", st.form.UUID)
	}
	q.Set("t", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	status, buf, _, err := a.get(ctx, st.client, &u)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || len(buf) == 0 {
		return nil, apperrors.NewUpstream("authenticator.FetchCaptcha", status, "empty captcha response")
	}
	return buf, nil
}

// Submit posts the login form with the given captcha code and chases the
// redirect chain back to the platform. A final page still on the CAS host is
// a rejection; captcha-flavoured rejection text becomes BadCaptchaError.
func (a *Authenticator) Submit(ctx context.Context, st *flowState, username, password, captcha string) (*Result, error) {
	if st.form == nil {
		// Prepare found no form: the jar already authenticates
		return a.harvest(st)
	}

	form := url.Values{}
	for k, vs := range st.form.Fields {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	form.Set("user", username)
	form.Set("pass", password)
	form.Set("captcha", captcha)
	// common alternate field names; harmless extras are ignored by CAS
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, st.form.Method, st.form.Action.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", st.pageURL.Scheme+"://"+st.pageURL.Host)
	req.Header.Set("Referer", st.pageURL.String())
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := st.client.Do(req)
	if err != nil {
		return nil, apperrors.NewTransient("authenticator.Submit", err)
	}
	body, finalURL, err := a.follow(ctx, st.client, resp)
	if err != nil {
		return nil, err
	}

	if finalURL.Host != a.base.Host {
		msg := scrapeLoginError(body)
		if looksLikeCaptchaError(msg) {
			return nil, apperrors.NewBadCaptcha("authenticator.Submit", 0)
		}
		if msg == "" {
			msg = "login did not reach " + a.base.Host + " (stopped at " + finalURL.Host + ")"
		}
		a.mFailed.Inc(1)
		return nil, apperrors.NewLoginRejected("authenticator.Submit", msg)
	}
	return a.harvest(st)
}

func (a *Authenticator) harvest(st *flowState) (*Result, error) {
	cookies := st.client.Jar.Cookies(a.base)
	if len(cookies) == 0 {
		a.mFailed.Inc(1)
		return nil, apperrors.NewLoginRejected("authenticator.harvest", "no session cookies after login")
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	a.mLogins.Inc(1)
	return &Result{
		CookieHeader: strings.Join(parts, "; "),
		ExpiresAt:    time.Now().Add(a.ttl),
	}, nil
}

// Login runs the whole flow with the configured solver. Bad captchas retry up
// to maxRetries times, fetching a fresh image each time without re-preparing.
// When a fallback is configured it takes over wherever the solver cannot be
// trusted: untrustworthy guesses and exhausted retries both hand the image to
// a human instead of failing outright.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Result, error) {
	if a.solver == nil && a.fallback == nil {
		return nil, apperrors.NewConfig("authenticator.Login", "no captcha solver or fallback configured", nil)
	}
	st, img, err := a.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	if st.form == nil {
		return a.harvest(st)
	}
	if a.solver == nil {
		return a.askHuman(ctx, st, img, username, password)
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		if attempt > 1 {
			img, err = a.FetchCaptcha(ctx, st)
			if err != nil {
				return nil, err
			}
		}

		a.mCaptcha.Inc(1)
		code, conf, err := a.solver.Solve(ctx, img)
		if err != nil {
			lastErr = err
			continue
		}
		// low-confidence guesses of plausible length are still worth a shot;
		// implausible ones go to the human, or burn an attempt without one
		if conf < a.confidence && (len(code) < 4 || len(code) > 6) {
			if a.fallback != nil {
				res, ferr := a.askHuman(ctx, st, img, username, password)
				if ferr == nil {
					return res, nil
				}
				if !apperrors.Is(ferr, apperrors.ErrBadCaptcha) {
					return nil, ferr
				}
				lastErr = ferr
				continue
			}
			if a.log != nil {
				a.log.Warn("captcha guess discarded",
					logging.User(username), logging.Int("attempt", attempt))
			}
			lastErr = apperrors.NewBadCaptcha("authenticator.Login", attempt)
			continue
		}

		res, err := a.Submit(ctx, st, username, password, code)
		if err == nil {
			if a.log != nil {
				a.log.Info("login succeeded", logging.User(username), logging.Int("attempt", attempt))
			}
			return res, nil
		}
		if !apperrors.Is(err, apperrors.ErrBadCaptcha) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = apperrors.NewBadCaptcha("authenticator.Login", a.maxRetries)
	}
	// the solver is out of tries; a human can still finish the login
	if a.fallback != nil && apperrors.Is(lastErr, apperrors.ErrBadCaptcha) {
		img, err = a.FetchCaptcha(ctx, st)
		if err != nil {
			a.mFailed.Inc(1)
			return nil, err
		}
		res, ferr := a.askHuman(ctx, st, img, username, password)
		if ferr == nil {
			return res, nil
		}
		lastErr = ferr
	}
	a.mFailed.Inc(1)
	return nil, lastErr
}

// askHuman hands the current captcha image to the fallback and submits
// whatever code came back.
func (a *Authenticator) askHuman(ctx context.Context, st *flowState, img []byte, username, password string) (*Result, error) {
	code, err := a.fallback.ReadCaptcha(ctx, img)
	if err != nil {
		return nil, err
	}
	res, err := a.Submit(ctx, st, username, password, code)
	if err != nil {
		return nil, err
	}
	if a.log != nil {
		a.log.Info("login succeeded with manual captcha", logging.User(username))
	}
	return res, nil
}

// follow chases up to five redirects off a submit response, downgrading to
// GET as browsers do, and returns the final page.
func (a *Authenticator) follow(ctx context.Context, client *http.Client, resp *http.Response) ([]byte, *url.URL, error) {
	current := resp
	for i := 0; i < maxSubmitRedirects; i++ {
		if current.StatusCode < 300 || current.StatusCode >= 400 {
			break
		}
		loc := current.Header.Get("Location")
		io.Copy(io.Discard, current.Body)
		current.Body.Close()
		if loc == "" {
			return nil, nil, apperrors.NewUpstream("authenticator.follow", current.StatusCode, "redirect without Location")
		}
		next, err := current.Request.URL.Parse(loc)
		if err != nil {
			return nil, nil, apperrors.NewUpstream("authenticator.follow", current.StatusCode, "bad redirect "+loc)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next.String(), nil)
		if err != nil {
			return nil, nil, err
		}
		if a.userAgent != "" {
			req.Header.Set("User-Agent", a.userAgent)
		}
		current, err = client.Do(req)
		if err != nil {
			return nil, nil, apperrors.NewTransient("authenticator.follow", err)
		}
	}
	defer current.Body.Close()
	body, err := io.ReadAll(io.LimitReader(current.Body, maxPageBytes))
	if err != nil {
		return nil, nil, apperrors.NewTransient("authenticator.follow", err)
	}
	return body, current.Request.URL, nil
}

func (a *Authenticator) get(ctx context.Context, client *http.Client, u *url.URL) (int, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, "", err
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, "", apperrors.NewTransient("authenticator.get", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return 0, nil, "", apperrors.NewTransient("authenticator.get", err)
	}
	return resp.StatusCode, body, resp.Header.Get("Location"), nil
}

func looksLikeCaptchaError(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	return strings.Contains(msg, "验证码") || strings.Contains(lower, "captcha")
}
