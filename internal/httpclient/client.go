// Package httpclient provides the per-user HTTP session against the booking
// platform. Clients are never shared across users or jobs: each carries its
// own cookie jar, and requests through one client are strictly serialised so
// per-user order submissions never overlap.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

const DefaultTimeout = 10 * time.Second

const readRetries = 3

// Options configures a client.
type Options struct {
	BaseURL      string
	CookieHeader string // "name=value; ..." as stored by the credential store
	UserAgent    string
	Timeout      time.Duration
	Log          *logging.Logger
}

// Client is one user's HTTP session.
type Client struct {
	base      *url.URL
	hc        *http.Client
	userAgent string
	log       *logging.ComponentLogger

	// one in-flight request per user client
	mu sync.Mutex

	mRequests *metrics.Counter
	mErrors   *metrics.Counter
	mLatency  *metrics.Histogram
}

// New builds a client whose jar is seeded from the stored cookie header,
// scoped to the base host.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, apperrors.NewConfig("httpclient.New", "invalid base URL "+opts.BaseURL, err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	if opts.CookieHeader != "" {
		jar.SetCookies(base, ParseCookieHeader(opts.CookieHeader))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var clog *logging.ComponentLogger
	if opts.Log != nil {
		clog = opts.Log.WithComponent("http")
	}
	return &Client{
		base:      base,
		userAgent: opts.UserAgent,
		log:       clog,
		hc: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		mRequests: metrics.Default.Counter("upstream_requests", "Upstream HTTP requests"),
		mErrors:   metrics.Default.Counter("upstream_request_errors", "Upstream HTTP request failures"),
		mLatency:  metrics.Default.Histogram("upstream_request_ms", "Upstream request latency (ms)", []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000}),
	}, nil
}

// ParseCookieHeader splits an opaque "k=v; k2=v2" header into cookies.
func ParseCookieHeader(header string) []*http.Cookie {
	var out []*http.Cookie
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		out = append(out, &http.Cookie{Name: kv[0], Value: kv[1]})
	}
	return out
}

// CookieHeader serialises the jar's cookies for the base URL back into the
// stored header form.
func (c *Client) CookieHeader() string {
	cookies := c.hc.Jar.Cookies(c.base)
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// BaseURL returns the configured platform root.
func (c *Client) BaseURL() *url.URL { return c.base }

// Close releases idle connections.
func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}

// RequestSpec describes one upstream call.
type RequestSpec struct {
	Method   string
	Path     string // joined onto the base URL; absolute URLs pass through
	Params   url.Values
	JSON     any        // marshalled body, application/json
	Form     url.Values // x-www-form-urlencoded body
	RawBody  []byte     // pre-encoded body (the encrypted order envelope)
	Headers  map[string]string
	Expected []int // empty means {200}
}

// Response is the decoded upstream reply.
type Response struct {
	Status int
	Body   []byte
}

// JSONMap unmarshals the body into a generic map.
func (r *Response) JSONMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(r.Body, &m); err != nil {
		return nil, fmt.Errorf("httpclient: decode body: %w", err)
	}
	return m, nil
}

// Decode unmarshals the body into out.
func (r *Response) Decode(out any) error {
	return json.Unmarshal(r.Body, out)
}

// Request performs one call. Idempotent GETs retry transient failures up to
// three times; everything else surfaces the first error. A status outside the
// expected set yields UpstreamError.
func (c *Client) Request(ctx context.Context, spec RequestSpec) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := 1
	if spec.Method == http.MethodGet {
		attempts = readRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, apperrors.NewTransient("httpclient.Request", ctx.Err())
			case <-time.After(time.Duration(i) * 500 * time.Millisecond):
			}
		}
		resp, err := c.do(ctx, spec)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !apperrors.Is(err, apperrors.ErrTransient) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, spec RequestSpec) (*Response, error) {
	u, err := c.resolve(spec.Path)
	if err != nil {
		return nil, err
	}
	if len(spec.Params) > 0 {
		q := u.Query()
		for k, vs := range spec.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case spec.JSON != nil:
		buf, err := json.Marshal(spec.JSON)
		if err != nil {
			return nil, fmt.Errorf("httpclient: marshal json body: %w", err)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json;charset=UTF-8"
	case spec.Form != nil:
		body = strings.NewReader(spec.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case spec.RawBody != nil:
		body = bytes.NewReader(spec.RawBody)
		contentType = "application/json;charset=UTF-8"
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	c.setDefaultHeaders(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	c.mRequests.Inc(1)
	timer := c.mLatency.Start()
	resp, err := c.hc.Do(req)
	timer.Observe()
	if err != nil {
		c.mErrors.Inc(1)
		return nil, apperrors.NewTransient("httpclient."+spec.Method, err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.mErrors.Inc(1)
		return nil, apperrors.NewTransient("httpclient.read", err)
	}

	expected := spec.Expected
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}
	ok := false
	for _, s := range expected {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		c.mErrors.Inc(1)
		if c.log != nil {
			c.log.Warn("unexpected upstream status",
				logging.String("path", spec.Path), logging.Int("status", resp.StatusCode))
		}
		return nil, apperrors.NewUpstream("httpclient."+spec.Method+" "+spec.Path, resp.StatusCode, string(buf))
	}

	return &Response{Status: resp.StatusCode, Body: buf}, nil
}

func (c *Client) resolve(path string) (*url.URL, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return url.Parse(path)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, apperrors.NewConfig("httpclient.resolve", "bad path "+path, err)
	}
	return c.base.ResolveReference(ref), nil
}

func (c *Client) setDefaultHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", c.base.String()+"/pc/")
	req.Header.Set("Origin", c.base.Scheme+"://"+c.base.Host)
}
