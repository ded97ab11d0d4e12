// Package errors provides structured error types used across the application.
// We prefer these over raw fmt.Errorf strings to enable reliable checks with
// errors.Is / errors.As and to carry minimal context about the failure.
package errors

import (
	"errors"
	"fmt"
)

// ConfigError indicates invalid input/config/state provided by a caller or
// the environment: missing endpoints, unknown presets, malformed dates.
// Fatal for the calling request; never retried.
type ConfigError struct {
	Op  string // where it happened (package.Function)
	Msg string // human friendly message
	Err error  // underlying cause (optional)
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Op, e.Msg)
}

func (e *ConfigError) Unwrap() error     { return e.Err }
func (e *ConfigError) Operation() string { return e.Op }
func (e *ConfigError) Message() string   { return e.Msg }

func NewConfig(op, msg string, err error) error { return &ConfigError{Op: op, Msg: msg, Err: err} }

// AuthExpiredError means a user has no cookie or its TTL elapsed. The
// interactive login flow may recover it; otherwise it surfaces to the caller.
type AuthExpiredError struct {
	Op   string
	User string // user key, may be empty for the active user
	Err  error
}

func (e *AuthExpiredError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.User != "" {
		return fmt.Sprintf("auth expired: %s: user %s", e.Op, e.User)
	}
	return fmt.Sprintf("auth expired: %s", e.Op)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

func NewAuthExpired(op, user string) error { return &AuthExpiredError{Op: op, User: user} }

// LoginRejectedError: the CAS flow finished but the final page stayed on the
// CAS host. Msg carries whatever error text we scraped from the HTML.
type LoginRejectedError struct {
	Op  string
	Msg string
}

func (e *LoginRejectedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("login rejected: %s: %s", e.Op, e.Msg)
}

func NewLoginRejected(op, msg string) error { return &LoginRejectedError{Op: op, Msg: msg} }

// BadCaptchaError: the login submit rejected the captcha code. The state
// machine retries a few times before surfacing this.
type BadCaptchaError struct {
	Op      string
	Attempt int
}

func (e *BadCaptchaError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("bad captcha: %s: attempt %d", e.Op, e.Attempt)
}

func NewBadCaptcha(op string, attempt int) error { return &BadCaptchaError{Op: op, Attempt: attempt} }

// UpstreamError: HTTP status outside the expected set. Body is truncated to
// keep logs and notifications readable.
type UpstreamError struct {
	Op     string
	Status int
	Body   string // truncated
	Err    error
}

const maxBodySnippet = 256

func (e *UpstreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream: %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func NewUpstream(op string, status int, body string) error {
	if len(body) > maxBodySnippet {
		body = body[:maxBodySnippet]
	}
	return &UpstreamError{Op: op, Status: status, Body: body}
}

// BusinessError: upstream returned HTTP 200 but the success criterion was not
// met. Carries the server's code and message. RateLimited marks the subtype
// that triggers user failover in the monitor runtime.
type BusinessError struct {
	Op          string
	Code        string
	Msg         string
	RateLimited bool
}

func (e *BusinessError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.RateLimited {
		return fmt.Sprintf("rate limited: %s: code=%s: %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("biz: %s: code=%s: %s", e.Op, e.Code, e.Msg)
}

func NewBusiness(op, code, msg string) error {
	return &BusinessError{Op: op, Code: code, Msg: msg}
}

func NewRateLimited(op, code, msg string) error {
	return &BusinessError{Op: op, Code: code, Msg: msg, RateLimited: true}
}

// TransientError wraps network/timeout failures. Idempotent reads retry it
// internally; writes surface it as-is.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func NewTransient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// Kind sentinels for errors.Is style checks without type assertions.
var (
	ErrConfig        = &ConfigError{}
	ErrAuthExpired   = &AuthExpiredError{}
	ErrLoginRejected = &LoginRejectedError{}
	ErrBadCaptcha    = &BadCaptchaError{}
	ErrUpstream      = &UpstreamError{}
	ErrBusiness      = &BusinessError{}
	ErrTransient     = &TransientError{}
)

// Is enables errors.Is(err, ErrConfig) via errors.As semantics.
// We delegate to errors.As with the zero-value pointer of each type.
func Is(err, target error) bool {
	if err == nil || target == nil {
		return errors.Is(err, target)
	}
	switch target.(type) {
	case *ConfigError:
		var v *ConfigError
		return errors.As(err, &v)
	case *AuthExpiredError:
		var v *AuthExpiredError
		return errors.As(err, &v)
	case *LoginRejectedError:
		var v *LoginRejectedError
		return errors.As(err, &v)
	case *BadCaptchaError:
		var v *BadCaptchaError
		return errors.As(err, &v)
	case *UpstreamError:
		var v *UpstreamError
		return errors.As(err, &v)
	case *BusinessError:
		var v *BusinessError
		return errors.As(err, &v)
	case *TransientError:
		var v *TransientError
		return errors.As(err, &v)
	default:
		return errors.Is(err, target)
	}
}

// IsRateLimited reports whether err is a BusinessError carrying the
// rate-limit flag.
func IsRateLimited(err error) bool {
	var b *BusinessError
	return errors.As(err, &b) && b.RateLimited
}

// Category returns the short category label exposed to external callers in
// structured failure results.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrConfig):
		return "config"
	case Is(err, ErrAuthExpired):
		return "auth_expired"
	case Is(err, ErrLoginRejected):
		return "login_rejected"
	case Is(err, ErrBadCaptcha):
		return "bad_captcha"
	case IsRateLimited(err):
		return "rate_limited"
	case Is(err, ErrBusiness):
		return "business"
	case Is(err, ErrUpstream):
		return "upstream"
	case Is(err, ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}
