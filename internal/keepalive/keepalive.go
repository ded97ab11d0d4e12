// Package keepalive periodically touches the platform with every stored
// cookie so sessions stay warm between bookings.
package keepalive

import (
	"context"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/credstore"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

const (
	DefaultInterval = 15 * time.Minute

	// a successful touch extends the cookie this far; shorter than a fresh
	// login TTL so dead upstream sessions age out
	refreshExtension = time.Hour
)

// Prober checks whether one user's cookie still authenticates and returns
// the possibly rotated cookie header afterwards.
type Prober interface {
	Probe(ctx context.Context, cookieHeader string) (alive bool, newCookie string, err error)
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context, cookieHeader string) (bool, string, error)

func (f ProbeFunc) Probe(ctx context.Context, cookieHeader string) (bool, string, error) {
	return f(ctx, cookieHeader)
}

// Refresher runs the keep-alive loop over every user in the store.
type Refresher struct {
	store    *credstore.Store
	registry *credstore.Registry
	prober   Prober
	interval time.Duration
	log      *logging.ComponentLogger

	// OnExpired, when set, is invoked for each session found dead. Set it
	// before Run.
	OnExpired func(userKey string)

	mCycles  *metrics.Counter
	mAlive   *metrics.Counter
	mExpired *metrics.Counter
}

func New(store *credstore.Store, registry *credstore.Registry, prober Prober, interval time.Duration, log *logging.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	var clog *logging.ComponentLogger
	if log != nil {
		clog = log.WithComponent("keepalive")
	}
	return &Refresher{
		store:    store,
		registry: registry,
		prober:   prober,
		interval: interval,
		log:      clog,
		mCycles:  metrics.Default.Counter("keepalive_cycles", "Keep-alive sweep cycles"),
		mAlive:   metrics.Default.Counter("keepalive_sessions_refreshed", "Sessions refreshed by keep-alive"),
		mExpired: metrics.Default.Counter("keepalive_sessions_expired", "Sessions found expired by keep-alive"),
	}
}

// Run sweeps immediately and then on every interval tick until ctx ends.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep probes every unexpired cookie once. The registry is re-synced first
// so logins that happened since the last tick are picked up, and again after
// so booking paths see refreshed expiries.
func (r *Refresher) Sweep(ctx context.Context) {
	r.mCycles.Inc(1)
	r.registry.SyncFromStore(r.store)

	now := time.Now()
	records, _ := r.store.LoadAll()
	for key, rec := range records {
		if !rec.ExpiresAt.After(now) {
			continue
		}
		r.touch(ctx, key, rec.Cookie)
		if ctx.Err() != nil {
			return
		}
	}

	r.registry.SyncFromStore(r.store)
}

func (r *Refresher) touch(ctx context.Context, key, cookie string) {
	alive, newCookie, err := r.prober.Probe(ctx, cookie)
	switch {
	case err != nil:
		// transport trouble or upstream blip: keep the cookie, try next tick
		if r.log != nil {
			r.log.Warn("keep-alive probe failed", logging.User(key), logging.Error(err))
		}
	case !alive:
		r.mExpired.Inc(1)
		if r.log != nil {
			r.log.Info("session no longer authenticates", logging.User(key))
		}
		if r.OnExpired != nil {
			r.OnExpired(key)
		}
	default:
		r.mAlive.Inc(1)
		if newCookie == "" {
			newCookie = cookie
		}
		if err := r.store.RefreshTTL(key, time.Now().Add(refreshExtension), newCookie); err != nil {
			if !apperrors.Is(err, apperrors.ErrAuthExpired) && r.log != nil {
				r.log.Warn("cookie refresh persist failed", logging.User(key), logging.Error(err))
			}
		}
	}
}
