package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

// State represents the circuit breaker state
// Closed: normal operation; HalfOpen: testing; Open: fail fast
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// Config tunes a circuit breaker instance. Monitor loops wrap their upstream
// slot queries in a breaker so a flapping upstream is not hammered every tick.
type Config struct {
	Name string

	OperationTimeout  time.Duration // per-call timeout
	OpenFor           time.Duration // how long to stay open before probing
	MaxConsecFailures int           // consecutive failures to open
	WindowSize        int           // sliding window of recent calls
	FailureRate       float64       // 0..1 fraction in window to open
}

// ErrOpen indicates the breaker is open and calls are short-circuited.
var ErrOpen = errors.New("circuit open")

type sample struct {
	success bool
}

type Breaker struct {
	cfg        Config
	mu         sync.Mutex
	st         State
	nextProbe  time.Time
	consecFail int

	win  []sample
	idx  int
	used int

	log *logging.Logger

	mState   *metrics.Gauge
	mOpen    *metrics.Counter
	mSuccess *metrics.Counter
	mFailure *metrics.Counter
}

func New(cfg Config, log *logging.Logger) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	b := &Breaker{
		cfg:      cfg,
		st:       Closed,
		win:      make([]sample, cfg.WindowSize),
		log:      log,
		mState:   metrics.Default.Gauge("cb_"+cfg.Name+"_state", "Circuit breaker state (0=closed,1=open,2=half-open)"),
		mOpen:    metrics.Default.Counter("cb_"+cfg.Name+"_opens", "Circuit opened events"),
		mSuccess: metrics.Default.Counter("cb_"+cfg.Name+"_success", "Successful calls through circuit"),
		mFailure: metrics.Default.Counter("cb_"+cfg.Name+"_failure", "Failed calls through circuit"),
	}
	b.mState.SetFloat64(0)
	return b
}

func (b *Breaker) setStateLocked(st State) {
	if b.st == st {
		return
	}
	b.st = st
	switch st {
	case Open:
		b.mOpen.Inc(1)
		b.mState.SetFloat64(1)
	case HalfOpen:
		b.mState.SetFloat64(2)
	case Closed:
		b.mState.SetFloat64(0)
	}
	if b.log != nil {
		b.log.WithComponent("circuit").Info("breaker state change",
			logging.String("name", b.cfg.Name), logging.Int("state", int(st)))
	}
}

// record adds a sample into the ring and opens the breaker when thresholds trip.
func (b *Breaker) record(success bool) {
	b.win[b.idx] = sample{success: success}
	if b.used < len(b.win) {
		b.used++
	}
	b.idx = (b.idx + 1) % len(b.win)

	fail := 0
	for i := 0; i < b.used; i++ {
		if !b.win[i].success {
			fail++
		}
	}
	failRate := 0.0
	if b.used > 0 {
		failRate = float64(fail) / float64(b.used)
	}

	if b.st == Closed {
		if b.cfg.MaxConsecFailures > 0 && b.consecFail >= b.cfg.MaxConsecFailures {
			b.setStateLocked(Open)
			b.nextProbe = time.Now().Add(b.cfg.OpenFor)
			return
		}
		if b.cfg.FailureRate > 0 && failRate >= b.cfg.FailureRate {
			b.setStateLocked(Open)
			b.nextProbe = time.Now().Add(b.cfg.OpenFor)
		}
	}
}

// Do runs op under the breaker. If open, returns ErrOpen without calling op.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.st == Open {
		if time.Now().Before(b.nextProbe) {
			b.mu.Unlock()
			return ErrOpen
		}
		b.setStateLocked(HalfOpen)
	}
	b.mu.Unlock()

	if b.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.OperationTimeout)
		defer cancel()
	}

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.consecFail++
		b.mFailure.Inc(1)
		b.record(false)
		if b.st == HalfOpen {
			// probe failed -> open
			b.setStateLocked(Open)
			b.nextProbe = time.Now().Add(b.cfg.OpenFor)
		}
		return err
	}

	b.consecFail = 0
	b.mSuccess.Inc(1)
	b.record(true)
	if b.st == HalfOpen {
		b.setStateLocked(Closed)
	}
	return nil
}

// CurrentState reports the breaker state for health checks.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}
