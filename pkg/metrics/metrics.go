package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Simple, dependency-free metrics with Prometheus text exposition.
// Keep implementation minimal: atomic values, mutex-protected registries.

// Counter is a monotonically increasing number.
type Counter struct {
	name string
	help string
	val  int64 // atomic
}

func (c *Counter) Inc(delta int64) { atomic.AddInt64(&c.val, delta) }
func (c *Counter) Get() int64      { return atomic.LoadInt64(&c.val) }

// Gauge is an arbitrary number that can go up and down.
type Gauge struct {
	name string
	help string
	f64  uint64 // float64 bits, atomic
}

func (g *Gauge) SetFloat64(v float64) { atomic.StoreUint64(&g.f64, math.Float64bits(v)) }
func (g *Gauge) AddFloat64(delta float64) {
	for {
		old := atomic.LoadUint64(&g.f64)
		nv := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(&g.f64, old, math.Float64bits(nv)) {
			return
		}
	}
}
func (g *Gauge) GetFloat64() float64 { return math.Float64frombits(atomic.LoadUint64(&g.f64)) }

// Histogram with fixed cumulative buckets plus sum/count.
type Histogram struct {
	name    string
	help    string
	buckets []float64 // sorted ascending, last is +Inf sentinel
	counts  []uint64  // atomics per bucket
	sum     uint64    // float64 bits, atomic
	count   uint64
}

func (h *Histogram) Observe(v float64) {
	idx := len(h.counts) - 1
	for i, ub := range h.buckets {
		if v <= ub {
			idx = i
			break
		}
	}
	atomic.AddUint64(&h.counts[idx], 1)
	atomic.AddUint64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		nv := math.Float64frombits(old) + v
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(nv)) {
			return
		}
	}
}

// Registry holds all metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

var Default = NewRegistry()

func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: sanitize(name), help: help}
	r.counters[name] = c
	return c
}

func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: sanitize(name), help: help}
	r.gauges[name] = g
	return g
}

func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	sorted := append([]float64{}, buckets...)
	sort.Float64s(sorted)
	if len(sorted) == 0 || !math.IsInf(sorted[len(sorted)-1], 1) {
		sorted = append(sorted, math.Inf(1))
	}
	h := &Histogram{name: sanitize(name), help: help, buckets: sorted, counts: make([]uint64, len(sorted))}
	r.histograms[name] = h
	return h
}

// Handler returns an http.Handler that exposes metrics in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		r.mu.RLock()
		cn := keys(r.counters)
		gn := keys(r.gauges)
		hn := keys(r.histograms)
		counters := r.counters
		gauges := r.gauges
		histograms := r.histograms
		r.mu.RUnlock()

		for _, name := range cn {
			c := counters[name]
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, escapeHelp(c.help))
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n", c.name, c.Get())
		}
		for _, name := range gn {
			g := gauges[name]
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, escapeHelp(g.help))
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s %g\n", g.name, g.GetFloat64())
		}
		for _, name := range hn {
			h := histograms[name]
			fmt.Fprintf(w, "# HELP %s %s\n", h.name, escapeHelp(h.help))
			fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
			var cum uint64
			for i, ub := range h.buckets {
				cum += atomic.LoadUint64(&h.counts[i])
				label := fmt.Sprintf("%g", ub)
				if math.IsInf(ub, 1) {
					label = "+Inf"
				}
				fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", h.name, label, cum)
			}
			sum := math.Float64frombits(atomic.LoadUint64(&h.sum))
			fmt.Fprintf(w, "%s_sum %g\n", h.name, sum)
			fmt.Fprintf(w, "%s_count %d\n", h.name, atomic.LoadUint64(&h.count))
		}
	})
}

// Handler exposes the Default registry.
func Handler() http.Handler { return Default.Handler() }

func sanitize(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

func escapeHelp(s string) string { return strings.ReplaceAll(s, "\n", " ") }

func keys[T any](m map[string]T) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// Timer is a minimal helper for observing durations into a histogram.
type Timer struct {
	h     *Histogram
	start time.Time
}

func (h *Histogram) Start() Timer { return Timer{h: h, start: time.Now()} }
func (t Timer) Observe() {
	if t.h != nil {
		t.h.Observe(float64(time.Since(t.start).Milliseconds()))
	}
}
