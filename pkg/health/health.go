// Package health aggregates component probes and serves them over HTTP
// alongside the metrics endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
)

// Status grades one component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ComponentHealth is one probe result.
type ComponentHealth struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SystemHealth is the aggregate view.
type SystemHealth struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     time.Duration              `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) ComponentHealth
}

func NewCheckFunc(name string, fn func(ctx context.Context) ComponentHealth) Checker {
	return CheckFunc{name: name, fn: fn}
}

func (c CheckFunc) Name() string                              { return c.name }
func (c CheckFunc) Check(ctx context.Context) ComponentHealth { return c.fn(ctx) }

// Manager runs registered checkers concurrently under a shared timeout.
type Manager struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	startTime time.Time
	timeout   time.Duration
	log       *logging.ComponentLogger
}

func NewManager(timeout time.Duration, log *logging.Logger) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var clog *logging.ComponentLogger
	if log != nil {
		clog = log.WithComponent("health")
	}
	return &Manager{
		checkers:  map[string]Checker{},
		startTime: time.Now(),
		timeout:   timeout,
		log:       clog,
	}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
	if m.log != nil {
		m.log.Info("health checker registered", logging.String("checker", c.Name()))
	}
}

// CheckAll probes every component concurrently.
func (m *Manager) CheckAll(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make(chan ComponentHealth, len(checkers))
	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			results <- c.Check(cctx)
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	components := map[string]ComponentHealth{}
	for r := range results {
		components[r.Name] = r
	}

	return SystemHealth{
		Status:     overall(components),
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
		Components: components,
	}
}

// Uptime reports how long the manager has been alive.
func (m *Manager) Uptime() time.Duration { return time.Since(m.startTime) }

func overall(components map[string]ComponentHealth) Status {
	if len(components) == 0 {
		return StatusUnknown
	}
	degraded := false
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// DatabaseChecker pings the optional MySQL pool.
type DatabaseChecker struct {
	db   *sql.DB
	name string
}

func NewDatabaseChecker(db *sql.DB, name string) *DatabaseChecker {
	return &DatabaseChecker{db: db, name: name}
}

func (c *DatabaseChecker) Name() string { return c.name }

func (c *DatabaseChecker) Check(ctx context.Context) ComponentHealth {
	start := time.Now()
	result := ComponentHealth{Name: c.name, LastChecked: start, Metadata: map[string]any{}}

	if err := c.db.PingContext(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "database unreachable"
		result.Duration = time.Since(start)
		return result
	}
	stats := c.db.Stats()
	result.Metadata["open_connections"] = stats.OpenConnections
	result.Metadata["in_use"] = stats.InUse
	result.Metadata["wait_count"] = stats.WaitCount
	result.Status = StatusHealthy
	result.Message = "database reachable"
	result.Duration = time.Since(start)
	return result
}

// UpstreamChecker probes the booking platform root. The agent still works
// while the upstream is down, so failures grade as degraded.
type UpstreamChecker struct {
	client *http.Client
	url    string
	name   string
}

func NewUpstreamChecker(url, name string, timeout time.Duration) *UpstreamChecker {
	return &UpstreamChecker{
		client: &http.Client{Timeout: timeout},
		url:    url,
		name:   name,
	}
}

func (c *UpstreamChecker) Name() string { return c.name }

func (c *UpstreamChecker) Check(ctx context.Context) ComponentHealth {
	start := time.Now()
	result := ComponentHealth{Name: c.name, LastChecked: start, Metadata: map[string]any{"url": c.url}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	resp, err := c.client.Do(req)
	if err != nil {
		result.Status = StatusDegraded
		result.Error = err.Error()
		result.Message = "upstream unreachable"
		result.Duration = time.Since(start)
		return result
	}
	resp.Body.Close()
	result.Metadata["status_code"] = resp.StatusCode
	switch {
	case resp.StatusCode < 500:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("upstream responding (status %d)", resp.StatusCode)
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("upstream erroring (status %d)", resp.StatusCode)
	}
	result.Duration = time.Since(start)
	return result
}

// FileChecker verifies a state file's directory is writable.
type FileChecker struct {
	path string
	name string
}

func NewFileChecker(path, name string) *FileChecker {
	return &FileChecker{path: path, name: name}
}

func (c *FileChecker) Name() string { return c.name }

func (c *FileChecker) Check(_ context.Context) ComponentHealth {
	start := time.Now()
	result := ComponentHealth{Name: c.name, LastChecked: start, Metadata: map[string]any{"path": c.path}}

	probe := c.path + ".probe"
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "state location not writable"
		result.Duration = time.Since(start)
		return result
	}
	os.Remove(probe)
	result.Status = StatusHealthy
	result.Message = "state location writable"
	result.Duration = time.Since(start)
	return result
}
