package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"

	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

// ServerOptions configures the sidecar HTTP server.
type ServerOptions struct {
	Addr            string
	HealthPath      string // default /health
	MetricsPath     string // empty disables metrics exposition
	EnableProfiling bool
	Log             *logging.Logger
}

// Server exposes health, metrics, and optional pprof endpoints.
type Server struct {
	manager *Manager
	server  *http.Server
	log     *logging.ComponentLogger
}

func NewServer(manager *Manager, opts ServerOptions) *Server {
	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	var clog *logging.ComponentLogger
	if opts.Log != nil {
		clog = opts.Log.WithComponent("health_server")
	}
	s := &Server{manager: manager, log: clog}

	r := mux.NewRouter()
	r.HandleFunc(healthPath, s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(healthPath+"/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc(healthPath+"/ready", s.handleReadiness).Methods(http.MethodGet)
	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	}
	if opts.EnableProfiling {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	s.server = &http.Server{Addr: opts.Addr, Handler: r}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves in the background.
func (s *Server) Start() {
	if s.log != nil {
		s.log.Info("health server starting", logging.String("addr", s.server.Addr))
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error("health server failed", err)
			}
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.manager.CheckAll(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": s.manager.Uptime().String(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	h := s.manager.CheckAll(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":     h.Status,
		"ready":      h.Status != StatusUnhealthy,
		"components": len(h.Components),
	})
}
