// Package health serves liveness and readiness probes for the gateway.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Check func() error

type Server struct {
	server  *http.Server
	router  chi.Router
	started time.Time

	mu     sync.RWMutex
	ready  bool
	checks map[string]Check
}

func NewServer(host string, port int) *Server {
	s := &Server{
		started: time.Now(),
		checks:  map[string]Check{},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	s.router = r

	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness flag reported by /ready.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// RegisterCheck adds a named readiness check; /ready fails while any
// check returns an error.
func (s *Server) RegisterCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ready := s.ready
	checks := make(map[string]Check, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.RUnlock()

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready"})
		return
	}

	failed := map[string]string{}
	for name, check := range checks {
		if err := check(); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"checks": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		fmt.Fprintf(w, `{"status":"error"}`)
	}
}
