// Package diag serves the Mesh's read-only operational side-channel: a
// small gorilla/mux HTTP server exposing /healthz, /status, and /metrics.
// It carries no message traffic of its own and is entirely separate from
// the TCP wire protocol (SPEC_FULL.md §10.5).
//
// Grounded on the teacher's internal/node/server.go Router()/healthHandler/
// statusHandler, trimmed to the subset that makes sense for a process with
// no HTTP data plane of its own.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider supplies the live counts shown by the /status endpoint.
type StatusProvider interface {
	PeerCount() int
	ProxyCount() int
}

// Server is the diagnostics HTTP server.
type Server struct {
	addr     string
	registry *prometheus.Registry
	status   StatusProvider
	started  time.Time
	http     *http.Server
}

// New constructs a diagnostics server bound to addr, reporting metrics
// registered in registry and live counts from status.
func New(addr string, registry *prometheus.Registry, status StatusProvider) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		status:   status,
		started:  time.Now(),
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe starts the server; it blocks until the server is shut
// down or fails to bind.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the diagnostics server.
func (s *Server) Shutdown() error {
	return s.http.Shutdown(context.Background())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.started).String(),
		"memory": map[string]interface{}{
			"alloc_bytes": m.Alloc,
			"num_gc":      m.NumGC,
		},
	}
	if s.status != nil {
		status["peers"] = s.status.PeerCount()
		status["proxies"] = s.status.ProxyCount()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}
