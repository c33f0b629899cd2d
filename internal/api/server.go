// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sonantica/workers/internal/health"
	"github.com/sonantica/workers/internal/manifest"
	"github.com/sonantica/workers/internal/scheduler"
	"github.com/sonantica/workers/internal/store"
)

// Config wires the standard plugin surface. Extensions (recommendations,
// downloads) are mounted through Extend before Router is called.
type Config struct {
	Plugin   string
	Secret   string
	Manifest manifest.Manifest

	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Health    *health.Manager

	// WriteRateLimit caps mutating requests per client IP per WriteRateWindow.
	// Zero selects 60/min.
	WriteRateLimit  int
	WriteRateWindow time.Duration
}

// Server assembles the plugin HTTP surface.
type Server struct {
	cfg        Config
	extensions []func(chi.Router)
}

// New creates a server for one plugin daemon.
func New(cfg Config) *Server {
	if cfg.WriteRateLimit <= 0 {
		cfg.WriteRateLimit = 60
	}
	if cfg.WriteRateWindow <= 0 {
		cfg.WriteRateWindow = time.Minute
	}
	return &Server{cfg: cfg}
}

// Extend registers plugin-specific routes inside the authenticated group.
func (s *Server) Extend(fn func(chi.Router)) {
	s.extensions = append(s.extensions, fn)
}

// Router builds the chi handler: open observability surfaces, then the
// secret-guarded, rate-limited job API plus any extensions.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/manifest", s.handleManifest)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(requireSecret(s.cfg.Secret))

		pr.Group(func(wr chi.Router) {
			wr.Use(writeRateLimit(s.cfg.WriteRateLimit, s.cfg.WriteRateWindow))
			wr.Post("/jobs", s.handleCreateJob)
			wr.Delete("/jobs/{id}", s.handleCancelJob)
		})
		pr.Get("/jobs/{id}", s.handleGetJob)

		for _, ext := range s.extensions {
			ext(pr)
		}
	})

	return r
}

// handleHealth serves the aggregated health snapshot. Only an unhealthy
// verdict flips the status code to 503; degraded components stay 200 so
// orchestrators do not restart a daemon that is merely warming a model.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Health.Snapshot(r.Context())
	status := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Manifest)
}
