// SPDX-License-Identifier: MIT

// Package health aggregates component checks into the plugin health surface.
package health

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/store"
)

// Status is the overall or per-component health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Response is the health payload served on /health.
type Response struct {
	Status      Status                 `json:"status"`
	Plugin      string                 `json:"plugin"`
	GPU         bool                   `json:"gpu"`
	ActiveJobs  int                    `json:"active_jobs"`
	ModelCached bool                   `json:"model_cached"`
	Timestamp   time.Time              `json:"timestamp"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one named component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager collects checkers and assembles the health response.
type Manager struct {
	plugin   string
	checkers []Checker
	store    *store.Store
	be       backend.Backend

	// modelCached flips once the backend reported ready; lazy loads stay
	// visible on the surface until the first successful probe. Atomic:
	// concurrent /health requests write and read it.
	modelCached atomic.Bool
}

func NewManager(plugin string, st *store.Store, be backend.Backend) *Manager {
	m := &Manager{plugin: plugin, store: st, be: be}
	if st != nil {
		m.RegisterChecker(&storeChecker{st})
	}
	if be != nil {
		m.RegisterChecker(&backendChecker{m})
	}
	return m
}

func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Snapshot runs all checks and assembles the payload. Degraded components
// keep the surface at 200; only an unhealthy store flips it to 503 at the
// HTTP boundary.
func (m *Manager) Snapshot(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Plugin:    m.plugin,
		GPU:       gpuAvailable(),
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(m.checkers)),
	}

	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}

	if m.store != nil {
		if n, err := m.store.CountByStatus(ctx, jobs.StatusPending, jobs.StatusProcessing); err == nil {
			resp.ActiveJobs = n
		}
	}
	resp.ModelCached = m.modelCached.Load()
	return resp
}

type storeChecker struct {
	store *store.Store
}

func (c *storeChecker) Name() string { return "store" }

func (c *storeChecker) Check(ctx context.Context) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.store.Ping(cctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

type backendChecker struct {
	m *Manager
}

func (c *backendChecker) Name() string { return "backend" }

// Check probes backend readiness. An unready backend degrades rather than
// kills the surface: the job API still accepts work that will fail fast.
func (c *backendChecker) Check(ctx context.Context) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.m.be.Ready(cctx); err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error()}
	}
	c.m.modelCached.Store(true)
	return CheckResult{Status: StatusHealthy}
}

// gpuAvailable reports whether an NVIDIA device node is visible to this
// process.
func gpuAvailable() bool {
	for _, dev := range []string{"/dev/nvidia0", "/dev/nvidiactl"} {
		if _, err := os.Stat(dev); err == nil {
			return true
		}
	}
	return false
}
