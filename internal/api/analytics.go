// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sonantica/workers/internal/analytics"
	"github.com/sonantica/workers/internal/health"
	"github.com/sonantica/workers/internal/log"
)

// AnalyticsConfig wires the analytics daemon's surface: event ingest into the
// durable aggregator plus the real-time read endpoints.
type AnalyticsConfig struct {
	Secret     string
	Aggregator *analytics.Aggregator
	Realtime   *analytics.Realtime
	Health     *health.Manager
}

type analyticsServer struct {
	cfg AnalyticsConfig
}

// NewAnalyticsRouter builds the analytics daemon handler.
func NewAnalyticsRouter(cfg AnalyticsConfig) http.Handler {
	s := &analyticsServer{cfg: cfg}

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(requireSecret(cfg.Secret))

		pr.Post("/events", s.handleEvent)
		pr.Post("/events/batch", s.handleBatch)
		pr.Get("/stats/realtime", s.handleRealtime)
		pr.Get("/stats/trending", s.handleTrending)
	})

	return r
}

func (s *analyticsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Health.Snapshot(r.Context())
	status := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// handleEvent ingests one playback event: durable upserts first, then the
// best-effort real-time counters. A counter failure never fails the ingest.
func (s *analyticsServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev analytics.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeProblem(w, KindValidation, "invalid JSON body")
		return
	}
	if err := ev.Validate(); err != nil {
		writeProblem(w, KindValidation, err.Error())
		return
	}

	if ev.SessionID != "" {
		if err := s.cfg.Aggregator.EnsureSession(ctx, ev.SessionID, ev.Time().UnixMilli()); err != nil {
			writeProblem(w, KindStoreUnavailable, "analytics storage unavailable")
			return
		}
	}
	if err := s.cfg.Aggregator.Process(ctx, ev); err != nil {
		writeProblem(w, KindStoreUnavailable, "analytics storage unavailable")
		return
	}
	s.recordRealtime(r, ev)

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

type batchRequest struct {
	Events []analytics.Event `json:"events"`
}

// handleBatch ingests a batch with per-event tolerance: one bad event is
// logged and skipped, the rest still land.
func (s *analyticsServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, KindValidation, "invalid JSON body")
		return
	}
	if len(req.Events) == 0 {
		writeProblem(w, KindValidation, "events must not be empty")
		return
	}

	applied := s.cfg.Aggregator.ProcessBatch(ctx, req.Events)
	for _, ev := range req.Events {
		if ev.Validate() == nil {
			s.recordRealtime(r, ev)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"received":  len(req.Events),
		"processed": applied,
	})
}

func (s *analyticsServer) recordRealtime(r *http.Request, ev analytics.Event) {
	if s.cfg.Realtime == nil {
		return
	}
	if err := s.cfg.Realtime.Record(r.Context(), ev); err != nil {
		lg := log.WithComponentFromContext(r.Context(), "api")
		lg.Warn().
			Str("event", "analytics.realtime_failed").
			Err(err).
			Msg("real-time counters not updated")
	}
}

func (s *analyticsServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.cfg.Realtime.ActiveSessions(ctx)
	if err != nil {
		writeProblem(w, KindStoreUnavailable, "real-time store unavailable")
		return
	}
	events, err := s.cfg.Realtime.EventsThisMinute(ctx)
	if err != nil {
		writeProblem(w, KindStoreUnavailable, "real-time store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions":    sessions,
		"events_this_minute": events,
	})
}

func (s *analyticsServer) handleTrending(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeProblem(w, KindValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.cfg.Realtime.Trending(r.Context(), limit)
	if err != nil {
		writeProblem(w, KindStoreUnavailable, "real-time store unavailable")
		return
	}
	type trendingEntry struct {
		TrackID string  `json:"track_id"`
		Plays   float64 `json:"plays"`
	}
	out := make([]trendingEntry, 0, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		out = append(out, trendingEntry{TrackID: id, Plays: z.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trending": out})
}
