// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
)

var (
	jobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonantica",
			Name:      "api_jobs_created_total",
			Help:      "Jobs accepted through POST /jobs",
		},
		[]string{"plugin"},
	)
	jobsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonantica",
			Name:      "api_jobs_deduplicated_total",
			Help:      "Creates answered with an existing job for the subject",
		},
		[]string{"plugin"},
	)
)

type createRequest struct {
	SubjectID string         `json:"subject_id"`
	Priority  *int           `json:"priority,omitempty"`
	Input     map[string]any `json:"input_descriptor,omitempty"`
}

// handleCreateJob implements create-with-dedup: an existing pending,
// processing or completed job for the subject is returned as-is instead of
// queueing duplicate work. Failed and cancelled jobs release the subject.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithComponentFromContext(ctx, "api")

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, KindValidation, "invalid JSON body")
		return
	}
	if req.SubjectID == "" {
		writeProblem(w, KindValidation, "subject_id is required")
		return
	}

	cooling, err := s.cfg.Store.InCooldown(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if cooling {
		writeProblem(w, KindRateLimited, "plugin is cooling down, retry later")
		return
	}

	// Atomic claim: the subject key is reserved for the new id in one
	// script, so two concurrent creates for the same subject cannot both
	// mint a pending job. Losing the claim means a live job (pending,
	// processing or completed) owns the subject; answer with it.
	jobID := uuid.NewString()
	owner, err := s.cfg.Store.ClaimSubject(ctx, req.SubjectID, jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if owner != jobID {
		existing, err := s.cfg.Store.Get(ctx, owner)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		jobsDeduplicated.WithLabelValues(s.cfg.Plugin).Inc()
		logger.Info().
			Str("event", "job.deduplicated").
			Str("job_id", existing.ID).
			Str("subject_id", req.SubjectID).
			Msg("returning existing job for subject")
		writeJSON(w, http.StatusOK, existing.ToEnvelope())
		return
	}

	priority := jobs.PriorityNormal
	if req.Priority != nil {
		priority = jobs.Priority(*req.Priority)
	}

	job := jobs.New(jobID, req.SubjectID, s.cfg.Manifest.Modality, req.Input, priority)
	if err := s.cfg.Store.Save(ctx, job); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.cfg.Scheduler.Enqueue(job.Priority, job.ID); err != nil {
		writeProblem(w, KindStoreUnavailable, "scheduler is shutting down")
		return
	}

	jobsCreated.WithLabelValues(s.cfg.Plugin).Inc()
	logger.Info().
		Str("event", "job.created").
		Str("job_id", job.ID).
		Str("subject_id", job.SubjectID).
		Str("priority", job.Priority.String()).
		Msg("job accepted")
	writeJSON(w, http.StatusOK, job.ToEnvelope())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.ToEnvelope())
}

// handleCancelJob cancels a non-terminal job. Terminal jobs answer 400
// conflict; the status transition check is authoritative.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.cfg.Store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := job.MarkCancelled(); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.cfg.Store.Save(ctx, job); err != nil {
		writeStoreError(w, err)
		return
	}
	lg := log.WithComponentFromContext(ctx, "api")
	lg.Info().
		Str("event", "job.cancelled").
		Str("job_id", job.ID).
		Msg("job cancelled")
	writeJSON(w, http.StatusOK, job.ToEnvelope())
}
