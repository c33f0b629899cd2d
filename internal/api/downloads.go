// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
)

// IdentifyFunc resolves a free-text query to candidate tracks through an
// external metadata source.
type IdentifyFunc func(ctx context.Context, query string) ([]IdentifyResult, error)

// IdentifyResult is one candidate match for an identify query.
type IdentifyResult struct {
	Title  string `json:"title"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
	URL    string `json:"url,omitempty"`
	Source string `json:"source"`
}

// DownloadRoutes mounts the downloader's extended surface: the queue listing,
// pause/resume/cancel controls, and track identification.
type DownloadRoutes struct {
	Server   *Server
	Identify IdentifyFunc
}

// Mount registers the download routes on the authenticated router group.
func (d DownloadRoutes) Mount(r chi.Router) {
	r.Get("/downloads", d.handleList)
	r.Post("/downloads/{id}/cancel", d.handleCancel)
	r.Post("/downloads/{id}/pause", d.handlePause)
	r.Post("/downloads/{id}/resume", d.handleResume)
	r.Get("/identify", d.handleIdentify)
}

const defaultListLimit = 50

func (d DownloadRoutes) handleList(w http.ResponseWriter, r *http.Request) {
	var status jobs.Status
	if q := r.URL.Query().Get("status"); q != "" {
		status = jobs.Status(q)
		if !status.Valid() {
			writeProblem(w, KindValidation, "unknown status filter")
			return
		}
	}
	limit := defaultListLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeProblem(w, KindValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := d.Server.cfg.Store.List(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	envelopes := make([]jobs.Envelope, len(list))
	for i, job := range list {
		envelopes[i] = job.ToEnvelope()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"downloads": envelopes,
		"count":     len(envelopes),
	})
}

func (d DownloadRoutes) handleCancel(w http.ResponseWriter, r *http.Request) {
	d.Server.handleCancelJob(w, r)
}

// handlePause holds a processing download. The supervisor observes the status
// flip and stops the external process; pausing anything else is a conflict.
func (d DownloadRoutes) handlePause(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := d.Server.cfg.Store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := job.MarkPaused(); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := d.Server.cfg.Store.Save(ctx, job); err != nil {
		writeStoreError(w, err)
		return
	}
	lg := log.WithComponentFromContext(ctx, "api")
	lg.Info().
		Str("event", "download.paused").
		Str("job_id", job.ID).
		Msg("download paused")
	writeJSON(w, http.StatusOK, job.ToEnvelope())
}

// handleResume demotes a paused download back to pending and re-queues it.
func (d DownloadRoutes) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := d.Server.cfg.Store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.Status != jobs.StatusPaused {
		writeProblem(w, KindConflict, "only paused downloads can be resumed")
		return
	}
	if err := job.MarkPending(); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := d.Server.cfg.Store.Save(ctx, job); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := d.Server.cfg.Scheduler.Enqueue(job.Priority, job.ID); err != nil {
		writeProblem(w, KindStoreUnavailable, "scheduler is shutting down")
		return
	}
	lg := log.WithComponentFromContext(ctx, "api")
	lg.Info().
		Str("event", "download.resumed").
		Str("job_id", job.ID).
		Msg("download re-queued")
	writeJSON(w, http.StatusOK, job.ToEnvelope())
}

// handleIdentify answers a metadata lookup. Without an external resolver the
// endpoint degrades to an offline echo so callers can still build a download
// request by hand.
func (d DownloadRoutes) handleIdentify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeProblem(w, KindValidation, "q is required")
		return
	}
	if d.Identify == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"query":   query,
			"results": []IdentifyResult{{Title: query, Source: "offline"}},
		})
		return
	}
	results, err := d.Identify(r.Context(), query)
	if err != nil {
		lg := log.WithComponentFromContext(r.Context(), "api")
		lg.Warn().
			Str("event", "identify.failed").
			Err(err).
			Msg("identify lookup failed, falling back to offline echo")
		writeJSON(w, http.StatusOK, map[string]any{
			"query":   query,
			"results": []IdentifyResult{{Title: query, Source: "offline"}},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"results": results,
	})
}
