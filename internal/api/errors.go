// SPDX-License-Identifier: MIT

// Package api exposes the standardized plugin job surface over HTTP: create,
// status, cancel, manifest, health, metrics, and the per-plugin extensions
// (recommendations, downloads, analytics ingest).
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/store"
)

// Kind classifies control-path failures at the HTTP boundary.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindNotFound         Kind = "not-found"
	KindConflict         Kind = "conflict"
	KindRateLimited      Kind = "rate-limited"
	KindStoreUnavailable Kind = "store-unavailable"
	KindValidation       Kind = "validation"
)

// statusFor maps kinds to HTTP status codes.
var statusFor = map[Kind]int{
	KindUnauthorized:     http.StatusUnauthorized,
	KindNotFound:         http.StatusNotFound,
	KindConflict:         http.StatusBadRequest,
	KindRateLimited:      http.StatusTooManyRequests,
	KindStoreUnavailable: http.StatusServiceUnavailable,
	KindValidation:       http.StatusBadRequest,
}

// Problem is the JSON error body.
type Problem struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind,omitempty"`
}

func writeProblem(w http.ResponseWriter, kind Kind, msg string) {
	status, ok := statusFor[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{Error: msg, Kind: kind})
}

// writeStoreError classifies job-store failures: missing keys are 404,
// reachability failures are retriable 503s.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, KindNotFound, "job not found")
	case errors.Is(err, store.ErrUnavailable):
		writeProblem(w, KindStoreUnavailable, "job store unavailable")
	case errors.Is(err, jobs.ErrConflict):
		writeProblem(w, KindConflict, err.Error())
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(Problem{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
