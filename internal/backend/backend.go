// SPDX-License-Identifier: MIT

// Package backend defines the compute capability contract the worker pool
// drives. Each plugin wires exactly one Backend variant (embed, separate,
// enrich, download); the pool is generic over the interface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sonantica/workers/internal/jobs"
)

// Result is the modality-specific artifact handle recorded on a completed
// job (vector metadata, stem paths, enrichment text, downloaded files).
type Result = map[string]any

// Backend wraps a heavy external compute step behind a uniform contract.
// Process must honor ctx cancellation and may report progress in [0,1]
// through the callback; both are optional for short-running variants.
type Backend interface {
	Modality() jobs.Modality
	Process(ctx context.Context, job *jobs.Job, progress func(float64)) (Result, error)
	// Ready reports nil when the backend can accept work (model loaded or
	// loadable, tooling present, upstream reachable).
	Ready(ctx context.Context) error
}

// Kind classifies backend failures for the job error text and the health
// surface.
type Kind string

const (
	KindLoadFailed      Kind = "load-failed"
	KindDecodeFailed    Kind = "decode-failed"
	KindInferenceFailed Kind = "inference-failed"
	KindIOFailed        Kind = "io-failed"
	KindUpstreamError   Kind = "upstream-error"
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate-limited"
	KindNotFound        Kind = "not-found"
	KindToolingMissing  Kind = "tooling-missing"
)

// Error tags a backend failure with its kind. The worker records
// err.Error() as the job's error text.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a kind-tagged backend error.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err, or "" when untagged.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// Lazy guards one-time backend initialization so the first call absorbs the
// load cost and subsequent calls observe the cached outcome.
type Lazy struct {
	once sync.Once
	err  error
}

// Do runs fn exactly once and returns its (cached) error on every call.
func (l *Lazy) Do(fn func() error) error {
	l.once.Do(func() {
		l.err = fn()
	})
	return l.err
}
