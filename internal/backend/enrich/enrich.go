// SPDX-License-Identifier: MIT

// Package enrich adapts the Ollama generate endpoint for track knowledge
// enrichment. The adapter carries its own upstream protection (semaphore +
// request rate limit) independent of the pool's compute gate, because Ollama
// degrades badly under concurrent generate calls.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
)

const promptTemplate = "Provide 3 interesting facts about the musical context of track ID %s. Keep it concise."

// Config wires the Ollama client.
type Config struct {
	// Host is the Ollama base URL (OLLAMA_HOST).
	Host string
	// Model is the generate model name (LLM_MODEL).
	Model string
	// MaxConcurrent caps in-flight generate calls; default 2.
	MaxConcurrent int
	// Timeout bounds one generate round-trip; default 30s.
	Timeout time.Duration
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Enricher calls Ollama once per job.
type Enricher struct {
	cfg     Config
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func New(cfg Config) *Enricher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	return &Enricher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		// One request burst per second smooths batch enrichment runs.
		limiter: rate.NewLimiter(rate.Limit(1), cfg.MaxConcurrent),
		logger:  log.WithComponent("enricher"),
	}
}

func (e *Enricher) Modality() jobs.Modality { return jobs.ModalityEnrichment }

// Ready probes the Ollama root endpoint.
func (e *Enricher) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Host+"/", nil)
	if err != nil {
		return backend.Errorf(backend.KindUpstreamError, "ollama probe: %v", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return backend.Errorf(backend.KindUpstreamError, "ollama unreachable: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return backend.Errorf(backend.KindUpstreamError, "ollama status %d", resp.StatusCode)
	}
	return nil
}

func (e *Enricher) Process(ctx context.Context, job *jobs.Job, progress func(float64)) (backend.Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, wrapCtx(ctx, err)
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, wrapCtx(ctx, err)
	}
	defer e.sem.Release(1)

	progress(0.1)
	body, err := json.Marshal(generateRequest{
		Model:  e.cfg.Model,
		Prompt: fmt.Sprintf(promptTemplate, job.SubjectID),
		Stream: false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, backend.Errorf(backend.KindUpstreamError, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, wrapCtx(ctx, backend.Errorf(backend.KindUpstreamError, "ollama call: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, backend.Errorf(backend.KindRateLimited, "ollama throttled")
	case resp.StatusCode != http.StatusOK:
		return nil, backend.Errorf(backend.KindUpstreamError, "ollama status %d", resp.StatusCode)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, backend.Errorf(backend.KindUpstreamError, "ollama response: %v", err)
	}
	progress(0.9)

	e.logger.Info().
		Str("event", "enricher.done").
		Str("subject_id", job.SubjectID).
		Str("model", e.cfg.Model).
		Msg("track enriched")

	return backend.Result{
		"enrichment": gen.Response,
		"model":      e.cfg.Model,
	}, nil
}

// wrapCtx maps a context deadline to the timeout kind so the job error text
// names the real cause.
func wrapCtx(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return backend.Errorf(backend.KindTimeout, "enrichment deadline exceeded")
	}
	return err
}
