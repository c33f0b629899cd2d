// SPDX-License-Identifier: MIT

// Package embed adapts the external audio-embedding CLI. The tool mono-mixes,
// resamples and truncates the input itself; this adapter owns process
// supervision, output decoding and the vector-store write.
package embed

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
	"github.com/sonantica/workers/internal/vector"
)

// Config wires the embedder CLI.
type Config struct {
	// Command is the embedder binary; it must print an output document on
	// stdout and exit non-zero on failure.
	Command string
	// ModelName selects the model checkpoint (AI_MODEL_NAME).
	ModelName string
	// MaxDurationSeconds bounds the analysis window to bound memory.
	MaxDurationSeconds int
	// MediaPath roots relative audio paths from job inputs.
	MediaPath string
}

// output is the CLI's stdout document.
type output struct {
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
}

// Embedder runs the CLI per job and upserts the resulting vector.
type Embedder struct {
	cfg     Config
	vectors *vector.Repository
	load    backend.Lazy
	logger  zerolog.Logger
}

// New creates an embedder writing into the audio-spectral modality table.
func New(cfg Config, vectors *vector.Repository) *Embedder {
	if cfg.Command == "" {
		cfg.Command = "sonantica-embed"
	}
	if cfg.MaxDurationSeconds <= 0 {
		cfg.MaxDurationSeconds = 120
	}
	return &Embedder{cfg: cfg, vectors: vectors, logger: log.WithComponent("embedder")}
}

func (e *Embedder) Modality() jobs.Modality { return jobs.ModalityEmbedding }

// Ready verifies the CLI is resolvable and the model checkpoint loads.
func (e *Embedder) Ready(ctx context.Context) error {
	if _, err := exec.LookPath(e.cfg.Command); err != nil {
		return backend.Errorf(backend.KindToolingMissing, "%s not in PATH", e.cfg.Command)
	}
	return e.warmup(ctx)
}

// warmup loads the model once; the first caller absorbs the cost.
func (e *Embedder) warmup(ctx context.Context) error {
	return e.load.Do(func() error {
		e.logger.Info().Str("event", "embedder.load").Str("model", e.cfg.ModelName).Msg("loading embedding model")
		cmd := exec.CommandContext(ctx, e.cfg.Command, "warmup", "--model", e.cfg.ModelName)
		if out, err := cmd.CombinedOutput(); err != nil {
			return backend.Errorf(backend.KindLoadFailed, "model load: %v: %s", err, out)
		}
		return nil
	})
}

func (e *Embedder) Process(ctx context.Context, job *jobs.Job, progress func(float64)) (backend.Result, error) {
	if err := e.warmup(ctx); err != nil {
		return nil, err
	}

	path, _ := job.Input["path"].(string)
	if path == "" {
		return nil, backend.Errorf(backend.KindDecodeFailed, "job %s has no input path", job.ID)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.cfg.MediaPath, path)
	}

	progress(0.1)
	cmd := exec.CommandContext(ctx, e.cfg.Command, "embed",
		"--model", e.cfg.ModelName,
		"--max-duration", strconv.Itoa(e.cfg.MaxDurationSeconds),
		path,
	)
	raw, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, backend.Errorf(backend.KindInferenceFailed, "embedder exited: %v", err)
	}
	progress(0.8)

	var out output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, backend.Errorf(backend.KindDecodeFailed, "embedder output: %v", err)
	}
	if len(out.Vector) == 0 {
		return nil, backend.Errorf(backend.KindInferenceFailed, "embedder returned an empty vector")
	}
	if out.ModelVersion == "" {
		out.ModelVersion = e.cfg.ModelName
	}

	// Vector storage is eventually consistent with job success: a failed
	// upsert logs but does not retract the embedding work.
	if err := e.vectors.Upsert(ctx, vector.ModalityAudio, job.SubjectID, out.Vector, out.ModelVersion); err != nil {
		e.logger.Warn().Err(err).
			Str("event", "embedder.upsert_failed").
			Str("subject_id", job.SubjectID).
			Msg("vector upsert failed after successful embedding")
	}

	return backend.Result{
		"vector_dim":    len(out.Vector),
		"model_version": out.ModelVersion,
	}, nil
}
