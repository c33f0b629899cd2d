// SPDX-License-Identifier: MIT

// Package separate adapts the Demucs stem-separation CLI.
package separate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
)

// DefaultStems is the fixed output order of the htdemucs family.
var DefaultStems = []string{"drums", "bass", "other", "vocals"}

// Config wires the separator CLI.
type Config struct {
	// Command is the demucs entrypoint.
	Command string
	// Model is the default checkpoint when the job does not name one.
	Model string
	// OutputDir roots the per-track stem directories.
	OutputDir string
	// MediaPath roots relative audio paths from job inputs.
	MediaPath string
}

// Separator supervises one demucs invocation per job.
type Separator struct {
	cfg    Config
	load   backend.Lazy
	logger zerolog.Logger
}

func New(cfg Config) *Separator {
	if cfg.Command == "" {
		cfg.Command = "demucs"
	}
	if cfg.Model == "" {
		cfg.Model = "htdemucs"
	}
	return &Separator{cfg: cfg, logger: log.WithComponent("separator")}
}

func (s *Separator) Modality() jobs.Modality { return jobs.ModalitySeparation }

// Ready checks the CLI resolves and the output root is writable.
func (s *Separator) Ready(ctx context.Context) error {
	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		return backend.Errorf(backend.KindToolingMissing, "%s not in PATH", s.cfg.Command)
	}
	return s.load.Do(func() error {
		if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
			return backend.Errorf(backend.KindIOFailed, "output dir: %v", err)
		}
		return nil
	})
}

func (s *Separator) Process(ctx context.Context, job *jobs.Job, progress func(float64)) (backend.Result, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	path, _ := job.Input["path"].(string)
	if path == "" {
		return nil, backend.Errorf(backend.KindIOFailed, "job %s has no input path", job.ID)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.MediaPath, path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, backend.Errorf(backend.KindIOFailed, "input audio: %v", err)
	}

	model := s.cfg.Model
	if m, ok := job.Input["model"].(string); ok && m != "" {
		model = m
	}
	stems := wantedStems(job.Input)

	outDir := filepath.Join(s.cfg.OutputDir, job.SubjectID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, backend.Errorf(backend.KindIOFailed, "output dir: %v", err)
	}

	progress(0.05)
	cmd := exec.CommandContext(ctx, s.cfg.Command,
		"-n", model,
		"-o", outDir,
		"--filename", "{stem}.{ext}",
		path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.Contains(string(out), "Could not load") {
			return nil, backend.Errorf(backend.KindLoadFailed, "model %s: %s", model, firstLine(out))
		}
		return nil, backend.Errorf(backend.KindInferenceFailed, "demucs exited: %v: %s", err, firstLine(out))
	}
	progress(0.9)

	// Demucs writes {outDir}/{model}/{stem}.wav with the filename template
	// above; verify each requested stem landed.
	result := make(map[string]string, len(stems))
	for _, stem := range stems {
		stemPath := filepath.Join(outDir, model, stem+".wav")
		if _, err := os.Stat(stemPath); err != nil {
			return nil, backend.Errorf(backend.KindIOFailed, "stem %s missing after separation", stem)
		}
		rel, err := filepath.Rel(s.cfg.OutputDir, stemPath)
		if err != nil {
			rel = stemPath
		}
		result[stem] = rel
	}

	s.logger.Info().
		Str("event", "separator.done").
		Str("subject_id", job.SubjectID).
		Str("model", model).
		Int("stems", len(result)).
		Msg("stems separated")

	return backend.Result{"stems": result, "model": model}, nil
}

// wantedStems reads the requested stem set from the input descriptor,
// defaulting to all four.
func wantedStems(input map[string]any) []string {
	raw, ok := input["stems"].([]any)
	if !ok || len(raw) == 0 {
		return DefaultStems
	}
	known := make(map[string]bool, len(DefaultStems))
	for _, s := range DefaultStems {
		known[s] = true
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && known[s] {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return DefaultStems
	}
	return out
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
