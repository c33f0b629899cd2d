// SPDX-License-Identifier: MIT

// Package download supervises spotdl subprocesses. It parses the tool's
// progress output into the job's progress field, detects provider rate limits
// and missing tooling, observes cancel/pause requests by polling job status,
// and triggers a library scan on the core service after a successful run.
package download

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
)

// audioExtensions is what counts as a delivered file for the post-run check.
var audioExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".opus": true, ".m4a": true, ".wav": true,
}

var (
	percentRe = regexp.MustCompile(`(\d+)%`)
	trackRe   = regexp.MustCompile(`(\d+)/(\d+)`)
	speedRe   = regexp.MustCompile(`(\d+\.?\d*\s*[kMG]B/s)`)
	etaRe     = regexp.MustCompile(`(?:ETA:\s*|<)(\d+:\d+)`)
)

// statusPollInterval is how often the supervisor re-reads job status to
// observe cancel and pause requests.
const statusPollInterval = 500 * time.Millisecond

// StatusFn reads the current job status from the store; the supervisor polls
// it while the subprocess runs.
type StatusFn func(ctx context.Context, id string) (jobs.Status, error)

// Config wires the spotdl supervisor.
type Config struct {
	// Command is the spotdl binary.
	Command string
	// Format is the target audio format (DOWNLOAD_FORMAT, default flac).
	Format string
	// OutputDir is the download root (DOWNLOADS_PATH).
	OutputDir string
	// Threads is spotdl's internal download parallelism.
	Threads int
	// CoreInternalURL, when set, receives a best-effort scan trigger after a
	// successful download.
	CoreInternalURL string
}

// Supervisor runs one spotdl process per job.
type Supervisor struct {
	cfg    Config
	status StatusFn
	client *http.Client
	logger zerolog.Logger
}

func New(cfg Config, status StatusFn) *Supervisor {
	if cfg.Command == "" {
		cfg.Command = "spotdl"
	}
	if cfg.Format == "" {
		cfg.Format = "flac"
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 4
	}
	return &Supervisor{
		cfg:    cfg,
		status: status,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: log.WithComponent("downloader"),
	}
}

func (s *Supervisor) Modality() jobs.Modality { return jobs.ModalityDownload }

// Ready checks the tool resolves and the download root is writable.
func (s *Supervisor) Ready(ctx context.Context) error {
	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		return backend.Errorf(backend.KindToolingMissing, "%s not in PATH", s.cfg.Command)
	}
	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return backend.Errorf(backend.KindIOFailed, "downloads dir: %v", err)
	}
	return nil
}

// lineUpdate is what one spotdl output line contributed.
type lineUpdate struct {
	progress float64
	phase    string
	speed    string
	eta      string
	fatal    error
}

func (s *Supervisor) Process(ctx context.Context, job *jobs.Job, progress func(float64)) (backend.Result, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	url, _ := job.Input["url"].(string)
	if url == "" {
		url = job.SubjectID
	}
	format := s.cfg.Format
	if f, ok := job.Input["format"].(string); ok && f != "" {
		format = f
	}

	args := []string{
		"download", url,
		"--format", format,
		"--output", filepath.Join(s.cfg.OutputDir, "{artist}/{album}/{title}"),
		"--threads", strconv.Itoa(s.cfg.Threads),
		"--overwrite", "skip",
		"--simple-tui",
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(cctx, s.cfg.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, backend.Errorf(backend.KindIOFailed, "stdout pipe: %v", err)
	}
	cmd.Stderr = cmd.Stdout

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, backend.Errorf(backend.KindToolingMissing, "start %s: %v", s.cfg.Command, err)
	}
	s.logger.Info().
		Str("event", "download.started").
		Str("job_id", job.ID).
		Str("url", url).
		Str("format", format).
		Msg("spotdl started")

	progress(0.05)

	fatal := make(chan error, 1)
	go s.readOutput(cctx, job, stdout, progress, fatal)

	held, runErr := s.superviseWait(cctx, cancel, job, cmd)

	select {
	case ferr := <-fatal:
		return nil, ferr
	default:
	}

	if held {
		// Cancel or pause landed; the pool's re-read preserves the held
		// status, so the returned error is never surfaced.
		return nil, backend.Errorf(backend.KindIOFailed, "download interrupted by request")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		return nil, backend.Errorf(backend.KindIOFailed, "spotdl failed: %v", runErr)
	}

	files := s.collectFiles(startedAt)
	if len(files) == 0 {
		return nil, backend.Errorf(backend.KindNotFound, "no files produced (track not found or provider error)")
	}

	s.triggerCoreScan(ctx)

	s.logger.Info().
		Str("event", "download.completed").
		Str("job_id", job.ID).
		Int("files", len(files)).
		Msg("download completed")

	return backend.Result{
		"files":  files,
		"format": format,
	}, nil
}

// readOutput parses spotdl's merged output stream. Rate-limit and
// missing-ffmpeg lines are fatal; everything else feeds progress.
func (s *Supervisor) readOutput(ctx context.Context, job *jobs.Job, r io.Reader, progress func(float64), fatal chan<- error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	last := 0.05
	lastPhase := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.logger.Debug().Str("event", "download.output").Str("job_id", job.ID).Msg(line)

		u := parseLine(line)
		if u.fatal != nil {
			fatal <- u.fatal
			return
		}
		if u.phase != "" && u.phase != lastPhase {
			lastPhase = u.phase
			s.logger.Info().
				Str("event", "download.phase").
				Str("job_id", job.ID).
				Str("phase", u.phase).
				Str("speed", u.speed).
				Str("eta", u.eta).
				Msg("download phase changed")
		}
		if u.progress > last {
			last = u.progress
			progress(last)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// parseLine extracts progress, phase, speed and ETA from one output line.
func parseLine(line string) lineUpdate {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "rate/request limit") {
		return lineUpdate{fatal: backend.Errorf(backend.KindRateLimited, "provider rate limit hit")}
	}
	if strings.Contains(lower, "ffmpeg") && strings.Contains(lower, "not found") {
		return lineUpdate{fatal: backend.Errorf(backend.KindToolingMissing, "ffmpeg missing on worker")}
	}

	var u lineUpdate
	if m := percentRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			u.progress = float64(v) / 100
		}
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		u.speed = m[1]
	}
	if m := etaRe.FindStringSubmatch(line); m != nil {
		u.eta = m[1]
	}

	switch {
	case strings.Contains(line, "Downloading"):
		u.phase = "downloading"
	case strings.Contains(line, "Converting"):
		u.phase = "converting"
	case strings.Contains(line, "Embedding"):
		u.phase = "embedding-metadata"
	case strings.Contains(line, "Syncing"):
		u.phase = "syncing"
	}
	if m := trackRe.FindStringSubmatch(line); m != nil && u.phase != "" {
		u.phase = u.phase + " " + m[1] + "/" + m[2]
	}
	return u
}

// superviseWait waits for the process while polling job status; a cancel or
// pause request terminates the subprocess. Returns held=true when that
// happened.
func (s *Supervisor) superviseWait(ctx context.Context, kill context.CancelFunc, job *jobs.Job, cmd *exec.Cmd) (held bool, err error) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return false, err
		case <-ticker.C:
			if s.status == nil {
				continue
			}
			st, serr := s.status(ctx, job.ID)
			if serr != nil {
				continue
			}
			if st == jobs.StatusCancelled || st == jobs.StatusPaused {
				s.logger.Info().
					Str("event", "download.held").
					Str("job_id", job.ID).
					Str("status", string(st)).
					Msg("terminating spotdl on request")
				kill()
				<-done
				return true, nil
			}
		case <-ctx.Done():
			<-done
			return false, ctx.Err()
		}
	}
}

// collectFiles lists audio files under the download root modified since the
// run started.
func (s *Supervisor) collectFiles(since time.Time) []string {
	var out []string
	_ = filepath.WalkDir(s.cfg.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil || info.ModTime().Before(since) {
			return nil
		}
		if rel, rerr := filepath.Rel(s.cfg.OutputDir, path); rerr == nil {
			out = append(out, rel)
		}
		return nil
	})
	return out
}

// triggerCoreScan asks the core service to index the new files. Best-effort:
// failure logs a warning and nothing else.
func (s *Supervisor) triggerCoreScan(ctx context.Context) {
	if s.cfg.CoreInternalURL == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{"path": s.cfg.OutputDir})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(s.cfg.CoreInternalURL, "/")+"/api/scan/start", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", "download.scan_trigger_failed").Msg("core scan trigger failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		s.logger.Warn().
			Str("event", "download.scan_trigger_failed").
			Int("status", resp.StatusCode).
			Msg("core scan trigger rejected")
	}
}
