// SPDX-License-Identifier: MIT

// Package runtime drives the shared plugin job loop: a bounded worker pool
// pulling ids from the scheduler, a compute gate capping concurrent backend
// invocations, and crash recovery from the store's active set.
package runtime

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
	"github.com/sonantica/workers/internal/scheduler"
	"github.com/sonantica/workers/internal/store"
)

var (
	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonantica",
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state, by plugin and status",
		},
		[]string{"plugin", "status"},
	)

	computeInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sonantica",
			Name:      "compute_in_flight",
			Help:      "Workers currently inside the compute gate",
		},
		[]string{"plugin"},
	)

	computeWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sonantica",
			Name:      "compute_gate_wait_seconds",
			Help:      "Time spent waiting for a compute slot",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"plugin"},
	)
)

// pickupJitter spreads worker pickup to avoid thundering-herd on batch
// admission.
const pickupJitter = 100 * time.Millisecond

// Config sizes the pool.
type Config struct {
	Plugin string
	// Workers is N, the number of long-lived worker goroutines.
	Workers int
	// ComputeSlots is M <= N, the compute gate capacity.
	ComputeSlots int
	// ComputeTimeout bounds a single backend invocation; zero means no
	// bound beyond process shutdown.
	ComputeTimeout time.Duration
	// DemoteProcessingOnRecovery re-queues processing jobs found during
	// recovery instead of leaving them for another node. Only the
	// downloader enables this: its dead subprocess can never complete.
	DemoteProcessingOnRecovery bool
}

// Pool runs N workers against one backend.
type Pool struct {
	cfg     Config
	store   *store.Store
	sched   *scheduler.Scheduler
	backend backend.Backend
	gate    *semaphore.Weighted
	logger  zerolog.Logger

	wg sync.WaitGroup
}

// NewPool wires a pool; it does not start any goroutines.
func NewPool(cfg Config, st *store.Store, sched *scheduler.Scheduler, be backend.Backend) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ComputeSlots < 1 || cfg.ComputeSlots > cfg.Workers {
		cfg.ComputeSlots = cfg.Workers
	}
	return &Pool{
		cfg:     cfg,
		store:   st,
		sched:   sched,
		backend: be,
		gate:    semaphore.NewWeighted(int64(cfg.ComputeSlots)),
		logger:  log.WithComponent("worker"),
	}
}

// Start launches the workers. They exit when the scheduler closes or ctx is
// cancelled; Stop waits for them.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info().
		Str("event", "pool.start").
		Str("plugin", p.cfg.Plugin).
		Int("workers", p.cfg.Workers).
		Int("compute_slots", p.cfg.ComputeSlots).
		Msg("starting worker pool")

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop closes the scheduler and waits for in-flight work to settle.
// In-flight jobs interrupted by ctx cancellation remain processing in the
// store; recovery decides their fate on the next start.
func (p *Pool) Stop() {
	p.sched.Close()
	p.wg.Wait()
	p.logger.Info().Str("event", "pool.stopped").Msg("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()
	logger.Debug().Str("event", "worker.started").Msg("worker started")

	for {
		jobID, err := p.sched.Dequeue()
		if errors.Is(err, scheduler.ErrClosed) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		// Spread pickup under batch admission.
		time.Sleep(time.Duration(rand.Int63n(int64(pickupJitter))))

		p.run(ctx, logger, jobID)
	}
}

// run owns one job's in-flight mutation window: from the pending re-check
// to the terminal write.
func (p *Pool) run(ctx context.Context, logger zerolog.Logger, jobID string) {
	ctx = log.ContextWithJobID(ctx, jobID)

	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Str("job_id", jobID).
			Str("event", "worker.load_failed").Msg("cannot load dequeued job")
		return
	}

	// Ownership CAS: only a pending job may be picked up. A cancel or a
	// duplicate enqueue racing ahead of us leaves any other status.
	if job.Status != jobs.StatusPending {
		logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).
			Str("event", "worker.skip").Msg("job no longer pending, skipping")
		return
	}

	if err := job.MarkProcessing(); err != nil {
		logger.Warn().Err(err).Str("job_id", jobID).Msg("cannot claim job")
		return
	}
	if err := p.store.Save(ctx, job); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).
			Str("event", "worker.claim_failed").Msg("cannot persist processing state")
		return
	}

	result, err := p.compute(ctx, job)

	// Re-read before the terminal write: a cooperative cancel may have
	// landed while the backend ran; terminal states never regress.
	if current, gerr := p.store.Get(ctx, jobID); gerr == nil && current.Status.Terminal() {
		logger.Info().Str("job_id", jobID).Str("status", string(current.Status)).
			Str("event", "worker.superseded").Msg("job reached terminal state externally")
		return
	} else if gerr == nil && current.Status == jobs.StatusPaused {
		// Paused downloads keep their held state; the supervisor already
		// stopped the subprocess.
		return
	}

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			// Process shutdown: leave the job processing for recovery.
			logger.Warn().Str("job_id", jobID).
				Str("event", "worker.interrupted").Msg("shutdown during compute")
			return
		}
		if ferr := job.MarkFailed(err.Error()); ferr != nil {
			logger.Error().Err(ferr).Str("job_id", jobID).Msg("cannot fail job")
			return
		}
		if serr := p.store.Save(ctx, job); serr != nil {
			logger.Error().Err(serr).Str("job_id", jobID).Msg("cannot persist failure")
			return
		}
		jobsFinished.WithLabelValues(p.cfg.Plugin, string(jobs.StatusFailed)).Inc()
		logger.Warn().Str("job_id", jobID).Str("error", job.Error).
			Str("event", "job.failed").Msg("job failed")
		return
	}

	if cerr := job.MarkCompleted(result); cerr != nil {
		logger.Error().Err(cerr).Str("job_id", jobID).Msg("cannot complete job")
		return
	}
	if serr := p.store.Save(ctx, job); serr != nil {
		logger.Error().Err(serr).Str("job_id", jobID).Msg("cannot persist completion")
		return
	}
	jobsFinished.WithLabelValues(p.cfg.Plugin, string(jobs.StatusCompleted)).Inc()
	logger.Info().Str("job_id", jobID).
		Str("event", "job.completed").Msg("job completed")
}

// compute invokes the backend inside the gate. The gate wraps only this
// step so queue responsiveness survives a saturated GPU or LLM.
func (p *Pool) compute(ctx context.Context, job *jobs.Job) (backend.Result, error) {
	waitStart := time.Now()
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.gate.Release(1)
	computeWait.WithLabelValues(p.cfg.Plugin).Observe(time.Since(waitStart).Seconds())

	computeInFlight.WithLabelValues(p.cfg.Plugin).Inc()
	defer computeInFlight.WithLabelValues(p.cfg.Plugin).Dec()

	cctx := ctx
	if p.cfg.ComputeTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, p.cfg.ComputeTimeout)
		defer cancel()
	}

	// Progress goes through the field-level write: a full Save here would
	// rewrite status=processing over an externally persisted cancel or
	// pause and re-add the id to the active set.
	progress := func(v float64) {
		job.SetProgress(v)
		if err := p.store.SaveProgress(cctx, job.ID, job.Progress); err != nil {
			p.logger.Debug().Err(err).Str("job_id", job.ID).Msg("progress save failed")
		}
	}

	result, err := p.backend.Process(cctx, job, progress)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = backend.Errorf(backend.KindTimeout, "compute exceeded %s", p.cfg.ComputeTimeout)
	}
	return result, err
}
