// SPDX-License-Identifier: MIT

// Package daemon ties one plugin's store, scheduler, worker pool and HTTP
// surface into a single lifecycle: recover, serve, drain.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/api"
	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/config"
	"github.com/sonantica/workers/internal/health"
	"github.com/sonantica/workers/internal/log"
	"github.com/sonantica/workers/internal/manifest"
	"github.com/sonantica/workers/internal/runtime"
	"github.com/sonantica/workers/internal/scheduler"
	"github.com/sonantica/workers/internal/store"
)

const shutdownTimeout = 15 * time.Second

// Options configures one plugin daemon.
type Options struct {
	Cfg      config.Config
	Version  string
	Manifest manifest.Manifest
	Backend  backend.Backend

	// DefaultWorkers is the plugin's N when MAX_CONCURRENT_JOBS is unset.
	DefaultWorkers int
	// ComputeTimeout bounds one backend invocation; zero disables the bound.
	ComputeTimeout time.Duration
	// DemoteProcessingOnRecovery re-queues processing jobs on start; only the
	// downloader wants this.
	DemoteProcessingOnRecovery bool

	// Extend mounts plugin-specific routes once the core wiring exists.
	Extend func(d *Deps) []func(chi.Router)
}

// Deps exposes the wired core to route extensions and late binding (the
// downloader's status probe).
type Deps struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Server    *api.Server
}

// Run wires the daemon and blocks until ctx is cancelled or the HTTP server
// fails.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Cfg
	logger := log.WithComponent("daemon")

	client, err := store.Connect(ctx, store.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer func() { _ = client.Close() }()

	st := store.New(client, cfg.Plugin, cfg.JobTTL, logger)
	sched := scheduler.New(cfg.Plugin)

	workers := cfg.Workers(opts.DefaultWorkers)
	pool := runtime.NewPool(runtime.Config{
		Plugin:                     cfg.Plugin,
		Workers:                    workers,
		ComputeSlots:               cfg.ComputeSlots(workers),
		ComputeTimeout:             opts.ComputeTimeout,
		DemoteProcessingOnRecovery: opts.DemoteProcessingOnRecovery,
	}, st, sched, opts.Backend)

	srv := api.New(api.Config{
		Plugin:    cfg.Plugin,
		Secret:    cfg.InternalAPISecret,
		Manifest:  opts.Manifest,
		Store:     st,
		Scheduler: sched,
		Health:    health.NewManager(cfg.Plugin, st, opts.Backend),
	})
	if opts.Extend != nil {
		for _, ext := range opts.Extend(&Deps{Store: st, Scheduler: sched, Server: srv}) {
			srv.Extend(ext)
		}
	}

	// Interrupted jobs from the previous run are re-queued or left for their
	// owner before any worker picks up new work.
	if err := pool.Recover(ctx); err != nil {
		logger.Warn().
			Str("event", "daemon.recover_failed").
			Err(err).
			Msg("crash recovery incomplete, continuing")
	}
	pool.Start(ctx)
	defer pool.Stop()

	return Serve(ctx, cfg.ListenAddr, srv.Router(), logger)
}

// Serve runs an HTTP server until ctx is done, then drains connections within
// the shutdown timeout. Shared by the plugin daemons and the analytics
// aggregator, which has no worker pool.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().
			Str("event", "daemon.listening").
			Str("addr", addr).
			Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	logger.Info().Str("event", "daemon.stopping").Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	return nil
}
