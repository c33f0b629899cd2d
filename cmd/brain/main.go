// SPDX-License-Identifier: MIT

// The brain daemon computes audio embeddings and serves the multi-modal
// recommendation surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sonantica/workers/internal/api"
	"github.com/sonantica/workers/internal/backend/embed"
	"github.com/sonantica/workers/internal/config"
	"github.com/sonantica/workers/internal/daemon"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
	"github.com/sonantica/workers/internal/manifest"
	"github.com/sonantica/workers/internal/recommend"
	"github.com/sonantica/workers/internal/vector"
)

var (
	version = "1.4.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("sonantica-brain %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg := config.Load("brain")
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "sonantica-brain", Version: version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "pg.connect_failed").Msg("cannot open Postgres pool")
	}
	defer pg.Close()

	vectors := vector.New(pg)
	engine := recommend.New(vectors, 0)
	be := embed.New(embed.Config{
		ModelName: cfg.AIModelName,
		MediaPath: cfg.MediaPath,
	}, vectors)

	err = daemon.Run(ctx, daemon.Options{
		Cfg:     cfg,
		Version: version,
		Manifest: manifest.New("brain", version, jobs.ModalityEmbedding,
			"embedding", "recommendation").
			WithModels(cfg.AIModelName).
			WithRoutes("/recommendations"),
		Backend:        be,
		DefaultWorkers: 2,
		ComputeTimeout: 5 * time.Minute,
		Extend: func(_ *daemon.Deps) []func(chi.Router) {
			return []func(chi.Router){api.RecommendRoutes{Engine: engine}.Mount}
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("brain daemon exited")
	}
}
