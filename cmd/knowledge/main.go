// SPDX-License-Identifier: MIT

// The knowledge daemon enriches tracks with LLM-generated context through a
// local Ollama instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sonantica/workers/internal/backend/enrich"
	"github.com/sonantica/workers/internal/config"
	"github.com/sonantica/workers/internal/daemon"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
	"github.com/sonantica/workers/internal/manifest"
)

var (
	version = "1.4.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("sonantica-knowledge %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg := config.Load("knowledge")
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "sonantica-knowledge", Version: version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be := enrich.New(enrich.Config{
		Host:          cfg.OllamaHost,
		Model:         cfg.LLMModel,
		MaxConcurrent: cfg.OllamaMaxParallel,
		Timeout:       cfg.EnrichmentTimeout,
	})

	err := daemon.Run(ctx, daemon.Options{
		Cfg:     cfg,
		Version: version,
		Manifest: manifest.New("knowledge", version, jobs.ModalityEnrichment,
			"enrichment").
			WithModels(cfg.LLMModel),
		Backend:        be,
		DefaultWorkers: 2,
		// The enricher bounds its own round-trips; the pool adds headroom for
		// the semaphore wait.
		ComputeTimeout: 2 * cfg.EnrichmentTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("knowledge daemon exited")
	}
}
