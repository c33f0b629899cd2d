// SPDX-License-Identifier: MIT

// The demucs daemon separates tracks into instrument stems.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sonantica/workers/internal/backend/separate"
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
		fmt.Printf("sonantica-demucs %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg := config.Load("demucs")
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "sonantica-demucs", Version: version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be := separate.New(separate.Config{
		OutputDir: filepath.Join(cfg.MediaPath, "stems"),
		MediaPath: cfg.MediaPath,
	})

	err := daemon.Run(ctx, daemon.Options{
		Cfg:     cfg,
		Version: version,
		Manifest: manifest.New("demucs", version, jobs.ModalitySeparation,
			"stem-separation").
			WithModels("htdemucs"),
		Backend: be,
		// Separation is GPU-bound; one job at a time by default.
		DefaultWorkers: 1,
		ComputeTimeout: cfg.SeparationTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("demucs daemon exited")
	}
}
