// SPDX-License-Identifier: MIT

// The downloader daemon fetches tracks with spotdl, streaming progress into
// the job store and honoring pause/resume/cancel mid-transfer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/sonantica/workers/internal/api"
	"github.com/sonantica/workers/internal/backend/download"
	"github.com/sonantica/workers/internal/config"
	"github.com/sonantica/workers/internal/daemon"
	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/log"
	"github.com/sonantica/workers/internal/manifest"
	"github.com/sonantica/workers/internal/store"
)

var (
	version = "1.4.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("sonantica-downloader %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg := config.Load("downloads")
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "sonantica-downloader", Version: version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The supervisor polls job status while spotdl runs; the store only
	// exists once the daemon is wired, so bind it late.
	var st atomic.Pointer[store.Store]
	statusFn := func(ctx context.Context, id string) (jobs.Status, error) {
		s := st.Load()
		if s == nil {
			return jobs.StatusProcessing, nil
		}
		job, err := s.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return job.Status, nil
	}

	be := download.New(download.Config{
		Format:          cfg.DownloadFormat,
		OutputDir:       cfg.DownloadsPath,
		CoreInternalURL: cfg.CoreInternalURL,
	}, statusFn)

	err := daemon.Run(ctx, daemon.Options{
		Cfg:     cfg,
		Version: version,
		Manifest: manifest.New("downloads", version, jobs.ModalityDownload,
			"download", "identify").
			WithRoutes("/downloads", "/identify"),
		Backend:        be,
		DefaultWorkers: 2,
		// A dead spotdl can never finish its job, so recovery re-queues
		// processing jobs instead of waiting for an owner that is gone.
		DemoteProcessingOnRecovery: true,
		Extend: func(d *daemon.Deps) []func(chi.Router) {
			st.Store(d.Store)
			return []func(chi.Router){api.DownloadRoutes{Server: d.Server}.Mount}
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("downloader daemon exited")
	}
}
