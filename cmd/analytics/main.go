// SPDX-License-Identifier: MIT

// The analytics daemon ingests playback events into durable Postgres
// aggregates and a real-time Redis counter surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sonantica/workers/internal/analytics"
	"github.com/sonantica/workers/internal/api"
	"github.com/sonantica/workers/internal/config"
	"github.com/sonantica/workers/internal/daemon"
	"github.com/sonantica/workers/internal/health"
	"github.com/sonantica/workers/internal/log"
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
		fmt.Printf("sonantica-analytics %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg := config.Load("analytics")
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "sonantica-analytics", Version: version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "pg.connect_failed").Msg("cannot open Postgres pool")
	}
	defer pg.Close()

	client, err := store.Connect(ctx, store.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "redis.connect_failed").Msg("cannot connect to Redis")
	}
	defer func() { _ = client.Close() }()

	hm := health.NewManager("analytics", nil, nil)
	hm.RegisterChecker(pgChecker{pg})
	hm.RegisterChecker(redisChecker{client})

	handler := api.NewAnalyticsRouter(api.AnalyticsConfig{
		Secret:     cfg.InternalAPISecret,
		Aggregator: analytics.NewAggregator(pg),
		Realtime:   analytics.NewRealtime(client),
		Health:     hm,
	})

	if err := daemon.Serve(ctx, cfg.ListenAddr, handler, logger); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("analytics daemon exited")
	}
}

// pgChecker probes the statistics database for the health surface.
type pgChecker struct {
	pool *pgxpool.Pool
}

func (c pgChecker) Name() string { return "postgres" }

func (c pgChecker) Check(ctx context.Context) health.CheckResult {
	if err := c.pool.Ping(ctx); err != nil {
		return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
	}
	return health.CheckResult{Status: health.StatusHealthy}
}

// redisChecker probes the real-time counter store. Losing it degrades the
// dashboard but the durable ingest path still works.
type redisChecker struct {
	client *redis.Client
}

func (c redisChecker) Name() string { return "redis" }

func (c redisChecker) Check(ctx context.Context) health.CheckResult {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return health.CheckResult{Status: health.StatusDegraded, Error: err.Error()}
	}
	return health.CheckResult{Status: health.StatusHealthy}
}
