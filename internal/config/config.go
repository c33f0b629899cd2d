// SPDX-License-Identifier: MIT

// Package config loads plugin configuration from the environment with
// precedence ENV > defaults. The fleet is deployed through container
// orchestration, so there is no config file layer.
package config

import (
	"fmt"
	"time"
)

// Config holds the shared configuration recognized by every plugin daemon.
type Config struct {
	// Plugin is the short namespace used for Redis keys and logging
	// ("brain", "demucs", "knowledge", "downloads").
	Plugin string

	ListenAddr string
	LogLevel   string

	// InternalAPISecret is compared byte-for-byte against the
	// x-internal-secret request header.
	InternalAPISecret string

	// MaxConcurrentJobs is the worker count N. Zero selects the plugin's
	// default.
	MaxConcurrentJobs int
	// MaxParallelCompute is the compute gate M (M <= N). Zero means M = N.
	MaxParallelCompute int

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	PostgresURL string

	MediaPath     string
	DownloadsPath string

	// Back-end specifics.
	AIModelName       string
	OllamaHost        string
	LLMModel          string
	OllamaMaxParallel int
	CoreInternalURL   string
	DownloadFormat    string

	JobTTL            time.Duration
	SeparationTimeout time.Duration
	EnrichmentTimeout time.Duration
}

// Load reads the configuration for the named plugin from the environment.
func Load(plugin string) Config {
	cfg := Config{
		Plugin: plugin,

		ListenAddr: ParseString("LISTEN_ADDR", ":8080"),
		LogLevel:   ParseString("LOG_LEVEL", "info"),

		InternalAPISecret: ParseString("INTERNAL_API_SECRET", ""),

		MaxConcurrentJobs:  ParseInt("MAX_CONCURRENT_JOBS", 0),
		MaxParallelCompute: ParseInt("MAX_PARALLEL_COMPUTE", 0),

		RedisHost:     ParseString("REDIS_HOST", "localhost"),
		RedisPort:     ParseInt("REDIS_PORT", 6379),
		RedisPassword: ParseString("REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("REDIS_DB", 0),

		PostgresURL: ParseString("POSTGRES_URL", ""),

		MediaPath:     ParseString("MEDIA_PATH", "/media"),
		DownloadsPath: ParseString("DOWNLOADS_PATH", "/downloads"),

		AIModelName:       ParseString("AI_MODEL_NAME", "laion/clap-htsat-unfused"),
		OllamaHost:        ParseString("OLLAMA_HOST", "http://localhost:11434"),
		LLMModel:          ParseString("LLM_MODEL", "llama3.2"),
		OllamaMaxParallel: ParseInt("OLLAMA_MAX_CONCURRENT", 2),
		CoreInternalURL:   ParseString("CORE_INTERNAL_URL", ""),
		DownloadFormat:    ParseString("DOWNLOAD_FORMAT", "flac"),

		JobTTL:            ParseDuration("JOB_TTL", 7*24*time.Hour),
		SeparationTimeout: ParseDuration("SEPARATION_TIMEOUT", 600*time.Second),
		EnrichmentTimeout: ParseDuration("ENRICHMENT_TIMEOUT", 30*time.Second),
	}
	return cfg
}

// RedisAddr returns the host:port pair for the key-value store.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Workers resolves the worker count N, applying the given plugin default
// when MAX_CONCURRENT_JOBS is unset or zero.
func (c Config) Workers(def int) int {
	if c.MaxConcurrentJobs > 0 {
		return c.MaxConcurrentJobs
	}
	if def > 0 {
		return def
	}
	return 1
}

// ComputeSlots resolves the compute gate size M, clamped to [1, n].
func (c Config) ComputeSlots(n int) int {
	m := c.MaxParallelCompute
	if m <= 0 || m > n {
		m = n
	}
	return m
}
