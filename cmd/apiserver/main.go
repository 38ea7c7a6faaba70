// Package main runs the query engine's HTTP API server: the
// execute/count/schema surface, view-definition CRUD, materialized-view
// management, and cross-view cohort queries (SPEC_FULL §6).
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/correlator-io/queryengine/internal/api"
	"github.com/correlator-io/queryengine/internal/api/middleware"
	"github.com/correlator-io/queryengine/internal/docstore"
	"github.com/correlator-io/queryengine/internal/ingestor"
	"github.com/correlator-io/queryengine/internal/join"
	"github.com/correlator-io/queryengine/internal/matview"
	"github.com/correlator-io/queryengine/internal/recentwrites"
	"github.com/correlator-io/queryengine/internal/runner"
	"github.com/correlator-io/queryengine/internal/storage"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

const (
	version = "1.0.0-dev"
	name    = "apiserver"

	defaultViewDefDir          = "./viewdefs"
	defaultRelationalCacheTTL  = 30 * time.Second
	defaultRecentWritesEnabled = true
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	server, err := build(logger)
	if err != nil {
		log.Fatalf("apiserver: %v", err)
	}

	if err := server.Start(); err != nil {
		log.Fatalf("apiserver: %v", err)
	}
}

// build wires every dependency the HTTP server needs: the document
// store pool, the view-definition repository, the three-tier runner
// hierarchy unified by the hybrid runner, the materialized-view
// lifecycle service, the cross-view join planner, API key storage, and
// rate limiting.
func build(logger *slog.Logger) (*api.Server, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL cannot be empty")
	}

	docCfg := docstore.NewConfig(databaseURL, 0, 0)

	pool, err := docstore.Open(docCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to document store: %w", err)
	}

	viewDefDir := getEnvOrDefault("VIEWDEF_DIR", defaultViewDefDir)
	if err := os.MkdirAll(viewDefDir, 0o750); err != nil {
		return nil, fmt.Errorf("prepare view-definition directory %s: %w", viewDefDir, err)
	}

	viewStore, err := viewdef.NewFileStore(viewDefDir)
	if err != nil {
		return nil, fmt.Errorf("open view-definition store: %w", err)
	}

	hybridRunner := buildRunner(pool, logger)

	stalenessThreshold := matview.DefaultStalenessThresholdHours
	if raw := os.Getenv("STALENESS_THRESHOLD_HOURS"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			stalenessThreshold = parsed
		}
	}

	matviewSvc := matview.NewService(pool, logger, stalenessThreshold)
	joinPlanner := join.New(logger)

	apiKeyStore, err := buildAPIKeyStore(logger)
	if err != nil {
		return nil, err
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())

	cfg := api.LoadServerConfig()

	return api.NewServer(&cfg, apiKeyStore, rateLimiter, viewStore, hybridRunner, matviewSvc, joinPlanner, pool), nil
}

// buildRunner assembles the three-tier runner hierarchy: materialized
// (fast path), relational (transpile-on-demand fallback), and an
// optional recent-writes speed layer cross-check, unified by a
// HybridRunner (SPEC_FULL §4.7).
func buildRunner(pool *docstore.Pool, logger *slog.Logger) *runner.HybridRunner {
	materialized := runner.NewMaterializedRunner(pool, logger)

	cacheTTL := defaultRelationalCacheTTL
	if raw := os.Getenv("RELATIONAL_CACHE_TTL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			cacheTTL = parsed
		}
	}

	relational := runner.NewRelationalRunner(pool, logger, cacheTTL)

	var recentWrites *runner.RecentWritesRunner

	if getEnvBool("RECENT_WRITES_ENABLED", defaultRecentWritesEnabled) {
		ttl := ingestor.DefaultTTL
		if raw := os.Getenv("RECENT_WRITES_TTL"); raw != "" {
			if parsed, err := time.ParseDuration(raw); err == nil {
				ttl = parsed
			}
		}

		store := recentwrites.NewMemStore(ttl)
		recentWrites = runner.NewRecentWritesRunner(store, logger)
	}

	return runner.NewHybridRunner(materialized, relational, recentWrites, logger)
}

// buildAPIKeyStore returns a PostgreSQL-backed key store when
// DATABASE_URL is reachable for it, falling back to an in-memory store
// for local/dev use when API_KEY_STORE=memory is set explicitly.
func buildAPIKeyStore(logger *slog.Logger) (storage.APIKeyStore, error) {
	if getEnvOrDefault("API_KEY_STORE", "persistent") == "memory" {
		logger.Warn("apiserver: using in-memory API key store - keys do not survive restarts")
		return storage.NewInMemoryKeyStore(), nil
	}

	storageCfg := storage.LoadConfig()
	if err := storageCfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage configuration: %w", err)
	}

	conn, err := storage.NewConnection(storageCfg)
	if err != nil {
		return nil, fmt.Errorf("connect API key store: %w", err)
	}

	keyStore, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		return nil, fmt.Errorf("initialize API key store: %w", err)
	}

	return keyStore, nil
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}

	return parsed
}
