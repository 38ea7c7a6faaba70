// Package main runs the materialized-view refresh pipeline: by
// default a one-shot batch job, normally scheduled as a nightly cron,
// that brings every managed materialized view up to date; with
// -interval set it instead runs on a ticker until signaled to stop
// (SPEC_FULL §4.10).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/correlator-io/queryengine/internal/docstore"
	"github.com/correlator-io/queryengine/internal/matview"
)

const (
	version = "1.0.0-dev"
	name    = "refresher"

	defaultCycleTimeout = 5 * time.Minute
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	helpFlag := flag.Bool("help", false, "show help information")
	staleOnly := flag.Bool("stale-only", false, "refresh only views past the staleness threshold instead of all views")
	interval := flag.Duration("interval", 0, "run on this interval instead of once (e.g. 1h); 0 means run once and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *helpFlag {
		printUsage()
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("refresher: configuration error: %v", err)
	}

	pool, err := docstore.Open(cfg.docstoreConfig, logger)
	if err != nil {
		log.Fatalf("refresher: failed to connect to document store: %v", err)
	}
	defer func() {
		_ = pool.Close()
	}()

	service := matview.NewService(pool, logger, cfg.stalenessThresholdHours)

	if *interval <= 0 {
		if !runCycle(context.Background(), service, logger, *staleOnly) {
			os.Exit(1)
		}

		return
	}

	runOnInterval(service, logger, *staleOnly, *interval)
}

func runOnInterval(service *matview.Service, logger *slog.Logger, staleOnly bool, interval time.Duration) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("refresher: running on interval", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runCycle(ctx, service, logger, staleOnly)

	for {
		select {
		case <-ctx.Done():
			logger.Info("refresher: shutting down")
			return
		case <-ticker.C:
			runCycle(ctx, service, logger, staleOnly)
		}
	}
}

// runCycle runs one refresh cycle and reports whether every view
// refreshed successfully.
func runCycle(ctx context.Context, service *matview.Service, logger *slog.Logger, staleOnly bool) bool {
	cycleCtx, cancel := context.WithTimeout(ctx, defaultCycleTimeout)
	defer cancel()

	logger.Info("refresher: starting refresh cycle", slog.Bool("stale_only", staleOnly))

	start := time.Now()

	var (
		summary matview.RefreshSummary
		err     error
	)

	if staleOnly {
		summary, err = service.CheckAndRefreshStaleViews(cycleCtx)
	} else {
		summary, err = service.RefreshAllViews(cycleCtx)
	}

	if err != nil {
		logger.Error("refresher: refresh cycle failed", slog.Any("error", err))
		return false
	}

	logger.Info("refresher: refresh cycle complete",
		slog.Duration("duration", time.Since(start)),
		slog.Int("total_views", summary.TotalViews),
		slog.Int("refreshed", summary.Success),
		slog.Int("failed", summary.Failed))

	for _, r := range summary.Results {
		if !r.Success {
			logger.Error("refresher: view refresh failed", slog.String("view", r.ViewName), slog.String("error", r.Error))
		}
	}

	return summary.Failed == 0
}

type config struct {
	docstoreConfig          docstore.Config
	stalenessThresholdHours float64
}

func loadConfig() (config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return config{}, fmt.Errorf("DATABASE_URL cannot be empty")
	}

	threshold := matview.DefaultStalenessThresholdHours

	if raw := os.Getenv("STALENESS_THRESHOLD_HOURS"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return config{}, fmt.Errorf("invalid STALENESS_THRESHOLD_HOURS: %w", err)
		}

		threshold = parsed
	}

	return config{
		docstoreConfig:          docstore.NewConfig(databaseURL, 0, 0),
		stalenessThresholdHours: threshold,
	}, nil
}

func printUsage() {
	fmt.Printf(`%s v%s - Materialized View Refresh Pipeline

USAGE:
    %s [OPTIONS]

OPTIONS:
    --stale-only       Refresh only views past the staleness threshold
    --interval DURATION  Run on this interval instead of once (e.g. 1h)
    --help             Show this help message
    --version          Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL               Document store connection string (REQUIRED)
    STALENESS_THRESHOLD_HOURS  Hours before a view is considered stale
                                (default: %.0f)

EXAMPLES:
    %s                      # Refresh every managed materialized view once
    %s --stale-only        # Refresh only stale views once
    %s --interval 1h       # Refresh every view every hour until signaled

Exits 1 if any view failed to refresh (only meaningful in one-shot mode).
`, name, version, name, matview.DefaultStalenessThresholdHours, name, name, name)
}
