package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // document-store driver

	"golang.org/x/time/rate"
)

const postgresDriver = "postgres"

// Pool is the process-wide handle onto the document store: a pooled
// *sql.DB plus a token-bucket limiter bounding query admission beyond
// what connection-pool sizing alone controls (SPEC_FULL §5). It is
// created eagerly on first use and owned by a single process-wide
// instance, closed explicitly on teardown (Design Note §9:
// "singleton-per-process connection pool → an owned resource threaded
// through construction").
type Pool struct {
	db      *sql.DB
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger
}

// Open connects to the document store and configures pool sizing.
// Connections are never held across awaits that are not themselves
// database operations — callers acquire a connection implicitly per
// QueryContext/ExecContext call via database/sql's own pool.
func Open(cfg Config, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(postgresDriver, cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("docstore: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	logger.Info("docstore: pool configured",
		slog.String("url", cfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns))

	return &Pool{
		db:      db,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// DB returns the underlying *sql.DB for callers that need direct
// access (migrations, schema introspection).
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Close releases the pool's connections.
func (p *Pool) Close() error {
	return p.db.Close()
}

// HealthCheck verifies the document store is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// QueryContext admits the call through the rate limiter, applies the
// configured per-query deadline unless the caller's context already
// carries a deadline, and executes the query.
func (p *Pool) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("docstore: admission: %w", err)
	}

	return p.db.QueryContext(ctx, query, args...) //nolint:sqlclosecheck // caller owns *sql.Rows lifecycle
}

// ExecContext is QueryContext's counterpart for statements that do not
// return rows (CREATE/REFRESH MATERIALIZED VIEW, metadata updates).
func (p *Pool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("docstore: admission: %w", err)
	}

	return p.db.ExecContext(ctx, query, args...)
}

func (p *Pool) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, p.cfg.QueryDeadline)
}
