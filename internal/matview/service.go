// Package matview is the materialized-view service: it creates,
// refreshes, and tracks the health of the materialized views the
// runner hierarchy reads from (SPEC_FULL §4.9).
//
// Metadata persistence is split from view persistence (Design Note
// §9's "dual-persistence split"): the materialized views themselves
// live in Schema and are refreshed in place, while bookkeeping about
// them (last refresh time, staleness, row counts) lives in a
// migration-owned view_metadata table this package reads and writes
// through the same connection pool.
package matview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/correlator-io/queryengine/internal/apperr"
	"github.com/correlator-io/queryengine/internal/docstore"
	"github.com/correlator-io/queryengine/internal/querybuilder"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

// Schema is the Postgres schema materialized views live in.
const Schema = "sqlonfhir"

// DefaultStalenessThresholdHours is how old a view's last refresh can
// be before it is considered stale and a candidate for
// CheckAndRefreshStaleViews.
const DefaultStalenessThresholdHours = 24.0

// Metadata is one view's tracked bookkeeping row.
type Metadata struct {
	ViewName             string
	ResourceType         string
	Status               string
	CreatedAt            time.Time
	LastRefreshedAt       sql.NullTime
	RefreshDurationMs     float64
	RowCount              int64
	SizeBytes             int64
	IsStale               bool
	StalenessHours        sql.NullFloat64
	NeedsRefresh          bool
	AutoRefreshEnabled    bool
	RefreshIntervalHours  int
	ErrorMessage          string
}

// ViewInfo is what ListViews returns: live Postgres facts about a view
// joined with its tracked metadata.
type ViewInfo struct {
	ViewName        string
	RowCount        int64
	Size            string
	SizeBytes       int64
	Status          string
	LastRefreshedAt sql.NullTime
	IsStale         bool
	StalenessHours  sql.NullFloat64
	ResourceType    string
}

// RefreshResult is one view's refresh outcome.
type RefreshResult struct {
	ViewName          string
	Success           bool
	RefreshDurationMs float64
	RowCount          int64
	SizeBytes         int64
	Error             string
}

// RefreshSummary aggregates RefreshResults across a batch operation.
type RefreshSummary struct {
	TotalViews int
	Success    int
	Failed     int
	Results    []RefreshResult
}

// Service manages materialized views and their tracked metadata.
type Service struct {
	pool                    *docstore.Pool
	builder                 *querybuilder.Builder
	logger                  *slog.Logger
	stalenessThresholdHours float64

	refreshMu sync.Map // view name -> *sync.Mutex, one per view to reject concurrent refreshes
}

// NewService creates a Service. A zero stalenessThresholdHours falls
// back to DefaultStalenessThresholdHours.
func NewService(pool *docstore.Pool, logger *slog.Logger, stalenessThresholdHours float64) *Service {
	if stalenessThresholdHours <= 0 {
		stalenessThresholdHours = DefaultStalenessThresholdHours
	}

	return &Service{
		pool:                    pool,
		builder:                 querybuilder.New(logger),
		logger:                  logger,
		stalenessThresholdHours: stalenessThresholdHours,
	}
}

// CreateView materializes view for the first time: it transpiles the
// view definition through the same query facility the relational
// runner uses, wraps the result in CREATE MATERIALIZED VIEW, and seeds
// view_metadata so the view is immediately a refresh/list candidate.
// Re-creating an
// existing view is a no-op at the DDL level (IF NOT EXISTS) but still
// refreshes bookkeeping.
func (s *Service) CreateView(ctx context.Context, view viewdef.ViewDefinition) error {
	query, err := s.builder.Build(view, nil, 0)
	if err != nil {
		return fmt.Errorf("matview: build view query for %s: %w", view.Name, err)
	}

	ddl := fmt.Sprintf("CREATE MATERIALIZED VIEW IF NOT EXISTS %s.%s AS %s", Schema, view.Name, query.SQL)

	if _, err := s.pool.ExecContext(ctx, ddl); err != nil {
		s.logger.Error("matview: create view failed", slog.String("view", view.Name), slog.Any("error", err))

		if failErr := s.setFailed(ctx, view.Name, err.Error()); failErr != nil {
			s.logger.Warn("matview: failed to record create failure", slog.Any("error", failErr))
		}

		return fmt.Errorf("matview: create view %s: %w", view.Name, err)
	}

	if err := s.setResourceType(ctx, view.Name, view.Kind); err != nil {
		s.logger.Warn("matview: failed to record resource type", slog.Any("error", err))
	}

	s.logger.Info("matview: created view", slog.String("view", view.Name))

	return nil
}

// ListViews lists every materialized view in Schema with its live
// Postgres stats and tracked metadata.
func (s *Service) ListViews(ctx context.Context) ([]ViewInfo, error) {
	query := fmt.Sprintf(`
SELECT
    matviewname AS view_name,
    pg_size_pretty(pg_total_relation_size(schemaname||'.'||matviewname)) AS size,
    pg_total_relation_size(schemaname||'.'||matviewname) AS size_bytes
FROM pg_matviews
WHERE schemaname = '%s'
ORDER BY matviewname`, Schema)

	rows, err := s.pool.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("matview: list views: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var infos []ViewInfo

	for rows.Next() {
		var (
			viewName  string
			size      sql.NullString
			sizeBytes sql.NullInt64
		)

		if err := rows.Scan(&viewName, &size, &sizeBytes); err != nil {
			return nil, fmt.Errorf("matview: scan view row: %w", err)
		}

		meta, err := s.loadMetadata(ctx, viewName)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		rowCount, err := s.rowCount(ctx, viewName)
		if err != nil {
			return nil, err
		}

		info := ViewInfo{
			ViewName:  viewName,
			RowCount:  rowCount,
			Size:      size.String,
			SizeBytes: sizeBytes.Int64,
			Status:    "unknown",
		}

		if meta != nil {
			info.Status = meta.Status
			info.LastRefreshedAt = meta.LastRefreshedAt
			info.IsStale = meta.IsStale
			info.StalenessHours = meta.StalenessHours
			info.ResourceType = meta.ResourceType
		}

		infos = append(infos, info)
	}

	s.logger.Info("matview: listed views", slog.Int("count", len(infos)))

	return infos, rows.Err()
}

// GetViewStatus reports a single view's existence, live stats, and
// tracked metadata.
func (s *Service) GetViewStatus(ctx context.Context, viewName string) (ViewInfo, bool, error) {
	exists, err := s.viewExists(ctx, viewName)
	if err != nil {
		return ViewInfo{}, false, err
	}

	if !exists {
		return ViewInfo{}, false, nil
	}

	rowCount, err := s.rowCount(ctx, viewName)
	if err != nil {
		return ViewInfo{}, false, err
	}

	var size sql.NullString

	var sizeBytes sql.NullInt64

	sizeSQL := fmt.Sprintf(
		`SELECT pg_size_pretty(pg_total_relation_size('%s.%s')), pg_total_relation_size('%s.%s')`,
		Schema, viewName, Schema, viewName,
	)

	rows, err := s.pool.QueryContext(ctx, sizeSQL)
	if err != nil {
		return ViewInfo{}, false, fmt.Errorf("matview: size query: %w", err)
	}

	if rows.Next() {
		if err := rows.Scan(&size, &sizeBytes); err != nil {
			_ = rows.Close()
			return ViewInfo{}, false, fmt.Errorf("matview: scan size: %w", err)
		}
	}

	_ = rows.Close()

	meta, err := s.loadMetadata(ctx, viewName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ViewInfo{}, false, err
	}

	info := ViewInfo{
		ViewName:  viewName,
		RowCount:  rowCount,
		Size:      size.String,
		SizeBytes: sizeBytes.Int64,
		Status:    "active",
	}

	if meta != nil {
		info.Status = meta.Status
		info.LastRefreshedAt = meta.LastRefreshedAt
		info.IsStale = meta.IsStale
		info.StalenessHours = meta.StalenessHours
		info.ResourceType = meta.ResourceType
	}

	return info, true, nil
}

// RefreshView runs REFRESH MATERIALIZED VIEW for viewName and updates
// its tracked metadata. A view already undergoing refresh rejects a
// concurrent request with apperr.Transient rather than queuing behind it.
func (s *Service) RefreshView(ctx context.Context, viewName string) RefreshResult {
	muAny, _ := s.refreshMu.LoadOrStore(viewName, &sync.Mutex{})
	mu := muAny.(*sync.Mutex) //nolint:errcheck,forcetypeassert // always stored as *sync.Mutex above

	if !mu.TryLock() {
		err := apperr.NewForView(apperr.Transient, "matview.Service.RefreshView", viewName,
			errors.New("refresh already in progress for this view"))

		return RefreshResult{ViewName: viewName, Success: false, Error: err.Error()}
	}

	defer mu.Unlock()

	start := time.Now()

	s.logger.Info("matview: refreshing view", slog.String("view", viewName))

	if err := s.setStatus(ctx, viewName, "refreshing"); err != nil {
		s.logger.Warn("matview: failed to mark view refreshing", slog.String("view", viewName), slog.Any("error", err))
	}

	refreshSQL := fmt.Sprintf("REFRESH MATERIALIZED VIEW %s.%s", Schema, viewName)

	if _, err := s.pool.ExecContext(ctx, refreshSQL); err != nil {
		errMsg := err.Error()

		s.logger.Error("matview: refresh failed", slog.String("view", viewName), slog.Any("error", err))

		if updErr := s.setFailed(ctx, viewName, errMsg); updErr != nil {
			s.logger.Warn("matview: failed to record refresh failure", slog.Any("error", updErr))
		}

		return RefreshResult{ViewName: viewName, Success: false, Error: errMsg}
	}

	durationMs := float64(time.Since(start).Microseconds()) / 1000.0

	rowCount, err := s.rowCount(ctx, viewName)
	if err != nil {
		s.logger.Warn("matview: failed to count rows after refresh", slog.Any("error", err))
	}

	sizeBytes, err := s.sizeBytes(ctx, viewName)
	if err != nil {
		s.logger.Warn("matview: failed to measure size after refresh", slog.Any("error", err))
	}

	if err := s.recordSuccess(ctx, viewName, durationMs, rowCount, sizeBytes); err != nil {
		s.logger.Warn("matview: failed to record refresh success", slog.Any("error", err))
	}

	s.logger.Info("matview: refreshed view",
		slog.String("view", viewName), slog.Duration("duration", time.Since(start)), slog.Int64("rows", rowCount))

	return RefreshResult{
		ViewName:          viewName,
		Success:           true,
		RefreshDurationMs: durationMs,
		RowCount:          rowCount,
		SizeBytes:         sizeBytes,
	}
}

// RefreshAllViews refreshes every view currently registered in
// pg_matviews, regardless of staleness.
func (s *Service) RefreshAllViews(ctx context.Context) (RefreshSummary, error) {
	views, err := s.ListViews(ctx)
	if err != nil {
		return RefreshSummary{}, err
	}

	summary := RefreshSummary{TotalViews: len(views)}

	for _, v := range views {
		result := s.RefreshView(ctx, v.ViewName)
		summary.Results = append(summary.Results, result)

		if result.Success {
			summary.Success++
		} else {
			summary.Failed++
		}
	}

	s.logger.Info("matview: refreshed all views",
		slog.Int("success", summary.Success), slog.Int("failed", summary.Failed))

	return summary, nil
}

// CheckAndRefreshStaleViews recomputes staleness for every
// auto-refresh-enabled view and refreshes the ones past threshold.
func (s *Service) CheckAndRefreshStaleViews(ctx context.Context) (RefreshSummary, error) {
	all, err := s.loadAllMetadata(ctx)
	if err != nil {
		return RefreshSummary{}, err
	}

	if err := s.updateStalenessForAll(ctx, all); err != nil {
		return RefreshSummary{}, err
	}

	var stale []Metadata

	for _, m := range all {
		if m.AutoRefreshEnabled && m.NeedsRefresh {
			stale = append(stale, m)
		}
	}

	if len(stale) == 0 {
		s.logger.Info("matview: no stale views found")
		return RefreshSummary{TotalViews: len(all)}, nil
	}

	s.logger.Info("matview: found stale views", slog.Int("count", len(stale)))

	summary := RefreshSummary{TotalViews: len(all)}

	for _, m := range stale {
		result := s.RefreshView(ctx, m.ViewName)
		summary.Results = append(summary.Results, result)

		if result.Success {
			summary.Success++
		} else {
			summary.Failed++
		}
	}

	return summary, nil
}

func (s *Service) viewExists(ctx context.Context, viewName string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (
    SELECT 1 FROM pg_matviews WHERE schemaname = '%s' AND matviewname = '%s'
)`, Schema, viewName)

	rows, err := s.pool.QueryContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("matview: exists check: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return false, nil
	}

	var exists bool
	if err := rows.Scan(&exists); err != nil {
		return false, fmt.Errorf("matview: scan exists: %w", err)
	}

	return exists, rows.Err()
}

func (s *Service) rowCount(ctx context.Context, viewName string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", Schema, viewName)

	rows, err := s.pool.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("matview: row count: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var count int64

	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("matview: scan row count: %w", err)
		}
	}

	return count, rows.Err()
}

func (s *Service) sizeBytes(ctx context.Context, viewName string) (int64, error) {
	query := fmt.Sprintf(`SELECT pg_total_relation_size('%s.%s')`, Schema, viewName)

	rows, err := s.pool.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("matview: size: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var size int64

	if rows.Next() {
		if err := rows.Scan(&size); err != nil {
			return 0, fmt.Errorf("matview: scan size: %w", err)
		}
	}

	return size, rows.Err()
}

func (s *Service) loadMetadata(ctx context.Context, viewName string) (*Metadata, error) {
	row := s.pool.DB().QueryRowContext(ctx, `
SELECT view_name, resource_type, status, created_at, last_refreshed_at, refresh_duration_ms,
       row_count, size_bytes, is_stale, staleness_hours, needs_refresh, auto_refresh_enabled,
       refresh_interval_hours, error_message
FROM view_metadata WHERE view_name = $1`, viewName)

	var m Metadata

	err := row.Scan(
		&m.ViewName, &m.ResourceType, &m.Status, &m.CreatedAt, &m.LastRefreshedAt, &m.RefreshDurationMs,
		&m.RowCount, &m.SizeBytes, &m.IsStale, &m.StalenessHours, &m.NeedsRefresh, &m.AutoRefreshEnabled,
		&m.RefreshIntervalHours, &m.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("matview: load metadata: %w", err)
	}

	return &m, nil
}

func (s *Service) loadAllMetadata(ctx context.Context) ([]Metadata, error) {
	rows, err := s.pool.DB().QueryContext(ctx, `
SELECT view_name, resource_type, status, created_at, last_refreshed_at, refresh_duration_ms,
       row_count, size_bytes, is_stale, staleness_hours, needs_refresh, auto_refresh_enabled,
       refresh_interval_hours, error_message
FROM view_metadata WHERE auto_refresh_enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("matview: load all metadata: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var result []Metadata

	for rows.Next() {
		var m Metadata

		if err := rows.Scan(
			&m.ViewName, &m.ResourceType, &m.Status, &m.CreatedAt, &m.LastRefreshedAt, &m.RefreshDurationMs,
			&m.RowCount, &m.SizeBytes, &m.IsStale, &m.StalenessHours, &m.NeedsRefresh, &m.AutoRefreshEnabled,
			&m.RefreshIntervalHours, &m.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("matview: scan metadata: %w", err)
		}

		result = append(result, m)
	}

	return result, rows.Err()
}

// computeStaleness reports how many hours have passed since
// lastRefreshedAt and whether that reaches or exceeds thresholdHours. A view that
// has never been refreshed is always stale.
func computeStaleness(lastRefreshedAt sql.NullTime, thresholdHours float64, now time.Time) (sql.NullFloat64, bool) {
	if !lastRefreshedAt.Valid {
		return sql.NullFloat64{}, true
	}

	hours := now.Sub(lastRefreshedAt.Time).Hours()

	return sql.NullFloat64{Float64: hours, Valid: true}, hours >= thresholdHours
}

func (s *Service) updateStalenessForAll(ctx context.Context, all []Metadata) error {
	now := time.Now()

	for i, m := range all {
		stalenessHours, isStale := computeStaleness(m.LastRefreshedAt, s.stalenessThresholdHours, now)

		_, err := s.pool.ExecContext(ctx, `
UPDATE view_metadata SET staleness_hours = $1, is_stale = $2, needs_refresh = $2 WHERE view_name = $3`,
			stalenessHours, isStale, m.ViewName)
		if err != nil {
			return fmt.Errorf("matview: update staleness for %s: %w", m.ViewName, err)
		}

		all[i].StalenessHours = stalenessHours
		all[i].IsStale = isStale
		all[i].NeedsRefresh = isStale
	}

	return nil
}

func (s *Service) setResourceType(ctx context.Context, viewName, resourceType string) error {
	_, err := s.pool.ExecContext(ctx, `
INSERT INTO view_metadata (view_name, resource_type, status, created_at)
VALUES ($1, $2, 'pending', now())
ON CONFLICT (view_name) DO UPDATE SET resource_type = EXCLUDED.resource_type`, viewName, resourceType)
	if err != nil {
		return fmt.Errorf("matview: set resource type: %w", err)
	}

	return nil
}

func (s *Service) setStatus(ctx context.Context, viewName, status string) error {
	_, err := s.pool.ExecContext(ctx, `
INSERT INTO view_metadata (view_name, status, created_at)
VALUES ($1, $2, now())
ON CONFLICT (view_name) DO UPDATE SET status = EXCLUDED.status`, viewName, status)
	if err != nil {
		return fmt.Errorf("matview: set status: %w", err)
	}

	return nil
}

func (s *Service) setFailed(ctx context.Context, viewName, errMsg string) error {
	_, err := s.pool.ExecContext(ctx, `
INSERT INTO view_metadata (view_name, status, error_message, created_at)
VALUES ($1, 'failed', $2, now())
ON CONFLICT (view_name) DO UPDATE SET status = 'failed', error_message = EXCLUDED.error_message`,
		viewName, errMsg)
	if err != nil {
		return fmt.Errorf("matview: set failed: %w", err)
	}

	return nil
}

func (s *Service) recordSuccess(ctx context.Context, viewName string, durationMs float64, rowCount, sizeBytes int64) error {
	_, err := s.pool.ExecContext(ctx, `
INSERT INTO view_metadata (
    view_name, status, last_refreshed_at, refresh_duration_ms, row_count, size_bytes,
    is_stale, staleness_hours, error_message, created_at
) VALUES ($1, 'active', now(), $2, $3, $4, false, 0, '', now())
ON CONFLICT (view_name) DO UPDATE SET
    status = 'active', last_refreshed_at = now(), refresh_duration_ms = EXCLUDED.refresh_duration_ms,
    row_count = EXCLUDED.row_count, size_bytes = EXCLUDED.size_bytes,
    is_stale = false, staleness_hours = 0, error_message = ''`,
		viewName, durationMs, rowCount, sizeBytes)
	if err != nil {
		return fmt.Errorf("matview: record success: %w", err)
	}

	return nil
}
