package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/correlator-io/queryengine/internal/viewdef"
)

// HybridRunner is the serving layer: it routes each query to the
// fastest backend that can answer it, falls back when that backend
// can't, and optionally cross-checks the speed layer for writes the
// batch layer hasn't caught up to yet.
//
// Design Note §9 (Open Question 1): the speed layer is observability
// only. Its patient ids and resource counts are logged and folded into
// the returned Statistics, but batch-layer rows are returned unchanged
// — the original component this merge step is modeled on documents
// the same deferral ("speed layer currently returns patient ids, not
// full rows... returning batch_result unchanged"), and nothing in this
// engine's projection machinery can safely turn a cached resource back
// into a partially-materialized row without re-running the column
// extractor per row, which would defeat the point of the fast path.
type HybridRunner struct {
	materialized *MaterializedRunner
	relational   *RelationalRunner
	recentWrites *RecentWritesRunner
	logger       *slog.Logger

	recentWritesEnabled bool

	mu               sync.Mutex
	viewExistsCache  map[string]bool
	materializedHits int64
	relationalHits   int64
	recentWriteHits  int64
}

// NewHybridRunner creates a HybridRunner. recentWrites may be nil, in
// which case the speed-layer cross-check is skipped entirely.
func NewHybridRunner(
	materialized *MaterializedRunner,
	relational *RelationalRunner,
	recentWrites *RecentWritesRunner,
	logger *slog.Logger,
) *HybridRunner {
	return &HybridRunner{
		materialized:        materialized,
		relational:          relational,
		recentWrites:        recentWrites,
		logger:               logger,
		recentWritesEnabled: recentWrites != nil,
		viewExistsCache:     make(map[string]bool),
	}
}

var (
	_ Runner  = (*HybridRunner)(nil)
	_ LastSQL = (*HybridRunner)(nil)
)

// LastExecutedSQL returns the relational runner's most recently built
// query. The materialized runner never transpiles (SPEC_FULL §4.4), so
// there is nothing to report when every recent request hit the fast
// path; callers should treat an empty string as "no SQL was generated".
func (h *HybridRunner) LastExecutedSQL() string {
	return h.relational.LastExecutedSQL()
}

func (h *HybridRunner) Execute(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any, limit int,
) ([]Row, error) {
	batchResult, err := h.executeBatch(ctx, view, filters, limit)
	if err != nil {
		return nil, err
	}

	if h.recentWritesEnabled {
		h.crossCheckRecentWrites(ctx, view, filters, limit)
	}

	return batchResult, nil
}

func (h *HybridRunner) ExecuteCount(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any,
) (int, error) {
	exists, err := h.viewExists(ctx, view.Name)
	if err != nil {
		return 0, err
	}

	if exists {
		count, err := h.materialized.ExecuteCount(ctx, view, filters)
		if err == nil {
			return count, nil
		}

		h.logger.Warn("runner: materialized COUNT failed, falling back to relational",
			slog.String("view", view.Name), slog.Any("error", err))
	}

	return h.relational.ExecuteCount(ctx, view, filters)
}

func (h *HybridRunner) executeBatch(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any, limit int,
) ([]Row, error) {
	exists, err := h.viewExists(ctx, view.Name)
	if err != nil {
		return nil, err
	}

	if exists {
		h.mu.Lock()
		h.materializedHits++
		h.mu.Unlock()

		rows, err := h.materialized.Execute(ctx, view, filters, limit)
		if err == nil {
			return rows, nil
		}

		h.logger.Warn("runner: materialized query failed, falling back to relational",
			slog.String("view", view.Name), slog.Any("error", err))
	}

	h.mu.Lock()
	h.relationalHits++
	h.mu.Unlock()

	return h.relational.Execute(ctx, view, filters, limit)
}

// crossCheckRecentWrites queries the speed layer and logs what it
// found; see the observability-only design note on HybridRunner.
func (h *HybridRunner) crossCheckRecentWrites(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any, limit int,
) {
	result, err := h.recentWrites.Execute(ctx, view, filters, limit, time.Time{})
	if err != nil {
		h.logger.Warn("runner: recent-writes cross-check failed",
			slog.String("view", view.Name), slog.Any("error", err))

		return
	}

	if result.TotalCount == 0 {
		return
	}

	h.mu.Lock()
	h.recentWriteHits++
	h.mu.Unlock()

	h.logger.Info("runner: recent-writes cross-check found unmaterialized patients",
		slog.String("view", view.Name), slog.Int("patient_count", result.TotalCount))
}

func (h *HybridRunner) viewExists(ctx context.Context, viewName string) (bool, error) {
	h.mu.Lock()
	exists, cached := h.viewExistsCache[viewName]
	h.mu.Unlock()

	if cached {
		return exists, nil
	}

	exists, err := h.materialized.ViewExists(ctx, viewName)
	if err != nil {
		h.logger.Warn("runner: view existence check failed, treating as absent",
			slog.String("view", viewName), slog.Any("error", err))

		return false, nil
	}

	h.mu.Lock()
	h.viewExistsCache[viewName] = exists
	h.mu.Unlock()

	return exists, nil
}

// InvalidateViewCache clears the cached view-existence results. Call
// this after a refresh creates or drops materialized views.
func (h *HybridRunner) InvalidateViewCache() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.viewExistsCache = make(map[string]bool)
}

// Statistics reports routing and sub-runner stats.
func (h *HybridRunner) Statistics() map[string]any {
	h.mu.Lock()
	materializedHits, relationalHits, recentWriteHits := h.materializedHits, h.relationalHits, h.recentWriteHits
	viewsCached := len(h.viewExistsCache)
	h.mu.Unlock()

	total := materializedHits + relationalHits

	var materializedPct float64
	if total > 0 {
		materializedPct = float64(materializedHits) / float64(total) * 100
	}

	return map[string]any{
		"runner_type":            "hybrid",
		"total_queries":          total,
		"materialized_queries":   materializedHits,
		"relational_queries":     relationalHits,
		"recent_writes_queries":  recentWriteHits,
		"materialized_percentage": materializedPct,
		"recent_writes_enabled":  h.recentWritesEnabled,
		"views_cached":           viewsCached,
		"materialized_stats":     h.materialized.Statistics(),
		"relational_stats":       h.relational.Statistics(),
	}
}
