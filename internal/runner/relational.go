package runner

import (
	"context"
	"crypto/md5" //nolint:gosec // fingerprint only, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/correlator-io/queryengine/internal/apperr"
	"github.com/correlator-io/queryengine/internal/docstore"
	"github.com/correlator-io/queryengine/internal/querybuilder"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

type cacheEntry struct {
	cachedAt time.Time
	rows     []Row
}

// RelationalRunner transpiles a ViewDefinition to SQL on every call and
// executes it directly against the document store, the fallback path
// when no materialized view exists yet. Results are cached for a
// short TTL, keyed by an MD5 fingerprint of the query's shape, to
// absorb bursts of identical requests without re-transpiling.
type RelationalRunner struct {
	pool    *docstore.Pool
	builder *querybuilder.Builder
	logger  *slog.Logger
	ttl     time.Duration

	mu           sync.Mutex
	cache        map[string]cacheEntry
	cacheHits    int64
	cacheMisses  int64
	totalQueries int64
	totalMs      float64
	lastSQL      string
}

// LastSQL is the capability interface optional runners implement so
// the API layer's get_last_executed_sql() can stay generic over which
// backend actually served a request (Design Note §9).
type LastSQL interface {
	LastExecutedSQL() string
}

var _ LastSQL = (*RelationalRunner)(nil)

// NewRelationalRunner creates a RelationalRunner whose result cache
// entries expire after ttl. A zero ttl disables caching.
func NewRelationalRunner(pool *docstore.Pool, logger *slog.Logger, ttl time.Duration) *RelationalRunner {
	return &RelationalRunner{
		pool:    pool,
		builder: querybuilder.New(logger),
		logger:  logger,
		ttl:     ttl,
		cache:   make(map[string]cacheEntry),
	}
}

var _ Runner = (*RelationalRunner)(nil)

func (r *RelationalRunner) Execute(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any, limit int,
) ([]Row, error) {
	stringFilters := toStringFilters(filters, r.logger)
	cacheKey := fingerprint(view, stringFilters, limit)

	if r.ttl > 0 {
		if rows, ok := r.fromCache(cacheKey); ok {
			return rows, nil
		}
	}

	query, err := r.builder.Build(view, stringFilters, limit)
	if err != nil {
		return nil, apperr.NewForView(apperr.InvalidInput, "runner.RelationalRunner.Execute", view.Name, err)
	}

	r.recordSQL(query.SQL)

	start := time.Now()

	sqlRows, err := r.pool.QueryContext(ctx, query.SQL)
	if err != nil {
		r.logger.Error("runner: relational query failed",
			slog.String("view", view.Name), slog.Any("error", err))

		return nil, apperr.NewForView(apperr.Transient, "runner.RelationalRunner.Execute", view.Name, err)
	}

	results, err := scanRows(sqlRows)
	if err != nil {
		return nil, apperr.NewForView(apperr.Transient, "runner.RelationalRunner.Execute", view.Name, err)
	}

	r.recordExecution(time.Since(start))

	if r.ttl > 0 {
		r.putInCache(cacheKey, results)
	}

	r.logger.Info("runner: relational query complete",
		slog.String("view", view.Name), slog.Int("rows", len(results)),
		slog.Duration("duration", time.Since(start)))

	return results, nil
}

func (r *RelationalRunner) ExecuteCount(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any,
) (int, error) {
	sql := r.builder.BuildCount(view, toStringFilters(filters, r.logger))

	r.recordSQL(sql)

	rows, err := r.pool.QueryContext(ctx, sql)
	if err != nil {
		return 0, apperr.NewForView(apperr.Transient, "runner.RelationalRunner.ExecuteCount", view.Name, err)
	}

	count, err := scanCount(rows)
	if err != nil {
		return 0, apperr.NewForView(apperr.Transient, "runner.RelationalRunner.ExecuteCount", view.Name, err)
	}

	return count, nil
}

func (r *RelationalRunner) fromCache(key string) ([]Row, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[key]
	if !ok {
		r.cacheMisses++
		return nil, false
	}

	if time.Since(entry.cachedAt) > r.ttl {
		delete(r.cache, key)
		r.cacheMisses++

		return nil, false
	}

	r.cacheHits++

	return entry.rows, true
}

func (r *RelationalRunner) putInCache(key string, rows []Row) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache[key] = cacheEntry{cachedAt: time.Now(), rows: rows}
}

// ClearCache discards every cached result, used after a materialized
// view is refreshed and callers want the relational fallback to stop
// serving pre-refresh data.
func (r *RelationalRunner) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache = make(map[string]cacheEntry)
	r.cacheHits = 0
	r.cacheMisses = 0
}

func (r *RelationalRunner) recordExecution(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalQueries++
	r.totalMs += float64(d.Microseconds()) / 1000.0
}

func (r *RelationalRunner) recordSQL(sql string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSQL = sql
}

// LastExecutedSQL returns the most recently built query, row-returning
// or count, for caller debugging (SPEC_FULL §4.5/§6: get_last_executed_sql()).
func (r *RelationalRunner) LastExecutedSQL() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastSQL
}

// Statistics reports this runner's cumulative execution stats; the
// cache hit and miss counters are not included.
func (r *RelationalRunner) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	return newStatistics("relational", r.totalQueries, r.totalMs)
}

// toStringFilters narrows the runner hierarchy's untyped filter
// values down to the flat string map the query builder's fixed
// search-parameter vocabulary expects (SPEC_FULL §4.3: the relational
// path only recognizes string-valued filters). Non-string values are
// rendered with their default formatting and logged, since the
// generated SQL's recognized keys (_id, gender, birthdate, family,
// ...) are all single-value string comparisons in the original query
// builder this path is modeled on.
func toStringFilters(filters map[string]any, logger *slog.Logger) map[string]string {
	if len(filters) == 0 {
		return nil
	}

	out := make(map[string]string, len(filters))

	for name, value := range filters {
		switch v := value.(type) {
		case string:
			out[name] = v
		case nil:
			out[name] = ""
		default:
			logger.Warn("runner: non-string filter value in relational path, using default formatting",
				slog.String("filter", name))
			out[name] = fmt.Sprintf("%v", v)
		}
	}

	return out
}

// fingerprint renders an MD5 hash of everything that determines a
// query's result set: the view's name, resource type, where clauses
// and select tree, plus the caller-supplied filters and limit. Map
// filters are sorted by key first so two equivalent filter sets never
// produce different fingerprints.
func fingerprint(view viewdef.ViewDefinition, filters map[string]string, limit int) string {
	selectJSON, _ := json.Marshal(view.Select)

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	sortedFilters := make([]string, 0, len(keys))
	for _, k := range keys {
		sortedFilters = append(sortedFilters, fmt.Sprintf("%s=%s", k, filters[k]))
	}

	components := struct {
		Runner   string          `json:"runner"`
		View     string          `json:"view_name"`
		Resource string          `json:"resource_type"`
		Filters  []string        `json:"filters"`
		Limit    int             `json:"limit"`
		Where    []viewdef.WherePredicate `json:"where"`
		Select   json.RawMessage `json:"select_hash"`
	}{
		Runner:   "relational",
		View:     view.Name,
		Resource: view.Kind,
		Filters:  sortedFilters,
		Limit:    limit,
		Where:    view.Where,
		Select:   selectJSON,
	}

	encoded, _ := json.Marshal(components)
	sum := md5.Sum(encoded) //nolint:gosec // fingerprint only

	return hex.EncodeToString(sum[:])
}
