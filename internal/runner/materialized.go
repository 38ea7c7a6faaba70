package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/correlator-io/queryengine/internal/apperr"
	"github.com/correlator-io/queryengine/internal/docstore"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

// MatviewSchema is the Postgres schema materialized views are created
// in, matching the schema the refresh pipeline and the integrity
// validator both assume.
const MatviewSchema = "sqlonfhir"

// searchParamMappings maps a handful of common FHIR search parameters
// to the column names the materialized-view refresh pipeline actually
// projects, since a view's column naming convention diverges from the
// search-parameter name it answers (SPEC_FULL's documented dual-column
// architecture: a `<subject>_ref` full reference alongside a
// `<subject>_id` extracted id, joined on the id form).
var searchParamMappings = map[string]string{
	"gender":          "gender",
	"birthdate":       "dob",
	"family":          "name_family",
	"given":           "name_given",
	"patient":         "patient_id",
	"subject":         "patient_id",
	"_id":             "id",
	"code":            "code",
	"status":          "status",
	"clinical-status": "clinical_status",
	"date":            "effective_date",
	"value-quantity":  "value",
}

// MaterializedRunner executes queries directly against pre-computed
// materialized views: no transpilation, no SQL generation, just a
// SELECT against the view with a WHERE clause built from the
// column-mapped filters.
type MaterializedRunner struct {
	pool   *docstore.Pool
	logger *slog.Logger

	mu           sync.Mutex
	totalQueries int64
	totalMs      float64
}

// NewMaterializedRunner creates a MaterializedRunner.
func NewMaterializedRunner(pool *docstore.Pool, logger *slog.Logger) *MaterializedRunner {
	return &MaterializedRunner{pool: pool, logger: logger}
}

var _ Runner = (*MaterializedRunner)(nil)

// ViewExists reports whether view.Name has a materialized view backing
// it in MatviewSchema.
func (r *MaterializedRunner) ViewExists(ctx context.Context, viewName string) (bool, error) {
	sql := fmt.Sprintf(`SELECT EXISTS (
    SELECT 1 FROM pg_matviews
    WHERE schemaname = '%s' AND matviewname = '%s'
) AS exists`, MatviewSchema, viewName)

	rows, err := r.pool.QueryContext(ctx, sql)
	if err != nil {
		return false, fmt.Errorf("runner: view existence check: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return false, nil
	}

	var exists bool
	if err := rows.Scan(&exists); err != nil {
		return false, fmt.Errorf("runner: scan view existence: %w", err)
	}

	return exists, rows.Err()
}

func (r *MaterializedRunner) Execute(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any, limit int,
) ([]Row, error) {
	exists, err := r.ViewExists(ctx, view.Name)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, apperr.NewForView(apperr.NotMaterialized, "runner.MaterializedRunner.Execute", view.Name,
			fmt.Errorf("materialized view %s.%s does not exist", MatviewSchema, view.Name))
	}

	query := r.buildQuery(view.Name, filters, limit)

	start := time.Now()

	rows, err := r.pool.QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("runner: materialized query failed",
			slog.String("view", view.Name), slog.Any("error", err))

		return nil, apperr.NewForView(apperr.Transient, "runner.MaterializedRunner.Execute", view.Name, err)
	}

	results, err := scanRows(rows)
	if err != nil {
		return nil, apperr.NewForView(apperr.Transient, "runner.MaterializedRunner.Execute", view.Name, err)
	}

	r.recordExecution(time.Since(start))

	r.logger.Info("runner: materialized view query complete",
		slog.String("view", view.Name), slog.Int("rows", len(results)),
		slog.Duration("duration", time.Since(start)))

	return results, nil
}

func (r *MaterializedRunner) ExecuteCount(
	ctx context.Context, view viewdef.ViewDefinition, filters map[string]any,
) (int, error) {
	exists, err := r.ViewExists(ctx, view.Name)
	if err != nil {
		return 0, err
	}

	if !exists {
		return 0, apperr.NewForView(apperr.NotMaterialized, "runner.MaterializedRunner.ExecuteCount", view.Name,
			fmt.Errorf("materialized view %s.%s does not exist", MatviewSchema, view.Name))
	}

	query := r.buildCountQuery(view.Name, filters)

	rows, err := r.pool.QueryContext(ctx, query)
	if err != nil {
		return 0, apperr.NewForView(apperr.Transient, "runner.MaterializedRunner.ExecuteCount", view.Name, err)
	}

	count, err := scanCount(rows)
	if err != nil {
		return 0, apperr.NewForView(apperr.Transient, "runner.MaterializedRunner.ExecuteCount", view.Name, err)
	}

	return count, nil
}

func (r *MaterializedRunner) buildQuery(viewName string, filters map[string]any, limit int) string {
	sql := fmt.Sprintf("SELECT * FROM %s.%s", MatviewSchema, viewName)

	if where := r.buildWhere(filters); where != "" {
		sql += "\nWHERE " + where
	}

	if limit > 0 {
		sql += fmt.Sprintf("\nLIMIT %d", limit)
	}

	return sql
}

func (r *MaterializedRunner) buildCountQuery(viewName string, filters map[string]any) string {
	sql := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s.%s", MatviewSchema, viewName)

	if where := r.buildWhere(filters); where != "" {
		sql += "\nWHERE " + where
	}

	return sql
}

// buildWhere maps each filter to its view column and renders a
// predicate whose shape depends on the filter value's type, mirroring
// the original runner's str/int|float/list/dict branches (SPEC_FULL
// §4.4): strings become case-insensitive substring matches, numbers
// become equality, slices become IN lists, and maps carrying
// "start"/"end" keys become range predicates.
func (r *MaterializedRunner) buildWhere(filters map[string]any) string {
	if len(filters) == 0 {
		return ""
	}

	clauses := make([]string, 0, len(filters))

	for name, value := range filters {
		column := searchParamMappings[name]
		if column == "" {
			column = name
		}

		if clause := r.buildClause(column, value); clause != "" {
			clauses = append(clauses, clause)
		}
	}

	sort.Strings(clauses)

	return strings.Join(clauses, " AND ")
}

// buildClause renders one column's predicate according to the dynamic
// type of value.
func (r *MaterializedRunner) buildClause(column string, value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%s ILIKE '%%%s%%'", column, v)
	case int:
		return fmt.Sprintf("%s = %d", column, v)
	case int64:
		return fmt.Sprintf("%s = %d", column, v)
	case float64:
		return fmt.Sprintf("%s = %s", column, strconv.FormatFloat(v, 'g', -1, 64))
	case []string:
		return fmt.Sprintf("%s IN (%s)", column, quotedList(v))
	case []any:
		strs := make([]string, 0, len(v))
		for _, item := range v {
			strs = append(strs, fmt.Sprintf("%v", item))
		}

		return fmt.Sprintf("%s IN (%s)", column, quotedList(strs))
	case map[string]any:
		return rangeClause(column, v)
	case map[string]string:
		generic := make(map[string]any, len(v))
		for k, s := range v {
			generic[k] = s
		}

		return rangeClause(column, generic)
	default:
		r.logger.Warn("runner: unsupported materialized filter value type, ignoring",
			slog.String("column", column))

		return ""
	}
}

// quotedList renders values as a comma-separated, single-quoted SQL
// list for an IN clause.
func quotedList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, fmt.Sprintf("'%s'", v))
	}

	return strings.Join(quoted, ", ")
}

// rangeClause renders a dict filter value's "start"/"end" keys as a
// range predicate; either bound may be absent.
func rangeClause(column string, bounds map[string]any) string {
	var parts []string

	if start, ok := bounds["start"]; ok {
		parts = append(parts, fmt.Sprintf("%s >= '%v'", column, start))
	}

	if end, ok := bounds["end"]; ok {
		parts = append(parts, fmt.Sprintf("%s <= '%v'", column, end))
	}

	return strings.Join(parts, " AND ")
}

func (r *MaterializedRunner) recordExecution(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalQueries++
	r.totalMs += float64(d.Microseconds()) / 1000.0
}

// Statistics reports this runner's cumulative execution stats.
func (r *MaterializedRunner) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	return newStatistics("materialized", r.totalQueries, r.totalMs)
}
