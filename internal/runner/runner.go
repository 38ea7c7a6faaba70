// Package runner implements the serving layer's runner hierarchy:
// materialized-view, relational, and recent-writes execution strategies
// plus the hybrid runner that picks between them (SPEC_FULL §4.4).
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/correlator-io/queryengine/internal/viewdef"
)

// Row is one result row, keyed by projected column name. Column values
// come back as whatever database/sql produces for the underlying
// Postgres type (string, int64, float64, bool, time.Time, nil).
type Row map[string]any

// Runner executes a ViewDefinition against some backend and returns
// tabular rows, mirroring the interface every concrete backend in
// SPEC_FULL §4.4 implements so callers can swap backends without
// changing call sites.
//
// Filter values are untyped (SPEC_FULL §4.4): a string renders as a
// case-insensitive substring match, a number as equality, a []any as
// an IN list, and a map[string]any carrying "start"/"end" keys as a
// range predicate. The relational path (§4.3) only ever recognizes
// string values for its fixed search-parameter vocabulary; see
// toStringFilters in relational.go for how it narrows this type back
// down for the query builder.
type Runner interface {
	Execute(ctx context.Context, view viewdef.ViewDefinition, filters map[string]any, limit int) ([]Row, error)
	ExecuteCount(ctx context.Context, view viewdef.ViewDefinition, filters map[string]any) (int, error)
}

// Statistics is the execution-stats snapshot every runner exposes for
// the API layer's /stats endpoint.
type Statistics struct {
	RunnerType            string  `json:"runner_type"`
	TotalQueries          int64   `json:"total_queries"`
	TotalExecutionTimeMs  float64 `json:"total_execution_time_ms"`
	AverageExecutionTimeMs float64 `json:"average_execution_time_ms"`
}

func newStatistics(runnerType string, totalQueries int64, totalMs float64) Statistics {
	var avg float64
	if totalQueries > 0 {
		avg = totalMs / float64(totalQueries)
	}

	return Statistics{
		RunnerType:             runnerType,
		TotalQueries:           totalQueries,
		TotalExecutionTimeMs:   totalMs,
		AverageExecutionTimeMs: avg,
	}
}

// GetSchema infers a view's column → type mapping directly from its
// definition without touching the document store; the returned map
// carries no column order. Type inference is name-based (SPEC_FULL §4.7): columns whose
// name contains "date" or "time" are datetime, "count" or "age" are
// integer, "value" or "score" are float, everything else is string.
func GetSchema(view viewdef.ViewDefinition) map[string]string {
	schema := make(map[string]string)
	collectColumnNames(view.Select, schema)

	return schema
}

func collectColumnNames(scopes []viewdef.SelectScope, schema map[string]string) {
	for _, scope := range scopes {
		for _, col := range scope.Column {
			schema[col.Name] = inferColumnType(col.Name)
		}

		if len(scope.Select) > 0 {
			collectColumnNames(scope.Select, schema)
		}
	}
}

func inferColumnType(name string) string {
	lower := strings.ToLower(name)

	switch {
	case strings.Contains(lower, "date"), strings.Contains(lower, "time"):
		return "datetime"
	case strings.Contains(lower, "count"), strings.Contains(lower, "age"):
		return "integer"
	case strings.Contains(lower, "value"), strings.Contains(lower, "score"):
		return "float"
	default:
		return "string"
	}
}

// scanRows drains rows into a slice of Row using the driver-reported
// column names, so a runner never needs to know a ViewDefinition's
// projected columns ahead of time.
func scanRows(rows *sql.Rows) ([]Row, error) {
	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("runner: columns: %w", err)
	}

	var results []Row

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("runner: scan: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runner: row iteration: %w", err)
	}

	return results, nil
}

// scanCount reads a single "count" column out of a COUNT query's rows.
func scanCount(rows *sql.Rows) (int, error) {
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return 0, nil
	}

	var count int
	if err := rows.Scan(&count); err != nil {
		return 0, fmt.Errorf("runner: scan count: %w", err)
	}

	return count, rows.Err()
}
