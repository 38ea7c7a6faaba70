package runner

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMaterializedRunnerBuildQueryNoFilters(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	sql := r.buildQuery("patient_demographics", nil, 0)
	assert.Equal(t, "SELECT * FROM sqlonfhir.patient_demographics", sql)
}

func TestMaterializedRunnerBuildQueryWithFiltersAndLimit(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	sql := r.buildQuery("patient_demographics", map[string]any{"gender": "female"}, 10)
	assert.Contains(t, sql, "WHERE gender ILIKE '%female%'")
	assert.Contains(t, sql, "LIMIT 10")
}

func TestMaterializedRunnerBuildQueryMapsSearchParamToColumn(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	sql := r.buildQuery("patient_demographics", map[string]any{"birthdate": "1990"}, 0)
	assert.Contains(t, sql, "dob ILIKE '%1990%'")
}

func TestMaterializedRunnerBuildWhereNumericEquality(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	where := r.buildWhere(map[string]any{"age": 42})
	assert.Equal(t, "age = 42", where)
}

func TestMaterializedRunnerBuildWhereListExpandsToIn(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	where := r.buildWhere(map[string]any{"status": []string{"active", "pending"}})
	assert.Equal(t, "status IN ('active', 'pending')", where)
}

func TestMaterializedRunnerBuildWhereDictRangeBothBounds(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	where := r.buildWhere(map[string]any{"effective_date": map[string]any{"start": "2020-01-01", "end": "2020-12-31"}})
	assert.Equal(t, "effective_date >= '2020-01-01' AND effective_date <= '2020-12-31'", where)
}

func TestMaterializedRunnerBuildWhereDictRangeStartOnly(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	where := r.buildWhere(map[string]any{"effective_date": map[string]any{"start": "2020-01-01"}})
	assert.Equal(t, "effective_date >= '2020-01-01'", where)
}

func TestMaterializedRunnerBuildCountQuery(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	sql := r.buildCountQuery("patient_demographics", nil)
	assert.Equal(t, "SELECT COUNT(*) AS count FROM sqlonfhir.patient_demographics", sql)
}

func TestMaterializedRunnerStatisticsStartsEmpty(t *testing.T) {
	r := NewMaterializedRunner(nil, discardLogger())

	stats := r.Statistics()
	assert.Equal(t, "materialized", stats.RunnerType)
	assert.Zero(t, stats.TotalQueries)
	assert.Zero(t, stats.AverageExecutionTimeMs)
}
