// Package integrity validates the referential integrity of the
// engine's materialized views: that foreign keys between views
// resolve, that reference columns follow FHIR's Kind/id format, that
// the dual-column (ref + id) convention stays consistent, and that
// the cross-view JOINs the join planner relies on stay fast
// (SPEC_FULL §4.11).
package integrity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Schema is the Postgres schema the validated materialized views live in.
const Schema = "sqlonfhir"

// joinPerformanceThreshold is the ceiling a cross-view JOIN must stay
// under for the JOIN Performance check to pass.
const joinPerformanceThreshold = 100 * time.Millisecond

// ValidationResult is the outcome of a single integrity check.
type ValidationResult struct {
	TestName       string
	Passed         bool
	TotalCount     int64
	ValidCount     int64
	InvalidCount   int64
	OrphanedCount  int64
	ExecutionTime  time.Duration
	Errors         []string
	Warnings       []string
}

// SuccessRate returns the percentage of TotalCount that was ValidCount.
// A check with no rows to examine reports 100%.
func (r ValidationResult) SuccessRate() float64 {
	if r.TotalCount == 0 {
		return 100.0
	}

	return (float64(r.ValidCount) / float64(r.TotalCount)) * 100.0
}

// IntegrityReport aggregates every check run by ValidateAll.
type IntegrityReport struct {
	SchemaName    string
	Timestamp     time.Time
	OverallPassed bool
	Results       []ValidationResult
}

// PassedCount returns how many of the report's checks passed.
func (r IntegrityReport) PassedCount() int {
	count := 0

	for _, res := range r.Results {
		if res.Passed {
			count++
		}
	}

	return count
}

// Validator runs referential-integrity checks against the document
// store's materialized views. It is stateless aside from its pool and
// logger; a single instance can be reused across runs.
type Validator struct {
	pool   queryRower
	logger *slog.Logger
}

// queryRower is the subset of *docstore.Pool the validator needs.
// Declared locally so tests can supply a stub without pulling in a
// live connection pool.
type queryRower interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewValidator creates a Validator bound to pool.
func NewValidator(pool queryRower, logger *slog.Logger) *Validator {
	return &Validator{pool: pool, logger: logger}
}

// ValidateAll runs every integrity check and returns the aggregate report.
func (v *Validator) ValidateAll(ctx context.Context) IntegrityReport {
	timestamp := time.Now()

	checks := []func(context.Context) ValidationResult{
		v.validatePatientReferencesInConditions,
		v.validatePatientReferencesInObservations,
		v.validateReferenceFormatConsistency,
		v.validateDualColumnConsistency,
		v.validateJoinPerformance,
		v.validateCardinality,
	}

	results := make([]ValidationResult, 0, len(checks))
	overallPassed := true

	for _, check := range checks {
		result := check(ctx)
		results = append(results, result)

		if !result.Passed {
			overallPassed = false
		}

		v.logger.Info("integrity: check complete",
			slog.String("test", result.TestName),
			slog.Bool("passed", result.Passed),
			slog.Duration("duration", result.ExecutionTime))
	}

	return IntegrityReport{
		SchemaName:    Schema,
		Timestamp:     timestamp,
		OverallPassed: overallPassed,
		Results:       results,
	}
}

func (v *Validator) validatePatientReferencesInConditions(ctx context.Context) ValidationResult {
	const testName = "Patient References in Conditions"

	start := time.Now()

	conditionExists, err := v.viewExists(ctx, "condition_simple")
	if err != nil {
		return failedResult(testName, err)
	}

	patientExists, err := v.viewExists(ctx, "patient_demographics")
	if err != nil {
		return failedResult(testName, err)
	}

	if !conditionExists || !patientExists {
		return ValidationResult{TestName: testName, Errors: []string{"required views do not exist"}}
	}

	total, err := v.scalarCount(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s.condition_simple WHERE patient_id IS NOT NULL`, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	valid, err := v.scalarCount(ctx, fmt.Sprintf(`
SELECT COUNT(*) FROM %s.condition_simple c
INNER JOIN %s.patient_demographics p ON c.patient_id = p.patient_id
WHERE c.patient_id IS NOT NULL`, Schema, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	orphaned, err := v.scalarCount(ctx, fmt.Sprintf(`
SELECT COUNT(*) FROM %s.condition_simple c
LEFT JOIN %s.patient_demographics p ON c.patient_id = p.patient_id
WHERE c.patient_id IS NOT NULL AND p.patient_id IS NULL`, Schema, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	var warnings []string
	if orphaned > 0 {
		warnings = append(warnings, fmt.Sprintf("found %d conditions referencing non-existent patients", orphaned))
	}

	return ValidationResult{
		TestName:      testName,
		Passed:        orphaned == 0,
		TotalCount:    total,
		ValidCount:    valid,
		OrphanedCount: orphaned,
		ExecutionTime: time.Since(start),
		Warnings:      warnings,
	}
}

func (v *Validator) validatePatientReferencesInObservations(ctx context.Context) ValidationResult {
	const testName = "Patient References in Observations"

	start := time.Now()

	obsExists, err := v.viewExists(ctx, "observation_labs")
	if err != nil {
		return failedResult(testName, err)
	}

	patientExists, err := v.viewExists(ctx, "patient_demographics")
	if err != nil {
		return failedResult(testName, err)
	}

	if !obsExists || !patientExists {
		return ValidationResult{TestName: testName, Errors: []string{"required views do not exist"}}
	}

	total, err := v.scalarCount(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s.observation_labs WHERE patient_id IS NOT NULL`, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	valid, err := v.scalarCount(ctx, fmt.Sprintf(`
SELECT COUNT(*) FROM %s.observation_labs o
INNER JOIN %s.patient_demographics p ON o.patient_id = p.patient_id
WHERE o.patient_id IS NOT NULL`, Schema, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	orphaned, err := v.scalarCount(ctx, fmt.Sprintf(`
SELECT COUNT(*) FROM %s.observation_labs o
LEFT JOIN %s.patient_demographics p ON o.patient_id = p.patient_id
WHERE o.patient_id IS NOT NULL AND p.patient_id IS NULL`, Schema, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	var warnings []string
	if orphaned > 0 {
		warnings = append(warnings, fmt.Sprintf("found %d observations referencing non-existent patients", orphaned))
	}

	return ValidationResult{
		TestName:      testName,
		Passed:        orphaned == 0,
		TotalCount:    total,
		ValidCount:    valid,
		OrphanedCount: orphaned,
		ExecutionTime: time.Since(start),
		Warnings:      warnings,
	}
}

func (v *Validator) validateReferenceFormatConsistency(ctx context.Context) ValidationResult {
	const testName = "FHIR Reference Format Consistency"

	start := time.Now()

	conditionTotal, conditionValid, err := v.referenceFormatCounts(ctx, "condition_simple")
	if err != nil {
		return failedResult(testName, err)
	}

	obsTotal, obsValid, err := v.referenceFormatCounts(ctx, "observation_labs")
	if err != nil {
		return failedResult(testName, err)
	}

	total := conditionTotal + obsTotal
	valid := conditionValid + obsValid
	invalid := total - valid

	var errs []string
	if invalid > 0 {
		errs = append(errs, fmt.Sprintf("found %d references not following 'Patient/{id}' format", invalid))
	}

	return ValidationResult{
		TestName:      testName,
		Passed:        invalid == 0,
		TotalCount:    total,
		ValidCount:    valid,
		InvalidCount:  invalid,
		ExecutionTime: time.Since(start),
		Errors:        errs,
	}
}

func (v *Validator) referenceFormatCounts(ctx context.Context, viewName string) (total, valid int64, err error) {
	query := fmt.Sprintf(`
SELECT COUNT(*), COALESCE(SUM(CASE WHEN patient_ref LIKE 'Patient/%%' THEN 1 ELSE 0 END), 0)
FROM %s.%s WHERE patient_ref IS NOT NULL`, Schema, viewName)

	rows, err := v.pool.QueryContext(ctx, query)
	if err != nil {
		return 0, 0, fmt.Errorf("integrity: reference format counts for %s: %w", viewName, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	if rows.Next() {
		if err := rows.Scan(&total, &valid); err != nil {
			return 0, 0, fmt.Errorf("integrity: scan reference format counts: %w", err)
		}
	}

	return total, valid, rows.Err()
}

func (v *Validator) validateDualColumnConsistency(ctx context.Context) ValidationResult {
	const testName = "Dual Column Consistency"

	start := time.Now()

	conditionTotal, conditionConsistent, err := v.dualColumnCounts(ctx, "condition_simple")
	if err != nil {
		return failedResult(testName, err)
	}

	obsTotal, obsConsistent, err := v.dualColumnCounts(ctx, "observation_labs")
	if err != nil {
		return failedResult(testName, err)
	}

	total := conditionTotal + obsTotal
	consistent := conditionConsistent + obsConsistent
	inconsistent := total - consistent

	var errs []string
	if inconsistent > 0 {
		errs = append(errs, fmt.Sprintf(
			"found %d records where patient_id doesn't match the id extracted from patient_ref", inconsistent))
	}

	return ValidationResult{
		TestName:      testName,
		Passed:        inconsistent == 0,
		TotalCount:    total,
		ValidCount:    consistent,
		InvalidCount:  inconsistent,
		ExecutionTime: time.Since(start),
		Errors:        errs,
	}
}

func (v *Validator) dualColumnCounts(ctx context.Context, viewName string) (total, consistent int64, err error) {
	query := fmt.Sprintf(`
SELECT COUNT(*), COALESCE(SUM(CASE WHEN patient_id = SPLIT_PART(patient_ref, '/', 2) THEN 1 ELSE 0 END), 0)
FROM %s.%s WHERE patient_ref IS NOT NULL AND patient_id IS NOT NULL`, Schema, viewName)

	rows, err := v.pool.QueryContext(ctx, query)
	if err != nil {
		return 0, 0, fmt.Errorf("integrity: dual column counts for %s: %w", viewName, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	if rows.Next() {
		if err := rows.Scan(&total, &consistent); err != nil {
			return 0, 0, fmt.Errorf("integrity: scan dual column counts: %w", err)
		}
	}

	return total, consistent, rows.Err()
}

func (v *Validator) validateJoinPerformance(ctx context.Context) ValidationResult {
	const testName = "JOIN Performance"

	start := time.Now()

	query := fmt.Sprintf(`
SELECT COUNT(*) FROM %s.condition_simple c
INNER JOIN %s.patient_demographics p ON c.patient_id = p.patient_id`, Schema, Schema)

	joinStart := time.Now()

	count, err := v.scalarCount(ctx, query)
	if err != nil {
		return failedResult(testName, err)
	}

	joinTime := time.Since(joinStart)

	passed := joinTime < joinPerformanceThreshold

	var warnings []string
	if !passed {
		warnings = append(warnings, fmt.Sprintf("JOIN took %s (threshold %s)", joinTime, joinPerformanceThreshold))
	}

	return ValidationResult{
		TestName:      testName,
		Passed:        passed,
		TotalCount:    count,
		ValidCount:    count,
		ExecutionTime: time.Since(start),
		Warnings:      warnings,
	}
}

func (v *Validator) validateCardinality(ctx context.Context) ValidationResult {
	const testName = "Relationship Cardinality"

	start := time.Now()

	patientCount, err := v.scalarCount(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s.patient_demographics`, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	conditionCount, err := v.scalarCount(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s.condition_simple WHERE patient_id IS NOT NULL`, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	patientsWithConditions, err := v.scalarCount(ctx, fmt.Sprintf(
		`SELECT COUNT(DISTINCT patient_id) FROM %s.condition_simple WHERE patient_id IS NOT NULL`, Schema))
	if err != nil {
		return failedResult(testName, err)
	}

	passed := conditionCount >= patientsWithConditions

	ratio := 0.0
	if patientsWithConditions > 0 {
		ratio = float64(conditionCount) / float64(patientsWithConditions)
	}

	return ValidationResult{
		TestName:      testName,
		Passed:        passed,
		TotalCount:    conditionCount,
		ValidCount:    conditionCount,
		ExecutionTime: time.Since(start),
		Warnings: []string{
			fmt.Sprintf("patients: %d", patientCount),
			fmt.Sprintf("conditions: %d", conditionCount),
			fmt.Sprintf("patients with conditions: %d", patientsWithConditions),
			fmt.Sprintf("avg conditions per patient: %.2f", ratio),
		},
	}
}

func (v *Validator) viewExists(ctx context.Context, viewName string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (
    SELECT 1 FROM pg_matviews WHERE schemaname = '%s' AND matviewname = '%s'
)`, Schema, viewName)

	rows, err := v.pool.QueryContext(ctx, query)
	if err != nil {
		return false, fmt.Errorf("integrity: view exists check: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return false, nil
	}

	var exists bool
	if err := rows.Scan(&exists); err != nil {
		return false, fmt.Errorf("integrity: scan exists: %w", err)
	}

	return exists, rows.Err()
}

func (v *Validator) scalarCount(ctx context.Context, query string) (int64, error) {
	rows, err := v.pool.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("integrity: scalar count: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var count int64

	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("integrity: scan scalar count: %w", err)
		}
	}

	return count, rows.Err()
}

func failedResult(testName string, err error) ValidationResult {
	return ValidationResult{TestName: testName, Errors: []string{err.Error()}}
}
