package integrity

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidationResultSuccessRate(t *testing.T) {
	r := ValidationResult{TotalCount: 200, ValidCount: 198}
	assert.InDelta(t, 99.0, r.SuccessRate(), 0.001)
}

func TestValidationResultSuccessRateNoRows(t *testing.T) {
	r := ValidationResult{}
	assert.Equal(t, 100.0, r.SuccessRate())
}

func TestIntegrityReportPassedCount(t *testing.T) {
	report := IntegrityReport{
		Results: []ValidationResult{
			{TestName: "a", Passed: true},
			{TestName: "b", Passed: false},
			{TestName: "c", Passed: true},
		},
	}

	assert.Equal(t, 2, report.PassedCount())
}

// stubRower lets tests construct a Validator without a live
// connection pool; its QueryContext is never expected to be called by
// the pure-logic tests in this file.
type stubRower struct{}

func (stubRower) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, sql.ErrNoRows
}

func TestNewValidatorWiresPoolAndLogger(t *testing.T) {
	v := NewValidator(stubRower{}, discardLogger())
	assert.NotNil(t, v)
}

func TestJoinPerformanceThresholdIsReasonable(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, joinPerformanceThreshold)
}

func TestFailedResultCarriesErrorMessage(t *testing.T) {
	r := failedResult("Some Check", assertError{"boom"})
	assert.False(t, r.Passed)
	assert.Contains(t, r.Errors, "boom")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
