package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/correlator-io/queryengine/internal/runner"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

func TestParseExecuteParamsDefaultsCapToUnlimited(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/views/patient_simple?gender=female", nil)

	filters, cap := parseExecuteParams(req)

	assert.Equal(t, defaultExecuteCap, cap)
	assert.Equal(t, map[string]any{"gender": "female"}, filters)
}

func TestParseExecuteParamsReadsCapAndExcludesItFromFilters(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/views/patient_simple?gender=male&cap=50", nil)

	filters, cap := parseExecuteParams(req)

	assert.Equal(t, 50, cap)
	assert.Equal(t, map[string]any{"gender": "male"}, filters)
}

func TestParseExecuteParamsIgnoresNonPositiveCap(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/views/patient_simple?cap=-5", nil)

	_, cap := parseExecuteParams(req)

	assert.Equal(t, defaultExecuteCap, cap)
}

func TestParseExecuteParamsRepeatedKeyBecomesList(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/views/patient_simple?status=active&status=pending", nil)

	filters, _ := parseExecuteParams(req)

	assert.Equal(t, map[string]any{"status": []string{"active", "pending"}}, filters)
}

func TestToExecuteResponseFlattensRowsAndSchema(t *testing.T) {
	view := viewdef.ViewDefinition{
		Name: "patient_simple",
		Kind: "Patient",
		Select: []viewdef.SelectScope{
			{Column: []viewdef.Column{{Name: "patient_id"}, {Name: "birth_date"}}},
		},
	}
	rows := []runner.Row{{"patient_id": "p1", "birth_date": "1990-01-01"}}

	resp := toExecuteResponse(view, rows, "SELECT 1")

	assert.Equal(t, "patient_simple", resp.ViewName)
	assert.Equal(t, 1, resp.RowCount)
	assert.Equal(t, "datetime", resp.Schema["birth_date"])
	assert.Equal(t, "string", resp.Schema["patient_id"])
	assert.Equal(t, "SELECT 1", resp.GeneratedSQL)
}

func TestToRowMapsPreservesOrder(t *testing.T) {
	rows := []runner.Row{{"a": 1}, {"a": 2}}

	maps := toRowMaps(rows)

	assert.Len(t, maps, 2)
	assert.Equal(t, 1, maps[0]["a"])
	assert.Equal(t, 2, maps[1]["a"])
}
