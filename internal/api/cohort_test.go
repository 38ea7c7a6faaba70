package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/correlator-io/queryengine/internal/join"
)

func TestToPostFiltersEmptyConditions(t *testing.T) {
	assert.Nil(t, toPostFilters(nil))
	assert.Nil(t, toPostFilters([]string{}))
}

func TestToPostFiltersBuildsTextSearchFilters(t *testing.T) {
	filters := toPostFilters([]string{"diabetes", "hypertension"})

	assert.Equal(t, []join.PostFilter{
		{Field: conditionFilterField, ConditionName: "diabetes", UseTextSearch: true},
		{Field: conditionFilterField, ConditionName: "hypertension", UseTextSearch: true},
	}, filters)
}
