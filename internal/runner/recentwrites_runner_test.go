package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/queryengine/internal/recentwrites"
	"github.com/correlator-io/queryengine/internal/viewdef"
)

func TestRecentWritesRunnerExecuteFindsPatients(t *testing.T) {
	store := recentwrites.NewMemStore(time.Hour)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "Patient", "1", map[string]any{
		"id": "1", "gender": "female",
	}, time.Minute))

	r := NewRecentWritesRunner(store, discardLogger())

	result, err := r.Execute(ctx, viewdef.ViewDefinition{Name: "patients", Kind: "Patient"}, nil, 0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "speed_layer", result.Source)
	assert.Equal(t, 1, result.TotalCount)
	assert.Contains(t, result.PatientIDs, "1")
}

func TestRecentWritesRunnerExecuteFiltersByGender(t *testing.T) {
	store := recentwrites.NewMemStore(time.Hour)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "Patient", "1", map[string]any{"id": "1", "gender": "female"}, time.Minute))
	require.NoError(t, store.Put(ctx, "Patient", "2", map[string]any{"id": "2", "gender": "male"}, time.Minute))

	r := NewRecentWritesRunner(store, discardLogger())

	result, err := r.Execute(
		ctx, viewdef.ViewDefinition{Name: "patients", Kind: "Patient"},
		map[string]any{"gender": "female"}, 0, time.Time{},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, result.PatientIDs)
}

func TestRecentWritesRunnerExtractsSubjectPatientID(t *testing.T) {
	store := recentwrites.NewMemStore(time.Hour)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "Condition", "c1", map[string]any{
		"id":      "c1",
		"subject": map[string]any{"reference": "Patient/42"},
	}, time.Minute))

	r := NewRecentWritesRunner(store, discardLogger())

	result, err := r.Execute(ctx, viewdef.ViewDefinition{Name: "conditions", Kind: "Condition"}, nil, 0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, result.PatientIDs)
}

func TestRecentWritesRunnerAppliesLimit(t *testing.T) {
	store := recentwrites.NewMemStore(time.Hour)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "Patient", "1", map[string]any{"id": "1"}, time.Minute))
	require.NoError(t, store.Put(ctx, "Patient", "2", map[string]any{"id": "2"}, time.Minute))

	r := NewRecentWritesRunner(store, discardLogger())

	result, err := r.Execute(ctx, viewdef.ViewDefinition{Name: "patients", Kind: "Patient"}, nil, 1, time.Time{})
	require.NoError(t, err)
	assert.Len(t, result.Resources, 1)
}
