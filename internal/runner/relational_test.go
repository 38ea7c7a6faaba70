package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/correlator-io/queryengine/internal/viewdef"
)

func demoView() viewdef.ViewDefinition {
	return viewdef.ViewDefinition{
		Name: "patient_demographics",
		Kind: "Patient",
		Select: []viewdef.SelectScope{
			{Column: []viewdef.Column{
				{Name: "id", Path: "getResourceKey()"},
				{Name: "gender", Path: "gender"},
			}},
		},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	v := demoView()

	a := fingerprint(v, map[string]string{"gender": "female"}, 10)
	b := fingerprint(v, map[string]string{"gender": "female"}, 10)
	assert.Equal(t, a, b)
}

func TestFingerprintOrderIndependent(t *testing.T) {
	v := demoView()

	a := fingerprint(v, map[string]string{"gender": "female", "family": "Smith"}, 0)
	b := fingerprint(v, map[string]string{"family": "Smith", "gender": "female"}, 0)
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersOnLimit(t *testing.T) {
	v := demoView()

	a := fingerprint(v, nil, 10)
	b := fingerprint(v, nil, 20)
	assert.NotEqual(t, a, b)
}

func TestRelationalRunnerCacheHitAndExpiry(t *testing.T) {
	r := NewRelationalRunner(nil, discardLogger(), 50*time.Millisecond)

	key := "test-key"
	rows := []Row{{"id": "1"}}

	r.putInCache(key, rows)

	got, ok := r.fromCache(key)
	assert.True(t, ok)
	assert.Equal(t, rows, got)

	time.Sleep(60 * time.Millisecond)

	_, ok = r.fromCache(key)
	assert.False(t, ok)
}

func TestRelationalRunnerClearCache(t *testing.T) {
	r := NewRelationalRunner(nil, discardLogger(), time.Minute)

	r.putInCache("k", []Row{{"id": "1"}})
	r.ClearCache()

	_, ok := r.fromCache("k")
	assert.False(t, ok)
}

func TestRelationalRunnerStatisticsStartsEmpty(t *testing.T) {
	r := NewRelationalRunner(nil, discardLogger(), time.Minute)

	stats := r.Statistics()
	assert.Equal(t, "relational", stats.RunnerType)
	assert.Zero(t, stats.TotalQueries)
}
