package service

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenmed-dss-server/internal/domain"
)

func TestExplain_BalanceInvariant(t *testing.T) {
	e := NewAttributionEngine(newTestLogger(), testConfig())

	values := map[string]float64{"efficacy": 0.8, "safety": 1.0, "cost": 0.86, "evidence": 0.9}
	weights := map[string]float64{"efficacy": 0.4, "safety": 0.3, "cost": 0.1, "evidence": 0.2}
	final := 0.4*0.8 + 0.3*1.0 + 0.1*0.86 + 0.2*0.9

	attribution, err := e.Explain(final, values, weights, 0)
	require.NoError(t, err)

	sum := 0.0
	for _, c := range attribution.Contributions {
		sum += c
	}
	assert.Less(t, math.Abs(attribution.BaseValue+sum-attribution.FinalValue), 1e-6)
	assert.Len(t, attribution.Contributions, 4)
	assert.NotEmpty(t, attribution.ID)
}

func TestExplain_ReferenceValuesShiftContributions(t *testing.T) {
	cfg := testConfig()
	cfg.ReferenceValues = map[string]float64{"age": 50}
	e := NewAttributionEngine(newTestLogger(), cfg)

	values := map[string]float64{"age": 60}
	weights := map[string]float64{"age": 0.1}

	attribution, err := e.Explain(1.5, values, weights, 0.5)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, attribution.Contributions["age"], 1e-12)
}

func TestExplain_InconsistencyRejected(t *testing.T) {
	e := NewAttributionEngine(newTestLogger(), testConfig())

	values := map[string]float64{"efficacy": 0.8}
	weights := map[string]float64{"efficacy": 0.4}

	_, err := e.Explain(0.9, values, weights, 0)

	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrAttributionInconsistency))
}

func TestExplain_IgnoresUnweightedFeatures(t *testing.T) {
	e := NewAttributionEngine(newTestLogger(), testConfig())

	values := map[string]float64{"efficacy": 0.5, "noise": 99}
	weights := map[string]float64{"efficacy": 1.0}

	attribution, err := e.Explain(0.5, values, weights, 0)
	require.NoError(t, err)

	assert.Len(t, attribution.Contributions, 1)
	assert.NotContains(t, attribution.Contributions, "noise")
}

func TestFeatureInteractions(t *testing.T) {
	e := NewAttributionEngine(newTestLogger(), testConfig())

	values := map[string]float64{"a": 2, "b": 3, "c": 0}
	weights := map[string]float64{"a": 1, "b": 0.5, "c": 1}
	pairs := []domain.FeaturePair{
		{First: "a", Second: "b"},
		{First: "a", Second: "c"},
		{First: "a", Second: "missing"},
	}

	interactions := e.FeatureInteractions(values, weights, pairs)

	// |1·2 × 0.5·3| = 3
	assert.InDelta(t, 3.0, interactions[pairs[0]], 1e-12)
	assert.Zero(t, interactions[pairs[1]])
	assert.Zero(t, interactions[pairs[2]])
}

func TestTopContributingPairs(t *testing.T) {
	e := NewAttributionEngine(newTestLogger(), testConfig())

	values := map[string]float64{"a": 5, "b": 1, "c": 3}
	weights := map[string]float64{"a": 1, "b": 1, "c": 1}

	pairs := e.TopContributingPairs(values, weights, 2)

	require.Len(t, pairs, 2)
	assert.Equal(t, domain.FeaturePair{First: "a", Second: "c"}, pairs[0])
	assert.Equal(t, domain.FeaturePair{First: "a", Second: "b"}, pairs[1])
}
