package service

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// AttributionEngine decomposes a final score into additive per-feature
// contributions for transparency. The additivity invariant is hard: an
// unbalanced explanation is rejected, never silently repaired, because
// downstream transparency scoring assumes the contributions sum exactly.
type AttributionEngine struct {
	logger *logrus.Logger
	cfg    domain.PipelineConfig
}

// NewAttributionEngine creates a new attribution engine
func NewAttributionEngine(logger *logrus.Logger, cfg domain.PipelineConfig) *AttributionEngine {
	return &AttributionEngine{
		logger: logger,
		cfg:    cfg,
	}
}

// Explain computes per-feature contributions:
// contribution[f] = weight[f] × (value[f] − reference[f]),
// where reference is the configured population baseline (0 when unset).
// Fails with an attribution inconsistency error when
// |base + Σ contributions − final| ≥ epsilon.
func (e *AttributionEngine) Explain(finalValue float64, featureValues, featureWeights map[string]float64, baseValue float64) (*domain.Attribution, error) {
	contributions := make(map[string]float64, len(featureValues))
	sum := 0.0

	for feature, value := range featureValues {
		weight, ok := featureWeights[feature]
		if !ok {
			continue
		}
		contribution := weight * (value - e.referenceValue(feature))
		contributions[feature] = contribution
		sum += contribution
	}

	attribution := &domain.Attribution{
		ID:            uuid.NewString(),
		BaseValue:     baseValue,
		FinalValue:    finalValue,
		Contributions: contributions,
		CreatedAt:     time.Now().UTC(),
	}

	imbalance := math.Abs(baseValue + sum - finalValue)
	if imbalance >= e.epsilon() {
		e.logger.WithFields(logrus.Fields{
			"attribution_id": attribution.ID,
			"base_value":     baseValue,
			"final_value":    finalValue,
			"sum":            sum,
			"imbalance":      imbalance,
		}).Error("Attribution additivity invariant violated")
		return nil, domain.NewAttributionInconsistencyError(attribution.ID, imbalance)
	}

	return attribution, nil
}

// FeatureInteractions computes pairwise interaction magnitude for the given
// feature pairs: the deviation of the joint contribution from the sum of the
// individual contributions, which for the multiplicative joint term reduces to
// |w1·(v1−r1) · w2·(v2−r2)|.
func (e *AttributionEngine) FeatureInteractions(featureValues, featureWeights map[string]float64, pairs []domain.FeaturePair) map[domain.FeaturePair]float64 {
	interactions := make(map[domain.FeaturePair]float64, len(pairs))

	for _, pair := range pairs {
		c1 := e.contribution(pair.First, featureValues, featureWeights)
		c2 := e.contribution(pair.Second, featureValues, featureWeights)
		interactions[pair] = math.Abs(c1 * c2)
	}

	return interactions
}

// TopContributingPairs returns the n feature pairs with the largest combined
// absolute contribution, ordered deterministically.
func (e *AttributionEngine) TopContributingPairs(featureValues, featureWeights map[string]float64, n int) []domain.FeaturePair {
	features := make([]string, 0, len(featureValues))
	for f := range featureValues {
		if _, ok := featureWeights[f]; ok {
			features = append(features, f)
		}
	}
	sort.Strings(features)

	type weightedPair struct {
		pair      domain.FeaturePair
		magnitude float64
	}

	var pairs []weightedPair
	for i := 0; i < len(features); i++ {
		for j := i + 1; j < len(features); j++ {
			p := domain.FeaturePair{First: features[i], Second: features[j]}
			magnitude := math.Abs(e.contribution(p.First, featureValues, featureWeights)) +
				math.Abs(e.contribution(p.Second, featureValues, featureWeights))
			pairs = append(pairs, weightedPair{pair: p, magnitude: magnitude})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].magnitude != pairs[j].magnitude {
			return pairs[i].magnitude > pairs[j].magnitude
		}
		if pairs[i].pair.First != pairs[j].pair.First {
			return pairs[i].pair.First < pairs[j].pair.First
		}
		return pairs[i].pair.Second < pairs[j].pair.Second
	})

	if n > len(pairs) {
		n = len(pairs)
	}
	result := make([]domain.FeaturePair, n)
	for i := 0; i < n; i++ {
		result[i] = pairs[i].pair
	}
	return result
}

func (e *AttributionEngine) contribution(feature string, values, weights map[string]float64) float64 {
	value, okV := values[feature]
	weight, okW := weights[feature]
	if !okV || !okW {
		return 0
	}
	return weight * (value - e.referenceValue(feature))
}

func (e *AttributionEngine) referenceValue(feature string) float64 {
	if e.cfg.ReferenceValues == nil {
		return 0
	}
	return e.cfg.ReferenceValues[feature]
}

func (e *AttributionEngine) epsilon() float64 {
	if e.cfg.Epsilon <= 0 {
		return 1e-6
	}
	return e.cfg.Epsilon
}
