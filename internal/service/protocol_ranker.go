package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// ProtocolRanker scores competing therapy protocols against weighted criteria
// and produces a ranked set per school of thought plus a cross-school best
// pick. Protocols that trip the contraindication safety gate are excluded from
// ranked output entirely, never merely down-ranked.
type ProtocolRanker struct {
	logger *logrus.Logger
	cfg    domain.PipelineConfig
}

// NewProtocolRanker creates a new protocol ranking engine
func NewProtocolRanker(logger *logrus.Logger, cfg domain.PipelineConfig) *ProtocolRanker {
	return &ProtocolRanker{
		logger: logger,
		cfg:    cfg,
	}
}

// RankProtocols scores candidate protocols for a ranked diagnosis.
// aggregate_score = w.efficacy × calibrated confidence
//   + w.safety × (1 − contraindication penalty)
//   + w.cost × cost normalization
//   + w.evidence × overall evidence quality.
// Scoring an already-scored protocol creates a new version; the prior record
// is never edited in place.
func (r *ProtocolRanker) RankProtocols(patient *domain.PatientFeatureVector, diagnosis domain.RankedDiagnosis, candidates []domain.Protocol, weights domain.RankingWeights) (*domain.RankedProtocols, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	result := &domain.RankedProtocols{
		BySchool: make(map[domain.SchoolOfThought][]domain.Protocol),
	}

	for _, candidate := range candidates {
		penalty, matched := r.contraindicationPenalty(&candidate, patient)

		if reason := r.exclusionReason(penalty, matched); reason != "" {
			result.Excluded = append(result.Excluded, domain.ExcludedProtocol{
				ProtocolID: candidate.ID,
				Reason:     reason,
			})
			r.logger.WithFields(logrus.Fields{
				"protocol_id": candidate.ID,
				"patient_id":  patient.PatientID,
				"reason":      reason,
			}).Warn("Protocol excluded by safety gate")
			continue
		}

		scored := r.scoreProtocol(candidate, diagnosis.CalibratedConfidence, penalty, weights)
		result.BySchool[scored.School] = append(result.BySchool[scored.School], scored)
	}

	for school := range result.BySchool {
		protocols := result.BySchool[school]
		sort.SliceStable(protocols, func(i, j int) bool {
			if protocols[i].AggregateScore != protocols[j].AggregateScore {
				return protocols[i].AggregateScore > protocols[j].AggregateScore
			}
			return protocols[i].ID < protocols[j].ID
		})
		result.BySchool[school] = protocols

		if len(protocols) > 0 {
			top := protocols[0]
			// Exact score ties across schools resolve by protocol id so the
			// pick does not depend on map iteration order.
			if result.BestPick == nil ||
				top.AggregateScore > result.BestPick.AggregateScore ||
				(top.AggregateScore == result.BestPick.AggregateScore && top.ID < result.BestPick.ID) {
				pick := top
				result.BestPick = &pick
			}
		}
	}

	r.logger.WithFields(logrus.Fields{
		"diagnosis_code": diagnosis.Diagnosis.Code,
		"candidates":     len(candidates),
		"excluded":       len(result.Excluded),
		"schools":        len(result.BySchool),
	}).Info("Ranked candidate protocols")

	return result, nil
}

// scoreProtocol computes the aggregate score and returns a scored copy. A
// re-score of a previously scored protocol becomes a new version; scored-ness
// is tracked by ScoredAt, not inferred from the score value.
func (r *ProtocolRanker) scoreProtocol(p domain.Protocol, calibratedConfidence, penalty float64, weights domain.RankingWeights) domain.Protocol {
	now := time.Now().UTC()

	scored := p
	if !p.ScoredAt.IsZero() {
		scored.ID = uuid.NewString()
		scored.Version = p.Version + 1
		scored.PreviousVersionID = p.ID
		scored.CreatedAt = now
	}
	scored.ScoredAt = now

	scored.AggregateScore = weights.Efficacy*calibratedConfidence +
		weights.Safety*(1-penalty) +
		weights.Cost*r.costNormalization(p) +
		weights.Evidence*clamp01(p.EvidenceQuality)

	return scored
}

// contraindicationPenalty is the fraction of the protocol's contraindication
// list present in the patient's known conditions/medications. It also returns
// the matched contraindications for the exclusion decision.
func (r *ProtocolRanker) contraindicationPenalty(p *domain.Protocol, patient *domain.PatientFeatureVector) (float64, []string) {
	if len(p.Contraindications) == 0 {
		return 0, nil
	}

	conditions := make(map[string]bool, len(patient.Conditions))
	for _, c := range patient.Conditions {
		conditions[normalizeCondition(c)] = true
	}

	var matched []string
	for _, ci := range p.Contraindications {
		if conditions[normalizeCondition(ci)] {
			matched = append(matched, ci)
		}
	}

	return float64(len(matched)) / float64(len(p.Contraindications)), matched
}

// exclusionReason implements the hard safety gate. Any absolute
// contraindication forces exclusion regardless of threshold; otherwise a
// penalty at or above the configured threshold excludes the protocol.
func (r *ProtocolRanker) exclusionReason(penalty float64, matched []string) string {
	for _, m := range matched {
		for _, absolute := range r.cfg.AbsoluteContraindications {
			if normalizeCondition(m) == normalizeCondition(absolute) {
				return fmt.Sprintf("absolute contraindication present: %s", m)
			}
		}
	}

	if penalty >= r.cfg.ExclusionThreshold {
		return fmt.Sprintf("contraindication penalty %.2f at or above exclusion threshold %.2f (matched: %s)",
			penalty, r.cfg.ExclusionThreshold, strings.Join(matched, ", "))
	}

	return ""
}

// costNormalization maps the protocol's cost estimate midpoint into [0,1],
// where cheaper protocols score higher.
func (r *ProtocolRanker) costNormalization(p domain.Protocol) float64 {
	if r.cfg.CostCap <= 0 {
		return 0
	}
	midpoint := (p.CostEstimateLow + p.CostEstimateHigh) / 2
	return clamp01(1 - midpoint/r.cfg.CostCap)
}

func normalizeCondition(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
