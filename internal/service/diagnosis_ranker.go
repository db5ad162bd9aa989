package service

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// DiagnosisRanker turns raw candidate diagnoses and patient features into a
// confidence-ordered list. Raw confidences from the suggestion provider are
// untrusted and are calibrated against feature alignment before ranking.
type DiagnosisRanker struct {
	logger *logrus.Logger
	cfg    domain.PipelineConfig
}

// NewDiagnosisRanker creates a new diagnosis ranking engine
func NewDiagnosisRanker(logger *logrus.Logger, cfg domain.PipelineConfig) *DiagnosisRanker {
	return &DiagnosisRanker{
		logger: logger,
		cfg:    cfg,
	}
}

// RankDiagnoses calibrates each candidate's confidence and returns the
// candidates ordered by strictly non-increasing calibrated confidence.
// The ordering is deterministic: ties break on higher overlap factor, then on
// lexical order of taxonomy code.
func (r *DiagnosisRanker) RankDiagnoses(patient *domain.PatientFeatureVector, candidates []domain.CandidateDiagnosis) ([]domain.RankedDiagnosis, error) {
	if len(candidates) == 0 {
		patientID := ""
		if patient != nil {
			patientID = patient.PatientID
		}
		return nil, domain.NewEmptyCandidateSetError(patientID)
	}

	ranked := make([]domain.RankedDiagnosis, 0, len(candidates))
	for _, candidate := range candidates {
		factor := r.overlapFactor(candidate.RegenerativeTargets, patient.Findings)
		calibrated := clamp01(candidate.RawConfidence * factor)

		ranked = append(ranked, domain.RankedDiagnosis{
			Diagnosis:            candidate,
			CalibratedConfidence: calibrated,
			OverlapFactor:        factor,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].CalibratedConfidence != ranked[j].CalibratedConfidence {
			return ranked[i].CalibratedConfidence > ranked[j].CalibratedConfidence
		}
		if ranked[i].OverlapFactor != ranked[j].OverlapFactor {
			return ranked[i].OverlapFactor > ranked[j].OverlapFactor
		}
		return ranked[i].Diagnosis.Code < ranked[j].Diagnosis.Code
	})

	r.logger.WithFields(logrus.Fields{
		"patient_id":     patient.PatientID,
		"candidates":     len(candidates),
		"top_code":       ranked[0].Diagnosis.Code,
		"top_confidence": ranked[0].CalibratedConfidence,
	}).Info("Ranked candidate diagnoses")

	return ranked, nil
}

// overlapFactor computes the feature alignment factor in
// [OverlapFloor, OverlapFloor+OverlapSpan]. Candidates that declare no
// regenerative targets carry no alignment signal and get the neutral factor 1.
func (r *DiagnosisRanker) overlapFactor(targets, findings []string) float64 {
	if len(targets) == 0 {
		return 1.0
	}

	jaccard := jaccardOverlap(targets, findings)
	factor := r.cfg.OverlapFloor + r.cfg.OverlapSpan*jaccard

	floor := r.cfg.OverlapFloor
	ceil := r.cfg.OverlapFloor + r.cfg.OverlapSpan
	if factor < floor {
		return floor
	}
	if factor > ceil {
		return ceil
	}
	return factor
}

// jaccardOverlap computes |a ∩ b| / |a ∪ b| over string sets.
func jaccardOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}

	intersection := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, v := range b {
		if seen[v] {
			continue
		}
		seen[v] = true
		if set[v] {
			intersection++
		} else {
			union++
		}
	}

	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
