package service

import (
	"fmt"

	"github.com/regenmed-dss-server/internal/domain"
)

// GenerateRecommendations renders deterministic human-readable guidance from a
// completed analysis result. Strings are templated, never free-form.
func GenerateRecommendations(result *domain.AnalysisResult) []string {
	var recs []string

	if len(result.Diagnoses) > 0 {
		top := result.Diagnoses[0]
		recs = append(recs, fmt.Sprintf(
			"Leading diagnosis %s (%s) with calibrated confidence %.2f.",
			top.Diagnosis.Code, top.Diagnosis.Label, top.CalibratedConfidence))
	}

	if best := result.Protocols.BestPick; best != nil {
		recs = append(recs, fmt.Sprintf(
			"Recommended protocol: %s school, %d steps, aggregate score %.2f, estimated cost %.0f-%.0f.",
			best.School, len(best.Steps), best.AggregateScore,
			best.CostEstimateLow, best.CostEstimateHigh))
		if best.EvidenceQuality == 0 {
			recs = append(recs, "Supporting evidence is degraded or absent; manual literature review advised.")
		}
	} else {
		recs = append(recs, "No protocol cleared the safety gate; specialist referral advised.")
	}

	for _, excluded := range result.Protocols.Excluded {
		recs = append(recs, fmt.Sprintf("Protocol %s excluded: %s.", excluded.ProtocolID, excluded.Reason))
	}

	if risk := result.Risk; risk != nil {
		if risk.Indeterminate {
			recs = append(recs, fmt.Sprintf(
				"Risk stratification indeterminate; missing features: %v.", risk.MissingFeatures))
		} else {
			recs = append(recs, fmt.Sprintf(
				"Risk tier %s (success probability %.2f, adverse-event probability %.2f).",
				risk.Tier, risk.SuccessProbability, risk.AdverseEventProbability))
		}
	}

	return recs
}
