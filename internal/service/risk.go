package service

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// Required numeric features per model. A patient missing any of them gets an
// indeterminate assessment rather than a silently imputed probability.
var (
	successModelFeatures = []string{"age", "comorbidity_count", "baseline_severity"}
	adverseModelFeatures = []string{"comorbidity_count", "anticoagulant_use", "infection_markers"}
)

// Logistic model coefficients, fit offline on registry outcome data.
// success: intercept favors success, age and severity pull it down.
// adverse: intercept keeps the baseline event rate low.
var (
	successCoefficients = map[string]float64{
		"age":               -0.030,
		"comorbidity_count": -0.220,
		"baseline_severity": -0.350,
	}
	successIntercept = 2.8

	adverseCoefficients = map[string]float64{
		"comorbidity_count": 0.280,
		"anticoagulant_use": 0.900,
		"infection_markers": 0.650,
	}
	adverseIntercept = -3.4
)

// RiskStratifier estimates treatment success and adverse-event probabilities
// and assigns a monitoring tier. Probabilities come from fixed logistic models
// over the patient's numeric features.
type RiskStratifier struct {
	logger *logrus.Logger
	cfg    domain.PipelineConfig
}

// NewRiskStratifier creates a new risk stratification engine
func NewRiskStratifier(logger *logrus.Logger, cfg domain.PipelineConfig) *RiskStratifier {
	return &RiskStratifier{
		logger: logger,
		cfg:    cfg,
	}
}

// AssessPatient stratifies one patient for a treatment type. A patient missing
// required model features yields an indeterminate assessment naming the missing
// features; that is a data-quality finding, not an error.
func (s *RiskStratifier) AssessPatient(patient *domain.PatientFeatureVector, treatmentType string) *domain.RiskAssessment {
	assessment := &domain.RiskAssessment{
		ID:            uuid.NewString(),
		SubjectID:     patient.PatientID,
		TreatmentType: treatmentType,
		CreatedAt:     time.Now().UTC(),
	}

	missing := missingFeatures(patient.Numeric, successModelFeatures, adverseModelFeatures)
	if len(missing) > 0 {
		assessment.Indeterminate = true
		assessment.MissingFeatures = missing
		s.logger.WithFields(logrus.Fields{
			"patient_id":       patient.PatientID,
			"missing_features": missing,
		}).Warn("Risk assessment indeterminate due to missing features")
		return assessment
	}

	assessment.SuccessProbability = logistic(successIntercept, successCoefficients, patient.Numeric)
	assessment.AdverseEventProbability = logistic(adverseIntercept, adverseCoefficients, patient.Numeric)
	assessment.Tier = s.tier(assessment.AdverseEventProbability)
	assessment.MonitoringPlan = monitoringPlan(assessment.Tier)

	s.logger.WithFields(logrus.Fields{
		"patient_id":     patient.PatientID,
		"treatment_type": treatmentType,
		"success_prob":   assessment.SuccessProbability,
		"adverse_prob":   assessment.AdverseEventProbability,
		"tier":           assessment.Tier,
	}).Info("Assessed patient risk")

	return assessment
}

// AssessCohort stratifies every patient in a cohort. Indeterminate patients
// are counted separately and excluded from tier counts and the mean success
// probability; one incomplete record never fails the batch.
func (s *RiskStratifier) AssessCohort(cohortID string, patients []*domain.PatientFeatureVector, treatmentType string) *domain.CohortRiskSummary {
	summary := &domain.CohortRiskSummary{
		CohortID:   cohortID,
		TierCounts: make(map[domain.RiskTier]int),
	}

	var successSum float64
	var validCount int

	for _, patient := range patients {
		assessment := s.AssessPatient(patient, treatmentType)
		summary.Assessments = append(summary.Assessments, *assessment)

		if assessment.Indeterminate {
			summary.IndeterminateCount++
			continue
		}
		summary.TierCounts[assessment.Tier]++
		successSum += assessment.SuccessProbability
		validCount++
	}

	if validCount > 0 {
		summary.MeanSuccessProbability = successSum / float64(validCount)
	}

	s.logger.WithFields(logrus.Fields{
		"cohort_id":     cohortID,
		"patients":      len(patients),
		"valid":         validCount,
		"indeterminate": summary.IndeterminateCount,
		"mean_success":  summary.MeanSuccessProbability,
	}).Info("Assessed cohort risk")

	return summary
}

// tier maps the adverse-event probability onto monitoring tiers using the
// configured monotonic boundaries. A probability exactly at the high
// threshold is still moderate; only exceeding it is high.
func (s *RiskStratifier) tier(adverseProbability float64) domain.RiskTier {
	switch {
	case adverseProbability < s.cfg.RiskLowThreshold:
		return domain.RISK_LOW
	case adverseProbability <= s.cfg.RiskHighThreshold:
		return domain.RISK_MODERATE
	default:
		return domain.RISK_HIGH
	}
}

func monitoringPlan(tier domain.RiskTier) []string {
	switch tier {
	case domain.RISK_LOW:
		return []string{
			"standard follow-up at 6 and 12 weeks",
			"patient-reported outcome survey at 12 weeks",
		}
	case domain.RISK_MODERATE:
		return []string{
			"follow-up at 2, 6 and 12 weeks",
			"inflammatory marker panel at 2 weeks",
			"patient-reported outcome survey at 6 and 12 weeks",
		}
	default:
		return []string{
			"in-person review at 1, 2, 4, 8 and 12 weeks",
			"inflammatory marker panel weekly for 4 weeks",
			"imaging review at 4 weeks",
			"escalation contact on any new systemic symptom",
		}
	}
}

func missingFeatures(numeric map[string]float64, featureSets ...[]string) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, set := range featureSets {
		for _, f := range set {
			if seen[f] {
				continue
			}
			seen[f] = true
			if _, ok := numeric[f]; !ok {
				missing = append(missing, f)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// logistic evaluates 1 / (1 + e^-(intercept + Σ coef·value)).
func logistic(intercept float64, coefficients, values map[string]float64) float64 {
	z := intercept
	for feature, coef := range coefficients {
		z += coef * values[feature]
	}
	return 1 / (1 + math.Exp(-z))
}
