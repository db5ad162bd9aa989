package service

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenmed-dss-server/internal/domain"
)

func completePatient(id string, age, comorbidities float64) *domain.PatientFeatureVector {
	return &domain.PatientFeatureVector{
		PatientID: id,
		Numeric: map[string]float64{
			"age":               age,
			"comorbidity_count": comorbidities,
			"baseline_severity": 2,
			"anticoagulant_use": 0,
			"infection_markers": 0,
		},
	}
}

func TestAssessPatient_CompleteFeatures(t *testing.T) {
	s := NewRiskStratifier(newTestLogger(), testConfig())

	assessment := s.AssessPatient(completePatient("p1", 45, 1), "BIOLOGICS")

	assert.False(t, assessment.Indeterminate)
	assert.Empty(t, assessment.MissingFeatures)
	assert.Greater(t, assessment.SuccessProbability, 0.0)
	assert.Less(t, assessment.SuccessProbability, 1.0)
	assert.Greater(t, assessment.AdverseEventProbability, 0.0)
	assert.Less(t, assessment.AdverseEventProbability, 1.0)
	assert.NotEmpty(t, assessment.Tier)
	assert.NotEmpty(t, assessment.MonitoringPlan)
	assert.Equal(t, "BIOLOGICS", assessment.TreatmentType)
}

func TestAssessPatient_MissingFeaturesIndeterminate(t *testing.T) {
	s := NewRiskStratifier(newTestLogger(), testConfig())
	patient := &domain.PatientFeatureVector{
		PatientID: "p1",
		Numeric:   map[string]float64{"age": 50},
	}

	assessment := s.AssessPatient(patient, "BIOLOGICS")

	assert.True(t, assessment.Indeterminate)
	assert.ElementsMatch(t,
		[]string{"comorbidity_count", "baseline_severity", "anticoagulant_use", "infection_markers"},
		assessment.MissingFeatures)
	assert.Zero(t, assessment.SuccessProbability)
	assert.Empty(t, assessment.MonitoringPlan)
}

func TestAssessPatient_RiskIncreasesWithBurden(t *testing.T) {
	s := NewRiskStratifier(newTestLogger(), testConfig())

	low := s.AssessPatient(completePatient("p1", 40, 0), "BIOLOGICS")

	high := s.AssessPatient(&domain.PatientFeatureVector{
		PatientID: "p2",
		Numeric: map[string]float64{
			"age":               78,
			"comorbidity_count": 5,
			"baseline_severity": 4,
			"anticoagulant_use": 1,
			"infection_markers": 2,
		},
	}, "BIOLOGICS")

	assert.Greater(t, high.AdverseEventProbability, low.AdverseEventProbability)
	assert.Less(t, high.SuccessProbability, low.SuccessProbability)
}

func TestTier_MonotonicBoundaries(t *testing.T) {
	s := NewRiskStratifier(newTestLogger(), testConfig())

	assert.Equal(t, domain.RISK_LOW, s.tier(0.01))
	assert.Equal(t, domain.RISK_MODERATE, s.tier(0.05))
	assert.Equal(t, domain.RISK_MODERATE, s.tier(0.10))
	// Exactly at the high boundary stays moderate; high requires exceeding it.
	assert.Equal(t, domain.RISK_MODERATE, s.tier(0.15))
	assert.Equal(t, domain.RISK_HIGH, s.tier(0.150001))
	assert.Equal(t, domain.RISK_HIGH, s.tier(0.60))
}

func TestAssessCohort_OneIncompletePatient(t *testing.T) {
	s := NewRiskStratifier(newTestLogger(), testConfig())

	patients := make([]*domain.PatientFeatureVector, 0, 10)
	for i := 0; i < 9; i++ {
		patients = append(patients, completePatient(fmt.Sprintf("p%d", i), float64(40+i), float64(i%3)))
	}
	patients = append(patients, &domain.PatientFeatureVector{
		PatientID: "p-incomplete",
		Numeric:   map[string]float64{"age": 55},
	})

	summary := s.AssessCohort("cohort-1", patients, "BIOLOGICS")

	require.Len(t, summary.Assessments, 10)
	assert.Equal(t, 1, summary.IndeterminateCount)

	valid := 0
	for _, count := range summary.TierCounts {
		valid += count
	}
	assert.Equal(t, 9, valid)

	// The mean covers only the nine valid assessments.
	var sum float64
	for _, a := range summary.Assessments {
		if !a.Indeterminate {
			sum += a.SuccessProbability
		}
	}
	assert.InDelta(t, sum/9, summary.MeanSuccessProbability, 1e-12)
}

func TestMonitoringPlan_ScalesWithTier(t *testing.T) {
	low := monitoringPlan(domain.RISK_LOW)
	moderate := monitoringPlan(domain.RISK_MODERATE)
	high := monitoringPlan(domain.RISK_HIGH)

	assert.Less(t, len(low), len(moderate))
	assert.Less(t, len(moderate), len(high))
}
