package domain

import (
	"time"
)

// Core Enums and Types

// EvidenceSourceType enumerates where an evidence record originated.
type EvidenceSourceType string

const (
	SOURCE_REGISTRY EvidenceSourceType = "REGISTRY"
	SOURCE_REVIEW   EvidenceSourceType = "REVIEW"
	SOURCE_TRIAL    EvidenceSourceType = "TRIAL"
)

// SchoolOfThought partitions protocols by treatment philosophy.
type SchoolOfThought string

const (
	SCHOOL_TRADITIONAL_AUTOLOGOUS SchoolOfThought = "TRADITIONAL_AUTOLOGOUS"
	SCHOOL_BIOLOGICS              SchoolOfThought = "BIOLOGICS"
	SCHOOL_COMBINATION            SchoolOfThought = "COMBINATION"
)

// RiskTier represents the adverse-event risk band for a patient or cohort member.
type RiskTier string

const (
	RISK_LOW      RiskTier = "LOW"
	RISK_MODERATE RiskTier = "MODERATE"
	RISK_HIGH     RiskTier = "HIGH"
)

// RegistryStatus reports whether a registry entry is still current.
type RegistryStatus string

const (
	REGISTRY_CURRENT RegistryStatus = "CURRENT"
	REGISTRY_CHANGED RegistryStatus = "CHANGED"
	REGISTRY_UNKNOWN RegistryStatus = "UNKNOWN"
)

// Patient Models

// PatientFeatureVector is the normalized patient record an analysis run operates on.
// It is produced upstream and treated as immutable for the duration of a run.
type PatientFeatureVector struct {
	PatientID   string             `json:"patient_id"`
	Numeric     map[string]float64 `json:"numeric"`
	Categorical map[string]string  `json:"categorical,omitempty"`
	// Findings holds anatomical/cellular findings derived from imaging and labs,
	// matched against a diagnosis candidate's regenerative targets.
	Findings []string `json:"findings,omitempty"`
	// Conditions holds known conditions and active medications, matched against
	// protocol contraindication lists.
	Conditions []string `json:"conditions,omitempty"`
}

// Diagnosis Models

// CandidateDiagnosis is a raw diagnosis suggestion from the suggestion provider.
// RawConfidence is never mutated; the ranking engine derives a calibrated value.
type CandidateDiagnosis struct {
	Code                 string   `json:"code"` // taxonomy identifier, e.g. ICD-10
	Label                string   `json:"label"`
	RawConfidence        float64  `json:"raw_confidence"`
	SupportingMechanisms []string `json:"supporting_mechanisms,omitempty"`
	RegenerativeTargets  []string `json:"regenerative_targets,omitempty"`
}

// RankedDiagnosis pairs a candidate with its calibrated confidence.
type RankedDiagnosis struct {
	Diagnosis            CandidateDiagnosis `json:"diagnosis"`
	CalibratedConfidence float64            `json:"calibrated_confidence"`
	OverlapFactor        float64            `json:"overlap_factor"`
}

// Evidence Models

// EvidenceRecord is a literature/trial record with quality and recency metadata.
// Records are write-once; a metadata update is a re-ingestion that produces a
// new version referencing the superseded record.
type EvidenceRecord struct {
	ID             string             `json:"id"`
	Source         EvidenceSourceType `json:"source"`
	Title          string             `json:"title"`
	Year           int                `json:"year"`
	QualityScore   float64            `json:"quality_score"`   // in [0,1]
	RelevanceScore float64            `json:"relevance_score"` // in [0,1]
	CitationID     string             `json:"citation_id,omitempty"` // PMID/NCT when available
	Keywords       []string           `json:"keywords,omitempty"`
	Version        int                `json:"version"`
	SupersedesID   string             `json:"supersedes_id,omitempty"`
	IngestedAt     time.Time          `json:"ingested_at"`
}

// Protocol Models

// ProtocolStep is a single therapy step within a protocol. LinkedEvidence holds
// evidence record ids selected by the linkage engine; Unsupported marks a step
// for which no matching evidence exists (not an error, reported in freshness).
type ProtocolStep struct {
	TherapyID          string   `json:"therapy_id"`
	DoseDescriptor     string   `json:"dose_descriptor"`
	DeliveryDescriptor string   `json:"delivery_descriptor"`
	LinkedEvidence     []string `json:"linked_evidence,omitempty"`
	Unsupported        bool     `json:"unsupported,omitempty"`
}

// Protocol is a scored therapy plan for one diagnosis + school combination.
// A protocol is immutable once scored; re-linking or re-scoring creates a new
// version referencing the prior one.
type Protocol struct {
	ID                string          `json:"id"`
	Version           int             `json:"version"`
	PreviousVersionID string          `json:"previous_version_id,omitempty"`
	DiagnosisCode     string          `json:"diagnosis_code"`
	School            SchoolOfThought `json:"school_of_thought"`
	Steps             []ProtocolStep  `json:"steps"`
	AggregateScore    float64         `json:"aggregate_score"`
	CostEstimateLow   float64         `json:"cost_estimate_low"`
	CostEstimateHigh  float64         `json:"cost_estimate_high"`
	Contraindications []string        `json:"contraindications,omitempty"`
	// EvidenceQuality is the overall quality score computed at linkage time.
	EvidenceQuality float64 `json:"evidence_quality"`
	// ScoredAt is zero until the protocol has been through ranking once.
	// Scoring a protocol that already carries a ScoredAt creates a new version.
	ScoredAt  time.Time `json:"scored_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RankingWeights configures the protocol ranking criteria. Weights must be
// non-negative and sum to 1.
type RankingWeights struct {
	Efficacy float64 `json:"efficacy" mapstructure:"efficacy"`
	Safety   float64 `json:"safety" mapstructure:"safety"`
	Cost     float64 `json:"cost" mapstructure:"cost"`
	Evidence float64 `json:"evidence" mapstructure:"evidence"`
}

// ExcludedProtocol records a protocol removed from ranked output by the safety
// gate, with the reason preserved for the audit trail.
type ExcludedProtocol struct {
	ProtocolID string `json:"protocol_id"`
	Reason     string `json:"reason"`
}

// RankedProtocols groups scored protocols by school of thought and exposes a
// single cross-school best pick.
type RankedProtocols struct {
	BySchool map[SchoolOfThought][]Protocol `json:"by_school"`
	// BestPick is the highest-scoring protocol across all schools, nil when
	// every candidate was excluded by the safety gate.
	BestPick *Protocol          `json:"best_pick,omitempty"`
	Excluded []ExcludedProtocol `json:"excluded,omitempty"`
}

// Explanation Models

// Attribution decomposes a final score into per-feature contributions.
// Invariant: BaseValue + sum(Contributions) == FinalValue within epsilon.
type Attribution struct {
	ID            string             `json:"id"`
	BaseValue     float64            `json:"base_value"`
	FinalValue    float64            `json:"final_value"`
	Contributions map[string]float64 `json:"per_feature_contribution"`
	CreatedAt     time.Time          `json:"created_at"`
}

// FeaturePair identifies an ordered pair of features for interaction analysis.
type FeaturePair struct {
	First  string `json:"first"`
	Second string `json:"second"`
}

// Freshness Models

// EvidenceFreshnessReport is a full recompute snapshot of a protocol's
// evidence freshness as of a given instant. It is never partially updated.
type EvidenceFreshnessReport struct {
	ID         string    `json:"id"`
	ProtocolID string    `json:"protocol_id"`
	AsOf       time.Time `json:"as_of"`
	// StaleLinks lists therapy ids whose linked evidence is stale.
	StaleLinks []string `json:"stale_links,omitempty"`
	// UnsupportedSteps lists therapy ids linked to no evidence at all.
	UnsupportedSteps    []string `json:"unsupported_steps,omitempty"`
	OverallQualityScore float64  `json:"overall_quality_score"`
	EvidenceDegraded    bool     `json:"evidence_degraded"`
}

// Risk Models

// RiskAssessment is the risk stratification output for one patient.
// Indeterminate assessments carry no probabilities and are excluded from
// cohort aggregates.
type RiskAssessment struct {
	ID                      string    `json:"id"`
	SubjectID               string    `json:"subject_id"`
	TreatmentType           string    `json:"treatment_type"`
	SuccessProbability      float64   `json:"success_probability"`
	AdverseEventProbability float64   `json:"adverse_event_probability"`
	Tier                    RiskTier  `json:"risk_tier"`
	MonitoringPlan          []string  `json:"monitoring_plan,omitempty"`
	Indeterminate           bool      `json:"risk_indeterminate,omitempty"`
	MissingFeatures         []string  `json:"missing_features,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// CohortRiskSummary aggregates per-patient assessments. Indeterminate patients
// are counted separately and excluded from TierCounts and the mean.
type CohortRiskSummary struct {
	CohortID               string           `json:"cohort_id"`
	Assessments            []RiskAssessment `json:"assessments"`
	TierCounts             map[RiskTier]int `json:"tier_counts"`
	MeanSuccessProbability float64          `json:"mean_success_probability"`
	IndeterminateCount     int              `json:"indeterminate_count"`
}

// AnalysisResult is the full pipeline output for one analysis request.
type AnalysisResult struct {
	RequestID     string            `json:"request_id"`
	PatientID     string            `json:"patient_id"`
	Diagnoses     []RankedDiagnosis `json:"diagnoses"`
	Protocols     RankedProtocols   `json:"protocols"`
	Explanation   *Attribution      `json:"explanation,omitempty"`
	Risk          *RiskAssessment   `json:"risk,omitempty"`
	DroppedInputs int               `json:"dropped_inputs,omitempty"`
	Elapsed       time.Duration     `json:"elapsed"`
	Timestamp     time.Time         `json:"timestamp"`
}
