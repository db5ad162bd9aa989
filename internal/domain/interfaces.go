package domain

import (
	"context"
)

// DraftStep is an unlinked protocol step proposed by the suggestion provider
// for an approved diagnosis, with free-text rationale.
type DraftStep struct {
	TherapyID          string `json:"therapy_id"`
	DoseDescriptor     string `json:"dose_descriptor"`
	DeliveryDescriptor string `json:"delivery_descriptor"`
	Rationale          string `json:"rationale,omitempty"`
}

// SuggestionProvider is the inbound collaborator contract for the external
// inference provider. Implementations must schema-validate responses and drop
// malformed entries with a logged count rather than failing the request.
type SuggestionProvider interface {
	// SuggestDiagnoses returns candidate diagnoses for a patient record.
	SuggestDiagnoses(ctx context.Context, patient *PatientFeatureVector) ([]CandidateDiagnosis, error)

	// DraftProtocolSteps returns draft therapy steps for an approved diagnosis,
	// grouped by school of thought.
	DraftProtocolSteps(ctx context.Context, diagnosisCode string) (map[SchoolOfThought][]DraftStep, error)
}

// EvidenceSource is the inbound collaborator contract for a literature or
// trial source. Multiple sources are treated uniformly after normalization.
type EvidenceSource interface {
	// Search returns evidence records matching a condition/therapy keyword.
	Search(ctx context.Context, keyword string) ([]EvidenceRecord, error)

	// Name identifies the source in logs and errors.
	Name() string
}

// RegistryStatusLookup reports whether a registry entry's status has changed
// since ingestion. Absence of a signal means "assume current".
type RegistryStatusLookup interface {
	Status(ctx context.Context, citationID string) (RegistryStatus, error)
}

// EvidenceStore is the append-only backing for evidence records.
type EvidenceStore interface {
	// Ingest stores records, deduplicating by citation id (else normalized
	// title+year) and versioning re-ingested records. Returns ingested count.
	Ingest(ctx context.Context, records []EvidenceRecord) (int, error)

	// ByKeyword returns the current (non-superseded) records matching a topic
	// keyword.
	ByKeyword(ctx context.Context, keyword string) ([]EvidenceRecord, error)

	// Get returns a record by id.
	Get(ctx context.Context, id string) (*EvidenceRecord, error)

	Close() error
}

// ResultRepository persists versioned pipeline artifacts. Records are
// write-once; new versions reference prior ones.
type ResultRepository interface {
	SaveProtocol(ctx context.Context, p *Protocol) error
	GetProtocol(ctx context.Context, id string) (*Protocol, error)
	SaveAttribution(ctx context.Context, a *Attribution) error
	SaveFreshnessReport(ctx context.Context, r *EvidenceFreshnessReport) error
	SaveRiskAssessment(ctx context.Context, r *RiskAssessment) error
}
