package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// ResultRepository persists versioned pipeline artifacts in PostgreSQL.
// Rows are write-once; a new protocol version is a new row referencing the
// prior one, never an update.
type ResultRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *pgxpool.Pool, logger *logrus.Logger) *ResultRepository {
	return &ResultRepository{
		db:  db,
		log: logger,
	}
}

// SaveProtocol inserts a protocol version.
func (r *ResultRepository) SaveProtocol(ctx context.Context, p *domain.Protocol) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshaling protocol steps: %w", err)
	}
	contraindications, err := json.Marshal(p.Contraindications)
	if err != nil {
		return fmt.Errorf("marshaling contraindications: %w", err)
	}

	query := `
		INSERT INTO protocols (
			id, version, previous_version_id, diagnosis_code, school,
			steps, aggregate_score, cost_estimate_low, cost_estimate_high,
			contraindications, evidence_quality, scored_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`

	_, err = r.db.Exec(ctx, query,
		p.ID,
		p.Version,
		p.PreviousVersionID,
		p.DiagnosisCode,
		string(p.School),
		steps,
		p.AggregateScore,
		p.CostEstimateLow,
		p.CostEstimateHigh,
		contraindications,
		p.EvidenceQuality,
		p.ScoredAt,
		p.CreatedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"protocol_id": p.ID,
			"version":     p.Version,
			"error":       err,
		}).Error("Failed to save protocol")
		return fmt.Errorf("saving protocol: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"protocol_id":    p.ID,
		"version":        p.Version,
		"diagnosis_code": p.DiagnosisCode,
		"school":         p.School,
	}).Info("Protocol saved successfully")

	return nil
}

// GetProtocol retrieves a protocol version by its ID.
func (r *ResultRepository) GetProtocol(ctx context.Context, id string) (*domain.Protocol, error) {
	query := `
		SELECT id, version, previous_version_id, diagnosis_code, school,
			   steps, aggregate_score, cost_estimate_low, cost_estimate_high,
			   contraindications, evidence_quality, scored_at, created_at
		FROM protocols
		WHERE id = $1`

	var p domain.Protocol
	var school string
	var steps, contraindications []byte

	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Version,
		&p.PreviousVersionID,
		&p.DiagnosisCode,
		&school,
		&steps,
		&p.AggregateScore,
		&p.CostEstimateLow,
		&p.CostEstimateHigh,
		&contraindications,
		&p.EvidenceQuality,
		&p.ScoredAt,
		&p.CreatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("protocol not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"protocol_id": id,
			"error":       err,
		}).Error("Failed to get protocol")
		return nil, fmt.Errorf("getting protocol: %w", err)
	}

	p.School = domain.SchoolOfThought(school)
	if err := json.Unmarshal(steps, &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshaling protocol steps: %w", err)
	}
	if err := json.Unmarshal(contraindications, &p.Contraindications); err != nil {
		return nil, fmt.Errorf("unmarshaling contraindications: %w", err)
	}

	return &p, nil
}

// GetProtocolVersions retrieves the full version chain for a diagnosis code,
// newest first.
func (r *ResultRepository) GetProtocolVersions(ctx context.Context, diagnosisCode string, limit int) ([]*domain.Protocol, error) {
	query := `
		SELECT id, version, previous_version_id, diagnosis_code, school,
			   steps, aggregate_score, cost_estimate_low, cost_estimate_high,
			   contraindications, evidence_quality, scored_at, created_at
		FROM protocols
		WHERE diagnosis_code = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, diagnosisCode, limit)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"diagnosis_code": diagnosisCode,
			"error":          err,
		}).Error("Failed to get protocol versions")
		return nil, fmt.Errorf("getting protocol versions: %w", err)
	}
	defer rows.Close()

	var protocols []*domain.Protocol
	for rows.Next() {
		var p domain.Protocol
		var school string
		var steps, contraindications []byte

		err := rows.Scan(
			&p.ID, &p.Version, &p.PreviousVersionID, &p.DiagnosisCode, &school,
			&steps, &p.AggregateScore, &p.CostEstimateLow, &p.CostEstimateHigh,
			&contraindications, &p.EvidenceQuality, &p.ScoredAt, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning protocol row: %w", err)
		}

		p.School = domain.SchoolOfThought(school)
		if err := json.Unmarshal(steps, &p.Steps); err != nil {
			return nil, fmt.Errorf("unmarshaling protocol steps: %w", err)
		}
		if err := json.Unmarshal(contraindications, &p.Contraindications); err != nil {
			return nil, fmt.Errorf("unmarshaling contraindications: %w", err)
		}
		protocols = append(protocols, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating protocol rows: %w", err)
	}

	return protocols, nil
}

// SaveAttribution inserts an attribution record.
func (r *ResultRepository) SaveAttribution(ctx context.Context, a *domain.Attribution) error {
	contributions, err := json.Marshal(a.Contributions)
	if err != nil {
		return fmt.Errorf("marshaling contributions: %w", err)
	}

	query := `
		INSERT INTO attributions (
			id, base_value, final_value, contributions, created_at
		) VALUES (
			$1, $2, $3, $4, $5
		)`

	_, err = r.db.Exec(ctx, query, a.ID, a.BaseValue, a.FinalValue, contributions, a.CreatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"attribution_id": a.ID,
			"error":          err,
		}).Error("Failed to save attribution")
		return fmt.Errorf("saving attribution: %w", err)
	}

	return nil
}

// SaveFreshnessReport inserts a freshness snapshot.
func (r *ResultRepository) SaveFreshnessReport(ctx context.Context, report *domain.EvidenceFreshnessReport) error {
	staleLinks, err := json.Marshal(report.StaleLinks)
	if err != nil {
		return fmt.Errorf("marshaling stale links: %w", err)
	}
	unsupported, err := json.Marshal(report.UnsupportedSteps)
	if err != nil {
		return fmt.Errorf("marshaling unsupported steps: %w", err)
	}

	query := `
		INSERT INTO freshness_reports (
			id, protocol_id, as_of, stale_links, unsupported_steps,
			overall_quality_score, evidence_degraded
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)`

	_, err = r.db.Exec(ctx, query,
		report.ID,
		report.ProtocolID,
		report.AsOf,
		staleLinks,
		unsupported,
		report.OverallQualityScore,
		report.EvidenceDegraded,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"report_id":   report.ID,
			"protocol_id": report.ProtocolID,
			"error":       err,
		}).Error("Failed to save freshness report")
		return fmt.Errorf("saving freshness report: %w", err)
	}

	return nil
}

// GetLatestFreshnessReport retrieves the most recent freshness snapshot for a
// protocol.
func (r *ResultRepository) GetLatestFreshnessReport(ctx context.Context, protocolID string) (*domain.EvidenceFreshnessReport, error) {
	query := `
		SELECT id, protocol_id, as_of, stale_links, unsupported_steps,
			   overall_quality_score, evidence_degraded
		FROM freshness_reports
		WHERE protocol_id = $1
		ORDER BY as_of DESC
		LIMIT 1`

	var report domain.EvidenceFreshnessReport
	var staleLinks, unsupported []byte

	err := r.db.QueryRow(ctx, query, protocolID).Scan(
		&report.ID,
		&report.ProtocolID,
		&report.AsOf,
		&staleLinks,
		&unsupported,
		&report.OverallQualityScore,
		&report.EvidenceDegraded,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("freshness report not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting freshness report: %w", err)
	}

	if err := json.Unmarshal(staleLinks, &report.StaleLinks); err != nil {
		return nil, fmt.Errorf("unmarshaling stale links: %w", err)
	}
	if err := json.Unmarshal(unsupported, &report.UnsupportedSteps); err != nil {
		return nil, fmt.Errorf("unmarshaling unsupported steps: %w", err)
	}

	return &report, nil
}

// SaveRiskAssessment inserts a risk assessment.
func (r *ResultRepository) SaveRiskAssessment(ctx context.Context, assessment *domain.RiskAssessment) error {
	plan, err := json.Marshal(assessment.MonitoringPlan)
	if err != nil {
		return fmt.Errorf("marshaling monitoring plan: %w", err)
	}
	missing, err := json.Marshal(assessment.MissingFeatures)
	if err != nil {
		return fmt.Errorf("marshaling missing features: %w", err)
	}

	query := `
		INSERT INTO risk_assessments (
			id, subject_id, treatment_type, success_probability,
			adverse_event_probability, tier, monitoring_plan,
			indeterminate, missing_features, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	_, err = r.db.Exec(ctx, query,
		assessment.ID,
		assessment.SubjectID,
		assessment.TreatmentType,
		assessment.SuccessProbability,
		assessment.AdverseEventProbability,
		string(assessment.Tier),
		plan,
		assessment.Indeterminate,
		missing,
		assessment.CreatedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"assessment_id": assessment.ID,
			"subject_id":    assessment.SubjectID,
			"error":         err,
		}).Error("Failed to save risk assessment")
		return fmt.Errorf("saving risk assessment: %w", err)
	}

	return nil
}
