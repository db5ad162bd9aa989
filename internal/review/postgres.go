package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL review store.
// It expects the database and schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL review store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Save stores or updates a clinician's review.
func (s *PostgresStore) Save(ctx context.Context, review *Review) error {
	now := time.Now()

	// Use upsert (INSERT ... ON CONFLICT)
	query := `
		INSERT INTO reviews (
			protocol_version_id, clinician_id, diagnosis_code,
			decision, override_reason, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (protocol_version_id, clinician_id) DO UPDATE SET
			diagnosis_code = EXCLUDED.diagnosis_code,
			decision = EXCLUDED.decision,
			override_reason = EXCLUDED.override_reason,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		review.ProtocolVersionID,
		review.ClinicianID,
		review.DiagnosisCode,
		string(review.Decision),
		review.OverrideReason,
		review.Notes,
		now,
		now,
	).Scan(&review.ID, &review.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save review: %w", err)
	}

	review.UpdatedAt = now
	return nil
}

// Get retrieves a clinician's review of a protocol version.
func (s *PostgresStore) Get(ctx context.Context, protocolVersionID string, clinicianID string) (*Review, error) {
	query := `
		SELECT id, protocol_version_id, clinician_id, diagnosis_code,
			decision, override_reason, notes, created_at, updated_at
		FROM reviews
		WHERE protocol_version_id = $1 AND clinician_id = $2
		LIMIT 1
	`

	row := s.db.QueryRowContext(ctx, query, protocolVersionID, clinicianID)

	r, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return r, nil
}

// ListByProtocol returns all reviews for a protocol version.
func (s *PostgresStore) ListByProtocol(ctx context.Context, protocolVersionID string) ([]*Review, error) {
	query := `
		SELECT id, protocol_version_id, clinician_id, diagnosis_code,
			decision, override_reason, notes, created_at, updated_at
		FROM reviews
		WHERE protocol_version_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, protocolVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	return collectReviews(rows)
}

// List returns all review entries with pagination.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Review, error) {
	query := `
		SELECT id, protocol_version_id, clinician_id, diagnosis_code,
			decision, override_reason, notes, created_at, updated_at
		FROM reviews
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	return collectReviews(rows)
}

// Count returns the total number of review entries.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reviews").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reviews: %w", err)
	}
	return count, nil
}

// Delete removes a review entry by ID.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM reviews WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete review: %w", err)
	}
	return nil
}

// maxExportLimit is the maximum number of entries to export at once.
const pgMaxExportLimit = 1000000

// ExportJSON exports all reviews to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, pgMaxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list reviews: %w", err)
	}

	export := &ReviewExport{
		Version:    "1.0",
		ExportedAt: time.Now(),
		Count:      len(all),
		Reviews:    all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// ImportJSON imports reviews from a JSON reader.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	var export ReviewExport
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, r := range export.Reviews {
		// Check if exists
		existing, err := s.Get(ctx, r.ProtocolVersionID, r.ClinicianID)
		if err != nil {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}

		if existing != nil {
			skipped++
			continue
		}

		if err := s.Save(ctx, r); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}

	return imported, skipped, nil
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
