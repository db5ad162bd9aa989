package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite review store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanReview scans a row into a Review struct.
func scanReview(s scanner) (*Review, error) {
	r := &Review{}
	var decision string

	err := s.Scan(
		&r.ID, &r.ProtocolVersionID, &r.ClinicianID, &r.DiagnosisCode,
		&decision, &r.OverrideReason, &r.Notes, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Decision = Decision(decision)
	return r, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		protocol_version_id TEXT NOT NULL,
		clinician_id TEXT NOT NULL,
		diagnosis_code TEXT DEFAULT '',
		decision TEXT NOT NULL,
		override_reason TEXT DEFAULT '',
		notes TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(protocol_version_id, clinician_id)
	);

	CREATE INDEX IF NOT EXISTS idx_protocol_version ON reviews(protocol_version_id);
	CREATE INDEX IF NOT EXISTS idx_clinician ON reviews(clinician_id);
	CREATE INDEX IF NOT EXISTS idx_created_at ON reviews(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save stores or updates a clinician's review.
func (s *SQLiteStore) Save(ctx context.Context, review *Review) error {
	now := time.Now()

	// Check if exists
	var existingID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM reviews WHERE protocol_version_id = ? AND clinician_id = ?",
		review.ProtocolVersionID, review.ClinicianID,
	).Scan(&existingID)

	if err == nil {
		// Update existing
		review.ID = existingID
		review.UpdatedAt = now

		_, err = s.db.ExecContext(ctx, `
			UPDATE reviews SET
				diagnosis_code = ?,
				decision = ?,
				override_reason = ?,
				notes = ?,
				updated_at = ?
			WHERE id = ?
		`,
			review.DiagnosisCode,
			string(review.Decision),
			review.OverrideReason,
			review.Notes,
			now,
			existingID,
		)
		return err
	}

	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	// Insert new
	review.CreatedAt = now
	review.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (
			protocol_version_id, clinician_id, diagnosis_code,
			decision, override_reason, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		review.ProtocolVersionID,
		review.ClinicianID,
		review.DiagnosisCode,
		string(review.Decision),
		review.OverrideReason,
		review.Notes,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	review.ID = id

	return nil
}

// Get retrieves a clinician's review of a protocol version.
func (s *SQLiteStore) Get(ctx context.Context, protocolVersionID string, clinicianID string) (*Review, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, protocol_version_id, clinician_id, diagnosis_code,
			decision, override_reason, notes, created_at, updated_at
		FROM reviews
		WHERE protocol_version_id = ? AND clinician_id = ?
		LIMIT 1
	`, protocolVersionID, clinicianID)

	r, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return r, nil
}

// ListByProtocol returns all reviews for a protocol version.
func (s *SQLiteStore) ListByProtocol(ctx context.Context, protocolVersionID string) ([]*Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, protocol_version_id, clinician_id, diagnosis_code,
			decision, override_reason, notes, created_at, updated_at
		FROM reviews
		WHERE protocol_version_id = ?
		ORDER BY created_at DESC
	`, protocolVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	return collectReviews(rows)
}

// List returns all review entries with pagination.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, protocol_version_id, clinician_id, diagnosis_code,
			decision, override_reason, notes, created_at, updated_at
		FROM reviews
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	return collectReviews(rows)
}

func collectReviews(rows *sql.Rows) ([]*Review, error) {
	var result []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Count returns the total number of review entries.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reviews").Scan(&count)
	return count, err
}

// Delete removes a review entry by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM reviews WHERE id = ?", id)
	return err
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

// ExportJSON exports all reviews to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, maxExportLimit, 0)
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
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
