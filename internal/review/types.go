// Package review provides clinician review storage for recommended protocols.
// It stores acceptance decisions and overrides so recommendations can be
// audited against what clinicians actually did.
package review

import (
	"context"
	"io"
	"time"
)

// Decision represents the clinician's verdict on a recommended protocol.
type Decision string

const (
	DecisionAccepted   Decision = "Accepted"
	DecisionRejected   Decision = "Rejected"
	DecisionOverridden Decision = "Overridden"
)

// Review represents a clinician's review of a specific protocol version.
type Review struct {
	ID                int64     `json:"id,omitempty"`
	ProtocolVersionID string    `json:"protocol_version_id"` // Protocol version being reviewed
	ClinicianID       string    `json:"clinician_id"`
	DiagnosisCode     string    `json:"diagnosis_code,omitempty"` // Clinical context
	Decision          Decision  `json:"decision"`
	OverrideReason    string    `json:"override_reason,omitempty"` // Required when overridden
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store defines the interface for review storage operations.
type Store interface {
	// Save stores or updates a clinician's review.
	// If a review for the same protocol version and clinician exists, it
	// will be updated.
	Save(ctx context.Context, review *Review) error

	// Get retrieves a clinician's review of a protocol version.
	Get(ctx context.Context, protocolVersionID string, clinicianID string) (*Review, error)

	// ListByProtocol returns all reviews for a protocol version.
	ListByProtocol(ctx context.Context, protocolVersionID string) ([]*Review, error)

	// List returns all review entries with pagination.
	List(ctx context.Context, limit, offset int) ([]*Review, error)

	// Count returns the total number of review entries.
	Count(ctx context.Context) (int64, error)

	// Delete removes a review entry by ID.
	Delete(ctx context.Context, id int64) error

	// ExportJSON exports all reviews to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON imports reviews from a JSON reader.
	// Returns the number of imported and skipped entries.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// ReviewExport represents the JSON export format.
type ReviewExport struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Reviews    []*Review `json:"reviews"`
}
