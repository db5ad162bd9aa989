package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	_ "modernc.org/sqlite"

	"github.com/regenmed-dss-server/internal/domain"
)

// keywordCacheSize bounds the hot keyword-query cache.
const keywordCacheSize = 512

// SQLiteStore is the append-only evidence store backed by SQLite with an LRU
// cache in front of keyword queries. Records are never updated in place;
// re-ingesting a known record writes a new version and marks the prior one
// superseded.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	cache  *lru.Cache
}

// NewSQLiteStore opens (or creates) the evidence database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers during ingestion.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	cache, err := lru.New(keywordCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create keyword cache: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		cache:  cache,
	}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		normalized_title TEXT NOT NULL,
		year INTEGER NOT NULL,
		quality_score REAL NOT NULL,
		relevance_score REAL NOT NULL,
		citation_id TEXT DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		supersedes_id TEXT DEFAULT '',
		superseded INTEGER NOT NULL DEFAULT 0,
		ingested_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS evidence_keywords (
		evidence_id TEXT NOT NULL,
		keyword TEXT NOT NULL,
		PRIMARY KEY (evidence_id, keyword)
	);

	CREATE INDEX IF NOT EXISTS idx_evidence_citation ON evidence(citation_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_title_year ON evidence(normalized_title, year);
	CREATE INDEX IF NOT EXISTS idx_evidence_superseded ON evidence(superseded);
	CREATE INDEX IF NOT EXISTS idx_keywords_keyword ON evidence_keywords(keyword);
	`

	_, err := db.Exec(schema)
	return err
}

// Ingest stores records append-only. A record matching an existing current one
// (by citation id, else by normalized title and year) becomes a new version
// superseding it; otherwise it is inserted as version 1. Returns the number of
// records written.
func (s *SQLiteStore) Ingest(ctx context.Context, records []domain.EvidenceRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ingested := 0
	for i := range records {
		record := records[i]
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.IngestedAt.IsZero() {
			record.IngestedAt = time.Now().UTC()
		}

		prior, err := s.findCurrent(ctx, tx, &record)
		if err != nil {
			return ingested, err
		}

		if prior != nil {
			record.Version = prior.Version + 1
			record.SupersedesID = prior.ID
			if _, err := tx.ExecContext(ctx,
				"UPDATE evidence SET superseded = 1 WHERE id = ?", prior.ID); err != nil {
				return ingested, fmt.Errorf("failed to supersede %s: %w", prior.ID, err)
			}
			s.invalidateKeywords(prior.Keywords)
		} else if record.Version == 0 {
			record.Version = 1
		}

		if err := s.insert(ctx, tx, &record); err != nil {
			return ingested, err
		}
		s.invalidateKeywords(record.Keywords)
		ingested++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return ingested, nil
}

// ByKeyword returns the current records matching a topic keyword, serving
// repeated queries from the LRU cache.
func (s *SQLiteStore) ByKeyword(ctx context.Context, keyword string) ([]domain.EvidenceRecord, error) {
	key := normalizeKeyword(keyword)

	if cached, ok := s.cache.Get(key); ok {
		return cached.([]domain.EvidenceRecord), nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.source, e.title, e.year, e.quality_score, e.relevance_score,
			e.citation_id, e.version, e.supersedes_id, e.ingested_at
		FROM evidence e
		JOIN evidence_keywords k ON k.evidence_id = e.id
		WHERE k.keyword = ? AND e.superseded = 0
		ORDER BY e.year DESC, e.id
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query by keyword: %w", err)
	}
	defer rows.Close()

	var records []domain.EvidenceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		keywords, err := s.keywordsFor(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		record.Keywords = keywords
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.cache.Add(key, records)
	return records, nil
}

// Get returns a record by id, superseded versions included.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.EvidenceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, title, year, quality_score, relevance_score,
			citation_id, version, supersedes_id, ingested_at
		FROM evidence
		WHERE id = ?
	`, id)

	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}

	keywords, err := s.keywordsFor(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	record.Keywords = keywords
	return record, nil
}

// Count returns the number of current (non-superseded) records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM evidence WHERE superseded = 0").Scan(&count)
	return count, err
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	s.cache.Purge()
	return s.db.Close()
}

// findCurrent locates the current version a new record would supersede:
// citation id match first, normalized title + year otherwise.
func (s *SQLiteStore) findCurrent(ctx context.Context, tx *sql.Tx, record *domain.EvidenceRecord) (*domain.EvidenceRecord, error) {
	var row *sql.Row
	if record.CitationID != "" {
		row = tx.QueryRowContext(ctx, `
			SELECT id, source, title, year, quality_score, relevance_score,
				citation_id, version, supersedes_id, ingested_at
			FROM evidence
			WHERE citation_id = ? AND superseded = 0
		`, record.CitationID)
	} else {
		row = tx.QueryRowContext(ctx, `
			SELECT id, source, title, year, quality_score, relevance_score,
				citation_id, version, supersedes_id, ingested_at
			FROM evidence
			WHERE normalized_title = ? AND year = ? AND superseded = 0
		`, normalizeTitle(record.Title), record.Year)
	}

	prior, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check existing: %w", err)
	}

	keywords, err := s.keywordsFor(ctx, prior.ID)
	if err != nil {
		return nil, err
	}
	prior.Keywords = keywords
	return prior, nil
}

func (s *SQLiteStore) insert(ctx context.Context, tx *sql.Tx, record *domain.EvidenceRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO evidence (
			id, source, title, normalized_title, year,
			quality_score, relevance_score, citation_id,
			version, supersedes_id, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		string(record.Source),
		record.Title,
		normalizeTitle(record.Title),
		record.Year,
		record.QualityScore,
		record.RelevanceScore,
		record.CitationID,
		record.Version,
		record.SupersedesID,
		record.IngestedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	for _, kw := range record.Keywords {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO evidence_keywords (evidence_id, keyword) VALUES (?, ?)",
			record.ID, normalizeKeyword(kw)); err != nil {
			return fmt.Errorf("failed to insert keyword: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) keywordsFor(ctx context.Context, evidenceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT keyword FROM evidence_keywords WHERE evidence_id = ? ORDER BY keyword", evidenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query keywords: %w", err)
	}
	defer rows.Close()

	var keywords []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, err
		}
		keywords = append(keywords, kw)
	}
	return keywords, rows.Err()
}

// invalidateKeywords drops cached query results touched by an ingestion.
func (s *SQLiteStore) invalidateKeywords(keywords []string) {
	for _, kw := range keywords {
		s.cache.Remove(normalizeKeyword(kw))
	}
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*domain.EvidenceRecord, error) {
	record := &domain.EvidenceRecord{}
	var source string

	err := s.Scan(
		&record.ID, &source, &record.Title, &record.Year,
		&record.QualityScore, &record.RelevanceScore,
		&record.CitationID, &record.Version, &record.SupersedesID,
		&record.IngestedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Source = domain.EvidenceSourceType(source)
	return record, nil
}

func normalizeKeyword(kw string) string {
	return strings.ToLower(strings.TrimSpace(kw))
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
