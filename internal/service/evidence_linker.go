package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// EvidenceLinker binds protocol therapy steps to supporting evidence records
// and assesses evidence freshness. Linking never mutates a protocol in place;
// it produces a new version referencing the prior one so freshness reports
// stay reproducible against exact inputs.
type EvidenceLinker struct {
	logger       *logrus.Logger
	store        domain.EvidenceStore
	statusLookup domain.RegistryStatusLookup
	cfg          domain.PipelineConfig

	mu       sync.RWMutex
	keywords map[string][]string // therapy_id -> registered keyword set
}

// NewEvidenceLinker creates a new evidence linkage and freshness tracker.
// statusLookup may be nil; registry entries are then assumed current.
func NewEvidenceLinker(logger *logrus.Logger, store domain.EvidenceStore, statusLookup domain.RegistryStatusLookup, cfg domain.PipelineConfig) *EvidenceLinker {
	return &EvidenceLinker{
		logger:       logger,
		store:        store,
		statusLookup: statusLookup,
		cfg:          cfg,
		keywords:     make(map[string][]string),
	}
}

// RegisterTherapy registers the keyword set used to match evidence records to
// a therapy. Re-registering replaces the prior set.
func (l *EvidenceLinker) RegisterTherapy(therapyID string, keywords []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keywords[therapyID] = append([]string(nil), keywords...)
}

// TherapyKeywords returns the registered keyword set for a therapy.
func (l *EvidenceLinker) TherapyKeywords(therapyID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.keywords[therapyID]...)
}

// LinkEvidence returns a new protocol version whose steps carry the top-K
// evidence record ids ranked by relevance × quality, restricted to records
// matching the therapy's registered keywords. A step with zero matches is
// linked to an empty set and flagged unsupported; that is a reportable
// condition, not an error.
func (l *EvidenceLinker) LinkEvidence(ctx context.Context, protocol *domain.Protocol) (*domain.Protocol, error) {
	linked := *protocol
	linked.ID = uuid.NewString()
	linked.Version = protocol.Version + 1
	linked.PreviousVersionID = protocol.ID
	linked.CreatedAt = time.Now().UTC()
	linked.Steps = make([]domain.ProtocolStep, len(protocol.Steps))

	unsupported := 0
	for i, step := range protocol.Steps {
		records, err := l.matchingRecords(ctx, step.TherapyID)
		if err != nil {
			return nil, fmt.Errorf("matching evidence for therapy %s: %w", step.TherapyID, err)
		}

		sort.SliceStable(records, func(a, b int) bool {
			sa := records[a].RelevanceScore * records[a].QualityScore
			sb := records[b].RelevanceScore * records[b].QualityScore
			if sa != sb {
				return sa > sb
			}
			if records[a].QualityScore != records[b].QualityScore {
				return records[a].QualityScore > records[b].QualityScore
			}
			return records[a].Year > records[b].Year
		})

		topK := l.cfg.LinkTopK
		if topK > len(records) {
			topK = len(records)
		}

		ids := make([]string, 0, topK)
		for _, rec := range records[:topK] {
			ids = append(ids, rec.ID)
		}

		linked.Steps[i] = domain.ProtocolStep{
			TherapyID:          step.TherapyID,
			DoseDescriptor:     step.DoseDescriptor,
			DeliveryDescriptor: step.DeliveryDescriptor,
			LinkedEvidence:     ids,
			Unsupported:        len(ids) == 0,
		}
		if len(ids) == 0 {
			unsupported++
		}
	}

	// Evidence quality at linkage time comes from a freshness snapshot as of now.
	report, err := l.AssessFreshness(ctx, &linked, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("assessing freshness for protocol %s: %w", linked.ID, err)
	}
	linked.EvidenceQuality = report.OverallQualityScore

	l.logger.WithFields(logrus.Fields{
		"protocol_id":       linked.ID,
		"previous_version":  protocol.ID,
		"steps":             len(linked.Steps),
		"unsupported_steps": unsupported,
		"evidence_quality":  linked.EvidenceQuality,
	}).Info("Linked evidence to protocol")

	return &linked, nil
}

// AssessFreshness produces a full recompute snapshot of the protocol's
// evidence freshness as of the given instant.
func (l *EvidenceLinker) AssessFreshness(ctx context.Context, protocol *domain.Protocol, asOf time.Time) (*domain.EvidenceFreshnessReport, error) {
	report := &domain.EvidenceFreshnessReport{
		ID:         uuid.NewString(),
		ProtocolID: protocol.ID,
		AsOf:       asOf,
	}

	var qualitySum float64
	var freshCount int

	for _, step := range protocol.Steps {
		if len(step.LinkedEvidence) == 0 {
			report.UnsupportedSteps = append(report.UnsupportedSteps, step.TherapyID)
			continue
		}

		staleInStep := false
		for _, recordID := range step.LinkedEvidence {
			record, err := l.store.Get(ctx, recordID)
			if err != nil {
				return nil, fmt.Errorf("loading evidence record %s: %w", recordID, err)
			}

			if l.isStale(ctx, record, asOf) {
				staleInStep = true
				continue
			}
			qualitySum += record.QualityScore
			freshCount++
		}
		if staleInStep {
			report.StaleLinks = append(report.StaleLinks, step.TherapyID)
		}
	}

	if freshCount == 0 {
		report.OverallQualityScore = 0
		report.EvidenceDegraded = true
	} else {
		report.OverallQualityScore = qualitySum / float64(freshCount)
	}

	l.logger.WithFields(logrus.Fields{
		"protocol_id":       protocol.ID,
		"as_of":             asOf,
		"stale_links":       len(report.StaleLinks),
		"unsupported_steps": len(report.UnsupportedSteps),
		"overall_quality":   report.OverallQualityScore,
		"degraded":          report.EvidenceDegraded,
	}).Info("Assessed evidence freshness")

	return report, nil
}

// isStale applies the freshness policy: a record is stale when it is older
// than the staleness threshold, or when it is a registry entry whose status
// has since changed. Absence of a status signal means "assume current".
func (l *EvidenceLinker) isStale(ctx context.Context, record *domain.EvidenceRecord, asOf time.Time) bool {
	if asOf.Year()-record.Year > l.cfg.StalenessThresholdYears {
		return true
	}

	if record.Source == domain.SOURCE_REGISTRY && l.statusLookup != nil && record.CitationID != "" {
		status, err := l.statusLookup.Status(ctx, record.CitationID)
		if err != nil {
			l.logger.WithError(err).WithField("citation_id", record.CitationID).
				Warn("Registry status lookup failed, assuming current")
			return false
		}
		if status == domain.REGISTRY_CHANGED {
			return true
		}
	}

	return false
}

// matchingRecords returns the current evidence records matching any of the
// therapy's registered keywords, deduplicated by record id.
func (l *EvidenceLinker) matchingRecords(ctx context.Context, therapyID string) ([]domain.EvidenceRecord, error) {
	keywords := l.TherapyKeywords(therapyID)
	if len(keywords) == 0 {
		l.logger.WithField("therapy_id", therapyID).Debug("No keywords registered for therapy")
		return nil, nil
	}

	seen := make(map[string]bool)
	var records []domain.EvidenceRecord
	for _, kw := range keywords {
		matches, err := l.store.ByKeyword(ctx, kw)
		if err != nil {
			return nil, fmt.Errorf("querying evidence by keyword %q: %w", kw, err)
		}
		for _, rec := range matches {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			records = append(records, rec)
		}
	}
	return records, nil
}
