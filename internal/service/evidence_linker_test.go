package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenmed-dss-server/internal/domain"
)

func evidenceRecord(id string, year int, quality, relevance float64, keywords ...string) domain.EvidenceRecord {
	return domain.EvidenceRecord{
		ID:             id,
		Source:         domain.SOURCE_TRIAL,
		Title:          "study " + id,
		Year:           year,
		QualityScore:   quality,
		RelevanceScore: relevance,
		Keywords:       keywords,
		Version:        1,
	}
}

func TestLinkEvidence_TopKByRelevanceTimesQuality(t *testing.T) {
	thisYear := time.Now().UTC().Year()
	store := newFakeEvidenceStore(
		evidenceRecord("e1", thisYear, 0.9, 0.9, "prp"), // 0.81
		evidenceRecord("e2", thisYear, 0.8, 0.9, "prp"), // 0.72
		evidenceRecord("e3", thisYear, 0.5, 0.9, "prp"), // 0.45
		evidenceRecord("e4", thisYear, 0.4, 0.5, "prp"), // 0.20
	)
	linker := NewEvidenceLinker(newTestLogger(), store, nil, testConfig())
	linker.RegisterTherapy("prp-injection", []string{"prp"})

	protocol := &domain.Protocol{
		ID:      "proto-1",
		Version: 1,
		Steps:   []domain.ProtocolStep{{TherapyID: "prp-injection"}},
	}

	linked, err := linker.LinkEvidence(context.Background(), protocol)
	require.NoError(t, err)

	require.Len(t, linked.Steps, 1)
	assert.Equal(t, []string{"e1", "e2", "e3"}, linked.Steps[0].LinkedEvidence)
	assert.False(t, linked.Steps[0].Unsupported)
}

func TestLinkEvidence_CreatesNewVersion(t *testing.T) {
	store := newFakeEvidenceStore()
	linker := NewEvidenceLinker(newTestLogger(), store, nil, testConfig())

	protocol := &domain.Protocol{
		ID:      "proto-1",
		Version: 2,
		Steps:   []domain.ProtocolStep{{TherapyID: "unknown"}},
	}

	linked, err := linker.LinkEvidence(context.Background(), protocol)
	require.NoError(t, err)

	assert.NotEqual(t, "proto-1", linked.ID)
	assert.Equal(t, 3, linked.Version)
	assert.Equal(t, "proto-1", linked.PreviousVersionID)
	// The input protocol is untouched.
	assert.Equal(t, 2, protocol.Version)
}

func TestLinkEvidence_UnsupportedStep(t *testing.T) {
	store := newFakeEvidenceStore()
	linker := NewEvidenceLinker(newTestLogger(), store, nil, testConfig())
	linker.RegisterTherapy("exosome-infusion", []string{"exosome"})

	protocol := &domain.Protocol{
		ID:    "proto-1",
		Steps: []domain.ProtocolStep{{TherapyID: "exosome-infusion"}},
	}

	linked, err := linker.LinkEvidence(context.Background(), protocol)
	require.NoError(t, err)

	require.Len(t, linked.Steps, 1)
	assert.Empty(t, linked.Steps[0].LinkedEvidence)
	assert.True(t, linked.Steps[0].Unsupported)
	assert.Zero(t, linked.EvidenceQuality)
}

func TestAssessFreshness_OnlyStaleEvidenceDegrades(t *testing.T) {
	asOf := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	// 2018 is more than 5 years before 2026.
	store := newFakeEvidenceStore(evidenceRecord("old", 2018, 0.9, 0.9, "prp"))
	linker := NewEvidenceLinker(newTestLogger(), store, nil, testConfig())

	protocol := &domain.Protocol{
		ID: "proto-1",
		Steps: []domain.ProtocolStep{
			{TherapyID: "prp-injection", LinkedEvidence: []string{"old"}},
		},
	}

	report, err := linker.AssessFreshness(context.Background(), protocol, asOf)
	require.NoError(t, err)

	assert.Zero(t, report.OverallQualityScore)
	assert.True(t, report.EvidenceDegraded)
	assert.Equal(t, []string{"prp-injection"}, report.StaleLinks)
}

func TestAssessFreshness_MixedFreshAndStale(t *testing.T) {
	asOf := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeEvidenceStore(
		evidenceRecord("old", 2015, 0.9, 0.9, "prp"),
		evidenceRecord("new", 2025, 0.8, 0.9, "prp"),
	)
	linker := NewEvidenceLinker(newTestLogger(), store, nil, testConfig())

	protocol := &domain.Protocol{
		ID: "proto-1",
		Steps: []domain.ProtocolStep{
			{TherapyID: "prp-injection", LinkedEvidence: []string{"old", "new"}},
		},
	}

	report, err := linker.AssessFreshness(context.Background(), protocol, asOf)
	require.NoError(t, err)

	assert.InDelta(t, 0.8, report.OverallQualityScore, 1e-12)
	assert.False(t, report.EvidenceDegraded)
	assert.Equal(t, []string{"prp-injection"}, report.StaleLinks)
}

func TestAssessFreshness_RegistryStatusChangedIsStale(t *testing.T) {
	asOf := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := evidenceRecord("trial", 2025, 0.9, 0.9, "prp")
	rec.Source = domain.SOURCE_REGISTRY
	rec.CitationID = "NCT0001"
	store := newFakeEvidenceStore(rec)

	lookup := &fakeStatusLookup{statuses: map[string]domain.RegistryStatus{
		"NCT0001": domain.REGISTRY_CHANGED,
	}}
	linker := NewEvidenceLinker(newTestLogger(), store, lookup, testConfig())

	protocol := &domain.Protocol{
		ID: "proto-1",
		Steps: []domain.ProtocolStep{
			{TherapyID: "prp-injection", LinkedEvidence: []string{"trial"}},
		},
	}

	report, err := linker.AssessFreshness(context.Background(), protocol, asOf)
	require.NoError(t, err)

	assert.True(t, report.EvidenceDegraded)
	assert.Equal(t, []string{"prp-injection"}, report.StaleLinks)
}

func TestAssessFreshness_StatusLookupFailureAssumesCurrent(t *testing.T) {
	asOf := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := evidenceRecord("trial", 2025, 0.7, 0.9, "prp")
	rec.Source = domain.SOURCE_REGISTRY
	rec.CitationID = "NCT0002"
	store := newFakeEvidenceStore(rec)

	lookup := &fakeStatusLookup{err: errors.New("registry down")}
	linker := NewEvidenceLinker(newTestLogger(), store, lookup, testConfig())

	protocol := &domain.Protocol{
		ID: "proto-1",
		Steps: []domain.ProtocolStep{
			{TherapyID: "prp-injection", LinkedEvidence: []string{"trial"}},
		},
	}

	report, err := linker.AssessFreshness(context.Background(), protocol, asOf)
	require.NoError(t, err)

	assert.False(t, report.EvidenceDegraded)
	assert.InDelta(t, 0.7, report.OverallQualityScore, 1e-12)
	assert.Empty(t, report.StaleLinks)
}

func TestRegisterTherapy_ReplacesKeywords(t *testing.T) {
	linker := NewEvidenceLinker(newTestLogger(), newFakeEvidenceStore(), nil, testConfig())

	linker.RegisterTherapy("prp-injection", []string{"prp"})
	linker.RegisterTherapy("prp-injection", []string{"platelet-rich plasma"})

	assert.Equal(t, []string{"platelet-rich plasma"}, linker.TherapyKeywords("prp-injection"))
}
