package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenmed-dss-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func suggestionConfig(baseURL string) domain.SuggestionAPIConfig {
	return domain.SuggestionAPIConfig{
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		RateLimit:  100,
		RetryCount: 2,
	}
}

func sourceConfig(baseURL string) domain.SourceAPIConfig {
	return domain.SourceAPIConfig{
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		RateLimit:  100,
		RetryCount: 2,
	}
}

func TestSuggestionClient_SuggestDiagnoses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/suggest-diagnoses", r.URL.Path)
		assert.Equal(t, "POST", r.Method)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"code": "M17.0", "label": "Knee OA", "raw_confidence": 0.6, "regenerative_targets": []string{"cartilage"}},
				{"code": "", "raw_confidence": 0.5},      // missing code, dropped
				{"code": "M06.9", "raw_confidence": 1.5}, // out of range, dropped
			},
		})
	}))
	defer server.Close()

	client := NewSuggestionClient(suggestionConfig(server.URL), testLogger())

	candidates, err := client.SuggestDiagnoses(context.Background(), &domain.PatientFeatureVector{PatientID: "p1"})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "M17.0", candidates[0].Code)
	assert.Equal(t, []string{"cartilage"}, candidates[0].RegenerativeTargets)
}

func TestSuggestionClient_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"code": "M17.0", "raw_confidence": 0.6},
			},
		})
	}))
	defer server.Close()

	client := NewSuggestionClient(suggestionConfig(server.URL), testLogger())

	candidates, err := client.SuggestDiagnoses(context.Background(), &domain.PatientFeatureVector{PatientID: "p1"})
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSuggestionClient_RetryExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewSuggestionClient(suggestionConfig(server.URL), testLogger())

	_, err := client.SuggestDiagnoses(context.Background(), &domain.PatientFeatureVector{PatientID: "p1"})

	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrSuggestionUnavailable))
}

func TestSuggestionClient_DraftProtocolSteps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/draft-protocol-steps", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"schools": map[string]interface{}{
				"BIOLOGICS": []map[string]interface{}{
					{"therapy_id": "bmac-injection", "dose_descriptor": "5 mL"},
					{"therapy_id": ""}, // dropped
				},
				"HOMEOPATHY": []map[string]interface{}{ // unknown school, dropped
					{"therapy_id": "x"},
				},
			},
		})
	}))
	defer server.Close()

	client := NewSuggestionClient(suggestionConfig(server.URL), testLogger())

	drafts, err := client.DraftProtocolSteps(context.Background(), "M17.0")
	require.NoError(t, err)

	require.Len(t, drafts, 1)
	require.Len(t, drafts[domain.SCHOOL_BIOLOGICS], 1)
	assert.Equal(t, "bmac-injection", drafts[domain.SCHOOL_BIOLOGICS][0].TherapyID)
}

func TestRegistryClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/studies", r.URL.Path)
		assert.Equal(t, "prp", r.URL.Query().Get("query"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"studies": []map[string]interface{}{
				{"nct_id": "NCT0001", "title": "PRP trial", "year": 2024, "quality_score": 0.8, "relevance_score": 0.9, "keywords": []string{"prp"}},
				{"nct_id": "", "title": "anonymous"}, // dropped
			},
		})
	}))
	defer server.Close()

	client := NewRegistryClient(sourceConfig(server.URL), testLogger())

	records, err := client.Search(context.Background(), "prp")
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, domain.SOURCE_REGISTRY, records[0].Source)
	assert.Equal(t, "NCT0001", records[0].CitationID)
}

func TestRegistryClient_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/studies/NCT0001/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "CHANGED"})
	}))
	defer server.Close()

	client := NewRegistryClient(sourceConfig(server.URL), testLogger())

	status, err := client.Status(context.Background(), "NCT0001")
	require.NoError(t, err)
	assert.Equal(t, domain.REGISTRY_CHANGED, status)
}

func TestRegistryClient_StatusUnrecognized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "WITHDRAWN?"})
	}))
	defer server.Close()

	client := NewRegistryClient(sourceConfig(server.URL), testLogger())

	status, err := client.Status(context.Background(), "NCT0002")
	require.NoError(t, err)
	assert.Equal(t, domain.REGISTRY_UNKNOWN, status)
}

func TestLiteratureClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"articles": []map[string]interface{}{
				{"pmid": "100", "title": "Systematic review", "year": 2023, "type": "review", "quality_score": 0.9, "relevance_score": 0.8},
				{"pmid": "101", "title": "RCT", "year": 2024, "type": "trial", "quality_score": 0.85, "relevance_score": 0.9},
			},
		})
	}))
	defer server.Close()

	client := NewLiteratureClient(sourceConfig(server.URL), testLogger())

	records, err := client.Search(context.Background(), "prp")
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, domain.SOURCE_REVIEW, records[0].Source)
	assert.Equal(t, domain.SOURCE_TRIAL, records[1].Source)
}

func TestLiteratureClient_SourceUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewLiteratureClient(sourceConfig(server.URL), testLogger())

	_, err := client.Search(context.Background(), "prp")

	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrEvidenceSourceUnavailable))
}

type stubSource struct {
	name    string
	records []domain.EvidenceRecord
	err     error
}

func (s *stubSource) Search(_ context.Context, _ string) ([]domain.EvidenceRecord, error) {
	return s.records, s.err
}

func (s *stubSource) Name() string { return s.name }

func TestResilientEvidenceClient_MergesAndDedupes(t *testing.T) {
	registry := &stubSource{name: "registry", records: []domain.EvidenceRecord{
		{Source: domain.SOURCE_REGISTRY, Title: "PRP Trial", Year: 2024, CitationID: "NCT0001", QualityScore: 0.7},
	}}
	literature := &stubSource{name: "literature", records: []domain.EvidenceRecord{
		{Source: domain.SOURCE_TRIAL, Title: "prp  trial", Year: 2024, CitationID: "NCT0001", QualityScore: 0.9},
		{Source: domain.SOURCE_REVIEW, Title: "BMAC review", Year: 2023, QualityScore: 0.8},
	}}

	client := NewResilientEvidenceClient([]domain.EvidenceSource{registry, literature}, nil, testLogger())

	records, err := client.SearchAll(context.Background(), "prp")
	require.NoError(t, err)

	require.Len(t, records, 2)
	for _, r := range records {
		if r.CitationID == "NCT0001" {
			// Higher quality duplicate wins.
			assert.Equal(t, 0.9, r.QualityScore)
		}
	}
}

func TestResilientEvidenceClient_PartialFailureDegrades(t *testing.T) {
	good := &stubSource{name: "good", records: []domain.EvidenceRecord{
		{Title: "study", Year: 2024, CitationID: "NCT0002"},
	}}
	bad := &stubSource{name: "bad", err: domain.NewEvidenceSourceUnavailableError("bad", assert.AnError)}

	client := NewResilientEvidenceClient([]domain.EvidenceSource{good, bad}, nil, testLogger())

	records, err := client.SearchAll(context.Background(), "prp")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestResilientEvidenceClient_AllSourcesFail(t *testing.T) {
	bad1 := &stubSource{name: "bad1", err: assert.AnError}
	bad2 := &stubSource{name: "bad2", err: assert.AnError}

	client := NewResilientEvidenceClient([]domain.EvidenceSource{bad1, bad2}, nil, testLogger())

	_, err := client.SearchAll(context.Background(), "prp")

	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrEvidenceSourceUnavailable))
}
