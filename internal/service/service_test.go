package service

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() domain.PipelineConfig {
	return domain.PipelineConfig{
		OverlapFloor:            0.5,
		OverlapSpan:             1.0,
		LinkTopK:                3,
		StalenessThresholdYears: 5,
		Weights: domain.RankingWeights{
			Efficacy: 0.4,
			Safety:   0.3,
			Cost:     0.1,
			Evidence: 0.2,
		},
		ExclusionThreshold:        0.5,
		AbsoluteContraindications: []string{"active infection", "active malignancy", "pregnancy"},
		CostCap:                   50000,
		Epsilon:                   1e-6,
		RiskLowThreshold:          0.05,
		RiskHighThreshold:         0.15,
	}
}

// fakeEvidenceStore is an in-memory EvidenceStore for engine tests.
type fakeEvidenceStore struct {
	mu      sync.Mutex
	records map[string]domain.EvidenceRecord
}

func newFakeEvidenceStore(records ...domain.EvidenceRecord) *fakeEvidenceStore {
	s := &fakeEvidenceStore{records: make(map[string]domain.EvidenceRecord)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeEvidenceStore) Ingest(_ context.Context, records []domain.EvidenceRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ID] = r
	}
	return len(records), nil
}

func (s *fakeEvidenceStore) ByKeyword(_ context.Context, keyword string) ([]domain.EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EvidenceRecord
	for _, r := range s.records {
		for _, kw := range r.Keywords {
			if kw == keyword {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeEvidenceStore) Get(_ context.Context, id string) (*domain.EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *fakeEvidenceStore) Close() error { return nil }

// fakeStatusLookup returns canned registry statuses.
type fakeStatusLookup struct {
	statuses map[string]domain.RegistryStatus
	err      error
}

func (f *fakeStatusLookup) Status(_ context.Context, citationID string) (domain.RegistryStatus, error) {
	if f.err != nil {
		return domain.REGISTRY_UNKNOWN, f.err
	}
	if status, ok := f.statuses[citationID]; ok {
		return status, nil
	}
	return domain.REGISTRY_CURRENT, nil
}

// fakeProvider returns canned suggestions and drafts.
type fakeProvider struct {
	candidates []domain.CandidateDiagnosis
	drafts     map[domain.SchoolOfThought][]domain.DraftStep
	err        error
}

func (f *fakeProvider) SuggestDiagnoses(ctx context.Context, _ *domain.PatientFeatureVector) ([]domain.CandidateDiagnosis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

func (f *fakeProvider) DraftProtocolSteps(ctx context.Context, _ string) (map[domain.SchoolOfThought][]domain.DraftStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.drafts, nil
}

// fakeRepo captures persisted artifacts and supports gating GetProtocol for
// concurrency tests.
type fakeRepo struct {
	mu           sync.Mutex
	protocols    map[string]*domain.Protocol
	attributions []*domain.Attribution
	reports      []*domain.EvidenceFreshnessReport
	risks        []*domain.RiskAssessment
	getCalls     int
	getGate      chan struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{protocols: make(map[string]*domain.Protocol)}
}

func (r *fakeRepo) SaveProtocol(_ context.Context, p *domain.Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.protocols[p.ID] = &cp
	return nil
}

func (r *fakeRepo) GetProtocol(_ context.Context, id string) (*domain.Protocol, error) {
	r.mu.Lock()
	r.getCalls++
	gate := r.getGate
	p, ok := r.protocols[id]
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) SaveAttribution(_ context.Context, a *domain.Attribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attributions = append(r.attributions, a)
	return nil
}

func (r *fakeRepo) SaveFreshnessReport(_ context.Context, report *domain.EvidenceFreshnessReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *fakeRepo) SaveRiskAssessment(_ context.Context, risk *domain.RiskAssessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.risks = append(r.risks, risk)
	return nil
}
