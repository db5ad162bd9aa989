package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// TherapyProfile carries the catalog metadata needed to turn a drafted step
// into a costed, safety-checked protocol.
type TherapyProfile struct {
	Keywords          []string
	CostEstimateLow   float64
	CostEstimateHigh  float64
	Contraindications []string
}

// Pipeline orchestrates one analysis run end to end: suggestion fetch,
// diagnosis ranking, evidence linkage, protocol ranking, attribution and risk
// stratification. Artifacts are persisted only after the whole run succeeds,
// so a cancelled or failed run leaves no partial results behind.
type Pipeline struct {
	logger *logrus.Logger
	cfg    domain.PipelineConfig

	provider  domain.SuggestionProvider
	linker    *EvidenceLinker
	diagnoses *DiagnosisRanker
	protocols *ProtocolRanker
	explainer *AttributionEngine
	risk      *RiskStratifier
	repo      domain.ResultRepository

	mu       sync.Mutex
	catalog  map[string]TherapyProfile
	inflight map[string]*rescoreCall
}

type rescoreCall struct {
	done     chan struct{}
	protocol *domain.Protocol
	err      error
}

// NewPipeline wires the reasoning engines together. repo may be nil for
// ephemeral runs; persistence is then skipped.
func NewPipeline(logger *logrus.Logger, cfg domain.PipelineConfig, provider domain.SuggestionProvider, linker *EvidenceLinker, repo domain.ResultRepository) *Pipeline {
	return &Pipeline{
		logger:    logger,
		cfg:       cfg,
		provider:  provider,
		linker:    linker,
		diagnoses: NewDiagnosisRanker(logger, cfg),
		protocols: NewProtocolRanker(logger, cfg),
		explainer: NewAttributionEngine(logger, cfg),
		risk:      NewRiskStratifier(logger, cfg),
		repo:      repo,
		catalog:   make(map[string]TherapyProfile),
		inflight:  make(map[string]*rescoreCall),
	}
}

// RegisterTherapy adds a therapy to the catalog and registers its evidence
// keywords with the linkage engine.
func (p *Pipeline) RegisterTherapy(therapyID string, profile TherapyProfile) {
	p.mu.Lock()
	p.catalog[therapyID] = profile
	p.mu.Unlock()
	p.linker.RegisterTherapy(therapyID, profile.Keywords)
}

// Analyze runs the full pipeline for one patient. Context cancellation between
// stages aborts the run and discards everything computed so far.
func (p *Pipeline) Analyze(ctx context.Context, patient *domain.PatientFeatureVector) (*domain.AnalysisResult, error) {
	start := time.Now()
	requestID := uuid.NewString()

	log := p.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"patient_id": patient.PatientID,
	})
	log.Info("Starting analysis run")

	candidates, err := p.provider.SuggestDiagnoses(ctx, patient)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ranked, err := p.diagnoses.RankDiagnoses(patient, candidates)
	if err != nil {
		return nil, err
	}
	top := ranked[0]

	drafts, err := p.provider.DraftProtocolSteps(ctx, top.Diagnosis.Code)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var linked []domain.Protocol
	for school, steps := range drafts {
		draft := p.buildProtocol(top.Diagnosis.Code, school, steps)
		lp, err := p.linker.LinkEvidence(ctx, draft)
		if err != nil {
			return nil, fmt.Errorf("linking evidence for %s protocol: %w", school, err)
		}
		linked = append(linked, *lp)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rankedProtocols, err := p.protocols.RankProtocols(patient, top, linked, p.cfg.Weights)
	if err != nil {
		return nil, err
	}

	result := &domain.AnalysisResult{
		RequestID: requestID,
		PatientID: patient.PatientID,
		Diagnoses: ranked,
		Protocols: *rankedProtocols,
		Timestamp: start.UTC(),
	}

	if best := rankedProtocols.BestPick; best != nil {
		explanation, err := p.explainBestPick(patient, top, best)
		if err != nil {
			return nil, err
		}
		result.Explanation = explanation
		result.Risk = p.risk.AssessPatient(patient, string(best.School))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := p.persist(ctx, result); err != nil {
		return nil, err
	}

	result.Elapsed = time.Since(start)
	log.WithFields(logrus.Fields{
		"diagnoses": len(result.Diagnoses),
		"excluded":  len(result.Protocols.Excluded),
		"elapsed":   result.Elapsed,
	}).Info("Analysis run complete")

	return result, nil
}

// RescoreProtocol recomputes the evidence quality term for a stored protocol
// and writes a new version. Concurrent re-score requests for the same protocol
// id are coalesced into a single computation whose result all callers share.
func (p *Pipeline) RescoreProtocol(ctx context.Context, protocolID string) (*domain.Protocol, error) {
	p.mu.Lock()
	if call, ok := p.inflight[protocolID]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.protocol, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &rescoreCall{done: make(chan struct{})}
	p.inflight[protocolID] = call
	p.mu.Unlock()

	call.protocol, call.err = p.rescore(ctx, protocolID)
	close(call.done)

	p.mu.Lock()
	delete(p.inflight, protocolID)
	p.mu.Unlock()

	return call.protocol, call.err
}

func (p *Pipeline) rescore(ctx context.Context, protocolID string) (*domain.Protocol, error) {
	if p.repo == nil {
		return nil, fmt.Errorf("rescore requires a result repository")
	}

	prior, err := p.repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("loading protocol %s: %w", protocolID, err)
	}

	report, err := p.linker.AssessFreshness(ctx, prior, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	next := *prior
	next.ID = uuid.NewString()
	next.Version = prior.Version + 1
	next.PreviousVersionID = prior.ID
	next.CreatedAt = time.Now().UTC()
	next.ScoredAt = next.CreatedAt
	next.EvidenceQuality = report.OverallQualityScore
	// Only the evidence term changes on re-score; swap it in place of the old one.
	next.AggregateScore = prior.AggregateScore +
		p.cfg.Weights.Evidence*(clamp01(next.EvidenceQuality)-clamp01(prior.EvidenceQuality))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.ProtocolID = next.ID
	if err := p.repo.SaveProtocol(ctx, &next); err != nil {
		return nil, fmt.Errorf("saving rescored protocol: %w", err)
	}
	if err := p.repo.SaveFreshnessReport(ctx, report); err != nil {
		return nil, fmt.Errorf("saving freshness report: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"protocol_id":      next.ID,
		"previous_version": prior.ID,
		"evidence_quality": next.EvidenceQuality,
		"aggregate_score":  next.AggregateScore,
	}).Info("Rescored protocol")

	return &next, nil
}

// explainBestPick decomposes the best pick's aggregate score into the four
// weighted criteria terms, with the ranking weights as feature weights and a
// zero base value.
func (p *Pipeline) explainBestPick(patient *domain.PatientFeatureVector, top domain.RankedDiagnosis, best *domain.Protocol) (*domain.Attribution, error) {
	penalty, _ := p.protocols.contraindicationPenalty(best, patient)

	values := map[string]float64{
		"efficacy": top.CalibratedConfidence,
		"safety":   1 - penalty,
		"cost":     p.protocols.costNormalization(*best),
		"evidence": clamp01(best.EvidenceQuality),
	}
	weights := map[string]float64{
		"efficacy": p.cfg.Weights.Efficacy,
		"safety":   p.cfg.Weights.Safety,
		"cost":     p.cfg.Weights.Cost,
		"evidence": p.cfg.Weights.Evidence,
	}

	return p.explainer.Explain(best.AggregateScore, values, weights, 0)
}

func (p *Pipeline) buildProtocol(diagnosisCode string, school domain.SchoolOfThought, drafts []domain.DraftStep) *domain.Protocol {
	protocol := &domain.Protocol{
		ID:            uuid.NewString(),
		Version:       1,
		DiagnosisCode: diagnosisCode,
		School:        school,
		CreatedAt:     time.Now().UTC(),
	}

	seen := make(map[string]bool)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, draft := range drafts {
		protocol.Steps = append(protocol.Steps, domain.ProtocolStep{
			TherapyID:          draft.TherapyID,
			DoseDescriptor:     draft.DoseDescriptor,
			DeliveryDescriptor: draft.DeliveryDescriptor,
		})

		profile, ok := p.catalog[draft.TherapyID]
		if !ok {
			continue
		}
		protocol.CostEstimateLow += profile.CostEstimateLow
		protocol.CostEstimateHigh += profile.CostEstimateHigh
		for _, ci := range profile.Contraindications {
			key := normalizeCondition(ci)
			if seen[key] {
				continue
			}
			seen[key] = true
			protocol.Contraindications = append(protocol.Contraindications, ci)
		}
	}

	return protocol
}

// persist writes all run artifacts. Called only after every stage succeeded.
func (p *Pipeline) persist(ctx context.Context, result *domain.AnalysisResult) error {
	if p.repo == nil {
		return nil
	}

	for _, protocols := range result.Protocols.BySchool {
		for i := range protocols {
			if err := p.repo.SaveProtocol(ctx, &protocols[i]); err != nil {
				return fmt.Errorf("saving protocol %s: %w", protocols[i].ID, err)
			}
		}
	}
	if result.Explanation != nil {
		if err := p.repo.SaveAttribution(ctx, result.Explanation); err != nil {
			return fmt.Errorf("saving attribution: %w", err)
		}
	}
	if result.Risk != nil {
		if err := p.repo.SaveRiskAssessment(ctx, result.Risk); err != nil {
			return fmt.Errorf("saving risk assessment: %w", err)
		}
	}
	return nil
}
