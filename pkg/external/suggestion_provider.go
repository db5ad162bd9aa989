package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/regenmed-dss-server/internal/domain"
)

// SuggestionClient talks to the external inference provider that proposes
// candidate diagnoses and draft protocol steps. Responses are schema-validated
// and malformed entries are dropped with a logged count; confidence values are
// passed through untouched for downstream calibration.
type SuggestionClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCount int
	logger     *logrus.Logger
}

// NewSuggestionClient creates a new suggestion provider client
func NewSuggestionClient(config domain.SuggestionAPIConfig, logger *logrus.Logger) *SuggestionClient {
	if config.RateLimit == 0 {
		config.RateLimit = 5
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &SuggestionClient{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit),
		retryCount: config.RetryCount,
		logger:     logger,
	}
}

type suggestDiagnosesRequest struct {
	Patient *domain.PatientFeatureVector `json:"patient"`
}

type suggestDiagnosesResponse struct {
	Candidates []candidateEntry `json:"candidates"`
}

type candidateEntry struct {
	Code                 string   `json:"code"`
	Label                string   `json:"label"`
	RawConfidence        float64  `json:"raw_confidence"`
	SupportingMechanisms []string `json:"supporting_mechanisms"`
	RegenerativeTargets  []string `json:"regenerative_targets"`
}

type draftProtocolRequest struct {
	DiagnosisCode string `json:"diagnosis_code"`
}

type draftProtocolResponse struct {
	Schools map[string][]draftStepEntry `json:"schools"`
}

type draftStepEntry struct {
	TherapyID          string `json:"therapy_id"`
	DoseDescriptor     string `json:"dose_descriptor"`
	DeliveryDescriptor string `json:"delivery_descriptor"`
	Rationale          string `json:"rationale"`
}

// SuggestDiagnoses returns candidate diagnoses for a patient record.
// Retry exhaustion surfaces as a suggestion-unavailable error.
func (c *SuggestionClient) SuggestDiagnoses(ctx context.Context, patient *domain.PatientFeatureVector) ([]domain.CandidateDiagnosis, error) {
	var resp suggestDiagnosesResponse
	err := c.postJSON(ctx, "/v1/suggest-diagnoses", suggestDiagnosesRequest{Patient: patient}, &resp)
	if err != nil {
		return nil, domain.NewSuggestionUnavailableError(patient.PatientID, err)
	}

	candidates := make([]domain.CandidateDiagnosis, 0, len(resp.Candidates))
	dropped := 0
	for _, entry := range resp.Candidates {
		if entry.Code == "" || entry.RawConfidence < 0 || entry.RawConfidence > 1 {
			dropped++
			continue
		}
		candidates = append(candidates, domain.CandidateDiagnosis{
			Code:                 entry.Code,
			Label:                entry.Label,
			RawConfidence:        entry.RawConfidence,
			SupportingMechanisms: entry.SupportingMechanisms,
			RegenerativeTargets:  entry.RegenerativeTargets,
		})
	}

	if dropped > 0 {
		c.logger.WithFields(logrus.Fields{
			"patient_id": patient.PatientID,
			"dropped":    dropped,
			"kept":       len(candidates),
		}).Warn("Dropped malformed diagnosis candidates from provider response")
	}

	return candidates, nil
}

// DraftProtocolSteps returns draft therapy steps grouped by school of thought.
// Unknown school labels and steps without a therapy id are dropped.
func (c *SuggestionClient) DraftProtocolSteps(ctx context.Context, diagnosisCode string) (map[domain.SchoolOfThought][]domain.DraftStep, error) {
	var resp draftProtocolResponse
	err := c.postJSON(ctx, "/v1/draft-protocol-steps", draftProtocolRequest{DiagnosisCode: diagnosisCode}, &resp)
	if err != nil {
		return nil, domain.NewSuggestionUnavailableError(diagnosisCode, err)
	}

	drafts := make(map[domain.SchoolOfThought][]domain.DraftStep)
	dropped := 0
	for label, entries := range resp.Schools {
		school, ok := parseSchool(label)
		if !ok {
			dropped += len(entries)
			continue
		}
		for _, entry := range entries {
			if entry.TherapyID == "" {
				dropped++
				continue
			}
			drafts[school] = append(drafts[school], domain.DraftStep{
				TherapyID:          entry.TherapyID,
				DoseDescriptor:     entry.DoseDescriptor,
				DeliveryDescriptor: entry.DeliveryDescriptor,
				Rationale:          entry.Rationale,
			})
		}
	}

	if dropped > 0 {
		c.logger.WithFields(logrus.Fields{
			"diagnosis_code": diagnosisCode,
			"dropped":        dropped,
		}).Warn("Dropped malformed draft steps from provider response")
	}

	return drafts, nil
}

// postJSON performs a rate-limited POST with exponential backoff retries.
func (c *SuggestionClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("provider returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("provider returned status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", c.retryCount+1, lastErr)
}

// backoffDelay is the exponential backoff schedule shared by external clients.
func backoffDelay(attempt int) time.Duration {
	d := 200 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func parseSchool(label string) (domain.SchoolOfThought, bool) {
	switch domain.SchoolOfThought(label) {
	case domain.SCHOOL_TRADITIONAL_AUTOLOGOUS, domain.SCHOOL_BIOLOGICS, domain.SCHOOL_COMBINATION:
		return domain.SchoolOfThought(label), true
	default:
		return "", false
	}
}
