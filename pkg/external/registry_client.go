package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/regenmed-dss-server/internal/domain"
)

// RegistryClient queries a clinical trial registry for evidence records and
// study status. It implements both the evidence source and the registry status
// lookup contracts.
type RegistryClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCount int
	logger     *logrus.Logger
}

// NewRegistryClient creates a new trial registry client
func NewRegistryClient(config domain.SourceAPIConfig, logger *logrus.Logger) *RegistryClient {
	if config.RateLimit == 0 {
		config.RateLimit = 3
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 20 * time.Second
	}

	return &RegistryClient{
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

type registrySearchResponse struct {
	Studies []registryStudy `json:"studies"`
}

type registryStudy struct {
	NCTID          string   `json:"nct_id"`
	Title          string   `json:"title"`
	Year           int      `json:"year"`
	QualityScore   float64  `json:"quality_score"`
	RelevanceScore float64  `json:"relevance_score"`
	Keywords       []string `json:"keywords"`
}

type registryStatusResponse struct {
	Status string `json:"status"`
}

// Name identifies the source in logs and errors.
func (c *RegistryClient) Name() string {
	return "trial-registry"
}

// Search returns registry evidence records matching a keyword. Studies without
// an identifier are dropped with a logged count.
func (c *RegistryClient) Search(ctx context.Context, keyword string) ([]domain.EvidenceRecord, error) {
	params := url.Values{"query": {keyword}}
	var resp registrySearchResponse
	if err := c.getJSON(ctx, "/v2/studies", params, &resp); err != nil {
		return nil, domain.NewEvidenceSourceUnavailableError(c.Name(), err)
	}

	records := make([]domain.EvidenceRecord, 0, len(resp.Studies))
	dropped := 0
	for _, study := range resp.Studies {
		if study.NCTID == "" || study.Title == "" {
			dropped++
			continue
		}
		records = append(records, domain.EvidenceRecord{
			Source:         domain.SOURCE_REGISTRY,
			Title:          study.Title,
			Year:           study.Year,
			QualityScore:   study.QualityScore,
			RelevanceScore: study.RelevanceScore,
			CitationID:     study.NCTID,
			Keywords:       study.Keywords,
		})
	}

	if dropped > 0 {
		c.logger.WithFields(logrus.Fields{
			"source":  c.Name(),
			"keyword": keyword,
			"dropped": dropped,
		}).Warn("Dropped malformed registry studies")
	}

	return records, nil
}

// Status reports whether a registry study has changed since ingestion.
// Unrecognized statuses map to UNKNOWN rather than failing.
func (c *RegistryClient) Status(ctx context.Context, citationID string) (domain.RegistryStatus, error) {
	var resp registryStatusResponse
	if err := c.getJSON(ctx, "/v2/studies/"+url.PathEscape(citationID)+"/status", nil, &resp); err != nil {
		return domain.REGISTRY_UNKNOWN, domain.NewEvidenceSourceUnavailableError(c.Name(), err)
	}

	switch domain.RegistryStatus(resp.Status) {
	case domain.REGISTRY_CURRENT, domain.REGISTRY_CHANGED:
		return domain.RegistryStatus(resp.Status), nil
	default:
		return domain.REGISTRY_UNKNOWN, nil
	}
}

func (c *RegistryClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
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

		req, err := http.NewRequestWithContext(ctx, "GET", fullURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
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
			lastErr = fmt.Errorf("registry returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("registry returned status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", c.retryCount+1, lastErr)
}
