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

// LiteratureClient queries a biomedical literature index for reviews and
// trial publications.
type LiteratureClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCount int
	logger     *logrus.Logger
}

// NewLiteratureClient creates a new literature index client
func NewLiteratureClient(config domain.SourceAPIConfig, logger *logrus.Logger) *LiteratureClient {
	if config.RateLimit == 0 {
		config.RateLimit = 3
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 20 * time.Second
	}

	return &LiteratureClient{
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

type literatureSearchResponse struct {
	Articles []literatureArticle `json:"articles"`
}

type literatureArticle struct {
	PMID           string   `json:"pmid"`
	Title          string   `json:"title"`
	Year           int      `json:"year"`
	Type           string   `json:"type"` // "review" or "trial"
	QualityScore   float64  `json:"quality_score"`
	RelevanceScore float64  `json:"relevance_score"`
	Keywords       []string `json:"keywords"`
}

// Name identifies the source in logs and errors.
func (c *LiteratureClient) Name() string {
	return "literature-index"
}

// Search returns literature evidence records matching a keyword.
func (c *LiteratureClient) Search(ctx context.Context, keyword string) ([]domain.EvidenceRecord, error) {
	params := url.Values{"q": {keyword}}
	var resp literatureSearchResponse
	if err := c.getJSON(ctx, "/v1/search", params, &resp); err != nil {
		return nil, domain.NewEvidenceSourceUnavailableError(c.Name(), err)
	}

	records := make([]domain.EvidenceRecord, 0, len(resp.Articles))
	dropped := 0
	for _, article := range resp.Articles {
		if article.Title == "" {
			dropped++
			continue
		}
		source := domain.SOURCE_REVIEW
		if article.Type == "trial" {
			source = domain.SOURCE_TRIAL
		}
		records = append(records, domain.EvidenceRecord{
			Source:         source,
			Title:          article.Title,
			Year:           article.Year,
			QualityScore:   article.QualityScore,
			RelevanceScore: article.RelevanceScore,
			CitationID:     article.PMID,
			Keywords:       article.Keywords,
		})
	}

	if dropped > 0 {
		c.logger.WithFields(logrus.Fields{
			"source":  c.Name(),
			"keyword": keyword,
			"dropped": dropped,
		}).Warn("Dropped malformed literature articles")
	}

	return records, nil
}

func (c *LiteratureClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
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
			lastErr = fmt.Errorf("literature index returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("literature index returned status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", c.retryCount+1, lastErr)
}
