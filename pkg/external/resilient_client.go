package external

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/regenmed-dss-server/internal/domain"
)

// ResilientEvidenceClient fans a keyword search out over multiple evidence
// sources, each behind its own circuit breaker, with Redis-cached responses as
// the fallback when a breaker is open. Results are normalized and deduplicated
// before they reach the evidence store.
type ResilientEvidenceClient struct {
	sources  []domain.EvidenceSource
	breakers map[string]*gobreaker.CircuitBreaker
	cache    *CacheClient
	logger   *logrus.Logger
}

// NewResilientEvidenceClient wraps the given sources with circuit breakers.
// cache may be nil; fallback and response caching are then disabled.
func NewResilientEvidenceClient(sources []domain.EvidenceSource, cache *CacheClient, logger *logrus.Logger) *ResilientEvidenceClient {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(sources))
	for _, source := range sources {
		name := source.Name()
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"source": name,
					"from":   from.String(),
					"to":     to.String(),
				}).Warn("Evidence source circuit breaker state changed")
			},
		})
	}

	return &ResilientEvidenceClient{
		sources:  sources,
		breakers: breakers,
		cache:    cache,
		logger:   logger,
	}
}

// SearchAll queries every source concurrently and merges the results.
// Individual source failures degrade the result set; only when every source
// fails does the call surface an evidence-source-unavailable error.
func (r *ResilientEvidenceClient) SearchAll(ctx context.Context, keyword string) ([]domain.EvidenceRecord, error) {
	type sourceResult struct {
		name    string
		records []domain.EvidenceRecord
		err     error
	}

	results := make(chan sourceResult, len(r.sources))
	var wg sync.WaitGroup
	for _, source := range r.sources {
		wg.Add(1)
		go func(source domain.EvidenceSource) {
			defer wg.Done()
			records, err := r.searchSource(ctx, source, keyword)
			results <- sourceResult{name: source.Name(), records: records, err: err}
		}(source)
	}
	wg.Wait()
	close(results)

	var merged []domain.EvidenceRecord
	failures := 0
	var lastErr error
	for res := range results {
		if res.err != nil {
			failures++
			lastErr = res.err
			r.logger.WithError(res.err).WithFields(logrus.Fields{
				"source":  res.name,
				"keyword": keyword,
			}).Warn("Evidence source query failed")
			continue
		}
		merged = append(merged, res.records...)
	}

	if failures == len(r.sources) && len(r.sources) > 0 {
		return nil, domain.NewEvidenceSourceUnavailableError("all",
			fmt.Errorf("every evidence source failed for keyword %q: %w", keyword, lastErr))
	}

	return dedupeRecords(merged), nil
}

// InvalidateKeyword drops cached responses for a topic keyword.
func (r *ResilientEvidenceClient) InvalidateKeyword(ctx context.Context, keyword string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.InvalidateKeyword(ctx, keyword)
}

// BreakerStates returns the current state of every source's circuit breaker.
func (r *ResilientEvidenceClient) BreakerStates() map[string]gobreaker.State {
	states := make(map[string]gobreaker.State, len(r.breakers))
	for name, breaker := range r.breakers {
		states[name] = breaker.State()
	}
	return states
}

func (r *ResilientEvidenceClient) searchSource(ctx context.Context, source domain.EvidenceSource, keyword string) ([]domain.EvidenceRecord, error) {
	name := source.Name()

	result, err := r.breakers[name].Execute(func() (interface{}, error) {
		return source.Search(ctx, keyword)
	})

	if err != nil {
		// An open breaker falls back to the last cached response.
		if err == gobreaker.ErrOpenState && r.cache != nil {
			if cached, found, cacheErr := r.cache.GetSearchResults(ctx, name, keyword); cacheErr == nil && found {
				return cached, nil
			}
		}
		return nil, err
	}

	records := result.([]domain.EvidenceRecord)

	if r.cache != nil {
		if cacheErr := r.cache.SetSearchResults(ctx, name, keyword, records, 0); cacheErr != nil {
			r.logger.WithError(cacheErr).WithField("source", name).
				Warn("Failed to cache search results")
		}
	}

	return records, nil
}

// dedupeRecords collapses duplicates across sources, preferring citation id
// identity, else normalized title and year. The higher-quality duplicate wins.
func dedupeRecords(records []domain.EvidenceRecord) []domain.EvidenceRecord {
	byKey := make(map[string]domain.EvidenceRecord, len(records))
	var order []string
	for _, record := range records {
		key := record.CitationID
		if key == "" {
			title := strings.Join(strings.Fields(strings.ToLower(record.Title)), " ")
			key = fmt.Sprintf("%s|%d", title, record.Year)
		}
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = record
			order = append(order, key)
			continue
		}
		if record.QualityScore > existing.QualityScore {
			byKey[key] = record
		}
	}

	sort.Strings(order)
	deduped := make([]domain.EvidenceRecord, 0, len(order))
	for _, key := range order {
		deduped = append(deduped, byKey[key])
	}
	return deduped
}
