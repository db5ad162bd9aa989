package evidence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// Searcher is the upstream evidence fetch surface, typically the resilient
// multi-source client. InvalidateKeyword drops any cached upstream responses
// for the keyword so a refresh reaches the live sources.
type Searcher interface {
	SearchAll(ctx context.Context, keyword string) ([]domain.EvidenceRecord, error)
	InvalidateKeyword(ctx context.Context, keyword string) error
}

// Refresher pulls evidence for tracked topic keywords from upstream sources
// and ingests it into the local store. Re-ingested records go through the
// store's dedup and versioning, so refreshing is safe to repeat.
type Refresher struct {
	logger   *logrus.Logger
	source   Searcher
	store    domain.EvidenceStore
	interval time.Duration

	mu       sync.Mutex
	keywords map[string]struct{}
}

// NewRefresher creates a refresher. interval is the periodic refresh cadence
// for Run; RefreshKeyword can be called on demand regardless.
func NewRefresher(logger *logrus.Logger, source Searcher, store domain.EvidenceStore, interval time.Duration) *Refresher {
	return &Refresher{
		logger:   logger,
		source:   source,
		store:    store,
		interval: interval,
		keywords: make(map[string]struct{}),
	}
}

// Track registers topic keywords for periodic refresh.
func (r *Refresher) Track(keywords ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kw := range keywords {
		r.keywords[kw] = struct{}{}
	}
}

// Keywords returns the tracked keywords, sorted.
func (r *Refresher) Keywords() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.keywords))
	for kw := range r.keywords {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

// RefreshKeyword fetches and ingests evidence for one keyword. Returns the
// number of records ingested.
func (r *Refresher) RefreshKeyword(ctx context.Context, keyword string) (int, error) {
	if err := r.source.InvalidateKeyword(ctx, keyword); err != nil {
		r.logger.WithError(err).WithField("keyword", keyword).Warn("Cache invalidation failed")
	}

	records, err := r.source.SearchAll(ctx, keyword)
	if err != nil {
		return 0, fmt.Errorf("fetching evidence for %q: %w", keyword, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	ingested, err := r.store.Ingest(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("ingesting evidence for %q: %w", keyword, err)
	}

	r.logger.WithFields(logrus.Fields{
		"keyword":  keyword,
		"fetched":  len(records),
		"ingested": ingested,
	}).Info("Refreshed evidence for keyword")

	return ingested, nil
}

// RefreshAll refreshes every tracked keyword. A failing keyword is logged and
// skipped; the remaining keywords still refresh.
func (r *Refresher) RefreshAll(ctx context.Context) int {
	var total int
	for _, kw := range r.Keywords() {
		if err := ctx.Err(); err != nil {
			return total
		}
		n, err := r.RefreshKeyword(ctx, kw)
		if err != nil {
			r.logger.WithError(err).WithField("keyword", kw).Warn("Keyword refresh failed")
			continue
		}
		total += n
	}
	return total
}

// Run refreshes all tracked keywords on the configured interval until ctx is
// cancelled. The first refresh happens immediately.
func (r *Refresher) Run(ctx context.Context) {
	r.RefreshAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}
