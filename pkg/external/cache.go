package external

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regenmed-dss-server/internal/domain"
)

// CacheClient wraps Redis with caching for external source responses. Cached
// search results let the resilient client serve keyword queries while a source
// is down or its circuit breaker is open.
type CacheClient struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewCacheClient creates a new cache client
func NewCacheClient(config domain.CacheConfig) (*CacheClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.PoolSize
	opts.PoolTimeout = config.PoolTimeout
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CacheClient{
		redis:      client,
		defaultTTL: config.DefaultTTL,
	}, nil
}

// CachedSearchResults represents cached source search results with metadata
type CachedSearchResults struct {
	Records   []domain.EvidenceRecord `json:"records"`
	CachedAt  time.Time               `json:"cached_at"`
	ExpiresAt time.Time               `json:"expires_at"`
}

// GetSearchResults retrieves cached search results for a source and keyword.
func (c *CacheClient) GetSearchResults(ctx context.Context, source, keyword string) ([]domain.EvidenceRecord, bool, error) {
	key := c.searchKey(source, keyword)

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil // Cache miss
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get search cache: %w", err)
	}

	var cached CachedSearchResults
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Remove corrupted cache entry
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	return cached.Records, true, nil
}

// SetSearchResults caches search results for a source and keyword.
func (c *CacheClient) SetSearchResults(ctx context.Context, source, keyword string, records []domain.EvidenceRecord, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	cached := CachedSearchResults{
		Records:   records,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal search cache data: %w", err)
	}

	return c.redis.Set(ctx, c.searchKey(source, keyword), jsonData, ttl).Err()
}

// InvalidateKeyword removes cached search results for a keyword across all
// sources, used when re-ingestion changes the record set behind a topic.
func (c *CacheClient) InvalidateKeyword(ctx context.Context, keyword string) error {
	pattern := fmt.Sprintf("search:*:%s", keywordHash(keyword))
	keys, err := c.redis.Keys(ctx, pattern).Result()
	if err != nil {
		return fmt.Errorf("failed to get keys for keyword: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

// Ping checks if the Redis connection is alive
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.redis.Close()
}

func (c *CacheClient) searchKey(source, keyword string) string {
	return fmt.Sprintf("search:%s:%s", source, keywordHash(keyword))
}

func keywordHash(keyword string) string {
	hash := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(keyword))))
	return fmt.Sprintf("%x", hash[:8])
}
