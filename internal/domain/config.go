package domain

import (
	"fmt"
	"time"
)

// Configuration Models

// Config represents the main application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	ExternalAPI ExternalAPIConfig `mapstructure:"external_api"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// StorageConfig represents local storage configuration
type StorageConfig struct {
	EvidenceDBPath          string        `mapstructure:"evidence_db_path"`
	ReviewDBPath            string        `mapstructure:"review_db_path"`
	EvidenceRefreshInterval time.Duration `mapstructure:"evidence_refresh_interval"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ExternalAPIConfig represents external collaborator configuration
type ExternalAPIConfig struct {
	Suggestion SuggestionAPIConfig `mapstructure:"suggestion"`
	Registry   SourceAPIConfig     `mapstructure:"registry"`
	Literature SourceAPIConfig     `mapstructure:"literature"`
}

// SuggestionAPIConfig represents the inference provider client configuration
type SuggestionAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RetryCount int           `mapstructure:"retry_count"`
}

// SourceAPIConfig represents an evidence source client configuration
type SourceAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RetryCount int           `mapstructure:"retry_count"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// PipelineConfig holds the tunable parameters of the reasoning pipeline.
type PipelineConfig struct {
	// Diagnosis calibration: overlap factor = OverlapFloor + OverlapSpan * jaccard,
	// clamped to [OverlapFloor, OverlapFloor+OverlapSpan].
	OverlapFloor float64 `mapstructure:"overlap_floor"`
	OverlapSpan  float64 `mapstructure:"overlap_span"`

	// Evidence linkage
	LinkTopK                int `mapstructure:"link_top_k"`
	StalenessThresholdYears int `mapstructure:"staleness_threshold_years"`

	// Protocol ranking
	Weights            RankingWeights `mapstructure:"weights"`
	ExclusionThreshold float64        `mapstructure:"exclusion_threshold"`
	// AbsoluteContraindications force exclusion regardless of threshold.
	AbsoluteContraindications []string `mapstructure:"absolute_contraindications"`
	CostCap                   float64  `mapstructure:"cost_cap"`

	// Attribution
	Epsilon float64 `mapstructure:"epsilon"`
	// ReferenceValues is the population baseline per feature.
	ReferenceValues map[string]float64 `mapstructure:"reference_values"`

	// Risk stratification tier boundaries on adverse-event probability.
	RiskLowThreshold  float64 `mapstructure:"risk_low_threshold"`
	RiskHighThreshold float64 `mapstructure:"risk_high_threshold"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Validate checks the weight configuration: non-negative terms summing to 1
// within a small tolerance.
func (w RankingWeights) Validate() error {
	if w.Efficacy < 0 || w.Safety < 0 || w.Cost < 0 || w.Evidence < 0 {
		return NewInvalidWeightConfigurationError("weights must be non-negative")
	}
	sum := w.Efficacy + w.Safety + w.Cost + w.Evidence
	if sum < 1-1e-9 || sum > 1+1e-9 {
		return NewInvalidWeightConfigurationError(
			fmt.Sprintf("weights must sum to 1, got %g", sum))
	}
	return nil
}

// Validate checks pipeline parameter invariants.
func (p PipelineConfig) Validate() error {
	if err := p.Weights.Validate(); err != nil {
		return err
	}
	if p.LinkTopK <= 0 {
		return fmt.Errorf("link_top_k must be positive, got %d", p.LinkTopK)
	}
	if p.StalenessThresholdYears <= 0 {
		return fmt.Errorf("staleness_threshold_years must be positive, got %d", p.StalenessThresholdYears)
	}
	if p.ExclusionThreshold <= 0 || p.ExclusionThreshold > 1 {
		return fmt.Errorf("exclusion_threshold must be in (0,1], got %g", p.ExclusionThreshold)
	}
	// Tier boundaries must be monotonic.
	if p.RiskLowThreshold >= p.RiskHighThreshold {
		return fmt.Errorf("risk tier thresholds must satisfy low < high, got low=%g high=%g",
			p.RiskLowThreshold, p.RiskHighThreshold)
	}
	return nil
}
