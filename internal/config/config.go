package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/regenmed-dss-server/internal/domain"
)

// Manager loads and validates application configuration using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/regenmed-dss/")

	viper.SetEnvPrefix("REGENMED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and env vars apply when absent.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "regenmed_dss")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// External collaborator defaults
	viper.SetDefault("external_api.suggestion.base_url", "http://localhost:9000/v1/")
	viper.SetDefault("external_api.suggestion.timeout", "30s")
	viper.SetDefault("external_api.suggestion.rate_limit", 10)
	viper.SetDefault("external_api.suggestion.retry_count", 3)

	viper.SetDefault("external_api.registry.base_url", "https://clinicaltrials.gov/api/v2/")
	viper.SetDefault("external_api.registry.timeout", "30s")
	viper.SetDefault("external_api.registry.rate_limit", 10)
	viper.SetDefault("external_api.registry.retry_count", 3)

	viper.SetDefault("external_api.literature.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/")
	viper.SetDefault("external_api.literature.timeout", "30s")
	viper.SetDefault("external_api.literature.rate_limit", 10)
	viper.SetDefault("external_api.literature.retry_count", 3)

	// Cache defaults
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "24h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")

	// Storage defaults
	viper.SetDefault("storage.evidence_db_path", "data/evidence.db")
	viper.SetDefault("storage.review_db_path", "data/reviews.db")
	viper.SetDefault("storage.evidence_refresh_interval", "24h")

	// Pipeline defaults
	viper.SetDefault("pipeline.overlap_floor", 0.5)
	viper.SetDefault("pipeline.overlap_span", 1.0)
	viper.SetDefault("pipeline.link_top_k", 3)
	viper.SetDefault("pipeline.staleness_threshold_years", 5)
	viper.SetDefault("pipeline.weights.efficacy", 0.4)
	viper.SetDefault("pipeline.weights.safety", 0.3)
	viper.SetDefault("pipeline.weights.cost", 0.1)
	viper.SetDefault("pipeline.weights.evidence", 0.2)
	viper.SetDefault("pipeline.exclusion_threshold", 0.5)
	viper.SetDefault("pipeline.absolute_contraindications", []string{
		"active infection", "active malignancy", "pregnancy",
	})
	viper.SetDefault("pipeline.cost_cap", 50000.0)
	viper.SetDefault("pipeline.epsilon", 1e-6)
	viper.SetDefault("pipeline.risk_low_threshold", 0.05)
	viper.SetDefault("pipeline.risk_high_threshold", 0.15)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetExternalAPIConfig returns external collaborator configuration
func (m *Manager) GetExternalAPIConfig() *domain.ExternalAPIConfig {
	return &m.config.ExternalAPI
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetPipelineConfig returns pipeline tuning parameters
func (m *Manager) GetPipelineConfig() *domain.PipelineConfig {
	return &m.config.Pipeline
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	if config.ExternalAPI.Suggestion.BaseURL == "" {
		return fmt.Errorf("suggestion provider base URL is required")
	}
	if config.ExternalAPI.Registry.BaseURL == "" {
		return fmt.Errorf("registry base URL is required")
	}
	if config.ExternalAPI.Literature.BaseURL == "" {
		return fmt.Errorf("literature base URL is required")
	}

	if config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required")
	}

	if err := config.Pipeline.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseURL returns a postgres URL for migrations
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}
