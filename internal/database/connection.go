package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
)

// Config holds the pgx pool settings for the analysis result store.
type Config struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	SSLMode     string
}

// ConfigFromDomain maps the application database configuration onto pool
// settings. Idle connections recycle at half the configured lifetime.
func ConfigFromDomain(cfg domain.DatabaseConfig) Config {
	return Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Database:    cfg.Database,
		Username:    cfg.Username,
		Password:    cfg.Password,
		MaxConns:    int32(cfg.MaxOpenConns),
		MinConns:    int32(cfg.MaxIdleConns),
		MaxConnLife: cfg.ConnMaxLifetime,
		MaxConnIdle: cfg.ConnMaxLifetime / 2,
		SSLMode:     cfg.SSLMode,
	}
}

// DB owns the shared pgx pool for the result repository.
type DB struct {
	Pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewConnection opens the result store connection pool and verifies it with a
// ping before returning.
func NewConnection(ctx context.Context, config Config, logger *logrus.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database, config.Username, config.Password, config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLife
	poolConfig.MaxConnIdleTime = config.MaxConnIdle

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":      config.Host,
		"port":      config.Port,
		"database":  config.Database,
		"max_conns": config.MaxConns,
		"min_conns": config.MinConns,
	}).Info("Result store connection pool established")

	return &DB{
		Pool: pool,
		log:  logger,
	}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("Result store connection pool closed")
	}
}

// Health pings the result store.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stats returns pool statistics for diagnostics.
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
