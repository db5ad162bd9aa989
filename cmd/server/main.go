package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/api"
	"github.com/regenmed-dss-server/internal/config"
	"github.com/regenmed-dss-server/internal/database"
	"github.com/regenmed-dss-server/internal/domain"
	"github.com/regenmed-dss-server/internal/evidence"
	"github.com/regenmed-dss-server/internal/repository"
	"github.com/regenmed-dss-server/internal/review"
	"github.com/regenmed-dss-server/internal/service"
	"github.com/regenmed-dss-server/pkg/external"
)

// defaultTherapyCatalog seeds the pipeline with the regenerative therapies the
// deployment supports. Keywords drive evidence linkage and refresh; cost bands
// and contraindications come from the clinic's fee schedule and safety sheets.
var defaultTherapyCatalog = map[string]service.TherapyProfile{
	"prp-injection": {
		Keywords:          []string{"platelet-rich plasma", "prp injection"},
		CostEstimateLow:   1500,
		CostEstimateHigh:  3000,
		Contraindications: []string{"active infection", "thrombocytopenia"},
	},
	"bmac-injection": {
		Keywords:          []string{"bone marrow aspirate concentrate", "bmac"},
		CostEstimateLow:   4000,
		CostEstimateHigh:  7000,
		Contraindications: []string{"active infection", "active malignancy"},
	},
	"adipose-msc": {
		Keywords:          []string{"adipose-derived mesenchymal stem cells", "adipose msc"},
		CostEstimateLow:   5000,
		CostEstimateHigh:  9000,
		Contraindications: []string{"active infection", "active malignancy", "pregnancy"},
	},
	"prolotherapy": {
		Keywords:          []string{"prolotherapy", "dextrose injection"},
		CostEstimateLow:   400,
		CostEstimateHigh:  900,
		Contraindications: []string{"active infection"},
	},
}

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	// Result storage
	db, err := database.NewConnection(ctx, database.ConfigFromDomain(cfg.Database), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	migrationRunner, err := database.NewMigrationRunner(configManager.GetDatabaseURL(), "migrations", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create migration runner")
	}
	if err := migrationRunner.Up(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}
	migrationRunner.Close()

	repo := repository.NewResultRepository(db.Pool, logger)

	// Evidence storage and upstream sources
	store, err := evidence.NewSQLiteStore(cfg.Storage.EvidenceDBPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open evidence store")
	}
	defer store.Close()

	suggestion := external.NewSuggestionClient(cfg.ExternalAPI.Suggestion, logger)
	registry := external.NewRegistryClient(cfg.ExternalAPI.Registry, logger)
	literature := external.NewLiteratureClient(cfg.ExternalAPI.Literature, logger)

	cache, err := external.NewCacheClient(cfg.Cache)
	if err != nil {
		// Degraded mode: circuit-open fallbacks are unavailable without Redis.
		logger.WithError(err).Warn("Cache unavailable, continuing without it")
		cache = nil
	}

	sources := []domain.EvidenceSource{registry, literature}
	resilient := external.NewResilientEvidenceClient(sources, cache, logger)

	refresher := evidence.NewRefresher(logger, resilient, store, cfg.Storage.EvidenceRefreshInterval)

	// Reasoning pipeline
	linker := service.NewEvidenceLinker(logger, store, registry, cfg.Pipeline)
	pipeline := service.NewPipeline(logger, cfg.Pipeline, suggestion, linker, repo)
	for therapyID, profile := range defaultTherapyCatalog {
		pipeline.RegisterTherapy(therapyID, profile)
		refresher.Track(profile.Keywords...)
	}
	go refresher.Run(ctx)

	// Clinician reviews
	reviews, err := review.NewSQLiteStore(cfg.Storage.ReviewDBPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open review store")
	}
	defer reviews.Close()

	logger.WithFields(logrus.Fields{
		"host":      cfg.Server.Host,
		"port":      cfg.Server.Port,
		"therapies": len(defaultTherapyCatalog),
	}).Info("Starting regenerative medicine DSS server")

	server := api.NewServer(cfg, logger, pipeline, repo, reviews).WithRefresher(refresher)
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

// newLogger builds the application logger from the logging configuration.
func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return logger
}
