package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/regenmed-dss-server/internal/domain"
	"github.com/regenmed-dss-server/internal/middleware"
	"github.com/regenmed-dss-server/internal/review"
	"github.com/regenmed-dss-server/internal/service"
)

// ProtocolReader exposes the read side of the result repository needed by the
// retrieval endpoints.
type ProtocolReader interface {
	GetProtocol(ctx context.Context, id string) (*domain.Protocol, error)
	GetProtocolVersions(ctx context.Context, diagnosisCode string, limit int) ([]*domain.Protocol, error)
	GetLatestFreshnessReport(ctx context.Context, protocolID string) (*domain.EvidenceFreshnessReport, error)
}

// EvidenceRefresher triggers an on-demand evidence pull for a topic keyword.
type EvidenceRefresher interface {
	RefreshKeyword(ctx context.Context, keyword string) (int, error)
}

// Server represents the HTTP server
type Server struct {
	cfg       domain.ServerConfig
	logger    *logrus.Logger
	pipeline  *service.Pipeline
	risk      *service.RiskStratifier
	reader    ProtocolReader
	reviews   review.Store
	refresher EvidenceRefresher
	router    *gin.Engine
	server    *http.Server
}

// NewServer creates a new HTTP server instance. reader and reviews may be nil;
// the corresponding endpoints then answer 503.
func NewServer(cfg *domain.Config, logger *logrus.Logger, pipeline *service.Pipeline, reader ProtocolReader, reviews review.Store) *Server {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(middleware.AuditLogger())
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CorrelationID())
	router.Use(corsMiddleware())

	server := &Server{
		cfg:      cfg.Server,
		logger:   logger,
		pipeline: pipeline,
		risk:     service.NewRiskStratifier(logger, cfg.Pipeline),
		reader:   reader,
		reviews:  reviews,
		router:   router,
	}

	server.setupRoutes()

	return server
}

// WithRefresher attaches an evidence refresher for the refresh endpoint.
func (s *Server) WithRefresher(refresher EvidenceRefresher) *Server {
	s.refresher = refresher
	return s
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.WithField("addr", addr).Info("HTTP server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/analyze", s.handleAnalyze)
		v1.POST("/risk/cohort", s.handleCohortRisk)
		v1.GET("/protocols", s.handleListProtocolVersions)
		v1.GET("/protocols/:id", s.handleGetProtocol)
		v1.POST("/protocols/:id/rescore", s.handleRescoreProtocol)
		v1.GET("/protocols/:id/freshness", s.handleGetFreshness)
		v1.GET("/protocols/:id/reviews", s.handleListReviews)
		v1.POST("/reviews", s.handleSaveReview)
		v1.POST("/evidence/refresh", s.handleRefreshEvidence)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	})
}

type analyzeRequest struct {
	Patient domain.PatientFeatureVector `json:"patient" binding:"required"`
}

type analyzeResponse struct {
	Result          *domain.AnalysisResult `json:"result"`
	Recommendations []string               `json:"recommendations"`
}

// handleAnalyze runs the full reasoning pipeline for one patient.
func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Patient.PatientID == "" {
		s.badRequest(c, fmt.Errorf("patient_id is required"))
		return
	}

	result, err := s.pipeline.Analyze(c.Request.Context(), &req.Patient)
	if err != nil {
		s.pipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, analyzeResponse{
		Result:          result,
		Recommendations: service.GenerateRecommendations(result),
	})
}

type cohortRiskRequest struct {
	CohortID      string                         `json:"cohort_id"`
	TreatmentType string                         `json:"treatment_type"`
	Patients      []*domain.PatientFeatureVector `json:"patients" binding:"required"`
}

// handleCohortRisk stratifies a cohort of patients. Ad-hoc cohorts without an
// id get a generated one.
func (s *Server) handleCohortRisk(c *gin.Context) {
	var req cohortRiskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if len(req.Patients) == 0 {
		s.badRequest(c, fmt.Errorf("patients must not be empty"))
		return
	}
	if req.CohortID == "" {
		req.CohortID = uuid.NewString()
	}

	summary := s.risk.AssessCohort(req.CohortID, req.Patients, req.TreatmentType)
	c.JSON(http.StatusOK, summary)
}

// handleGetProtocol returns one stored protocol version by id.
func (s *Server) handleGetProtocol(c *gin.Context) {
	if s.reader == nil {
		s.unavailable(c, "protocol storage not configured")
		return
	}

	protocol, err := s.reader.GetProtocol(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol)
}

// handleListProtocolVersions returns the version history for a diagnosis code,
// newest first.
func (s *Server) handleListProtocolVersions(c *gin.Context) {
	if s.reader == nil {
		s.unavailable(c, "protocol storage not configured")
		return
	}

	code := c.Query("diagnosis_code")
	if code == "" {
		s.badRequest(c, fmt.Errorf("diagnosis_code query parameter is required"))
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			s.badRequest(c, fmt.Errorf("limit must be an integer in [1,100]"))
			return
		}
		limit = parsed
	}

	versions, err := s.reader.GetProtocolVersions(c.Request.Context(), code, limit)
	if err != nil {
		s.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"diagnosis_code": code,
		"versions":       versions,
	})
}

// handleRescoreProtocol re-evaluates evidence freshness for a stored protocol
// and writes a new version.
func (s *Server) handleRescoreProtocol(c *gin.Context) {
	protocol, err := s.pipeline.RescoreProtocol(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol)
}

// handleGetFreshness returns the latest freshness report for a protocol.
func (s *Server) handleGetFreshness(c *gin.Context) {
	if s.reader == nil {
		s.unavailable(c, "protocol storage not configured")
		return
	}

	report, err := s.reader.GetLatestFreshnessReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleSaveReview records a clinician's review of a protocol version.
func (s *Server) handleSaveReview(c *gin.Context) {
	if s.reviews == nil {
		s.unavailable(c, "review storage not configured")
		return
	}

	var r review.Review
	if err := c.ShouldBindJSON(&r); err != nil {
		s.badRequest(c, err)
		return
	}
	if r.ProtocolVersionID == "" || r.ClinicianID == "" {
		s.badRequest(c, fmt.Errorf("protocol_version_id and clinician_id are required"))
		return
	}
	switch r.Decision {
	case review.DecisionAccepted, review.DecisionRejected, review.DecisionOverridden:
	default:
		s.badRequest(c, fmt.Errorf("decision must be one of Accepted, Rejected, Overridden"))
		return
	}
	if r.Decision == review.DecisionOverridden && r.OverrideReason == "" {
		s.badRequest(c, fmt.Errorf("override_reason is required for overridden decisions"))
		return
	}

	if err := s.reviews.Save(c.Request.Context(), &r); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// handleListReviews returns all reviews for a protocol version.
func (s *Server) handleListReviews(c *gin.Context) {
	if s.reviews == nil {
		s.unavailable(c, "review storage not configured")
		return
	}

	reviews, err := s.reviews.ListByProtocol(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"protocol_version_id": c.Param("id"),
		"reviews":             reviews,
	})
}

type refreshRequest struct {
	Keyword string `json:"keyword" binding:"required"`
}

// handleRefreshEvidence triggers an on-demand evidence pull for one keyword.
func (s *Server) handleRefreshEvidence(c *gin.Context) {
	if s.refresher == nil {
		s.unavailable(c, "evidence refresh not configured")
		return
	}

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	ingested, err := s.refresher.RefreshKeyword(c.Request.Context(), req.Keyword)
	if err != nil {
		s.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"keyword":  req.Keyword,
		"ingested": ingested,
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString("correlation_id"),
	})
}

func (s *Server) unavailable(c *gin.Context, msg string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":          msg,
		"correlation_id": c.GetString("correlation_id"),
	})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.WithError(err).Error("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString("correlation_id"),
	})
}

// pipelineError maps the pipeline failure taxonomy onto HTTP statuses.
func (s *Server) pipelineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case domain.IsCode(err, domain.ErrEmptyCandidateSet),
		domain.IsCode(err, domain.ErrInvalidInput),
		domain.IsCode(err, domain.ErrInvalidWeightConfiguration):
		status = http.StatusUnprocessableEntity
	case domain.IsCode(err, domain.ErrSuggestionUnavailable),
		domain.IsCode(err, domain.ErrEvidenceSourceUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}

	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	} else {
		s.logger.WithError(err).Warn("Request rejected")
	}

	body := gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString("correlation_id"),
	}
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		body["code"] = pe.Code
		body["stage"] = pe.Stage
	}
	c.JSON(status, body)
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "Content-Length")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
