// Package api exposes scans, push ingestion, threat queries, predictions
// and health over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/health"
	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/pipeline"
	"github.com/lvonguyen/repsentinel/internal/prediction"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

const (
	defaultThreatLimit = 50
	maxThreatLimit     = 500
	defaultHealthLimit = 20
)

// Scanner runs ingestion.
type Scanner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Ingest(ctx context.Context, items []pipeline.IngestItem, opts pipeline.IngestOptions) (*pipeline.IngestResult, error)
}

// Predictor produces predictions and risk assessments.
type Predictor interface {
	Predict(ctx context.Context, req prediction.Request) (*prediction.Result, error)
	Assess(ctx context.Context, entityName string) (*prediction.Assessment, error)
}

// HealthChecker runs the pipeline health checks.
type HealthChecker interface {
	Run(ctx context.Context) []repository.HealthRecord
}

// Deps are the collaborators the server exposes.
type Deps struct {
	Config         *config.Config
	Store          repository.Store
	Scanner        Scanner
	Predictor      Predictor
	Health         HealthChecker
	RateLimiter    *RateLimiter
	MetricsHandler http.Handler
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	Version        string
}

// Server is the HTTP API.
type Server struct {
	cfg            *config.Config
	store          repository.Store
	scanner        Scanner
	predictor      Predictor
	health         HealthChecker
	limiter        *RateLimiter
	metricsHandler http.Handler
	metrics        *observability.Metrics
	logger         *zap.Logger
	version        string
	router         chi.Router
}

// NewServer builds the server and its routes.
func NewServer(deps Deps) *Server {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.Ingest.MaxBodyBytes <= 0 {
		cfg.Ingest.MaxBodyBytes = 1 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(nil, cfg.RateLimit, logger)
	}

	s := &Server{
		cfg:            cfg,
		store:          deps.Store,
		scanner:        deps.Scanner,
		predictor:      deps.Predictor,
		health:         deps.Health,
		limiter:        limiter,
		metricsHandler: deps.MetricsHandler,
		metrics:        deps.Metrics,
		logger:         logger.Named("api"),
		version:        deps.Version,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger, s.metrics))
	r.Use(middleware.Recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Trigger endpoints
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/scans", s.handleScan)
			r.Post("/ingest", s.handleIngest)
			r.Post("/entities/{name}/predictions", s.handlePredict)
		})

		r.Get("/entities/{name}/threats", s.handleListThreats)
		r.Get("/entities/{name}/risk", s.handleRisk)
		r.Get("/health/checks", s.handleHealthChecks)
	})

	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "store not configured")
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Scan handlers

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	res, err := s.scanner.Run(r.Context(), req)
	switch {
	case errors.Is(err, pipeline.ErrInvalidEntity):
		writeError(w, http.StatusBadRequest, "invalid_entity", err.Error())
		return
	case errors.Is(err, pipeline.ErrNoAdapters):
		writeError(w, http.StatusServiceUnavailable, "no_adapters", err.Error())
		return
	case err != nil:
		s.logger.Error("Scan failed", zap.String("entity", req.Entity), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "scan_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Entity handlers

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	name, err := entity.ValidateName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_entity", err.Error())
		return
	}

	q := r.URL.Query()
	filter := repository.ThreatFilter{
		EntityName: name,
		Platform:   q.Get("platform"),
		Severity:   q.Get("severity"),
		Status:     q.Get("status"),
		Limit:      defaultThreatLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxThreatLimit)
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be a duration such as 24h")
			return
		}
		filter.Since = time.Now().Add(-d)
	}

	threats, err := s.store.ListThreats(r.Context(), filter)
	if err != nil {
		s.logger.Error("Listing threats failed", zap.String("entity", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store_error", "failed to list threats")
		return
	}
	if threats == nil {
		threats = []repository.MatchedThreat{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity":  name,
		"threats": threats,
		"count":   len(threats),
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	req := prediction.Request{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
			return
		}
	}
	req.EntityName = chi.URLParam(r, "name")

	res, err := s.predictor.Predict(r.Context(), req)
	switch {
	case errors.Is(err, entity.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid_entity", err.Error())
		return
	case errors.Is(err, prediction.ErrAnalysisInProgress):
		writeError(w, http.StatusConflict, "analysis_in_progress", err.Error())
		return
	case err != nil:
		s.logger.Error("Prediction failed", zap.String("entity", req.EntityName), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "prediction_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	a, err := s.predictor.Assess(r.Context(), chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, entity.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid_entity", err.Error())
		return
	case err != nil:
		s.logger.Error("Risk assessment failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "assessment_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Health check handlers

// handleHealthChecks returns the latest persisted check results. With
// run=true the checks are executed first.
func (s *Server) handleHealthChecks(w http.ResponseWriter, r *http.Request) {
	if run, _ := strconv.ParseBool(r.URL.Query().Get("run")); run {
		records := s.health.Run(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"healthy": health.Healthy(records),
			"checks":  records,
		})
		return
	}

	records, err := s.store.ListHealth(r.Context(), defaultHealthLimit)
	if err != nil {
		s.logger.Error("Listing health records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store_error", "failed to list health records")
		return
	}
	latest := latestPerCheck(records)
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": health.Healthy(latest),
		"checks":  latest,
	})
}

// latestPerCheck keeps the newest record for each check name. Input is
// newest first.
func latestPerCheck(records []repository.HealthRecord) []repository.HealthRecord {
	seen := make(map[string]bool)
	out := []repository.HealthRecord{}
	for _, rec := range records {
		if seen[rec.CheckName] {
			continue
		}
		seen[rec.CheckName] = true
		out = append(out, rec)
	}
	return out
}
