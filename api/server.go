package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"sales-forecast-engine/analytics"
	"sales-forecast-engine/analytics/ml"
	"sales-forecast-engine/ingestion"
	"sales-forecast-engine/logging"
	"sales-forecast-engine/metrics"
	"sales-forecast-engine/storage"
)

// ForecastReader is the read side of the store the API serves from
type ForecastReader interface {
	GetForecastByRun(ctx context.Context, runID uuid.UUID, level storage.EntityType) ([]storage.ForecastRow, error)
	GetExternalFeatures(ctx context.Context, entityType storage.EntityType, entityID *uuid.UUID, start, end time.Time) ([]storage.CalendarFeature, error)
}

// ArchiveReader serves runs that have aged out of the store
type ArchiveReader interface {
	ReadRun(runID uuid.UUID) ([]storage.ForecastRow, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type cacheStatter interface {
	Stats() storage.CacheStats
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	engine    *analytics.ForecastEngine
	store     ForecastReader
	processor *ingestion.TransactionProcessor
	archive   ArchiveReader
	metrics   *metrics.Forecast
	logger    logrus.FieldLogger
	defaults  ml.ForecastConfig
	startTime time.Time
}

// ServerOption configures optional collaborators
type ServerOption func(*Server)

// WithArchive lets GET /forecasts/{run_id} fall back to archived runs
func WithArchive(archive ArchiveReader) ServerOption {
	return func(s *Server) {
		s.archive = archive
	}
}

// WithMetrics exposes the collectors on /metrics
func WithMetrics(m *metrics.Forecast) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the request logger
func WithLogger(logger logrus.FieldLogger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDefaults sets the configuration requests are merged over
func WithDefaults(cfg ml.ForecastConfig) ServerOption {
	return func(s *Server) {
		s.defaults = cfg
	}
}

// NewServer creates a new API server
func NewServer(engine *analytics.ForecastEngine, store ForecastReader, processor *ingestion.TransactionProcessor, opts ...ServerOption) *Server {
	server := &Server{
		router:    mux.NewRouter(),
		engine:    engine,
		store:     store,
		processor: processor,
		defaults:  ml.DefaultForecastConfig(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.logger == nil {
		server.logger = logging.Discard()
	}

	server.setupRoutes()
	return server
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Forecasting
	api.HandleFunc("/forecasts", s.generateForecasts).Methods(http.MethodPost)
	api.HandleFunc("/forecasts/latest", s.latestForecasts).Methods(http.MethodGet)
	api.HandleFunc("/forecasts/{run_id}", s.getForecastRun).Methods(http.MethodGet)
	api.HandleFunc("/forecasts/{run_id}/accuracy", s.forecastAccuracy).Methods(http.MethodPost)
	api.HandleFunc("/accuracy", s.accuracyHistory).Methods(http.MethodGet)
	api.HandleFunc("/features/calendar", s.calendarFeatures).Methods(http.MethodGet)
	api.HandleFunc("/models", s.listModels).Methods(http.MethodGet)

	// Ingestion
	api.HandleFunc("/transactions", s.ingestTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions/batch", s.ingestBatch).Methods(http.MethodPost)

	api.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/", s.rootHandler).Methods(http.MethodGet)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ForecastRequest asks for a forecast run. Config fields left out keep the
// server defaults.
type ForecastRequest struct {
	Config    ml.ForecastConfig `json:"config"`
	EntityIDs []uuid.UUID       `json:"entity_ids,omitempty"`
	RunID     uuid.UUID         `json:"run_id,omitempty"`
}

// AccuracyRequest carries realised sales for a run
type AccuracyRequest struct {
	Actuals              []analytics.ActualSale `json:"actuals"`
	Record               bool                   `json:"record,omitempty"`
	EvaluationPeriodDays int                    `json:"evaluation_period_days,omitempty"`
}

// ForecastRunResponse lists persisted rows of one run
type ForecastRunResponse struct {
	RunID    uuid.UUID             `json:"run_id"`
	Rows     []storage.ForecastRow `json:"rows"`
	Count    int                   `json:"count"`
	Archived bool                  `json:"archived,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// generateForecasts handles POST /api/v1/forecasts
func (s *Server) generateForecasts(w http.ResponseWriter, r *http.Request) {
	req := ForecastRequest{Config: s.defaults}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	cfg := req.Config.WithDefaults()

	run, err := s.engine.GenerateForecasts(r.Context(), cfg, req.EntityIDs, req.RunID)
	if err != nil {
		if run != nil && errors.Is(err, analytics.ErrPersistence) {
			// partial runs still report what was written
			writeJSON(w, http.StatusInternalServerError, struct {
				ErrorResponse
				Run *analytics.ForecastRun `json:"run"`
			}{ErrorResponse{err.Error()}, run})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// getForecastRun handles GET /api/v1/forecasts/{run_id}
func (s *Server) getForecastRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(mux.Vars(r)["run_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run_id: %w", err))
		return
	}
	level := storage.EntityType(r.URL.Query().Get("level"))

	rows, err := s.store.GetForecastByRun(r.Context(), runID, level)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := ForecastRunResponse{RunID: runID, Rows: rows}
	if len(rows) == 0 && s.archive != nil {
		archived, err := s.archive.ReadRun(runID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, row := range archived {
			if level == "" || row.ForecastLevel == level {
				resp.Rows = append(resp.Rows, row)
			}
		}
		resp.Archived = len(resp.Rows) > 0
	}

	if len(resp.Rows) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: forecast run %s", storage.ErrNotFound, runID))
		return
	}
	resp.Count = len(resp.Rows)
	writeJSON(w, http.StatusOK, resp)
}

// latestForecasts handles GET /api/v1/forecasts/latest?level=&horizon=&days=&entity_id=
func (s *Server) latestForecasts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	level := storage.EntityType(q.Get("level"))
	if level == "" {
		level = storage.EntityType(s.defaults.Level)
	}
	horizon := storage.Aggregation(q.Get("horizon"))
	if horizon == "" {
		horizon = storage.Aggregation(s.defaults.Horizon)
	}

	days := 30
	if raw := q.Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid days %q", raw))
			return
		}
		days = v
	}

	var entityID *uuid.UUID
	if raw := q.Get("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid entity_id: %w", err))
			return
		}
		entityID = &id
	}

	rows, err := s.engine.LatestForecasts(r.Context(), level, horizon, days, entityID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"level":   level,
		"horizon": horizon,
		"days":    days,
		"rows":    rows,
		"count":   len(rows),
	})
}

// listModels handles GET /api/v1/models
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models := s.engine.Models()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

// forecastAccuracy handles POST /api/v1/forecasts/{run_id}/accuracy. Without
// "record" it only computes metrics; with it, one accuracy record per model is
// stored.
func (s *Server) forecastAccuracy(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(mux.Vars(r)["run_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run_id: %w", err))
		return
	}

	var req AccuracyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	if !req.Record {
		result, err := s.engine.CalculateForecastAccuracy(r.Context(), runID, req.Actuals)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	period := req.EvaluationPeriodDays
	if period <= 0 {
		period = 30
	}
	records, err := s.engine.EvaluateRun(r.Context(), runID, req.Actuals, period)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"records": records,
		"count":   len(records),
	})
}

// accuracyHistory handles GET /api/v1/accuracy?model=&level=&horizon=&days=
func (s *Server) accuracyHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model := q.Get("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing 'model' parameter"))
		return
	}

	level := storage.EntityType(q.Get("level"))
	if level == "" {
		level = storage.EntityType(s.defaults.Level)
	}
	horizon := storage.Aggregation(q.Get("horizon"))
	if horizon == "" {
		horizon = storage.Aggregation(s.defaults.Horizon)
	}

	days := 30
	if raw := q.Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid days %q", raw))
			return
		}
		days = v
	}

	records, err := s.engine.ModelAccuracyHistory(r.Context(), model, level, horizon, days)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":   model,
		"records": records,
		"count":   len(records),
	})
}

// calendarFeatures handles GET /api/v1/features/calendar?start=&end= (YYYY-MM-DD)
func (s *Server) calendarFeatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var start, end time.Time
	var err error
	if raw := q.Get("start"); raw != "" {
		if start, err = time.Parse(time.DateOnly, raw); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start date: %w", err))
			return
		}
	}
	if raw := q.Get("end"); raw != "" {
		if end, err = time.Parse(time.DateOnly, raw); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid end date: %w", err))
			return
		}
	}

	features, err := s.store.GetExternalFeatures(r.Context(), storage.EntityProduct, nil, start, end)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": features,
		"count":    len(features),
	})
}

// ingestTransaction handles POST /api/v1/transactions
func (s *Server) ingestTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.processor.IngestJSON(r.Context(), body); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ingestBatch handles POST /api/v1/transactions/batch
func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.processor.IngestJSONBatch(r.Context(), body)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if result.Accepted == 0 && result.Rejected == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty batch"))
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// getStats returns ingestion and cache statistics
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"ingestion": s.processor.GetStats(),
		"system": map[string]interface{}{
			"start_time": s.startTime,
			"uptime":     time.Since(s.startTime).String(),
		},
	}
	if cache, ok := s.store.(cacheStatter); ok {
		response["cache"] = cache.Stats()
	}
	writeJSON(w, http.StatusOK, response)
}

// healthCheck returns health status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"storage":   "healthy",
		"ingestion": "healthy",
	}
	status := http.StatusOK

	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			services["storage"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if !s.processor.IsRunning() {
		services["ingestion"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"services":  services,
	})
}

// rootHandler provides API information
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "Sales Forecast Engine",
		"version":     "0.1.0",
		"description": "Sales forecasting and accuracy tracking for reseller inventory",
		"endpoints": map[string]string{
			"POST /api/v1/forecasts":                   "Generate a forecast run",
			"GET  /api/v1/forecasts/latest":           "Upcoming forecasts across runs",
			"GET  /api/v1/forecasts/{run_id}":          "Fetch persisted forecast rows",
			"POST /api/v1/forecasts/{run_id}/accuracy": "Score a run against actual sales",
			"GET  /api/v1/accuracy":                    "Model accuracy history",
			"GET  /api/v1/features/calendar":           "Calendar features for a date range",
			"GET  /api/v1/models":                      "Model catalog and availability",
			"POST /api/v1/transactions":                "Ingest a sale transaction",
			"POST /api/v1/transactions/batch":          "Ingest a batch of transactions",
			"GET  /api/v1/stats":                       "Ingestion and cache statistics",
			"GET  /health":                             "Health check",
			"GET  /metrics":                            "Prometheus metrics",
		},
	})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ml.ErrConfiguration), errors.Is(err, ingestion.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ml.ErrDependencyUnavailable), errors.Is(err, ingestion.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
