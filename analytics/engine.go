package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sales-forecast-engine/analytics/ml"
	"sales-forecast-engine/logging"
	"sales-forecast-engine/metrics"
	"sales-forecast-engine/storage"
)

// ErrPersistence is returned when forecast rows cannot be written
var ErrPersistence = errors.New("forecast persistence failed")

// DefaultModelVersion tags persisted rows when no version is configured
const DefaultModelVersion = "1.0.0"

// Repository is the storage the engine reads history from and writes results to
type Repository interface {
	GetHistoricalSalesData(ctx context.Context, entityType storage.EntityType, entityID *uuid.UUID, daysBack int, aggregation storage.Aggregation) ([]storage.HistoricalPoint, error)
	CreateForecastBatch(ctx context.Context, runID uuid.UUID, rows []storage.ForecastRow) ([]storage.ForecastRow, error)
	GetForecastByRun(ctx context.Context, runID uuid.UUID, level storage.EntityType) ([]storage.ForecastRow, error)
	GetLatestForecasts(ctx context.Context, level storage.EntityType, horizon storage.Aggregation, limitDays int, entityID *uuid.UUID) ([]storage.ForecastRow, error)
	RecordForecastAccuracy(ctx context.Context, record storage.AccuracyRecord) (storage.AccuracyRecord, error)
	GetModelAccuracyHistory(ctx context.Context, modelName string, level storage.EntityType, horizon storage.Aggregation, daysBack int) ([]storage.AccuracyRecord, error)
}

// EntityResolver finds the entities worth forecasting when the caller names none
type EntityResolver interface {
	ListForecastableEntities(ctx context.Context, level storage.EntityType, minHistoryDays int) ([]uuid.UUID, error)
}

// Archiver keeps a copy of each persisted run
type Archiver interface {
	ArchiveRun(runID uuid.UUID, rows []storage.ForecastRow) error
}

// EngineConfig bounds the engine's fan-out
type EngineConfig struct {
	Workers       int
	EntityTimeout time.Duration
	// FetchRate limits history queries per second; zero disables the limit
	FetchRate     float64
	FetchBurst    int
	ModelVersion  string
}

// DefaultEngineConfig returns conservative limits
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:       4,
		EntityTimeout: 30 * time.Second,
		FetchBurst:    1,
		ModelVersion:  DefaultModelVersion,
	}
}

// PredictionPoint is one formatted future value
type PredictionPoint struct {
	ForecastDate      time.Time       `json:"forecast_date"`
	ForecastedUnits   decimal.Decimal `json:"forecasted_units"`
	ForecastedRevenue decimal.Decimal `json:"forecasted_revenue"`
	ConfidenceLower   decimal.Decimal `json:"confidence_lower"`
	ConfidenceUpper   decimal.Decimal `json:"confidence_upper"`
}

// ForecastResult is one entity's forecast
type ForecastResult struct {
	EntityID            uuid.UUID          `json:"entity_id"`
	EntityType          storage.EntityType `json:"entity_type"`
	Predictions         []PredictionPoint  `json:"predictions"`
	ModelName           string             `json:"model_name"`
	ModelVersion        string             `json:"model_version"`
	ConfidenceIntervals []ml.Interval      `json:"confidence_intervals"`
	FeatureImportance   map[string]float64 `json:"feature_importance,omitempty"`
	ModelMetrics        map[string]float64 `json:"model_metrics"`
	Warnings            []string           `json:"warnings,omitempty"`
}

// ForecastRun is the outcome of one GenerateForecasts call
type ForecastRun struct {
	ID          uuid.UUID         `json:"run_id"`
	Config      ml.ForecastConfig `json:"config"`
	GeneratedAt time.Time         `json:"generated_at"`
	Requested   int               `json:"entities_requested"`
	Results     []ForecastResult  `json:"results"`
	Skipped     []uuid.UUID       `json:"skipped,omitempty"`
}

// ForecastEngine resolves entities, runs the configured model per entity and
// persists the results
type ForecastEngine struct {
	repo     Repository
	resolver EntityResolver
	library  *ml.Library
	archive  Archiver
	logger   logrus.FieldLogger
	metrics  *metrics.Forecast
	limiter  *rate.Limiter
	tracer   trace.Tracer
	now      func() time.Time
	config   EngineConfig
}

// EngineOption configures a ForecastEngine
type EngineOption func(*ForecastEngine)

func WithEntityResolver(resolver EntityResolver) EngineOption {
	return func(e *ForecastEngine) {
		e.resolver = resolver
	}
}

func WithArchive(archive Archiver) EngineOption {
	return func(e *ForecastEngine) {
		e.archive = archive
	}
}

func WithLogger(logger logrus.FieldLogger) EngineOption {
	return func(e *ForecastEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Forecast) EngineOption {
	return func(e *ForecastEngine) {
		e.metrics = m
	}
}

// WithClock overrides "today" for forecast dates
func WithClock(now func() time.Time) EngineOption {
	return func(e *ForecastEngine) {
		e.now = now
	}
}

func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *ForecastEngine) {
		e.config = cfg
	}
}

// NewForecastEngine creates an engine over repo. When repo also implements
// EntityResolver it is used for entity discovery unless another resolver is given.
func NewForecastEngine(repo Repository, library *ml.Library, opts ...EngineOption) *ForecastEngine {
	e := &ForecastEngine{
		repo:    repo,
		library: library,
		logger:  logging.Discard(),
		tracer:  otel.Tracer("sales-forecast-engine/analytics"),
		now:     time.Now,
		config:  DefaultEngineConfig(),
	}
	if resolver, ok := repo.(EntityResolver); ok {
		e.resolver = resolver
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.library == nil {
		e.library = ml.NewLibrary(ml.WithLogger(e.logger))
	}
	if e.config.Workers <= 0 {
		e.config.Workers = 1
	}
	if e.config.ModelVersion == "" {
		e.config.ModelVersion = DefaultModelVersion
	}
	if e.config.FetchRate > 0 {
		burst := e.config.FetchBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(e.config.FetchRate), burst)
	}
	return e
}

// GenerateForecasts forecasts every entity (or every forecastable entity of the
// configured level when entityIDs is empty). Configuration problems abort the
// run; per-entity problems are logged and the entity is left out of the result.
// A failed write returns ErrPersistence alongside whatever was persisted.
func (e *ForecastEngine) GenerateForecasts(ctx context.Context, cfg ml.ForecastConfig, entityIDs []uuid.UUID, runID uuid.UUID) (*ForecastRun, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model, err := e.library.Model(cfg.Model)
	if err != nil {
		return nil, err
	}

	if runID == uuid.Nil {
		runID = uuid.New()
	}
	level := storage.EntityType(cfg.Level)

	ctx, span := e.tracer.Start(ctx, "forecast.run", trace.WithAttributes(
		attribute.String("run_id", runID.String()),
		attribute.String("model", string(cfg.Model)),
		attribute.String("level", string(cfg.Level)),
		attribute.String("horizon", string(cfg.Horizon)),
	))
	defer span.End()

	logger := e.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"model":  cfg.Model,
		"level":  cfg.Level,
	})
	logger.Info("Starting forecast generation")
	e.metrics.RunStarted(string(cfg.Model), string(cfg.Level))

	if len(entityIDs) == 0 {
		entityIDs, err = e.resolveEntities(ctx, level, cfg.MinHistoryDays)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	started := e.now()
	today := truncateDay(started)
	run := &ForecastRun{
		ID:          runID,
		Config:      cfg,
		GeneratedAt: started,
		Requested:   len(entityIDs),
	}

	slots := make([]*ForecastResult, len(entityIDs))
	persistedRows := make([][]storage.ForecastRow, len(entityIDs))
	var (
		mu            sync.Mutex
		persistErrors []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for i, entityID := range entityIDs {
		i, entityID := i, entityID
		g.Go(func() error {
			result, rows := e.forecastEntity(gctx, model, cfg, entityID, today, logger)
			if result == nil {
				return nil
			}
			persisted, err := e.persist(gctx, runID, rows)
			if err != nil {
				logger.WithError(err).WithField("entity_id", entityID).Error("Failed to persist forecast")
				mu.Lock()
				persistErrors = append(persistErrors, fmt.Errorf("entity %s: %w", entityID, err))
				mu.Unlock()
				return nil
			}
			slots[i] = result
			persistedRows[i] = persisted
			return nil
		})
	}
	// workers never return errors; failures are per entity
	_ = g.Wait()

	for i, result := range slots {
		if result == nil {
			run.Skipped = append(run.Skipped, entityIDs[i])
			continue
		}
		run.Results = append(run.Results, *result)
	}

	logger.WithFields(logrus.Fields{
		"requested": run.Requested,
		"produced":  len(run.Results),
		"duration":  e.now().Sub(started),
	}).Info("Completed forecast generation")
	span.SetAttributes(
		attribute.Int("entities.requested", run.Requested),
		attribute.Int("entities.produced", len(run.Results)),
	)

	if len(persistErrors) > 0 {
		err := fmt.Errorf("%w: %w", ErrPersistence, errors.Join(persistErrors...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return run, err
	}

	e.archiveRun(runID, persistedRows, logger)
	return run, nil
}

// LatestForecasts returns upcoming forecast rows for a level and horizon
// across every run, dated from today through today+limitDays
func (e *ForecastEngine) LatestForecasts(ctx context.Context, level storage.EntityType, horizon storage.Aggregation, limitDays int, entityID *uuid.UUID) ([]storage.ForecastRow, error) {
	rows, err := e.repo.GetLatestForecasts(ctx, level, horizon, limitDays, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest %s forecasts: %w", level, err)
	}
	return rows, nil
}

// Models returns the model catalog of the engine's library
func (e *ForecastEngine) Models() []ml.ModelInfo {
	return e.library.Catalog()
}

func (e *ForecastEngine) resolveEntities(ctx context.Context, level storage.EntityType, minHistoryDays int) ([]uuid.UUID, error) {
	if e.resolver == nil {
		return nil, nil
	}
	ids, err := e.resolver.ListForecastableEntities(ctx, level, minHistoryDays)
	if err != nil {
		return nil, fmt.Errorf("failed to list forecastable %s entities: %w", level, err)
	}
	return ids, nil
}

// forecastEntity runs the pipeline for one entity. A nil result means the
// entity was skipped or failed; the reason has been logged.
func (e *ForecastEngine) forecastEntity(ctx context.Context, model ml.ForecastModel, cfg ml.ForecastConfig, entityID uuid.UUID, today time.Time, runLogger logrus.FieldLogger) (result *ForecastResult, rows []storage.ForecastRow) {
	logger := runLogger.WithField("entity_id", entityID)

	ctx, span := e.tracer.Start(ctx, "forecast.entity", trace.WithAttributes(
		attribute.String("entity_id", entityID.String()),
	))
	defer span.End()

	if e.config.EntityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.EntityTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Forecast panicked")
			e.metrics.EntityOutcome(string(cfg.Model), "failed")
			span.SetStatus(codes.Error, "panic")
			result, rows = nil, nil
		}
	}()

	fail := func(status, msg string, err error) {
		entry := logger
		if err != nil {
			entry = entry.WithError(err)
			span.RecordError(err)
		}
		if status == "skipped" {
			entry.Warn(msg)
		} else {
			entry.Error(msg)
			span.SetStatus(codes.Error, msg)
		}
		e.metrics.EntityOutcome(string(cfg.Model), status)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			fail("failed", "History fetch throttled past deadline", err)
			return nil, nil
		}
	}

	daysBack := cfg.MinHistoryDays
	if cfg.PredictionDays*3 > daysBack {
		daysBack = cfg.PredictionDays * 3
	}
	level := storage.EntityType(cfg.Level)
	points, err := e.repo.GetHistoricalSalesData(ctx, level, &entityID, daysBack, storage.Aggregation(cfg.Horizon))
	if err != nil {
		fail("failed", "Failed to fetch sales history", err)
		return nil, nil
	}
	if len(points) == 0 || len(points) < cfg.MinHistoryDays/7 {
		fail("skipped", fmt.Sprintf("Insufficient data for entity: %d periods", len(points)), nil)
		return nil, nil
	}

	frame := ml.PrepareTrainingFrame(observations(points))
	if frame.Empty() {
		fail("skipped", "No usable history after preparation", nil)
		return nil, nil
	}

	fitStarted := time.Now()
	out, err := model.Forecast(frame, cfg)
	e.metrics.ObserveFit(string(cfg.Model), time.Since(fitStarted))
	if err != nil {
		fail("failed", "Model failed for entity", err)
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		fail("failed", "Entity forecast exceeded its deadline", err)
		return nil, nil
	}

	predictions := formatPredictions(out, cfg.Horizon, today, meanPrice(points))
	result = &ForecastResult{
		EntityID:            entityID,
		EntityType:          level,
		Predictions:         predictions,
		ModelName:           string(cfg.Model),
		ModelVersion:        e.config.ModelVersion,
		ConfidenceIntervals: out.Intervals,
		FeatureImportance:   out.FeatureImportance,
		ModelMetrics:        out.Metrics,
		Warnings:            out.Warnings,
	}

	rows = make([]storage.ForecastRow, len(predictions))
	for i, p := range predictions {
		row := storage.ForecastRow{
			ForecastDate:      p.ForecastDate,
			ForecastHorizon:   storage.Aggregation(cfg.Horizon),
			ForecastedUnits:   p.ForecastedUnits,
			ForecastedRevenue: p.ForecastedRevenue,
			ConfidenceLower:   p.ConfidenceLower,
			ConfidenceUpper:   p.ConfidenceUpper,
			ModelName:         result.ModelName,
			ModelVersion:      result.ModelVersion,
			FeatureImportance: out.FeatureImportance,
		}
		row.SetEntity(level, entityID)
		rows[i] = row
	}

	e.metrics.EntityOutcome(string(cfg.Model), "produced")
	return result, rows
}

func (e *ForecastEngine) persist(ctx context.Context, runID uuid.UUID, rows []storage.ForecastRow) ([]storage.ForecastRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	persisted, err := e.repo.CreateForecastBatch(ctx, runID, rows)
	if err != nil {
		return nil, err
	}
	e.metrics.RowsPersisted(len(persisted))
	return persisted, nil
}

// archiveRun copies the rows written by this call to the archive. Rows from
// earlier calls with the same run id are already archived. Failures only log.
func (e *ForecastEngine) archiveRun(runID uuid.UUID, persisted [][]storage.ForecastRow, logger logrus.FieldLogger) {
	if e.archive == nil {
		return
	}
	var rows []storage.ForecastRow
	for _, entityRows := range persisted {
		rows = append(rows, entityRows...)
	}
	if err := e.archive.ArchiveRun(runID, rows); err != nil {
		logger.WithError(err).Warn("Failed to archive forecast run")
	}
}

func observations(points []storage.HistoricalPoint) []ml.Observation {
	obs := make([]ml.Observation, len(points))
	for i, p := range points {
		obs[i] = ml.Observation{
			Date:         p.PeriodDate,
			UnitsSold:    float64(p.UnitsSold),
			TotalRevenue: p.TotalRevenue.InexactFloat64(),
			AvgPrice:     p.AvgPrice.InexactFloat64(),
			HasPrice:     true,
		}
	}
	return obs
}

func meanPrice(points []storage.HistoricalPoint) decimal.Decimal {
	if len(points) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, p := range points {
		sum = sum.Add(p.AvgPrice)
	}
	return sum.Div(decimal.NewFromInt(int64(len(points))))
}

// formatPredictions turns raw model output into dated, rounded, non-negative points
func formatPredictions(out ml.Output, horizon ml.Horizon, today time.Time, price decimal.Decimal) []PredictionPoint {
	points := make([]PredictionPoint, len(out.Predictions))
	for i, pred := range out.Predictions {
		units := nonNegative(round2(pred))

		var lower, upper decimal.Decimal
		if i < len(out.Intervals) {
			lower = nonNegative(round2(out.Intervals[i].Lower))
			upper = round2(out.Intervals[i].Upper)
		} else {
			lower, upper = units, units
		}
		if upper.LessThan(lower) {
			upper = lower
		}

		revenue := decimal.Zero
		if finite(pred) {
			revenue = nonNegative(decimal.NewFromFloat(pred).Mul(price).Round(2))
		}

		points[i] = PredictionPoint{
			ForecastDate:      stepDate(today, horizon, i+1),
			ForecastedUnits:   units,
			ForecastedRevenue: revenue,
			ConfidenceLower:   lower,
			ConfidenceUpper:   upper,
		}
	}
	return points
}

// stepDate offsets today by n horizon steps; a month is 30 days
func stepDate(today time.Time, horizon ml.Horizon, n int) time.Time {
	switch horizon {
	case ml.HorizonWeekly:
		return today.AddDate(0, 0, 7*n)
	case ml.HorizonMonthly:
		return today.AddDate(0, 0, 30*n)
	default:
		return today.AddDate(0, 0, n)
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round2(v float64) decimal.Decimal {
	if !finite(v) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(2)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
