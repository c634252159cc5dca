package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sales-forecast-engine/storage"
)

// ActualSale is a realised value to compare a forecast against
type ActualSale struct {
	EntityID  uuid.UUID `json:"entity_id"`
	Date      time.Time `json:"date"`
	UnitsSold float64   `json:"units_sold"`
}

type actualKey struct {
	entity uuid.UUID
	date   time.Time
}

// accuracyStats accumulates errors over evaluated (forecast, actual) pairs
type accuracyStats struct {
	absErrors []float64
	pctErrors []float64
	sqErrors  []float64
	signed    []float64
	actuals   []float64
}

func (s *accuracyStats) add(forecast, actual float64) {
	diff := forecast - actual
	s.absErrors = append(s.absErrors, math.Abs(diff))
	s.pctErrors = append(s.pctErrors, math.Abs(diff)/actual*100)
	s.sqErrors = append(s.sqErrors, diff*diff)
	s.signed = append(s.signed, diff)
	s.actuals = append(s.actuals, actual)
}

func (s *accuracyStats) count() int {
	return len(s.absErrors)
}

type accuracyMetrics struct {
	MAE   float64
	MAPE  float64
	RMSE  float64
	R2    float64
	Bias  float64
	Count int
}

func (s *accuracyStats) metrics() accuracyMetrics {
	n := float64(s.count())

	ssRes := floats.Sum(s.sqErrors)
	actualMean := stat.Mean(s.actuals, nil)
	var ssTot float64
	for _, v := range s.actuals {
		ssTot += (v - actualMean) * (v - actualMean)
	}

	r2 := 0.0
	if ssTot > 0 {
		r2 = math.Max(0, 1-ssRes/ssTot)
	}

	return accuracyMetrics{
		MAE:   stat.Mean(s.absErrors, nil),
		MAPE:  stat.Mean(s.pctErrors, nil),
		RMSE:  math.Sqrt(ssRes / n),
		R2:    r2,
		Bias:  stat.Mean(s.signed, nil),
		Count: s.count(),
	}
}

func (m accuracyMetrics) asMap() map[string]float64 {
	return map[string]float64{
		"mae":               m.MAE,
		"mape":              m.MAPE,
		"rmse":              m.RMSE,
		"r2":                m.R2,
		"bias":              m.Bias,
		"records_evaluated": float64(m.Count),
	}
}

func actualLookup(actuals []ActualSale) map[actualKey]float64 {
	lookup := make(map[actualKey]float64, len(actuals))
	for _, a := range actuals {
		lookup[actualKey{entity: a.EntityID, date: truncateDay(a.Date)}] = a.UnitsSold
	}
	return lookup
}

// evaluate joins rows with actuals. Points whose actual is not positive are excluded.
func evaluate(rows []storage.ForecastRow, lookup map[actualKey]float64) *accuracyStats {
	stats := &accuracyStats{}
	for _, row := range rows {
		entity := row.EntityID()
		if entity == uuid.Nil {
			continue
		}
		actual, ok := lookup[actualKey{entity: entity, date: truncateDay(row.ForecastDate)}]
		if !ok || actual <= 0 {
			continue
		}
		stats.add(row.ForecastedUnits.InexactFloat64(), actual)
	}
	return stats
}

// CalculateForecastAccuracy compares a run's stored forecasts with actual sales.
// It returns an empty map when there are no forecasts, no actuals or no matches.
func (e *ForecastEngine) CalculateForecastAccuracy(ctx context.Context, runID uuid.UUID, actuals []ActualSale) (map[string]float64, error) {
	if len(actuals) == 0 {
		return map[string]float64{}, nil
	}

	rows, err := e.repo.GetForecastByRun(ctx, runID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load forecasts for run %s: %w", runID, err)
	}

	stats := evaluate(rows, actualLookup(actuals))
	if stats.count() == 0 {
		return map[string]float64{}, nil
	}
	return stats.metrics().asMap(), nil
}

type accuracyGroup struct {
	model   string
	level   storage.EntityType
	horizon storage.Aggregation
}

// EvaluateRun scores a run against actuals and appends one accuracy record per
// (model, level, horizon) present in the run
func (e *ForecastEngine) EvaluateRun(ctx context.Context, runID uuid.UUID, actuals []ActualSale, evaluationPeriodDays int) ([]storage.AccuracyRecord, error) {
	logger := e.logger.WithField("run_id", runID)

	rows, err := e.repo.GetForecastByRun(ctx, runID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load forecasts for run %s: %w", runID, err)
	}
	if len(rows) == 0 || len(actuals) == 0 {
		return []storage.AccuracyRecord{}, nil
	}

	groups := make(map[accuracyGroup][]storage.ForecastRow)
	for _, row := range rows {
		key := accuracyGroup{model: row.ModelName, level: row.ForecastLevel, horizon: row.ForecastHorizon}
		groups[key] = append(groups[key], row)
	}

	keys := make([]accuracyGroup, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].model != keys[j].model {
			return keys[i].model < keys[j].model
		}
		if keys[i].level != keys[j].level {
			return keys[i].level < keys[j].level
		}
		return keys[i].horizon < keys[j].horizon
	})

	lookup := actualLookup(actuals)
	today := truncateDay(e.now())
	records := make([]storage.AccuracyRecord, 0, len(keys))
	for _, key := range keys {
		stats := evaluate(groups[key], lookup)
		if stats.count() == 0 {
			continue
		}
		m := stats.metrics()

		record, err := e.repo.RecordForecastAccuracy(ctx, storage.AccuracyRecord{
			RunID:                runID,
			ModelName:            key.model,
			ForecastLevel:        key.level,
			ForecastHorizon:      key.horizon,
			AccuracyDate:         today,
			MAPE:                 m.MAPE,
			RMSE:                 m.RMSE,
			MAE:                  m.MAE,
			R2:                   m.R2,
			Bias:                 m.Bias,
			RecordsEvaluated:     m.Count,
			EvaluationPeriodDays: evaluationPeriodDays,
		})
		if err != nil {
			return records, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		e.metrics.AccuracyRecorded(key.model, string(key.level), m.MAPE)
		records = append(records, record)
	}

	logger.WithFields(logrus.Fields{
		"records":   len(records),
		"evaluated": len(rows),
	}).Info("Recorded forecast accuracy")
	return records, nil
}

// ModelAccuracyHistory returns a model's accuracy records, newest first
func (e *ForecastEngine) ModelAccuracyHistory(ctx context.Context, model string, level storage.EntityType, horizon storage.Aggregation, daysBack int) ([]storage.AccuracyRecord, error) {
	records, err := e.repo.GetModelAccuracyHistory(ctx, model, level, horizon, daysBack)
	if err != nil {
		return nil, fmt.Errorf("failed to load accuracy history for %s: %w", model, err)
	}
	return records, nil
}
