package ml

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Fixed blend weights, renormalised over the members that succeed
var ensembleWeights = map[Model]float64{
	ModelLinearTrend:   0.3,
	ModelSeasonalNaive: 0.4,
	ModelRandomForest:  0.3,
}

// Ensemble blends linear trend, seasonal naive and, when available, random forest
type Ensemble struct {
	library *Library
	logger  logrus.FieldLogger
}

func (e *Ensemble) Name() Model { return ModelEnsemble }

func (e *Ensemble) Forecast(frame *Frame, cfg ForecastConfig) (Output, error) {
	members := []ForecastModel{LinearTrend{}, SeasonalNaive{}}
	if e.library.RandomForestAvailable() && frame.Len() >= randomForestMinRows {
		members = append(members, RandomForest{})
	}

	type memberResult struct {
		model  Model
		output Output
		weight float64
	}

	var (
		results  []memberResult
		warnings []string
		failures []error
		total    float64
	)
	for _, m := range members {
		out, err := m.Forecast(frame, cfg.forModel(m.Name()))
		if err != nil {
			e.logger.WithError(err).WithField("model", m.Name()).Warn("Ensemble member failed")
			warnings = append(warnings, fmt.Sprintf("ensemble member %s dropped: %v", m.Name(), err))
			failures = append(failures, err)
			continue
		}
		w := ensembleWeights[m.Name()]
		results = append(results, memberResult{model: m.Name(), output: out, weight: w})
		total += w
	}

	if len(results) == 0 {
		return Output{}, fmt.Errorf("all ensemble members failed: %w", errors.Join(failures...))
	}

	out := Output{
		Predictions: make([]float64, cfg.PredictionDays),
		Intervals:   make([]Interval, cfg.PredictionDays),
		Metrics:     map[string]float64{"ensemble_models": float64(len(results))},
		Warnings:    warnings,
	}

	for _, r := range results {
		w := r.weight / total
		out.Metrics["weight_"+string(r.model)] = w
		for i := 0; i < cfg.PredictionDays; i++ {
			out.Predictions[i] += r.output.Predictions[i] * w
			out.Intervals[i].Lower += r.output.Intervals[i].Lower * w
			out.Intervals[i].Upper += r.output.Intervals[i].Upper * w
		}
	}

	return out, nil
}
