package ml

import (
	"fmt"
	"math"
)

const holtMinRows = 10

// HoltLinear is double exponential smoothing with additive trend.
// Smoothing factors come from the smoothing_level and smoothing_trend hyperparameters.
type HoltLinear struct{}

func (HoltLinear) Name() Model { return ModelExponentialSmoothing }

func (HoltLinear) Forecast(frame *Frame, cfg ForecastConfig) (Output, error) {
	n := frame.Len()
	if n < holtMinRows {
		return Output{}, fmt.Errorf("%w: exponential smoothing needs %d rows, got %d", ErrInsufficientData, holtMinRows, n)
	}

	alpha := cfg.hyperparameter("smoothing_level", 0.3)
	beta := cfg.hyperparameter("smoothing_trend", 0.1)
	if alpha <= 0 || alpha > 1 || beta <= 0 || beta > 1 {
		return Output{}, fmt.Errorf("%w: smoothing factors must be in (0,1], got level=%v trend=%v", ErrConfiguration, alpha, beta)
	}

	y := frame.Column("units_sold")
	level := y[0]
	trend := y[1] - y[0]

	actual := make([]float64, 0, n-1)
	fitted := make([]float64, 0, n-1)
	for t := 1; t < n; t++ {
		oneStep := level + trend
		actual = append(actual, y[t])
		fitted = append(fitted, oneStep)

		prevLevel := level
		level = alpha*y[t] + (1-alpha)*(level+trend)
		trend = beta*(level-prevLevel) + (1-beta)*trend
	}

	mae, rmse, _ := regressionMetrics(actual, fitted)

	predictions := make([]float64, cfg.PredictionDays)
	for h := range predictions {
		predictions[h] = level + float64(h+1)*trend
	}

	return Output{
		Predictions: predictions,
		Intervals: symmetricBands(predictions, func(step int) float64 {
			return bandZ * rmse * math.Sqrt(float64(step+1))
		}),
		Metrics: map[string]float64{
			"mae":             mae,
			"rmse":            rmse,
			"smoothing_level": alpha,
			"smoothing_trend": beta,
		},
	}, nil
}
