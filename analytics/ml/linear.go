package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

const linearTrendMinRows = 10

// LinearTrend fits ordinary least squares of units sold on a 0-based trend index
// and extrapolates past the last observation.
// The band is prediction ± 1.96σ regardless of the configured confidence level.
type LinearTrend struct{}

func (LinearTrend) Name() Model { return ModelLinearTrend }

func (LinearTrend) Forecast(frame *Frame, cfg ForecastConfig) (Output, error) {
	n := frame.Len()
	if n < linearTrendMinRows {
		return Output{}, fmt.Errorf("%w: linear trend needs %d rows, got %d", ErrInsufficientData, linearTrendMinRows, n)
	}

	y := frame.Column("units_sold")
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}

	intercept, slope := stat.LinearRegression(x, y, nil, false)

	fitted := make([]float64, n)
	var ssRes float64
	for i := range x {
		fitted[i] = intercept + slope*x[i]
		r := y[i] - fitted[i]
		ssRes += r * r
	}
	sigma := math.Sqrt(ssRes / float64(n))

	predictions := make([]float64, cfg.PredictionDays)
	for i := range predictions {
		predictions[i] = intercept + slope*float64(n+i)
	}

	mae, rmse, r2 := regressionMetrics(y, fitted)
	return Output{
		Predictions: predictions,
		Intervals: symmetricBands(predictions, func(int) float64 {
			return bandZ * sigma
		}),
		Metrics: map[string]float64{
			"r2_score": r2,
			"mae":      mae,
			"rmse":     rmse,
		},
	}, nil
}
