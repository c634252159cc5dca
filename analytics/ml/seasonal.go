package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	seasonalNaiveMinRows = 14
	varianceWindow       = 30
)

// SeasonalNaive repeats the last observed season across the horizon
type SeasonalNaive struct{}

func (SeasonalNaive) Name() Model { return ModelSeasonalNaive }

func (SeasonalNaive) Forecast(frame *Frame, cfg ForecastConfig) (Output, error) {
	n := frame.Len()
	if n < seasonalNaiveMinRows {
		return Output{}, fmt.Errorf("%w: seasonal naive needs %d rows, got %d", ErrInsufficientData, seasonalNaiveMinRows, n)
	}

	y := frame.Column("units_sold")
	season := seasonLength(cfg, n)

	predictions := make([]float64, cfg.PredictionDays)
	if season < 2 {
		level := stat.Mean(tail(y, 7), nil)
		for i := range predictions {
			predictions[i] = level
		}
	} else {
		pattern := y[n-season:]
		for i := range predictions {
			predictions[i] = pattern[i%season]
		}
	}

	sigma := math.Sqrt(stat.PopVariance(tail(y, varianceWindow), nil))

	out := Output{
		Predictions: predictions,
		Intervals: symmetricBands(predictions, func(int) float64 {
			return bandZ * sigma
		}),
		Metrics: map[string]float64{"mae": 0, "rmse": 0},
	}

	// naive back-test: the previous season predicts the most recent one.
	// The n/2 cap means two seasons always fit once the row minimum is met.
	if season >= 1 && n >= 2*season {
		actual := y[n-season:]
		predicted := y[n-2*season : n-season]
		mae, rmse, _ := regressionMetrics(actual, predicted)
		out.Metrics["mae"] = mae
		out.Metrics["rmse"] = rmse
	}

	return out, nil
}

// seasonLength resolves the season: explicit config, then 7 for daily, 4 for weekly,
// 12 otherwise, capped at half the series
func seasonLength(cfg ForecastConfig, n int) int {
	season := cfg.SeasonalPeriods
	if season <= 0 {
		switch cfg.Horizon {
		case HorizonDaily:
			season = 7
		case HorizonWeekly:
			season = 4
		default:
			season = 12
		}
	}
	if season > n/2 {
		season = n / 2
	}
	return season
}
