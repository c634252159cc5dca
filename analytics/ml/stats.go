package ml

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// z-score used by the fixed-width bands of the linear, seasonal and smoothing models
const bandZ = 1.96

// Percentile returns the p-th percentile (0-100) of values using linear interpolation
// between closest ranks. values is not modified.
func Percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentile(sorted, p)
}

func percentile(sortedData []float64, p float64) float64 {
	if len(sortedData) == 0 {
		return 0
	}
	if len(sortedData) == 1 {
		return sortedData[0]
	}

	index := (p / 100.0) * float64(len(sortedData)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sortedData[lower]
	}

	weight := index - float64(lower)
	return sortedData[lower]*(1-weight) + sortedData[upper]*weight
}

// regressionMetrics returns MAE, RMSE and R² of predicted against actual.
// A constant actual series scores 1 when reproduced exactly, otherwise 0.
func regressionMetrics(actual, predicted []float64) (mae, rmse, r2 float64) {
	n := len(actual)
	if n == 0 || n != len(predicted) {
		return 0, 0, 0
	}

	residuals := make([]float64, n)
	floats.SubTo(residuals, actual, predicted)

	var absSum, ssRes float64
	for _, r := range residuals {
		absSum += math.Abs(r)
		ssRes += r * r
	}
	mae = absSum / float64(n)
	rmse = math.Sqrt(ssRes / float64(n))

	mean := stat.Mean(actual, nil)
	var ssTot float64
	for _, a := range actual {
		ssTot += (a - mean) * (a - mean)
	}
	switch {
	case ssTot == 0 && ssRes == 0:
		r2 = 1
	case ssTot == 0:
		r2 = 0
	default:
		r2 = 1 - ssRes/ssTot
	}
	return mae, rmse, r2
}

// tail returns the last k values (all of them when k exceeds len)
func tail(values []float64, k int) []float64 {
	if k >= len(values) {
		return values
	}
	return values[len(values)-k:]
}

func symmetricBands(predictions []float64, width func(step int) float64) []Interval {
	intervals := make([]Interval, len(predictions))
	for i, p := range predictions {
		w := width(i)
		intervals[i] = Interval{Lower: math.Max(0, p-w), Upper: p + w}
	}
	return intervals
}
