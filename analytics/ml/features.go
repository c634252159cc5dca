// Feature Engineering
// Turns aggregated sales history into dense, model-ready tables
package ml

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Observation is one aggregated history row. NaN marks a missing measurement.
type Observation struct {
	Date         time.Time
	UnitsSold    float64
	TotalRevenue float64
	AvgPrice     float64
	HasPrice     bool
}

var (
	lagOffsets     = []int{1, 2, 3, 7, 14}
	rollingWindows = []int{3, 7, 14}
)

// PrepareTrainingFrame sorts observations by date, zero-fills missing units and revenue
// and clamps units above the 99th percentile when there are at least 10 rows.
// An observation without a date yields an empty frame.
func PrepareTrainingFrame(observations []Observation) *Frame {
	if len(observations) == 0 {
		return NewFrame(nil)
	}

	rows := make([]Observation, len(observations))
	copy(rows, observations)
	for _, row := range rows {
		if row.Date.IsZero() {
			return NewFrame(nil)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Date.Before(rows[j].Date)
	})

	n := len(rows)
	dates := make([]time.Time, n)
	units := make([]float64, n)
	revenue := make([]float64, n)
	prices := make([]float64, n)
	hasPrice := false

	for i, row := range rows {
		dates[i] = row.Date
		units[i] = zeroIfNaN(row.UnitsSold)
		revenue[i] = zeroIfNaN(row.TotalRevenue)
		prices[i] = math.NaN()
		if row.HasPrice {
			prices[i] = row.AvgPrice
			hasPrice = true
		}
	}

	if n >= 10 {
		ceiling := Percentile(units, 99)
		for i, u := range units {
			if u > ceiling {
				units[i] = ceiling
			}
		}
	}

	frame := NewFrame(dates)
	frame.Set("units_sold", units)
	frame.Set("total_revenue", revenue)
	if hasPrice {
		frame.Set("avg_price", prices)
	}
	return frame
}

// BuildMLFeatures returns a copy of frame with calendar, lag, rolling, seasonal and
// price features added and every missing value filled.
func BuildMLFeatures(frame *Frame, cfg ForecastConfig) *Frame {
	out := frame.Clone()
	n := out.Len()
	if n == 0 {
		return out
	}

	trend := make([]float64, n)
	month := make([]float64, n)
	quarter := make([]float64, n)
	dayOfYear := make([]float64, n)
	for i, d := range out.Dates {
		trend[i] = float64(i)
		month[i] = float64(d.Month())
		quarter[i] = float64((int(d.Month())-1)/3 + 1)
		dayOfYear[i] = float64(d.YearDay())
	}
	out.Set("trend", trend)
	out.Set("month", month)
	out.Set("quarter", quarter)
	out.Set("day_of_year", dayOfYear)

	if cfg.Horizon == HorizonDaily {
		dayOfWeek := make([]float64, n)
		weekend := make([]float64, n)
		for i, d := range out.Dates {
			// Monday is 0
			dow := (int(d.Weekday()) + 6) % 7
			dayOfWeek[i] = float64(dow)
			if dow >= 5 {
				weekend[i] = 1
			}
		}
		out.Set("day_of_week", dayOfWeek)
		out.Set("is_weekend", weekend)
	}

	units := out.Column("units_sold")
	if units == nil {
		units = make([]float64, n)
		out.Set("units_sold", units)
	}

	for _, lag := range lagOffsets {
		if lag < n {
			out.Set(fmt.Sprintf("units_sold_lag_%d", lag), shift(units, lag))
		}
	}
	for _, window := range rollingWindows {
		if window < n {
			out.Set(fmt.Sprintf("units_sold_ma_%d", window), rollingMean(units, window))
		}
	}

	switch {
	case cfg.Horizon == HorizonDaily && n >= 14:
		out.Set("seasonal_7", shift(units, 7))
	case cfg.Horizon == HorizonWeekly && n >= 8:
		out.Set("seasonal_4", shift(units, 4))
	}

	if prices := out.Column("avg_price"); prices != nil {
		out.Set("price_change", pctChange(prices))
		out.Set("price_ma_7", rollingMean(prices, 7))
	}

	out.fillMissing()
	return out
}

func shift(values []float64, lag int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		if i < lag {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[i-lag]
	}
	return out
}

// rollingMean averages the non-missing values of each trailing window, allowing
// partial windows at the start
func rollingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		sum, count := 0.0, 0
		for _, v := range values[start : i+1] {
			if missing(v) {
				continue
			}
			sum += v
			count++
		}
		if count == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(count)
	}
	return out
}

func pctChange(values []float64) []float64 {
	out := make([]float64, len(values))
	out[0] = math.NaN()
	for i := 1; i < len(values); i++ {
		prev, cur := values[i-1], values[i]
		if missing(prev) || missing(cur) || prev == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = cur/prev - 1
	}
	return out
}

func zeroIfNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
