package storage

import "time"

// Resale demand multipliers by month
var seasonalMultipliers = map[time.Month]float64{
	time.January:   0.85,
	time.February:  0.90,
	time.March:     1.05,
	time.April:     1.10,
	time.May:       1.00,
	time.June:      0.95,
	time.July:      0.90,
	time.August:    1.00,
	time.September: 1.15,
	time.October:   1.10,
	time.November:  1.20,
	time.December:  1.25,
}

func isHoliday(d time.Time) bool {
	switch {
	case d.Month() == time.January && d.Day() == 1:
		return true
	case d.Month() == time.December && (d.Day() == 25 || d.Day() == 26):
		return true
	}
	return false
}

// CalendarFeatures returns one feature record per day in [start, end]
func CalendarFeatures(start, end time.Time) []CalendarFeature {
	first := truncatePeriod(start, AggregationDaily)
	last := truncatePeriod(end, AggregationDaily)
	if last.Before(first) {
		return nil
	}

	var features []CalendarFeature
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		weekday := d.Weekday()
		features = append(features, CalendarFeature{
			Date:               d,
			Month:              int(d.Month()),
			Quarter:            (int(d.Month())-1)/3 + 1,
			DayOfYear:          d.YearDay(),
			IsWeekend:          weekday == time.Saturday || weekday == time.Sunday,
			IsHoliday:          isHoliday(d),
			SeasonalMultiplier: seasonalMultipliers[d.Month()],
			Trend:              float64(d.YearDay()) / 365,
		})
	}
	return features
}

// externalFeatureRange defaults a zero range to the last 365 days
func externalFeatureRange(now, start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = now
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -365)
	}
	return start, end
}
