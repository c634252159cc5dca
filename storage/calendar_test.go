package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarFeatures(t *testing.T) {
	features := CalendarFeatures(day(2023, 12, 24, 15), day(2024, 1, 1, 0))
	require.Len(t, features, 9)

	christmasEve := features[0]
	assert.Equal(t, day(2023, 12, 24, 0), christmasEve.Date)
	assert.True(t, christmasEve.IsWeekend)
	assert.False(t, christmasEve.IsHoliday)
	assert.Equal(t, 4, christmasEve.Quarter)
	assert.Equal(t, 1.25, christmasEve.SeasonalMultiplier)

	assert.True(t, features[1].IsHoliday)
	assert.True(t, features[2].IsHoliday)

	newYear := features[8]
	assert.True(t, newYear.IsHoliday)
	assert.Equal(t, 1, newYear.Quarter)
	assert.Equal(t, 1, newYear.DayOfYear)
	assert.InDelta(t, 1.0/365, newYear.Trend, 1e-12)
}

func TestCalendarFeatures_EmptyWhenReversed(t *testing.T) {
	assert.Empty(t, CalendarFeatures(day(2024, 3, 2, 0), day(2024, 3, 1, 0)))
}

func TestMemoryStore_ExternalFeaturesDefaultRange(t *testing.T) {
	store := NewMemoryStore(nil, WithClock(fixedClock(day(2024, 3, 10, 12))))

	features, err := store.GetExternalFeatures(context.Background(), EntityProduct, nil, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, features, 366)
	assert.Equal(t, day(2024, 3, 10, 0), features[len(features)-1].Date)
}
