package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestStore(t *testing.T) (*MemoryStore, uuid.UUID) {
	t.Helper()

	store := NewMemoryStore(nil, WithClock(fixedClock(day(2024, 3, 10, 12))))
	product := uuid.New()
	ctx := context.Background()

	// one sale a day for the 20 days ending today
	for i := 0; i < 20; i++ {
		require.NoError(t, store.AddTransaction(ctx, sale(product, day(2024, 3, 10, 8).AddDate(0, 0, -i), "12.50")))
	}
	return store, product
}

func TestMemoryStore_GetHistoricalSalesData(t *testing.T) {
	store, product := newTestStore(t)

	points, err := store.GetHistoricalSalesData(context.Background(), EntityProduct, &product, 7, AggregationDaily)
	require.NoError(t, err)

	// window is [today-7, tomorrow)
	require.Len(t, points, 8)
	assert.Equal(t, "2024-03-03", points[0].PeriodLabel)
	assert.Equal(t, "2024-03-10", points[7].PeriodLabel)
	for _, p := range points {
		assert.Equal(t, 1, p.UnitsSold)
	}
}

func TestMemoryStore_GetHistoricalSalesDataInvalidArgs(t *testing.T) {
	store, product := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetHistoricalSalesData(ctx, EntityPlatform, &product, 7, AggregationDaily)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = store.GetHistoricalSalesData(ctx, EntityProduct, &product, 7, Aggregation("hourly"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = store.GetHistoricalSalesData(ctx, EntityProduct, &product, -1, AggregationDaily)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryStore_UnknownEntityHasNoHistory(t *testing.T) {
	store, _ := newTestStore(t)
	unknown := uuid.New()

	points, err := store.GetHistoricalSalesData(context.Background(), EntityProduct, &unknown, 30, AggregationDaily)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestMemoryStore_ListForecastableEntities(t *testing.T) {
	store, product := newTestStore(t)
	ctx := context.Background()

	stale := uuid.New()
	require.NoError(t, store.AddTransaction(ctx, sale(stale, day(2023, 1, 1, 0), "5")))

	ids, err := store.ListForecastableEntities(ctx, EntityProduct, 90)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{product}, ids)

	_, err = store.ListForecastableEntities(ctx, EntityType("sku"), 90)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryStore_ForecastBatchRoundTrip(t *testing.T) {
	store, product := newTestStore(t)
	ctx := context.Background()
	runID := uuid.New()

	var rows []ForecastRow
	for _, offset := range []int{3, 1, 2} {
		row := ForecastRow{
			ForecastDate:    day(2024, 3, 10, 0).AddDate(0, 0, offset),
			ForecastHorizon: AggregationDaily,
			ForecastedUnits: decimal.NewFromInt(int64(offset)),
			ModelName:       "linear_trend",
			ModelVersion:    "1.0.0",
		}
		row.SetEntity(EntityProduct, product)
		rows = append(rows, row)
	}
	brandRow := ForecastRow{ForecastDate: day(2024, 3, 11, 0), ModelName: "linear_trend"}
	brandRow.SetEntity(EntityBrand, uuid.New())
	rows = append(rows, brandRow)

	persisted, err := store.CreateForecastBatch(ctx, runID, rows)
	require.NoError(t, err)
	require.Len(t, persisted, 4)
	for _, row := range persisted {
		assert.NotEqual(t, uuid.Nil, row.ID)
		assert.Equal(t, runID, row.RunID)
		assert.False(t, row.CreatedAt.IsZero())
	}

	productRows, err := store.GetForecastByRun(ctx, runID, EntityProduct)
	require.NoError(t, err)
	require.Len(t, productRows, 3)
	for i, row := range productRows {
		assert.Equal(t, day(2024, 3, 10, 0).AddDate(0, 0, i+1), row.ForecastDate)
		assert.Equal(t, product, row.EntityID())
	}

	all, err := store.GetForecastByRun(ctx, runID, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := store.GetForecastByRun(ctx, uuid.New(), "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func forecastRow(level EntityType, horizon Aggregation, entity uuid.UUID, date time.Time) ForecastRow {
	row := ForecastRow{
		ForecastDate:    date,
		ForecastHorizon: horizon,
		ForecastedUnits: decimal.NewFromInt(4),
		ModelName:       "linear_trend",
	}
	row.SetEntity(level, entity)
	return row
}

func TestMemoryStore_GetLatestForecasts(t *testing.T) {
	store, product := newTestStore(t)
	other := uuid.New()
	brand := uuid.New()
	ctx := context.Background()
	today := day(2024, 3, 10, 0)

	_, err := store.CreateForecastBatch(ctx, uuid.New(), []ForecastRow{
		forecastRow(EntityProduct, AggregationDaily, product, today.AddDate(0, 0, 3)),
		forecastRow(EntityProduct, AggregationDaily, product, today.AddDate(0, 0, -1)),
		forecastRow(EntityProduct, AggregationDaily, other, today.AddDate(0, 0, 1)),
	})
	require.NoError(t, err)
	_, err = store.CreateForecastBatch(ctx, uuid.New(), []ForecastRow{
		forecastRow(EntityProduct, AggregationDaily, product, today),
		forecastRow(EntityProduct, AggregationDaily, product, today.AddDate(0, 0, 8)),
		forecastRow(EntityProduct, AggregationWeekly, product, today.AddDate(0, 0, 7)),
		forecastRow(EntityBrand, AggregationDaily, brand, today.AddDate(0, 0, 2)),
	})
	require.NoError(t, err)

	rows, err := store.GetLatestForecasts(ctx, EntityProduct, AggregationDaily, 7, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, today, rows[0].ForecastDate)
	assert.Equal(t, today.AddDate(0, 0, 1), rows[1].ForecastDate)
	assert.Equal(t, today.AddDate(0, 0, 3), rows[2].ForecastDate)

	rows, err = store.GetLatestForecasts(ctx, EntityProduct, AggregationDaily, 8, &product)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = store.GetLatestForecasts(ctx, EntityBrand, AggregationDaily, 30, &brand)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = store.GetLatestForecasts(ctx, "shelf", AggregationDaily, 7, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = store.GetLatestForecasts(ctx, EntityProduct, "hourly", 7, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = store.GetLatestForecasts(ctx, EntityProduct, AggregationDaily, -1, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryStore_AccuracyHistory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, d := range []int{1, 9, 5} {
		_, err := store.RecordForecastAccuracy(ctx, AccuracyRecord{
			ModelName:       "ensemble",
			ForecastLevel:   EntityProduct,
			ForecastHorizon: AggregationDaily,
			AccuracyDate:    day(2024, 3, d, 0),
			MAPE:            float64(d),
		})
		require.NoError(t, err)
	}
	_, err := store.RecordForecastAccuracy(ctx, AccuracyRecord{ModelName: "linear_trend", ForecastLevel: EntityProduct})
	require.NoError(t, err)

	history, err := store.GetModelAccuracyHistory(ctx, "ensemble", EntityProduct, AggregationDaily, 30)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 9.0, history[0].MAPE)
	assert.Equal(t, 5.0, history[1].MAPE)
	assert.Equal(t, 1.0, history[2].MAPE)

	recent, err := store.GetModelAccuracyHistory(ctx, "ensemble", "", "", 3)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	defaulted, err := store.GetModelAccuracyHistory(ctx, "linear_trend", EntityProduct, "", 1)
	require.NoError(t, err)
	require.Len(t, defaulted, 1)
	assert.Equal(t, day(2024, 3, 10, 0), defaulted[0].AccuracyDate)
}

func TestMemoryStore_PruneForecasts(t *testing.T) {
	now := day(2024, 3, 10, 12)
	store := NewMemoryStore(nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	oldRun, newRun := uuid.New(), uuid.New()
	_, err := store.CreateForecastBatch(ctx, oldRun, []ForecastRow{{ModelName: "seasonal_naive"}})
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	_, err = store.CreateForecastBatch(ctx, newRun, []ForecastRow{{ModelName: "seasonal_naive"}})
	require.NoError(t, err)

	assert.Equal(t, 1, store.PruneForecasts(now.Add(-24*time.Hour)))

	stats := store.Stats()
	assert.Equal(t, 1, stats.ForecastRuns)
	assert.Equal(t, 1, stats.ForecastRows)
}

func TestMemoryStore_CleanupWorkerStops(t *testing.T) {
	store := NewMemoryStore(nil, WithForecastRetention(time.Hour, 10*time.Millisecond))
	store.Start()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, store.Close())
	// a second close must not panic
	require.NoError(t, store.Close())
}

func TestMemoryStore_ZeroRetentionKeepsRuns(t *testing.T) {
	store := NewMemoryStore(nil, WithForecastRetention(0, 5*time.Millisecond))
	assert.Nil(t, store.cleanupWorker)

	ctx := context.Background()
	runID := uuid.New()
	_, err := store.CreateForecastBatch(ctx, runID, []ForecastRow{{ModelName: "seasonal_naive"}})
	require.NoError(t, err)

	store.Start()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Close())

	rows, err := store.GetForecastByRun(ctx, runID, "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
