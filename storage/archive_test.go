package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveRows(entity uuid.UUID, level EntityType, days int) []ForecastRow {
	rows := make([]ForecastRow, days)
	for i := range rows {
		rows[i] = ForecastRow{
			ForecastDate:    day(2024, 3, 11, 0).AddDate(0, 0, i),
			ForecastHorizon: AggregationDaily,
			ForecastedUnits: decimal.NewFromFloat(float64(i) + 0.5),
			ModelName:       "ensemble",
			ModelVersion:    "1.0.0",
			FeatureImportance: map[string]float64{
				"lag_1": 0.6,
				"trend": 0.4,
			},
		}
		rows[i].SetEntity(level, entity)
	}
	return rows
}

func TestRunArchive_WriteAndRead(t *testing.T) {
	archive, err := NewRunArchive(t.TempDir(), 0, 0)
	require.NoError(t, err)

	runID := uuid.New()
	a, b := uuid.New(), uuid.New()
	rows := append(archiveRows(a, EntityProduct, 3), archiveRows(b, EntityProduct, 3)...)
	require.NoError(t, archive.ArchiveRun(runID, rows))

	read, err := archive.ReadRun(runID)
	require.NoError(t, err)
	require.Len(t, read, 6)
	for i := 1; i < len(read); i++ {
		assert.False(t, read[i].ForecastDate.Before(read[i-1].ForecastDate))
	}
	assert.True(t, decimal.NewFromFloat(0.5).Equal(read[0].ForecastedUnits))
	assert.Equal(t, 0.6, read[0].FeatureImportance["lag_1"])

	runs := archive.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Blocks)
	assert.Positive(t, runs[0].SizeBytes)
}

func TestRunArchive_ReopenLoadsIndex(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewRunArchive(dir, 0, 0)
	require.NoError(t, err)

	runID := uuid.New()
	entity := uuid.New()
	require.NoError(t, archive.ArchiveRun(runID, archiveRows(entity, EntityBrand, 4)))
	require.NoError(t, archive.ArchiveRun(runID, archiveRows(entity, EntityBrand, 2)))

	reopened, err := NewRunArchive(dir, 0, 0)
	require.NoError(t, err)

	read, err := reopened.ReadRun(runID)
	require.NoError(t, err)
	require.Len(t, read, 6)
	assert.Equal(t, entity, read[0].EntityID())
	assert.Equal(t, EntityBrand, read[0].ForecastLevel)
}

func TestRunArchive_UnknownRun(t *testing.T) {
	archive, err := NewRunArchive(t.TempDir(), 0, 0)
	require.NoError(t, err)

	_, err = archive.ReadRun(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, archive.ArchiveRun(uuid.New(), nil))
	assert.Empty(t, archive.Runs())
}

func TestRunArchive_CleanupExpired(t *testing.T) {
	archive, err := NewRunArchive(t.TempDir(), 0, 24*time.Hour)
	require.NoError(t, err)

	now := time.Now()
	archive.now = func() time.Time { return now }

	runID := uuid.New()
	require.NoError(t, archive.ArchiveRun(runID, archiveRows(uuid.New(), EntityProduct, 1)))

	cleaned, err := archive.CleanupExpired()
	require.NoError(t, err)
	assert.Zero(t, cleaned)

	now = now.Add(48 * time.Hour)
	cleaned, err = archive.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, err = archive.ReadRun(runID)
	assert.ErrorIs(t, err, ErrNotFound)
}
