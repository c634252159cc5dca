package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sales-forecast-engine/analytics/ml"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	defaults := cfg.Forecasting.ForecastDefaults()
	assert.Equal(t, ml.ModelEnsemble, defaults.Model)
	assert.Equal(t, ml.HorizonDaily, defaults.Horizon)
	assert.Equal(t, 30, defaults.PredictionDays)
	assert.Equal(t, 0.95, defaults.ConfidenceLevel)
	assert.Equal(t, 90, defaults.MinHistoryDays)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"archive without path", func(c *Config) { c.Storage.Archive.Enabled = true; c.Storage.Archive.DataPath = "" }},
		{"negative forecast retention", func(c *Config) { c.Storage.Retention.ForecastRetention.Duration = -time.Hour }},
		{"negative cleanup interval", func(c *Config) { c.Storage.Retention.CleanupInterval.Duration = -time.Minute }},
		{"zero batch", func(c *Config) { c.Ingestion.BatchSize = 0 }},
		{"zero workers", func(c *Config) { c.Forecasting.Workers = 0 }},
		{"unknown default model", func(c *Config) { c.Forecasting.DefaultModel = "prophet" }},
		{"confidence out of range", func(c *Config) { c.Forecasting.ConfidenceLevel = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_ZeroRetentionKeepsRuns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Retention.ForecastRetention.Duration = 0
	assert.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.MemoryStoreOptions())
}

func TestMemoryStoreOptions_DefaultRetention(t *testing.T) {
	assert.Len(t, DefaultConfig().MemoryStoreOptions(), 1)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": ":9090", "read_timeout": 15},
		"forecasting": {"default_model": "linear_trend", "entity_timeout": "45s"}
	}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout.Duration)
	assert.Equal(t, "linear_trend", cfg.Forecasting.DefaultModel)
	assert.Equal(t, 45*time.Second, cfg.Forecasting.EntityTimeout.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, 1000, cfg.Ingestion.BufferSize)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FORECAST_PORT", ":7070")
	t.Setenv("FORECAST_WORKERS", "12")
	t.Setenv("FORECAST_ENABLE_RANDOM_FOREST", "false")
	t.Setenv("FORECAST_REDIS_ADDR", "redis:6379")
	t.Setenv("FORECAST_BATCH_SIZE", "not-a-number")
	t.Setenv("FORECAST_LOG_FORMAT", "json")

	cfg := LoadFromEnv()
	assert.Equal(t, ":7070", cfg.Server.Port)
	assert.Equal(t, 12, cfg.Forecasting.Workers)
	assert.False(t, cfg.Forecasting.EnableRandomForest)
	assert.True(t, cfg.Storage.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 100, cfg.Ingestion.BatchSize)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FORECAST_TEST_DOTENV=from-file\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("FORECAST_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("FORECAST_TEST_DOTENV"))
}

func TestConfigManager_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, DefaultConfig().SaveToFile(path))

	cm, err := NewConfigManager(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cm.GetConfig().Forecasting.Workers)

	var notified *Config
	cm.AddWatcher(func(c *Config) { notified = c })

	updated := DefaultConfig()
	updated.Forecasting.Workers = 8
	require.NoError(t, updated.SaveToFile(path))

	require.NoError(t, cm.Reload())
	assert.Equal(t, 8, cm.GetConfig().Forecasting.Workers)
	require.NotNil(t, notified)
	assert.Equal(t, 8, notified.Forecasting.Workers)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration)

	require.NoError(t, json.Unmarshal([]byte(`2.5`), &d))
	assert.Equal(t, 2500*time.Millisecond, d.Duration)

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	out, err := json.Marshal(Duration{5 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(out))
}
