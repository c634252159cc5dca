package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"sales-forecast-engine/analytics/ml"
	"sales-forecast-engine/storage"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Storage     StorageConfig     `json:"storage"`
	Ingestion   IngestionConfig   `json:"ingestion"`
	Forecasting ForecastingConfig `json:"forecasting"`
	Logging     LoggingConfig     `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         string   `json:"port"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
	IdleTimeout  Duration `json:"idle_timeout"`
}

// StorageConfig selects and tunes the repository
type StorageConfig struct {
	Driver    string          `json:"driver"` // "memory" or "postgres"
	Postgres  PostgresConfig  `json:"postgres"`
	Redis     RedisConfig     `json:"redis"`
	Cache     CacheConfig     `json:"cache"`
	Archive   ArchiveConfig   `json:"archive"`
	Retention RetentionConfig `json:"retention"`
}

// PostgresConfig contains the relational store settings
type PostgresConfig struct {
	DSN     string `json:"dsn"`
	Migrate bool   `json:"migrate"`
}

// RedisConfig contains the shared history cache settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// CacheConfig contains the in-process history cache settings
type CacheConfig struct {
	Enabled  bool     `json:"enabled"`
	Size     int      `json:"size"`
	TTL      Duration `json:"ttl"`
	RedisTTL Duration `json:"redis_ttl"`
}

// ArchiveConfig contains the on-disk run archive settings
type ArchiveConfig struct {
	Enabled          bool     `json:"enabled"`
	DataPath         string   `json:"data_path"`
	CompressionLevel int      `json:"compression_level"`
	RetentionPeriod  Duration `json:"retention_period"`
}

// RetentionConfig bounds how long in-memory forecast runs are kept. A zero
// forecast retention keeps runs until shutdown.
type RetentionConfig struct {
	ForecastRetention Duration `json:"forecast_retention"`
	CleanupInterval   Duration `json:"cleanup_interval"`
}

// IngestionConfig contains transaction ingestion settings
type IngestionConfig struct {
	BufferSize      int              `json:"buffer_size"`
	BatchSize       int              `json:"batch_size"`
	FlushInterval   Duration         `json:"flush_interval"`
	WorkerPoolSize  int              `json:"worker_pool_size"`
	ValidationRules ValidationConfig `json:"validation"`
}

// ValidationConfig contains transaction validation rules
type ValidationConfig struct {
	MaxSalePrice             float64  `json:"max_sale_price"`
	AllowedStatuses          []string `json:"allowed_statuses"`
	FutureTimestampThreshold Duration `json:"future_timestamp_threshold"`
	PastTimestampThreshold   Duration `json:"past_timestamp_threshold"`
}

// ForecastingConfig contains request defaults and engine limits
type ForecastingConfig struct {
	DefaultModel       string   `json:"default_model"`
	DefaultHorizon     string   `json:"default_horizon"`
	DefaultLevel       string   `json:"default_level"`
	PredictionDays     int      `json:"prediction_days"`
	ConfidenceLevel    float64  `json:"confidence_level"`
	MinHistoryDays     int      `json:"min_history_days"`
	Workers            int      `json:"workers"`
	EntityTimeout      Duration `json:"entity_timeout"`
	FetchRate          float64  `json:"fetch_rate"`
	FetchBurst         int      `json:"fetch_burst"`
	EnableRandomForest bool     `json:"enable_random_forest"`
	ModelVersion       string   `json:"model_version"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{120 * time.Second},
			IdleTimeout:  Duration{120 * time.Second},
		},
		Storage: StorageConfig{
			Driver: "memory",
			Postgres: PostgresConfig{
				Migrate: true,
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			Cache: CacheConfig{
				Enabled:  true,
				Size:     1024,
				TTL:      Duration{5 * time.Minute},
				RedisTTL: Duration{15 * time.Minute},
			},
			Archive: ArchiveConfig{
				Enabled:          false,
				DataPath:         "./data/runs",
				CompressionLevel: 6,
				RetentionPeriod:  Duration{90 * 24 * time.Hour},
			},
			Retention: RetentionConfig{
				ForecastRetention: Duration{30 * 24 * time.Hour},
				CleanupInterval:   Duration{time.Hour},
			},
		},
		Ingestion: IngestionConfig{
			BufferSize:     1000,
			BatchSize:      100,
			FlushInterval:  Duration{5 * time.Second},
			WorkerPoolSize: 4,
			ValidationRules: ValidationConfig{
				MaxSalePrice:             1e7,
				AllowedStatuses:          []string{}, // Empty means allow all
				FutureTimestampThreshold: Duration{time.Hour},
				PastTimestampThreshold:   Duration{5 * 365 * 24 * time.Hour},
			},
		},
		Forecasting: ForecastingConfig{
			DefaultModel:       string(ml.ModelEnsemble),
			DefaultHorizon:     string(ml.HorizonDaily),
			DefaultLevel:       string(ml.LevelProduct),
			PredictionDays:     ml.DefaultPredictionDays,
			ConfidenceLevel:    ml.DefaultConfidenceLevel,
			MinHistoryDays:     ml.DefaultMinHistoryDays,
			Workers:            4,
			EntityTimeout:      Duration{30 * time.Second},
			FetchRate:          50,
			FetchBurst:         10,
			EnableRandomForest: true,
			ModelVersion:       "1.0.0",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ForecastDefaults returns the forecast configuration requests start from
func (f ForecastingConfig) ForecastDefaults() ml.ForecastConfig {
	return ml.ForecastConfig{
		Model:           ml.Model(f.DefaultModel),
		Horizon:         ml.Horizon(f.DefaultHorizon),
		Level:           ml.Level(f.DefaultLevel),
		PredictionDays:  f.PredictionDays,
		ConfidenceLevel: f.ConfidenceLevel,
		MinHistoryDays:  f.MinHistoryDays,
	}
}

// LoadFromFile loads configuration from a JSON file over the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	return config, nil
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables over the defaults
func LoadFromEnv() *Config {
	config := DefaultConfig()
	config.ApplyEnv()
	return config
}

// ApplyEnv overrides fields from FORECAST_* environment variables
func (c *Config) ApplyEnv() {
	// Server configuration
	if port := os.Getenv("FORECAST_PORT"); port != "" {
		c.Server.Port = port
	}

	// Storage configuration
	if driver := os.Getenv("FORECAST_STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}
	if dsn := os.Getenv("FORECAST_POSTGRES_DSN"); dsn != "" {
		c.Storage.Postgres.DSN = dsn
	} else if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Storage.Postgres.DSN = dsn
	}
	if addr := os.Getenv("FORECAST_REDIS_ADDR"); addr != "" {
		c.Storage.Redis.Addr = addr
		c.Storage.Redis.Enabled = true
	}
	if password := os.Getenv("FORECAST_REDIS_PASSWORD"); password != "" {
		c.Storage.Redis.Password = password
	}
	if archivePath := os.Getenv("FORECAST_ARCHIVE_PATH"); archivePath != "" {
		c.Storage.Archive.DataPath = archivePath
		c.Storage.Archive.Enabled = true
	}

	// Ingestion configuration
	if bufferSize := os.Getenv("FORECAST_BUFFER_SIZE"); bufferSize != "" {
		if val, err := parseIntFromEnv(bufferSize); err == nil {
			c.Ingestion.BufferSize = val
		}
	}
	if batchSize := os.Getenv("FORECAST_BATCH_SIZE"); batchSize != "" {
		if val, err := parseIntFromEnv(batchSize); err == nil {
			c.Ingestion.BatchSize = val
		}
	}

	// Forecasting configuration
	if model := os.Getenv("FORECAST_MODEL"); model != "" {
		c.Forecasting.DefaultModel = model
	}
	if workers := os.Getenv("FORECAST_WORKERS"); workers != "" {
		if val, err := parseIntFromEnv(workers); err == nil {
			c.Forecasting.Workers = val
		}
	}
	if fetchRate := os.Getenv("FORECAST_FETCH_RATE"); fetchRate != "" {
		if val, err := strconv.ParseFloat(fetchRate, 64); err == nil {
			c.Forecasting.FetchRate = val
		}
	}
	if forest := os.Getenv("FORECAST_ENABLE_RANDOM_FOREST"); forest != "" {
		if val, err := strconv.ParseBool(forest); err == nil {
			c.Forecasting.EnableRandomForest = val
		}
	}

	// Logging configuration
	if level := os.Getenv("FORECAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("FORECAST_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn cannot be empty when the postgres driver is selected")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Redis.Enabled && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty when enabled")
	}
	if c.Storage.Cache.Enabled && c.Storage.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if c.Storage.Archive.Enabled && c.Storage.Archive.DataPath == "" {
		return fmt.Errorf("archive data path cannot be empty when enabled")
	}
	if c.Storage.Retention.ForecastRetention.Duration < 0 {
		return fmt.Errorf("forecast retention cannot be negative")
	}
	if c.Storage.Retention.CleanupInterval.Duration < 0 {
		return fmt.Errorf("retention cleanup interval cannot be negative")
	}

	if c.Ingestion.BufferSize <= 0 {
		return fmt.Errorf("ingestion buffer size must be positive")
	}
	if c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion batch size must be positive")
	}
	if c.Ingestion.WorkerPoolSize <= 0 {
		return fmt.Errorf("ingestion worker pool size must be positive")
	}

	if c.Forecasting.Workers <= 0 {
		return fmt.Errorf("forecasting workers must be positive")
	}
	if c.Forecasting.FetchRate < 0 {
		return fmt.Errorf("forecasting fetch rate cannot be negative")
	}
	if err := c.Forecasting.ForecastDefaults().Validate(); err != nil {
		return fmt.Errorf("invalid forecasting defaults: %w", err)
	}

	return nil
}

// MemoryStoreOptions returns the in-memory store options for the retention
// settings. Pruning is left off when no retention is configured.
func (c *Config) MemoryStoreOptions() []storage.MemoryOption {
	retention := c.Storage.Retention
	if retention.ForecastRetention.Duration <= 0 {
		return nil
	}
	return []storage.MemoryOption{
		storage.WithForecastRetention(retention.ForecastRetention.Duration, retention.CleanupInterval.Duration),
	}
}

// EnsureDataDirectories creates necessary data directories
func (c *Config) EnsureDataDirectories() error {
	if !c.Storage.Archive.Enabled || c.Storage.Archive.DataPath == "" {
		return nil
	}
	if err := os.MkdirAll(c.Storage.Archive.DataPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Storage.Archive.DataPath, err)
	}
	return nil
}

// Helper functions
func parseIntFromEnv(s string) (int, error) {
	var result int
	if _, err := fmt.Sscanf(s, "%d", &result); err != nil {
		return 0, err
	}
	return result, nil
}

// ConfigManager handles configuration loading and hot-reloading
type ConfigManager struct {
	mu       sync.RWMutex
	config   *Config
	filename string
	watchers []func(*Config)
}

// NewConfigManager loads .env, then the JSON file when present, then applies
// environment overrides
func NewConfigManager(filename string) (*ConfigManager, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	config, err := load(filename)
	if err != nil {
		return nil, err
	}

	if err := config.EnsureDataDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}

	return &ConfigManager{
		config:   config,
		filename: filename,
		watchers: make([]func(*Config), 0),
	}, nil
}

func load(filename string) (*Config, error) {
	config := DefaultConfig()
	if filename != "" && fileExists(filename) {
		var err error
		config, err = LoadFromFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// AddWatcher adds a function to be called when configuration changes
func (cm *ConfigManager) AddWatcher(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, fn)
}

// Reload reloads the configuration from file
func (cm *ConfigManager) Reload() error {
	if cm.filename == "" || !fileExists(cm.filename) {
		return fmt.Errorf("no config file to reload")
	}

	newConfig, err := load(cm.filename)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	cm.mu.Lock()
	cm.config = newConfig
	watchers := append([]func(*Config){}, cm.watchers...)
	cm.mu.Unlock()

	// Notify watchers
	for _, watcher := range watchers {
		watcher(newConfig)
	}

	return nil
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
