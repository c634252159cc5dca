package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"sales-forecast-engine/analytics"
	"sales-forecast-engine/analytics/ml"
	"sales-forecast-engine/api"
	"sales-forecast-engine/config"
	"sales-forecast-engine/ingestion"
	"sales-forecast-engine/logging"
	"sales-forecast-engine/metrics"
	"sales-forecast-engine/storage"
)

func main() {
	configManager, err := config.NewConfigManager("config.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := configManager.GetConfig()

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Starting Sales Forecast Engine")

	configManager.AddWatcher(func(c *config.Config) {
		if lvl, err := logrus.ParseLevel(c.Logging.Level); err == nil {
			logger.SetLevel(lvl)
		}
		logger.WithField("level", c.Logging.Level).Info("Configuration reloaded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Error closing storage")
		}
	}()

	m := metrics.New()
	library := ml.NewLibrary(
		ml.WithRandomForest(cfg.Forecasting.EnableRandomForest),
		ml.WithLogger(logger),
	)

	engineOpts := []analytics.EngineOption{
		analytics.WithLogger(logger),
		analytics.WithMetrics(m),
		analytics.WithEngineConfig(analytics.EngineConfig{
			Workers:       cfg.Forecasting.Workers,
			EntityTimeout: cfg.Forecasting.EntityTimeout.Duration,
			FetchRate:     cfg.Forecasting.FetchRate,
			FetchBurst:    cfg.Forecasting.FetchBurst,
			ModelVersion:  cfg.Forecasting.ModelVersion,
		}),
	}
	serverOpts := []api.ServerOption{
		api.WithLogger(logger),
		api.WithMetrics(m),
		api.WithDefaults(cfg.Forecasting.ForecastDefaults()),
	}

	if cfg.Storage.Archive.Enabled {
		archive, err := storage.NewRunArchive(
			cfg.Storage.Archive.DataPath,
			cfg.Storage.Archive.CompressionLevel,
			cfg.Storage.Archive.RetentionPeriod.Duration,
		)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open run archive")
		}
		engineOpts = append(engineOpts, analytics.WithArchive(archive))
		serverOpts = append(serverOpts, api.WithArchive(archive))
		go archiveCleanup(ctx, archive, logger)
		logger.WithField("path", cfg.Storage.Archive.DataPath).Info("Run archive enabled")
	}

	engine := analytics.NewForecastEngine(store, library, engineOpts...)

	validator := ingestion.NewTransactionValidator()
	rules := cfg.Ingestion.ValidationRules
	validator.SetMaxSalePrice(rules.MaxSalePrice)
	validator.SetAllowedStatuses(rules.AllowedStatuses)
	validator.SetTimestampWindow(rules.FutureTimestampThreshold.Duration, rules.PastTimestampThreshold.Duration)

	processor := ingestion.NewTransactionProcessor(store, validator, ingestion.ProcessorConfig{
		BufferSize:    cfg.Ingestion.BufferSize,
		BatchSize:     cfg.Ingestion.BatchSize,
		FlushInterval: cfg.Ingestion.FlushInterval.Duration,
		Workers:       cfg.Ingestion.WorkerPoolSize,
	}, logger, m)
	if err := processor.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start transaction processor")
	}

	apiServer := api.NewServer(engine, store, processor, serverOpts...)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		logger.WithField("addr", cfg.Server.Port).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	printStartupInfo(cfg.Server.Port, cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			if err := configManager.Reload(); err != nil {
				logger.WithError(err).Warn("Configuration reload failed")
			}
			continue
		}
		break
	}
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}

	// stop after the server so in-flight requests can still ingest
	processor.Stop()
	cancel()

	logger.Info("Server gracefully stopped")
}

// openStore builds the configured repository, wrapped in the history cache
// when enabled
func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (storage.Store, error) {
	var store storage.Store

	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		store = pg
		logger.Info("Using PostgreSQL store")
	default:
		mem := storage.NewMemoryStore(nil, cfg.MemoryStoreOptions()...)
		mem.Start()
		store = mem
		logger.Info("Using in-memory store")
	}

	if !cfg.Storage.Cache.Enabled {
		return store, nil
	}

	var client *redis.Client
	if cfg.Storage.Redis.Enabled {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			// the cache degrades to the hot tier and the store
			logger.WithError(err).Warn("Redis unreachable, continuing without shared cache")
		}
	}

	logger.WithFields(logrus.Fields{
		"size":  cfg.Storage.Cache.Size,
		"redis": client != nil,
	}).Info("History cache enabled")

	return &redisClosingStore{
		CachedStore: storage.NewCachedStore(store, client, storage.CacheConfig{
			Size:     cfg.Storage.Cache.Size,
			TTL:      cfg.Storage.Cache.TTL.Duration,
			RedisTTL: cfg.Storage.Cache.RedisTTL.Duration,
		}),
		client: client,
	}, nil
}

// redisClosingStore also releases the Redis connection pool on Close
type redisClosingStore struct {
	*storage.CachedStore
	client *redis.Client
}

func (s *redisClosingStore) Close() error {
	err := s.CachedStore.Close()
	if s.client != nil {
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func archiveCleanup(ctx context.Context, archive *storage.RunArchive, logger logrus.FieldLogger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := archive.CleanupExpired()
			if err != nil {
				logger.WithError(err).Warn("Archive cleanup failed")
				continue
			}
			if removed > 0 {
				logger.WithField("runs", removed).Info("Removed expired archived runs")
			}
		}
	}
}

func printStartupInfo(port string, cfg *config.Config) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Sales Forecast Engine Started")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("HTTP API: http://localhost%s\n", port)

	fmt.Println("\nConfiguration:")
	fmt.Printf("  Storage:     %s (cache: %v, redis: %v)\n",
		cfg.Storage.Driver, cfg.Storage.Cache.Enabled, cfg.Storage.Redis.Enabled)
	fmt.Printf("  Archive:     %v (%s)\n", cfg.Storage.Archive.Enabled, cfg.Storage.Archive.DataPath)
	fmt.Printf("  Forecasting: model=%s horizon=%s level=%s workers=%d\n",
		cfg.Forecasting.DefaultModel, cfg.Forecasting.DefaultHorizon, cfg.Forecasting.DefaultLevel, cfg.Forecasting.Workers)
	fmt.Printf("  Ingestion:   buffer=%d, batch=%d, flush=%v\n",
		cfg.Ingestion.BufferSize, cfg.Ingestion.BatchSize, cfg.Ingestion.FlushInterval.Duration)

	fmt.Println("\nAvailable Endpoints:")
	fmt.Printf("  POST %s/api/v1/forecasts                  - Generate a forecast run\n", port)
	fmt.Printf("  GET  %s/api/v1/forecasts/{run_id}         - Fetch a run\n", port)
	fmt.Printf("  POST %s/api/v1/forecasts/{run_id}/accuracy - Score a run\n", port)
	fmt.Printf("  GET  %s/api/v1/accuracy                   - Model accuracy history\n", port)
	fmt.Printf("  POST %s/api/v1/transactions[/batch]       - Ingest sales\n", port)
	fmt.Printf("  GET  %s/health                            - Health check\n", port)
	fmt.Printf("  GET  %s/metrics                           - Prometheus metrics\n", port)

	fmt.Println("\nExample Usage:")
	fmt.Println("  forecast-cli demo --products 3 --days 180")
	fmt.Println("  forecast-cli generate --model ensemble --days 30")

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Press Ctrl+C to gracefully shutdown, SIGHUP to reload config")
	fmt.Println(strings.Repeat("=", 60) + "\n")
}
