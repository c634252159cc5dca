package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is implemented by MemoryStore and PostgresStore
type Store interface {
	GetHistoricalSalesData(ctx context.Context, entityType EntityType, entityID *uuid.UUID, daysBack int, aggregation Aggregation) ([]HistoricalPoint, error)
	GetExternalFeatures(ctx context.Context, entityType EntityType, entityID *uuid.UUID, start, end time.Time) ([]CalendarFeature, error)
	ListForecastableEntities(ctx context.Context, level EntityType, minHistoryDays int) ([]uuid.UUID, error)
	CreateForecastBatch(ctx context.Context, runID uuid.UUID, rows []ForecastRow) ([]ForecastRow, error)
	GetForecastByRun(ctx context.Context, runID uuid.UUID, level EntityType) ([]ForecastRow, error)
	GetLatestForecasts(ctx context.Context, level EntityType, horizon Aggregation, limitDays int, entityID *uuid.UUID) ([]ForecastRow, error)
	RecordForecastAccuracy(ctx context.Context, record AccuracyRecord) (AccuracyRecord, error)
	GetModelAccuracyHistory(ctx context.Context, modelName string, level EntityType, horizon Aggregation, daysBack int) ([]AccuracyRecord, error)
	AddTransaction(ctx context.Context, tx Transaction) error
	UpsertProduct(ctx context.Context, p Product) error
	Close() error
}

// CacheConfig sizes the history cache tiers
type CacheConfig struct {
	Size      int
	TTL       time.Duration
	RedisTTL  time.Duration
	KeyPrefix string
}

// CachedStore serves history queries from an in-process LRU, then Redis, then
// the wrapped store. Writing a transaction invalidates both tiers.
//
// With Redis configured the cache generation lives in Redis under
// "<prefix>:gen", so a write through any instance invalidates every instance
// sharing the Redis server. The local generation is used while Redis is down.
type CachedStore struct {
	Store

	hot        *expirable.LRU[string, []HistoricalPoint]
	redis      *redis.Client
	redisTTL   time.Duration
	prefix     string
	generation atomic.Int64
	now        func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedStore wraps store. client may be nil to disable the Redis tier.
func NewCachedStore(store Store, client *redis.Client, cfg CacheConfig) *CachedStore {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = cfg.TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "forecast:history"
	}

	return &CachedStore{
		Store:    store,
		hot:      expirable.NewLRU[string, []HistoricalPoint](cfg.Size, nil, cfg.TTL),
		redis:    client,
		redisTTL: cfg.RedisTTL,
		prefix:   cfg.KeyPrefix,
		now:      time.Now,
	}
}

func (c *CachedStore) generationKey() string {
	return c.prefix + ":gen"
}

// currentGeneration returns the shared generation and true, or the local
// generation and false when Redis is disabled or unreachable.
func (c *CachedStore) currentGeneration(ctx context.Context) (string, bool) {
	if c.redis != nil {
		gen, err := c.redis.Get(ctx, c.generationKey()).Int64()
		switch {
		case err == nil:
			return fmt.Sprintf("g%d", gen), true
		case err == redis.Nil:
			return "g0", true
		}
	}
	return fmt.Sprintf("l%d", c.generation.Load()), false
}

func (c *CachedStore) key(generation string, entityType EntityType, entityID *uuid.UUID, daysBack int, aggregation Aggregation) string {
	entity := "all"
	if entityID != nil {
		entity = entityID.String()
	}
	// today is part of the key so windows roll over at midnight
	today := c.now().UTC().Format("2006-01-02")
	return fmt.Sprintf("%s:%s:%s:%s:%s:%d:%s", c.prefix, generation, today, entityType, entity, daysBack, aggregation)
}

// GetHistoricalSalesData returns cached history when present
func (c *CachedStore) GetHistoricalSalesData(ctx context.Context, entityType EntityType, entityID *uuid.UUID, daysBack int, aggregation Aggregation) ([]HistoricalPoint, error) {
	if err := validateHistoryArgs(entityType, daysBack, aggregation); err != nil {
		return nil, err
	}

	generation, shared := c.currentGeneration(ctx)
	key := c.key(generation, entityType, entityID, daysBack, aggregation)
	if points, ok := c.hot.Get(key); ok {
		c.hits.Add(1)
		return points, nil
	}

	if shared {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var points []HistoricalPoint
			if err := json.Unmarshal(data, &points); err == nil {
				c.hits.Add(1)
				c.hot.Add(key, points)
				return points, nil
			}
		} else if err != redis.Nil {
			// Redis is an optimisation; fall through to the store
			c.misses.Add(1)
			return c.load(ctx, key, entityType, entityID, daysBack, aggregation, false)
		}
	}

	c.misses.Add(1)
	return c.load(ctx, key, entityType, entityID, daysBack, aggregation, shared)
}

func (c *CachedStore) load(ctx context.Context, key string, entityType EntityType, entityID *uuid.UUID, daysBack int, aggregation Aggregation, writeRedis bool) ([]HistoricalPoint, error) {
	points, err := c.Store.GetHistoricalSalesData(ctx, entityType, entityID, daysBack, aggregation)
	if err != nil {
		return nil, err
	}

	c.hot.Add(key, points)
	if writeRedis {
		if data, err := json.Marshal(points); err == nil {
			c.redis.Set(ctx, key, data, c.redisTTL)
		}
	}
	return points, nil
}

// AddTransaction writes through and invalidates cached history
func (c *CachedStore) AddTransaction(ctx context.Context, tx Transaction) error {
	if err := c.Store.AddTransaction(ctx, tx); err != nil {
		return err
	}
	c.Invalidate(ctx)
	return nil
}

// UpsertProduct writes through and invalidates cached history
func (c *CachedStore) UpsertProduct(ctx context.Context, p Product) error {
	if err := c.Store.UpsertProduct(ctx, p); err != nil {
		return err
	}
	c.Invalidate(ctx)
	return nil
}

// Invalidate drops every cached history entry on this instance and bumps the
// shared generation in Redis. Old Redis entries become unreachable and expire
// on their TTL.
func (c *CachedStore) Invalidate(ctx context.Context) {
	c.generation.Add(1)
	c.hot.Purge()
	if c.redis != nil {
		// a failed INCR leaves peers on the old generation until their TTL
		_ = c.redis.Incr(ctx, c.generationKey()).Err()
	}
}

// CacheStats reports hit and miss counts
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Stats returns cache counters
func (c *CachedStore) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.hot.Len(),
	}
}

// Ping checks the wrapped store (when it supports it) and Redis
func (c *CachedStore) Ping(ctx context.Context) error {
	if p, ok := c.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}
