package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process repository: a transaction ledger plus append-only
// forecast and accuracy tables
type MemoryStore struct {
	ledger *Ledger
	now    func() time.Time

	mu        sync.RWMutex
	forecasts map[uuid.UUID][]ForecastRow
	runOrder  []uuid.UUID
	accuracy  []AccuracyRecord

	retention     time.Duration
	cleanupWorker *CleanupWorker
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's notion of today
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// WithForecastRetention enables pruning of forecast runs older than retention
// every interval once Start is called. A non-positive retention disables it.
func WithForecastRetention(retention, interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if retention <= 0 {
			return
		}
		if interval <= 0 {
			interval = time.Hour
		}
		s.retention = retention
		s.cleanupWorker = &CleanupWorker{
			store:    s,
			interval: interval,
			stopChan: make(chan struct{}),
		}
	}
}

// NewMemoryStore creates an in-memory store over ledger (a new one when nil)
func NewMemoryStore(ledger *Ledger, opts ...MemoryOption) *MemoryStore {
	if ledger == nil {
		ledger = NewLedger()
	}
	s := &MemoryStore{
		ledger:    ledger,
		now:       time.Now,
		forecasts: make(map[uuid.UUID][]ForecastRow),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger exposes the underlying transaction ledger
func (s *MemoryStore) Ledger() *Ledger {
	return s.ledger
}

// AddTransaction records a sale
func (s *MemoryStore) AddTransaction(_ context.Context, tx Transaction) error {
	return s.ledger.AddTransaction(tx)
}

// UpsertProduct records a catalogue entry
func (s *MemoryStore) UpsertProduct(_ context.Context, p Product) error {
	return s.ledger.UpsertProduct(p)
}

// GetHistoricalSalesData aggregates completed sales over the last daysBack days
func (s *MemoryStore) GetHistoricalSalesData(ctx context.Context, entityType EntityType, entityID *uuid.UUID, daysBack int, aggregation Aggregation) ([]HistoricalPoint, error) {
	if err := validateHistoryArgs(entityType, daysBack, aggregation); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start, end := historyWindow(s.now(), daysBack)
	return s.ledger.Aggregate(entityType, entityID, start, end, aggregation), nil
}

// GetExternalFeatures returns calendar features for the range
func (s *MemoryStore) GetExternalFeatures(_ context.Context, _ EntityType, _ *uuid.UUID, start, end time.Time) ([]CalendarFeature, error) {
	start, end = externalFeatureRange(s.now(), start, end)
	return CalendarFeatures(start, end), nil
}

// ListForecastableEntities returns entities of the level with completed sales in
// the last minHistoryDays days
func (s *MemoryStore) ListForecastableEntities(ctx context.Context, level EntityType, minHistoryDays int) ([]uuid.UUID, error) {
	switch level {
	case EntityProduct, EntityBrand, EntityCategory, EntityPlatform:
	default:
		return nil, fmt.Errorf("%w: unsupported entity type %q", ErrInvalidArgument, level)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start, end := historyWindow(s.now(), minHistoryDays)
	return s.ledger.ActiveEntities(level, start, end), nil
}

// CreateForecastBatch appends rows to a run, assigning ids and creation times
func (s *MemoryStore) CreateForecastBatch(ctx context.Context, runID uuid.UUID, rows []ForecastRow) ([]ForecastRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now()
	persisted := make([]ForecastRow, len(rows))
	for i, row := range rows {
		row.ID = uuid.New()
		row.RunID = runID
		row.CreatedAt = created
		persisted[i] = row
	}

	if _, exists := s.forecasts[runID]; !exists {
		s.runOrder = append(s.runOrder, runID)
	}
	s.forecasts[runID] = append(s.forecasts[runID], persisted...)
	return persisted, nil
}

// GetForecastByRun returns a run's rows ordered by forecast date, optionally for one level
func (s *MemoryStore) GetForecastByRun(ctx context.Context, runID uuid.UUID, level EntityType) ([]ForecastRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []ForecastRow
	for _, row := range s.forecasts[runID] {
		if level != "" && row.ForecastLevel != level {
			continue
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ForecastDate.Before(rows[j].ForecastDate)
	})
	return rows, nil
}

// GetLatestForecasts returns rows for level and horizon dated from today through
// today+limitDays, ordered by forecast date. entityID narrows to one entity.
func (s *MemoryStore) GetLatestForecasts(ctx context.Context, level EntityType, horizon Aggregation, limitDays int, entityID *uuid.UUID) ([]ForecastRow, error) {
	if err := validateLatestArgs(level, horizon, limitDays); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	today := truncatePeriod(s.now(), AggregationDaily)
	last := today.AddDate(0, 0, limitDays)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []ForecastRow
	for _, runID := range s.runOrder {
		for _, row := range s.forecasts[runID] {
			if row.ForecastLevel != level || row.ForecastHorizon != horizon {
				continue
			}
			if row.ForecastDate.Before(today) || row.ForecastDate.After(last) {
				continue
			}
			if entityID != nil && row.EntityID() != *entityID {
				continue
			}
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ForecastDate.Before(rows[j].ForecastDate)
	})
	return rows, nil
}

// RecordForecastAccuracy appends an accuracy record
func (s *MemoryStore) RecordForecastAccuracy(ctx context.Context, record AccuracyRecord) (AccuracyRecord, error) {
	if err := ctx.Err(); err != nil {
		return AccuracyRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record.ID = uuid.New()
	record.CreatedAt = s.now()
	if record.AccuracyDate.IsZero() {
		record.AccuracyDate = truncatePeriod(record.CreatedAt, AggregationDaily)
	}
	s.accuracy = append(s.accuracy, record)
	return record, nil
}

// GetModelAccuracyHistory returns a model's accuracy records from the last daysBack
// days, newest first. Empty level or horizon matches any.
func (s *MemoryStore) GetModelAccuracyHistory(ctx context.Context, modelName string, level EntityType, horizon Aggregation, daysBack int) ([]AccuracyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cutoff, _ := historyWindow(s.now(), daysBack)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []AccuracyRecord
	for _, r := range s.accuracy {
		if r.ModelName != modelName || r.AccuracyDate.Before(cutoff) {
			continue
		}
		if level != "" && r.ForecastLevel != level {
			continue
		}
		if horizon != "" && r.ForecastHorizon != horizon {
			continue
		}
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].AccuracyDate.After(records[j].AccuracyDate)
	})
	return records, nil
}

// PruneForecasts drops runs whose rows were all created before cutoff
func (s *MemoryStore) PruneForecasts(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	kept := s.runOrder[:0]
	for _, runID := range s.runOrder {
		rows := s.forecasts[runID]
		expired := true
		for _, r := range rows {
			if !r.CreatedAt.Before(cutoff) {
				expired = false
				break
			}
		}
		if expired {
			delete(s.forecasts, runID)
			pruned++
			continue
		}
		kept = append(kept, runID)
	}
	s.runOrder = kept
	return pruned
}

// Stats returns storage usage
func (s *MemoryStore) Stats() StoreStats {
	transactions, products := s.ledger.Size()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := 0
	for _, r := range s.forecasts {
		rows += len(r)
	}
	return StoreStats{
		Transactions:    transactions,
		Products:        products,
		ForecastRuns:    len(s.forecasts),
		ForecastRows:    rows,
		AccuracyRecords: len(s.accuracy),
	}
}

// Start begins the background retention worker, if configured
func (s *MemoryStore) Start() {
	if s.cleanupWorker != nil {
		s.cleanupWorker.Start()
	}
}

// Close stops background workers
func (s *MemoryStore) Close() error {
	if s.cleanupWorker != nil {
		s.cleanupWorker.Stop()
	}
	return nil
}

// StoreStats summarises store contents
type StoreStats struct {
	Transactions    int `json:"transactions"`
	Products        int `json:"products"`
	ForecastRuns    int `json:"forecast_runs"`
	ForecastRows    int `json:"forecast_rows"`
	AccuracyRecords int `json:"accuracy_records"`
}

// CleanupWorker prunes expired forecast runs on an interval
type CleanupWorker struct {
	store    *MemoryStore
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (cw *CleanupWorker) Start() {
	cw.wg.Add(1)
	go cw.run()
}

func (cw *CleanupWorker) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopChan)
	})
	cw.wg.Wait()
}

func (cw *CleanupWorker) run() {
	defer cw.wg.Done()

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cw.store.PruneForecasts(cw.store.now().Add(-cw.store.retention))
		case <-cw.stopChan:
			return
		}
	}
}
