package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is an in-memory transaction ledger plus product catalogue.
// Transactions are kept sorted by transaction date.
type Ledger struct {
	mu           sync.RWMutex
	transactions []Transaction
	products     map[uuid.UUID]Product
	index        map[uuid.UUID]struct{}
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		transactions: make([]Transaction, 0),
		products:     make(map[uuid.UUID]Product),
		index:        make(map[uuid.UUID]struct{}),
	}
}

// UpsertProduct adds or replaces a catalogue entry
func (l *Ledger) UpsertProduct(p Product) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: product id is required", ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[p.ID] = p
	return nil
}

// Product looks up a catalogue entry
func (l *Ledger) Product(id uuid.UUID) (Product, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.products[id]
	return p, ok
}

// AddTransaction inserts a transaction in date order. A transaction with an
// existing id replaces the stored one.
func (l *Ledger) AddTransaction(tx Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.ProductID == uuid.Nil {
		return fmt.Errorf("%w: transaction %s has no product", ErrInvalidArgument, tx.ID)
	}
	if tx.TransactionDate.IsZero() {
		return fmt.Errorf("%w: transaction %s has no date", ErrInvalidArgument, tx.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[tx.ID]; exists {
		l.removeLocked(tx.ID)
	}

	// Insert in sorted order (by transaction date)
	pos := sort.Search(len(l.transactions), func(i int) bool {
		return l.transactions[i].TransactionDate.After(tx.TransactionDate)
	})
	l.transactions = append(l.transactions, Transaction{})
	copy(l.transactions[pos+1:], l.transactions[pos:])
	l.transactions[pos] = tx
	l.index[tx.ID] = struct{}{}
	return nil
}

func (l *Ledger) removeLocked(id uuid.UUID) {
	for i, tx := range l.transactions {
		if tx.ID == id {
			l.transactions = append(l.transactions[:i], l.transactions[i+1:]...)
			break
		}
	}
	delete(l.index, id)
}

// Range returns transactions with start <= date < end
func (l *Ledger) Range(start, end time.Time) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	startIdx := sort.Search(len(l.transactions), func(i int) bool {
		return !l.transactions[i].TransactionDate.Before(start)
	})
	endIdx := sort.Search(len(l.transactions), func(i int) bool {
		return !l.transactions[i].TransactionDate.Before(end)
	})
	if startIdx >= endIdx {
		return nil
	}

	// Return copy to avoid race conditions
	result := make([]Transaction, endIdx-startIdx)
	copy(result, l.transactions[startIdx:endIdx])
	return result
}

// Size returns the number of transactions and catalogue products
func (l *Ledger) Size() (transactions, products int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.transactions), len(l.products)
}

// entityKey resolves the entity a transaction counts towards
func (l *Ledger) entityKey(entityType EntityType, tx Transaction) (uuid.UUID, bool) {
	switch entityType {
	case EntityProduct:
		return tx.ProductID, true
	case EntityPlatform:
		return tx.PlatformID, tx.PlatformID != uuid.Nil
	}

	p, ok := l.products[tx.ProductID]
	if !ok {
		return uuid.Nil, false
	}
	switch entityType {
	case EntityBrand:
		return p.BrandID, p.BrandID != uuid.Nil
	case EntityCategory:
		return p.CategoryID, p.CategoryID != uuid.Nil
	}
	return uuid.Nil, false
}

func countsAsSale(tx Transaction) bool {
	return tx.Status == StatusCompleted && tx.SalePrice != nil
}

type bucketKey struct {
	period time.Time
	entity uuid.UUID
}

type bucket struct {
	units   int64
	revenue decimal.Decimal
}

// Aggregate groups completed sales in [start, end) by period and entity.
// A nil entityID aggregates every entity of the type.
func (l *Ledger) Aggregate(entityType EntityType, entityID *uuid.UUID, start, end time.Time, aggregation Aggregation) []HistoricalPoint {
	txs := l.Range(start, end)

	l.mu.RLock()
	buckets := make(map[bucketKey]*bucket)
	for _, tx := range txs {
		if !countsAsSale(tx) {
			continue
		}
		entity, ok := l.entityKey(entityType, tx)
		if !ok || (entityID != nil && entity != *entityID) {
			continue
		}

		key := bucketKey{period: truncatePeriod(tx.TransactionDate, aggregation), entity: entity}
		b, exists := buckets[key]
		if !exists {
			b = &bucket{revenue: decimal.Zero}
			buckets[key] = b
		}
		b.units++
		b.revenue = b.revenue.Add(tx.NetRevenue)
	}
	l.mu.RUnlock()

	points := make([]HistoricalPoint, 0, len(buckets))
	for key, b := range buckets {
		points = append(points, HistoricalPoint{
			PeriodLabel:  periodLabel(key.period, aggregation),
			PeriodDate:   key.period,
			EntityID:     key.entity,
			UnitsSold:    int(b.units),
			TotalRevenue: b.revenue,
			AvgPrice:     b.revenue.Div(decimal.NewFromInt(b.units)),
		})
	}

	sort.Slice(points, func(i, j int) bool {
		if !points[i].PeriodDate.Equal(points[j].PeriodDate) {
			return points[i].PeriodDate.Before(points[j].PeriodDate)
		}
		return points[i].EntityID.String() < points[j].EntityID.String()
	})
	return points
}

// ActiveEntities returns entities with completed sales in [start, end), most
// recently active first
func (l *Ledger) ActiveEntities(entityType EntityType, start, end time.Time) []uuid.UUID {
	txs := l.Range(start, end)

	l.mu.RLock()
	lastSeen := make(map[uuid.UUID]time.Time)
	for _, tx := range txs {
		if !countsAsSale(tx) {
			continue
		}
		entity, ok := l.entityKey(entityType, tx)
		if !ok {
			continue
		}
		if tx.TransactionDate.After(lastSeen[entity]) {
			lastSeen[entity] = tx.TransactionDate
		}
	}
	l.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(lastSeen))
	for id := range lastSeen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := lastSeen[ids[i]], lastSeen[ids[j]]
		if !a.Equal(b) {
			return a.After(b)
		}
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// truncatePeriod floors t to the start of its day, ISO week (Monday) or month in UTC
func truncatePeriod(t time.Time, aggregation Aggregation) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch aggregation {
	case AggregationWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case AggregationMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// periodLabel formats a truncated period: 2024-03-05, 2024-W10 or 2024-03.
// The weekly number counts 7-day blocks from January 1st.
func periodLabel(period time.Time, aggregation Aggregation) string {
	switch aggregation {
	case AggregationWeekly:
		return fmt.Sprintf("%04d-W%02d", period.Year(), (period.YearDay()-1)/7+1)
	case AggregationMonthly:
		return period.Format("2006-01")
	default:
		return period.Format("2006-01-02")
	}
}

// historyWindow returns [today - daysBack, tomorrow) in UTC
func historyWindow(now time.Time, daysBack int) (time.Time, time.Time) {
	today := truncatePeriod(now, AggregationDaily)
	return today.AddDate(0, 0, -daysBack), today.AddDate(0, 0, 1)
}
