package ingestion

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sales-forecast-engine/storage"
)

// TransactionValidator handles data quality checks on incoming sales
type TransactionValidator struct {
	maxSalePrice    decimal.Decimal
	allowedStatuses map[string]bool
	futureThreshold time.Duration
	pastThreshold   time.Duration
	now             func() time.Time
}

// NewTransactionValidator creates a validator with permissive defaults
func NewTransactionValidator() *TransactionValidator {
	return &TransactionValidator{
		maxSalePrice:    decimal.NewFromInt(10_000_000),
		allowedStatuses: make(map[string]bool),
		futureThreshold: time.Hour,
		pastThreshold:   5 * 365 * 24 * time.Hour,
		now:             time.Now,
	}
}

// SetMaxSalePrice caps the accepted sale price
func (v *TransactionValidator) SetMaxSalePrice(limit float64) {
	v.maxSalePrice = decimal.NewFromFloat(limit)
}

// SetAllowedStatuses sets the whitelist of statuses; empty allows all
func (v *TransactionValidator) SetAllowedStatuses(statuses []string) {
	v.allowedStatuses = make(map[string]bool, len(statuses))
	for _, s := range statuses {
		v.allowedStatuses[s] = true
	}
}

// SetTimestampWindow bounds how far from now a transaction date may be
func (v *TransactionValidator) SetTimestampWindow(future, past time.Duration) {
	if future > 0 {
		v.futureThreshold = future
	}
	if past > 0 {
		v.pastThreshold = past
	}
}

// SetClock replaces the time source
func (v *TransactionValidator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate checks a single transaction
func (v *TransactionValidator) Validate(tx storage.Transaction) error {
	if tx.ProductID == uuid.Nil {
		return fmt.Errorf("product_id is required")
	}
	if tx.Status == "" {
		return fmt.Errorf("status is required")
	}
	if len(v.allowedStatuses) > 0 && !v.allowedStatuses[tx.Status] {
		return fmt.Errorf("status '%s' not allowed", tx.Status)
	}

	if tx.SalePrice != nil {
		if tx.SalePrice.IsNegative() {
			return fmt.Errorf("sale price %s is negative", tx.SalePrice)
		}
		if tx.SalePrice.GreaterThan(v.maxSalePrice) {
			return fmt.Errorf("sale price %s above allowed maximum %s", tx.SalePrice, v.maxSalePrice)
		}
	}
	if tx.NetRevenue.IsNegative() {
		return fmt.Errorf("net revenue %s is negative", tx.NetRevenue)
	}

	if tx.TransactionDate.IsZero() {
		return fmt.Errorf("transaction_date is required")
	}
	now := v.now()
	if tx.TransactionDate.After(now.Add(v.futureThreshold)) {
		return fmt.Errorf("transaction date too far in future")
	}
	if tx.TransactionDate.Before(now.Add(-v.pastThreshold)) {
		return fmt.Errorf("transaction date too far in past")
	}
	return nil
}
