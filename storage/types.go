package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidArgument is returned for unknown entity types or aggregations
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("not found")
)

// EntityType is the entity granularity a series or forecast row belongs to
type EntityType string

const (
	EntityProduct  EntityType = "product"
	EntityBrand    EntityType = "brand"
	EntityCategory EntityType = "category"
	EntityPlatform EntityType = "platform"
)

// Aggregation is the time bucket used when aggregating transactions
type Aggregation string

const (
	AggregationDaily   Aggregation = "daily"
	AggregationWeekly  Aggregation = "weekly"
	AggregationMonthly Aggregation = "monthly"
)

// StatusCompleted is the only transaction status that counts as a sale
const StatusCompleted = "completed"

// validateHistoryArgs rejects entity types without history aggregation and unknown buckets
func validateHistoryArgs(entityType EntityType, daysBack int, aggregation Aggregation) error {
	switch entityType {
	case EntityProduct, EntityBrand, EntityCategory:
	default:
		return fmt.Errorf("%w: unsupported entity type %q", ErrInvalidArgument, entityType)
	}
	switch aggregation {
	case AggregationDaily, AggregationWeekly, AggregationMonthly:
	default:
		return fmt.Errorf("%w: unsupported aggregation %q", ErrInvalidArgument, aggregation)
	}
	if daysBack < 0 {
		return fmt.Errorf("%w: days_back cannot be negative", ErrInvalidArgument)
	}
	return nil
}

func validateLatestArgs(level EntityType, horizon Aggregation, limitDays int) error {
	switch level {
	case EntityProduct, EntityBrand, EntityCategory, EntityPlatform:
	default:
		return fmt.Errorf("%w: unsupported forecast level %q", ErrInvalidArgument, level)
	}
	switch horizon {
	case AggregationDaily, AggregationWeekly, AggregationMonthly:
	default:
		return fmt.Errorf("%w: unsupported forecast horizon %q", ErrInvalidArgument, horizon)
	}
	if limitDays < 0 {
		return fmt.Errorf("%w: limit_days cannot be negative", ErrInvalidArgument)
	}
	return nil
}

// HistoricalPoint is one aggregated (entity, period) bucket of completed sales
type HistoricalPoint struct {
	PeriodLabel  string          `json:"period"`
	PeriodDate   time.Time       `json:"period_date"`
	EntityID     uuid.UUID       `json:"entity_id"`
	UnitsSold    int             `json:"units_sold"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
}

// Transaction is one sale record in the ledger
type Transaction struct {
	ID              uuid.UUID        `json:"id"`
	ProductID       uuid.UUID        `json:"product_id"`
	PlatformID      uuid.UUID        `json:"platform_id,omitempty"`
	Status          string           `json:"status"`
	SalePrice       *decimal.Decimal `json:"sale_price"`
	NetRevenue      decimal.Decimal  `json:"net_revenue"`
	TransactionDate time.Time        `json:"transaction_date"`
}

// Product links a product to its brand and category
type Product struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	BrandID    uuid.UUID `json:"brand_id"`
	CategoryID uuid.UUID `json:"category_id"`
}

// ForecastRow is one persisted prediction: one entity for one forecast date
type ForecastRow struct {
	ID                uuid.UUID          `json:"id"`
	RunID             uuid.UUID          `json:"forecast_run_id"`
	ProductID         *uuid.UUID         `json:"product_id,omitempty"`
	BrandID           *uuid.UUID         `json:"brand_id,omitempty"`
	CategoryID        *uuid.UUID         `json:"category_id,omitempty"`
	PlatformID        *uuid.UUID         `json:"platform_id,omitempty"`
	ForecastLevel     EntityType         `json:"forecast_level"`
	ForecastDate      time.Time          `json:"forecast_date"`
	ForecastHorizon   Aggregation        `json:"forecast_horizon"`
	ForecastedUnits   decimal.Decimal    `json:"forecasted_units"`
	ForecastedRevenue decimal.Decimal    `json:"forecasted_revenue"`
	ConfidenceLower   decimal.Decimal    `json:"confidence_lower"`
	ConfidenceUpper   decimal.Decimal    `json:"confidence_upper"`
	ModelName         string             `json:"model_name"`
	ModelVersion      string             `json:"model_version"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// SetEntity sets the foreign key matching the row's level
func (r *ForecastRow) SetEntity(level EntityType, id uuid.UUID) {
	r.ForecastLevel = level
	switch level {
	case EntityProduct:
		r.ProductID = &id
	case EntityBrand:
		r.BrandID = &id
	case EntityCategory:
		r.CategoryID = &id
	case EntityPlatform:
		r.PlatformID = &id
	}
}

// EntityID returns whichever foreign key is set
func (r ForecastRow) EntityID() uuid.UUID {
	for _, id := range []*uuid.UUID{r.ProductID, r.BrandID, r.CategoryID, r.PlatformID} {
		if id != nil {
			return *id
		}
	}
	return uuid.Nil
}

func (r ForecastRow) featureImportanceJSON() ([]byte, error) {
	if len(r.FeatureImportance) == 0 {
		return nil, nil
	}
	return json.Marshal(r.FeatureImportance)
}

// AccuracyRecord is an append-only evaluation of one run's forecasts against actuals
type AccuracyRecord struct {
	ID                   uuid.UUID   `json:"id"`
	RunID                uuid.UUID   `json:"forecast_run_id"`
	ModelName            string      `json:"model_name"`
	ForecastLevel        EntityType  `json:"forecast_level"`
	ForecastHorizon      Aggregation `json:"forecast_horizon"`
	AccuracyDate         time.Time   `json:"accuracy_date"`
	MAPE                 float64     `json:"mape_score"`
	RMSE                 float64     `json:"rmse_score"`
	MAE                  float64     `json:"mae_score"`
	R2                   float64     `json:"r2_score"`
	Bias                 float64     `json:"bias_score"`
	RecordsEvaluated     int         `json:"records_evaluated"`
	EvaluationPeriodDays int         `json:"evaluation_period_days"`
	CreatedAt            time.Time   `json:"created_at"`
}

// CalendarFeature describes one calendar day for external-regressor use
type CalendarFeature struct {
	Date               time.Time `json:"date"`
	Month              int       `json:"month"`
	Quarter            int       `json:"quarter"`
	DayOfYear          int       `json:"day_of_year"`
	IsWeekend          bool      `json:"is_weekend"`
	IsHoliday          bool      `json:"is_holiday"`
	SeasonalMultiplier float64   `json:"seasonal_multiplier"`
	Trend              float64   `json:"trend"`
}
