// Sales Forecasting Model Library
// Shared configuration, output contract and model dispatch for the demand forecasting algorithms
package ml

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"sales-forecast-engine/logging"
)

// Model identifies a forecasting algorithm
type Model string

const (
	ModelLinearTrend          Model = "linear_trend"
	ModelSeasonalNaive        Model = "seasonal_naive"
	ModelExponentialSmoothing Model = "exponential_smoothing"
	ModelARIMA                Model = "arima"
	ModelRandomForest         Model = "random_forest"
	ModelGradientBoost        Model = "gradient_boost"
	ModelEnsemble             Model = "ensemble"
)

// Horizon is the time-bucket granularity of a forecast
type Horizon string

const (
	HorizonDaily   Horizon = "daily"
	HorizonWeekly  Horizon = "weekly"
	HorizonMonthly Horizon = "monthly"
)

// Level is the entity granularity being forecast
type Level string

const (
	LevelProduct  Level = "product"
	LevelBrand    Level = "brand"
	LevelCategory Level = "category"
	LevelPlatform Level = "platform"
)

const (
	DefaultPredictionDays  = 30
	DefaultConfidenceLevel = 0.95
	DefaultMinHistoryDays  = 90
)

// ForecastConfig drives every decision of a forecast run
type ForecastConfig struct {
	Model           Model   `json:"model"`
	Horizon         Horizon `json:"horizon"`
	Level           Level   `json:"level"`
	PredictionDays  int     `json:"prediction_days"`
	ConfidenceLevel float64 `json:"confidence_level"`
	MinHistoryDays  int     `json:"min_history_days"`

	// SeasonalPeriods overrides the horizon-derived season length when positive
	SeasonalPeriods int                `json:"seasonal_periods,omitempty"`
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`
}

// DefaultForecastConfig returns a daily product-level ensemble configuration
func DefaultForecastConfig() ForecastConfig {
	return ForecastConfig{
		Model:           ModelEnsemble,
		Horizon:         HorizonDaily,
		Level:           LevelProduct,
		PredictionDays:  DefaultPredictionDays,
		ConfidenceLevel: DefaultConfidenceLevel,
		MinHistoryDays:  DefaultMinHistoryDays,
	}
}

// WithDefaults fills unset numeric fields with their defaults
func (c ForecastConfig) WithDefaults() ForecastConfig {
	if c.PredictionDays == 0 {
		c.PredictionDays = DefaultPredictionDays
	}
	if c.ConfidenceLevel == 0 {
		c.ConfidenceLevel = DefaultConfidenceLevel
	}
	if c.MinHistoryDays == 0 {
		c.MinHistoryDays = DefaultMinHistoryDays
	}
	return c
}

// Validate checks enum membership and numeric ranges
func (c ForecastConfig) Validate() error {
	switch c.Model {
	case ModelLinearTrend, ModelSeasonalNaive, ModelExponentialSmoothing, ModelARIMA,
		ModelRandomForest, ModelGradientBoost, ModelEnsemble:
	default:
		return fmt.Errorf("%w: unknown model %q", ErrConfiguration, c.Model)
	}

	switch c.Horizon {
	case HorizonDaily, HorizonWeekly, HorizonMonthly:
	default:
		return fmt.Errorf("%w: unknown horizon %q", ErrConfiguration, c.Horizon)
	}

	switch c.Level {
	case LevelProduct, LevelBrand, LevelCategory, LevelPlatform:
	default:
		return fmt.Errorf("%w: unknown level %q", ErrConfiguration, c.Level)
	}

	if c.PredictionDays <= 0 {
		return fmt.Errorf("%w: prediction_days must be positive, got %d", ErrConfiguration, c.PredictionDays)
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 || math.IsNaN(c.ConfidenceLevel) {
		return fmt.Errorf("%w: confidence_level must be in (0,1), got %v", ErrConfiguration, c.ConfidenceLevel)
	}
	if c.MinHistoryDays <= 0 {
		return fmt.Errorf("%w: min_history_days must be positive, got %d", ErrConfiguration, c.MinHistoryDays)
	}
	if c.SeasonalPeriods < 0 {
		return fmt.Errorf("%w: seasonal_periods cannot be negative", ErrConfiguration)
	}

	return nil
}

// hyperparameter returns a named hyperparameter or its default
func (c ForecastConfig) hyperparameter(name string, def float64) float64 {
	if v, ok := c.Hyperparameters[name]; ok {
		return v
	}
	return def
}

// forModel returns a copy of the config targeting a different model
func (c ForecastConfig) forModel(m Model) ForecastConfig {
	c.Model = m
	return c
}

// Interval is a (lower, upper) confidence band around one prediction
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Output is what every model returns
type Output struct {
	Predictions       []float64          `json:"predictions"`
	Intervals         []Interval         `json:"confidence_intervals"`
	Metrics           map[string]float64 `json:"metrics"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
}

// ForecastModel is implemented by every forecasting algorithm
type ForecastModel interface {
	Name() Model
	Forecast(frame *Frame, cfg ForecastConfig) (Output, error)
}

// Library resolves models and knows which optional capabilities are present
type Library struct {
	randomForest bool
	logger       logrus.FieldLogger
}

// LibraryOption configures a Library
type LibraryOption func(*Library)

// WithRandomForest toggles the random forest regressor
func WithRandomForest(enabled bool) LibraryOption {
	return func(l *Library) {
		l.randomForest = enabled
	}
}

// WithLogger sets the logger used for ensemble member failures
func WithLogger(logger logrus.FieldLogger) LibraryOption {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLibrary creates a model library with every capability enabled by default
func NewLibrary(opts ...LibraryOption) *Library {
	l := &Library{
		randomForest: true,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RandomForestAvailable reports whether the random forest capability is present
func (l *Library) RandomForestAvailable() bool {
	return l.randomForest
}

// ModelInfo describes one catalog entry. Status is "available",
// "unavailable" (an optional capability is disabled) or "not_implemented".
type ModelInfo struct {
	Model       Model  `json:"model"`
	Name        string `json:"name"`
	Description string `json:"description"`
	BestFor     string `json:"best_for"`
	Status      string `json:"status"`
}

// Model catalog statuses
const (
	StatusAvailable      = "available"
	StatusUnavailable    = "unavailable"
	StatusNotImplemented = "not_implemented"
)

// Catalog lists every model a request may name along with whether this
// library can run it
func (l *Library) Catalog() []ModelInfo {
	forest := StatusAvailable
	if !l.randomForest {
		forest = StatusUnavailable
	}
	return []ModelInfo{
		{ModelLinearTrend, "Linear Trend", "Least-squares trend over the day index", "Short-term trends with consistent growth", StatusAvailable},
		{ModelSeasonalNaive, "Seasonal Naive", "Repeats the average of the last seasonal cycle", "Products with strong weekly seasonality", StatusAvailable},
		{ModelExponentialSmoothing, "Exponential Smoothing", "Holt linear smoothing of level and trend", "Medium-term forecasting", StatusAvailable},
		{ModelARIMA, "ARIMA", "Autoregressive integrated moving average", "Complex trend and seasonal patterns", StatusNotImplemented},
		{ModelRandomForest, "Random Forest", "Bagged regression trees over calendar and lag features", "Multi-factor forecasting", forest},
		{ModelGradientBoost, "Gradient Boosting", "Boosted regression trees", "Complex non-linear patterns", StatusNotImplemented},
		{ModelEnsemble, "Ensemble", "Weighted blend of linear trend, seasonal naive and random forest", "Robust accuracy across scenarios", StatusAvailable},
	}
}

// Model returns the implementation for m
func (l *Library) Model(m Model) (ForecastModel, error) {
	switch m {
	case ModelLinearTrend:
		return LinearTrend{}, nil
	case ModelSeasonalNaive:
		return SeasonalNaive{}, nil
	case ModelExponentialSmoothing:
		return HoltLinear{}, nil
	case ModelRandomForest:
		if !l.randomForest {
			return nil, fmt.Errorf("%w: random forest regressor is disabled", ErrDependencyUnavailable)
		}
		return RandomForest{}, nil
	case ModelEnsemble:
		return &Ensemble{library: l, logger: l.logger}, nil
	case ModelARIMA, ModelGradientBoost:
		return nil, fmt.Errorf("%w: model %q is not implemented", ErrConfiguration, m)
	default:
		return nil, fmt.Errorf("%w: unknown model %q", ErrConfiguration, m)
	}
}
