package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Forecast holds the forecasting service's Prometheus collectors.
// A nil *Forecast is valid and records nothing.
type Forecast struct {
	registry *prometheus.Registry

	runsTotal            *prometheus.CounterVec
	entityOutcomes       *prometheus.CounterVec
	modelFitDuration     *prometheus.HistogramVec
	rowsPersisted        prometheus.Counter
	accuracyEvaluations  *prometheus.CounterVec
	accuracyMAPE         *prometheus.GaugeVec
	transactionsIngested *prometheus.CounterVec
}

// New registers the forecasting collectors on a fresh registry
func New() *Forecast {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the forecasting collectors on reg
func NewWithRegistry(reg *prometheus.Registry) *Forecast {
	factory := promauto.With(reg)

	return &Forecast{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_runs_total",
				Help: "Forecast runs started, by model and level",
			},
			[]string{"model", "level"},
		),
		entityOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_entities_total",
				Help: "Per-entity forecast outcomes (produced, skipped, failed)",
			},
			[]string{"model", "status"},
		),
		modelFitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forecast_model_fit_seconds",
				Help:    "Time spent fitting and predicting one entity",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"model"},
		),
		rowsPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forecast_rows_persisted_total",
				Help: "Forecast rows written to the repository",
			},
		),
		accuracyEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_accuracy_evaluations_total",
				Help: "Accuracy records produced, by model",
			},
			[]string{"model"},
		),
		accuracyMAPE: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forecast_accuracy_mape",
				Help: "Most recent MAPE (percent) by model and level",
			},
			[]string{"model", "level"},
		),
		transactionsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_transactions_ingested_total",
				Help: "Sale transactions by ingestion result (accepted, rejected, stored, failed)",
			},
			[]string{"result"},
		),
	}
}

// Registry exposes the underlying registry
func (m *Forecast) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Forecast) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Forecast) RunStarted(model, level string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(model, level).Inc()
}

// EntityOutcome records one entity's result; status is produced, skipped or failed
func (m *Forecast) EntityOutcome(model, status string) {
	if m == nil {
		return
	}
	m.entityOutcomes.WithLabelValues(model, status).Inc()
}

func (m *Forecast) ObserveFit(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelFitDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Forecast) RowsPersisted(n int) {
	if m == nil {
		return
	}
	m.rowsPersisted.Add(float64(n))
}

func (m *Forecast) AccuracyRecorded(model, level string, mape float64) {
	if m == nil {
		return
	}
	m.accuracyEvaluations.WithLabelValues(model).Inc()
	m.accuracyMAPE.WithLabelValues(model, level).Set(mape)
}

// TransactionIngested records an ingestion result
func (m *Forecast) TransactionIngested(result string) {
	if m == nil {
		return
	}
	m.transactionsIngested.WithLabelValues(result).Inc()
}
