package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecast_Counters(t *testing.T) {
	m := New()

	m.RunStarted("ensemble", "product")
	m.EntityOutcome("ensemble", "produced")
	m.EntityOutcome("ensemble", "produced")
	m.EntityOutcome("ensemble", "skipped")
	m.RowsPersisted(60)
	m.AccuracyRecorded("ensemble", "product", 12.5)
	m.ObserveFit("ensemble", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("ensemble", "product")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.entityOutcomes.WithLabelValues("ensemble", "produced")))
	assert.Equal(t, 60.0, testutil.ToFloat64(m.rowsPersisted))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.accuracyMAPE.WithLabelValues("ensemble", "product")))
}

func TestForecast_NilIsNoop(t *testing.T) {
	var m *Forecast
	assert.NotPanics(t, func() {
		m.RunStarted("linear_trend", "brand")
		m.EntityOutcome("linear_trend", "failed")
		m.RowsPersisted(3)
		m.TransactionIngested("accepted")
	})
	assert.Nil(t, m.Registry())
}

func TestForecast_Handler(t *testing.T) {
	m := New()
	m.TransactionIngested("accepted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `forecast_transactions_ingested_total{result="accepted"} 1`))
}
