package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sales-forecast-engine/analytics"
	"sales-forecast-engine/analytics/ml"
	"sales-forecast-engine/ingestion"
	"sales-forecast-engine/metrics"
	"sales-forecast-engine/storage"
)

var testNow = time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

type testEnv struct {
	server    *Server
	store     *storage.MemoryStore
	processor *ingestion.TransactionProcessor
	product   uuid.UUID
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore(nil, storage.WithClock(testClock))
	t.Cleanup(func() { store.Close() })

	product := uuid.New()
	price := decimal.NewFromInt(20)
	for d := 0; d < 120; d++ {
		for k := 0; k < 3+(d*5)%7; k++ {
			require.NoError(t, store.AddTransaction(context.Background(), storage.Transaction{
				ProductID:       product,
				Status:          storage.StatusCompleted,
				SalePrice:       &price,
				NetRevenue:      price,
				TransactionDate: testNow.AddDate(0, 0, -d).Add(time.Duration(k) * time.Minute),
			}))
		}
	}

	m := metrics.New()
	engine := analytics.NewForecastEngine(store, ml.NewLibrary(ml.WithRandomForest(false)),
		analytics.WithClock(testClock), analytics.WithMetrics(m))

	validator := ingestion.NewTransactionValidator()
	validator.SetClock(testClock)
	processor := ingestion.NewTransactionProcessor(store, validator, ingestion.ProcessorConfig{
		BufferSize: 10, BatchSize: 10, FlushInterval: time.Hour,
	}, nil, m)
	require.NoError(t, processor.Start(context.Background()))
	t.Cleanup(processor.Stop)

	defaults := ml.DefaultForecastConfig()
	defaults.Model = ml.ModelLinearTrend
	opts = append([]ServerOption{WithMetrics(m), WithDefaults(defaults)}, opts...)

	return &testEnv{
		server:    NewServer(engine, store, processor, opts...),
		store:     store,
		processor: processor,
		product:   product,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func (e *testEnv) generate(t *testing.T) analytics.ForecastRun {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/forecasts", map[string]interface{}{
		"entity_ids": []uuid.UUID{e.product},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var run analytics.ForecastRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	return run
}

func TestGenerateAndFetchForecast(t *testing.T) {
	env := newTestEnv(t)
	run := env.generate(t)

	require.Len(t, run.Results, 1)
	// request omitted the config, so the server defaults apply
	assert.Equal(t, ml.ModelLinearTrend, run.Config.Model)
	assert.Len(t, run.Results[0].Predictions, 30)

	rec := env.do(t, http.MethodGet, "/api/v1/forecasts/"+run.ID.String()+"?level=product", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ForecastRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, run.ID, resp.RunID)
	assert.Equal(t, 30, resp.Count)
	assert.False(t, resp.Archived)

	rec = env.do(t, http.MethodGet, "/api/v1/forecasts/"+run.ID.String()+"?level=brand", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateForecasts_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"invalid json", `{"config":`, http.StatusBadRequest},
		{"unknown model", map[string]interface{}{"config": map[string]interface{}{"model": "prophet"}}, http.StatusUnprocessableEntity},
		{"unimplemented model", map[string]interface{}{"config": map[string]interface{}{"model": "arima"}}, http.StatusUnprocessableEntity},
		{"forest disabled", map[string]interface{}{"config": map[string]interface{}{"model": "random_forest"}}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/forecasts", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestGetForecastRun_NotFoundAndBadID(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/forecasts/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/forecasts/not-a-uuid", nil).Code)
}

func TestGetForecastRun_ArchiveFallback(t *testing.T) {
	archive, err := storage.NewRunArchive(t.TempDir(), 0, 24*time.Hour)
	require.NoError(t, err)
	env := newTestEnv(t, WithArchive(archive))

	runID, product := uuid.New(), uuid.New()
	row := storage.ForecastRow{
		ForecastDate:    testNow.AddDate(0, 0, 1),
		ForecastHorizon: storage.AggregationDaily,
		ForecastedUnits: decimal.NewFromInt(4),
		ModelName:       "linear_trend",
	}
	row.SetEntity(storage.EntityProduct, product)
	require.NoError(t, archive.ArchiveRun(runID, []storage.ForecastRow{row}))

	rec := env.do(t, http.MethodGet, "/api/v1/forecasts/"+runID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ForecastRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Archived)
	assert.Equal(t, 1, resp.Count)
}

func TestLatestForecasts(t *testing.T) {
	env := newTestEnv(t)
	env.generate(t)
	env.generate(t)

	var resp struct {
		Rows  []storage.ForecastRow `json:"rows"`
		Count int                   `json:"count"`
	}

	rec := env.do(t, http.MethodGet, "/api/v1/forecasts/latest?level=product&horizon=daily&days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// two runs, one row per day for a week
	assert.Equal(t, 14, resp.Count)
	for i := 1; i < len(resp.Rows); i++ {
		assert.False(t, resp.Rows[i].ForecastDate.Before(resp.Rows[i-1].ForecastDate))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/forecasts/latest?entity_id="+env.product.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 60, resp.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/forecasts/latest?entity_id="+uuid.NewString(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)

	for _, query := range []string{"level=shelf", "horizon=hourly", "days=-1", "days=x", "entity_id=nope"} {
		rec = env.do(t, http.MethodGet, "/api/v1/forecasts/latest?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Models []ml.ModelInfo `json:"models"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Count)

	statuses := make(map[ml.Model]string)
	for _, m := range resp.Models {
		statuses[m.Model] = m.Status
	}
	assert.Equal(t, ml.StatusAvailable, statuses[ml.ModelLinearTrend])
	assert.Equal(t, ml.StatusUnavailable, statuses[ml.ModelRandomForest])
	assert.Equal(t, ml.StatusNotImplemented, statuses[ml.ModelARIMA])
	assert.Equal(t, ml.StatusNotImplemented, statuses[ml.ModelGradientBoost])
}

func TestForecastAccuracy(t *testing.T) {
	env := newTestEnv(t)
	run := env.generate(t)
	first := run.Results[0].Predictions[0]

	actuals := []analytics.ActualSale{{EntityID: env.product, Date: first.ForecastDate, UnitsSold: 5}}

	rec := env.do(t, http.MethodPost, "/api/v1/forecasts/"+run.ID.String()+"/accuracy", AccuracyRequest{Actuals: actuals})
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1.0, result["records_evaluated"])

	rec = env.do(t, http.MethodPost, "/api/v1/forecasts/"+run.ID.String()+"/accuracy", AccuracyRequest{Actuals: actuals, Record: true, EvaluationPeriodDays: 7})
	require.Equal(t, http.StatusOK, rec.Code)
	var recorded struct {
		Count   int                      `json:"count"`
		Records []storage.AccuracyRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recorded))
	require.Equal(t, 1, recorded.Count)
	assert.Equal(t, 7, recorded.Records[0].EvaluationPeriodDays)

	rec = env.do(t, http.MethodGet, "/api/v1/accuracy?model=linear_trend&days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/accuracy", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/accuracy?model=linear_trend&days=-1", nil).Code)
}

func TestCalendarFeatures(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/features/calendar?start=2024-12-24&end=2024-12-26", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Features []storage.CalendarFeature `json:"features"`
		Count    int                       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)
	assert.False(t, resp.Features[0].IsHoliday)
	assert.True(t, resp.Features[1].IsHoliday)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/features/calendar?start=24/12/2024", nil).Code)
}

func TestIngestTransactions(t *testing.T) {
	env := newTestEnv(t)
	product := uuid.New()
	valid := fmt.Sprintf(`{"product_id":%q,"status":"completed","sale_price":"12","net_revenue":"10","transaction_date":"2024-06-15T09:00:00Z"}`, product)

	assert.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/v1/transactions", valid).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, http.MethodPost, "/api/v1/transactions", `{"status":"completed"}`).Code)

	rec := env.do(t, http.MethodPost, "/api/v1/transactions/batch", "["+valid+`,{"status":""}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var result ingestion.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Rejected)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/transactions/batch", `[]`).Code)

	env.processor.Flush(context.Background())
	entities, err := env.store.ListForecastableEntities(context.Background(), storage.EntityProduct, 30)
	require.NoError(t, err)
	assert.Contains(t, entities, product)

	rec = env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_ingested":2`)

	env.processor.Stop()
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/api/v1/transactions", valid).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/health", nil).Code)
}

func TestSystemEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.generate(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "forecast_runs_total"))

	rec = env.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sales Forecast Engine")

	rec = env.do(t, http.MethodOptions, "/api/v1/forecasts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrap: %w", storage.ErrNotFound), http.StatusNotFound},
		{storage.ErrInvalidArgument, http.StatusBadRequest},
		{ml.ErrConfiguration, http.StatusUnprocessableEntity},
		{ingestion.ErrValidation, http.StatusUnprocessableEntity},
		{ml.ErrDependencyUnavailable, http.StatusServiceUnavailable},
		{analytics.ErrPersistence, http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}
