package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"sales-forecast-engine/analytics"
	"sales-forecast-engine/analytics/ml"
	"sales-forecast-engine/ingestion"
	"sales-forecast-engine/storage"
)

func newGenerateCmd(opts *cliOptions) *cobra.Command {
	var (
		model      string
		horizon    string
		level      string
		days       int
		confidence float64
		minHistory int
		entities   []string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a forecast run",
		Example: `  forecast-cli generate --model ensemble --level product --days 30
  forecast-cli generate --model linear_trend --entity 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(entities))
			for _, e := range entities {
				id, err := uuid.Parse(e)
				if err != nil {
					return fmt.Errorf("invalid entity id %q: %w", e, err)
				}
				ids = append(ids, id)
			}

			// fields left at zero fall back to the server defaults
			config := map[string]interface{}{}
			if model != "" {
				config["model"] = model
			}
			if horizon != "" {
				config["horizon"] = horizon
			}
			if level != "" {
				config["level"] = level
			}
			if days > 0 {
				config["prediction_days"] = days
			}
			if confidence > 0 {
				config["confidence_level"] = confidence
			}
			if minHistory > 0 {
				config["min_history_days"] = minHistory
			}

			var run analytics.ForecastRun
			raw, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/forecasts",
				map[string]interface{}{"config": config, "entity_ids": ids}, &run)
			if err != nil {
				return fmt.Errorf("forecast generation failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (%s, %s, %s)\n", run.ID, run.Config.Model, run.Config.Level, run.Config.Horizon)
			fmt.Fprintf(out, "Entities: %d requested, %d forecast, %d skipped\n", run.Requested, len(run.Results), len(run.Skipped))
			for _, r := range run.Results {
				total := decimal.Zero
				for _, p := range r.Predictions {
					total = total.Add(p.ForecastedUnits)
				}
				fmt.Fprintf(out, "  %s  %-14s %3d steps  %s units\n", r.EntityID, r.ModelName, len(r.Predictions), total.StringFixed(2))
			}
			printVerbose(cmd, opts, raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model name (linear_trend, seasonal_naive, exponential_smoothing, random_forest, ensemble)")
	cmd.Flags().StringVar(&horizon, "horizon", "", "Forecast horizon (daily, weekly, monthly)")
	cmd.Flags().StringVar(&level, "level", "", "Entity level (product, brand, category, platform)")
	cmd.Flags().IntVar(&days, "days", 0, "Number of steps to predict")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "Confidence level in (0,1)")
	cmd.Flags().IntVar(&minHistory, "min-history", 0, "Minimum history in days")
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "Entity id to forecast (repeatable; default all forecastable)")
	return cmd
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "run <run_id>",
		Short: "Show the persisted rows of a forecast run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/forecasts/" + url.PathEscape(args[0])
			if level != "" {
				path += "?level=" + url.QueryEscape(level)
			}

			var resp struct {
				RunID    uuid.UUID             `json:"run_id"`
				Rows     []storage.ForecastRow `json:"rows"`
				Count    int                   `json:"count"`
				Archived bool                  `json:"archived"`
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			source := "store"
			if resp.Archived {
				source = "archive"
			}
			fmt.Fprintf(out, "Run %s: %d rows (%s)\n", resp.RunID, resp.Count, source)
			for _, row := range resp.Rows {
				fmt.Fprintf(out, "  %s  %s  %-14s units=%s revenue=%s [%s, %s]\n",
					row.ForecastDate.Format(time.DateOnly), row.EntityID(), row.ModelName,
					row.ForecastedUnits.StringFixed(2), row.ForecastedRevenue.StringFixed(2),
					row.ConfidenceLower.StringFixed(2), row.ConfidenceUpper.StringFixed(2))
			}
			printVerbose(cmd, opts, raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "Only rows of this level")
	return cmd
}

func newAccuracyCmd(opts *cliOptions) *cobra.Command {
	var (
		actualsFile string
		record      bool
		period      int
	)

	cmd := &cobra.Command{
		Use:   "accuracy <run_id>",
		Short: "Score a forecast run against actual sales",
		Long: `Reads a JSON array of {"entity_id", "date", "units_sold"} objects and
compares it with the run's predictions. With --record, one accuracy record per
model is stored on the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actualsFile == "" {
				return errors.New("--actuals is required")
			}
			data, err := os.ReadFile(actualsFile)
			if err != nil {
				return fmt.Errorf("failed to read actuals: %w", err)
			}
			var actuals []analytics.ActualSale
			if err := json.Unmarshal(data, &actuals); err != nil {
				return fmt.Errorf("failed to parse actuals: %w", err)
			}

			path := "/api/v1/forecasts/" + url.PathEscape(args[0]) + "/accuracy"
			body := map[string]interface{}{
				"actuals":                actuals,
				"record":                 record,
				"evaluation_period_days": period,
			}
			out := cmd.OutOrStdout()

			if !record {
				var result map[string]float64
				raw, err := opts.client().do(cmd.Context(), http.MethodPost, path, body, &result)
				if err != nil {
					return err
				}
				if len(result) == 0 {
					fmt.Fprintln(out, "No forecast rows matched the actuals")
					return nil
				}
				fmt.Fprintf(out, "MAE=%.3f MAPE=%.2f%% RMSE=%.3f R2=%.3f bias=%.3f (n=%.0f)\n",
					result["mae"], result["mape"], result["rmse"], result["r2"], result["bias"], result["records_evaluated"])
				printVerbose(cmd, opts, raw)
				return nil
			}

			var resp struct {
				Records []storage.AccuracyRecord `json:"records"`
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodPost, path, body, &resp)
			if err != nil {
				return err
			}
			printAccuracyRecords(cmd, resp.Records)
			printVerbose(cmd, opts, raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&actualsFile, "actuals", "", "JSON file with actual sales")
	cmd.Flags().BoolVar(&record, "record", false, "Store accuracy records per model")
	cmd.Flags().IntVar(&period, "period", 30, "Evaluation period in days")
	return cmd
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var (
		model   string
		level   string
		horizon string
		days    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded accuracy for a model",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("model", model)
			q.Set("days", strconv.Itoa(days))
			if level != "" {
				q.Set("level", level)
			}
			if horizon != "" {
				q.Set("horizon", horizon)
			}

			var resp struct {
				Records []storage.AccuracyRecord `json:"records"`
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/accuracy?"+q.Encode(), nil, &resp)
			if err != nil {
				return err
			}
			if len(resp.Records) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No accuracy records for %s in the last %d days\n", model, days)
				return nil
			}
			printAccuracyRecords(cmd, resp.Records)
			printVerbose(cmd, opts, raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", string(ml.ModelEnsemble), "Model name")
	cmd.Flags().StringVar(&level, "level", "", "Entity level")
	cmd.Flags().StringVar(&horizon, "horizon", "", "Forecast horizon")
	cmd.Flags().IntVar(&days, "days", 30, "Days of history")
	return cmd
}

func newLatestCmd(opts *cliOptions) *cobra.Command {
	var (
		level   string
		horizon string
		entity  string
		days    int
	)

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "List upcoming forecasts across runs",
		Example: `  forecast-cli latest --level product --horizon daily --days 14
  forecast-cli latest --entity 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("days", strconv.Itoa(days))
			if level != "" {
				q.Set("level", level)
			}
			if horizon != "" {
				q.Set("horizon", horizon)
			}
			if entity != "" {
				if _, err := uuid.Parse(entity); err != nil {
					return fmt.Errorf("invalid entity id %q: %w", entity, err)
				}
				q.Set("entity_id", entity)
			}

			var resp struct {
				Rows []storage.ForecastRow `json:"rows"`
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/forecasts/latest?"+q.Encode(), nil, &resp)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Rows) == 0 {
				fmt.Fprintln(out, "No forecasts found matching criteria")
				return nil
			}

			perEntity := make(map[uuid.UUID]int)
			for _, row := range resp.Rows {
				perEntity[row.EntityID()]++
			}
			fmt.Fprintf(out, "Found %d forecasts for %d entities\n", len(resp.Rows), len(perEntity))
			for _, row := range resp.Rows {
				fmt.Fprintf(out, "%s  %s  %-14s units=%s [%s, %s]\n",
					row.ForecastDate.Format(time.DateOnly), row.EntityID(), row.ModelName,
					row.ForecastedUnits.StringFixed(2), row.ConfidenceLower.StringFixed(2), row.ConfidenceUpper.StringFixed(2))
			}
			printVerbose(cmd, opts, raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "Entity level")
	cmd.Flags().StringVar(&horizon, "horizon", "", "Forecast horizon")
	cmd.Flags().StringVar(&entity, "entity", "", "Only this entity")
	cmd.Flags().IntVar(&days, "days", 30, "Days ahead to include")
	return cmd
}

func newModelsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List forecasting models and their availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Models []ml.ModelInfo `json:"models"`
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/models", nil, &resp)
			if err != nil {
				return err
			}
			for _, m := range resp.Models {
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %-16s %s\n", m.Model, m.Status, m.Description)
			}
			printVerbose(cmd, opts, raw)
			return nil
		},
	}
}

func printAccuracyRecords(cmd *cobra.Command, records []storage.AccuracyRecord) {
	out := cmd.OutOrStdout()
	for _, r := range records {
		fmt.Fprintf(out, "%s  %-14s %-8s %-7s MAPE=%.2f%% RMSE=%.3f MAE=%.3f R2=%.3f n=%d\n",
			r.AccuracyDate.Format(time.DateOnly), r.ModelName, r.ForecastLevel, r.ForecastHorizon,
			r.MAPE, r.RMSE, r.MAE, r.R2, r.RecordsEvaluated)
	}
}

func newHealthCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health struct {
				Status   string            `json:"status"`
				Uptime   string            `json:"uptime"`
				Services map[string]string `json:"services"`
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, &health)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
				// degraded servers still describe their services
				if jsonErr := json.Unmarshal(raw, &health); jsonErr != nil {
					return err
				}
			} else if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s (uptime %s)\n", health.Status, health.Uptime)
			for name, status := range health.Services {
				fmt.Fprintf(out, "  %-10s %s\n", name, status)
			}
			if health.Status != "healthy" {
				return errors.New("server is not healthy")
			}
			return nil
		},
	}
}

func newDemoCmd(opts *cliOptions) *cobra.Command {
	var (
		products int
		days     int
		seed     int64
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Ingest synthetic sales history for a few products",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			rng := rand.New(rand.NewSource(seed))
			now := time.Now().UTC()
			c := opts.client()

			fmt.Fprintf(out, "Generating %d products with %d days of sales\n", products, days)
			for p := 0; p < products; p++ {
				product := uuid.New()
				base := 2 + rng.Float64()*6
				price := decimal.NewFromFloat(15 + rng.Float64()*60).Round(2)

				var batch []storage.Transaction
				for d := days; d >= 1; d-- {
					// weekly cycle plus a gentle upward trend
					weekly := 1.5 * math.Sin(float64(d)*2*math.Pi/7)
					trend := float64(days-d) * 0.02
					units := int(math.Max(0, math.Round(base+weekly+trend+rng.NormFloat64())))

					day := now.AddDate(0, 0, -d)
					for u := 0; u < units; u++ {
						salePrice := price
						batch = append(batch, storage.Transaction{
							ProductID:       product,
							Status:          storage.StatusCompleted,
							SalePrice:       &salePrice,
							NetRevenue:      price.Mul(decimal.NewFromFloat(0.87)).Round(2),
							TransactionDate: day.Add(time.Duration(u) * time.Minute),
						})
					}
				}

				var result ingestion.BatchResult
				if _, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/transactions/batch", batch, &result); err != nil {
					return fmt.Errorf("failed to ingest demo sales: %w", err)
				}
				fmt.Fprintf(out, "  %s: %d sales accepted, %d rejected\n", product, result.Accepted, result.Rejected)
			}

			fmt.Fprintln(out, "\nTry:")
			fmt.Fprintln(out, "  forecast-cli generate --model ensemble")
			return nil
		},
	}
	cmd.Flags().IntVar(&products, "products", 3, "Number of products")
	cmd.Flags().IntVar(&days, "days", 180, "Days of history per product")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	return cmd
}
