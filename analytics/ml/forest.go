package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	randomForestMinRows = 20
	forestSeed          = 42
	forestSplitRows     = 50
	forestHoldout       = 5
	forestTestFraction  = 0.2
)

// RandomForest is a bagged ensemble of regression trees over the ML feature table.
//
// Multi-step forecasts are produced autoregressively from the last observed feature
// row, advancing only the trend feature per step. Lag and rolling features are held
// at their last observed values for the whole horizon.
type RandomForest struct{}

func (RandomForest) Name() Model { return ModelRandomForest }

type forestParams struct {
	trees int
	tree  treeParams
	seed  int64
}

type forest struct {
	trees      []*regressionTree
	importance []float64
}

func (RandomForest) Forecast(frame *Frame, cfg ForecastConfig) (Output, error) {
	n := frame.Len()
	if n < randomForestMinRows {
		return Output{}, fmt.Errorf("%w: random forest needs %d rows, got %d", ErrInsufficientData, randomForestMinRows, n)
	}

	params, err := randomForestParams(cfg)
	if err != nil {
		return Output{}, err
	}

	table := BuildMLFeatures(frame, cfg)
	columns := featureColumns(table)
	if len(columns) == 0 {
		return Output{}, fmt.Errorf("%w: no features available for random forest", ErrInsufficientData)
	}

	X := table.Matrix(columns)
	y := table.Column("units_sold")

	rng := rand.New(rand.NewSource(params.seed))
	trainIdx, testIdx := trainTestSplit(rng, n)

	model := fitForest(rng, X, y, trainIdx, params, len(columns))

	alpha := 1 - cfg.ConfidenceLevel
	trendCol := -1
	for i, c := range columns {
		if strings.Contains(c, "trend") {
			trendCol = i
			break
		}
	}

	row := append([]float64(nil), X[n-1]...)
	predictions := make([]float64, cfg.PredictionDays)
	intervals := make([]Interval, cfg.PredictionDays)
	for step := range predictions {
		perTree := model.treePredictions(row)
		predictions[step] = math.Max(0, stat.Mean(perTree, nil))

		for i, p := range perTree {
			perTree[i] = math.Max(0, p)
		}
		sort.Float64s(perTree)
		intervals[step] = Interval{
			Lower: percentile(perTree, 100*alpha/2),
			Upper: percentile(perTree, 100*(1-alpha/2)),
		}

		if trendCol >= 0 {
			row[trendCol]++
		}
	}

	actual := make([]float64, len(testIdx))
	predicted := make([]float64, len(testIdx))
	for i, r := range testIdx {
		actual[i] = y[r]
		predicted[i] = model.predict(X[r])
	}
	mae, rmse, r2 := regressionMetrics(actual, predicted)

	importance := make(map[string]float64, len(columns))
	for i, c := range columns {
		importance[c] = model.importance[i]
	}

	return Output{
		Predictions: predictions,
		Intervals:   intervals,
		Metrics: map[string]float64{
			"r2_score": r2,
			"mae":      mae,
			"rmse":     rmse,
		},
		FeatureImportance: importance,
		Warnings:          []string{"lag and rolling features are held at their last observed values across the horizon"},
	}, nil
}

func randomForestParams(cfg ForecastConfig) (forestParams, error) {
	p := forestParams{
		trees: int(cfg.hyperparameter("n_estimators", 100)),
		tree: treeParams{
			maxDepth:        int(cfg.hyperparameter("max_depth", 10)),
			minSamplesSplit: int(cfg.hyperparameter("min_samples_split", 5)),
		},
		seed: int64(cfg.hyperparameter("random_state", forestSeed)),
	}
	if p.trees < 1 || p.tree.maxDepth < 1 || p.tree.minSamplesSplit < 2 {
		return p, fmt.Errorf("%w: random forest needs n_estimators>=1, max_depth>=1, min_samples_split>=2", ErrConfiguration)
	}
	return p, nil
}

// featureColumns is every column except the target
func featureColumns(table *Frame) []string {
	var cols []string
	for _, c := range table.Columns() {
		if c == "units_sold" {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// trainTestSplit shuffles an 80/20 split for long series; short series train on
// everything and evaluate on the last rows
func trainTestSplit(rng *rand.Rand, n int) (train, test []int) {
	if n > forestSplitRows {
		perm := rng.Perm(n)
		testSize := int(math.Ceil(forestTestFraction * float64(n)))
		return perm[testSize:], perm[:testSize]
	}

	train = make([]int, n)
	for i := range train {
		train[i] = i
	}
	holdout := forestHoldout
	if holdout > n {
		holdout = n
	}
	return train, train[n-holdout:]
}

func fitForest(rng *rand.Rand, X [][]float64, y []float64, rows []int, params forestParams, features int) *forest {
	f := &forest{
		trees:      make([]*regressionTree, params.trees),
		importance: make([]float64, features),
	}

	for t := range f.trees {
		sample := make([]int, len(rows))
		for i, j := range bootstrap(rng, len(rows)) {
			sample[i] = rows[j]
		}

		gains := make([]float64, features)
		f.trees[t] = growTree(X, y, sample, params.tree, gains)

		total := floats.Sum(gains)
		if total <= 0 {
			continue
		}
		for i, g := range gains {
			f.importance[i] += g / total
		}
	}

	if total := floats.Sum(f.importance); total > 0 {
		for i := range f.importance {
			f.importance[i] /= total
		}
	}
	return f
}

func (f *forest) treePredictions(x []float64) []float64 {
	out := make([]float64, len(f.trees))
	for i, t := range f.trees {
		out[i] = t.predict(x)
	}
	return out
}

func (f *forest) predict(x []float64) float64 {
	return stat.Mean(f.treePredictions(x), nil)
}
