package ml

import (
	"math/rand"
	"sort"
)

// regressionTree is a CART tree minimising squared error, stored as a flat node slice
type regressionTree struct {
	nodes []treeNode
}

type treeNode struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	left      int
	right     int
}

type treeParams struct {
	maxDepth        int
	minSamplesSplit int
}

type split struct {
	feature   int
	threshold float64
	gain      float64
	left      []int
	right     []int
}

// growTree fits a tree on the rows of X selected by idx and adds each split's
// squared-error reduction to importance
func growTree(X [][]float64, y []float64, idx []int, params treeParams, importance []float64) *regressionTree {
	t := &regressionTree{}
	t.build(X, y, idx, 0, params, importance)
	return t
}

func (t *regressionTree) build(X [][]float64, y []float64, idx []int, depth int, params treeParams, importance []float64) int {
	id := len(t.nodes)
	t.nodes = append(t.nodes, treeNode{leaf: true, value: meanAt(y, idx)})

	if depth >= params.maxDepth || len(idx) < params.minSamplesSplit {
		return id
	}

	best, ok := bestSplit(X, y, idx)
	if !ok {
		return id
	}
	importance[best.feature] += best.gain

	left := t.build(X, y, best.left, depth+1, params, importance)
	right := t.build(X, y, best.right, depth+1, params, importance)

	node := &t.nodes[id]
	node.leaf = false
	node.feature = best.feature
	node.threshold = best.threshold
	node.left = left
	node.right = right
	return id
}

func (t *regressionTree) predict(x []float64) float64 {
	i := 0
	for {
		node := t.nodes[i]
		if node.leaf {
			return node.value
		}
		if x[node.feature] <= node.threshold {
			i = node.left
		} else {
			i = node.right
		}
	}
}

// bestSplit scans every feature for the threshold with the largest squared-error reduction
func bestSplit(X [][]float64, y []float64, idx []int) (split, bool) {
	n := len(idx)
	var sum, sumSq float64
	for _, i := range idx {
		sum += y[i]
		sumSq += y[i] * y[i]
	}
	parentSSE := sumSq - sum*sum/float64(n)

	best := split{gain: 1e-12}
	found := false
	bestPos := 0
	var bestOrder []int

	order := make([]int, n)
	features := len(X[idx[0]])
	for f := 0; f < features; f++ {
		copy(order, idx)
		sort.SliceStable(order, func(a, b int) bool {
			return X[order[a]][f] < X[order[b]][f]
		})

		var leftSum, leftSq float64
		for k := 1; k < n; k++ {
			prev := order[k-1]
			leftSum += y[prev]
			leftSq += y[prev] * y[prev]

			lo, hi := X[prev][f], X[order[k]][f]
			if lo == hi {
				continue
			}

			rightSum := sum - leftSum
			rightSq := sumSq - leftSq
			leftSSE := leftSq - leftSum*leftSum/float64(k)
			rightSSE := rightSq - rightSum*rightSum/float64(n-k)
			gain := parentSSE - leftSSE - rightSSE

			if gain > best.gain {
				best.gain = gain
				best.feature = f
				best.threshold = lo + (hi-lo)/2
				bestPos = k
				bestOrder = append(bestOrder[:0], order...)
				found = true
			}
		}
	}

	if !found {
		return split{}, false
	}
	best.left = append([]int(nil), bestOrder[:bestPos]...)
	best.right = append([]int(nil), bestOrder[bestPos:]...)
	return best, true
}

func meanAt(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var sum float64
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}

func bootstrap(rng *rand.Rand, n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = rng.Intn(n)
	}
	return idx
}
