package shap

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/ml/forest"
)

// conditional is the path-dependent expectation of the tree output when only
// the features in known are fixed to x.
func conditional(tree *forest.Tree, x []float64, known map[int]bool, node int) float64 {
	n := tree.Nodes[node]
	if n.IsLeaf() {
		return n.Value
	}
	if known[n.Feature] {
		if x[n.Feature] <= n.Threshold {
			return conditional(tree, x, known, n.Left)
		}
		return conditional(tree, x, known, n.Right)
	}
	l, r := tree.Nodes[n.Left], tree.Nodes[n.Right]
	return (l.Cover*conditional(tree, x, known, n.Left) + r.Cover*conditional(tree, x, known, n.Right)) / n.Cover
}

// bruteForce enumerates every coalition to compute exact Shapley values.
func bruteForce(tree *forest.Tree, x []float64, p int) []float64 {
	phi := make([]float64, p)
	fact := func(k int) float64 {
		r := 1.0
		for i := 2; i <= k; i++ {
			r *= float64(i)
		}
		return r
	}
	for mask := 0; mask < 1<<p; mask++ {
		known := map[int]bool{}
		size := 0
		for j := 0; j < p; j++ {
			if mask&(1<<j) != 0 {
				known[j] = true
				size++
			}
		}
		base := conditional(tree, x, known, 0)
		for j := 0; j < p; j++ {
			if known[j] {
				continue
			}
			known[j] = true
			with := conditional(tree, x, known, 0)
			delete(known, j)
			weight := fact(size) * fact(p-size-1) / fact(p)
			phi[j] += weight * (with - base)
		}
	}
	return phi
}

func trainForest(t *testing.T, p int) (*forest.Forest, [][]float64) {
	t.Helper()
	rng := rand.New(rand.NewSource(17))
	x := make([][]float64, 120)
	y := make([]int, len(x))
	for i := range x {
		x[i] = make([]float64, p)
		for j := range x[i] {
			x[i][j] = math.Round(rng.Float64() * 10)
		}
		if x[i][0]+x[i][1] > 10 || (p > 2 && x[i][2] > 8) {
			y[i] = 1
		}
	}
	f, err := forest.Fit(context.Background(), x, y, forest.Options{Trees: 6, MaxDepth: 5, MaxFeatures: p, Seed: 5})
	require.NoError(t, err)
	return f, x
}

func TestTreeValuesMatchBruteForce(t *testing.T) {
	f, x := trainForest(t, 4)
	for ti := range f.Trees {
		tree := &f.Trees[ti]
		for _, sample := range x[:15] {
			got := TreeValues(tree, sample, 4)
			want := bruteForce(tree, sample, 4)
			for j := range want {
				assert.InDelta(t, want[j], got[j], 1e-9, "tree %d feature %d", ti, j)
			}
		}
	}
}

func TestTreeValuesReconstructPrediction(t *testing.T) {
	f, x := trainForest(t, 3)
	for ti := range f.Trees {
		tree := &f.Trees[ti]
		for _, sample := range x {
			phi := TreeValues(tree, sample, 3)
			sum := ExpectedValue(tree)
			for _, v := range phi {
				sum += v
			}
			assert.InDelta(t, tree.Predict(sample), sum, 1e-9)
		}
	}
}

func TestForestValuesReconstructPrediction(t *testing.T) {
	f, x := trainForest(t, 3)
	for _, sample := range x {
		phi, base := ForestValues(f, sample)
		sum := base
		for _, v := range phi {
			sum += v
		}
		assert.InDelta(t, f.Predict(sample), sum, 1e-6)
	}
}

func TestExpectedValueOfHandBuiltTree(t *testing.T) {
	tree := &forest.Tree{Nodes: []forest.Node{
		{Feature: 0, Threshold: 5, Left: 1, Right: 2, Value: 0.25, Cover: 4},
		{Feature: -1, Value: 0, Cover: 3},
		{Feature: -1, Value: 1, Cover: 1},
	}}
	assert.InDelta(t, 0.25, ExpectedValue(tree), 1e-12)

	phi := TreeValues(tree, []float64{7, 0}, 2)
	assert.InDelta(t, 0.75, phi[0], 1e-12)
	assert.Equal(t, 0.0, phi[1])

	phi = TreeValues(tree, []float64{1, 0}, 2)
	assert.InDelta(t, -0.25, phi[0], 1e-12)
}

func TestSingleLeafTree(t *testing.T) {
	tree := &forest.Tree{Nodes: []forest.Node{{Feature: -1, Value: 0.4, Cover: 10}}}
	assert.Equal(t, []float64{0, 0}, TreeValues(tree, []float64{1, 2}, 2))
	assert.Equal(t, 0.4, ExpectedValue(tree))
}
