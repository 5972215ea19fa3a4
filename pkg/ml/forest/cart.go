package forest

import (
	"math/rand"
	"sort"
)

type treeParams struct {
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int
}

type treeBuilder struct {
	params treeParams
	x      [][]float64
	y      []int
	rng    *rand.Rand
	nodes  []Node
}

// growTree fits one CART tree on the given sample indices. Indices may repeat
// (bootstrap); each repetition counts toward node covers.
func growTree(x [][]float64, y []int, samples []int, params treeParams, rng *rand.Rand) Tree {
	b := &treeBuilder{params: params, x: x, y: y, rng: rng}
	b.build(samples, 0)
	return Tree{Nodes: b.nodes}
}

func (b *treeBuilder) leaf(samples []int) Node {
	pos := 0
	for _, s := range samples {
		pos += b.y[s]
	}
	return Node{Feature: -1, Value: float64(pos) / float64(len(samples)), Cover: float64(len(samples))}
}

func (b *treeBuilder) build(samples []int, depth int) int {
	idx := len(b.nodes)
	node := b.leaf(samples)
	b.nodes = append(b.nodes, node)

	if depth >= b.params.maxDepth || len(samples) < b.params.minSamplesSplit || node.Value == 0 || node.Value == 1 {
		return idx
	}
	feature, threshold, ok := b.bestSplit(samples)
	if !ok {
		return idx
	}

	var left, right []int
	for _, s := range samples {
		if b.x[s][feature] <= threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	if len(left) == 0 || len(right) == 0 {
		return idx
	}
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[idx].Feature = feature
	b.nodes[idx].Threshold = threshold
	b.nodes[idx].Left = l
	b.nodes[idx].Right = r
	return idx
}

func gini(pos, total float64) float64 {
	if total == 0 {
		return 0
	}
	p := pos / total
	return 2 * p * (1 - p)
}

// bestSplit scans a random subset of features for the threshold minimizing
// weighted Gini impurity. Thresholds are midpoints between distinct sorted
// values.
func (b *treeBuilder) bestSplit(samples []int) (int, float64, bool) {
	nFeatures := len(b.x[0])
	candidates := b.rng.Perm(nFeatures)[:b.params.maxFeatures]

	total := float64(len(samples))
	totalPos := 0.0
	for _, s := range samples {
		totalPos += float64(b.y[s])
	}
	bestScore := gini(totalPos, total)
	bestFeature, bestThreshold, found := -1, 0.0, false

	sorted := make([]int, len(samples))
	for _, f := range candidates {
		copy(sorted, samples)
		sort.SliceStable(sorted, func(i, j int) bool {
			return b.x[sorted[i]][f] < b.x[sorted[j]][f]
		})

		leftPos, leftN := 0.0, 0.0
		for i := 0; i < len(sorted)-1; i++ {
			leftPos += float64(b.y[sorted[i]])
			leftN++
			cur, next := b.x[sorted[i]][f], b.x[sorted[i+1]][f]
			if cur == next {
				continue
			}
			rightN := total - leftN
			if int(leftN) < b.params.minSamplesLeaf || int(rightN) < b.params.minSamplesLeaf {
				continue
			}
			score := (leftN*gini(leftPos, leftN) + rightN*gini(totalPos-leftPos, rightN)) / total
			if score < bestScore-1e-12 {
				bestScore = score
				bestFeature = f
				bestThreshold = cur + (next-cur)/2
				if bestThreshold >= next {
					bestThreshold = cur
				}
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}
