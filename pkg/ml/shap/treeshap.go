// Package shap computes exact Shapley attributions for tree ensembles using
// the path-dependent TreeSHAP recursion. Missing-feature expectations are
// taken over the training samples recorded in node covers.
package shap

import "github.com/synaptica-ai/cardiorisk/pkg/ml/forest"

// pathElem tracks one feature on the current root-to-node path: the fraction
// of zero paths (feature unknown) and one paths (feature known) flowing
// through it, and the permutation weight of subsets of that size.
type pathElem struct {
	feature int
	zero    float64
	one     float64
	weight  float64
}

// TreeValues returns the attribution of each of the n features for input x.
// The values sum to tree.Predict(x) - ExpectedValue(tree).
func TreeValues(tree *forest.Tree, x []float64, n int) []float64 {
	phi := make([]float64, n)
	if len(tree.Nodes) == 0 {
		return phi
	}
	recurse(tree, x, phi, 0, nil, 1, 1, -1)
	return phi
}

// ExpectedValue is the cover-weighted mean leaf value, i.e. the tree output
// averaged over its training samples.
func ExpectedValue(tree *forest.Tree) float64 {
	if len(tree.Nodes) == 0 || tree.Nodes[0].Cover == 0 {
		return 0
	}
	var sum float64
	for _, n := range tree.Nodes {
		if n.IsLeaf() {
			sum += n.Cover * n.Value
		}
	}
	return sum / tree.Nodes[0].Cover
}

// ForestValues averages TreeValues and ExpectedValue over the trees, matching
// the forest's mean-of-trees output.
func ForestValues(f *forest.Forest, x []float64) (phi []float64, base float64) {
	phi = make([]float64, f.Features)
	if len(f.Trees) == 0 {
		return phi, 0
	}
	for i := range f.Trees {
		tree := &f.Trees[i]
		for j, v := range TreeValues(tree, x, f.Features) {
			phi[j] += v
		}
		base += ExpectedValue(tree)
	}
	k := float64(len(f.Trees))
	for j := range phi {
		phi[j] /= k
	}
	return phi, base / k
}

func recurse(tree *forest.Tree, x, phi []float64, node int, parent []pathElem, zero, one float64, feature int) {
	path := make([]pathElem, len(parent), len(parent)+1)
	copy(path, parent)
	path = extend(path, zero, one, feature)
	depth := len(path) - 1

	n := tree.Nodes[node]
	if n.IsLeaf() {
		for i := 1; i <= depth; i++ {
			w := unwoundSum(path, i)
			el := path[i]
			phi[el.feature] += w * (el.one - el.zero) * n.Value
		}
		return
	}

	hot, cold := n.Left, n.Right
	if x[n.Feature] > n.Threshold {
		hot, cold = n.Right, n.Left
	}
	hotZero := tree.Nodes[hot].Cover / n.Cover
	coldZero := tree.Nodes[cold].Cover / n.Cover

	incomingZero, incomingOne := 1.0, 1.0
	for k := 0; k <= depth; k++ {
		if path[k].feature == n.Feature {
			incomingZero, incomingOne = path[k].zero, path[k].one
			path = unwind(path, k)
			break
		}
	}

	recurse(tree, x, phi, hot, path, hotZero*incomingZero, incomingOne, n.Feature)
	recurse(tree, x, phi, cold, path, coldZero*incomingZero, 0, n.Feature)
}

// extend grows the path by one feature and updates subset weights.
func extend(path []pathElem, zero, one float64, feature int) []pathElem {
	l := len(path)
	w := 0.0
	if l == 0 {
		w = 1
	}
	path = append(path, pathElem{feature: feature, zero: zero, one: one, weight: w})
	for i := l - 1; i >= 0; i-- {
		path[i+1].weight += one * path[i].weight * float64(i+1) / float64(l+1)
		path[i].weight = zero * path[i].weight * float64(l-i) / float64(l+1)
	}
	return path
}

// unwind is the inverse of extend for the element at idx. It works in place
// and returns the shortened path.
func unwind(path []pathElem, idx int) []pathElem {
	d := len(path) - 1
	one, zero := path[idx].one, path[idx].zero
	next := path[d].weight
	for i := d - 1; i >= 0; i-- {
		if one != 0 {
			tmp := path[i].weight
			path[i].weight = next * float64(d+1) / (float64(i+1) * one)
			next = tmp - path[i].weight*zero*float64(d-i)/float64(d+1)
		} else {
			path[i].weight = path[i].weight * float64(d+1) / (zero * float64(d-i))
		}
	}
	for i := idx; i < d; i++ {
		path[i].feature = path[i+1].feature
		path[i].zero = path[i+1].zero
		path[i].one = path[i+1].one
	}
	return path[:d]
}

// unwoundSum is the total weight of the path with element idx removed,
// computed without modifying the path.
func unwoundSum(path []pathElem, idx int) float64 {
	d := len(path) - 1
	one, zero := path[idx].one, path[idx].zero
	next := path[d].weight
	total := 0.0
	if one != 0 {
		for i := d - 1; i >= 0; i-- {
			tmp := next / (float64(i+1) * one)
			total += tmp
			next = path[i].weight - tmp*zero*float64(d-i)
		}
	} else {
		for i := d - 1; i >= 0; i-- {
			total += path[i].weight / (zero * float64(d-i))
		}
	}
	return total * float64(d+1)
}
