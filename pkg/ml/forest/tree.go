// Package forest implements bagged CART classifiers. Every node records the
// number of training samples that reached it so that path-dependent
// attribution methods can weight branches.
package forest

// Node is one tree node. Leaves have Feature == -1 and hold the positive
// class fraction of their samples in Value.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Value     float64 `json:"value"`
	Cover     float64 `json:"cover"`
}

func (n Node) IsLeaf() bool {
	return n.Feature < 0
}

// Tree stores nodes in a flat slice; the root is Nodes[0]. A sample goes
// left when x[Feature] <= Threshold.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return 0
		}
		l, r := walk(n.Left), walk(n.Right)
		if l > r {
			return l + 1
		}
		return r + 1
	}
	return walk(0)
}

func (t *Tree) Leaves() int {
	count := 0
	for _, n := range t.Nodes {
		if n.IsLeaf() {
			count++
		}
	}
	return count
}
