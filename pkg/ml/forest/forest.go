package forest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

type Options struct {
	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	// MaxFeatures is the number of candidate features per split; zero means
	// ceil(sqrt(p)).
	MaxFeatures int
	Seed        int64
	Workers     int
}

func DefaultOptions() Options {
	return Options{
		Trees:           100,
		MaxDepth:        10,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		Seed:            42,
	}
}

func (o Options) withDefaults(p int) Options {
	d := DefaultOptions()
	if o.Trees <= 0 {
		o.Trees = d.Trees
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.MinSamplesSplit < 2 {
		o.MinSamplesSplit = d.MinSamplesSplit
	}
	if o.MinSamplesLeaf < 1 {
		o.MinSamplesLeaf = d.MinSamplesLeaf
	}
	if o.MaxFeatures <= 0 || o.MaxFeatures > p {
		o.MaxFeatures = int(math.Ceil(math.Sqrt(float64(p))))
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

type Forest struct {
	Features int    `json:"features"`
	Trees    []Tree `json:"trees"`
}

// Fit grows the trees in parallel. Each tree draws its bootstrap sample and
// feature subsets from its own seed, derived up front from opts.Seed, so the
// result does not depend on scheduling.
func Fit(ctx context.Context, x [][]float64, y []int, opts Options) (*Forest, error) {
	if len(x) == 0 {
		return nil, fmt.Errorf("no training samples")
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("have %d samples and %d labels", len(x), len(y))
	}
	p := len(x[0])
	if p == 0 {
		return nil, fmt.Errorf("samples have no features")
	}
	for i, row := range x {
		if len(row) != p {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", i, len(row), p)
		}
		if y[i] != 0 && y[i] != 1 {
			return nil, fmt.Errorf("label %d of sample %d is not binary", y[i], i)
		}
	}
	opts = opts.withDefaults(p)
	params := treeParams{
		maxDepth:        opts.MaxDepth,
		minSamplesSplit: opts.MinSamplesSplit,
		minSamplesLeaf:  opts.MinSamplesLeaf,
		maxFeatures:     opts.MaxFeatures,
	}

	master := rand.New(rand.NewSource(opts.Seed))
	seeds := make([]int64, opts.Trees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	trees := make([]Tree, opts.Trees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := range trees {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			sample := make([]int, len(x))
			for j := range sample {
				sample[j] = rng.Intn(len(x))
			}
			trees[i] = growTree(x, y, sample, params, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Forest{Features: p, Trees: trees}, nil
}

// Predict returns the mean positive-class probability over all trees.
func (f *Forest) Predict(x []float64) float64 {
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].Predict(x)
	}
	return sum / float64(len(f.Trees))
}
