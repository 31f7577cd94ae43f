package anomaly

import (
	"math"
	"math/rand/v2"
)

// Isolation forest over fixed-width feature vectors. Anomalous points
// isolate in fewer random splits, giving shorter average path lengths.

const (
	numTrees     = 100
	maxSubsample = 256
	eulerGamma   = 0.5772156649015329
)

type treeNode struct {
	// Internal nodes split on splitDim at splitVal. External nodes have
	// nil children and carry the residual sample count in size.
	splitDim    int
	splitVal    float64
	left, right *treeNode
	size        int
}

// forest is an immutable fitted model. Readers share it through an atomic
// pointer; a refit swaps the whole structure.
type forest struct {
	trees      []*treeNode
	sampleSize int
	norm       float64 // c(sampleSize), normalizes path lengths
}

// avgPathLen is the expected unsuccessful-search path length in a BST of
// n nodes, the standard isolation-forest normalizer.
func avgPathLen(n int) float64 {
	switch {
	case n > 2:
		f := float64(n)
		return 2*(math.Log(f-1)+eulerGamma) - 2*(f-1)/f
	case n == 2:
		return 1
	default:
		return 0
	}
}

// fitForest builds an isolation forest from the given samples. Each tree
// sees an independent random subsample of at most 256 points.
func fitForest(samples [][]float64, rng *rand.Rand) *forest {
	if len(samples) == 0 {
		return nil
	}
	sub := min(len(samples), maxSubsample)
	maxDepth := int(math.Ceil(math.Log2(float64(sub)))) + 1

	trees := make([]*treeNode, numTrees)
	idx := make([]int, len(samples))
	for i := range idx {
		idx[i] = i
	}

	scratch := make([][]float64, sub)
	for t := range numTrees {
		// Partial Fisher-Yates: the first sub entries become this tree's
		// subsample without replacement.
		for i := range sub {
			j := i + rng.IntN(len(idx)-i)
			idx[i], idx[j] = idx[j], idx[i]
			scratch[i] = samples[idx[i]]
		}
		trees[t] = buildTree(scratch, 0, maxDepth, rng)
	}

	return &forest{
		trees:      trees,
		sampleSize: sub,
		norm:       avgPathLen(sub),
	}
}

func buildTree(points [][]float64, depth, maxDepth int, rng *rand.Rand) *treeNode {
	if depth >= maxDepth || len(points) <= 1 {
		return &treeNode{size: len(points)}
	}

	dims := len(points[0])
	// Pick a dimension that still has spread; give up after a few tries
	// (all-identical subsets terminate as leaves).
	for range dims {
		dim := rng.IntN(dims)
		lo, hi := points[0][dim], points[0][dim]
		for _, p := range points[1:] {
			lo = math.Min(lo, p[dim])
			hi = math.Max(hi, p[dim])
		}
		if hi <= lo {
			continue
		}
		split := lo + rng.Float64()*(hi-lo)

		var left, right [][]float64
		for _, p := range points {
			if p[dim] < split {
				left = append(left, p)
			} else {
				right = append(right, p)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &treeNode{
			splitDim: dim,
			splitVal: split,
			left:     buildTree(left, depth+1, maxDepth, rng),
			right:    buildTree(right, depth+1, maxDepth, rng),
		}
	}
	return &treeNode{size: len(points)}
}

func (n *treeNode) pathLength(p []float64, depth int) float64 {
	if n.left == nil && n.right == nil {
		return float64(depth) + avgPathLen(n.size)
	}
	if p[n.splitDim] < n.splitVal {
		return n.left.pathLength(p, depth+1)
	}
	return n.right.pathLength(p, depth+1)
}

// score returns the signed anomaly score of p: 0.5 − 2^(−E[h]/c(n)).
// The range is (−0.5, 0.5]; lower is more anomalous. Typical points score
// near 0, clear outliers drop below −0.1.
func (f *forest) score(p []float64) float64 {
	if f.norm == 0 {
		return 0
	}
	var total float64
	for _, t := range f.trees {
		total += t.pathLength(p, 0)
	}
	avg := total / float64(len(f.trees))
	return 0.5 - math.Exp2(-avg/f.norm)
}
