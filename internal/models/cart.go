package models

import (
	"math/rand/v2"
	"sort"
)

type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

// regressionTree is a CART tree stored as a flat node slice; node 0 is the root
// and leaves have Left == -1.
type regressionTree struct {
	Nodes []treeNode `json:"nodes"`
}

func (t regressionTree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Left < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

type treeConfig struct {
	MaxDepth    int
	MinLeaf     int
	MaxFeatures int // 0 means all features
}

type treeBuilder struct {
	cfg   treeConfig
	X     [][]float64
	y     []float64
	rng   *rand.Rand
	nodes []treeNode
}

// growTree fits a squared-error regression tree on the given rows of X.
func growTree(X [][]float64, y []float64, rows []int, cfg treeConfig, rng *rand.Rand) regressionTree {
	b := &treeBuilder{cfg: cfg, X: X, y: y, rng: rng}
	b.build(rows, 0)
	return regressionTree{Nodes: b.nodes}
}

func (b *treeBuilder) build(rows []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Left: -1, Right: -1, Value: b.meanOf(rows)})
	if depth >= b.cfg.MaxDepth || len(rows) < 2*b.cfg.MinLeaf {
		return idx
	}

	feature, threshold, ok := b.bestSplit(rows)
	if !ok {
		return idx
	}
	var left, right []int
	for _, r := range rows {
		if b.X[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
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

func (b *treeBuilder) bestSplit(rows []int) (int, float64, bool) {
	p := len(b.X[rows[0]])
	features := make([]int, p)
	for i := range features {
		features[i] = i
	}
	if b.cfg.MaxFeatures > 0 && b.cfg.MaxFeatures < p {
		perm := b.rng.Perm(p)
		features = perm[:b.cfg.MaxFeatures]
		sort.Ints(features)
	}

	total := 0.0
	for _, r := range rows {
		total += b.y[r]
	}
	n := float64(len(rows))
	bestScore := total * total / n
	bestFeature, bestThreshold, found := -1, 0.0, false

	sorted := make([]int, len(rows))
	for _, f := range features {
		copy(sorted, rows)
		sort.SliceStable(sorted, func(i, j int) bool { return b.X[sorted[i]][f] < b.X[sorted[j]][f] })

		leftSum := 0.0
		for i := 1; i < len(sorted); i++ {
			leftSum += b.y[sorted[i-1]]
			if i < b.cfg.MinLeaf || len(sorted)-i < b.cfg.MinLeaf {
				continue
			}
			lo, hi := b.X[sorted[i-1]][f], b.X[sorted[i]][f]
			if lo == hi {
				continue
			}
			nl, nr := float64(i), n-float64(i)
			rightSum := total - leftSum
			score := leftSum*leftSum/nl + rightSum*rightSum/nr
			if score > bestScore+1e-12 {
				bestScore = score
				bestFeature = f
				bestThreshold = (lo + hi) / 2
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func (b *treeBuilder) meanOf(rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	s := 0.0
	for _, r := range rows {
		s += b.y[r]
	}
	return s / float64(len(rows))
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}
