package models

import (
	"context"
	"fmt"
	"math"

	"github.com/ceapsi/staffcast/internal/api"
)

// minTreeRows is the least number of lagged training rows the tree families accept.
const minTreeRows = 10

type forestParams struct {
	Features featureSpec      `json:"features"`
	Trees    []regressionTree `json:"trees"`
}

// RandomForest averages bootstrap-sampled CART trees over lag and regressor
// features.
type RandomForest struct {
	nTrees int
	seed   int64
	cfg    treeConfig
	params forestParams
	info   fitInfo
	fitted bool
}

func NewRandomForest(nTrees int, seed int64) *RandomForest {
	if nTrees <= 0 {
		nTrees = 100
	}
	return &RandomForest{nTrees: nTrees, seed: seed, cfg: treeConfig{MaxDepth: 8, MinLeaf: 2}}
}

func (m *RandomForest) Name() string { return api.FamilyRandomForest }

func (m *RandomForest) Fit(ctx context.Context, series []api.DailyAggregate) error {
	spec := newFeatureSpec(series)
	X, y := spec.matrix(series)
	if len(X) < minTreeRows {
		return fmt.Errorf("need at least %d days, have %d", maxLag+minTreeRows, len(series))
	}

	cfg := m.cfg
	cfg.MaxFeatures = int(math.Max(1, math.Floor(math.Sqrt(float64(len(X[0]))))))
	rng := newRand(m.seed)

	trees := make([]regressionTree, 0, m.nTrees)
	sample := make([]int, len(X))
	for b := 0; b < m.nTrees; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range sample {
			sample[i] = rng.IntN(len(X))
		}
		trees = append(trees, growTree(X, y, sample, cfg, rng))
	}

	m.params = forestParams{Features: spec, Trees: trees}
	m.info = newFitInfo(series)
	m.fitted = true
	return nil
}

func (m *RandomForest) Predict(ctx context.Context, history, future []api.DailyAggregate) ([]api.ForecastPoint, error) {
	if !m.fitted {
		return nil, api.ErrNotFitted
	}
	if len(history) < maxLag {
		return nil, fmt.Errorf("need at least %d history days, have %d", maxLag, len(history))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.params.Features.recursive(history, future, func(x []float64) float64 {
		s := 0.0
		for _, t := range m.params.Trees {
			s += t.predict(x)
		}
		return s / float64(len(m.params.Trees))
	}), nil
}

func (m *RandomForest) Artifact() (api.ModelArtifact, error) {
	if !m.fitted {
		return api.ModelArtifact{}, api.ErrNotFitted
	}
	return buildArtifact(m.Name(), m.info, m.params)
}
