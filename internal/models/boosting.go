package models

import (
	"context"
	"fmt"

	"github.com/ceapsi/staffcast/internal/api"
)

type boostingParams struct {
	Features     featureSpec      `json:"features"`
	Init         float64          `json:"init"`
	LearningRate float64          `json:"learning_rate"`
	Trees        []regressionTree `json:"trees"`
}

// GradientBoosting fits shallow trees to squared-loss residuals in sequence.
type GradientBoosting struct {
	stages       int
	learningRate float64
	seed         int64
	cfg          treeConfig
	params       boostingParams
	info         fitInfo
	fitted       bool
}

func NewGradientBoosting(stages int, seed int64) *GradientBoosting {
	if stages <= 0 {
		stages = 150
	}
	return &GradientBoosting{
		stages:       stages,
		learningRate: 0.05,
		seed:         seed,
		cfg:          treeConfig{MaxDepth: 3, MinLeaf: 2},
	}
}

func (m *GradientBoosting) Name() string { return api.FamilyGradientBoosting }

func (m *GradientBoosting) Fit(ctx context.Context, series []api.DailyAggregate) error {
	spec := newFeatureSpec(series)
	X, y := spec.matrix(series)
	if len(X) < minTreeRows {
		return fmt.Errorf("need at least %d days, have %d", maxLag+minTreeRows, len(series))
	}

	init := mean(y)
	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = init
	}
	rows := make([]int, len(X))
	for i := range rows {
		rows[i] = i
	}
	residual := make([]float64, len(y))
	rng := newRand(m.seed)

	trees := make([]regressionTree, 0, m.stages)
	for stage := 0; stage < m.stages; stage++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range y {
			residual[i] = y[i] - pred[i]
		}
		tree := growTree(X, residual, rows, m.cfg, rng)
		for i := range pred {
			pred[i] += m.learningRate * tree.predict(X[i])
		}
		trees = append(trees, tree)
	}

	m.params = boostingParams{Features: spec, Init: init, LearningRate: m.learningRate, Trees: trees}
	m.info = newFitInfo(series)
	m.fitted = true
	return nil
}

func (m *GradientBoosting) Predict(ctx context.Context, history, future []api.DailyAggregate) ([]api.ForecastPoint, error) {
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
		s := m.params.Init
		for _, t := range m.params.Trees {
			s += m.params.LearningRate * t.predict(x)
		}
		return s
	}), nil
}

func (m *GradientBoosting) Artifact() (api.ModelArtifact, error) {
	if !m.fitted {
		return api.ModelArtifact{}, api.ErrNotFitted
	}
	return buildArtifact(m.Name(), m.info, m.params)
}
