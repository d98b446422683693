package models

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ceapsi/staffcast/internal/aggregate"
	"github.com/ceapsi/staffcast/internal/api"
)

// Family is a forecasting model family with a uniform fit/predict contract.
type Family interface {
	// Name returns the family name, e.g. "arima".
	Name() string
	// Fit trains the family on an ordered series of business days.
	Fit(ctx context.Context, series []api.DailyAggregate) error
	// Predict forecasts one point per future row. history is the series the
	// forecast continues from; only Date and Regressors of future rows are read.
	Predict(ctx context.Context, history, future []api.DailyAggregate) ([]api.ForecastPoint, error)
	// Artifact returns the persistable form of the fitted family.
	Artifact() (api.ModelArtifact, error)
}

// Factory builds a fresh, unfitted family.
type Factory func() Family

// Options configures all families.
type Options struct {
	SeasonalPeriod int
	ForestTrees    int
	BoostingStages int
	Seed           int64
}

func DefaultOptions() Options {
	return Options{SeasonalPeriod: 7, ForestTrees: 100, BoostingStages: 150, Seed: 42}
}

// Factories returns one factory per family in fixed order.
func Factories(opts Options) []Factory {
	return []Factory{
		func() Family { return NewSeasonalAdditive(DefaultSeasonalConfig()) },
		func() Family { return NewARIMA(opts.SeasonalPeriod) },
		func() Family { return NewRandomForest(opts.ForestTrees, opts.Seed) },
		func() Family { return NewGradientBoosting(opts.BoostingStages, opts.Seed) },
	}
}

// z80 is the standard normal quantile for a central 80% interval.
const z80 = 1.2815515655446004

// SafeFit fits f and converts any error or panic into a ModelFitError.
func SafeFit(ctx context.Context, f Family, series []api.DailyAggregate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &api.ModelFitError{Family: f.Name(), Op: "fit", Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()
	if err := f.Fit(ctx, series); err != nil {
		return &api.ModelFitError{Family: f.Name(), Op: "fit", Err: err}
	}
	return nil
}

// SafePredict predicts with f and converts any error or panic into a ModelFitError.
func SafePredict(ctx context.Context, f Family, history, future []api.DailyAggregate) (points []api.ForecastPoint, err error) {
	defer func() {
		if r := recover(); r != nil {
			points = nil
			err = &api.ModelFitError{Family: f.Name(), Op: "predict", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	points, err = f.Predict(ctx, history, future)
	if err != nil {
		return nil, &api.ModelFitError{Family: f.Name(), Op: "predict", Err: err}
	}
	if len(points) != len(future) {
		return nil, &api.ModelFitError{Family: f.Name(), Op: "predict",
			Err: fmt.Errorf("expected %d points, got %d", len(future), len(points))}
	}
	return points, nil
}

// Restore rebuilds a fitted family from its artifact.
func Restore(a api.ModelArtifact) (Family, error) {
	info := fitInfo{From: a.TrainedFrom, To: a.TrainedTo, NDays: a.NDays, Regressors: a.Regressors}
	switch a.Family {
	case api.FamilySeasonalAdditive:
		m := &SeasonalAdditive{info: info}
		if err := json.Unmarshal(a.Params, &m.params); err != nil {
			return nil, fmt.Errorf("failed to decode %s params: %w", a.Family, err)
		}
		m.fitted = true
		return m, nil
	case api.FamilyARIMA:
		m := &ARIMA{info: info}
		if err := json.Unmarshal(a.Params, &m.params); err != nil {
			return nil, fmt.Errorf("failed to decode %s params: %w", a.Family, err)
		}
		m.fitted = true
		return m, nil
	case api.FamilyRandomForest:
		m := &RandomForest{info: info}
		if err := json.Unmarshal(a.Params, &m.params); err != nil {
			return nil, fmt.Errorf("failed to decode %s params: %w", a.Family, err)
		}
		m.fitted = true
		return m, nil
	case api.FamilyGradientBoosting:
		m := &GradientBoosting{info: info}
		if err := json.Unmarshal(a.Params, &m.params); err != nil {
			return nil, fmt.Errorf("failed to decode %s params: %w", a.Family, err)
		}
		m.fitted = true
		return m, nil
	}
	return nil, fmt.Errorf("unknown model family %q", a.Family)
}

// fitInfo is the training provenance shared by every family.
type fitInfo struct {
	From       time.Time
	To         time.Time
	NDays      int
	Regressors []string
}

func newFitInfo(series []api.DailyAggregate) fitInfo {
	return fitInfo{
		From:       series[0].Date,
		To:         series[len(series)-1].Date,
		NDays:      len(series),
		Regressors: aggregate.RegressorNames(series),
	}
}

func buildArtifact(name string, info fitInfo, params any) (api.ModelArtifact, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return api.ModelArtifact{}, fmt.Errorf("failed to encode %s params: %w", name, err)
	}
	return api.ModelArtifact{
		Family:      name,
		Params:      raw,
		TrainedFrom: info.From,
		TrainedTo:   info.To,
		NDays:       info.NDays,
		Regressors:  append([]string(nil), info.Regressors...),
	}, nil
}

func targets(series []api.DailyAggregate) []float64 {
	ys := make([]float64, len(series))
	for i, d := range series {
		ys[i] = d.Y
	}
	return ys
}
