package models

import (
	"github.com/ceapsi/staffcast/internal/aggregate"
	"github.com/ceapsi/staffcast/internal/api"
)

// maxLag is the deepest target lag the tree features read.
const maxLag = 14

// featureSpec describes the tree-family feature row: target lags 1, 7, 14,
// trailing means over 7 and 14 days (excluding the current day), then the
// regressors with missing values replaced by their training mean.
type featureSpec struct {
	Regressors []string  `json:"regressors"`
	Means      []float64 `json:"means"`
}

func newFeatureSpec(series []api.DailyAggregate) featureSpec {
	names := aggregate.RegressorNames(series)
	colMeans := aggregate.ColumnMeans(series)
	means := make([]float64, len(names))
	for i, name := range names {
		means[i] = colMeans[name]
	}
	return featureSpec{Regressors: names, Means: means}
}

// row builds the features for position t, reading only ys[:t].
func (f featureSpec) row(ys []float64, t int, regs map[string]float64) []float64 {
	out := make([]float64, 0, 5+len(f.Regressors))
	out = append(out, ys[t-1], ys[t-7], ys[t-14], mean(ys[t-7:t]), mean(ys[t-14:t]))
	for i, name := range f.Regressors {
		v, ok := regs[name]
		if !ok {
			v = f.Means[i]
		}
		out = append(out, v)
	}
	return out
}

// matrix returns the training rows for every position with full lag history.
func (f featureSpec) matrix(series []api.DailyAggregate) ([][]float64, []float64) {
	ys := targets(series)
	var X [][]float64
	var y []float64
	for t := maxLag; t < len(series); t++ {
		X = append(X, f.row(ys, t, series[t].Regressors))
		y = append(y, ys[t])
	}
	return X, y
}

// recursive predicts future rows one at a time, feeding each prediction back
// into the lag history.
func (f featureSpec) recursive(history, future []api.DailyAggregate, predict func([]float64) float64) []api.ForecastPoint {
	ys := targets(history)
	points := make([]api.ForecastPoint, len(future))
	for i, d := range future {
		t := len(ys)
		yhat := predict(f.row(ys, t, d.Regressors))
		ys = append(ys, yhat)
		points[i] = api.ForecastPoint{Date: d.Date, YHat: yhat, YHatLower: yhat, YHatUpper: yhat}
	}
	return points
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
