package crossval

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/metrics"
	"github.com/ceapsi/staffcast/internal/models"
)

func businessSeries(n int) []api.DailyAggregate {
	rng := rand.New(rand.NewPCG(9, 9))
	days := make([]api.DailyAggregate, 0, n)
	for d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); len(days) < n; d = d.AddDate(0, 0, 1) {
		if !api.IsBusinessDay(d) {
			continue
		}
		days = append(days, api.DailyAggregate{
			Date: d,
			Y:    30 + 3*float64(d.Weekday()) + rng.NormFloat64(),
			Regressors: map[string]float64{
				api.RegDayOfWeek: float64(d.Weekday()),
			},
		})
	}
	return days
}

// meanFamily predicts the training mean; it optionally fails on chosen folds.
type meanFamily struct {
	name   string
	failOn func(train []api.DailyAggregate) bool
	mean   float64
}

func (m *meanFamily) Name() string { return m.name }
func (m *meanFamily) Fit(_ context.Context, series []api.DailyAggregate) error {
	if m.failOn != nil && m.failOn(series) {
		return errors.New("synthetic failure")
	}
	for _, d := range series {
		m.mean += d.Y
	}
	m.mean /= float64(len(series))
	return nil
}
func (m *meanFamily) Predict(_ context.Context, _, future []api.DailyAggregate) ([]api.ForecastPoint, error) {
	out := make([]api.ForecastPoint, len(future))
	for i, d := range future {
		out[i] = api.ForecastPoint{Date: d.Date, YHat: m.mean, YHatLower: m.mean, YHatUpper: m.mean}
	}
	return out, nil
}
func (m *meanFamily) Artifact() (api.ModelArtifact, error) { return api.ModelArtifact{}, nil }

func TestFoldsScenarioSeventyRows(t *testing.T) {
	folds := Folds(businessSeries(70), Options{Initial: 60, Period: 7, Horizon: 14})
	assert.Empty(t, folds, "70 < 60+14 must yield zero folds")
}

func TestFoldsBoundaries(t *testing.T) {
	series := businessSeries(100)
	folds := Folds(series, Options{Initial: 60, Period: 7, Horizon: 14})
	// cutoffs 60, 67, 74, 81 (81+14=95 <= 100), 88+14 > 100
	require.Len(t, folds, 4)
	for i, f := range folds {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, 60+7*i, f.Cutoff)
		assert.Len(t, f.Train, f.Cutoff)
		assert.Len(t, f.Test, 14)
		b := f.Boundary()
		assert.True(t, b.TestStart.After(b.TrainEnd), "no leakage")
	}
}

func TestEvaluateSkipsFailedFolds(t *testing.T) {
	series := businessSeries(100)
	failing := func() models.Family {
		return &meanFamily{name: "flaky", failOn: func(train []api.DailyAggregate) bool { return len(train) == 67 }}
	}
	stable := func() models.Family { return &meanFamily{name: "stable"} }

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	v := NewValidator(Options{Initial: 60, Period: 7, Horizon: 14, Parallelism: 3}, nil, m)
	perf, errs := v.Evaluate(context.Background(), series, []models.Factory{failing, stable})

	require.Len(t, perf, 2)
	assert.Equal(t, "flaky", perf[0].Family)
	assert.Equal(t, 3, perf[0].Folds)
	assert.Equal(t, 1, perf[0].Skipped)
	assert.Len(t, perf[0].FoldBoundaries, 3)
	assert.Equal(t, 4, perf[1].Folds)
	assert.Greater(t, perf[1].MAE, 0.0)
	assert.GreaterOrEqual(t, perf[1].RMSE, perf[1].MAE)

	require.Len(t, errs, 1)
	var cvErr *api.CrossValidationError
	require.True(t, errors.As(errs[0], &cvErr))
	assert.Equal(t, "flaky", cvErr.Family)
	assert.Equal(t, 1, cvErr.Fold)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FoldsSkipped.WithLabelValues("flaky")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.FoldsEvaluated.WithLabelValues("stable")))
}

func TestEvaluateNoFoldsIsUnusable(t *testing.T) {
	v := NewValidator(DefaultOptions(), nil, nil)
	perf, errs := v.Evaluate(context.Background(), businessSeries(70), []models.Factory{
		func() models.Family { return &meanFamily{name: "stable"} },
	})
	assert.Empty(t, errs)
	require.Len(t, perf, 1)
	assert.Equal(t, 0, perf[0].Folds)
	assert.False(t, perf[0].Usable())
}

func TestEvaluateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var fits atomic.Int32
	factory := func() models.Family {
		return &meanFamily{name: "counted", failOn: func([]api.DailyAggregate) bool { fits.Add(1); return false }}
	}
	v := NewValidator(DefaultOptions(), nil, nil)
	perf, errs := v.Evaluate(ctx, businessSeries(100), []models.Factory{factory})
	assert.Equal(t, 0, perf[0].Folds)
	assert.Equal(t, 4, perf[0].Skipped)
	assert.Len(t, errs, 4)
	assert.Equal(t, int32(0), fits.Load())
}

func TestEvaluateRealFamilies(t *testing.T) {
	series := businessSeries(90)
	v := NewValidator(DefaultOptions(), nil, nil)
	perf, _ := v.Evaluate(context.Background(), series, models.Factories(models.DefaultOptions()))
	require.Len(t, perf, 4)
	for _, pm := range perf {
		assert.Equal(t, 3, pm.Folds+pm.Skipped, pm.Family)
	}
	// The seasonal-additive family needs no lag history and always evaluates.
	assert.True(t, perf[0].Usable())
}
