package models

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceapsi/staffcast/internal/api"
)

var weekdayEffect = map[time.Weekday]float64{
	time.Monday: 8, time.Tuesday: 10, time.Wednesday: 4,
	time.Thursday: 0, time.Friday: -3, time.Saturday: -12,
}

// syntheticSeries builds n business days with a weekly pattern, a mild trend
// and seeded noise.
func syntheticSeries(n int, seed uint64) []api.DailyAggregate {
	rng := rand.New(rand.NewPCG(seed, seed))
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	days := make([]api.DailyAggregate, 0, n)
	for len(days) < n {
		if api.IsBusinessDay(d) {
			i := float64(len(days))
			y := 40 + 0.02*i + weekdayEffect[d.Weekday()] + rng.NormFloat64()
			days = append(days, api.DailyAggregate{
				Date: d,
				Y:    y,
				Regressors: map[string]float64{
					api.RegVolumeReservation: math.Round(y * 0.8),
					api.RegDayOfWeek:         float64(d.Weekday()),
					api.RegIsMonthStart:      boolToFloat(d.Day() <= 5),
				},
			})
		}
		d = d.AddDate(0, 0, 1)
	}
	return days
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func splitFuture(series []api.DailyAggregate, horizon int) ([]api.DailyAggregate, []api.DailyAggregate) {
	cut := len(series) - horizon
	return series[:cut], series[cut:]
}

func TestFamiliesFitPredict(t *testing.T) {
	ctx := context.Background()
	train, future := splitFuture(syntheticSeries(150, 1), 14)

	for _, factory := range Factories(DefaultOptions()) {
		f := factory()
		t.Run(f.Name(), func(t *testing.T) {
			require.NoError(t, SafeFit(ctx, f, train))
			points, err := SafePredict(ctx, f, train, future)
			require.NoError(t, err)
			require.Len(t, points, len(future))

			mae := 0.0
			for i, p := range points {
				assert.Equal(t, future[i].Date, p.Date)
				assert.False(t, math.IsNaN(p.YHat))
				assert.LessOrEqual(t, p.YHatLower, p.YHat)
				assert.GreaterOrEqual(t, p.YHatUpper, p.YHat)
				mae += math.Abs(p.YHat - future[i].Y)
			}
			mae /= float64(len(points))
			assert.Less(t, mae, 10.0, "%s MAE too large", f.Name())
		})
	}
}

func TestFamiliesDeterministic(t *testing.T) {
	ctx := context.Background()
	train, future := splitFuture(syntheticSeries(120, 2), 10)

	for i, factory := range Factories(DefaultOptions()) {
		a, b := factory(), Factories(DefaultOptions())[i]()
		require.NoError(t, a.Fit(ctx, train))
		require.NoError(t, b.Fit(ctx, train))
		pa, err := a.Predict(ctx, train, future)
		require.NoError(t, err)
		pb, err := b.Predict(ctx, train, future)
		require.NoError(t, err)
		assert.Equal(t, pa, pb, "%s must be deterministic", a.Name())
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	ctx := context.Background()
	train, future := splitFuture(syntheticSeries(120, 3), 7)

	for _, factory := range Factories(DefaultOptions()) {
		f := factory()
		require.NoError(t, f.Fit(ctx, train))
		art, err := f.Artifact()
		require.NoError(t, err)
		assert.Equal(t, f.Name(), art.Family)
		assert.Equal(t, len(train), art.NDays)
		assert.Equal(t, train[0].Date, art.TrainedFrom)
		assert.Equal(t, train[len(train)-1].Date, art.TrainedTo)

		restored, err := Restore(art)
		require.NoError(t, err)
		want, err := f.Predict(ctx, train, future)
		require.NoError(t, err)
		got, err := restored.Predict(ctx, train, future)
		require.NoError(t, err)
		for i := range want {
			assert.InDelta(t, want[i].YHat, got[i].YHat, 1e-9, "%s point %d", f.Name(), i)
		}
	}
}

func TestSeasonLag(t *testing.T) {
	assert.Equal(t, 6, seasonLag(7))
	assert.Equal(t, 12, seasonLag(14))
	assert.Equal(t, 5, seasonLag(5))
}

func TestNotFitted(t *testing.T) {
	for _, factory := range Factories(DefaultOptions()) {
		f := factory()
		_, err := f.Predict(context.Background(), nil, nil)
		assert.ErrorIs(t, err, api.ErrNotFitted)
		_, err = f.Artifact()
		assert.ErrorIs(t, err, api.ErrNotFitted)
	}
}

func TestShortSeriesFails(t *testing.T) {
	short := syntheticSeries(12, 4)
	for _, factory := range Factories(DefaultOptions()) {
		err := SafeFit(context.Background(), factory(), short)
		var mfe *api.ModelFitError
		assert.True(t, errors.As(err, &mfe), "expected ModelFitError, got %v", err)
	}
}

func TestARIMAPeriodicSeries(t *testing.T) {
	// One value per weekday: a 7-day season is 6 business-day rows.
	pattern := []float64{30, 34, 28, 31, 26, 22}
	series := make([]api.DailyAggregate, 0, 80)
	for d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); len(series) < 80; d = d.AddDate(0, 0, 1) {
		if api.IsBusinessDay(d) {
			series = append(series, api.DailyAggregate{Date: d, Y: pattern[len(series)%6]})
		}
	}
	train, future := series[:70], series[70:]

	m := NewARIMA(7)
	require.NoError(t, m.Fit(context.Background(), train))
	points, err := m.Predict(context.Background(), train, future)
	require.NoError(t, err)
	for i, p := range points {
		assert.InDelta(t, future[i].Y, p.YHat, 1e-6)
	}
}

func TestSeasonalWeekdayEffect(t *testing.T) {
	ctx := context.Background()
	train, future := splitFuture(syntheticSeries(150, 5), 12)
	m := NewSeasonalAdditive(DefaultSeasonalConfig())
	require.NoError(t, m.Fit(ctx, train))
	points, err := m.Predict(ctx, train, future)
	require.NoError(t, err)

	var tue, sat float64
	for i, p := range points {
		switch future[i].Date.Weekday() {
		case time.Tuesday:
			tue = p.YHat
		case time.Saturday:
			sat = p.YHat
		}
	}
	assert.Greater(t, tue, sat+10, "weekday effect should be recovered")
	assert.Greater(t, points[0].YHatUpper-points[0].YHatLower, 0.0)
}

func TestForestUsesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRandomForest(10, 1).Fit(ctx, syntheticSeries(60, 6))
	assert.ErrorIs(t, err, context.Canceled)
}

type panicFamily struct{}

func (panicFamily) Name() string { return "panic" }
func (panicFamily) Fit(context.Context, []api.DailyAggregate) error {
	panic("singular matrix")
}
func (panicFamily) Predict(context.Context, []api.DailyAggregate, []api.DailyAggregate) ([]api.ForecastPoint, error) {
	panic("boom")
}
func (panicFamily) Artifact() (api.ModelArtifact, error) { return api.ModelArtifact{}, nil }

func TestSafeWrappersRecover(t *testing.T) {
	err := SafeFit(context.Background(), panicFamily{}, nil)
	var mfe *api.ModelFitError
	require.True(t, errors.As(err, &mfe))
	assert.Equal(t, "fit", mfe.Op)

	_, err = SafePredict(context.Background(), panicFamily{}, nil, nil)
	require.True(t, errors.As(err, &mfe))
	assert.Equal(t, "predict", mfe.Op)
}

func TestRestoreUnknownFamily(t *testing.T) {
	_, err := Restore(api.ModelArtifact{Family: "prophet"})
	assert.Error(t, err)
}

func TestARIMAStableAcrossSeeds(t *testing.T) {
	ctx := context.Background()
	for seed := uint64(1); seed <= 5; seed++ {
		train, future := splitFuture(syntheticSeries(178, seed), 28)
		m := NewARIMA(7)
		require.NoError(t, m.Fit(ctx, train), "seed %d", seed)
		points, err := m.Predict(ctx, train, future)
		require.NoError(t, err, "seed %d", seed)

		mae := 0.0
		for i, p := range points {
			assert.InDelta(t, future[i].Y, p.YHat, 15, "seed %d step %d", seed, i+1)
			mae += math.Abs(p.YHat - future[i].Y)
		}
		assert.Less(t, mae/float64(len(points)), 5.0, "seed %d", seed)

		r, err := spectralRadius(negate(m.params.Coef[3:]), []int{1, 6, 7})
		require.NoError(t, err)
		assert.LessOrEqual(t, r, maxRootModulus+1e-9, "seed %d MA roots", seed)
		r, err = spectralRadius(m.params.Coef[:3], []int{1, 6, 7})
		require.NoError(t, err)
		assert.LessOrEqual(t, r, maxRootModulus+1e-9, "seed %d AR roots", seed)
	}
}

func negate(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = -x
	}
	return out
}

func TestSpectralRadius(t *testing.T) {
	r, err := spectralRadius([]float64{0.5, 0, 0}, []int{1, 2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r, 1e-9)

	// x[t] = x[t-2] has roots ±1.
	r, err = spectralRadius([]float64{0, 1, 0}, []int{1, 2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-9)

	r, err = spectralRadius([]float64{0, 0, 0}, []int{1, 6, 7})
	require.NoError(t, err)
	assert.Zero(t, r)
}

func TestConstrainRootsNonInvertibleMA(t *testing.T) {
	coef := []float64{0.2, -0.1, 0.05, -0.90, -0.36, -0.16}
	before, err := spectralRadius(negate(coef[3:]), []int{1, 6, 7})
	require.NoError(t, err)
	require.Greater(t, before, 1.0)

	got, err := constrainRoots(coef, 6)
	require.NoError(t, err)
	assert.Equal(t, coef[:3], got[:3], "stationary AR half is untouched")
	after, err := spectralRadius(negate(got[3:]), []int{1, 6, 7})
	require.NoError(t, err)
	assert.InDelta(t, maxRootModulus, after, 1e-6)
	assert.Equal(t, -0.90, coef[3], "input is not modified")
}

func TestARIMARejectsExplosivePath(t *testing.T) {
	train, future := splitFuture(syntheticSeries(60, 8), 14)
	m := &ARIMA{
		params: arimaParams{Period: 6, LongAR: 8, Coef: []float64{2.5, 0, 0, 0, 0, 0}, Sigma: 1},
		fitted: true,
	}
	_, err := SafePredict(context.Background(), m, train, future)
	var mfe *api.ModelFitError
	require.True(t, errors.As(err, &mfe), "expected ModelFitError, got %v", err)
	assert.Equal(t, "predict", mfe.Op)
}

func TestCheckPlausible(t *testing.T) {
	y := []float64{30, 40, 50}
	assert.NoError(t, checkPlausible(y, []float64{35, 60, 11}))
	assert.Error(t, checkPlausible(y, []float64{35, 71}))
	assert.Error(t, checkPlausible(y, []float64{9}))
	assert.Error(t, checkPlausible(y, []float64{math.NaN()}))
	assert.NoError(t, checkPlausible([]float64{20, 20}, []float64{20.5}))
}
