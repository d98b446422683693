package ensemble

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceapsi/staffcast/internal/api"
)

func TestWeighInverseMAE(t *testing.T) {
	perf := []api.PerformanceMetric{
		{Family: api.FamilySeasonalAdditive, MAE: 2, Folds: 3},
		{Family: api.FamilyARIMA, MAE: 4, Folds: 3},
		{Family: api.FamilyRandomForest, MAE: math.NaN(), Folds: 3},
		{Family: api.FamilyGradientBoosting, MAE: 0, Folds: 0},
	}
	w := Weigh(perf)

	assert.InDelta(t, 1.0, w.Sum(), 1e-9)
	assert.InDelta(t, 2.0/3, w[api.FamilySeasonalAdditive], 1e-9)
	assert.InDelta(t, 1.0/3, w[api.FamilyARIMA], 1e-9)
	assert.Equal(t, 0.0, w[api.FamilyRandomForest])
	assert.Equal(t, 0.0, w[api.FamilyGradientBoosting])
	assert.Equal(t, []string{api.FamilyARIMA, api.FamilySeasonalAdditive}, w.Active())
}

func TestWeighNormalisedForAnyInput(t *testing.T) {
	cases := [][]float64{{1}, {0.5, 0.5}, {1, 2, 3, 4}, {1e-6, 1e6}, {3, 3, 3}}
	for _, maes := range cases {
		var perf []api.PerformanceMetric
		for i, m := range maes {
			perf = append(perf, api.PerformanceMetric{Family: string(rune('a' + i)), MAE: m, Folds: 1})
		}
		w := Weigh(perf)
		assert.InDelta(t, 1.0, w.Sum(), 1e-9, "maes %v", maes)
		for _, v := range w {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestWeighAllUnusable(t *testing.T) {
	w := Weigh([]api.PerformanceMetric{{Family: "a", MAE: -1, Folds: 2}, {Family: "b"}})
	assert.Equal(t, 0.0, w.Sum())
	assert.Empty(t, w.Active())
}

func TestEqual(t *testing.T) {
	w := Equal([]string{"a", "b", "c", "d"})
	assert.InDelta(t, 1.0, w.Sum(), 1e-12)
	assert.Equal(t, 0.25, w["c"])
}

func points(start time.Time, ys ...float64) []api.ForecastPoint {
	out := make([]api.ForecastPoint, len(ys))
	for i, y := range ys {
		out[i] = api.ForecastPoint{Date: start.AddDate(0, 0, i), YHat: y, YHatLower: y - 2, YHatUpper: y + 3}
	}
	return out
}

func TestCombineWeightedWithSeasonalInterval(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	perFamily := map[string][]api.ForecastPoint{
		api.FamilySeasonalAdditive: points(start, 10, 20),
		api.FamilyARIMA:            points(start, 40, 50),
		api.FamilyRandomForest:     points(start, 100, 100),
	}
	w := api.EnsembleWeights{api.FamilySeasonalAdditive: 0.5, api.FamilyARIMA: 0.5, api.FamilyRandomForest: 0}

	out, err := Combine(perFamily, w)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.InDelta(t, 25, out[0].YHat, 1e-9)
	assert.InDelta(t, 23, out[0].YHatLower, 1e-9)
	assert.InDelta(t, 28, out[0].YHatUpper, 1e-9)
	assert.Equal(t, 100.0, out[0].PerFamily[api.FamilyRandomForest], "zero-weight families are still reported")
	assert.Len(t, out[1].PerFamily, 3)
}

func TestCombineFallbackBand(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	perFamily := map[string][]api.ForecastPoint{api.FamilyARIMA: points(start, 40)}
	out, err := Combine(perFamily, api.EnsembleWeights{api.FamilyARIMA: 1, api.FamilySeasonalAdditive: 0})
	require.NoError(t, err)
	assert.InDelta(t, 34, out[0].YHatLower, 1e-9)
	assert.InDelta(t, 46, out[0].YHatUpper, 1e-9)
}

func TestCombineRenormalisesMissingFamily(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	perFamily := map[string][]api.ForecastPoint{api.FamilyARIMA: points(start, 40)}
	out, err := Combine(perFamily, api.EnsembleWeights{api.FamilyARIMA: 0.25, api.FamilyRandomForest: 0.75})
	require.NoError(t, err)
	assert.InDelta(t, 40, out[0].YHat, 1e-9)
}

func TestCombineEmpty(t *testing.T) {
	_, err := Combine(map[string][]api.ForecastPoint{}, api.EnsembleWeights{"a": 1})
	assert.ErrorIs(t, err, api.ErrEnsembleEmpty)
}

func TestCombineClampsNegative(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	perFamily := map[string][]api.ForecastPoint{api.FamilyARIMA: points(start, -5)}
	out, err := Combine(perFamily, api.EnsembleWeights{api.FamilyARIMA: 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, out[0].YHat)
	assert.LessOrEqual(t, out[0].YHatLower, out[0].YHat)
	assert.GreaterOrEqual(t, out[0].YHatUpper, out[0].YHat)
}
