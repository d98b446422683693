package ensemble

import (
	"fmt"
	"math"
	"sort"

	"github.com/ceapsi/staffcast/internal/api"
)

// Interval band used when the seasonal-additive family cannot supply one.
const (
	FallbackLowerRatio = 0.85
	FallbackUpperRatio = 1.15
)

// Weigh converts cross-validated errors into normalised inverse-error weights:
// each usable family gets min(MAE)/MAE, then all weights are divided by their
// sum. Families with missing, NaN or non-positive MAE get weight 0. If no
// family is usable every family gets weight 0.
func Weigh(perf []api.PerformanceMetric) api.EnsembleWeights {
	weights := make(api.EnsembleWeights, len(perf))
	best := math.Inf(1)
	for _, pm := range perf {
		weights[pm.Family] = 0
		if pm.Usable() && pm.MAE < best {
			best = pm.MAE
		}
	}
	if math.IsInf(best, 1) {
		return weights
	}

	total := 0.0
	for _, pm := range perf {
		if pm.Usable() {
			weights[pm.Family] = best / pm.MAE
			total += weights[pm.Family]
		}
	}
	for name := range weights {
		weights[name] /= total
	}
	return weights
}

// Equal gives every named family the same weight.
func Equal(families []string) api.EnsembleWeights {
	weights := make(api.EnsembleWeights, len(families))
	for _, name := range families {
		weights[name] = 1 / float64(len(families))
	}
	return weights
}

// Combine merges per-family forecasts into ensemble points. Only families with
// positive weight and predictions take part; their weights are renormalised
// over the families present. The interval re-centres the seasonal-additive
// half-widths on the ensemble point when that family contributes, otherwise
// it is the 0.85x/1.15x band. Every family's prediction is kept in PerFamily.
func Combine(perFamily map[string][]api.ForecastPoint, weights api.EnsembleWeights) ([]api.ForecastPoint, error) {
	var active []string
	for _, name := range weights.Active() {
		if len(perFamily[name]) > 0 {
			active = append(active, name)
		}
	}
	if len(active) == 0 {
		return nil, api.ErrEnsembleEmpty
	}

	n := len(perFamily[active[0]])
	for _, name := range active {
		if len(perFamily[name]) != n {
			return nil, fmt.Errorf("family %s produced %d points, expected %d", name, len(perFamily[name]), n)
		}
	}
	total := 0.0
	for _, name := range active {
		total += weights[name]
	}

	all := make([]string, 0, len(perFamily))
	for name := range perFamily {
		all = append(all, name)
	}
	sort.Strings(all)

	seasonal, useSeasonal := perFamily[api.FamilySeasonalAdditive]
	useSeasonal = useSeasonal && weights[api.FamilySeasonalAdditive] > 0 && len(seasonal) == n

	out := make([]api.ForecastPoint, n)
	for i := 0; i < n; i++ {
		date := perFamily[active[0]][i].Date
		yhat := 0.0
		for _, name := range active {
			p := perFamily[name][i]
			if !p.Date.Equal(date) {
				return nil, fmt.Errorf("family %s point %d is dated %s, expected %s",
					name, i, p.Date.Format("2006-01-02"), date.Format("2006-01-02"))
			}
			yhat += weights[name] / total * p.YHat
		}

		var lower, upper float64
		if useSeasonal {
			sp := seasonal[i]
			lower = yhat - math.Max(0, sp.YHat-sp.YHatLower)
			upper = yhat + math.Max(0, sp.YHatUpper-sp.YHat)
		} else {
			lower = yhat * FallbackLowerRatio
			upper = yhat * FallbackUpperRatio
		}
		yhat = math.Max(0, yhat)
		lower = math.Min(math.Max(0, lower), yhat)
		upper = math.Max(upper, yhat)

		per := make(map[string]float64, len(all))
		for _, name := range all {
			if i < len(perFamily[name]) {
				per[name] = perFamily[name][i].YHat
			}
		}
		out[i] = api.ForecastPoint{Date: date, YHat: yhat, YHatLower: lower, YHatUpper: upper, PerFamily: per}
	}
	return out, nil
}
