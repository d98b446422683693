package aggregate

import (
	"math"
	"sort"

	"github.com/ceapsi/staffcast/internal/api"
)

// FilterTargetBounds keeps days with lo <= y <= hi. It returns the kept days
// and the number removed.
func FilterTargetBounds(days []api.DailyAggregate, lo, hi float64) ([]api.DailyAggregate, int) {
	kept := make([]api.DailyAggregate, 0, len(days))
	for _, d := range days {
		if d.Y >= lo && d.Y <= hi {
			kept = append(kept, d)
		}
	}
	return kept, len(days) - len(kept)
}

// FilterIQR removes days whose target lies outside the Tukey fences
// [Q1-1.5·IQR, Q3+1.5·IQR].
func FilterIQR(days []api.DailyAggregate) ([]api.DailyAggregate, int) {
	if len(days) == 0 {
		return days, 0
	}
	ys := make([]float64, len(days))
	for i, d := range days {
		ys[i] = d.Y
	}
	lo, hi := Fences(ys)

	kept := make([]api.DailyAggregate, 0, len(days))
	for _, d := range days {
		if d.Y >= lo && d.Y <= hi {
			kept = append(kept, d)
		}
	}
	return kept, len(days) - len(kept)
}

// Fences returns the lower and upper Tukey fences of xs.
func Fences(xs []float64) (float64, float64) {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	q1 := Quantile(sorted, 0.25)
	q3 := Quantile(sorted, 0.75)
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

// Quantile returns the p-quantile of sorted data by linear interpolation
// between closest ranks at position (n-1)·p.
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	pos := float64(n-1) * p
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// PrepareReport describes what PrepareTrainingSeries removed.
type PrepareReport struct {
	Input          int `json:"input_days"`
	OutOfBounds    int `json:"out_of_bounds"`
	Outliers       int `json:"outliers"`
	TrainingSeries int `json:"training_days"`
}

// PrepareTrainingSeries applies the hard target bounds and then the IQR fence.
// The result must still hold at least MinDays rows.
func PrepareTrainingSeries(days []api.DailyAggregate, opts Options) ([]api.DailyAggregate, PrepareReport, error) {
	report := PrepareReport{Input: len(days)}

	bounded, removed := FilterTargetBounds(days, opts.MinTarget, opts.MaxTarget)
	report.OutOfBounds = removed

	series, outliers := FilterIQR(bounded)
	report.Outliers = outliers
	report.TrainingSeries = len(series)

	if len(series) < opts.MinDays {
		return nil, report, &api.InsufficientDataError{
			Stage: "prepare", Have: len(series), Need: opts.MinDays, Unit: "days",
		}
	}
	return series, report, nil
}
