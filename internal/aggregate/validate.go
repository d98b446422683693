package aggregate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ceapsi/staffcast/internal/api"
)

// Plausibility ranges checked by Validate.
const (
	ExpectedMinTarget = 10.0
	ExpectedMaxTarget = 100.0
	ExpectedMinCV     = 0.1
	ExpectedMaxCV     = 0.5
)

// ValidationReport is the non-fatal quality assessment of a series.
type ValidationReport struct {
	OK          bool     `json:"ok"`
	MissingDays int      `json:"missing_days"`
	NullTargets int      `json:"null_targets"`
	Messages    []string `json:"messages"`
}

// Validate checks business-day continuity, missing targets, the plausible
// target range and the coefficient of variation.
func Validate(days []api.DailyAggregate) ValidationReport {
	report := ValidationReport{OK: true}
	if len(days) == 0 {
		report.OK = false
		report.Messages = append(report.Messages, "empty series")
		return report
	}

	expected := 0
	for d := days[0].Date; !d.After(days[len(days)-1].Date); d = d.AddDate(0, 0, 1) {
		if api.IsBusinessDay(d) {
			expected++
		}
	}
	if missing := expected - len(days); missing > 0 {
		report.MissingDays = missing
		report.Messages = append(report.Messages, fmt.Sprintf("%d business days missing between %s and %s",
			missing, days[0].Date.Format("2006-01-02"), days[len(days)-1].Date.Format("2006-01-02")))
	}

	ys := make([]float64, 0, len(days))
	for _, d := range days {
		if math.IsNaN(d.Y) || math.IsInf(d.Y, 0) {
			report.NullTargets++
			continue
		}
		ys = append(ys, d.Y)
	}
	if report.NullTargets > 0 {
		report.Messages = append(report.Messages, fmt.Sprintf("%d days with missing target", report.NullTargets))
	}
	if len(ys) == 0 {
		report.OK = false
		return report
	}

	lo, hi := floats.Min(ys), floats.Max(ys)
	if lo < ExpectedMinTarget || hi > ExpectedMaxTarget {
		report.Messages = append(report.Messages, fmt.Sprintf("target range %.2f-%.2f outside expected %.0f-%.0f",
			lo, hi, ExpectedMinTarget, ExpectedMaxTarget))
	}
	mean, std := stat.MeanStdDev(ys, nil)
	if mean > 0 && len(ys) > 1 {
		cv := std / mean
		if cv < ExpectedMinCV || cv > ExpectedMaxCV {
			report.Messages = append(report.Messages, fmt.Sprintf("coefficient of variation %.3f outside expected %.1f-%.1f",
				cv, ExpectedMinCV, ExpectedMaxCV))
		}
	}

	report.OK = len(report.Messages) == 0
	return report
}

// ColumnStats summarises one column of the series.
type ColumnStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Summary returns statistics for the target (key "y") and every regressor.
func Summary(days []api.DailyAggregate) map[string]ColumnStats {
	out := make(map[string]ColumnStats)
	if len(days) == 0 {
		return out
	}
	ys := make([]float64, len(days))
	for i, d := range days {
		ys[i] = d.Y
	}
	out["y"] = columnStats(ys)

	for _, name := range RegressorNames(days) {
		var xs []float64
		for _, d := range days {
			if v, ok := d.Regressors[name]; ok {
				xs = append(xs, v)
			}
		}
		if len(xs) > 0 {
			out[name] = columnStats(xs)
		}
	}
	return out
}

// ColumnMeans returns the mean of every regressor over the days that carry it.
func ColumnMeans(days []api.DailyAggregate) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, d := range days {
		for name, v := range d.Regressors {
			sums[name] += v
			counts[name]++
		}
	}
	means := make(map[string]float64, len(sums))
	for name, s := range sums {
		means[name] = s / float64(counts[name])
	}
	return means
}

var baseRegressors = []string{
	api.RegVolumeReservation,
	api.RegVolumeConversation,
	api.RegVolumeCall,
	api.RegDayOfWeek,
	api.RegIsMonthStart,
	api.RegAvailableStaff,
}

// RegressorNames returns the regressor columns present in days: the base
// columns first in fixed order, then the remaining columns sorted.
func RegressorNames(days []api.DailyAggregate) []string {
	present := make(map[string]struct{})
	for _, d := range days {
		for name := range d.Regressors {
			present[name] = struct{}{}
		}
	}
	var names []string
	for _, name := range baseRegressors {
		if _, ok := present[name]; ok {
			names = append(names, name)
			delete(present, name)
		}
	}
	rest := make([]string, 0, len(present))
	for name := range present {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	return append(names, rest...)
}

func columnStats(xs []float64) ColumnStats {
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) < 2 {
		std = 0
	}
	return ColumnStats{Mean: mean, Std: std, Min: floats.Min(xs), Max: floats.Max(xs)}
}
