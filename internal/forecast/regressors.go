package forecast

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/ceapsi/staffcast/internal/aggregate"
	"github.com/ceapsi/staffcast/internal/api"
)

// DayFactors scales trailing volumes by weekday.
var DayFactors = map[time.Weekday]float64{
	time.Monday:    1.2,
	time.Tuesday:   1.3,
	time.Wednesday: 1.1,
	time.Thursday:  1.0,
	time.Friday:    0.9,
	time.Saturday:  0.7,
}

// WeekOfMonthFactors scales trailing volumes by week within the month.
var WeekOfMonthFactors = map[int]float64{1: 1.1, 2: 1.0, 3: 0.95, 4: 1.05}

// jitterSigma is the standard deviation of the noise added per volume column.
var jitterSigma = map[string]float64{
	api.RegVolumeReservation:  1,
	api.RegVolumeConversation: 2,
	api.RegVolumeCall:         2,
}

var volumeColumns = []string{api.RegVolumeReservation, api.RegVolumeConversation, api.RegVolumeCall}

// trailingWindow is the number of recent rows averaged for volume baselines.
const trailingWindow = 7

// FutureBusinessDays returns the n business days following last.
func FutureBusinessDays(last time.Time, n int) []time.Time {
	dates := make([]time.Time, 0, n)
	d := api.Date(last)
	for len(dates) < n {
		d = d.AddDate(0, 0, 1)
		if api.IsBusinessDay(d) {
			dates = append(dates, d)
		}
	}
	return dates
}

// WeekOfMonth returns 1 for days 1-7, 2 for days 8-14 and so on.
func WeekOfMonth(t time.Time) int {
	return (t.Day()-1)/7 + 1
}

// RegressorEstimator fills in regressors for dates that have not happened yet.
type RegressorEstimator struct {
	Seed int64
}

// Estimate returns one row per date carrying every regressor in names.
// Volumes come from the trailing 7-row mean scaled by the weekday and
// week-of-month factors plus seeded Gaussian jitter, floored at 1. Calendar
// columns are derived from the date. Every other column is back-filled with
// its historical mean.
func (e RegressorEstimator) Estimate(history []api.DailyAggregate, dates []time.Time, names []string) []api.DailyAggregate {
	rng := rand.New(rand.NewPCG(uint64(e.Seed), uint64(e.Seed)+1))
	means := aggregate.ColumnMeans(history)

	tail := history
	if len(tail) > trailingWindow {
		tail = tail[len(tail)-trailingWindow:]
	}
	base := aggregate.ColumnMeans(tail)

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	rows := make([]api.DailyAggregate, len(dates))
	for i, date := range dates {
		regs := make(map[string]float64, len(names))
		factor := DayFactors[date.Weekday()] * weekFactor(date)

		for _, col := range volumeColumns {
			// drawn for every column to keep the random sequence fixed
			noise := rng.NormFloat64() * jitterSigma[col]
			if !wanted[col] {
				continue
			}
			b, ok := base[col]
			if !ok {
				regs[col] = means[col]
				continue
			}
			regs[col] = math.Max(1, math.Floor(b*factor+noise))
		}
		if wanted[api.RegDayOfWeek] {
			regs[api.RegDayOfWeek] = float64(aggregate.DayOfWeek(date))
		}
		if wanted[api.RegIsMonthStart] {
			regs[api.RegIsMonthStart] = 0
			if aggregate.IsMonthStart(date) {
				regs[api.RegIsMonthStart] = 1
			}
		}
		if wanted[api.RegAvailableStaff] {
			if res, ok := regs[api.RegVolumeReservation]; ok && base[api.RegVolumeReservation] > 0 {
				regs[api.RegAvailableStaff] = aggregate.AvailableStaff(res)
			} else {
				regs[api.RegAvailableStaff] = means[api.RegAvailableStaff]
			}
		}
		for _, name := range names {
			if _, ok := regs[name]; !ok {
				regs[name] = means[name]
			}
		}
		rows[i] = api.DailyAggregate{Date: date, Regressors: regs}
	}
	return rows
}

func weekFactor(t time.Time) float64 {
	if f, ok := WeekOfMonthFactors[WeekOfMonth(t)]; ok {
		return f
	}
	return 1.0
}
