package aggregate

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ceapsi/staffcast/internal/api"
)

// EventOverheadHours is the fixed handling overhead counted per event.
const EventOverheadHours = 0.1

// Options configures the aggregator and the training-series preparation.
type Options struct {
	MinDays         int
	MinTransactions int
	MinTarget       float64
	MaxTarget       float64
}

// DefaultOptions returns the production thresholds.
func DefaultOptions() Options {
	return Options{MinDays: 30, MinTransactions: 10, MinTarget: 10, MaxTarget: 300}
}

// Aggregator turns transaction records into one DailyAggregate per business day.
type Aggregator struct {
	opts Options
}

func NewAggregator(opts Options) *Aggregator {
	return &Aggregator{opts: opts}
}

type dayAccumulator struct {
	minutes     float64
	events      int
	byKind      map[api.Kind]int
	specialties map[string]int
}

// Aggregate groups records by calendar date, drops Sundays and derives the
// target and regressors. Output is ordered by date. Fewer than MinTransactions
// records or MinDays resulting days is an InsufficientDataError.
func (a *Aggregator) Aggregate(records []api.TransactionRecord) ([]api.DailyAggregate, error) {
	if len(records) < a.opts.MinTransactions {
		return nil, &api.InsufficientDataError{
			Stage: "aggregate", Have: len(records), Need: a.opts.MinTransactions, Unit: "transactions",
		}
	}

	byDate := make(map[time.Time]*dayAccumulator)
	observed := make(map[string]struct{})
	for _, r := range records {
		date := api.Date(r.Timestamp)
		if !api.IsBusinessDay(date) {
			continue
		}
		acc, ok := byDate[date]
		if !ok {
			acc = &dayAccumulator{byKind: make(map[api.Kind]int), specialties: make(map[string]int)}
			byDate[date] = acc
		}
		acc.minutes += r.DurationMinutes
		acc.events++
		acc.byKind[r.Kind]++
		if r.Kind == api.KindReservation {
			if col := SpecialtyColumn(r.Specialty); col != "" {
				acc.specialties[col]++
				observed[col] = struct{}{}
			}
		}
	}

	specialtyCols := make([]string, 0, len(observed))
	for col := range observed {
		specialtyCols = append(specialtyCols, col)
	}
	sort.Strings(specialtyCols)

	days := make([]api.DailyAggregate, 0, len(byDate))
	for date, acc := range byDate {
		reservations := float64(acc.byKind[api.KindReservation])
		regs := map[string]float64{
			api.RegVolumeReservation:  reservations,
			api.RegVolumeConversation: float64(acc.byKind[api.KindConversation]),
			api.RegVolumeCall:         float64(acc.byKind[api.KindCall]),
			api.RegDayOfWeek:          float64(DayOfWeek(date)),
			api.RegIsMonthStart:       boolFloat(IsMonthStart(date)),
			api.RegAvailableStaff:     AvailableStaff(reservations),
		}
		for _, col := range specialtyCols {
			share := 0.0
			if reservations > 0 {
				share = float64(acc.specialties[col]) / reservations
			}
			regs[col] = share
		}
		days = append(days, api.DailyAggregate{
			Date:       date,
			Y:          Target(acc.minutes, acc.events),
			EventCount: acc.events,
			Regressors: regs,
		})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })

	if len(days) < a.opts.MinDays {
		return nil, &api.InsufficientDataError{Stage: "aggregate", Have: len(days), Need: a.opts.MinDays, Unit: "days"}
	}
	return days, nil
}

// Target converts a day's minutes and event count into person-days.
func Target(minutes float64, events int) float64 {
	return (minutes/60 + EventOverheadHours*float64(events)) / api.HoursPerPersonDay
}

// DayOfWeek maps Monday..Saturday to 1..6 and Sunday to 7.
func DayOfWeek(t time.Time) int {
	if t.Weekday() == time.Sunday {
		return 7
	}
	return int(t.Weekday())
}

// IsMonthStart reports whether the date falls in the first five days of its month.
func IsMonthStart(t time.Time) bool {
	return t.Day() <= 5
}

// AvailableStaff is the staffing proxy: one professional per eight
// reservations, never fewer than five.
func AvailableStaff(reservations float64) float64 {
	return math.Max(5, math.Ceil(reservations/8))
}

// SpecialtyColumn normalises a specialty into its share column name.
func SpecialtyColumn(specialty string) string {
	s := strings.ToLower(strings.TrimSpace(specialty))
	if s == "" {
		return ""
	}
	return api.SpecialtyPrefix + strings.Join(strings.Fields(s), "_")
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
