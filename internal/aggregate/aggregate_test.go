package aggregate

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceapsi/staffcast/internal/api"
)

func constantVolume(start time.Time, days, perDay int, minutes float64) []api.TransactionRecord {
	var records []api.TransactionRecord
	for d := 0; d < days; d++ {
		date := start.AddDate(0, 0, d)
		for i := 0; i < perDay; i++ {
			records = append(records, api.TransactionRecord{
				Timestamp:       date.Add(time.Duration(8+i%8) * time.Hour),
				Kind:            api.KindReservation,
				DurationMinutes: minutes,
				Role:            "secretaria",
				Specialty:       []string{"Psicologia", "Psiquiatria Infantil"}[i%2],
				AgentID:         "u1",
			})
		}
	}
	return records
}

func TestAggregateConstantVolume(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday
	records := constantVolume(start, 90, 10, 45)

	days, err := NewAggregator(DefaultOptions()).Aggregate(records)
	require.NoError(t, err)

	sundays := 0
	for d := 0; d < 90; d++ {
		if start.AddDate(0, 0, d).Weekday() == time.Sunday {
			sundays++
		}
	}
	assert.Len(t, days, 90-sundays)

	want := (10*45.0/60 + 10*0.1) / 8
	for i, d := range days {
		assert.NotEqual(t, time.Sunday, d.Date.Weekday())
		assert.InDelta(t, want, d.Y, 1e-12)
		assert.Equal(t, 10, d.EventCount)
		assert.Equal(t, 10.0, d.Regressors[api.RegVolumeReservation])
		assert.Equal(t, 0.0, d.Regressors[api.RegVolumeCall])
		assert.Equal(t, 5.0, d.Regressors[api.RegAvailableStaff])
		assert.Equal(t, 0.5, d.Regressors["pct_psicologia"])
		assert.Equal(t, 0.5, d.Regressors["pct_psiquiatria_infantil"])
		if i > 0 {
			assert.True(t, days[i-1].Date.Before(d.Date), "output must be ordered")
		}
	}
}

func TestAggregateDeterministic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := constantVolume(start, 60, 7, 30)
	agg := NewAggregator(DefaultOptions())

	a, err := agg.Aggregate(records)
	require.NoError(t, err)
	// Reverse input order; output must not change.
	reversed := make([]api.TransactionRecord, len(records))
	for i := range records {
		reversed[len(records)-1-i] = records[i]
	}
	b, err := agg.Aggregate(reversed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAggregateRegressors(t *testing.T) {
	date := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) // Monday, day 4
	records := []api.TransactionRecord{
		{Timestamp: date, Kind: api.KindReservation, DurationMinutes: 45, Specialty: "Psicologia"},
		{Timestamp: date, Kind: api.KindConversation, DurationMinutes: 10},
		{Timestamp: date, Kind: api.KindCall, DurationMinutes: 5},
	}
	opts := DefaultOptions()
	opts.MinDays, opts.MinTransactions = 1, 1
	days, err := NewAggregator(opts).Aggregate(records)
	require.NoError(t, err)
	require.Len(t, days, 1)

	d := days[0]
	assert.InDelta(t, (60.0/60+0.3)/8, d.Y, 1e-12)
	assert.Equal(t, 1.0, d.Regressors[api.RegDayOfWeek])
	assert.Equal(t, 1.0, d.Regressors[api.RegIsMonthStart])
	assert.Equal(t, 1.0, d.Regressors[api.RegVolumeConversation])
}

func TestAggregateInsufficient(t *testing.T) {
	agg := NewAggregator(DefaultOptions())

	_, err := agg.Aggregate(make([]api.TransactionRecord, 5))
	var ide *api.InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, "transactions", ide.Unit)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = agg.Aggregate(constantVolume(start, 20, 5, 45))
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, "days", ide.Unit)
}

func series(start time.Time, ys []float64) []api.DailyAggregate {
	var days []api.DailyAggregate
	d := start
	for _, y := range ys {
		for !api.IsBusinessDay(d) {
			d = d.AddDate(0, 0, 1)
		}
		days = append(days, api.DailyAggregate{Date: d, Y: y, Regressors: map[string]float64{}})
		d = d.AddDate(0, 0, 1)
	}
	return days
}

func TestFilterTargetBoundsInclusive(t *testing.T) {
	days := series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), []float64{9.99, 10, 150, 300, 300.01})
	kept, removed := FilterTargetBounds(days, 10, 300)
	assert.Equal(t, 2, removed)
	require.Len(t, kept, 3)
	assert.Equal(t, 10.0, kept[0].Y)
	assert.Equal(t, 300.0, kept[2].Y)
}

func TestQuantileLinear(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	assert.InDelta(t, 1.75, Quantile(sorted, 0.25), 1e-12)
	assert.InDelta(t, 3.25, Quantile(sorted, 0.75), 1e-12)
	assert.Equal(t, 5.0, Quantile([]float64{5}, 0.9))
	assert.True(t, math.IsNaN(Quantile(nil, 0.5)))
}

func TestPrepareRemovesSpike(t *testing.T) {
	ys := make([]float64, 60)
	for i := range ys {
		ys[i] = 20 + float64(i%3)
	}
	ys[30] = 200 // ten times the normal volume
	days := series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ys)

	prepared, report, err := PrepareTrainingSeries(days, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, report.OutOfBounds)
	assert.Equal(t, 1, report.Outliers)
	assert.Len(t, prepared, 59)
	for _, d := range prepared {
		assert.NotEqual(t, days[30].Date, d.Date)
	}
}

func TestPrepareInsufficientAfterFilter(t *testing.T) {
	ys := make([]float64, 35)
	for i := range ys {
		ys[i] = 5 // all below the hard bound
	}
	days := series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ys)
	_, report, err := PrepareTrainingSeries(days, DefaultOptions())
	assert.True(t, api.IsInsufficientData(err))
	assert.Equal(t, 35, report.OutOfBounds)
}

func TestValidate(t *testing.T) {
	ys := make([]float64, 40)
	for i := range ys {
		ys[i] = 40 + 10*math.Sin(float64(i))
	}
	days := series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ys)
	report := Validate(days)
	assert.True(t, report.OK, "messages: %v", report.Messages)

	gappy := append([]api.DailyAggregate{}, days[:10]...)
	gappy = append(gappy, days[15:]...)
	report = Validate(gappy)
	assert.False(t, report.OK)
	assert.Equal(t, 5, report.MissingDays)

	flat := series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), []float64{1, 1, 1})
	report = Validate(flat)
	assert.False(t, report.OK)
	assert.NotEmpty(t, report.Messages)
}

func TestSummaryAndNames(t *testing.T) {
	days := series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), []float64{10, 20, 30})
	for i := range days {
		days[i].Regressors["pct_b"] = 0.5
		days[i].Regressors["pct_a"] = 0.25
		days[i].Regressors[api.RegVolumeCall] = float64(i)
	}
	assert.Equal(t, []string{api.RegVolumeCall, "pct_a", "pct_b"}, RegressorNames(days))

	sum := Summary(days)
	assert.InDelta(t, 20, sum["y"].Mean, 1e-12)
	assert.Equal(t, 10.0, sum["y"].Min)
	assert.Equal(t, 2.0, sum[api.RegVolumeCall].Max)
	assert.InDelta(t, 1.0, ColumnMeans(days)[api.RegVolumeCall], 1e-12)
}
