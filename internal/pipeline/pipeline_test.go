package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/audit"
	"github.com/ceapsi/staffcast/internal/config"
	"github.com/ceapsi/staffcast/internal/export"
	"github.com/ceapsi/staffcast/internal/freshness"
	"github.com/ceapsi/staffcast/internal/ingest"
	"github.com/ceapsi/staffcast/internal/registry"
	"github.com/ceapsi/staffcast/internal/store"
)

// tuesday is the reference run time; a Tuesday keeps Monday retraining out
// of the way.
var tuesday = time.Date(2024, 7, 2, 10, 0, 0, 0, time.UTC)

var weekdayEffect = map[time.Weekday]float64{
	time.Monday: 8, time.Tuesday: 10, time.Wednesday: 4,
	time.Thursday: 0, time.Friday: -3, time.Saturday: -12,
}

// dailySeries returns n business days ending before tuesday with a weekly
// pattern around level.
func dailySeries(n int, level float64) []api.DailyAggregate {
	rng := rand.New(rand.NewPCG(7, 7))
	d := tuesday.AddDate(0, 0, -1)
	days := make([]api.DailyAggregate, 0, n)
	for len(days) < n {
		d = d.AddDate(0, 0, -1)
		if !api.IsBusinessDay(d) {
			continue
		}
		y := level + weekdayEffect[d.Weekday()]*level/40 + rng.NormFloat64()*level/40
		days = append(days, api.DailyAggregate{
			Date: api.Date(d),
			Y:    y,
			Regressors: map[string]float64{
				api.RegVolumeReservation: float64(int(y * 0.8)),
				api.RegDayOfWeek:         float64(d.Weekday()),
				api.RegIsMonthStart:      boolFloat(d.Day() <= 5),
			},
		})
	}
	for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
		days[i], days[j] = days[j], days[i]
	}
	return days
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) Record(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) last() audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1]
}

type recordingNotifier struct {
	calls  int
	alerts []api.Alert
}

func (n *recordingNotifier) NotifyCritical(_ context.Context, _ string, alerts []api.Alert) error {
	n.calls++
	n.alerts = append(n.alerts, alerts...)
	return nil
}

type harness struct {
	runner   *Runner
	registry *registry.Registry
	store    store.Store
	fresh    *freshness.Machine
	sink     *recordingSink
	notifier *recordingNotifier
	outDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Forecast.HorizonDays = 14
	cfg.Models.ForestTrees = 10
	cfg.Models.BoostingStages = 20
	cfg.CrossVal.Parallelism = 2
	cfg.Paths.OutputDir = filepath.Join(dir, "results")

	st, err := store.NewMemoryStore("")
	require.NoError(t, err)
	reg, err := registry.Open(filepath.Join(dir, "models"), nil)
	require.NoError(t, err)
	fresh := freshness.New(freshness.Options{StaleAfterDays: 30, RetrainOnMonday: true}, st, nil, nil)

	h := &harness{
		registry: reg,
		store:    st,
		fresh:    fresh,
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
		outDir:   cfg.Paths.OutputDir,
	}
	h.runner = NewRunner(Deps{
		Config:    cfg,
		Registry:  reg,
		Store:     st,
		Freshness: fresh,
		Exporter:  export.NewExporter(cfg.Paths.OutputDir, nil, nil),
		Audit:     h.sink,
		Notifier:  h.notifier,
		Formats:   []export.Format{export.FormatJSON},
	})
	return h
}

func runContext(at time.Time) RunContext {
	rc := NewRunContext(at, "synthetic.csv", 0)
	return rc
}

func TestRunFullRetrainsThenServesFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := ingest.Dataset{Daily: dailySeries(120, 40)}

	first, err := h.runner.RunFull(ctx, runContext(tuesday), ds)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.True(t, first.Retrained)
	assert.NotEmpty(t, first.ModelVersion)
	assert.Equal(t, freshness.Fresh, h.fresh.State())

	require.NotNil(t, first.Bundle)
	assert.Len(t, first.Bundle.Predictions, 14)
	assert.Len(t, first.Bundle.Recommendations, 14)
	assert.Equal(t, first.ModelVersion, first.Bundle.Metadata.ModelVersion)
	assert.InDelta(t, 1.0, sumWeights(first.Bundle.Metadata.EnsembleWeights), 1e-3)
	assert.FileExists(t, filepath.Join(first.OutputDir, export.BundleFile))

	active, err := h.registry.Active()
	require.NoError(t, err)
	assert.Equal(t, first.ModelVersion, active.Version)

	last, ok, err := h.store.LastTraining(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ModelVersion, last.ModelVersion)

	second, err := h.runner.RunFull(ctx, runContext(tuesday.Add(time.Hour)), ds)
	require.NoError(t, err)
	assert.False(t, second.Retrained)
	assert.Equal(t, first.ModelVersion, second.ModelVersion)
	assert.NotEqual(t, first.OutputDir, second.OutputDir)
	assert.Len(t, h.registry.List(), 1)

	latest, ok, err := h.store.LatestRun(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.RunID, latest.RunID)
}

func TestRunFullForecastStaysNearLevel(t *testing.T) {
	for _, n := range []int{100, 120, 150} {
		t.Run(fmt.Sprintf("days=%d", n), func(t *testing.T) {
			h := newHarness(t)
			series := dailySeries(n, 40)
			mean := 0.0
			for _, d := range series {
				mean += d.Y
			}
			mean /= float64(len(series))

			res, err := h.runner.RunFull(context.Background(), runContext(tuesday), ingest.Dataset{Daily: series})
			require.NoError(t, err)
			require.NotNil(t, res.Bundle)
			assert.NotContains(t, res.Bundle.Metadata.ExcludedFamilies, api.FamilyARIMA)

			for _, p := range res.Bundle.Predictions {
				assert.InDelta(t, mean, p.YHat, 0.5*mean, "ensemble %s", p.DS)
				for family, v := range p.PerFamily {
					assert.InDelta(t, mean, v, 0.5*mean, "%s %s", family, p.DS)
				}
			}
		})
	}
}

func TestRunFullForceRetrains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := ingest.Dataset{Daily: dailySeries(120, 40)}

	first, err := h.runner.RunFull(ctx, runContext(tuesday), ds)
	require.NoError(t, err)

	rc := runContext(tuesday.Add(time.Minute))
	rc.Force = true
	forced, err := h.runner.RunFull(ctx, rc, ds)
	require.NoError(t, err)
	assert.True(t, forced.Retrained)
	assert.NotEqual(t, first.ModelVersion, forced.ModelVersion)

	prev := h.registry.Previous()
	require.NotNil(t, prev)
	assert.Equal(t, first.ModelVersion, prev.Version)
}

func TestRunForecastOnlyWithoutActiveModel(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.RunForecastOnly(context.Background(), runContext(tuesday), ingest.Dataset{Daily: dailySeries(60, 40)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrNoActiveModel))
	assert.False(t, res.Success)
	assert.Equal(t, StageLoad, res.Stage)
	assert.Nil(t, res.Bundle)
	assert.Equal(t, "error", h.sink.last().Status)
	assert.Zero(t, h.notifier.calls)
}

func TestRunForecastOnlyUsesActiveVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ds := ingest.Dataset{Daily: dailySeries(120, 40)}

	trained, err := h.runner.RunFull(ctx, runContext(tuesday), ds)
	require.NoError(t, err)

	res, err := h.runner.RunForecastOnly(ctx, runContext(tuesday.Add(time.Hour)), ds)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Retrained)
	assert.Equal(t, trained.ModelVersion, res.ModelVersion)
	assert.Equal(t, audit.AnalysisForecast, h.sink.last().AnalysisType)
}

func TestRetrainingFallbackIsDegraded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	trained, err := h.runner.RunFull(ctx, runContext(tuesday), ingest.Dataset{Daily: dailySeries(120, 40)})
	require.NoError(t, err)

	// Every day sits below the minimum target, so nothing is left to train on.
	rc := runContext(tuesday.Add(time.Hour))
	rc.Force = true
	res, err := h.runner.RunFull(ctx, rc, ingest.Dataset{Daily: dailySeries(40, 5)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Degraded)
	assert.False(t, res.Retrained)
	assert.Equal(t, trained.ModelVersion, res.ModelVersion)
	assert.NotEmpty(t, res.Warnings)
	assert.True(t, res.Bundle.Metadata.Degraded)
	assert.Equal(t, freshness.Stale, h.fresh.State())
}

func TestRetrainingImpossibleWithoutActiveModelFails(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.RunFull(context.Background(), runContext(tuesday), ingest.Dataset{Daily: dailySeries(40, 5)})
	require.Error(t, err)
	assert.True(t, api.IsInsufficientData(err))
	assert.Equal(t, StagePrepare, res.Stage)
}

func TestInsufficientDataAbortsWithoutExport(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.RunFull(context.Background(), runContext(tuesday), ingest.Dataset{Daily: dailySeries(10, 40)})
	require.Error(t, err)
	assert.True(t, api.IsInsufficientData(err))
	assert.False(t, res.Success)
	assert.Equal(t, StageIngest, res.Stage)
	assert.Empty(t, res.OutputDir)

	_, statErr := os.Stat(h.outDir)
	assert.True(t, os.IsNotExist(statErr))

	latest, ok, err := h.store.LatestRun(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, latest.Success)
}

func TestCriticalAlertsAreNotified(t *testing.T) {
	h := newHarness(t)
	// 40 person-days is 320 hours a day, far above the critical threshold.
	res, err := h.runner.RunFull(context.Background(), runContext(tuesday), ingest.Dataset{Daily: dailySeries(120, 40)})
	require.NoError(t, err)

	assert.Equal(t, 1, h.notifier.calls)
	assert.Len(t, h.notifier.alerts, 14)
	for _, a := range h.notifier.alerts {
		assert.Equal(t, api.AlertCritical, a.Type)
	}
	assert.Equal(t, 14, res.Bundle.Summary.AlertasCriticas)

	entry := h.sink.last()
	assert.Equal(t, "success", entry.Status)
	assert.Equal(t, audit.AnalysisFull, entry.AnalysisType)
	assert.NotEmpty(t, entry.PerformanceMetrics)
}

func TestStageErrorNamesStage(t *testing.T) {
	h := newHarness(t)
	err := h.runner.stage(context.Background(), runContext(tuesday), StageExport, func(context.Context) error {
		return errors.New("disk full")
	})
	var se *api.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageExport, se.Stage)
	assert.Equal(t, StageExport, stageOf(err, StageLoad))
}

func sumWeights(w map[string]float64) float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}
