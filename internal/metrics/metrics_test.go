package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RunFinished("full", true, time.Unix(1700000000, 0))
	m.RunFinished("full", false, time.Now())
	m.FamilyFailed("arima", "fit")
	m.FoldDone("arima", false)
	m.FoldDone("arima", true)
	m.SetWeights(map[string]float64{"arima": 0.6, "random_forest": 0.4}, 2)
	m.AlertEmitted("CRITICAL")
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.ObserveStage("forecast", 120*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineRuns.WithLabelValues("full", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineRuns.WithLabelValues("full", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FamilyFailures.WithLabelValues("arima", "fit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FoldsSkipped.WithLabelValues("arima")))
	assert.Equal(t, 0.6, testutil.ToFloat64(m.EnsembleWeight.WithLabelValues("arima")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EnsembleSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.LastSuccessTime))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestIsolatedRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunFinished("full", true, time.Now())
		m.FamilyFailed("arima", "fit")
		m.SetWeights(nil, 0)
		m.CacheLookup(true)
	})
}
