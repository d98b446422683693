package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for pipeline runs. All methods are
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	PipelineRuns    *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	FamilyFailures  *prometheus.CounterVec
	FoldsEvaluated  *prometheus.CounterVec
	FoldsSkipped    *prometheus.CounterVec
	FamilyMAE       *prometheus.GaugeVec
	FamilyRMSE      *prometheus.GaugeVec
	EnsembleWeight  *prometheus.GaugeVec
	EnsembleSize    prometheus.Gauge
	AlertsEmitted   *prometheus.CounterVec
	ExportFailures  *prometheus.CounterVec
	FreshnessState  prometheus.Gauge
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	LastSuccessTime prometheus.Gauge
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PipelineRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "staffcast_pipeline_runs_total",
				Help: "Pipeline runs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "staffcast_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"stage"},
		),
		FamilyFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "staffcast_family_failures_total",
				Help: "Model family fit or predict failures",
			},
			[]string{"family", "op"},
		),
		FoldsEvaluated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "staffcast_cv_folds_evaluated_total",
				Help: "Cross-validation folds evaluated per family",
			},
			[]string{"family"},
		),
		FoldsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "staffcast_cv_folds_skipped_total",
				Help: "Cross-validation folds skipped per family",
			},
			[]string{"family"},
		),
		FamilyMAE: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "staffcast_family_mae",
				Help: "Cross-validated MAE per family",
			},
			[]string{"family"},
		),
		FamilyRMSE: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "staffcast_family_rmse",
				Help: "Cross-validated RMSE per family",
			},
			[]string{"family"},
		),
		EnsembleWeight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "staffcast_ensemble_weight",
				Help: "Ensemble weight per family",
			},
			[]string{"family"},
		),
		EnsembleSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "staffcast_ensemble_size",
			Help: "Number of families contributing to the last forecast",
		}),
		AlertsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "staffcast_alerts_total",
				Help: "Alerts emitted by type",
			},
			[]string{"type"},
		),
		ExportFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "staffcast_export_failures_total",
				Help: "Export failures by format",
			},
			[]string{"format"},
		),
		FreshnessState: f.NewGauge(prometheus.GaugeOpts{
			Name: "staffcast_freshness_state",
			Help: "Model freshness state (0=fresh, 1=stale, 2=retraining)",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "staffcast_forecast_cache_hits_total",
			Help: "Forecast bundles served from cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "staffcast_forecast_cache_misses_total",
			Help: "Forecast requests that missed the cache",
		}),
		LastSuccessTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "staffcast_last_success_timestamp_seconds",
			Help: "Unix time of the last successful pipeline run",
		}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RunFinished(kind string, success bool, at time.Time) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
		m.LastSuccessTime.Set(float64(at.Unix()))
	}
	m.PipelineRuns.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) FamilyFailed(family, op string) {
	if m == nil {
		return
	}
	m.FamilyFailures.WithLabelValues(family, op).Inc()
}

func (m *Metrics) FoldDone(family string, skipped bool) {
	if m == nil {
		return
	}
	if skipped {
		m.FoldsSkipped.WithLabelValues(family).Inc()
		return
	}
	m.FoldsEvaluated.WithLabelValues(family).Inc()
}

func (m *Metrics) SetFamilyScore(family string, mae, rmse float64) {
	if m == nil {
		return
	}
	m.FamilyMAE.WithLabelValues(family).Set(mae)
	m.FamilyRMSE.WithLabelValues(family).Set(rmse)
}

func (m *Metrics) SetWeights(weights map[string]float64, size int) {
	if m == nil {
		return
	}
	for family, w := range weights {
		m.EnsembleWeight.WithLabelValues(family).Set(w)
	}
	m.EnsembleSize.Set(float64(size))
}

func (m *Metrics) AlertEmitted(alertType string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(alertType).Inc()
}

func (m *Metrics) ExportFailed(format string) {
	if m == nil {
		return
	}
	m.ExportFailures.WithLabelValues(format).Inc()
}

func (m *Metrics) SetFreshness(state int) {
	if m == nil {
		return
	}
	m.FreshnessState.Set(float64(state))
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}
