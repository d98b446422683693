// Package pipeline runs the forecasting pipeline end to end: ingestion,
// training with cross-validation, ensemble forecasting, alerts, staffing,
// export, audit and notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ceapsi/staffcast/internal/aggregate"
	"github.com/ceapsi/staffcast/internal/alerts"
	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/audit"
	"github.com/ceapsi/staffcast/internal/config"
	"github.com/ceapsi/staffcast/internal/crossval"
	"github.com/ceapsi/staffcast/internal/export"
	"github.com/ceapsi/staffcast/internal/forecast"
	"github.com/ceapsi/staffcast/internal/freshness"
	"github.com/ceapsi/staffcast/internal/ingest"
	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/metrics"
	"github.com/ceapsi/staffcast/internal/models"
	"github.com/ceapsi/staffcast/internal/notify"
	"github.com/ceapsi/staffcast/internal/registry"
	"github.com/ceapsi/staffcast/internal/staffing"
	"github.com/ceapsi/staffcast/internal/store"
	"github.com/ceapsi/staffcast/pkg/otel"
)

// Run kinds.
const (
	KindFull     = "full"
	KindForecast = "forecast"
)

// Stage names.
const (
	StageIngest   = "ingest"
	StagePrepare  = "prepare"
	StageFit      = "fit"
	StageCrossVal = "crossval"
	StageRegister = "register"
	StageLoad     = "load"
	StageForecast = "forecast"
	StageAlerts   = "alerts"
	StageStaffing = "staffing"
	StageExport   = "export"
)

// RunContext identifies one run. Runs never share output directories.
type RunContext struct {
	RunID       string
	GeneratedAt time.Time
	InputPath   string
	// OutputDir overrides the exporter base directory for this run.
	OutputDir string
	Horizon   int
	Force     bool
}

// NewRunContext assigns a fresh run id.
func NewRunContext(now time.Time, inputPath string, horizon int) RunContext {
	return RunContext{RunID: uuid.NewString(), GeneratedAt: now, InputPath: inputPath, Horizon: horizon}
}

// Result is what the scheduler and the HTTP surface receive.
type Result struct {
	RunID        string            `json:"run_id"`
	Kind         string            `json:"kind"`
	Success      bool              `json:"success"`
	Stage        string            `json:"stage,omitempty"`
	Err          error             `json:"-"`
	Error        string            `json:"error,omitempty"`
	Bundle       *export.Bundle    `json:"-"`
	Alerts       []api.Alert       `json:"-"`
	OutputDir    string            `json:"output_dir,omitempty"`
	Paths        []string          `json:"paths,omitempty"`
	Degraded     bool              `json:"degraded"`
	Excluded     map[string]string `json:"excluded,omitempty"`
	Retrained    bool              `json:"retrained"`
	ModelVersion string            `json:"model_version,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	Duration     time.Duration     `json:"duration"`
}

func (r *Result) fail(stage string, err error) {
	r.Success = false
	r.Stage = stage
	r.Err = err
	r.Error = err.Error()
}

// Deps are the collaborators of a Runner. Nil Audit and Notifier are
// replaced by no-op implementations.
type Deps struct {
	Config    config.Config
	Registry  *registry.Registry
	Store     store.Store
	Freshness *freshness.Machine
	Exporter  *export.Exporter
	Audit     audit.Sink
	Notifier  notify.Notifier
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Formats   []export.Format
}

// Runner executes pipeline runs.
type Runner struct {
	cfg        config.Config
	registry   *registry.Registry
	store      store.Store
	fresh      *freshness.Machine
	exporter   *export.Exporter
	audit      audit.Sink
	notifier   notify.Notifier
	logger     *logging.Logger
	metrics    *metrics.Metrics
	formats    []export.Format
	aggregator *aggregate.Aggregator
	validator  *crossval.Validator
	generator  *forecast.Generator
	detector   *alerts.Detector
	translator *staffing.Translator
}

func NewRunner(d Deps) *Runner {
	logger := logging.OrDiscard(d.Logger)
	if d.Audit == nil {
		d.Audit = audit.Discard{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{Logger: logger}
	}
	cfg := d.Config
	return &Runner{
		cfg:        cfg,
		registry:   d.Registry,
		store:      d.Store,
		fresh:      d.Freshness,
		exporter:   d.Exporter,
		audit:      d.Audit,
		notifier:   d.Notifier,
		logger:     logger,
		metrics:    d.Metrics,
		formats:    d.Formats,
		aggregator: aggregate.NewAggregator(aggregateOptions(cfg)),
		validator: crossval.NewValidator(crossval.Options{
			Initial:     cfg.CrossVal.InitialDays,
			Period:      cfg.CrossVal.PeriodDays,
			Horizon:     cfg.CrossVal.HorizonDays,
			Parallelism: cfg.CrossVal.Parallelism,
			Timeout:     cfg.CrossVal.Timeout,
		}, logger, d.Metrics),
		generator: forecast.NewGenerator(cfg.Forecast.Seed, logger, d.Metrics),
		detector: alerts.NewDetector(alerts.Thresholds{
			Critical:    cfg.Alerts.CriticalHours,
			High:        cfg.Alerts.HighHours,
			Low:         cfg.Alerts.LowHours,
			Uncertainty: cfg.Alerts.UncertaintyHours,
			WeeklyMean:  cfg.Alerts.WeeklyMeanHours,
		}),
		translator: staffing.NewTranslator(),
	}
}

func aggregateOptions(cfg config.Config) aggregate.Options {
	return aggregate.Options{
		MinDays:         cfg.Data.MinDays,
		MinTransactions: cfg.Data.MinTransactions,
		MinTarget:       cfg.Data.MinTarget,
		MaxTarget:       cfg.Data.MaxTarget,
	}
}

func (r *Runner) modelOptions() models.Options {
	return models.Options{
		SeasonalPeriod: r.cfg.Models.SeasonalPeriod,
		ForestTrees:    r.cfg.Models.ForestTrees,
		BoostingStages: r.cfg.Models.BoostingStages,
		Seed:           r.cfg.Forecast.Seed,
	}
}

// prepared is the input after aggregation and cleaning.
type prepared struct {
	daily      []api.DailyAggregate
	series     []api.DailyAggregate
	report     aggregate.PrepareReport
	validation aggregate.ValidationReport
	// dataErr is set when the series is too short to train on.
	dataErr error
}

// history is the series forecasts continue from.
func (p prepared) history() []api.DailyAggregate {
	if p.dataErr == nil {
		return p.series
	}
	return p.daily
}

// RunFull retrains when the freshness machine says so (or rc.Force), then
// forecasts. A failed retraining falls back to the active model set and the
// result is marked degraded.
func (r *Runner) RunFull(ctx context.Context, rc RunContext, ds ingest.Dataset) (*Result, error) {
	return r.run(ctx, rc, KindFull, ds)
}

// RunForecastOnly forecasts from the active model set.
func (r *Runner) RunForecastOnly(ctx context.Context, rc RunContext, ds ingest.Dataset) (*Result, error) {
	return r.run(ctx, rc, KindForecast, ds)
}

func (r *Runner) run(ctx context.Context, rc RunContext, kind string, ds ingest.Dataset) (*Result, error) {
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if rc.GeneratedAt.IsZero() {
		rc.GeneratedAt = time.Now()
	}
	if rc.Horizon <= 0 {
		rc.Horizon = r.cfg.Forecast.HorizonDays
	}

	start := time.Now()
	res := &Result{RunID: rc.RunID, Kind: kind, Excluded: map[string]string{}}
	ctx, span := otel.StartSpan(ctx, otel.TracerName, "pipeline."+kind, otel.RunAttributes(rc.RunID, kind, rc.Horizon)...)
	defer span.End()
	r.logger.Info("run %s started: kind=%s horizon=%d input=%s", rc.RunID, kind, rc.Horizon, rc.InputPath)

	var ens *ensembleSet
	var bundle *export.Bundle
	err := func() error {
		var p prepared
		if err := r.stage(ctx, rc, StageIngest, func(ctx context.Context) error {
			var err error
			p, err = r.prepare(ds)
			return err
		}); err != nil {
			res.fail(StageIngest, err)
			return err
		}

		var err error
		if kind == KindFull {
			ens, err = r.trainOrLoad(ctx, rc, p, res)
		} else {
			ens, err = r.loadActive(ctx, rc)
		}
		if err != nil {
			res.fail(stageOf(err, StageLoad), err)
			return err
		}
		res.ModelVersion = ens.version
		res.Degraded = ens.degraded
		for name, reason := range ens.excluded {
			res.Excluded[name] = reason
		}

		bundle, err = r.forecast(ctx, rc, p.history(), ens, res)
		if err != nil {
			res.fail(stageOf(err, StageForecast), err)
			return err
		}
		res.Bundle = bundle
		res.Success = true
		return nil
	}()

	res.Duration = time.Since(start)
	if err != nil {
		otel.RecordError(span, err, res.Stage)
		r.logger.Error("run %s failed at %s: %v", rc.RunID, res.Stage, err)
	} else {
		span.SetAttributes(otel.EnsembleAttributes(res.ModelVersion, bundle.Metadata.EnsembleSize, res.Degraded)...)
		r.logger.Info("run %s finished in %s: version=%s degraded=%t output=%s",
			rc.RunID, res.Duration.Round(time.Millisecond), res.ModelVersion, res.Degraded, res.OutputDir)
	}
	r.metrics.RunFinished(kind, res.Success, time.Now())

	r.recordRun(ctx, rc, res)
	r.recordAudit(ctx, rc, res, ens)
	if res.Success {
		r.notifyCritical(ctx, rc, res)
	}
	return res, err
}

func (r *Runner) prepare(ds ingest.Dataset) (prepared, error) {
	var p prepared
	if ds.IsDaily() {
		if err := ingest.CheckMinimumDays(ds.Daily, r.cfg.Data.MinDays); err != nil {
			return p, err
		}
		p.daily = ds.Daily
	} else {
		daily, err := r.aggregator.Aggregate(ds.Transactions)
		if err != nil {
			return p, err
		}
		p.daily = daily
	}

	p.validation = aggregate.Validate(p.daily)
	for _, msg := range p.validation.Messages {
		r.logger.Warn("data validation: %s", msg)
	}
	p.series, p.report, p.dataErr = aggregate.PrepareTrainingSeries(p.daily, aggregateOptions(r.cfg))
	if p.dataErr != nil {
		r.logger.Warn("training data check failed: %v", p.dataErr)
	} else {
		r.logger.Info("training series ready: input=%d out_of_bounds=%d outliers=%d training=%d",
			p.report.Input, p.report.OutOfBounds, p.report.Outliers, p.report.TrainingSeries)
	}
	return p, nil
}

// stage runs fn inside a span, times it and wraps its error in a StageError.
func (r *Runner) stage(ctx context.Context, rc RunContext, name string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, otel.TracerName, "stage."+name,
		otel.AttrRunID.String(rc.RunID), otel.AttrStage.String(name))
	defer span.End()

	err := fn(ctx)
	r.metrics.ObserveStage(name, time.Since(start))
	r.logger.Stage(rc.RunID, name, start)
	if err != nil {
		otel.RecordError(span, err, name)
		var se *api.StageError
		if errors.As(err, &se) {
			return err
		}
		return &api.StageError{Stage: name, Err: err}
	}
	return nil
}

func stageOf(err error, fallback string) string {
	var se *api.StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return fallback
}

func (r *Runner) recordRun(ctx context.Context, rc RunContext, res *Result) {
	if r.store == nil {
		return
	}
	rec := store.RunRecord{
		RunID:        rc.RunID,
		Kind:         res.Kind,
		GeneratedAt:  rc.GeneratedAt,
		OutputDir:    res.OutputDir,
		ModelVersion: res.ModelVersion,
		Success:      res.Success,
		Degraded:     res.Degraded,
		Error:        res.Error,
	}
	if err := r.store.RecordRun(ctx, rec); err != nil {
		r.logger.Warn("run %s: failed to index run: %v", rc.RunID, err)
	}
}

func (r *Runner) notifyCritical(ctx context.Context, rc RunContext, res *Result) {
	critical := alerts.Critical(res.Alerts)
	if len(critical) == 0 {
		return
	}
	if err := r.notifier.NotifyCritical(ctx, rc.RunID, critical); err != nil {
		r.logger.Warn("run %s: notification failed: %v", rc.RunID, err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("notify: %v", err))
	}
}
