package pipeline

import (
	"context"
	"time"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/audit"
	"github.com/ceapsi/staffcast/internal/export"
	"github.com/ceapsi/staffcast/internal/forecast"
)

// forecast generates the ensemble forecast, derives alerts and staffing and
// exports the bundle. Export failures are warnings; the bundle is still
// returned.
func (r *Runner) forecast(ctx context.Context, rc RunContext, history []api.DailyAggregate, ens *ensembleSet, res *Result) (*export.Bundle, error) {
	var out *forecast.Output
	if err := r.stage(ctx, rc, StageForecast, func(ctx context.Context) error {
		var err error
		out, err = r.generator.Generate(ctx, ens.families, ens.weights, history, rc.Horizon)
		return err
	}); err != nil {
		return nil, err
	}
	for name, reason := range out.Excluded {
		res.Excluded[name] = reason
	}
	if len(res.Excluded) > 0 {
		res.Degraded = true
	}

	var recs []api.StaffingRecommendation
	_ = r.stage(ctx, rc, StageAlerts, func(context.Context) error {
		res.Alerts = r.detector.Detect(out.Points)
		for _, a := range res.Alerts {
			r.metrics.AlertEmitted(string(a.Type))
		}
		return nil
	})
	_ = r.stage(ctx, rc, StageStaffing, func(context.Context) error {
		recs = r.translator.Recommend(out.Points)
		return nil
	})

	bundle := export.BuildBundle(export.Input{
		RunID:           rc.RunID,
		GeneratedAt:     rc.GeneratedAt,
		ModelVersion:    ens.version,
		Points:          out.Points,
		Alerts:          res.Alerts,
		Recommendations: recs,
		Weights:         ens.weights,
		Contributors:    out.Contributors(ens.weights),
		Excluded:        res.Excluded,
		Degraded:        res.Degraded,
	})

	exporter := r.exporter
	if rc.OutputDir != "" {
		exporter = export.NewExporter(rc.OutputDir, r.logger, r.metrics)
	}
	if exporter == nil {
		return bundle, nil
	}
	_ = r.stage(ctx, rc, StageExport, func(context.Context) error {
		dir, paths, err := exporter.ExportAll(bundle, r.formats...)
		res.OutputDir, res.Paths = dir, paths
		if err != nil {
			r.logger.Warn("run %s: export incomplete: %v", rc.RunID, err)
			res.Warnings = append(res.Warnings, err.Error())
		}
		return nil
	})
	return bundle, nil
}

func (r *Runner) recordAudit(ctx context.Context, rc RunContext, res *Result, ens *ensembleSet) {
	analysis := audit.AnalysisFull
	if res.Kind == KindForecast {
		analysis = audit.AnalysisForecast
	}
	entry := audit.Entry{
		Timestamp:    time.Now().UTC(),
		RunID:        rc.RunID,
		AnalysisType: analysis,
		Parameters: map[string]any{
			"input":      rc.InputPath,
			"horizon":    rc.Horizon,
			"force":      rc.Force,
			"generated":  rc.GeneratedAt.Format(time.RFC3339),
			"output_dir": res.OutputDir,
		},
		ResultsSummary: map[string]any{
			"model_version": res.ModelVersion,
			"retrained":     res.Retrained,
			"degraded":      res.Degraded,
			"excluded":      res.Excluded,
			"alerts":        len(res.Alerts),
			"files":         len(res.Paths),
		},
		PerformanceMetrics:   map[string]any{},
		ExecutionTimeSeconds: res.Duration.Seconds(),
		Status:               "success",
	}
	if res.Bundle != nil {
		entry.ResultsSummary["critical_alerts"] = res.Bundle.Summary.AlertasCriticas
		entry.ResultsSummary["mean_hours"] = res.Bundle.Summary.PromedioHorasDiarias
	}
	if ens != nil {
		for _, pm := range ens.perf {
			entry.PerformanceMetrics[pm.Family] = map[string]any{
				"mae":    pm.MAE,
				"rmse":   pm.RMSE,
				"mape":   pm.MAPE,
				"folds":  pm.Folds,
				"weight": ens.weights[pm.Family],
			}
		}
	}
	if !res.Success {
		entry.Status = "error"
		entry.Error = res.Error
		entry.ResultsSummary["failed_stage"] = res.Stage
	}
	if err := r.audit.Record(ctx, entry); err != nil {
		r.logger.Warn("run %s: audit record failed: %v", rc.RunID, err)
	}
}
