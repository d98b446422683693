package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/ensemble"
	"github.com/ceapsi/staffcast/internal/freshness"
	"github.com/ceapsi/staffcast/internal/models"
	"github.com/ceapsi/staffcast/internal/registry"
	"github.com/ceapsi/staffcast/internal/store"
	"github.com/ceapsi/staffcast/pkg/otel"
)

// ensembleSet is a fitted or restored model set ready to forecast.
type ensembleSet struct {
	version  string
	families []models.Family
	weights  api.EnsembleWeights
	perf     []api.PerformanceMetric
	excluded map[string]string
	degraded bool
}

func (e *ensembleSet) names() []string {
	names := make([]string, len(e.families))
	for i, f := range e.families {
		names[i] = f.Name()
	}
	return names
}

// trainOrLoad consults the freshness machine and either retrains or loads the
// active set. A failed retraining serves the active set, marked degraded.
func (r *Runner) trainOrLoad(ctx context.Context, rc RunContext, p prepared, res *Result) (*ensembleSet, error) {
	dataOK := p.dataErr == nil
	state, reason, err := r.fresh.Evaluate(ctx, rc.GeneratedAt, dataOK)
	if err != nil {
		r.logger.Warn("run %s: freshness check failed, assuming %s: %v", rc.RunID, state, err)
	}
	if rc.Force {
		r.fresh.Force()
		state, reason = r.fresh.State(), freshness.ReasonForced
	}
	r.metrics.SetFreshness(int(state))

	if state == freshness.Fresh {
		ens, err := r.loadActive(ctx, rc)
		if !errors.Is(err, api.ErrNoActiveModel) {
			return ens, err
		}
		r.logger.Warn("run %s: model set fresh but nothing active, retraining", rc.RunID)
		r.fresh.Force()
		reason = freshness.ReasonForced
	}
	r.logger.Info("run %s: model set stale (%s)", rc.RunID, reason)

	if !dataOK {
		return r.fallback(ctx, rc, res, &api.StageError{Stage: StagePrepare, Err: p.dataErr})
	}
	if err := r.fresh.BeginRetraining(); err != nil {
		r.logger.Warn("run %s: %v", rc.RunID, err)
		return r.loadActive(ctx, rc)
	}

	ens, err := r.train(ctx, rc, p)
	if err != nil {
		r.fresh.Fail(err)
		return r.fallback(ctx, rc, res, err)
	}
	rec := store.TrainingRecord{TrainedAt: rc.GeneratedAt, ModelVersion: ens.version, RunID: rc.RunID}
	if err := r.fresh.Complete(ctx, rec); err != nil {
		r.logger.Warn("run %s: %v", rc.RunID, err)
		res.Warnings = append(res.Warnings, err.Error())
	}
	r.metrics.SetFreshness(int(r.fresh.State()))
	res.Retrained = true
	return ens, nil
}

// fallback serves the active set after cause prevented retraining. Without an
// active set cause is returned.
func (r *Runner) fallback(ctx context.Context, rc RunContext, res *Result, cause error) (*ensembleSet, error) {
	ens, err := r.loadActive(ctx, rc)
	if err != nil {
		if errors.Is(err, api.ErrNoActiveModel) {
			return nil, cause
		}
		return nil, errors.Join(cause, err)
	}
	r.logger.Warn("run %s: retraining not possible, serving %s: %v", rc.RunID, ens.version, cause)
	ens.degraded = true
	res.Warnings = append(res.Warnings, fmt.Sprintf("retraining: %v", cause))
	return ens, nil
}

// train fits every family, cross-validates, weighs and registers the set as
// the new active version.
func (r *Runner) train(ctx context.Context, rc RunContext, p prepared) (*ensembleSet, error) {
	factories := models.Factories(r.modelOptions())
	ens := &ensembleSet{excluded: make(map[string]string)}

	if err := r.stage(ctx, rc, StageFit, func(ctx context.Context) error {
		fitted := make([]models.Family, len(factories))
		fitErrs := make([]error, len(factories))
		g := new(errgroup.Group)
		g.SetLimit(r.cfg.CrossVal.Parallelism)
		for i, factory := range factories {
			g.Go(func() error {
				f := factory()
				fctx, span := otel.StartSpan(ctx, otel.TracerName, "fit."+f.Name(),
					otel.AttrFamily.String(f.Name()), otel.AttrSeriesDays.Int(len(p.series)))
				defer span.End()
				if err := models.SafeFit(fctx, f, p.series); err != nil {
					otel.RecordError(span, err, "fit failed")
					fitErrs[i] = err
					r.metrics.FamilyFailed(f.Name(), "fit")
					r.logger.Warn("run %s: excluding %s: %v", rc.RunID, f.Name(), err)
					return nil
				}
				fitted[i] = f
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, f := range fitted {
			if f != nil {
				ens.families = append(ens.families, f)
				continue
			}
			var fe *api.ModelFitError
			if errors.As(fitErrs[i], &fe) {
				ens.excluded[fe.Family] = fe.Err.Error()
			}
		}
		if len(ens.families) == 0 {
			return errors.Join(append([]error{api.ErrEnsembleEmpty}, fitErrs...)...)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := r.stage(ctx, rc, StageCrossVal, func(ctx context.Context) error {
		perf, cvErrs := r.validator.Evaluate(ctx, p.series, factories)
		for _, err := range cvErrs {
			r.logger.Debug("run %s: %v", rc.RunID, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		names := ens.names()
		ens.perf = fittedOnly(perf, names)
		ens.weights = ensemble.Weigh(ens.perf)
		if len(ens.weights.Active()) == 0 {
			r.logger.Warn("run %s: no family has usable cross-validation metrics, using equal weights", rc.RunID)
			ens.weights = ensemble.Equal(names)
			ens.degraded = true
		}
		r.metrics.SetWeights(ens.weights, len(ens.weights.Active()))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := r.stage(ctx, rc, StageRegister, func(ctx context.Context) error {
		artifacts := make([]api.ModelArtifact, 0, len(ens.families))
		for _, f := range ens.families {
			a, err := f.Artifact()
			if err != nil {
				return fmt.Errorf("artifact %s: %w", f.Name(), err)
			}
			artifacts = append(artifacts, a)
		}
		entry, err := r.registry.Register(registry.Candidate{
			RunID:      rc.RunID,
			TrainedAt:  rc.GeneratedAt,
			Artifacts:  artifacts,
			Metrics:    ens.perf,
			Weights:    ens.weights,
			Validation: p.validation,
		})
		if err != nil {
			return err
		}
		if err := r.registry.Activate(entry.Version); err != nil {
			return err
		}
		ens.version = entry.Version
		return nil
	}); err != nil {
		return nil, err
	}
	return ens, nil
}

// fittedOnly keeps the metrics of fitted families so a family that failed
// the full fit never receives weight.
func fittedOnly(perf []api.PerformanceMetric, names []string) []api.PerformanceMetric {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	out := make([]api.PerformanceMetric, 0, len(perf))
	for _, pm := range perf {
		if keep[pm.Family] {
			out = append(out, pm)
		}
	}
	return out
}

// loadActive restores the active registry version.
func (r *Runner) loadActive(ctx context.Context, rc RunContext) (*ensembleSet, error) {
	var ens *ensembleSet
	err := r.stage(ctx, rc, StageLoad, func(ctx context.Context) error {
		entry, err := r.registry.Active()
		if err != nil {
			return err
		}
		artifacts, md, err := r.registry.Load(entry.Version)
		if err != nil {
			return err
		}
		ens = &ensembleSet{version: entry.Version, weights: md.EnsembleWeights, excluded: make(map[string]string)}
		for _, a := range artifacts {
			f, err := models.Restore(a)
			if err != nil {
				r.logger.Warn("run %s: cannot restore %s: %v", rc.RunID, a.Family, err)
				ens.excluded[a.Family] = err.Error()
				continue
			}
			ens.families = append(ens.families, f)
		}
		if len(ens.families) == 0 {
			return fmt.Errorf("version %s: %w", entry.Version, api.ErrEnsembleEmpty)
		}
		for _, name := range ens.weights.Families() {
			ens.perf = append(ens.perf, md.PerFamilyCVMetrics[name])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("run %s: loaded model set %s (%s)", rc.RunID, ens.version, joinSorted(ens.names()))
	return ens, nil
}

func joinSorted(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return fmt.Sprint(sorted)
}
