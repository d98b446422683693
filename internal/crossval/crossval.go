package crossval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/metrics"
	"github.com/ceapsi/staffcast/internal/models"
	"github.com/ceapsi/staffcast/pkg/otel"
)

// Options sets the rolling-origin windows, counted in business-day rows.
type Options struct {
	Initial     int
	Period      int
	Horizon     int
	Parallelism int
	Timeout     time.Duration
}

func DefaultOptions() Options {
	return Options{Initial: 60, Period: 7, Horizon: 14, Parallelism: 4, Timeout: 5 * time.Minute}
}

// Fold is one train/test split. Test rows always follow every train row.
type Fold struct {
	Index  int
	Cutoff int
	Train  []api.DailyAggregate
	Test   []api.DailyAggregate
}

// Boundary returns the fold's date range.
func (f Fold) Boundary() api.FoldBoundary {
	return api.FoldBoundary{
		TrainStart: f.Train[0].Date,
		TrainEnd:   f.Train[len(f.Train)-1].Date,
		TestStart:  f.Test[0].Date,
		TestEnd:    f.Test[len(f.Test)-1].Date,
	}
}

// Folds places cutoffs at Initial, Initial+Period, ... while a full test
// window of Horizon rows fits after the cutoff.
func Folds(series []api.DailyAggregate, opts Options) []Fold {
	var folds []Fold
	if opts.Initial <= 0 || opts.Period <= 0 || opts.Horizon <= 0 {
		return folds
	}
	for cutoff := opts.Initial; cutoff+opts.Horizon <= len(series); cutoff += opts.Period {
		folds = append(folds, Fold{
			Index:  len(folds),
			Cutoff: cutoff,
			Train:  series[:cutoff],
			Test:   series[cutoff : cutoff+opts.Horizon],
		})
	}
	return folds
}

// Validator runs every family over every fold.
type Validator struct {
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func NewValidator(opts Options, logger *logging.Logger, m *metrics.Metrics) *Validator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &Validator{opts: opts, logger: logging.OrDiscard(logger), metrics: m}
}

type foldScore struct {
	mae, rmse, mape float64
	hasMAPE         bool
	err             error
}

// Evaluate cross-validates each family and returns one PerformanceMetric per
// family in factory order, plus the per-fold errors that caused skips.
// Failures in one fold never affect other folds or families.
func (v *Validator) Evaluate(ctx context.Context, series []api.DailyAggregate, families []models.Factory) ([]api.PerformanceMetric, []error) {
	folds := Folds(series, v.opts)

	names := make([]string, len(families))
	for i, factory := range families {
		names[i] = factory().Name()
	}
	results := make([][]foldScore, len(families))
	for i := range results {
		results[i] = make([]foldScore, len(folds))
	}

	if v.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.opts.Timeout)
		defer cancel()
	}

	g := new(errgroup.Group)
	g.SetLimit(v.opts.Parallelism)
	for fi, factory := range families {
		for k, fold := range folds {
			g.Go(func() error {
				results[fi][k] = v.runFold(ctx, names[fi], factory, fold)
				return nil
			})
		}
	}
	_ = g.Wait()

	var errs []error
	out := make([]api.PerformanceMetric, len(families))
	for fi := range families {
		pm := api.PerformanceMetric{Family: names[fi]}
		var maeSum, rmseSum, mapeSum float64
		mapeFolds := 0
		for k, score := range results[fi] {
			if score.err != nil {
				pm.Skipped++
				errs = append(errs, score.err)
				v.metrics.FoldDone(names[fi], true)
				continue
			}
			pm.Folds++
			pm.FoldBoundaries = append(pm.FoldBoundaries, folds[k].Boundary())
			maeSum += score.mae
			rmseSum += score.rmse
			if score.hasMAPE {
				mapeSum += score.mape
				mapeFolds++
			}
			v.metrics.FoldDone(names[fi], false)
		}
		// A family without evaluated folds keeps zero scores and is not Usable.
		if pm.Folds > 0 {
			pm.MAE = maeSum / float64(pm.Folds)
			pm.RMSE = rmseSum / float64(pm.Folds)
			v.metrics.SetFamilyScore(pm.Family, pm.MAE, pm.RMSE)
		}
		if mapeFolds > 0 {
			pm.MAPE = mapeSum / float64(mapeFolds)
		}
		v.logger.Info("cross-validation: family=%s folds=%d skipped=%d mae=%.4f rmse=%.4f",
			pm.Family, pm.Folds, pm.Skipped, pm.MAE, pm.RMSE)
		out[fi] = pm
	}
	return out, errs
}

func (v *Validator) runFold(ctx context.Context, family string, factory models.Factory, fold Fold) foldScore {
	ctx, span := otel.StartSpan(ctx, otel.TracerName, "crossval.fold", otel.FoldAttributes(family, fold.Index)...)
	defer span.End()

	fail := func(err error) foldScore {
		cvErr := &api.CrossValidationError{Family: family, Fold: fold.Index, Err: err}
		otel.RecordError(span, cvErr, "fold skipped")
		v.logger.Warn("fold skipped: family=%s fold=%d err=%v", family, fold.Index, err)
		return foldScore{err: cvErr}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if !fold.Test[0].Date.After(fold.Train[len(fold.Train)-1].Date) {
		return fail(errors.New("test window does not follow training window"))
	}

	m := factory()
	if err := models.SafeFit(ctx, m, fold.Train); err != nil {
		return fail(err)
	}
	points, err := models.SafePredict(ctx, m, fold.Train, fold.Test)
	if err != nil {
		return fail(err)
	}

	var absSum, sqSum, pctSum float64
	pctN := 0
	for i, p := range points {
		diff := p.YHat - fold.Test[i].Y
		if math.IsNaN(diff) || math.IsInf(diff, 0) {
			return fail(fmt.Errorf("non-finite prediction at %s", p.Date.Format("2006-01-02")))
		}
		absSum += math.Abs(diff)
		sqSum += diff * diff
		if fold.Test[i].Y != 0 {
			pctSum += math.Abs(diff / fold.Test[i].Y)
			pctN++
		}
	}
	n := float64(len(points))
	score := foldScore{mae: absSum / n, rmse: math.Sqrt(sqSum / n)}
	if pctN > 0 {
		score.mape = 100 * pctSum / float64(pctN)
		score.hasMAPE = true
	}
	return score
}
