package forecast

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ceapsi/staffcast/internal/aggregate"
	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/ensemble"
	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/metrics"
	"github.com/ceapsi/staffcast/internal/models"
)

// Output is the result of one forecast generation.
type Output struct {
	Points    []api.ForecastPoint
	PerFamily map[string][]api.ForecastPoint
	Future    []api.DailyAggregate
	// Excluded maps a family to the reason it did not contribute.
	Excluded map[string]string
}

// Contributors returns the families that predicted and carry positive weight.
func (o *Output) Contributors(weights api.EnsembleWeights) []string {
	var names []string
	for _, name := range weights.Active() {
		if _, ok := o.PerFamily[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Generator produces ensemble forecasts from fitted families.
type Generator struct {
	estimator RegressorEstimator
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

func NewGenerator(seed int64, logger *logging.Logger, m *metrics.Metrics) *Generator {
	return &Generator{estimator: RegressorEstimator{Seed: seed}, logger: logging.OrDiscard(logger), metrics: m}
}

// Generate forecasts horizon business days after the last history row. Each
// family predicts independently; a failing family is excluded and the
// remaining weights are renormalised. If no weighted family predicts, the
// error is api.ErrEnsembleEmpty.
func (g *Generator) Generate(ctx context.Context, families []models.Family, weights api.EnsembleWeights,
	history []api.DailyAggregate, horizon int) (*Output, error) {
	if len(history) == 0 {
		return nil, &api.InsufficientDataError{Stage: "forecast", Have: 0, Need: 1, Unit: "days"}
	}
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}

	dates := FutureBusinessDays(history[len(history)-1].Date, horizon)
	future := g.estimator.Estimate(history, dates, aggregate.RegressorNames(history))

	out := &Output{
		PerFamily: make(map[string][]api.ForecastPoint),
		Future:    future,
		Excluded:  make(map[string]string),
	}
	var mu sync.Mutex
	var eg errgroup.Group
	for _, f := range families {
		eg.Go(func() error {
			points, err := models.SafePredict(ctx, f, history, future)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Excluded[f.Name()] = err.Error()
				g.metrics.FamilyFailed(f.Name(), "predict")
				g.logger.Warn("family excluded from forecast: family=%s err=%v", f.Name(), err)
				return nil
			}
			out.PerFamily[f.Name()] = points
			return nil
		})
	}
	_ = eg.Wait()

	for _, name := range weights.Families() {
		if _, ok := out.PerFamily[name]; ok {
			continue
		}
		if _, excluded := out.Excluded[name]; !excluded {
			out.Excluded[name] = "no fitted model"
		}
	}

	points, err := ensemble.Combine(out.PerFamily, weights)
	if err != nil {
		return out, err
	}
	out.Points = points

	contributors := out.Contributors(weights)
	g.metrics.SetWeights(weights, len(contributors))
	g.logger.Info("forecast generated: horizon=%dd families=%v excluded=%s",
		horizon, contributors, excludedSummary(out.Excluded))
	return out, nil
}

func excludedSummary(excluded map[string]string) string {
	names := make([]string, 0, len(excluded))
	for name := range excluded {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%v", names)
}
