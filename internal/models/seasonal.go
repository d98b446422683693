package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ceapsi/staffcast/internal/api"
)

// SeasonalConfig holds the smoothing priors of the seasonal-additive family.
// Each prior scale becomes a ridge penalty of 1/scale².
type SeasonalConfig struct {
	ChangepointPriorScale float64
	SeasonalityPriorScale float64
	RegressorPriorScale   float64
	TrendPriorScale       float64
	MaxChangepoints       int
	ChangepointRange      float64
}

func DefaultSeasonalConfig() SeasonalConfig {
	return SeasonalConfig{
		ChangepointPriorScale: 0.1,
		SeasonalityPriorScale: 15,
		RegressorPriorScale:   10,
		TrendPriorScale:       5,
		MaxChangepoints:       25,
		ChangepointRange:      0.8,
	}
}

type seasonalParams struct {
	Config       SeasonalConfig `json:"config"`
	Start        time.Time      `json:"start"`
	SpanDays     float64        `json:"span_days"`
	YScale       float64        `json:"y_scale"`
	Changepoints []float64      `json:"changepoints"`
	Regressors   []string       `json:"regressors"`
	RegMean      []float64      `json:"reg_mean"`
	RegStd       []float64      `json:"reg_std"`
	Beta         []float64      `json:"beta"`
	Sigma        float64        `json:"sigma"`
}

// SeasonalAdditive decomposes the series into a piecewise-linear trend,
// Monday..Saturday effects and linear regressor terms.
type SeasonalAdditive struct {
	cfg    SeasonalConfig
	params seasonalParams
	info   fitInfo
	fitted bool
}

func NewSeasonalAdditive(cfg SeasonalConfig) *SeasonalAdditive {
	return &SeasonalAdditive{cfg: cfg}
}

func (m *SeasonalAdditive) Name() string { return api.FamilySeasonalAdditive }

func (m *SeasonalAdditive) Fit(ctx context.Context, series []api.DailyAggregate) error {
	if len(series) < 14 {
		return fmt.Errorf("need at least 14 days, have %d", len(series))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	info := newFitInfo(series)
	p := seasonalParams{
		Config:     m.cfg,
		Start:      series[0].Date,
		SpanDays:   math.Max(1, series[len(series)-1].Date.Sub(series[0].Date).Hours()/24),
		Regressors: info.Regressors,
	}

	ys := targets(series)
	for _, y := range ys {
		p.YScale = math.Max(p.YScale, math.Abs(y))
	}
	if p.YScale == 0 {
		p.YScale = 1
	}

	p.RegMean = make([]float64, len(p.Regressors))
	p.RegStd = make([]float64, len(p.Regressors))
	for j, name := range p.Regressors {
		var xs []float64
		for _, d := range series {
			if v, ok := d.Regressors[name]; ok {
				xs = append(xs, v)
			}
		}
		mean, std := stat.MeanStdDev(xs, nil)
		if math.IsNaN(std) || std == 0 {
			std = 1
		}
		p.RegMean[j], p.RegStd[j] = mean, std
	}

	nCP := m.cfg.MaxChangepoints
	if limit := len(series) / 10; nCP > limit {
		nCP = limit
	}
	for k := 1; k <= nCP; k++ {
		p.Changepoints = append(p.Changepoints, m.cfg.ChangepointRange*float64(k)/float64(nCP+1))
	}

	X := make([][]float64, len(series))
	scaled := make([]float64, len(series))
	for i, d := range series {
		X[i] = p.design(d)
		scaled[i] = ys[i] / p.YScale
	}

	beta, err := ridgeSolve(X, scaled, p.penalties())
	if err != nil {
		return err
	}
	p.Beta = beta

	ssr := 0.0
	for i := range X {
		r := (scaled[i] - dot(X[i], beta)) * p.YScale
		ssr += r * r
	}
	p.Sigma = math.Sqrt(ssr / math.Max(1, float64(len(series)-1)))
	if math.IsNaN(p.Sigma) {
		return errors.New("residual variance is not finite")
	}

	m.params = p
	m.info = info
	m.fitted = true
	return nil
}

func (m *SeasonalAdditive) Predict(ctx context.Context, history, future []api.DailyAggregate) ([]api.ForecastPoint, error) {
	if !m.fitted {
		return nil, api.ErrNotFitted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	half := z80 * m.params.Sigma
	points := make([]api.ForecastPoint, len(future))
	for i, d := range future {
		yhat := dot(m.params.design(d), m.params.Beta) * m.params.YScale
		points[i] = api.ForecastPoint{Date: d.Date, YHat: yhat, YHatLower: yhat - half, YHatUpper: yhat + half}
	}
	return points, nil
}

func (m *SeasonalAdditive) Artifact() (api.ModelArtifact, error) {
	if !m.fitted {
		return api.ModelArtifact{}, api.ErrNotFitted
	}
	return buildArtifact(m.Name(), m.info, m.params)
}

// design lays out: intercept, trend, changepoint hinges, six weekday
// indicators, standardised regressors.
func (p seasonalParams) design(d api.DailyAggregate) []float64 {
	t := d.Date.Sub(p.Start).Hours() / 24 / p.SpanDays
	row := make([]float64, 0, 2+len(p.Changepoints)+6+len(p.Regressors))
	row = append(row, 1, t)
	for _, c := range p.Changepoints {
		row = append(row, math.Max(0, t-c))
	}
	for wd := time.Monday; wd <= time.Saturday; wd++ {
		if d.Date.Weekday() == wd {
			row = append(row, 1)
		} else {
			row = append(row, 0)
		}
	}
	for j, name := range p.Regressors {
		v, ok := d.Regressors[name]
		if !ok {
			v = p.RegMean[j]
		}
		row = append(row, (v-p.RegMean[j])/p.RegStd[j])
	}
	return row
}

func (p seasonalParams) penalties() []float64 {
	inv := func(scale float64) float64 { return 1 / (scale * scale) }
	pen := []float64{0, inv(p.Config.TrendPriorScale)}
	for range p.Changepoints {
		pen = append(pen, inv(p.Config.ChangepointPriorScale))
	}
	for i := 0; i < 6; i++ {
		pen = append(pen, inv(p.Config.SeasonalityPriorScale))
	}
	for range p.Regressors {
		pen = append(pen, inv(p.Config.RegressorPriorScale))
	}
	return pen
}
