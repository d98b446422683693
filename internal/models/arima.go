package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"

	"github.com/ceapsi/staffcast/internal/api"
)

const (
	// minARIMARows is the least number of stage-two regression rows accepted.
	minARIMARows = 10

	// maxRootModulus bounds the inverse roots of the AR and MA lag
	// polynomials, keeping the model stationary and invertible.
	maxRootModulus = 0.96

	// checkSeasons is how many seasons ahead a fitted model is forecast
	// from its own training series before it is accepted.
	checkSeasons = 4
)

type arimaParams struct {
	Period int `json:"period"`
	LongAR int `json:"long_ar"`
	// Coef multiplies [w(t-1), w(t-s), w(t-s-1), e(t-1), e(t-s), e(t-s-1)].
	Coef  []float64 `json:"coef"`
	Sigma float64   `json:"sigma"`
}

// ARIMA is a seasonal (1,1,1)(1,1,1,s) model estimated with the two-step
// Hannan-Rissanen procedure: a long autoregression supplies innovation
// estimates, then least squares on the AR and MA lags 1, s and s+1 of the
// doubly differenced series. The season is given in calendar days; on the
// Monday..Saturday index a 7-day season spans s = 6 rows.
type ARIMA struct {
	periodDays int
	params     arimaParams
	info       fitInfo
	fitted     bool
}

func NewARIMA(periodDays int) *ARIMA {
	if periodDays < 2 {
		periodDays = 7
	}
	return &ARIMA{periodDays: periodDays}
}

// seasonLag converts a season in calendar days into business-day rows.
func seasonLag(periodDays int) int {
	s := periodDays - periodDays/7
	if s < 2 {
		s = 2
	}
	return s
}

func (m *ARIMA) Name() string { return api.FamilyARIMA }

func (m *ARIMA) Fit(ctx context.Context, series []api.DailyAggregate) error {
	s := seasonLag(m.periodDays)
	longAR := s + 2
	y := targets(series)
	n := len(y)

	start1 := s + 1 + longAR
	start2 := start1 + s + 1
	if n-start2 < minARIMARows {
		return fmt.Errorf("need at least %d days for period %d, have %d", start2+minARIMARows, s, n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w := seasonalDifference(y, s)

	// Stage one: long AR on w for innovation estimates.
	var X1 [][]float64
	var t1 []float64
	for t := start1; t < n; t++ {
		row := make([]float64, longAR)
		for k := 1; k <= longAR; k++ {
			row[k-1] = w[t-k]
		}
		X1 = append(X1, row)
		t1 = append(t1, w[t])
	}
	phi, err := ridgeSolve(X1, t1, nil)
	if err != nil {
		return fmt.Errorf("long autoregression: %w", err)
	}
	e := make([]float64, n)
	for i, t := 0, start1; t < n; i, t = i+1, t+1 {
		e[t] = t1[i] - dot(X1[i], phi)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Stage two: regress on AR and MA lags.
	var X2 [][]float64
	var t2 []float64
	for t := start2; t < n; t++ {
		X2 = append(X2, lagRow(w, e, t, s))
		t2 = append(t2, w[t])
	}
	coef, err := ridgeSolve(X2, t2, nil)
	if err != nil {
		return fmt.Errorf("innovation regression: %w", err)
	}
	for _, c := range coef {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return errors.New("non-finite coefficient estimate")
		}
	}
	if coef, err = constrainRoots(coef, s); err != nil {
		return err
	}

	params := arimaParams{Period: s, LongAR: longAR, Coef: coef}
	resid := params.innovations(y)
	ssr := 0.0
	for t := start2; t < n; t++ {
		ssr += resid[t] * resid[t]
	}
	dof := math.Max(1, float64(n-start2-len(coef)))
	params.Sigma = math.Sqrt(ssr / dof)
	if math.IsNaN(params.Sigma) || math.IsInf(params.Sigma, 0) {
		return errors.New("non-finite in-sample innovations")
	}
	if err := checkPlausible(y, params.forecast(y, checkSeasons*s)); err != nil {
		return fmt.Errorf("rejected fit: %w", err)
	}

	m.params = params
	m.info = newFitInfo(series)
	m.fitted = true
	return nil
}

func (m *ARIMA) Predict(ctx context.Context, history, future []api.DailyAggregate) ([]api.ForecastPoint, error) {
	if !m.fitted {
		return nil, api.ErrNotFitted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.params.Period
	y := targets(history)
	if len(y) < 2*s+2 {
		return nil, fmt.Errorf("need at least %d history days, have %d", 2*s+2, len(y))
	}

	path := m.params.forecast(y, len(future))
	if err := checkPlausible(y, path); err != nil {
		return nil, err
	}
	points := make([]api.ForecastPoint, len(future))
	for h, d := range future {
		next := path[h]
		half := z80 * m.params.Sigma * math.Sqrt(float64(h+1))
		points[h] = api.ForecastPoint{Date: d.Date, YHat: next, YHatLower: next - half, YHatUpper: next + half}
	}
	return points, nil
}

// innovations runs the innovation recursion over y; entries before 2s+2
// are zero.
func (p arimaParams) innovations(y []float64) []float64 {
	s := p.Period
	w := seasonalDifference(y, s)
	e := make([]float64, len(y))
	for t := 2*s + 2; t < len(y); t++ {
		e[t] = w[t] - dot(lagRow(w, e, t, s), p.Coef)
	}
	return e
}

// forecast continues y by steps rows with future innovations set to zero.
func (p arimaParams) forecast(y []float64, steps int) []float64 {
	s := p.Period
	w := seasonalDifference(y, s)
	e := p.innovations(y)
	y = append([]float64(nil), y...)
	out := make([]float64, steps)
	for h := range out {
		t := len(y)
		w = append(w, 0)
		e = append(e, 0)
		w[t] = dot(lagRow(w, e, t, s), p.Coef)
		out[h] = y[t-1] + y[t-s] - y[t-s-1] + w[t]
		y = append(y, out[h])
	}
	return out
}

// constrainRoots shrinks the AR and MA halves of coef so that neither lag
// polynomial has an inverse root beyond maxRootModulus. Multiplying the
// coefficient of lag k by λ^k scales every inverse root by λ.
func constrainRoots(coef []float64, s int) ([]float64, error) {
	lags := []int{1, s, s + 1}
	out := append([]float64(nil), coef...)
	for half, sign := range []float64{1, -1} {
		part := out[3*half : 3*half+3]
		rec := make([]float64, len(part))
		for i, c := range part {
			rec[i] = sign * c
		}
		r, err := spectralRadius(rec, lags)
		if err != nil {
			return nil, err
		}
		if r <= maxRootModulus {
			continue
		}
		lambda := maxRootModulus / r
		for i, k := range lags {
			part[i] *= math.Pow(lambda, float64(k))
		}
	}
	return out, nil
}

// spectralRadius returns the largest eigenvalue modulus of the companion
// matrix of x[t] = Σ coef[i]·x[t-lags[i]]. lags must be ascending.
func spectralRadius(coef []float64, lags []int) (float64, error) {
	p := lags[len(lags)-1]
	c := mat.NewDense(p, p, nil)
	for i, k := range lags {
		c.Set(0, k-1, c.At(0, k-1)+coef[i])
	}
	for i := 1; i < p; i++ {
		c.Set(i, i-1, 1)
	}
	var eig mat.Eigen
	if !eig.Factorize(c, mat.EigenNone) {
		return 0, errors.New("lag polynomial root computation did not converge")
	}
	r := 0.0
	for _, v := range eig.Values(nil) {
		r = math.Max(r, cmplx.Abs(v))
	}
	return r, nil
}

// checkPlausible rejects a forecast path that is non-finite or leaves the
// training range by more than the range's own width.
func checkPlausible(y, path []float64) error {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range y {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	margin := math.Max(hi-lo, 1)
	for h, v := range path {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite forecast at step %d", h+1)
		}
		if v < lo-margin || v > hi+margin {
			return fmt.Errorf("forecast %.2f at step %d outside plausible range [%.2f, %.2f]", v, h+1, lo-margin, hi+margin)
		}
	}
	return nil
}

func (m *ARIMA) Artifact() (api.ModelArtifact, error) {
	if !m.fitted {
		return api.ModelArtifact{}, api.ErrNotFitted
	}
	return buildArtifact(m.Name(), m.info, m.params)
}

// seasonalDifference returns (1-B)(1-B^s)y aligned with y; entries before
// index s+1 are zero.
func seasonalDifference(y []float64, s int) []float64 {
	w := make([]float64, len(y))
	for t := s + 1; t < len(y); t++ {
		w[t] = y[t] - y[t-1] - y[t-s] + y[t-s-1]
	}
	return w
}

func lagRow(w, e []float64, t, s int) []float64 {
	return []float64{w[t-1], w[t-s], w[t-s-1], e[t-1], e[t-s], e[t-s-1]}
}
