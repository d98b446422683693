package models

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ridgeFloor keeps the normal equations invertible when columns are collinear.
const ridgeFloor = 1e-8

// ridgeSolve solves min ||Xb - y||² + Σ penalties[j]·b[j]² through the
// normal equations.
func ridgeSolve(X [][]float64, y []float64, penalties []float64) ([]float64, error) {
	n := len(X)
	if n == 0 || len(y) != n {
		return nil, fmt.Errorf("design matrix has %d rows for %d targets", n, len(y))
	}
	p := len(X[0])
	if p == 0 {
		return nil, errors.New("design matrix has no columns")
	}

	A := mat.NewDense(n, p, nil)
	for i, row := range X {
		A.SetRow(i, row)
	}
	var ata mat.Dense
	ata.Mul(A.T(), A)
	for j := 0; j < p; j++ {
		pen := ridgeFloor
		if j < len(penalties) {
			pen += penalties[j]
		}
		ata.Set(j, j, ata.At(j, j)+pen)
	}

	var aty mat.VecDense
	aty.MulVec(A.T(), mat.NewVecDense(n, append([]float64(nil), y...)))

	var beta mat.VecDense
	if err := beta.SolveVec(&ata, &aty); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("least squares solve failed: %w", err)
		}
	}

	out := make([]float64, p)
	for j := range out {
		out[j] = beta.AtVec(j)
	}
	return out, nil
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
