package l2face

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FitSimilarity finds the uniform scale s and translation (tx, ty) that map
// src onto dst in the least-squares sense:
//
//	dst.X = s*src.X + tx
//	dst.Y = s*src.Y + ty
//
// At least two point pairs are required.
func FitSimilarity(src, dst []Point) (s, tx, ty float64, err error) {
	if len(src) != len(dst) {
		return 0, 0, 0, fmt.Errorf("similarity fit: %d source points, %d destination points", len(src), len(dst))
	}
	n := len(src)
	if n < 2 {
		return 0, 0, 0, fmt.Errorf("similarity fit: need at least 2 point pairs, have %d", n)
	}

	a := mat.NewDense(2*n, 3, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := range src {
		a.SetRow(2*i, []float64{src[i].X, 1, 0})
		a.SetRow(2*i+1, []float64{src[i].Y, 0, 1})
		b.SetVec(2*i, dst[i].X)
		b.SetVec(2*i+1, dst[i].Y)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return 0, 0, 0, fmt.Errorf("similarity fit: %w", err)
	}
	return x.AtVec(0), x.AtVec(1), x.AtVec(2), nil
}
