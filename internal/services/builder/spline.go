package builder

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

const edgeEps = 1e-12

// curve is a 1-D interpolant that is undefined (NaN) outside its knots
type curve struct {
	lo, hi float64
	p      interp.Predictor
	single float64
}

// fitCurve fits a natural cubic spline (3+ knots), a line (2 knots) or a single point.
// xs must be strictly increasing.
func fitCurve(xs, ys []float64) (*curve, error) {
	c := &curve{lo: xs[0], hi: xs[len(xs)-1]}
	switch len(xs) {
	case 1:
		c.single = ys[0]
		return c, nil
	case 2:
		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs, ys); err != nil {
			return nil, err
		}
		c.p = &pl
	default:
		var nc interp.NaturalCubic
		if err := nc.Fit(xs, ys); err != nil {
			return nil, err
		}
		c.p = &nc
	}
	return c, nil
}

func (c *curve) at(x float64) float64 {
	if x < c.lo-edgeEps || x > c.hi+edgeEps {
		return math.NaN()
	}
	if c.p == nil {
		return c.single
	}
	return c.p.Predict(math.Max(c.lo, math.Min(c.hi, x)))
}

// knots collects (x, y) pairs with finite y, sorted by x
func knots(xs, ys []float64) ([]float64, []float64) {
	idx := make([]int, 0, len(xs))
	for i := range xs {
		if !math.IsNaN(ys[i]) && !math.IsInf(ys[i], 0) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	ox := make([]float64, 0, len(idx))
	oy := make([]float64, 0, len(idx))
	for _, i := range idx {
		if n := len(ox); n > 0 && xs[i] == ox[n-1] {
			continue
		}
		ox = append(ox, xs[i])
		oy = append(oy, ys[i])
	}
	return ox, oy
}
