package builder

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"volsurface/internal/domain/volsurface"
	"volsurface/pkg/errors"
)

func (b *Builder) buildRBF(ctx context.Context, pts []point) (*volsurface.Mesh, error) {
	mesh := volsurface.NewMesh(volsurface.MethodRBF, b.opts.Grid)

	iv, err := b.rbfGrid(pts, ivField, true)
	if err != nil {
		return nil, err
	}
	mesh.IV = iv

	if err := b.buildGreeks(ctx, mesh, pts, func(gp []point, f field) (volsurface.Matrix, error) {
		return b.rbfGrid(gp, f, false)
	}); err != nil {
		return nil, err
	}
	return mesh, nil
}

func (b *Builder) rbfGrid(pts []point, f field, positive bool) (volsurface.Matrix, error) {
	if n := distinctCoords(pts); n < minGlobalPoints {
		return nil, errors.Wrapf(errors.ErrInsufficientData, "rbf needs %d distinct points, have %d", minGlobalPoints, n)
	}

	centers := make([][2]float64, len(pts))
	values := make([]float64, len(pts))
	for i, p := range pts {
		centers[i] = [2]float64{p.k, p.t}
		values[i] = f(p)
	}

	rbf, err := fitThinPlate(centers, values)
	if err != nil {
		return nil, err
	}

	g := b.opts.Grid
	ks, ts := g.LogMoneyness(), g.TTE()
	out := volsurface.Masked(len(ts), len(ks))
	for i, t := range ts {
		for j, k := range ks {
			v := rbf.at(k, t)
			if math.IsNaN(v) || math.IsInf(v, 0) || (positive && v <= 0) {
				continue
			}
			out[i][j] = v
		}
	}
	return out, nil
}

// thinPlate is a thin-plate-spline interpolant with a linear polynomial tail:
// s(x) = sum_i w_i phi(|x - c_i|) + a0 + a1 k + a2 t, phi(r) = r^2 log r
type thinPlate struct {
	centers [][2]float64
	weights []float64
	poly    [3]float64
}

func tpsKernel(r float64) float64 {
	if r == 0 {
		return 0
	}
	return r * r * math.Log(r)
}

// fitThinPlate solves the interpolation system
//
//	[ A  P ] [w]   [f]
//	[ P' 0 ] [a] = [0]
//
// Points must be distinct and not all collinear, otherwise the system is singular.
func fitThinPlate(centers [][2]float64, values []float64) (*thinPlate, error) {
	n := len(centers)
	size := n + 3
	m := mat.NewDense(size, size, nil)
	rhs := mat.NewVecDense(size, nil)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.Set(i, j, tpsKernel(dist(centers[i], centers[j])))
		}
		poly := [3]float64{1, centers[i][0], centers[i][1]}
		for c, v := range poly {
			m.Set(i, n+c, v)
			m.Set(n+c, i, v)
		}
		rhs.SetVec(i, values[i])
	}

	var sol mat.VecDense
	if err := sol.SolveVec(m, rhs); err != nil {
		return nil, errors.Wrapf(errors.ErrInterpolation, "thin-plate system: %v", err)
	}

	tp := &thinPlate{
		centers: centers,
		weights: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		tp.weights[i] = sol.AtVec(i)
	}
	for c := 0; c < 3; c++ {
		tp.poly[c] = sol.AtVec(n + c)
	}
	for _, w := range tp.weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, errors.Wrap(errors.ErrInterpolation, "thin-plate weights are not finite")
		}
	}
	return tp, nil
}

func (tp *thinPlate) at(k, t float64) float64 {
	x := [2]float64{k, t}
	s := tp.poly[0] + tp.poly[1]*k + tp.poly[2]*t
	for i, c := range tp.centers {
		s += tp.weights[i] * tpsKernel(dist(x, c))
	}
	return s
}

func dist(a, b [2]float64) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}
