package builder

import (
	"context"
	"math"
	"sort"

	"volsurface/internal/domain/volsurface"
	"volsurface/pkg/errors"
)

func (b *Builder) buildSimple(ctx context.Context, pts []point) (*volsurface.Mesh, error) {
	mesh := volsurface.NewMesh(volsurface.MethodSimple, b.opts.Grid)

	iv, err := b.simpleGrid(pts, ivField, true)
	if err != nil {
		return nil, err
	}
	mesh.IV = iv

	if err := b.buildGreeks(ctx, mesh, pts, func(gp []point, f field) (volsurface.Matrix, error) {
		return b.simpleGrid(gp, f, false)
	}); err != nil {
		return nil, err
	}
	return mesh, nil
}

// simpleGrid splines each expiration across log-moneyness, then each grid column across TTE.
// Cells outside the convex hull of the inputs, or outside the span a column's splines cover, are masked.
func (b *Builder) simpleGrid(pts []point, f field, positive bool) (volsurface.Matrix, error) {
	if n := distinctCoords(pts); n < minGlobalPoints {
		return nil, errors.Wrapf(errors.ErrInsufficientData, "simple needs %d distinct points, have %d", minGlobalPoints, n)
	}
	slices := groupSlices(pts)
	if len(slices) < 2 {
		return nil, errors.Wrap(errors.ErrInsufficientData, "simple needs at least two expirations")
	}

	coords := make([][2]float64, len(pts))
	for i, p := range pts {
		coords[i] = [2]float64{p.k, p.t}
	}
	hull := convexHull(coords)
	if len(hull) < 3 {
		return nil, errors.Wrap(errors.ErrInsufficientData, "input points are collinear")
	}

	curves := make([]*curve, len(slices))
	for i, s := range slices {
		c, err := s.curve(f)
		if err != nil {
			return nil, &sliceError{slice: s.label(), err: errors.Wrapf(errors.ErrInterpolation, "spline across strikes: %v", err)}
		}
		curves[i] = c
	}

	g := b.opts.Grid
	ks, ts := g.LogMoneyness(), g.TTE()
	out := volsurface.Masked(len(ts), len(ks))

	for j, k := range ks {
		colT := make([]float64, 0, len(slices))
		colV := make([]float64, 0, len(slices))
		for i, s := range slices {
			if v := curves[i].at(k); !math.IsNaN(v) {
				colT = append(colT, s.t)
				colV = append(colV, v)
			}
		}
		tx, ty := knots(colT, colV)
		if len(tx) == 0 {
			continue
		}
		across, err := fitCurve(tx, ty)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInterpolation, "spline across TTE: %v", err)
		}

		for i, t := range ts {
			if !insideHull(hull, k, t) {
				continue
			}
			v := across.at(t)
			if math.IsNaN(v) || (positive && v <= 0) {
				continue
			}
			out[i][j] = v
		}
	}

	return out, nil
}

func cross(o, a, b [2]float64) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// convexHull returns the hull vertices counter-clockwise (Andrew's monotone chain)
func convexHull(pts [][2]float64) [][2]float64 {
	p := make([][2]float64, len(pts))
	copy(p, pts)
	sort.Slice(p, func(i, j int) bool {
		if p[i][0] != p[j][0] {
			return p[i][0] < p[j][0]
		}
		return p[i][1] < p[j][1]
	})

	uniq := p[:0]
	for i, q := range p {
		if i == 0 || q != p[i-1] {
			uniq = append(uniq, q)
		}
	}
	p = uniq
	if len(p) < 3 {
		return p
	}

	hull := make([][2]float64, 0, 2*len(p))
	for _, q := range p {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], q) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, q)
	}
	lower := len(hull) + 1
	for i := len(p) - 2; i >= 0; i-- {
		q := p[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], q) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, q)
	}
	return hull[:len(hull)-1]
}

// insideHull reports whether (k, t) lies in or on a counter-clockwise hull
func insideHull(hull [][2]float64, k, t float64) bool {
	q := [2]float64{k, t}
	n := len(hull)
	for i := 0; i < n; i++ {
		a, b := hull[i], hull[(i+1)%n]
		scale := math.Hypot(b[0]-a[0], b[1]-a[1])
		if cross(a, b, q) < -edgeEps*math.Max(scale, 1) {
			return false
		}
	}
	return true
}
