package builder

import (
	"context"
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"volsurface/internal/domain/volsurface"
	"volsurface/internal/metrics"
	"volsurface/pkg/errors"
)

const (
	sviMinSigma   = 0.01
	sviMaxEvals   = 20000
	sviConvergeTo = 1e-14
)

func (b *Builder) buildSVI(ctx context.Context, currency string, pts []point) (*volsurface.Mesh, error) {
	mesh := volsurface.NewMesh(volsurface.MethodSVI, b.opts.Grid)
	slices := groupSlices(pts)

	fits := make([]volsurface.SliceFit, len(slices))
	fitted := 0
	for i, s := range slices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fits[i] = volsurface.SliceFit{Expiration: s.expiration, TTE: s.t, Points: len(s.points)}
		if n := s.distinctStrikes(); n < minSVIStrikes {
			metrics.SliceFitsSkipped.WithLabelValues(currency).Inc()
			b.log.Warnw("Skipping SVI slice with too few strikes",
				"currency", currency,
				"expiration", s.label(),
				"strikes", n,
				"required", minSVIStrikes,
			)
			continue
		}

		fit, err := fitSVISlice(s)
		if err != nil {
			return nil, &sliceError{slice: s.label(), err: err}
		}
		fits[i] = fit
		fitted++
	}

	if fitted == 0 {
		return nil, errors.Wrapf(errors.ErrInsufficientData, "no expiration has %d distinct strikes", minSVIStrikes)
	}
	mesh.Fits = fits

	g := b.opts.Grid
	ks, ts := g.LogMoneyness(), g.TTE()
	half := g.TStep() / 2
	for i, t := range ts {
		lo, hi, ok := rowSlices(fits, t, half)
		if !ok {
			continue
		}
		for j, k := range ks {
			w := interpolateVariance(fits[lo], fits[hi], k, t)
			if math.IsNaN(w) || w <= 0 {
				continue
			}
			mesh.IV[i][j] = math.Sqrt(w / t)
		}
	}

	// greeks use per-slice splines, assembled with the same row rule
	if err := b.buildGreeks(ctx, mesh, pts, func(gp []point, f field) (volsurface.Matrix, error) {
		return sliceSplineGrid(g, groupSlices(gp), f)
	}); err != nil {
		return nil, err
	}

	return mesh, nil
}

// rowSlices picks the slices that define a grid row at t.
// A row within half a step of a slice snaps to it (lo == hi); otherwise it sits between
// the two neighbouring slices. ok is false when the row is outside every slice or touches
// a skipped one.
func rowSlices(fits []volsurface.SliceFit, t, half float64) (lo, hi int, ok bool) {
	nearest, best := -1, math.Inf(1)
	for i, f := range fits {
		if d := math.Abs(f.TTE - t); d < best {
			nearest, best = i, d
		}
	}
	if nearest < 0 {
		return 0, 0, false
	}
	if best <= half {
		return nearest, nearest, fits[nearest].Fitted
	}

	for i := 0; i+1 < len(fits); i++ {
		if fits[i].TTE < t && t < fits[i+1].TTE {
			return i, i + 1, fits[i].Fitted && fits[i+1].Fitted
		}
	}
	return 0, 0, false
}

// interpolateVariance is linear in total variance between two fitted slices; lo == hi evaluates
// the slice at its own TTE and rescales to t so the row keeps the slice's implied vol
func interpolateVariance(lo, hi volsurface.SliceFit, k, t float64) float64 {
	if lo.TTE == hi.TTE {
		return lo.TotalVariance(k) / lo.TTE * t
	}
	wl, wh := lo.TotalVariance(k), hi.TotalVariance(k)
	x := (t - lo.TTE) / (hi.TTE - lo.TTE)
	return wl + x*(wh-wl)
}

// sviParams maps unconstrained optimizer coordinates onto a >= 0, b >= 0, |rho| < 1, sigma >= 0.01
func sviParams(x []float64) (a, b, rho, m, sigma float64) {
	return x[0] * x[0], x[1] * x[1], math.Tanh(x[2]), x[3], sviMinSigma + x[4]*x[4]
}

// fitSVISlice least-squares fits raw SVI total variance w = iv^2 * t with Nelder-Mead
func fitSVISlice(s expirationSlice) (volsurface.SliceFit, error) {
	ks := make([]float64, len(s.points))
	ws := make([]float64, len(s.points))
	for i, p := range s.points {
		ks[i] = p.k
		ws[i] = p.iv * p.iv * s.t
	}

	scale := stat.Mean(ws, nil)
	if !(scale > 0) {
		return volsurface.SliceFit{}, errors.Wrap(errors.ErrInterpolation, "non-positive mean total variance")
	}

	eval := func(x []float64) volsurface.SliceFit {
		a, b, rho, m, sigma := sviParams(x)
		return volsurface.SliceFit{A: a, B: b, Rho: rho, M: m, Sigma: sigma}
	}
	objective := func(x []float64) float64 {
		f := eval(x)
		sum := 0.0
		for i, k := range ks {
			d := (f.TotalVariance(k) - ws[i]) / scale
			sum += d * d
		}
		return sum
	}

	x0 := []float64{math.Sqrt(scale), math.Sqrt(0.1), 0, 0, math.Sqrt(0.1 - sviMinSigma)}
	settings := &optimize.Settings{
		FuncEvaluations: sviMaxEvals,
		Converger: &optimize.FunctionConverge{
			Absolute:   sviConvergeTo,
			Iterations: 200,
		},
	}

	res, err := optimize.Minimize(optimize.Problem{Func: objective}, x0, settings, &optimize.NelderMead{})
	if res == nil {
		return volsurface.SliceFit{}, errors.Wrapf(errors.ErrInterpolation, "svi optimizer: %v", err)
	}
	if math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		return volsurface.SliceFit{}, errors.Wrap(errors.ErrInterpolation, "svi objective diverged")
	}
	// hitting the evaluation limit still leaves the best simplex vertex, which is usable

	fit := eval(res.X)
	fit.Expiration = s.expiration
	fit.TTE = s.t
	fit.Points = len(s.points)
	fit.Fitted = true

	sq := 0.0
	for i, k := range ks {
		d := fit.TotalVariance(k) - ws[i]
		sq += d * d
	}
	fit.RMSE = math.Sqrt(sq / float64(len(ks)))
	return fit, nil
}

// sliceSplineGrid splines each slice across log-moneyness and assembles rows by snapping
// to, or linearly interpolating between, neighbouring slices
func sliceSplineGrid(g volsurface.Grid, slices []expirationSlice, f field) (volsurface.Matrix, error) {
	if len(slices) == 0 {
		return nil, errors.ErrInsufficientData
	}

	curves := make([]*curve, len(slices))
	fits := make([]volsurface.SliceFit, len(slices))
	for i, s := range slices {
		c, err := s.curve(f)
		if err != nil {
			return nil, &sliceError{slice: s.label(), err: errors.Wrapf(errors.ErrInterpolation, "spline across strikes: %v", err)}
		}
		curves[i] = c
		fits[i] = volsurface.SliceFit{Expiration: s.expiration, TTE: s.t, Fitted: true}
	}

	ks, ts := g.LogMoneyness(), g.TTE()
	half := g.TStep() / 2
	out := volsurface.Masked(len(ts), len(ks))
	for i, t := range ts {
		lo, hi, ok := rowSlices(fits, t, half)
		if !ok {
			continue
		}
		for j, k := range ks {
			vl, vh := curves[lo].at(k), curves[hi].at(k)
			if math.IsNaN(vl) || math.IsNaN(vh) {
				continue
			}
			if lo == hi {
				out[i][j] = vl
				continue
			}
			x := (t - fits[lo].TTE) / (fits[hi].TTE - fits[lo].TTE)
			out[i][j] = vl + x*(vh-vl)
		}
	}
	return out, nil
}
