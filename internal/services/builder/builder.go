package builder

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"volsurface/internal/domain/option"
	"volsurface/internal/domain/volsurface"
	"volsurface/internal/metrics"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

// Side selects which quotes feed the surface
type Side string

const (
	SideCall Side = "call"
	SidePut  Side = "put"
	// SideOTM uses puts below the underlying and calls at or above it
	SideOTM Side = "otm"
)

// ParseSide parses a side name; empty selects calls
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case "", SideCall:
		return SideCall, nil
	case SidePut:
		return SidePut, nil
	case SideOTM:
		return SideOTM, nil
	}
	return "", errors.NewValidationError("side", "expected call, put or otm", s)
}

const (
	minGlobalPoints = 4
	minSVIStrikes   = 5
)

// Options configures the builder
type Options struct {
	Grid volsurface.Grid
	Side Side
}

// DefaultOptions builds call surfaces on the default grid
func DefaultOptions() Options {
	return Options{Grid: volsurface.DefaultGrid(), Side: SideCall}
}

// BuildError carries the context needed to diagnose a failed build
type BuildError struct {
	Method   volsurface.Method
	Currency string
	Slice    string
	Points   int
	Slices   int
	Err      error
}

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build %s surface", e.Method)
	if e.Currency != "" {
		fmt.Fprintf(&b, " for %s", e.Currency)
	}
	fmt.Fprintf(&b, " (points=%d, slices=%d", e.Points, e.Slices)
	if e.Slice != "" {
		fmt.Fprintf(&b, ", slice=%s", e.Slice)
	}
	fmt.Fprintf(&b, "): %v", e.Err)
	return b.String()
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Builder turns a cleaned dataset into a mesh on a fixed grid
type Builder struct {
	opts Options
	log  *logger.Logger
}

// New creates a surface builder
func New(opts Options, log *logger.Logger) (*Builder, error) {
	if err := opts.Grid.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid grid")
	}
	if opts.Side == "" {
		opts.Side = SideCall
	}
	return &Builder{opts: opts, log: log.Component("builder")}, nil
}

// Grid returns the grid every mesh is emitted on
func (b *Builder) Grid() volsurface.Grid {
	return b.opts.Grid
}

// Build interpolates the dataset with the given method.
// An empty dataset fails with ErrDataQuality before any interpolation.
func (b *Builder) Build(ctx context.Context, ds *option.CleanedDataset, method volsurface.Method) (*volsurface.Mesh, error) {
	if method == "" {
		method = volsurface.DefaultMethod
	}
	currency := ""
	if ds != nil {
		currency = ds.Currency
	}
	fail := func(pts []point, slice string, err error) error {
		return &BuildError{
			Method:   method,
			Currency: currency,
			Slice:    slice,
			Points:   len(pts),
			Slices:   len(groupSlices(pts)),
			Err:      err,
		}
	}

	if !method.Valid() {
		return nil, fail(nil, "", errors.NewValidationError("method", "unsupported", method))
	}
	if ds.Empty() {
		return nil, fail(nil, "", errors.ErrDataQuality)
	}

	pts := collectPoints(ds, b.opts.Side)
	if len(pts) == 0 {
		return nil, fail(nil, "", errors.Wrapf(errors.ErrDataQuality, "no %s quotes", b.opts.Side))
	}

	start := time.Now()
	var (
		mesh *volsurface.Mesh
		err  error
	)
	switch method {
	case volsurface.MethodSimple:
		mesh, err = b.buildSimple(ctx, pts)
	case volsurface.MethodRBF:
		mesh, err = b.buildRBF(ctx, pts)
	case volsurface.MethodSVI:
		mesh, err = b.buildSVI(ctx, currency, pts)
	}
	if err != nil {
		var slice string
		var se *sliceError
		if errors.As(err, &se) {
			slice = se.slice
		}
		metrics.RecordBuild(currency, string(method), time.Since(start), 0, err)
		return nil, fail(pts, slice, err)
	}

	if err := mesh.Validate(); err != nil {
		return nil, fail(pts, "", errors.Wrap(errors.ErrInternal, err.Error()))
	}

	valid := mesh.ValidCells()
	metrics.RecordBuild(currency, string(method), time.Since(start), valid, nil)
	rows, cols := mesh.Grid.Shape()
	b.log.Infow("Built surface",
		"currency", currency,
		"method", method,
		"side", b.opts.Side,
		"points", len(pts),
		"valid_cells", valid,
		"total_cells", rows*cols,
		"greeks", mesh.HasGreeks(),
		"duration", time.Since(start),
	)

	return mesh, nil
}

// sliceError tags an error with the expiration slice it came from
type sliceError struct {
	slice string
	err   error
}

func (e *sliceError) Error() string { return fmt.Sprintf("slice %s: %v", e.slice, e.err) }
func (e *sliceError) Unwrap() error { return e.err }

// point is one (log-moneyness, TTE) observation after de-duplication
type point struct {
	k, t       float64
	expiration time.Time
	strike     float64
	iv         float64
	delta      float64
	gamma      float64
	vega       float64
}

// field extracts one value from a point
type field func(p point) float64

func ivField(p point) float64    { return p.iv }
func deltaField(p point) float64 { return p.delta }
func gammaField(p point) float64 { return p.gamma }
func vegaField(p point) float64  { return p.vega }

type pointKey struct {
	strike     float64
	expiration int64
}

type accumulator struct {
	p      point
	n      int
	sums   [3]float64
	counts [3]int
}

// collectPoints selects the side's quotes and averages duplicate (strike, expiration) coordinates.
// Output is sorted by (t, k).
func collectPoints(ds *option.CleanedDataset, side Side) []point {
	var src []option.Quote
	switch side {
	case SidePut:
		src = ds.Puts
	case SideOTM:
		for _, q := range ds.Puts {
			if q.Strike < q.UnderlyingPrice {
				src = append(src, q)
			}
		}
		for _, q := range ds.Calls {
			if q.Strike >= q.UnderlyingPrice {
				src = append(src, q)
			}
		}
	default:
		src = ds.Calls
	}

	accs := make(map[pointKey]*accumulator, len(src))
	order := make([]pointKey, 0, len(src))
	for _, q := range src {
		if !q.HasIV() {
			continue
		}
		key := pointKey{q.Strike, q.Expiration.UnixNano()}
		acc, ok := accs[key]
		if !ok {
			acc = &accumulator{p: point{
				k:          q.LogMoneyness(),
				t:          q.TTE(ds.AsOf),
				expiration: q.Expiration,
				strike:     q.Strike,
			}}
			accs[key] = acc
			order = append(order, key)
		}
		acc.p.iv += q.MarkIV
		acc.n++
		for i, g := range [3]float64{q.Greeks.Delta, q.Greeks.Gamma, q.Greeks.Vega} {
			if !math.IsNaN(g) && !math.IsInf(g, 0) {
				acc.sums[i] += g
				acc.counts[i]++
			}
		}
	}

	pts := make([]point, 0, len(order))
	for _, key := range order {
		acc := accs[key]
		p := acc.p
		p.iv /= float64(acc.n)
		greeks := [3]float64{}
		for i := range greeks {
			if acc.counts[i] == 0 {
				greeks[i] = math.NaN()
			} else {
				greeks[i] = acc.sums[i] / float64(acc.counts[i])
			}
		}
		p.delta, p.gamma, p.vega = greeks[0], greeks[1], greeks[2]
		pts = append(pts, p)
	}

	sort.SliceStable(pts, func(i, j int) bool {
		if pts[i].t != pts[j].t {
			return pts[i].t < pts[j].t
		}
		return pts[i].k < pts[j].k
	})
	return pts
}

// withField keeps points whose field value is finite
func withField(pts []point, f field) []point {
	out := make([]point, 0, len(pts))
	for _, p := range pts {
		if v := f(p); !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, p)
		}
	}
	return out
}

// expirationSlice is all points of one expiration, sorted by k
type expirationSlice struct {
	expiration time.Time
	t          float64
	points     []point
}

func (s expirationSlice) label() string {
	return s.expiration.UTC().Format("2006-01-02")
}

// distinctStrikes counts unique strikes in the slice
func (s expirationSlice) distinctStrikes() int {
	seen := make(map[float64]struct{}, len(s.points))
	for _, p := range s.points {
		seen[p.strike] = struct{}{}
	}
	return len(seen)
}

// curve fits the field across log-moneyness within the slice
func (s expirationSlice) curve(f field) (*curve, error) {
	xs := make([]float64, len(s.points))
	ys := make([]float64, len(s.points))
	for i, p := range s.points {
		xs[i], ys[i] = p.k, f(p)
	}
	kx, ky := knots(xs, ys)
	if len(kx) == 0 {
		return nil, errors.ErrInsufficientData
	}
	return fitCurve(kx, ky)
}

// groupSlices groups sorted points by expiration, ascending TTE
func groupSlices(pts []point) []expirationSlice {
	var slices []expirationSlice
	index := make(map[int64]int)
	for _, p := range pts {
		key := p.expiration.UnixNano()
		i, ok := index[key]
		if !ok {
			i = len(slices)
			index[key] = i
			slices = append(slices, expirationSlice{expiration: p.expiration, t: p.t})
		}
		slices[i].points = append(slices[i].points, p)
	}
	sort.SliceStable(slices, func(i, j int) bool { return slices[i].t < slices[j].t })
	for i := range slices {
		ps := slices[i].points
		sort.SliceStable(ps, func(a, b int) bool { return ps[a].k < ps[b].k })
	}
	return slices
}

// distinctCoords counts unique (k, t) coordinates
func distinctCoords(pts []point) int {
	seen := make(map[[2]float64]struct{}, len(pts))
	for _, p := range pts {
		seen[[2]float64{p.k, p.t}] = struct{}{}
	}
	return len(seen)
}

// buildGreeks fills the delta/gamma/vega grids with fn; a greek that cannot be built is left nil
func (b *Builder) buildGreeks(ctx context.Context, mesh *volsurface.Mesh, pts []point, fn func(pts []point, f field) (volsurface.Matrix, error)) error {
	targets := []struct {
		name string
		f    field
		dst  *volsurface.Matrix
	}{
		{"delta", deltaField, &mesh.Delta},
		{"gamma", gammaField, &mesh.Gamma},
		{"vega", vegaField, &mesh.Vega},
	}

	for _, tg := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		gp := withField(pts, tg.f)
		if len(gp) == 0 {
			continue
		}
		grid, err := fn(gp, tg.f)
		if err != nil {
			b.log.Warnw("Skipping greek surface",
				"greek", tg.name,
				"method", mesh.Method,
				"points", len(gp),
				"error", err,
			)
			continue
		}
		*tg.dst = grid
	}
	return nil
}
