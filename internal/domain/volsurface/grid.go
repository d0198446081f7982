package volsurface

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"volsurface/pkg/errors"
)

// Grid is the evaluation lattice every surface is emitted on.
// Rows run over time-to-expiration, columns over log-moneyness.
type Grid struct {
	KMin    float64 `json:"k_min"`
	KMax    float64 `json:"k_max"`
	KPoints int     `json:"k_points"`
	TMin    float64 `json:"t_min"`
	TMax    float64 `json:"t_max"`
	TPoints int     `json:"t_points"`
}

// DefaultGrid is 50x50 over moneyness 0.7-1.3 and 1 day to 1 year
func DefaultGrid() Grid {
	return Grid{
		KMin:    math.Log(0.7),
		KMax:    math.Log(1.3),
		KPoints: 50,
		TMin:    1.0 / 365,
		TMax:    1.0,
		TPoints: 50,
	}
}

// NewGrid builds a square grid from a moneyness band and a TTE range in days
func NewGrid(moneynessMin, moneynessMax, tteMinDays, tteMaxDays float64, points int) (Grid, error) {
	g := Grid{
		KMin:    math.Log(moneynessMin),
		KMax:    math.Log(moneynessMax),
		KPoints: points,
		TMin:    tteMinDays / 365,
		TMax:    tteMaxDays / 365,
		TPoints: points,
	}
	return g, g.Validate()
}

// Validate rejects degenerate or inverted axes
func (g Grid) Validate() error {
	if g.KPoints < 2 || g.TPoints < 2 {
		return errors.NewValidationError("grid.points", "need at least 2 points per axis", [2]int{g.KPoints, g.TPoints})
	}
	if !(g.KMin < g.KMax) || math.IsNaN(g.KMin) || math.IsInf(g.KMin, 0) || math.IsInf(g.KMax, 0) {
		return errors.NewValidationError("grid.k", "log-moneyness range must be finite and increasing", [2]float64{g.KMin, g.KMax})
	}
	if !(g.TMin > 0 && g.TMin < g.TMax) || math.IsInf(g.TMax, 0) {
		return errors.NewValidationError("grid.t", "TTE range must be positive and increasing", [2]float64{g.TMin, g.TMax})
	}
	return nil
}

// LogMoneyness returns the column axis
func (g Grid) LogMoneyness() []float64 {
	return floats.Span(make([]float64, g.KPoints), g.KMin, g.KMax)
}

// TTE returns the row axis in years
func (g Grid) TTE() []float64 {
	return floats.Span(make([]float64, g.TPoints), g.TMin, g.TMax)
}

// Shape returns (rows, cols)
func (g Grid) Shape() (int, int) {
	return g.TPoints, g.KPoints
}

// TStep is the row spacing in years
func (g Grid) TStep() float64 {
	return (g.TMax - g.TMin) / float64(g.TPoints-1)
}

// Equal reports whether both grids produce identical axes
func (g Grid) Equal(o Grid) bool {
	return g == o
}

// Coordinates returns the full (k, t) coordinate matrices
func (g Grid) Coordinates() (k, t Matrix) {
	ks, ts := g.LogMoneyness(), g.TTE()
	k = NewMatrix(len(ts), len(ks), 0)
	t = NewMatrix(len(ts), len(ks), 0)
	for i, tv := range ts {
		copy(k[i], ks)
		for j := range ks {
			t[i][j] = tv
		}
	}
	return k, t
}

// locate returns the lower bracketing index and the fractional weight of x on a sorted axis.
// ok is false when x lies outside the axis.
func locate(axis []float64, x float64) (idx int, w float64, ok bool) {
	n := len(axis)
	if n == 0 || math.IsNaN(x) {
		return 0, 0, false
	}
	eps := 1e-12 * math.Max(1, math.Abs(axis[n-1]-axis[0]))
	if x < axis[0]-eps || x > axis[n-1]+eps {
		return 0, 0, false
	}
	x = math.Max(axis[0], math.Min(axis[n-1], x))
	if n == 1 {
		return 0, 0, true
	}
	i := sort.SearchFloat64s(axis, x)
	if i == 0 {
		return 0, 0, true
	}
	if i >= n {
		i = n - 1
	}
	lo, hi := axis[i-1], axis[i]
	if hi == lo {
		return i - 1, 0, true
	}
	return i - 1, (x - lo) / (hi - lo), true
}
