package analytics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"volsurface/internal/domain/volsurface"
)

// Options configures which points of the mesh the metrics read
type Options struct {
	// Tenors in days at which ATM vol is read
	Tenors []int
	// SkewTenorDays is the tenor of the 25-delta skew
	SkewTenorDays int
	// SkewPutMoneyness and SkewCallMoneyness approximate the 25-delta strikes as strike/spot
	SkewPutMoneyness  float64
	SkewCallMoneyness float64
}

// DefaultOptions: ATM at 7/30/60/90/180 days, skew at 30 days from 0.9 and 1.1 moneyness
func DefaultOptions() Options {
	return Options{
		Tenors:            []int{7, 30, 60, 90, 180},
		SkewTenorDays:     30,
		SkewPutMoneyness:  0.9,
		SkewCallMoneyness: 1.1,
	}
}

const (
	slopeShortDays = 30
	slopeLongDays  = 90
	daysPerYear    = 365.25
)

// Calculator derives scalar metrics from a mesh. It holds no state between calls.
type Calculator struct {
	opts Options
}

// NewCalculator creates a metrics calculator
func NewCalculator(opts Options) *Calculator {
	return &Calculator{opts: opts}
}

// Compute reads ATM vols, skew and term slope off the mesh and summarizes every valid cell.
// Masked cells never enter the statistics; unreadable points come back missing.
// The mesh is already in log-moneyness, so spot is not needed to locate ATM.
func (c *Calculator) Compute(mesh *volsurface.Mesh, spot float64) volsurface.Metrics {
	m := volsurface.Metrics{
		SkewTenor: c.opts.SkewTenorDays,
		Skew:      volsurface.Missing(),
		TermSlope: volsurface.Missing(),
		Mean:      volsurface.Missing(),
		Median:    volsurface.Missing(),
		Std:       volsurface.Missing(),
		Min:       volsurface.Missing(),
		Max:       volsurface.Missing(),
	}
	if mesh == nil {
		return m
	}

	for _, days := range c.opts.Tenors {
		m.ATM = append(m.ATM, volsurface.TenorVol{Days: days, IV: ATMVol(mesh, days)})
	}

	t := float64(c.opts.SkewTenorDays) / daysPerYear
	put := volsurface.Value(mesh.At(math.Log(c.opts.SkewPutMoneyness), t))
	call := volsurface.Value(mesh.At(math.Log(c.opts.SkewCallMoneyness), t))
	m.Skew = put.Sub(call)

	m.TermSlope = TermSlope(mesh)

	rows, cols := mesh.Grid.Shape()
	m.TotalCells = rows * cols

	valid := mesh.IV.Valid()
	m.ValidCells = len(valid)
	if len(valid) == 0 {
		return m
	}

	m.Mean = volsurface.Value(stat.Mean(valid, nil))
	m.Median = volsurface.Value(median(valid))
	m.Min = volsurface.Value(floats.Min(valid))
	m.Max = volsurface.Value(floats.Max(valid))
	if len(valid) > 1 {
		m.Std = volsurface.Value(stat.StdDev(valid, nil))
	}

	return m
}

// ATMVol reads the mesh at log-moneyness 0 for a tenor in days
func ATMVol(mesh *volsurface.Mesh, days int) volsurface.Value {
	return volsurface.Value(mesh.At(0, float64(days)/daysPerYear))
}

// TermSlope is ATM(90d) - ATM(30d)
func TermSlope(mesh *volsurface.Mesh) volsurface.Value {
	return ATMVol(mesh, slopeLongDays).Sub(ATMVol(mesh, slopeShortDays))
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
