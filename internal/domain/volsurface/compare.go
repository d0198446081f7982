package volsurface

import (
	"math"

	"volsurface/pkg/errors"
)

// MetricDelta is the change of one metric between two snapshots
type MetricDelta struct {
	Name  string `json:"name"`
	A     Value  `json:"a"`
	B     Value  `json:"b"`
	Delta Value  `json:"delta"`
}

// Comparison is the cell-wise IV change from A to B on A's grid
type Comparison struct {
	A         *Snapshot     `json:"-"`
	B         *Snapshot     `json:"-"`
	Grid      Grid          `json:"grid"`
	Diff      Matrix        `json:"iv_diff"`
	Resampled bool          `json:"resampled"`
	Metrics   []MetricDelta `json:"metrics"`
}

// Compare diffs b against a (b - a). When the grids differ, b is resampled onto a's grid.
func Compare(a, b *Snapshot) (*Comparison, error) {
	if a == nil || b == nil || a.Mesh == nil || b.Mesh == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "compare needs two snapshots with meshes")
	}

	bm := b.Mesh
	resampled := false
	if !a.Mesh.Grid.Equal(bm.Grid) {
		bm = bm.Resample(a.Mesh.Grid)
		resampled = true
	}

	rows, cols := a.Mesh.Grid.Shape()
	diff := Masked(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			va, vb := a.Mesh.IV[i][j], bm.IV[i][j]
			if math.IsNaN(va) || math.IsNaN(vb) {
				continue
			}
			diff[i][j] = vb - va
		}
	}

	return &Comparison{
		A:         a,
		B:         b,
		Grid:      a.Mesh.Grid,
		Diff:      diff,
		Resampled: resampled,
		Metrics:   MetricDeltas(a.Metrics, b.Metrics),
	}, nil
}

// MetricDeltas pairs every metric of a with the same metric of b
func MetricDeltas(a, b Metrics) []MetricDelta {
	fields := a.Fields()
	out := make([]MetricDelta, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		bv, _ := b.Field(f.Name)
		out = append(out, MetricDelta{Name: f.Name, A: f.Value, B: bv, Delta: bv.Sub(f.Value)})
		seen[f.Name] = true
	}
	for _, f := range b.Fields() {
		if seen[f.Name] {
			continue
		}
		out = append(out, MetricDelta{Name: f.Name, A: Missing(), B: f.Value, Delta: Missing()})
	}
	return out
}

// MaxAbsDiff returns the largest absolute cell change, missing when no cell overlaps
func (c *Comparison) MaxAbsDiff() Value {
	best := Missing()
	for _, v := range c.Diff.Valid() {
		if !best.Valid() || math.Abs(v) > float64(best) {
			best = Value(math.Abs(v))
		}
	}
	return best
}
