package volsurface

import (
	"encoding/json"
	"math"
	"time"

	"volsurface/pkg/errors"
)

// Matrix is a row-major grid of values. NaN marks a masked cell and encodes as JSON null.
type Matrix [][]float64

// NewMatrix allocates a rows x cols matrix filled with v
func NewMatrix(rows, cols int, v float64) Matrix {
	m := make(Matrix, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = v
		}
	}
	return m
}

// Masked allocates a rows x cols matrix with every cell masked
func Masked(rows, cols int) Matrix {
	return NewMatrix(rows, cols, math.NaN())
}

// Shape returns (rows, cols); cols is taken from the first row
func (m Matrix) Shape() (int, int) {
	if len(m) == 0 {
		return 0, 0
	}
	return len(m), len(m[0])
}

// Rectangular reports whether every row has the same length
func (m Matrix) Rectangular() bool {
	_, cols := m.Shape()
	for _, row := range m {
		if len(row) != cols {
			return false
		}
	}
	return true
}

// Valid returns the non-masked cells in row-major order
func (m Matrix) Valid() []float64 {
	var out []float64
	for _, row := range m {
		for _, v := range row {
			if !math.IsNaN(v) {
				out = append(out, v)
			}
		}
	}
	return out
}

// MarshalJSON writes masked cells as null. Infinite cells have no
// representation that reads back unchanged and are rejected.
func (m Matrix) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	rows := make([][]*float64, len(m))
	for i, row := range m {
		rows[i] = make([]*float64, len(row))
		for j := range row {
			v := row[j]
			if math.IsInf(v, 0) {
				return nil, errors.Wrapf(errors.ErrInvalidInput, "matrix cell [%d][%d] is infinite", i, j)
			}
			if !math.IsNaN(v) {
				rows[i][j] = &v
			}
		}
	}
	return json.Marshal(rows)
}

// UnmarshalJSON reads null cells back as NaN
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var rows [][]*float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	if rows == nil {
		*m = nil
		return nil
	}
	out := make(Matrix, len(rows))
	for i, row := range rows {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				out[i][j] = math.NaN()
			} else {
				out[i][j] = *v
			}
		}
	}
	*m = out
	return nil
}

// SliceFit records the SVI parameters fitted to one expiration
type SliceFit struct {
	Expiration time.Time `json:"expiration"`
	TTE        float64   `json:"tte"`
	Points     int       `json:"points"`
	Fitted     bool      `json:"fitted"`
	A          float64   `json:"a"`
	B          float64   `json:"b"`
	Rho        float64   `json:"rho"`
	M          float64   `json:"m"`
	Sigma      float64   `json:"sigma"`
	RMSE       float64   `json:"rmse"`
}

// TotalVariance evaluates the raw SVI curve w(k) = a + b(rho(k-m) + sqrt((k-m)^2 + sigma^2))
func (f SliceFit) TotalVariance(k float64) float64 {
	d := k - f.M
	return f.A + f.B*(f.Rho*d+math.Sqrt(d*d+f.Sigma*f.Sigma))
}

// Mesh is a built surface on a fixed grid
type Mesh struct {
	Method       Method     `json:"method"`
	Grid         Grid       `json:"grid"`
	LogMoneyness Matrix     `json:"log_moneyness"`
	TTE          Matrix     `json:"tte"`
	IV           Matrix     `json:"iv"`
	Delta        Matrix     `json:"delta,omitempty"`
	Gamma        Matrix     `json:"gamma,omitempty"`
	Vega         Matrix     `json:"vega,omitempty"`
	Fits         []SliceFit `json:"svi_fits,omitempty"`
}

// NewMesh allocates a fully masked mesh with coordinate grids filled in
func NewMesh(method Method, g Grid) *Mesh {
	k, t := g.Coordinates()
	rows, cols := g.Shape()
	return &Mesh{
		Method:       method,
		Grid:         g,
		LogMoneyness: k,
		TTE:          t,
		IV:           Masked(rows, cols),
	}
}

// Validate checks that every present grid matches the coordinate shape
func (m *Mesh) Validate() error {
	rows, cols := m.Grid.Shape()
	named := map[string]Matrix{
		"log_moneyness": m.LogMoneyness,
		"tte":           m.TTE,
		"iv":            m.IV,
		"delta":         m.Delta,
		"gamma":         m.Gamma,
		"vega":          m.Vega,
	}
	for name, g := range named {
		if g == nil && name != "log_moneyness" && name != "tte" && name != "iv" {
			continue
		}
		r, c := g.Shape()
		if r != rows || c != cols || !g.Rectangular() {
			return errors.Wrapf(errors.ErrGridMismatch, "%s is %dx%d, grid is %dx%d", name, r, c, rows, cols)
		}
	}
	return nil
}

// HasGreeks reports whether any greeks grid was built
func (m *Mesh) HasGreeks() bool {
	return m.Delta != nil || m.Gamma != nil || m.Vega != nil
}

// ValidCells counts non-masked IV cells
func (m *Mesh) ValidCells() int {
	return len(m.IV.Valid())
}

// At returns the bilinearly interpolated IV at (k, t); NaN outside the grid or next to a masked cell
func (m *Mesh) At(k, t float64) float64 {
	return m.sample(m.IV, k, t)
}

func (m *Mesh) sample(values Matrix, k, t float64) float64 {
	if values == nil {
		return math.NaN()
	}
	j, wk, okK := locate(m.Grid.LogMoneyness(), k)
	i, wt, okT := locate(m.Grid.TTE(), t)
	if !okK || !okT {
		return math.NaN()
	}

	rows, cols := values.Shape()
	j1, i1 := min(j+1, cols-1), min(i+1, rows-1)

	corners := [4]struct {
		v, w float64
	}{
		{values[i][j], (1 - wt) * (1 - wk)},
		{values[i][j1], (1 - wt) * wk},
		{values[i1][j], wt * (1 - wk)},
		{values[i1][j1], wt * wk},
	}

	sum := 0.0
	for _, c := range corners {
		if c.w == 0 {
			continue
		}
		if math.IsNaN(c.v) {
			return math.NaN()
		}
		sum += c.v * c.w
	}
	return sum
}

// Resample evaluates the mesh onto another grid, bilinearly
func (m *Mesh) Resample(g Grid) *Mesh {
	out := NewMesh(m.Method, g)
	ks, ts := g.LogMoneyness(), g.TTE()

	fill := func(src Matrix) Matrix {
		if src == nil {
			return nil
		}
		dst := Masked(len(ts), len(ks))
		for i, t := range ts {
			for j, k := range ks {
				dst[i][j] = m.sample(src, k, t)
			}
		}
		return dst
	}

	out.IV = fill(m.IV)
	out.Delta = fill(m.Delta)
	out.Gamma = fill(m.Gamma)
	out.Vega = fill(m.Vega)
	out.Fits = m.Fits
	return out
}
