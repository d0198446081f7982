package volsurface

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volsurface/internal/domain/option"
	"volsurface/pkg/errors"
)

// planeMesh returns a mesh with iv = 0.5 + 0.1k + 0.2t and a masked corner
func planeMesh(g Grid) *Mesh {
	m := NewMesh(MethodRBF, g)
	for i := range m.IV {
		for j := range m.IV[i] {
			m.IV[i][j] = 0.5 + 0.1*m.LogMoneyness[i][j] + 0.2*m.TTE[i][j]
		}
	}
	m.IV[0][0] = math.NaN()
	return m
}

func sampleMetrics() Metrics {
	return Metrics{
		ATM: []TenorVol{
			{Days: 7, IV: 0.61}, {Days: 30, IV: 0.55}, {Days: 60, IV: Missing()},
			{Days: 90, IV: 0.52}, {Days: 180, IV: 0.5},
		},
		Skew:       0.031,
		SkewTenor:  30,
		TermSlope:  Value(0.52 - 0.55),
		Mean:       0.54,
		Median:     0.53,
		Std:        0.04,
		Min:        0.41,
		Max:        0.77,
		ValidCells: 2499,
		TotalCells: 2500,
	}
}

func requireSameBits(t *testing.T, want, got Matrix) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.Equal(t, len(want[i]), len(got[i]))
		for j := range want[i] {
			if math.IsNaN(want[i][j]) {
				require.True(t, math.IsNaN(got[i][j]), "cell %d,%d", i, j)
				continue
			}
			require.Equal(t, math.Float64bits(want[i][j]), math.Float64bits(got[i][j]), "cell %d,%d", i, j)
		}
	}
}

func requireSameMetrics(t *testing.T, want, got Metrics) {
	t.Helper()
	wf, gf := want.Fields(), got.Fields()
	require.Equal(t, len(wf), len(gf))
	for i := range wf {
		assert.Equal(t, wf[i].Name, gf[i].Name)
		if !wf[i].Value.Valid() {
			assert.False(t, gf[i].Value.Valid(), wf[i].Name)
			continue
		}
		assert.Equal(t, math.Float64bits(wf[i].Value.Float()), math.Float64bits(gf[i].Value.Float()), wf[i].Name)
	}
	assert.Equal(t, want.ValidCells, got.ValidCells)
	assert.Equal(t, want.TotalCells, got.TotalCells)
	assert.Equal(t, want.SkewTenor, got.SkewTenor)
}

func TestDefaultGrid(t *testing.T) {
	g := DefaultGrid()
	require.NoError(t, g.Validate())

	rows, cols := g.Shape()
	assert.Equal(t, 50, rows)
	assert.Equal(t, 50, cols)

	ks := g.LogMoneyness()
	assert.Equal(t, math.Log(0.7), ks[0])
	assert.InDelta(t, math.Log(1.3), ks[len(ks)-1], 1e-15)

	ts := g.TTE()
	assert.InDelta(t, 1.0/365, ts[0], 1e-15)
	assert.InDelta(t, 1.0, ts[len(ts)-1], 1e-15)

	cfg, err := NewGrid(0.7, 1.3, 1, 365, 50)
	require.NoError(t, err)
	assert.True(t, cfg.Equal(g))
}

func TestGrid_Invalid(t *testing.T) {
	_, err := NewGrid(1.3, 0.7, 1, 365, 50)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = NewGrid(0.7, 1.3, 1, 365, 1)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = NewGrid(0.7, 1.3, 0, 365, 10)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestMesh_ShapeInvariant(t *testing.T) {
	m := planeMesh(DefaultGrid())
	require.NoError(t, m.Validate())

	m.Delta = Masked(3, 3)
	assert.ErrorIs(t, m.Validate(), errors.ErrGridMismatch)
}

func TestMesh_At(t *testing.T) {
	g := Grid{KMin: -0.2, KMax: 0.2, KPoints: 11, TMin: 0.1, TMax: 1.1, TPoints: 11}
	m := planeMesh(g)

	// bilinear interpolation reproduces a plane exactly
	assert.InDelta(t, 0.5+0.02*0.1+0.2*0.37, m.At(0.02, 0.37), 1e-12)
	assert.InDelta(t, 0.5+0.2*0.5, m.At(0, 0.5), 1e-12)

	assert.True(t, math.IsNaN(m.At(0.5, 0.5)), "outside k range")
	assert.True(t, math.IsNaN(m.At(0, 2)), "outside t range")
	assert.True(t, math.IsNaN(m.At(-0.19, 0.11)), "next to masked corner")
}

func TestMatrix_JSONNulls(t *testing.T) {
	m := Matrix{{1.5, math.NaN()}, {math.NaN(), -0.25}}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1.5,null],[null,-0.25]]`, string(data))

	var back Matrix
	require.NoError(t, json.Unmarshal(data, &back))
	requireSameBits(t, Matrix{{1.5, math.NaN()}, {math.NaN(), -0.25}}, back)
}

func TestMatrix_JSONRejectsInfinite(t *testing.T) {
	_, err := json.Marshal(Matrix{{1.5, math.Inf(1)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = json.Marshal(Matrix{{math.Inf(-1)}})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestValue_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Value `json:"a"`
		B Value `json:"b"`
	}{A: 0.3, B: Missing()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":0.3,"b":null}`, string(data))

	var back struct {
		A Value `json:"a"`
		B Value `json:"b"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Value(0.3), back.A)
	assert.False(t, back.B.Valid())
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodRBF, m)

	m, err = ParseMethod(" SVI ")
	require.NoError(t, err)
	assert.Equal(t, MethodSVI, m)

	_, err = ParseMethod("cubic")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestMetrics_Fields(t *testing.T) {
	m := sampleMetrics()
	names := make([]string, 0)
	for _, f := range m.Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		"atm_7d", "atm_30d", "atm_60d", "atm_90d", "atm_180d",
		"skew_25d", "term_slope", "iv_mean", "iv_median", "iv_std", "iv_min", "iv_max",
	}, names)

	assert.Equal(t, Value(0.55), m.ATMAt(30))
	assert.False(t, m.ATMAt(45).Valid())
}

func TestSnapshot_RecordRoundTrip(t *testing.T) {
	mesh := planeMesh(DefaultGrid())
	mesh.Method = MethodSVI
	mesh.Delta = Masked(mesh.Grid.Shape())
	mesh.Delta[3][4] = 0.123456789012345678
	mesh.Fits = []SliceFit{{
		Expiration: time.Date(2025, 6, 27, 8, 0, 0, 0, time.UTC),
		TTE:        0.29, Points: 9, Fitted: true,
		A: 0.01, B: 0.1, Rho: -0.3, M: 0.02, Sigma: 0.15, RMSE: 0.0004,
	}}

	asOf := time.Date(2025, 3, 14, 12, 30, 15, 123456789, time.FixedZone("CET", 3600))
	s := NewSnapshot(asOf, "btc", 60000.5, 54.3, mesh, sampleMetrics())
	s.Raw = &option.CleanedDataset{
		Currency: "BTC",
		AsOf:     s.Timestamp,
		Spot:     60000.5,
		Calls: []option.Quote{{
			Instrument: "BTC-27JUN25-60000-C", Strike: 60000, Type: option.Call,
			Expiration: time.Date(2025, 6, 27, 8, 0, 0, 0, time.UTC),
			MarkIV:     0.55, BidIV: 0.54, AskIV: 0.56, UnderlyingPrice: 60000.5,
			Greeks: option.Greeks{Delta: 0.5, Gamma: 0.00002, Theta: -30, Vega: 120, Rho: 40},
		}},
	}

	meta, raw, err := s.ToRecord()
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	back, err := FromRecord(meta, raw)
	require.NoError(t, err)

	assert.Equal(t, s.BuildID, back.BuildID)
	assert.Equal(t, s.Timestamp, back.Timestamp)
	assert.Equal(t, "BTC", back.Currency)
	assert.Equal(t, s.UnderlyingPrice, back.UnderlyingPrice)
	assert.Equal(t, s.DVOL, back.DVOL)
	assert.Equal(t, MethodSVI, back.Method)
	assert.Equal(t, s.Mesh.Grid, back.Mesh.Grid)
	assert.Equal(t, s.Mesh.Fits, back.Mesh.Fits)
	requireSameBits(t, s.Mesh.LogMoneyness, back.Mesh.LogMoneyness)
	requireSameBits(t, s.Mesh.TTE, back.Mesh.TTE)
	requireSameBits(t, s.Mesh.IV, back.Mesh.IV)
	requireSameBits(t, s.Mesh.Delta, back.Mesh.Delta)
	assert.Nil(t, back.Mesh.Gamma)
	requireSameMetrics(t, s.Metrics, back.Metrics)
	assert.Equal(t, s.Raw, back.Raw)
}

func TestSnapshot_RecordWithoutRaw(t *testing.T) {
	s := NewSnapshot(time.Now(), "ETH", 3000, Missing(), planeMesh(DefaultGrid()), sampleMetrics())

	meta, raw, err := s.ToRecord()
	require.NoError(t, err)
	assert.Nil(t, raw)

	back, err := FromRecord(meta, nil)
	require.NoError(t, err)
	assert.Nil(t, back.Raw)
	assert.False(t, back.DVOL.Valid())
	assert.True(t, s.Timestamp.Equal(back.Timestamp))
}

func TestFromRecord_Corrupt(t *testing.T) {
	_, err := FromRecord([]byte("{not json"), nil)
	assert.ErrorIs(t, err, errors.ErrStoreRead)

	_, err = FromRecord([]byte(`{"version":1}`), nil)
	assert.ErrorIs(t, err, errors.ErrStoreRead)
}

func TestKey(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 5, 7, 0, time.UTC)
	assert.Equal(t, "BTC_20250314_090507", Key("btc", ts))

	cur, parsed, err := ParseKey("BTC_20250314_090507")
	require.NoError(t, err)
	assert.Equal(t, "BTC", cur)
	assert.True(t, ts.Equal(parsed))

	_, _, err = ParseKey("garbage")
	assert.Error(t, err)
}

func TestCompare_SameGrid(t *testing.T) {
	g := DefaultGrid()
	a := NewSnapshot(time.Now(), "BTC", 60000, 50, planeMesh(g), sampleMetrics())

	bm := planeMesh(g)
	for i := range bm.IV {
		for j := range bm.IV[i] {
			bm.IV[i][j] += 0.02
		}
	}
	bMetrics := sampleMetrics()
	bMetrics.ATM[1].IV = 0.6
	b := NewSnapshot(time.Now(), "BTC", 61000, 52, bm, bMetrics)

	c, err := Compare(a, b)
	require.NoError(t, err)
	assert.False(t, c.Resampled)
	assert.True(t, math.IsNaN(c.Diff[0][0]))
	assert.InDelta(t, 0.02, c.Diff[10][10], 1e-12)
	assert.InDelta(t, 0.02, c.MaxAbsDiff().Float(), 1e-12)

	require.Len(t, c.Metrics, len(sampleMetrics().Fields()))
	assert.Equal(t, "atm_30d", c.Metrics[1].Name)
	assert.InDelta(t, 0.05, c.Metrics[1].Delta.Float(), 1e-12)
	assert.False(t, c.Metrics[2].Delta.Valid(), "atm_60d missing on both sides")
}

func TestCompare_ResamplesDifferentGrid(t *testing.T) {
	ga := Grid{KMin: -0.3, KMax: 0.25, KPoints: 12, TMin: 0.01, TMax: 1, TPoints: 9}
	gb := Grid{KMin: -0.35, KMax: 0.3, KPoints: 30, TMin: 0.005, TMax: 1, TPoints: 40}

	a := NewSnapshot(time.Now(), "BTC", 60000, 50, planeMesh(ga), sampleMetrics())
	bm := planeMesh(gb)
	bm.IV[0][0] = 0.5 + 0.1*bm.LogMoneyness[0][0] + 0.2*bm.TTE[0][0]
	b := NewSnapshot(time.Now(), "BTC", 60000, 50, bm, sampleMetrics())

	c, err := Compare(a, b)
	require.NoError(t, err)
	assert.True(t, c.Resampled)
	assert.Equal(t, ga, c.Grid)

	rows, cols := c.Diff.Shape()
	assert.Equal(t, 9, rows)
	assert.Equal(t, 12, cols)

	// same plane on both grids, so every overlapping cell is ~0
	for _, v := range c.Diff.Valid() {
		assert.InDelta(t, 0, v, 1e-12)
	}
	assert.True(t, math.IsNaN(c.Diff[0][0]))
}

func TestNearest(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := &Snapshot{Timestamp: base}
	t2 := &Snapshot{Timestamp: base.Add(10 * time.Hour)}
	t3 := &Snapshot{Timestamp: base.Add(30 * time.Hour)}
	all := []*Snapshot{t1, t2, t3}

	assert.Same(t, t1, Nearest(all, base.Add(4*time.Hour)))
	assert.Same(t, t2, Nearest(all, base.Add(6*time.Hour)))
	assert.Same(t, t1, Nearest(all, base.Add(5*time.Hour)), "tie goes to earlier")
	assert.Same(t, t2, Nearest([]*Snapshot{t3, t2}, base.Add(20*time.Hour)), "tie goes to earlier regardless of order")
	assert.Same(t, t3, Nearest(all, base.Add(100*time.Hour)))
	assert.Nil(t, Nearest(nil, base))
}

func TestEventWindowAndSplit(t *testing.T) {
	event := time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)
	var snaps []*Snapshot
	for d := -5; d <= 5; d++ {
		snaps = append(snaps, &Snapshot{Timestamp: event.Add(time.Duration(d) * 24 * time.Hour), Currency: "BTC"})
	}

	window := EventWindow(Timeseries(snaps), event, 2, 3)
	require.Len(t, window, 6)
	assert.Equal(t, event.Add(-48*time.Hour), window[0].Timestamp)
	assert.Equal(t, event.Add(72*time.Hour), window[5].Timestamp)

	before, after := SplitAround(snaps, event)
	assert.Equal(t, event, before.Timestamp)
	assert.Equal(t, event.Add(24*time.Hour), after.Timestamp)

	study := NewEventStudy(snaps[:5], event, 1, 1)
	assert.Nil(t, study.After)
	c, err := study.Comparison()
	assert.NoError(t, err)
	assert.Nil(t, c)
}
