package testsupport

import (
	"math"
	"time"

	"volsurface/internal/domain/option"
	"volsurface/internal/domain/volsurface"
)

// SnapshotFixture builds snapshots with a flat-plus-skew surface for tests
type SnapshotFixture struct {
	currency string
	ts       time.Time
	level    float64
	spot     float64
	method   volsurface.Method
	raw      bool
}

// NewSnapshotFixture starts from a BTC rbf snapshot at 0.5 vol
func NewSnapshotFixture() *SnapshotFixture {
	return &SnapshotFixture{
		currency: "BTC",
		ts:       time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC),
		level:    0.5,
		spot:     60000,
		method:   volsurface.MethodRBF,
	}
}

func (f *SnapshotFixture) WithCurrency(currency string) *SnapshotFixture {
	f.currency = currency
	return f
}

func (f *SnapshotFixture) WithTimestamp(ts time.Time) *SnapshotFixture {
	f.ts = ts
	return f
}

func (f *SnapshotFixture) WithLevel(level float64) *SnapshotFixture {
	f.level = level
	return f
}

func (f *SnapshotFixture) WithSpot(spot float64) *SnapshotFixture {
	f.spot = spot
	return f
}

func (f *SnapshotFixture) WithMethod(m volsurface.Method) *SnapshotFixture {
	f.method = m
	return f
}

// WithRaw attaches a one-quote raw dataset
func (f *SnapshotFixture) WithRaw() *SnapshotFixture {
	f.raw = true
	return f
}

// Build creates the snapshot. IV = level - 0.2k, the corner cell is masked.
func (f *SnapshotFixture) Build() *volsurface.Snapshot {
	mesh := volsurface.NewMesh(f.method, volsurface.DefaultGrid())
	for i := range mesh.IV {
		for j := range mesh.IV[i] {
			mesh.IV[i][j] = f.level - 0.2*mesh.LogMoneyness[i][j]
		}
	}
	mesh.IV[0][0] = math.NaN()

	m := volsurface.Metrics{
		ATM: []volsurface.TenorVol{
			{Days: 7, IV: volsurface.Value(f.level)},
			{Days: 30, IV: volsurface.Value(f.level)},
			{Days: 90, IV: volsurface.Value(f.level)},
		},
		Skew:       volsurface.Value(0.2 * (math.Log(1.1) - math.Log(0.9))),
		SkewTenor:  30,
		TermSlope:  volsurface.Value(0),
		Mean:       volsurface.Value(f.level),
		Median:     volsurface.Value(f.level),
		Std:        volsurface.Value(0.02),
		Min:        volsurface.Value(f.level - 0.05),
		Max:        volsurface.Value(f.level + 0.07),
		ValidCells: 2499,
		TotalCells: 2500,
	}

	s := volsurface.NewSnapshot(f.ts, f.currency, f.spot, volsurface.Value(55), mesh, m)
	if f.raw {
		s.Raw = &option.CleanedDataset{
			Currency: s.Currency,
			AsOf:     s.Timestamp,
			Spot:     f.spot,
			Calls: []option.Quote{{
				Instrument:      s.Currency + "-28MAR25-60000-C",
				Strike:          60000,
				Expiration:      s.Timestamp.Add(14 * 24 * time.Hour),
				Type:            option.Call,
				MarkIV:          f.level,
				BidIV:           math.NaN(),
				AskIV:           f.level + 0.01,
				UnderlyingPrice: f.spot,
				Greeks:          option.NoGreeks(),
			}},
		}
	}
	return s
}
