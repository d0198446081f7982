package greeks

import (
	"math"

	"github.com/chobie/go-gaussian"

	"volsurface/internal/domain/option"
	"volsurface/internal/domain/volsurface"
	"volsurface/pkg/logger"
)

// minTTE below one hour the closed form is numerically meaningless
const minTTE = 1.0 / 24 / 365

var norm = gaussian.NewGaussian(0, 1)

// BlackScholes returns greeks for one European option.
// Vega and rho are per 1% move, theta is per calendar day.
func BlackScholes(typ option.Type, spot, strike, tte, rate, sigma float64) option.Greeks {
	if tte <= minTTE || sigma <= 0 || spot <= 0 || strike <= 0 || math.IsNaN(sigma) {
		return option.NoGreeks()
	}

	sqrtT := math.Sqrt(tte)
	d1 := (math.Log(spot/strike) + (rate+0.5*sigma*sigma)*tte) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	disc := math.Exp(-rate * tte)
	pdf := norm.Pdf(d1)

	g := option.Greeks{
		Gamma: pdf / (spot * sigma * sqrtT),
		Vega:  spot * pdf * sqrtT / 100,
	}
	decay := -(spot * pdf * sigma) / (2 * sqrtT)

	if typ == option.Put {
		g.Delta = norm.Cdf(d1) - 1
		g.Theta = (decay + rate*strike*disc*norm.Cdf(-d2)) / 365
		g.Rho = -strike * tte * disc * norm.Cdf(-d2) / 100
	} else {
		g.Delta = norm.Cdf(d1)
		g.Theta = (decay - rate*strike*disc*norm.Cdf(d2)) / 365
		g.Rho = strike * tte * disc * norm.Cdf(d2) / 100
	}
	return g
}

// Service recomputes greeks for every retained quote from the smoothed surface
type Service struct {
	rate float64
	log  *logger.Logger
}

// NewService creates a greeks service with a flat risk-free rate
func NewService(riskFreeRate float64, log *logger.Logger) *Service {
	return &Service{rate: riskFreeRate, log: log.Component("greeks")}
}

// Result counts how the smoothed IV was sourced
type Result struct {
	Computed  int
	Fallbacks int
	Skipped   int
}

// Apply fills ds.Derived with the surface IV at each quote and the Black-Scholes greeks at that IV.
// Quotes outside the grid are clamped to its edge; where the surface is masked the mark IV is used.
func (s *Service) Apply(ds *option.CleanedDataset, mesh *volsurface.Mesh) Result {
	var res Result
	if ds == nil || mesh == nil {
		return res
	}
	if ds.Derived == nil {
		ds.Derived = make(map[string]option.Derived, ds.Len())
	}

	g := mesh.Grid
	for _, q := range ds.All() {
		spot := ds.Spot
		if spot <= 0 {
			spot = q.UnderlyingPrice
		}
		tte := q.TTE(ds.AsOf)

		k := clamp(math.Log(q.Strike/spot), g.KMin, g.KMax)
		t := clamp(tte, g.TMin, g.TMax)
		iv := mesh.At(k, t)
		if math.IsNaN(iv) || iv <= 0 {
			iv = q.MarkIV
			res.Fallbacks++
		}

		bs := BlackScholes(q.Type, spot, q.Strike, tte, s.rate, iv)
		if math.IsNaN(bs.Delta) {
			res.Skipped++
		} else {
			res.Computed++
		}
		ds.Derived[q.Instrument] = option.Derived{SmoothedIV: iv, BS: bs}
	}

	s.log.Debugw("Computed Black-Scholes greeks",
		"currency", ds.Currency,
		"computed", res.Computed,
		"fallbacks", res.Fallbacks,
		"skipped", res.Skipped,
	)
	return res
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
