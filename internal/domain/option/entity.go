package option

import (
	"math"
	"time"
)

// Type is the option right
type Type string

const (
	Call Type = "call"
	Put  Type = "put"
)

// Valid reports whether t is call or put
func (t Type) Valid() bool {
	return t == Call || t == Put
}

// YearSeconds is the length of a year used for time-to-expiration (365.25 days)
const YearSeconds = 365.25 * 24 * 3600

// Greeks are sensitivities of one option. Missing values are NaN.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// NoGreeks returns a Greeks value with every field missing
func NoGreeks() Greeks {
	nan := math.NaN()
	return Greeks{Delta: nan, Gamma: nan, Theta: nan, Vega: nan, Rho: nan}
}

// Instrument identifies a listed option contract
type Instrument struct {
	Name       string
	Currency   string
	Strike     float64
	Expiration time.Time
	Type       Type
}

// Quote is one observed option. Missing IVs are NaN. Immutable once fetched.
type Quote struct {
	Instrument      string
	Strike          float64
	Expiration      time.Time
	Type            Type
	MarkIV          float64
	BidIV           float64
	AskIV           float64
	UnderlyingPrice float64
	Greeks          Greeks
	Volume          float64
	OpenInterest    float64
}

// TTE returns time to expiration in years as of asOf
func (q Quote) TTE(asOf time.Time) float64 {
	return q.Expiration.Sub(asOf).Seconds() / YearSeconds
}

// TTEDays returns time to expiration in days as of asOf
func (q Quote) TTEDays(asOf time.Time) float64 {
	return q.TTE(asOf) * 365.25
}

// Moneyness is strike / spot
func (q Quote) Moneyness() float64 {
	return q.Strike / q.UnderlyingPrice
}

// LogMoneyness is ln(strike / spot)
func (q Quote) LogMoneyness() float64 {
	return math.Log(q.Moneyness())
}

// HasIV reports whether the mark IV is present and finite
func (q Quote) HasIV() bool {
	return !math.IsNaN(q.MarkIV) && !math.IsInf(q.MarkIV, 0)
}

// HasGreeks reports whether the exchange supplied delta, gamma and vega
func (q Quote) HasGreeks() bool {
	return !math.IsNaN(q.Greeks.Delta) && !math.IsNaN(q.Greeks.Gamma) && !math.IsNaN(q.Greeks.Vega)
}

// Derived holds values computed after the surface is built
type Derived struct {
	SmoothedIV float64
	BS         Greeks
}

// CleanedDataset is the filtered quote set a surface is built from.
// Calls and Puts keep their input order.
type CleanedDataset struct {
	Currency string
	AsOf     time.Time
	Spot     float64
	Calls    []Quote
	Puts     []Quote

	// Derived is keyed by instrument name; empty until greeks are computed
	Derived map[string]Derived
}

// All returns calls followed by puts
func (d *CleanedDataset) All() []Quote {
	out := make([]Quote, 0, len(d.Calls)+len(d.Puts))
	out = append(out, d.Calls...)
	return append(out, d.Puts...)
}

// Len returns the number of retained quotes
func (d *CleanedDataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Calls) + len(d.Puts)
}

// Empty reports whether no quotes survived cleaning
func (d *CleanedDataset) Empty() bool {
	return d.Len() == 0
}
