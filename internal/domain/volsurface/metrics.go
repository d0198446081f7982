package volsurface

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Value is a scalar that may be missing. Missing is NaN in memory and null in JSON.
type Value float64

// Missing returns a missing value
func Missing() Value {
	return Value(math.NaN())
}

// Valid reports whether the value is present
func (v Value) Valid() bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

func (v Value) Float() float64 {
	return float64(v)
}

// Sub returns v - o, missing if either side is
func (v Value) Sub(o Value) Value {
	if !v.Valid() || !o.Valid() {
		return Missing()
	}
	return v - o
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(v))
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Missing()
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

// TenorVol is the ATM implied vol at one tenor
type TenorVol struct {
	Days int   `json:"days"`
	IV   Value `json:"iv"`
}

// Metrics are scalar summaries of one mesh. Read-only once computed.
type Metrics struct {
	ATM        []TenorVol `json:"atm"`
	Skew       Value      `json:"skew_25d"`
	SkewTenor  int        `json:"skew_tenor_days"`
	TermSlope  Value      `json:"term_slope"`
	Mean       Value      `json:"iv_mean"`
	Median     Value      `json:"iv_median"`
	Std        Value      `json:"iv_std"`
	Min        Value      `json:"iv_min"`
	Max        Value      `json:"iv_max"`
	ValidCells int        `json:"valid_cells"`
	TotalCells int        `json:"total_cells"`
}

// ATMAt returns the ATM vol for a tenor, missing when the tenor was not computed
func (m Metrics) ATMAt(days int) Value {
	for _, tv := range m.ATM {
		if tv.Days == days {
			return tv.IV
		}
	}
	return Missing()
}

// Field is one named metric
type Field struct {
	Name  string
	Value Value
}

// Fields lists every scalar metric in a stable order
func (m Metrics) Fields() []Field {
	out := make([]Field, 0, len(m.ATM)+7)
	for _, tv := range m.ATM {
		out = append(out, Field{Name: fmt.Sprintf("atm_%dd", tv.Days), Value: tv.IV})
	}
	return append(out,
		Field{Name: "skew_25d", Value: m.Skew},
		Field{Name: "term_slope", Value: m.TermSlope},
		Field{Name: "iv_mean", Value: m.Mean},
		Field{Name: "iv_median", Value: m.Median},
		Field{Name: "iv_std", Value: m.Std},
		Field{Name: "iv_min", Value: m.Min},
		Field{Name: "iv_max", Value: m.Max},
	)
}

// Field returns a metric by name
func (m Metrics) Field(name string) (Value, bool) {
	for _, f := range m.Fields() {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Missing(), false
}
