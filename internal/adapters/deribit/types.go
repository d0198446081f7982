package deribit

import (
	"fmt"
	"math"
	"time"

	"volsurface/internal/domain/option"
)

// envelope is the JSON-RPC response wrapper every public endpoint returns
type envelope[T any] struct {
	Result T         `json:"result"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// APIError is a non-success response from Deribit
type APIError struct {
	Endpoint string
	Status   int
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("deribit %s: status %d: code %d: %s", e.Endpoint, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("deribit %s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

// StatusCode lets the retry middleware classify the failure
func (e *APIError) StatusCode() int {
	return e.Status
}

// permanent reports a client error that retrying or tripping the breaker would not fix
func (e *APIError) permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != 429
}

type indexPriceResult struct {
	IndexPrice float64 `json:"index_price"`
}

// volatilityIndexResult rows are [timestamp_ms, open, high, low, close]
type volatilityIndexResult struct {
	Data         [][]float64 `json:"data"`
	Continuation *int64      `json:"continuation"`
}

type instrument struct {
	InstrumentName      string  `json:"instrument_name"`
	BaseCurrency        string  `json:"base_currency"`
	Strike              float64 `json:"strike"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	OptionType          string  `json:"option_type"`
	IsActive            bool    `json:"is_active"`
}

func (i instrument) toDomain() option.Instrument {
	return option.Instrument{
		Name:       i.InstrumentName,
		Currency:   i.BaseCurrency,
		Strike:     i.Strike,
		Expiration: time.UnixMilli(i.ExpirationTimestamp).UTC(),
		Type:       option.Type(i.OptionType),
	}
}

type tickerGreeks struct {
	Delta *float64 `json:"delta"`
	Gamma *float64 `json:"gamma"`
	Theta *float64 `json:"theta"`
	Vega  *float64 `json:"vega"`
	Rho   *float64 `json:"rho"`
}

type tickerStats struct {
	Volume *float64 `json:"volume"`
}

type ticker struct {
	InstrumentName  string        `json:"instrument_name"`
	MarkIV          *float64      `json:"mark_iv"`
	BidIV           *float64      `json:"bid_iv"`
	AskIV           *float64      `json:"ask_iv"`
	UnderlyingPrice *float64      `json:"underlying_price"`
	OpenInterest    *float64      `json:"open_interest"`
	Greeks          *tickerGreeks `json:"greeks"`
	Stats           *tickerStats  `json:"stats"`
}

// toQuote keeps Deribit's percent IVs; the cleaner normalizes units
func (t ticker) toQuote(inst option.Instrument, underlyingPrice float64) option.Quote {
	q := option.Quote{
		Instrument:      inst.Name,
		Strike:          inst.Strike,
		Expiration:      inst.Expiration,
		Type:            inst.Type,
		MarkIV:          orNaN(t.MarkIV),
		BidIV:           orNaN(t.BidIV),
		AskIV:           orNaN(t.AskIV),
		UnderlyingPrice: underlyingPrice,
		Greeks:          option.NoGreeks(),
		OpenInterest:    orZero(t.OpenInterest),
	}
	if t.Greeks != nil {
		q.Greeks = option.Greeks{
			Delta: orNaN(t.Greeks.Delta),
			Gamma: orNaN(t.Greeks.Gamma),
			Theta: orNaN(t.Greeks.Theta),
			Vega:  orNaN(t.Greeks.Vega),
			Rho:   orNaN(t.Greeks.Rho),
		}
	}
	if t.Stats != nil {
		q.Volume = orZero(t.Stats.Volume)
	}
	return q
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
