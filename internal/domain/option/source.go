package option

import "context"

// MarketDataSource provides index, volatility index and per-option quotes for a currency.
// Retry and backoff are the implementation's concern.
type MarketDataSource interface {
	IndexPrice(ctx context.Context, currency string) (float64, error)

	// VolatilityIndex returns the exchange volatility index (DVOL) in percent
	VolatilityIndex(ctx context.Context, currency string) (float64, error)

	// Instruments lists active, non-expired options for the currency
	Instruments(ctx context.Context, currency string) ([]Instrument, error)

	Quote(ctx context.Context, instrument Instrument, underlyingPrice float64) (Quote, error)
}
