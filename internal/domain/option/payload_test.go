package option

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() *CleanedDataset {
	asOf := time.Date(2025, 3, 14, 12, 30, 0, 0, time.UTC)
	exp := time.Date(2025, 4, 25, 8, 0, 0, 0, time.UTC)

	call := Quote{
		Instrument:      "BTC-25APR25-60000-C",
		Strike:          60000,
		Expiration:      exp,
		Type:            Call,
		MarkIV:          0.55,
		BidIV:           0.54,
		AskIV:           0.5612345678901234,
		UnderlyingPrice: 60123.5,
		Greeks:          Greeks{Delta: 0.52, Gamma: 0.00004, Theta: -55.1, Vega: 80.2, Rho: 12.3},
		Volume:          14.2,
		OpenInterest:    1200,
	}
	put := Quote{
		Instrument:      "BTC-25APR25-55000-P",
		Strike:          55000,
		Expiration:      exp,
		Type:            Put,
		MarkIV:          0.61,
		BidIV:           math.NaN(),
		AskIV:           0.63,
		UnderlyingPrice: 60123.5,
		Greeks:          NoGreeks(),
	}

	return &CleanedDataset{
		Currency: "BTC",
		AsOf:     asOf,
		Spot:     60123.5,
		Calls:    []Quote{call},
		Puts:     []Quote{put},
		Derived: map[string]Derived{
			call.Instrument: {SmoothedIV: 0.551, BS: Greeks{Delta: 0.51, Gamma: 0.00004, Theta: -54, Vega: 79, Rho: 11}},
		},
	}
}

func TestPayload_RoundTrip(t *testing.T) {
	in := sampleDataset()

	data, err := MarshalPayload(in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	out, err := UnmarshalPayload(data)
	require.NoError(t, err)

	assert.Equal(t, in.Currency, out.Currency)
	assert.True(t, in.AsOf.Equal(out.AsOf))
	assert.Equal(t, in.Spot, out.Spot)
	require.Len(t, out.Calls, 1)
	require.Len(t, out.Puts, 1)

	assert.Equal(t, in.Calls[0].AskIV, out.Calls[0].AskIV)
	assert.Equal(t, in.Calls[0].Greeks, out.Calls[0].Greeks)
	assert.True(t, in.Calls[0].Expiration.Equal(out.Calls[0].Expiration))
	assert.Equal(t, Put, out.Puts[0].Type)
	assert.True(t, math.IsNaN(out.Puts[0].BidIV))
	assert.False(t, out.Puts[0].HasGreeks())

	assert.Equal(t, in.Derived, out.Derived)
}

func TestPayload_Deterministic(t *testing.T) {
	in := sampleDataset()
	in.Derived["BTC-25APR25-55000-P"] = Derived{SmoothedIV: 0.6}

	a, err := MarshalPayload(in)
	require.NoError(t, err)
	b, err := MarshalPayload(in)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestPayload_Corrupt(t *testing.T) {
	_, err := UnmarshalPayload([]byte("definitely not zstd"))
	assert.Error(t, err)

	_, err = MarshalPayload(nil)
	assert.Error(t, err)
}
