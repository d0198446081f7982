package deribit

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volsurface/internal/adapters/config"
	"volsurface/internal/adapters/retry"
	"volsurface/internal/domain/option"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

var now = time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc, maxRetries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(config.DeribitConfig{
		BaseURL:           srv.URL + "/api/v2/",
		Timeout:           5 * time.Second,
		RequestsPerMinute: 60000,
		MaxRetries:        maxRetries,
		BreakerFailures:   3,
		BreakerCooldown:   time.Minute,
	}, logger.Nop())
	c.retry = retry.New(retry.Config{MaxRetries: maxRetries, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	c.now = func() time.Time { return now }
	return c
}

func TestIndexPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/public/get_index_price", r.URL.Path)
		assert.Equal(t, "btc_usd", r.URL.Query().Get("index_name"))
		w.Write([]byte(`{"jsonrpc":"2.0","result":{"index_price":60123.5,"estimated_delivery_price":60123.5}}`))
	}, 0)

	price, err := c.IndexPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 60123.5, price)
}

func TestVolatilityIndex_LatestClose(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/v2/public/get_volatility_index_data", r.URL.Path)
		assert.Equal(t, "ETH", q.Get("currency"))
		assert.Equal(t, "1741939200000", q.Get("end_timestamp"))
		w.Write([]byte(`{"result":{"data":[
			[1741935600000, 60, 61, 59, 60.5],
			[1741939200000, 61, 62, 60, 61.7],
			[1741937400000, 59, 60, 58, 59.1]
		],"continuation":null}}`))
	}, 0)

	dvol, err := c.VolatilityIndex(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, 61.7, dvol)
}

func TestVolatilityIndex_Empty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"data":[]}}`))
	}, 0)

	_, err := c.VolatilityIndex(context.Background(), "BTC")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestInstruments_FiltersInactiveAndExpired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "option", q.Get("kind"))
		assert.Equal(t, "false", q.Get("expired"))
		w.Write([]byte(`{"result":[
			{"instrument_name":"BTC-28MAR25-60000-C","base_currency":"BTC","strike":60000,"expiration_timestamp":1743148800000,"option_type":"call","is_active":true},
			{"instrument_name":"BTC-28MAR25-60000-P","base_currency":"BTC","strike":60000,"expiration_timestamp":1743148800000,"option_type":"put","is_active":false},
			{"instrument_name":"BTC-13MAR25-60000-C","base_currency":"BTC","strike":60000,"expiration_timestamp":1741852800000,"option_type":"call","is_active":true}
		]}`))
	}, 0)

	got, err := c.Instruments(context.Background(), "BTC")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BTC-28MAR25-60000-C", got[0].Name)
	assert.Equal(t, option.Call, got[0].Type)
	assert.Equal(t, time.Date(2025, 3, 28, 8, 0, 0, 0, time.UTC), got[0].Expiration)
}

func TestQuote_MissingFieldsAreNaN(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTC-28MAR25-60000-C", r.URL.Query().Get("instrument_name"))
		w.Write([]byte(`{"result":{
			"instrument_name":"BTC-28MAR25-60000-C",
			"mark_iv":55.2,"ask_iv":57.0,
			"open_interest":120.5,
			"greeks":{"delta":0.52,"gamma":0.00004,"vega":45.1,"theta":-60.2},
			"stats":{"volume":33}
		}}`))
	}, 0)

	inst := option.Instrument{Name: "BTC-28MAR25-60000-C", Strike: 60000, Type: option.Call, Expiration: now.Add(14 * 24 * time.Hour)}
	q, err := c.Quote(context.Background(), inst, 60000)
	require.NoError(t, err)

	assert.Equal(t, 55.2, q.MarkIV)
	assert.True(t, math.IsNaN(q.BidIV))
	assert.Equal(t, 57.0, q.AskIV)
	assert.Equal(t, 0.52, q.Greeks.Delta)
	assert.True(t, math.IsNaN(q.Greeks.Rho))
	assert.True(t, q.HasGreeks())
	assert.Equal(t, 33.0, q.Volume)
	assert.Equal(t, 120.5, q.OpenInterest)
	assert.Equal(t, 60000.0, q.UnderlyingPrice)
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"result":{"index_price":100}}`))
	}, 2)

	price, err := c.IndexPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGet_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":10020,"message":"instrument_not_found"}}`))
	}, 3)

	for i := 0; i < 5; i++ {
		_, err := c.Quote(context.Background(), option.Instrument{Name: "BTC-X"}, 1)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, 10020, apiErr.Code)
		assert.Equal(t, "instrument_not_found", apiErr.Message)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "no retries, breaker stays closed")
}

func TestGet_BreakerOpens(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, 0)

	for i := 0; i < 3; i++ {
		_, err := c.IndexPrice(context.Background(), "BTC")
		require.Error(t, err)
	}

	_, err := c.IndexPrice(context.Background(), "BTC")
	assert.ErrorIs(t, err, errors.ErrSourceUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGet_RPCErrorOnSuccessStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"code":11050,"message":"bad_request"}}`))
	}, 0)

	_, err := c.IndexPrice(context.Background(), "BTC")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 11050, apiErr.Code)
}
