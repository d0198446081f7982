package deribit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"volsurface/internal/adapters/config"
	"volsurface/internal/adapters/ratelimit"
	"volsurface/internal/adapters/retry"
	"volsurface/internal/domain/option"
	"volsurface/internal/metrics"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

const (
	sourceName = "deribit"
	userAgent  = "volsurface/1.0"

	// dvolLookback is how far back the volatility index candles are requested
	dvolLookback = 2 * time.Hour
)

// Compile-time check
var _ option.MarketDataSource = (*Client)(nil)

// Client reads public market data from the Deribit REST API.
// Every request is paced by a token bucket, retried with backoff and guarded by a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
	retry   *retry.Middleware
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
	now     func() time.Time
}

// NewClient creates a Deribit client from configuration
func NewClient(cfg config.DeribitConfig, log *logger.Logger) *Client {
	log = log.Component("deribit")

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimit.NewLimiter(sourceName, cfg.RequestsPerMinute),
		log:     log,
		now:     time.Now,
	}

	c.retry = retry.New(retry.Config{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Strategy:     retry.StrategyExponential,
		Multiplier:   2,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Debugw("Retrying Deribit request", "attempt", attempt, "delay", delay, "error", err)
		},
	})

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sourceName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || (errors.As(err, &apiErr) && apiErr.permanent())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
			log.Warnw("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(sourceName).Set(0)

	return c
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// IndexPrice returns the current index price, e.g. btc_usd
func (c *Client) IndexPrice(ctx context.Context, currency string) (float64, error) {
	params := url.Values{"index_name": {strings.ToLower(currency) + "_usd"}}

	var res indexPriceResult
	if err := c.get(ctx, "public/get_index_price", params, &res); err != nil {
		return 0, err
	}
	if res.IndexPrice <= 0 {
		return 0, errors.Wrapf(errors.ErrSourceUnavailable, "non-positive index price for %s", currency)
	}
	return res.IndexPrice, nil
}

// VolatilityIndex returns the close of the latest DVOL candle
func (c *Client) VolatilityIndex(ctx context.Context, currency string) (float64, error) {
	end := c.now()
	params := url.Values{
		"currency":        {strings.ToUpper(currency)},
		"start_timestamp": {strconv.FormatInt(end.Add(-dvolLookback).UnixMilli(), 10)},
		"end_timestamp":   {strconv.FormatInt(end.UnixMilli(), 10)},
		"resolution":      {"60"},
	}

	var res volatilityIndexResult
	if err := c.get(ctx, "public/get_volatility_index_data", params, &res); err != nil {
		return 0, err
	}

	var (
		latestTS int64 = -1
		last     float64
	)
	for _, row := range res.Data {
		if len(row) < 5 {
			continue
		}
		if ts := int64(row[0]); ts > latestTS {
			latestTS, last = ts, row[4]
		}
	}
	if latestTS < 0 {
		return 0, errors.Wrapf(errors.ErrNotFound, "no volatility index data for %s", currency)
	}
	return last, nil
}

// Instruments lists active, non-expired options
func (c *Client) Instruments(ctx context.Context, currency string) ([]option.Instrument, error) {
	params := url.Values{
		"currency": {strings.ToUpper(currency)},
		"kind":     {"option"},
		"expired":  {"false"},
	}

	var res []instrument
	if err := c.get(ctx, "public/get_instruments", params, &res); err != nil {
		return nil, err
	}

	now := c.now()
	out := make([]option.Instrument, 0, len(res))
	for _, raw := range res {
		inst := raw.toDomain()
		if !raw.IsActive || !inst.Type.Valid() || !inst.Expiration.After(now) {
			continue
		}
		out = append(out, inst)
	}

	c.log.Debugw("Fetched instruments", "currency", currency, "listed", len(res), "active", len(out))
	return out, nil
}

// Quote fetches the ticker of one instrument; underlyingPrice is stamped on the quote
func (c *Client) Quote(ctx context.Context, inst option.Instrument, underlyingPrice float64) (option.Quote, error) {
	params := url.Values{"instrument_name": {inst.Name}}

	var res ticker
	if err := c.get(ctx, "public/ticker", params, &res); err != nil {
		return option.Quote{}, err
	}
	return res.toQuote(inst, underlyingPrice), nil
}

// get performs one paced, retried, breaker-guarded GET and decodes the result field into out
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	body, err := retry.Do(ctx, c.retry, func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.do(ctx, endpoint, params)
		})
		if err != nil {
			return nil, err
		}
		return res.([]byte), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return errors.Wrapf(errors.ErrSourceUnavailable, "%s: %v", endpoint, err)
		}
		return err
	}

	env := envelope[json.RawMessage]{}
	if err := json.Unmarshal(body, &env); err != nil {
		return errors.Wrapf(err, "decode %s response", endpoint)
	}
	if env.Error != nil {
		return &APIError{Endpoint: endpoint, Status: http.StatusOK, Code: env.Error.Code, Message: env.Error.Message}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Wrapf(err, "decode %s result", endpoint)
	}
	return nil
}

func (c *Client) do(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	start := time.Now()
	body, err := c.roundTrip(ctx, endpoint, params)
	metrics.RecordSourceCall(sourceName, endpoint, time.Since(start), err)
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.baseURL + "/" + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s request", endpoint)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request failed", endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", endpoint)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var env envelope[json.RawMessage]
		if json.Unmarshal(body, &env) == nil && env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			c.log.Warnw("Deribit rate limit reached", "endpoint", endpoint)
		}
		return nil, apiErr
	}
	return body, nil
}
