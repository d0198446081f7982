package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volsurface/pkg/errors"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func fast(maxRetries int) *Middleware {
	return New(Config{MaxRetries: maxRetries, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fast(3), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, statusErr(503)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func() error {
		calls++
		return statusErr(400)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var retried []int
	m := New(Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		OnRetry:      func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) },
	})

	err := m.Do(context.Background(), func() error { return errors.ErrRateLimitExceeded })
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRateLimitExceeded))
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ZeroRetries(t *testing.T) {
	calls := 0
	_ = fast(0).Do(context.Background(), func() error {
		calls++
		return statusErr(500)
	})
	assert.Equal(t, 1, calls)
}

func TestCalculateDelay(t *testing.T) {
	m := New(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxRetries: 5})
	assert.Equal(t, 100*time.Millisecond, m.calculateDelay(0))
	assert.Equal(t, 400*time.Millisecond, m.calculateDelay(2))
	assert.Equal(t, time.Second, m.calculateDelay(10))

	lin := New(Config{InitialDelay: 100 * time.Millisecond, Strategy: StrategyLinear})
	assert.Equal(t, 300*time.Millisecond, lin.calculateDelay(2))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.Wrap(context.DeadlineExceeded, "ticker")))
	assert.True(t, IsRetryable(statusErr(429)))
	assert.True(t, IsRetryable(statusErr(502)))
	assert.False(t, IsRetryable(statusErr(404)))
	assert.True(t, IsRetryable(errors.New("read tcp: connection reset by peer")))
	assert.False(t, IsRetryable(errors.New("invalid instrument")))
}
