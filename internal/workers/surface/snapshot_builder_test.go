package surface

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"volsurface/internal/domain/volsurface"
	"volsurface/internal/services/pipeline"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

type MockBuilder struct {
	mock.Mock
	inFlight    int32
	maxInFlight int32
}

func (m *MockBuilder) Build(ctx context.Context, currency string, method volsurface.Method) (*pipeline.Result, error) {
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	if n > atomic.LoadInt32(&m.maxInFlight) {
		atomic.StoreInt32(&m.maxInFlight, n)
	}

	args := m.Called(ctx, currency, method)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

func testConfig() Config {
	return Config{
		Currencies:   []string{"BTC", "ETH"},
		Method:       volsurface.MethodSVI,
		Interval:     time.Hour,
		BuildTimeout: time.Minute,
		Enabled:      true,
	}
}

func TestSnapshotBuilder_BuildsEachCurrencySequentially(t *testing.T) {
	b := new(MockBuilder)
	hasDeadline := mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})
	b.On("Build", hasDeadline, "BTC", volsurface.MethodSVI).Return(&pipeline.Result{Key: "BTC_20250314_120000", Saved: true}, nil).Once()
	b.On("Build", hasDeadline, "ETH", volsurface.MethodSVI).Return(&pipeline.Result{Key: "ETH_20250314_120000", Saved: true}, nil).Once()

	w := NewSnapshotBuilder(b, testConfig(), logger.Nop())
	require.NoError(t, w.Run(context.Background()))

	b.AssertExpectations(t)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.maxInFlight))
	assert.Equal(t, "surface_snapshot_builder", w.Name())
	assert.Equal(t, time.Hour, w.Interval())
}

func TestSnapshotBuilder_FailureDoesNotStopOtherCurrencies(t *testing.T) {
	b := new(MockBuilder)
	b.On("Build", mock.Anything, "BTC", volsurface.MethodSVI).Return(nil, errors.ErrSourceUnavailable).Once()
	b.On("Build", mock.Anything, "ETH", volsurface.MethodSVI).Return(&pipeline.Result{Key: "ETH_20250314_120000"}, nil).Once()

	w := NewSnapshotBuilder(b, testConfig(), logger.Nop())
	err := w.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSourceUnavailable))
	b.AssertExpectations(t)
}

func TestSnapshotBuilder_StopsWhenCancelled(t *testing.T) {
	b := new(MockBuilder)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewSnapshotBuilder(b, testConfig(), logger.Nop())
	err := w.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	b.AssertNotCalled(t, "Build", mock.Anything, mock.Anything, mock.Anything)
}

func TestSnapshotBuilder_DefaultMethod(t *testing.T) {
	cfg := testConfig()
	cfg.Method = ""
	cfg.Currencies = []string{"BTC"}

	b := new(MockBuilder)
	b.On("Build", mock.Anything, "BTC", volsurface.DefaultMethod).Return(&pipeline.Result{}, nil).Once()

	require.NoError(t, NewSnapshotBuilder(b, cfg, logger.Nop()).Run(context.Background()))
	b.AssertExpectations(t)
}
