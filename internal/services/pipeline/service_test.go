package pipeline

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"volsurface/internal/domain/option"
	"volsurface/internal/domain/volsurface"
	"volsurface/internal/repository/filesystem"
	"volsurface/internal/services/analytics"
	"volsurface/internal/services/builder"
	"volsurface/internal/services/cleaning"
	"volsurface/internal/services/greeks"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

const spot = 60000.0

// MockSource is a mock for option.MarketDataSource
type MockSource struct {
	mock.Mock
}

func (m *MockSource) IndexPrice(ctx context.Context, currency string) (float64, error) {
	args := m.Called(ctx, currency)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockSource) VolatilityIndex(ctx context.Context, currency string) (float64, error) {
	args := m.Called(ctx, currency)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockSource) Instruments(ctx context.Context, currency string) ([]option.Instrument, error) {
	args := m.Called(ctx, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]option.Instrument), args.Error(1)
}

func (m *MockSource) Quote(ctx context.Context, inst option.Instrument, underlyingPrice float64) (option.Quote, error) {
	args := m.Called(ctx, inst.Name)
	return args.Get(0).(option.Quote), args.Error(1)
}

// MockStore is a mock for volsurface.Repository
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Save(ctx context.Context, s *volsurface.Snapshot, saveRaw bool) (string, error) {
	args := m.Called(ctx, s, saveRaw)
	return args.String(0), args.Error(1)
}

func (m *MockStore) Load(ctx context.Context, key string) (*volsurface.Snapshot, error) {
	args := m.Called(ctx, key)
	return nil, args.Error(1)
}

func (m *MockStore) LoadAll(ctx context.Context, currency string) ([]*volsurface.Snapshot, error) {
	args := m.Called(ctx, currency)
	return nil, args.Error(1)
}

func (m *MockStore) GetByDate(ctx context.Context, target time.Time, currency string) (*volsurface.Snapshot, error) {
	args := m.Called(ctx, target, currency)
	return nil, args.Error(1)
}

// MockSinks implements every optional sink
type MockSinks struct {
	mock.Mock
}

func (m *MockSinks) InsertMetrics(ctx context.Context, rows []volsurface.TimeseriesRow) error {
	return m.Called(ctx, rows).Error(0)
}

func (m *MockSinks) PutLatest(ctx context.Context, s *volsurface.Snapshot) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockSinks) Latest(ctx context.Context, currency string) (*volsurface.Snapshot, error) {
	args := m.Called(ctx, currency)
	return nil, args.Error(1)
}

func (m *MockSinks) PublishSnapshot(ctx context.Context, s *volsurface.Snapshot) error {
	return m.Called(ctx, s).Error(0)
}

// planeIV is the decimal IV the source quotes, in percent, on every option
func planeIV(k, t float64) float64 {
	return 0.55 - 0.2*k + 0.05*t
}

var expiryDays = []float64{20, 45, 90}

// btcMarket registers 50 quotes over three expiries, alternating calls and puts
func btcMarket(src *MockSource, asOf time.Time) []option.Instrument {
	var instruments []option.Instrument
	for i := 0; i < 50; i++ {
		days := expiryDays[i%3]
		strike := 45000 + float64(i/3)*1800
		typ, suffix := option.Call, "C"
		if i%2 == 1 {
			typ, suffix = option.Put, "P"
		}
		exp := asOf.Add(time.Duration(days * 24 * float64(time.Hour)))
		inst := option.Instrument{
			Name:       fmt.Sprintf("BTC-%s-%.0f-%s", exp.Format("2Jan06"), strike, suffix),
			Currency:   "BTC",
			Strike:     strike,
			Expiration: exp,
			Type:       typ,
		}
		instruments = append(instruments, inst)

		q := option.Quote{
			Instrument:      inst.Name,
			Strike:          strike,
			Expiration:      exp,
			Type:            typ,
			UnderlyingPrice: spot,
			Greeks:          option.NoGreeks(),
			BidIV:           math.NaN(),
			AskIV:           math.NaN(),
		}
		q.MarkIV = 100 * planeIV(q.LogMoneyness(), q.TTE(asOf))
		src.On("Quote", mock.Anything, inst.Name).Return(q, nil)
	}
	src.On("IndexPrice", mock.Anything, "BTC").Return(spot, nil)
	src.On("VolatilityIndex", mock.Anything, "BTC").Return(52.4, nil)
	src.On("Instruments", mock.Anything, "BTC").Return(instruments, nil)
	return instruments
}

func newService(t *testing.T, src option.MarketDataSource, store volsurface.Repository, opts Options, asOf time.Time) *Service {
	t.Helper()
	log := logger.Nop()
	b, err := builder.New(builder.DefaultOptions(), log)
	require.NoError(t, err)

	svc := NewService(
		src,
		cleaning.NewService(cleaning.DefaultOptions(), log),
		b,
		analytics.NewCalculator(analytics.DefaultOptions()),
		greeks.NewService(0, log),
		store,
		opts,
		log,
	)
	svc.now = func() time.Time { return asOf }
	return svc
}

func TestBuild_EndToEnd(t *testing.T) {
	ctx := context.Background()
	asOf := time.Now().UTC().Truncate(time.Second)

	src := &MockSource{}
	btcMarket(src, asOf)

	history, err := filesystem.New(t.TempDir(), true, logger.Nop())
	require.NoError(t, err)

	sinks := &MockSinks{}
	sinks.On("InsertMetrics", mock.Anything, mock.Anything).Return(nil).Once()
	sinks.On("PutLatest", mock.Anything, mock.Anything).Return(nil).Once()
	sinks.On("PublishSnapshot", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	svc := newService(t, src, history, Options{SaveRaw: true, FetchConcurrency: 4}, asOf).
		WithSinks(Sinks{Metrics: sinks, Cache: sinks, Publisher: sinks})

	res, err := svc.Build(ctx, "btc", volsurface.MethodRBF)
	require.NoError(t, err)
	require.True(t, res.Saved)
	assert.Equal(t, 50, res.Fetched)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 50, res.Cleaning.Filter.Retained)
	assert.True(t, res.Cleaning.Filter.PercentConverted)
	assert.Equal(t, 50, res.Greeks.Computed+res.Greeks.Skipped)
	sinks.AssertExpectations(t)
	src.AssertNumberOfCalls(t, "Quote", 50)

	all, err := history.LoadAll(ctx, "BTC")
	require.NoError(t, err)
	require.Len(t, all, 1)

	got, err := history.GetByDate(ctx, time.Now(), "BTC")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, spot, got.UnderlyingPrice)
	assert.Equal(t, 52.4, got.DVOL.Float())
	assert.Equal(t, volsurface.MethodRBF, got.Method)
	assert.Equal(t, res.Key, got.Key())

	rows, cols := got.Mesh.IV.Shape()
	assert.Equal(t, 50, rows)
	assert.Equal(t, 50, cols)

	atm30 := got.Metrics.ATMAt(30)
	require.True(t, atm30.Valid())
	assert.InDelta(t, planeIV(0, 30/365.25), atm30.Float(), 1e-6)

	ok, err := history.LoadRaw(ctx, got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50, got.Raw.Len())
}

func TestBuild_SkipsFailedQuotes(t *testing.T) {
	asOf := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	src := &MockSource{}
	instruments := btcMarket(src, asOf)
	// one ticker fails
	failing := instruments[7].Name
	for _, c := range src.ExpectedCalls {
		if c.Method == "Quote" && c.Arguments[1] == failing {
			c.ReturnArguments = mock.Arguments{option.Quote{}, errors.New("ticker timeout")}
		}
	}

	store := &MockStore{}
	store.On("Save", mock.Anything, mock.Anything, false).Return("BTC_20250314_080000", nil)

	res, err := newService(t, src, store, Options{FetchConcurrency: 8}, asOf).Build(context.Background(), "BTC", volsurface.MethodRBF)
	require.NoError(t, err)
	assert.Equal(t, 49, res.Fetched)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Snapshot.HasRaw())
	store.AssertExpectations(t)
}

func TestBuild_MissingDVOL(t *testing.T) {
	asOf := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	src := &MockSource{}
	src.On("VolatilityIndex", mock.Anything, "BTC").Return(0.0, errors.ErrNotFound).Once()
	btcMarket(src, asOf)

	svc := newService(t, src, &MockStore{}, Options{FetchConcurrency: 2}, asOf)
	md, err := svc.Fetch(context.Background(), "BTC")
	require.NoError(t, err)
	assert.False(t, md.DVOL.Valid())
	assert.Len(t, md.Quotes, 50)
}

func TestBuild_CancelledNeverSaves(t *testing.T) {
	asOf := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	src := &MockSource{}
	btcMarket(src, asOf)
	store := &MockStore{}

	svc := newService(t, src, store, Options{FetchConcurrency: 4}, asOf)
	md, err := svc.Fetch(context.Background(), "BTC")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := svc.BuildFrom(ctx, md, volsurface.MethodRBF)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
}

func TestBuild_PersistenceDisabled(t *testing.T) {
	asOf := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	src := &MockSource{}
	btcMarket(src, asOf)

	history, err := filesystem.New(t.TempDir(), false, logger.Nop())
	require.NoError(t, err)

	res, err := newService(t, src, history, Options{FetchConcurrency: 4}, asOf).Build(context.Background(), "BTC", volsurface.MethodSimple)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPersistenceDisabled))
	require.NotNil(t, res, "the built snapshot is still returned")
	assert.False(t, res.Saved)
	assert.NotNil(t, res.Snapshot.Mesh)
}

func TestBuild_NoInstruments(t *testing.T) {
	src := &MockSource{}
	src.On("IndexPrice", mock.Anything, "ETH").Return(3000.0, nil)
	src.On("VolatilityIndex", mock.Anything, "ETH").Return(70.0, nil)
	src.On("Instruments", mock.Anything, "ETH").Return([]option.Instrument{}, nil)

	_, err := newService(t, src, &MockStore{}, Options{}, time.Now()).Build(context.Background(), "ETH", volsurface.MethodRBF)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDataQuality))
}

func TestFetch_IndexPriceFailure(t *testing.T) {
	src := &MockSource{}
	src.On("IndexPrice", mock.Anything, "BTC").Return(0.0, errors.ErrSourceUnavailable)

	_, err := newService(t, src, &MockStore{}, Options{}, time.Now()).Fetch(context.Background(), "BTC")
	assert.ErrorIs(t, err, errors.ErrSourceUnavailable)
}
