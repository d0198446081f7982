package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"volsurface/internal/domain/option"
	"volsurface/internal/domain/volsurface"
	"volsurface/internal/metrics"
	"volsurface/internal/services/analytics"
	"volsurface/internal/services/builder"
	"volsurface/internal/services/cleaning"
	"volsurface/internal/services/greeks"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

// Options controls one build run
type Options struct {
	SaveRaw          bool
	FetchConcurrency int
}

// Sinks are optional downstream consumers of a saved snapshot
type Sinks struct {
	Metrics   volsurface.MetricsSink
	Cache     volsurface.SnapshotCache
	Publisher volsurface.Publisher
}

// MarketData is one fetch of everything a build needs
type MarketData struct {
	Currency string
	AsOf     time.Time
	Spot     float64
	DVOL     volsurface.Value
	Quotes   []option.Quote
	// Failed counts instruments whose ticker could not be fetched
	Failed int
}

// Result describes a completed build
type Result struct {
	Snapshot *volsurface.Snapshot
	Key      string
	Saved    bool
	Cleaning cleaning.Report
	Greeks   greeks.Result
	Fetched  int
	Failed   int
}

// Service runs fetch -> clean -> build -> metrics -> snapshot -> persist
type Service struct {
	source  option.MarketDataSource
	cleaner *cleaning.Service
	builder *builder.Builder
	calc    *analytics.Calculator
	greeks  *greeks.Service
	store   volsurface.Repository
	sinks   Sinks
	opts    Options
	log     *logger.Logger
	now     func() time.Time
}

// NewService wires the build pipeline
func NewService(
	source option.MarketDataSource,
	cleaner *cleaning.Service,
	b *builder.Builder,
	calc *analytics.Calculator,
	greeksSvc *greeks.Service,
	store volsurface.Repository,
	opts Options,
	log *logger.Logger,
) *Service {
	if opts.FetchConcurrency < 1 {
		opts.FetchConcurrency = 1
	}
	return &Service{
		source:  source,
		cleaner: cleaner,
		builder: b,
		calc:    calc,
		greeks:  greeksSvc,
		store:   store,
		opts:    opts,
		log:     log.Component("pipeline"),
		now:     time.Now,
	}
}

// WithSinks attaches optional downstream sinks
func (s *Service) WithSinks(sinks Sinks) *Service {
	s.sinks = sinks
	return s
}

// Fetch collects index price, DVOL and every option ticker for the currency.
// Ticker failures are counted and skipped; a missing DVOL is recorded as missing.
func (s *Service) Fetch(ctx context.Context, currency string) (*MarketData, error) {
	currency = strings.ToUpper(currency)
	md := &MarketData{Currency: currency, AsOf: s.now().UTC(), DVOL: volsurface.Missing()}

	spot, err := s.source.IndexPrice(ctx, currency)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s index price", currency)
	}
	md.Spot = spot

	if dvol, err := s.source.VolatilityIndex(ctx, currency); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warnw("DVOL unavailable", "currency", currency, "error", err)
	} else {
		md.DVOL = volsurface.Value(dvol)
	}

	instruments, err := s.source.Instruments(ctx, currency)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s instruments", currency)
	}

	quotes := make([]option.Quote, len(instruments))
	fetched := make([]bool, len(instruments))
	var failed int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)
	for i, inst := range instruments {
		i, inst := i, inst
		g.Go(func() error {
			q, err := s.source.Quote(gctx, inst, spot)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				atomic.AddInt64(&failed, 1)
				s.log.Warnw("Skipping instrument", "instrument", inst.Name, "error", err)
				return nil
			}
			quotes[i], fetched[i] = q, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	md.Quotes = make([]option.Quote, 0, len(quotes))
	for i, q := range quotes {
		if fetched[i] {
			md.Quotes = append(md.Quotes, q)
		}
	}
	md.Failed = int(failed)

	s.log.Infow("Fetched market data",
		"currency", currency,
		"spot", spot,
		"dvol", md.DVOL,
		"instruments", len(instruments),
		"quotes", len(md.Quotes),
		"failed", md.Failed,
	)
	return md, nil
}

// Build fetches, builds, measures and saves one snapshot.
// When only saving fails the result is returned together with the error.
func (s *Service) Build(ctx context.Context, currency string, method volsurface.Method) (*Result, error) {
	md, err := s.Fetch(ctx, currency)
	if err != nil {
		return nil, err
	}
	return s.BuildFrom(ctx, md, method)
}

// BuildFrom runs everything after the fetch
func (s *Service) BuildFrom(ctx context.Context, md *MarketData, method volsurface.Method) (*Result, error) {
	ds, report := s.cleaner.Clean(md.Currency, md.Spot, md.AsOf, md.Quotes)

	mesh, err := s.builder.Build(ctx, ds, method)
	if err != nil {
		return nil, err
	}

	m := s.calc.Compute(mesh, md.Spot)
	greeksRes := s.greeks.Apply(ds, mesh)

	snap := volsurface.NewSnapshot(md.AsOf, md.Currency, md.Spot, md.DVOL, mesh, m)
	if s.opts.SaveRaw {
		snap.Raw = ds
	}

	for _, tv := range m.ATM {
		metrics.RecordATM(snap.Currency, tv.Days, tv.IV.Float(), tv.IV.Valid())
	}

	res := &Result{
		Snapshot: snap,
		Cleaning: report,
		Greeks:   greeksRes,
		Fetched:  len(md.Quotes),
		Failed:   md.Failed,
	}

	// a cancelled build never reaches the store
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := s.store.Save(ctx, snap, s.opts.SaveRaw)
	if err != nil {
		return res, err
	}
	res.Key, res.Saved = key, true

	s.publish(ctx, snap)

	s.log.Infow("Snapshot complete",
		"key", key,
		"method", mesh.Method,
		"valid_cells", m.ValidCells,
		"atm_30d", m.ATMAt(30),
		"term_slope", m.TermSlope,
	)
	return res, nil
}

// publish fans the saved snapshot out to the optional sinks; failures are logged only
func (s *Service) publish(ctx context.Context, snap *volsurface.Snapshot) {
	if s.sinks.Metrics != nil {
		if err := s.sinks.Metrics.InsertMetrics(ctx, volsurface.Timeseries([]*volsurface.Snapshot{snap})); err != nil {
			s.log.Warnw("Metrics sink failed", "key", snap.Key(), "error", err)
		}
	}
	if s.sinks.Cache != nil {
		if err := s.sinks.Cache.PutLatest(ctx, snap); err != nil {
			s.log.Warnw("Snapshot cache failed", "key", snap.Key(), "error", err)
		}
	}
	if s.sinks.Publisher != nil {
		if err := s.sinks.Publisher.PublishSnapshot(ctx, snap); err != nil {
			s.log.Warnw("Snapshot publish failed", "key", snap.Key(), "error", err)
		}
	}
}
