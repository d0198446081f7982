package main

import (
	"context"
	"os"
	"sync"
	"time"

	"volsurface/internal/adapters/clickhouse"
	"volsurface/internal/adapters/config"
	"volsurface/internal/adapters/deribit"
	"volsurface/internal/adapters/errors/noop"
	"volsurface/internal/adapters/errors/sentry"
	"volsurface/internal/adapters/kafka"
	"volsurface/internal/adapters/redis"
	"volsurface/internal/adapters/render"
	"volsurface/internal/api/health"
	"volsurface/internal/domain/volsurface"
	chrepo "volsurface/internal/repository/clickhouse"
	"volsurface/internal/repository/filesystem"
	redisrepo "volsurface/internal/repository/redis"
	"volsurface/internal/services/analytics"
	"volsurface/internal/services/builder"
	"volsurface/internal/services/cleaning"
	"volsurface/internal/services/greeks"
	"volsurface/internal/services/pipeline"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

const connectTimeout = 10 * time.Second

// app holds everything the commands share
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	tracker  errors.Tracker
	history  *filesystem.History
	renderer *render.CSVRenderer

	sinksOnce sync.Once
	sinks     pipeline.Sinks
	metrics   *chrepo.SurfaceMetricsRepository
	cache     *redisrepo.SnapshotCache
	checks    map[string]health.Checker
	closers   []func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		return nil, errors.Wrap(err, "failed to init logger")
	}
	log := logger.Get()

	tracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(tracker)

	history, err := filesystem.New(cfg.Store.Dir, cfg.Store.Persistent, log)
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Persistent {
		log.Warnw("Snapshot store is not persistent, builds will not be saved", "dir", cfg.Store.Dir)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		tracker:  tracker,
		history:  history,
		renderer: render.NewCSVRenderer(os.Stdout, log),
		checks:   make(map[string]health.Checker),
	}, nil
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Debug("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

// method resolves a --method flag, falling back to SURFACE_METHOD
func (a *app) method(flag string) (volsurface.Method, error) {
	if flag == "" {
		flag = a.cfg.Surface.Method
	}
	return volsurface.ParseMethod(flag)
}

// pipeline wires source, cleaner, builder, calculator, greeks, store and sinks
func (a *app) pipeline(ctx context.Context) (*pipeline.Service, error) {
	s := a.cfg.Surface

	grid, err := volsurface.NewGrid(s.MoneynessMin, s.MoneynessMax, s.TTEMinDays, s.TTEMaxDays, s.GridPoints)
	if err != nil {
		return nil, err
	}
	side, err := builder.ParseSide(s.Side)
	if err != nil {
		return nil, err
	}
	b, err := builder.New(builder.Options{Grid: grid, Side: side}, a.log)
	if err != nil {
		return nil, err
	}

	cleanOpts := cleaning.DefaultOptions()
	cleanOpts.MinTTEDays = s.MinTTEDays
	cleanOpts.MoneynessMin = s.MoneynessMin
	cleanOpts.MoneynessMax = s.MoneynessMax
	cleanOpts.ParityTolerance = s.ParityTolerance

	calc := analytics.NewCalculator(analytics.Options{
		Tenors:            s.Tenors,
		SkewTenorDays:     s.SkewTenorDays,
		SkewPutMoneyness:  s.SkewMoneyness[0],
		SkewCallMoneyness: s.SkewMoneyness[1],
	})

	svc := pipeline.NewService(
		deribit.NewClient(a.cfg.Deribit, a.log),
		cleaning.NewService(cleanOpts, a.log),
		b,
		calc,
		greeks.NewService(s.RiskFreeRate, a.log),
		a.history,
		pipeline.Options{
			SaveRaw:          a.cfg.Store.SaveRaw,
			FetchConcurrency: a.cfg.Deribit.FetchConcurrency,
		},
		a.log,
	)
	return svc.WithSinks(a.connectSinks(ctx)), nil
}

// connectSinks opens the optional ClickHouse, Redis and Kafka sinks once.
// A sink that cannot connect is left out and reported by the health check.
func (a *app) connectSinks(ctx context.Context) pipeline.Sinks {
	a.sinksOnce.Do(func() {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		if a.cfg.ClickHouse.Enabled {
			a.connectClickHouse(cctx)
		}
		if a.cfg.Redis.Enabled {
			a.connectRedis(cctx)
		}
		if a.cfg.Kafka.Enabled {
			producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: a.cfg.Kafka.Brokers}, a.log)
			a.sinks.Publisher = kafka.NewSnapshotPublisher(producer, a.cfg.Kafka.Topic)
			a.closers = append(a.closers, producer.Close)
			a.log.Infow("Kafka snapshot events enabled", "topic", a.cfg.Kafka.Topic)
		}
	})
	return a.sinks
}

func (a *app) connectClickHouse(ctx context.Context) {
	client, err := clickhouse.NewClient(ctx, a.cfg.ClickHouse)
	if err != nil {
		a.log.Warnw("ClickHouse unavailable, metrics sink disabled", "error", err)
		a.checks["clickhouse"] = health.Unavailable(err)
		return
	}
	a.closers = append(a.closers, client.Close)
	a.checks["clickhouse"] = client.Health

	repo := chrepo.NewSurfaceMetricsRepository(client.Conn())
	if err := repo.Migrate(ctx); err != nil {
		a.log.Warnw("ClickHouse migration failed, metrics sink disabled", "error", err)
		return
	}
	a.metrics = repo
	a.sinks.Metrics = repo
}

func (a *app) connectRedis(ctx context.Context) {
	client, err := redis.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		a.log.Warnw("Redis unavailable, snapshot cache disabled", "error", err)
		a.checks["redis"] = health.Unavailable(err)
		return
	}
	a.closers = append(a.closers, client.Close)
	a.checks["redis"] = client.Health

	a.cache = redisrepo.NewSnapshotCache(client.Client(), a.cfg.Redis.TTL)
	a.sinks.Cache = a.cache
}

// Report sends a command failure to the error tracker
func (a *app) Report(ctx context.Context, err error, command string) {
	if errors.Is(err, context.Canceled) {
		return
	}
	_ = a.tracker.CaptureError(ctx, err, map[string]string{"command": command})
}

// Close releases connections and flushes the tracker
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warnw("Failed to close resource", "error", err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.tracker.Flush(flushCtx); err != nil {
		a.log.Warnf("Failed to flush error tracker: %v", err)
	}
	_ = logger.Sync()
}
