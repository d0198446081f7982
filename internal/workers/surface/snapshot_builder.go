package surface

import (
	"context"
	"time"

	"volsurface/internal/domain/volsurface"
	"volsurface/internal/services/pipeline"
	"volsurface/internal/workers"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

// Builder runs one full snapshot build for a currency
type Builder interface {
	Build(ctx context.Context, currency string, method volsurface.Method) (*pipeline.Result, error)
}

// Config for the snapshot worker
type Config struct {
	Currencies   []string
	Method       volsurface.Method
	Interval     time.Duration
	BuildTimeout time.Duration
	Enabled      bool
}

// SnapshotBuilder periodically builds and stores a surface snapshot per currency.
// Currencies are built one after another so two saves never race on the same key.
type SnapshotBuilder struct {
	*workers.BaseWorker
	builder Builder
	cfg     Config
}

// NewSnapshotBuilder creates a new snapshot worker
func NewSnapshotBuilder(builder Builder, cfg Config, log *logger.Logger) *SnapshotBuilder {
	if cfg.Method == "" {
		cfg.Method = volsurface.DefaultMethod
	}
	return &SnapshotBuilder{
		BaseWorker: workers.NewBaseWorker("surface_snapshot_builder", cfg.Interval, cfg.Enabled, log),
		builder:    builder,
		cfg:        cfg,
	}
}

// Run builds every configured currency once. A failed currency does not stop the others.
func (w *SnapshotBuilder) Run(ctx context.Context) error {
	var errs errors.MultiError
	built := 0

	for _, currency := range w.cfg.Currencies {
		if ctx.Err() != nil {
			errs.Add(ctx.Err())
			break
		}

		res, err := w.buildOne(ctx, currency)
		if err != nil {
			w.Log().Warnw("Snapshot build failed", "currency", currency, "error", err)
			errs.Add(errors.Wrapf(err, "build %s", currency))
			continue
		}

		built++
		w.Log().Infow("Snapshot built",
			"currency", currency,
			"key", res.Key,
			"fetched", res.Fetched,
			"failed_quotes", res.Failed,
		)
	}

	w.Log().Debugw("Snapshot iteration done", "built", built, "currencies", len(w.cfg.Currencies))
	return errs.ToError()
}

func (w *SnapshotBuilder) buildOne(ctx context.Context, currency string) (*pipeline.Result, error) {
	if w.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.BuildTimeout)
		defer cancel()
	}
	return w.builder.Build(ctx, currency, w.cfg.Method)
}
