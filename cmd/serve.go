package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"volsurface/internal/api/health"
	"volsurface/internal/metrics"
	"volsurface/internal/workers"
	"volsurface/internal/workers/surface"
	"volsurface/pkg/errors"
)

const version = "dev"

func serveCmd(get func() *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Build snapshots on a schedule and expose /health and /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}

			metrics.Init()
			prometheus.MustRegister(metrics.NewStoreCollector(a.log.Component("store_collector"), a.history))

			m, err := a.method("")
			if err != nil {
				return err
			}
			svc, err := a.pipeline(ctx)
			if err != nil {
				return err
			}

			wc := a.cfg.Workers
			scheduler := workers.NewScheduler(a.log).WithShutdownTimeout(wc.BuildTimeout)
			scheduler.RegisterWorker(surface.NewSnapshotBuilder(svc, surface.Config{
				Currencies:   wc.Currencies,
				Method:       m,
				Interval:     wc.SnapshotInterval,
				BuildTimeout: wc.BuildTimeout,
				Enabled:      wc.SnapshotEnabled,
			}, a.log))

			hh := health.New(a.log, a.cfg.App.Name, version).
				WithWorkers(scheduler, 2*wc.SnapshotInterval+wc.BuildTimeout)
			if a.cfg.Store.Persistent {
				hh.Require("store", a.storeCheck)
			} else {
				// ephemeral deployments report degraded, never ready-but-silent
				hh.Optional("store", a.storeCheck)
			}
			for name, c := range a.checks {
				hh.Optional(name, c)
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/health", hh.HandleHealth)
			mux.HandleFunc("/live", hh.HandleLiveness)
			mux.Handle("/metrics", metrics.Handler())

			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			if err := scheduler.Start(ctx); err != nil {
				return err
			}

			serveErr := make(chan error, 1)
			go func() {
				a.log.Infow("HTTP server listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
				a.log.Info("Shutting down...")
			case err = <-serveErr:
				a.log.Errorw("HTTP server failed", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				a.log.Warnw("HTTP shutdown failed", "error", serr)
			}
			if serr := scheduler.Stop(); serr != nil {
				a.log.Warnw("Scheduler shutdown failed", "error", serr)
			}

			a.log.Info("Shutdown complete")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default HTTP_ADDR)")
	return cmd
}

// storeCheck fails when a persistent store directory has gone missing
func (a *app) storeCheck(ctx context.Context) error {
	if !a.cfg.Store.Persistent {
		return errors.Wrap(errors.ErrPersistenceDisabled, "snapshot store")
	}
	info, err := os.Stat(a.history.Dir())
	if err != nil {
		return errors.Wrap(errors.ErrStoreWrite, err.Error())
	}
	if !info.IsDir() {
		return errors.Wrapf(errors.ErrStoreWrite, "%s is not a directory", a.history.Dir())
	}
	return nil
}
