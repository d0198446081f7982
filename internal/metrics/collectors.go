package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"volsurface/pkg/logger"
)

// SnapshotCounter reports how many snapshots are stored per currency
type SnapshotCounter interface {
	CountByCurrency(ctx context.Context) (map[string]int, error)
}

// StoreCollector exposes the snapshot store size on every scrape
type StoreCollector struct {
	log   *logger.Logger
	store SnapshotCounter

	storedSnapshots *prometheus.Desc
}

// NewStoreCollector creates a collector over the snapshot store
func NewStoreCollector(log *logger.Logger, store SnapshotCounter) *StoreCollector {
	return &StoreCollector{
		log:   log,
		store: store,
		storedSnapshots: prometheus.NewDesc(
			"volsurface_stored_snapshots",
			"Number of snapshots in the store",
			[]string{"currency"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.storedSnapshots
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountByCurrency(ctx)
	if err != nil {
		c.log.Warnw("Failed to collect stored snapshot counts", "error", err)
		return
	}

	for currency, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.storedSnapshots,
			prometheus.GaugeValue,
			float64(n),
			currency,
		)
	}
}
