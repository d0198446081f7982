package volsurface

import (
	"context"
	"time"
)

// Repository is the snapshot history store
type Repository interface {
	// Save persists a snapshot and returns its key
	Save(ctx context.Context, s *Snapshot, saveRaw bool) (string, error)
	// Load returns one snapshot by key, nil when absent
	Load(ctx context.Context, key string) (*Snapshot, error)
	// LoadAll returns every readable snapshot sorted by time; empty currency means all
	LoadAll(ctx context.Context, currency string) ([]*Snapshot, error)
	// GetByDate returns the snapshot nearest to target, nil when none exist
	GetByDate(ctx context.Context, target time.Time, currency string) (*Snapshot, error)
}

// MetricsSink receives one metrics row per saved snapshot
type MetricsSink interface {
	InsertMetrics(ctx context.Context, rows []TimeseriesRow) error
}

// SnapshotCache holds the latest snapshot per currency
type SnapshotCache interface {
	PutLatest(ctx context.Context, s *Snapshot) error
	Latest(ctx context.Context, currency string) (*Snapshot, error)
}

// Publisher announces new snapshots to downstream consumers
type Publisher interface {
	PublishSnapshot(ctx context.Context, s *Snapshot) error
}
