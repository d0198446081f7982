package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"volsurface/internal/domain/volsurface"
	"volsurface/internal/metrics"
	"volsurface/pkg/errors"
)

// Compile-time check
var _ volsurface.SnapshotCache = (*SnapshotCache)(nil)

// SnapshotCache keeps the latest snapshot metadata per currency in Redis.
// Raw quotes are never cached.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache creates a new latest-snapshot cache; ttl of zero keeps keys forever
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

// PutLatest replaces the cached snapshot unless a newer one is already there
func (c *SnapshotCache) PutLatest(ctx context.Context, s *volsurface.Snapshot) error {
	start := time.Now()
	err := c.putLatest(ctx, s)
	metrics.RecordDBQuery("redis", "put_latest", time.Since(start), err)
	return err
}

func (c *SnapshotCache) putLatest(ctx context.Context, s *volsurface.Snapshot) error {
	current, err := c.Latest(ctx, s.Currency)
	if err != nil && !errors.Is(err, errors.ErrStoreRead) {
		return err
	}
	if current != nil && current.Timestamp.After(s.Timestamp) {
		return nil
	}

	bare := *s
	bare.Raw = nil
	meta, _, err := bare.ToRecord()
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, c.key(s.Currency), meta, c.ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to cache snapshot %s", s.Key())
	}
	return nil
}

// Latest returns the cached snapshot, nil when none is cached
func (c *SnapshotCache) Latest(ctx context.Context, currency string) (*volsurface.Snapshot, error) {
	data, err := c.client.Get(ctx, c.key(currency)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get cached snapshot for %s", currency)
	}
	return volsurface.FromRecord(data, nil)
}

func (c *SnapshotCache) key(currency string) string {
	return fmt.Sprintf("volsurface:latest:%s", strings.ToUpper(currency))
}
