package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volsurface/internal/testsupport"
)

func TestSnapshotCache_PutAndLatest(t *testing.T) {
	cfg := testsupport.LoadRedisConfigFromEnv(t)
	client := testsupport.NewRedisClient(t, cfg)
	cache := NewSnapshotCache(client, time.Minute)
	ctx := context.Background()

	none, err := cache.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.Nil(t, none)

	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	first := testsupport.NewSnapshotFixture().WithTimestamp(base).WithRaw().Build()
	require.NoError(t, cache.PutLatest(ctx, first))

	got, err := cache.Latest(ctx, "btc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.BuildID, got.BuildID)
	assert.False(t, got.HasRaw())
	assert.True(t, first.HasRaw(), "caller's snapshot keeps its raw data")

	ttl, err := client.TTL(ctx, "volsurface:latest:BTC").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestSnapshotCache_KeepsNewest(t *testing.T) {
	cfg := testsupport.LoadRedisConfigFromEnv(t)
	client := testsupport.NewRedisClient(t, cfg)
	cache := NewSnapshotCache(client, 0)
	ctx := context.Background()

	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	newer := testsupport.NewSnapshotFixture().WithTimestamp(base.Add(time.Hour)).Build()
	older := testsupport.NewSnapshotFixture().WithTimestamp(base).Build()

	require.NoError(t, cache.PutLatest(ctx, newer))
	require.NoError(t, cache.PutLatest(ctx, older))

	got, err := cache.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, newer.BuildID, got.BuildID)

	eth, err := cache.Latest(ctx, "ETH")
	require.NoError(t, err)
	assert.Nil(t, eth)
}
