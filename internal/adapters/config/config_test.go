package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volsurface/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "volsurface", cfg.App.Name)
	assert.Equal(t, "rbf", cfg.Surface.Method)
	assert.Equal(t, 50, cfg.Surface.GridPoints)
	assert.Equal(t, []int{7, 30, 60, 90, 180}, cfg.Surface.Tenors)
	assert.Equal(t, []float64{0.9, 1.1}, cfg.Surface.SkewMoneyness)
	assert.Equal(t, "vol_surface_history", cfg.Store.Dir)
	assert.True(t, cfg.Store.Persistent)
	assert.Equal(t, time.Hour, cfg.Workers.SnapshotInterval)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Workers.Currencies)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SURFACE_METHOD", "svi")
	t.Setenv("STORE_PERSISTENT", "false")
	t.Setenv("SURFACE_GRID_POINTS", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "svi", cfg.Surface.Method)
	assert.False(t, cfg.Store.Persistent)
	assert.Equal(t, 25, cfg.Surface.GridPoints)
}

func TestLoadRejectsInvertedMoneynessBand(t *testing.T) {
	t.Setenv("SURFACE_MONEYNESS_MIN", "1.4")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestLoadRejectsNegativeMinTTE(t *testing.T) {
	t.Setenv("SURFACE_MIN_TTE_DAYS", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestRedisAddr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}
