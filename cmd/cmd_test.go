package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volsurface/internal/domain/volsurface"
	"volsurface/pkg/errors"
)

func TestParseDate(t *testing.T) {
	got, err := parseDate("2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), got)

	got, err = parseDate("2025-03-14T12:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC), got)

	_, err = parseDate("14/03/2025")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"BTC", "ETH"}, splitList(" btc, ,eth "))
	assert.Empty(t, splitList(""))
}

func TestOutPath(t *testing.T) {
	assert.Equal(t, "", outPath("-", "BTC_20250314_120000"))
	assert.Equal(t, filepath.Join("out", "BTC_20250314_120000.csv"), outPath("out/", "BTC_20250314_120000"))
}

func TestNewerThan(t *testing.T) {
	base := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	rows := []volsurface.TimeseriesRow{
		{Timestamp: base},
		{Timestamp: base.Add(24 * time.Hour)},
		{Timestamp: base.Add(48 * time.Hour)},
	}
	got := newerThan(rows, base.Add(24*time.Hour))
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(base.Add(24*time.Hour)))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "n/a", formatValue(volsurface.Missing()))
	assert.Equal(t, "0.5500", formatValue(volsurface.Value(0.55)))
}

func TestCLI_HasCommands(t *testing.T) {
	c := newCLI()
	for _, name := range []string{"build", "list", "latest", "compare", "timeseries", "event-study", "serve"} {
		cmd, _, err := c.root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}
