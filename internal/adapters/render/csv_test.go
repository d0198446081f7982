package render

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volsurface/internal/domain/volsurface"
	"volsurface/internal/testsupport"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestRenderSurface_WritesCellsAndMetrics(t *testing.T) {
	s := testsupport.NewSnapshotFixture().Build()
	path := filepath.Join(t.TempDir(), "surface.csv")

	r := NewCSVRenderer(nil, logger.Nop())
	require.NoError(t, r.RenderSurface(s.Mesh, s.Metrics, path))

	records := readCSV(t, path)
	require.Len(t, records, 1+50*50)
	assert.Equal(t, []string{"tte_days", "tte_years", "log_moneyness", "moneyness", "iv", "delta", "gamma", "vega"}, records[0])
	assert.Equal(t, "", records[1][4], "masked corner cell is empty")
	assert.NotEmpty(t, records[2][4])
	assert.Equal(t, "", records[2][5], "no greeks grids")

	metrics := readCSV(t, filepath.Join(filepath.Dir(path), "surface_metrics.csv"))
	assert.Equal(t, []string{"metric", "value"}, metrics[0])
	assert.Equal(t, []string{"atm_7d", "0.5"}, metrics[1])
	assert.Len(t, metrics, 1+len(s.Metrics.Fields()))
}

func TestRenderComparison(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	a := testsupport.NewSnapshotFixture().WithTimestamp(base).Build()
	b := testsupport.NewSnapshotFixture().WithTimestamp(base.Add(time.Hour)).WithLevel(0.6).Build()
	cmp, err := volsurface.Compare(a, b)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "diff.csv")
	require.NoError(t, NewCSVRenderer(nil, logger.Nop()).RenderComparison(cmp, path))

	records := readCSV(t, path)
	require.Len(t, records, 1+50*50)
	assert.Equal(t, []string{"tte_days", "log_moneyness", "iv_diff"}, records[0])
	assert.Equal(t, "", records[1][2])

	deltas := readCSV(t, filepath.Join(filepath.Dir(path), "diff_metrics.csv"))
	assert.Equal(t, []string{"metric", "a", "b", "delta"}, deltas[0])
	assert.Equal(t, "atm_7d", deltas[1][0])
}

func TestRenderTimeseries_DefaultSink(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	s := testsupport.NewSnapshotFixture().WithTimestamp(base).Build()
	s.DVOL = volsurface.Missing()

	var buf bytes.Buffer
	r := NewCSVRenderer(&buf, logger.Nop())
	require.NoError(t, r.RenderTimeseries(volsurface.Timeseries([]*volsurface.Snapshot{s}), ""))

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "timestamp", records[0][0])
	assert.Equal(t, "2025-03-14T12:00:00Z", records[1][0])
	assert.Equal(t, "", records[1][5], "missing dvol")
	assert.Equal(t, "", records[1][8], "60d tenor not computed")
}

func TestRender_InvalidInput(t *testing.T) {
	r := NewCSVRenderer(nil, logger.Nop())
	assert.ErrorIs(t, r.RenderSurface(nil, volsurface.Metrics{}, ""), errors.ErrInvalidInput)
	assert.ErrorIs(t, r.RenderComparison(nil, ""), errors.ErrInvalidInput)
}

func TestSibling(t *testing.T) {
	assert.Equal(t, "out/s_metrics.csv", sibling("out/s.csv", "metrics"))
	assert.Equal(t, "out/s_metrics", sibling("out/s", "metrics"))
	assert.Equal(t, "", sibling("", "metrics"))
}
