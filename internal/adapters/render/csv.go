package render

import (
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"volsurface/internal/domain/volsurface"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

// Compile-time check
var _ volsurface.Renderer = (*CSVRenderer)(nil)

const daysPerYear = 365.25

// cell is a float column; masked values are written as an empty field
type cell float64

func (c cell) MarshalCSV() (string, error) {
	v := float64(c)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", nil
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

type surfaceRow struct {
	TTEDays      cell `csv:"tte_days"`
	TTE          cell `csv:"tte_years"`
	LogMoneyness cell `csv:"log_moneyness"`
	Moneyness    cell `csv:"moneyness"`
	IV           cell `csv:"iv"`
	Delta        cell `csv:"delta"`
	Gamma        cell `csv:"gamma"`
	Vega         cell `csv:"vega"`
}

type metricRow struct {
	Name  string `csv:"metric"`
	Value cell   `csv:"value"`
}

type diffRow struct {
	TTEDays      cell `csv:"tte_days"`
	LogMoneyness cell `csv:"log_moneyness"`
	Diff         cell `csv:"iv_diff"`
}

type deltaRow struct {
	Name  string `csv:"metric"`
	A     cell   `csv:"a"`
	B     cell   `csv:"b"`
	Delta cell   `csv:"delta"`
}

type timeseriesRow struct {
	Timestamp  string `csv:"timestamp"`
	Currency   string `csv:"currency"`
	BuildID    string `csv:"build_id"`
	Method     string `csv:"method"`
	Price      cell   `csv:"underlying_price"`
	DVOL       cell   `csv:"dvol"`
	ATM7       cell   `csv:"atm_7d"`
	ATM30      cell   `csv:"atm_30d"`
	ATM60      cell   `csv:"atm_60d"`
	ATM90      cell   `csv:"atm_90d"`
	ATM180     cell   `csv:"atm_180d"`
	Skew       cell   `csv:"skew_25d"`
	TermSlope  cell   `csv:"term_slope"`
	Mean       cell   `csv:"iv_mean"`
	Median     cell   `csv:"iv_median"`
	Std        cell   `csv:"iv_std"`
	ValidCells int    `csv:"valid_cells"`
}

// CSVRenderer writes surfaces, comparisons and metric series as CSV.
// Surfaces and comparisons go to path plus a "_metrics" sibling; an empty path writes both to out.
type CSVRenderer struct {
	out io.Writer
	log *logger.Logger
}

// NewCSVRenderer creates a renderer whose default sink is out
func NewCSVRenderer(out io.Writer, log *logger.Logger) *CSVRenderer {
	if out == nil {
		out = os.Stdout
	}
	return &CSVRenderer{out: out, log: log.Component("render")}
}

// RenderSurface writes one row per grid cell and a metrics table
func (r *CSVRenderer) RenderSurface(mesh *volsurface.Mesh, metrics volsurface.Metrics, path string) error {
	if mesh == nil {
		return errors.Wrap(errors.ErrInvalidInput, "render surface: nil mesh")
	}

	rows := make([]*surfaceRow, 0, mesh.Grid.TPoints*mesh.Grid.KPoints)
	for i := range mesh.IV {
		for j := range mesh.IV[i] {
			k, t := mesh.LogMoneyness[i][j], mesh.TTE[i][j]
			rows = append(rows, &surfaceRow{
				TTEDays:      cell(t * daysPerYear),
				TTE:          cell(t),
				LogMoneyness: cell(k),
				Moneyness:    cell(math.Exp(k)),
				IV:           cell(mesh.IV[i][j]),
				Delta:        at(mesh.Delta, i, j),
				Gamma:        at(mesh.Gamma, i, j),
				Vega:         at(mesh.Vega, i, j),
			})
		}
	}

	if err := r.write(&rows, path); err != nil {
		return err
	}
	if err := r.write(metricRows(metrics), sibling(path, "metrics")); err != nil {
		return err
	}

	r.log.Infow("Rendered surface", "method", mesh.Method, "cells", len(rows), "path", r.describe(path))
	return nil
}

// RenderComparison writes the cell-wise difference and the metric deltas
func (r *CSVRenderer) RenderComparison(c *volsurface.Comparison, path string) error {
	if c == nil {
		return errors.Wrap(errors.ErrInvalidInput, "render comparison: nil comparison")
	}

	ks, ts := c.Grid.LogMoneyness(), c.Grid.TTE()
	rows := make([]*diffRow, 0, len(ks)*len(ts))
	for i, t := range ts {
		for j, k := range ks {
			rows = append(rows, &diffRow{
				TTEDays:      cell(t * daysPerYear),
				LogMoneyness: cell(k),
				Diff:         at(c.Diff, i, j),
			})
		}
	}

	deltas := make([]*deltaRow, 0, len(c.Metrics))
	for _, d := range c.Metrics {
		deltas = append(deltas, &deltaRow{Name: d.Name, A: cell(d.A), B: cell(d.B), Delta: cell(d.Delta)})
	}

	if err := r.write(&rows, path); err != nil {
		return err
	}
	if err := r.write(&deltas, sibling(path, "metrics")); err != nil {
		return err
	}

	r.log.Infow("Rendered comparison", "resampled", c.Resampled, "path", r.describe(path))
	return nil
}

// RenderTimeseries writes one row per snapshot
func (r *CSVRenderer) RenderTimeseries(rows []volsurface.TimeseriesRow, path string) error {
	out := make([]*timeseriesRow, 0, len(rows))
	for _, row := range rows {
		m := row.Metrics
		out = append(out, &timeseriesRow{
			Timestamp:  row.Timestamp.UTC().Format(time.RFC3339),
			Currency:   row.Currency,
			BuildID:    row.BuildID,
			Method:     string(row.Method),
			Price:      cell(row.UnderlyingPrice),
			DVOL:       cell(row.DVOL),
			ATM7:       cell(m.ATMAt(7)),
			ATM30:      cell(m.ATMAt(30)),
			ATM60:      cell(m.ATMAt(60)),
			ATM90:      cell(m.ATMAt(90)),
			ATM180:     cell(m.ATMAt(180)),
			Skew:       cell(m.Skew),
			TermSlope:  cell(m.TermSlope),
			Mean:       cell(m.Mean),
			Median:     cell(m.Median),
			Std:        cell(m.Std),
			ValidCells: m.ValidCells,
		})
	}

	if err := r.write(&out, path); err != nil {
		return err
	}

	r.log.Infow("Rendered timeseries", "rows", len(out), "path", r.describe(path))
	return nil
}

func (r *CSVRenderer) write(rows interface{}, path string) error {
	if path == "" {
		if err := gocsv.Marshal(rows, r.out); err != nil {
			return errors.Wrap(err, "failed to write csv")
		}
		_, err := io.WriteString(r.out, "\n")
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	if err := gocsv.MarshalFile(rows, f); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func (r *CSVRenderer) describe(path string) string {
	if path == "" {
		return "stdout"
	}
	return path
}

func metricRows(m volsurface.Metrics) *[]*metricRow {
	fields := m.Fields()
	rows := make([]*metricRow, 0, len(fields))
	for _, f := range fields {
		rows = append(rows, &metricRow{Name: f.Name, Value: cell(f.Value)})
	}
	return &rows
}

func at(m volsurface.Matrix, i, j int) cell {
	if i >= len(m) || j >= len(m[i]) {
		return cell(math.NaN())
	}
	return cell(m[i][j])
}

// sibling turns surface.csv into surface_metrics.csv
func sibling(path, suffix string) string {
	if path == "" {
		return ""
	}
	if strings.HasSuffix(path, ".csv") {
		return strings.TrimSuffix(path, ".csv") + "_" + suffix + ".csv"
	}
	return path + "_" + suffix
}
