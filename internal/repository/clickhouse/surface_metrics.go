package clickhouse

import (
	"context"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"volsurface/internal/domain/volsurface"
	"volsurface/internal/metrics"
	"volsurface/pkg/errors"
)

// Compile-time check
var _ volsurface.MetricsSink = (*SurfaceMetricsRepository)(nil)

// Missing values are stored as NaN, which ClickHouse Float64 keeps as-is.
const createSurfaceMetrics = `
	CREATE TABLE IF NOT EXISTS surface_metrics (
		build_id         String,
		currency         LowCardinality(String),
		timestamp        DateTime64(3, 'UTC'),
		method           LowCardinality(String),
		underlying_price Float64,
		dvol             Float64,
		atm_days         Array(UInt16),
		atm_iv           Array(Float64),
		skew_tenor       UInt16,
		skew_25d         Float64,
		term_slope       Float64,
		iv_mean          Float64,
		iv_median        Float64,
		iv_std           Float64,
		iv_min           Float64,
		iv_max           Float64,
		valid_cells      UInt32,
		total_cells      UInt32
	)
	ENGINE = ReplacingMergeTree
	ORDER BY (currency, timestamp)`

// metricsRow is one surface_metrics row
type metricsRow struct {
	BuildID         string    `ch:"build_id"`
	Currency        string    `ch:"currency"`
	Timestamp       time.Time `ch:"timestamp"`
	Method          string    `ch:"method"`
	UnderlyingPrice float64   `ch:"underlying_price"`
	DVOL            float64   `ch:"dvol"`
	ATMDays         []uint16  `ch:"atm_days"`
	ATMIV           []float64 `ch:"atm_iv"`
	SkewTenor       uint16    `ch:"skew_tenor"`
	Skew            float64   `ch:"skew_25d"`
	TermSlope       float64   `ch:"term_slope"`
	Mean            float64   `ch:"iv_mean"`
	Median          float64   `ch:"iv_median"`
	Std             float64   `ch:"iv_std"`
	Min             float64   `ch:"iv_min"`
	Max             float64   `ch:"iv_max"`
	ValidCells      uint32    `ch:"valid_cells"`
	TotalCells      uint32    `ch:"total_cells"`
}

func toRow(r volsurface.TimeseriesRow) metricsRow {
	m := r.Metrics
	row := metricsRow{
		BuildID:         r.BuildID,
		Currency:        r.Currency,
		Timestamp:       r.Timestamp,
		Method:          string(r.Method),
		UnderlyingPrice: r.UnderlyingPrice,
		DVOL:            r.DVOL.Float(),
		ATMDays:         make([]uint16, 0, len(m.ATM)),
		ATMIV:           make([]float64, 0, len(m.ATM)),
		SkewTenor:       uint16(m.SkewTenor),
		Skew:            m.Skew.Float(),
		TermSlope:       m.TermSlope.Float(),
		Mean:            m.Mean.Float(),
		Median:          m.Median.Float(),
		Std:             m.Std.Float(),
		Min:             m.Min.Float(),
		Max:             m.Max.Float(),
		ValidCells:      uint32(m.ValidCells),
		TotalCells:      uint32(m.TotalCells),
	}
	for _, tv := range m.ATM {
		row.ATMDays = append(row.ATMDays, uint16(tv.Days))
		row.ATMIV = append(row.ATMIV, tv.IV.Float())
	}
	return row
}

func (row metricsRow) toDomain() volsurface.TimeseriesRow {
	m := volsurface.Metrics{
		SkewTenor:  int(row.SkewTenor),
		Skew:       volsurface.Value(row.Skew),
		TermSlope:  volsurface.Value(row.TermSlope),
		Mean:       volsurface.Value(row.Mean),
		Median:     volsurface.Value(row.Median),
		Std:        volsurface.Value(row.Std),
		Min:        volsurface.Value(row.Min),
		Max:        volsurface.Value(row.Max),
		ValidCells: int(row.ValidCells),
		TotalCells: int(row.TotalCells),
	}
	for i, days := range row.ATMDays {
		if i < len(row.ATMIV) {
			m.ATM = append(m.ATM, volsurface.TenorVol{Days: int(days), IV: volsurface.Value(row.ATMIV[i])})
		}
	}
	return volsurface.TimeseriesRow{
		Timestamp:       row.Timestamp.UTC(),
		Currency:        row.Currency,
		BuildID:         row.BuildID,
		UnderlyingPrice: row.UnderlyingPrice,
		DVOL:            volsurface.Value(row.DVOL),
		Method:          volsurface.Method(row.Method),
		Metrics:         m,
	}
}

// SurfaceMetricsRepository stores snapshot metrics rows in ClickHouse
type SurfaceMetricsRepository struct {
	conn driver.Conn
}

// NewSurfaceMetricsRepository creates a new surface metrics repository
func NewSurfaceMetricsRepository(conn driver.Conn) *SurfaceMetricsRepository {
	return &SurfaceMetricsRepository{conn: conn}
}

// Migrate creates the surface_metrics table if needed
func (r *SurfaceMetricsRepository) Migrate(ctx context.Context) error {
	if err := r.conn.Exec(ctx, createSurfaceMetrics); err != nil {
		return errors.Wrap(err, "failed to create surface_metrics")
	}
	return nil
}

// InsertMetrics inserts metrics rows in batch
func (r *SurfaceMetricsRepository) InsertMetrics(ctx context.Context, rows []volsurface.TimeseriesRow) error {
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	err := r.insert(ctx, rows)
	metrics.RecordDBQuery("clickhouse", "insert_metrics", time.Since(start), err)
	return err
}

func (r *SurfaceMetricsRepository) insert(ctx context.Context, rows []volsurface.TimeseriesRow) error {
	batch, err := r.conn.PrepareBatch(ctx, `INSERT INTO surface_metrics`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}

	for _, tr := range rows {
		row := toRow(tr)
		if err := batch.AppendStruct(&row); err != nil {
			return errors.Wrapf(err, "failed to append metrics for %s", tr.BuildID)
		}
	}

	return batch.Send()
}

// Timeseries returns metrics rows for a currency since a point in time, ascending
func (r *SurfaceMetricsRepository) Timeseries(ctx context.Context, currency string, since time.Time) ([]volsurface.TimeseriesRow, error) {
	var rows []metricsRow

	sql := `
		SELECT build_id, currency, timestamp, method, underlying_price, dvol,
			atm_days, atm_iv, skew_tenor, skew_25d, term_slope,
			iv_mean, iv_median, iv_std, iv_min, iv_max, valid_cells, total_cells
		FROM surface_metrics FINAL
		WHERE currency = $1 AND timestamp >= $2
		ORDER BY timestamp ASC`

	start := time.Now()
	err := r.conn.Select(ctx, &rows, sql, strings.ToUpper(currency), since)
	metrics.RecordDBQuery("clickhouse", "select_metrics", time.Since(start), err)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query surface_metrics")
	}

	out := make([]volsurface.TimeseriesRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
