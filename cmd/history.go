package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"volsurface/internal/domain/volsurface"
	"volsurface/pkg/errors"
)

func listCmd(get func() *app) *cobra.Command {
	var currency string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := get().history.List(cmd.Context(), currency)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "KEY\tCURRENCY\tTIMESTAMP\tAGE\tSIZE\tRAW")
			for _, e := range entries {
				raw := "no"
				if e.HasRaw() {
					raw = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Key,
					e.Currency,
					e.Timestamp.Format(time.RFC3339),
					humanize.Time(e.Timestamp),
					humanize.Bytes(uint64(e.MetaBytes+e.RawBytes)),
					raw,
				)
			}
			fmt.Fprintf(w, "\n%s snapshots\n", humanize.Comma(int64(len(entries))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&currency, "currency", "c", "", "filter by currency")
	return cmd
}

func latestCmd(get func() *app) *cobra.Command {
	var (
		currency string
		csvPath  string
	)
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the most recent snapshot, from the cache when enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			var snap *volsurface.Snapshot
			if a.connectSinks(ctx); a.cache != nil {
				s, err := a.cache.Latest(ctx, currency)
				if err != nil {
					a.log.Warnw("Snapshot cache read failed, using store", "error", err)
				}
				snap = s
			}
			if snap == nil {
				all, err := a.history.LoadAll(ctx, currency)
				if err != nil {
					return err
				}
				if len(all) == 0 {
					return errors.Wrapf(errors.ErrNotFound, "no snapshots for %s", currency)
				}
				snap = all[len(all)-1]
			}

			printSnapshot(snap)
			if csvPath != "" {
				return a.renderer.RenderSurface(snap.Mesh, snap.Metrics, outPath(csvPath, snap.Key()))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&currency, "currency", "c", "BTC", "currency")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write the surface as CSV to this directory, - for stdout")
	return cmd
}

func compareCmd(get func() *app) *cobra.Command {
	var (
		currency string
		dateA    string
		dateB    string
		csvPath  string
	)
	cmd := &cobra.Command{
		Use:   "compare [KEY_A KEY_B]",
		Short: "Diff two snapshots by key, or the snapshots nearest two dates",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			var (
				cmp *volsurface.Comparison
				err error
			)
			switch {
			case len(args) == 2:
				cmp, err = a.history.Compare(ctx, args[0], args[1])
			case len(args) == 0 && dateA != "" && dateB != "":
				cmp, err = compareByDate(cmd, a, currency, dateA, dateB)
			default:
				return errors.NewValidationError("compare", "expects two keys or --date-a and --date-b", args)
			}
			if err != nil {
				return err
			}
			if cmp == nil {
				fmt.Println("snapshot not found")
				return nil
			}

			printComparison(cmp)
			if csvPath != "" {
				return a.renderer.RenderComparison(cmp, outPath(csvPath, cmp.A.Key()+"_vs_"+cmp.B.Key()))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&currency, "currency", "c", "BTC", "currency for date lookups")
	cmd.Flags().StringVar(&dateA, "date-a", "", "first date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&dateB, "date-b", "", "second date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write the diff as CSV to this directory, - for stdout")
	return cmd
}

func compareByDate(cmd *cobra.Command, a *app, currency, dateA, dateB string) (*volsurface.Comparison, error) {
	ta, err := parseDate(dateA)
	if err != nil {
		return nil, err
	}
	tb, err := parseDate(dateB)
	if err != nil {
		return nil, err
	}

	sa, err := a.history.GetByDate(cmd.Context(), ta, currency)
	if err != nil {
		return nil, err
	}
	sb, err := a.history.GetByDate(cmd.Context(), tb, currency)
	if err != nil {
		return nil, err
	}
	if sa == nil || sb == nil {
		return nil, nil
	}
	return volsurface.Compare(sa, sb)
}

func timeseriesCmd(get func() *app) *cobra.Command {
	var (
		currency string
		source   string
		since    time.Duration
		csvPath  string
	)
	cmd := &cobra.Command{
		Use:   "timeseries",
		Short: "Print the metrics of every stored snapshot as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			var (
				rows []volsurface.TimeseriesRow
				err  error
			)
			switch source {
			case "store":
				rows, err = a.history.MetricsTimeseries(ctx, currency)
				if err == nil && since > 0 {
					rows = newerThan(rows, time.Now().Add(-since))
				}
			case "clickhouse":
				if a.connectSinks(ctx); a.metrics == nil {
					return errors.Wrap(errors.ErrUnavailable, "clickhouse metrics sink is not enabled")
				}
				from := time.Time{}
				if since > 0 {
					from = time.Now().Add(-since)
				}
				rows, err = a.metrics.Timeseries(ctx, currency, from)
			default:
				return errors.NewValidationError("source", "expected store or clickhouse", source)
			}
			if err != nil {
				return err
			}

			path := ""
			if csvPath != "" && csvPath != "-" {
				path = csvPath
			}
			return a.renderer.RenderTimeseries(rows, path)
		},
	}
	cmd.Flags().StringVarP(&currency, "currency", "c", "BTC", "currency")
	cmd.Flags().StringVar(&source, "source", "store", "store or clickhouse")
	cmd.Flags().DurationVar(&since, "since", 0, "only rows newer than this, e.g. 720h")
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file to write, stdout when empty")
	return cmd
}

func eventStudyCmd(get func() *app) *cobra.Command {
	var (
		currency string
		event    string
		before   int
		after    int
		csvPath  string
	)
	cmd := &cobra.Command{
		Use:   "event-study",
		Short: "Metrics around an event and the surface change across it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			at, err := parseDate(event)
			if err != nil {
				return err
			}

			study, err := a.history.EventStudy(cmd.Context(), currency, at, before, after)
			if err != nil {
				return err
			}

			if err := a.renderer.RenderTimeseries(study.Window, ""); err != nil {
				return err
			}

			cmp, err := study.Comparison()
			if err != nil {
				return err
			}
			if cmp == nil {
				fmt.Println("no snapshot on one side of the event, surface change unavailable")
				return nil
			}
			printComparison(cmp)
			if csvPath != "" {
				return a.renderer.RenderComparison(cmp, outPath(csvPath, "event_"+at.Format("20060102_150405")))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&currency, "currency", "c", "BTC", "currency")
	cmd.Flags().StringVar(&event, "event", "", "event time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&before, "before", 7, "days before the event")
	cmd.Flags().IntVar(&after, "after", 7, "days after the event")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write the surface change as CSV to this directory, - for stdout")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func printSnapshot(s *volsurface.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "snapshot\t%s (%s)\n", s.Key(), humanize.Time(s.Timestamp))
	fmt.Fprintf(w, "method\t%s\n", s.Method)
	fmt.Fprintf(w, "underlying\t%s\n", humanize.CommafWithDigits(s.UnderlyingPrice, 2))
	fmt.Fprintf(w, "dvol\t%s\n", formatValue(s.DVOL))
	for _, f := range s.Metrics.Fields() {
		fmt.Fprintf(w, "%s\t%s\n", f.Name, formatValue(f.Value))
	}
}

func printComparison(c *volsurface.Comparison) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "from\t%s\n", c.A.Key())
	fmt.Fprintf(w, "to\t%s\n", c.B.Key())
	fmt.Fprintf(w, "resampled\t%t\n", c.Resampled)
	fmt.Fprintf(w, "max |diff|\t%s\n", formatValue(c.MaxAbsDiff()))
	fmt.Fprintln(w, "\nMETRIC\tA\tB\tDELTA")
	for _, d := range c.Metrics {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, formatValue(d.A), formatValue(d.B), formatValue(d.Delta))
	}
}

func newerThan(rows []volsurface.TimeseriesRow, from time.Time) []volsurface.TimeseriesRow {
	out := rows[:0]
	for _, r := range rows {
		if !r.Timestamp.Before(from) {
			out = append(out, r)
		}
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.NewValidationError("date", "expected RFC3339 or YYYY-MM-DD", s)
}
