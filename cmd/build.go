package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"volsurface/internal/adapters/errors/sentry"
	"volsurface/internal/domain/volsurface"
	"volsurface/internal/services/pipeline"
	"volsurface/pkg/errors"
)

func buildCmd(get func() *app) *cobra.Command {
	var (
		currencies string
		method     string
		csvPath    string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Fetch market data, build a surface and save the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			m, err := a.method(method)
			if err != nil {
				return err
			}
			svc, err := a.pipeline(cmd.Context())
			if err != nil {
				return err
			}

			var errs errors.MultiError
			for _, cur := range splitList(currencies) {
				res, err := svc.Build(cmd.Context(), cur, m)
				if res != nil {
					printResult(res)
				}
				if err != nil {
					if res != nil && res.Snapshot != nil {
						ctx := sentry.WithBuild(cmd.Context(), res.Snapshot.Currency, res.Snapshot.BuildID)
						_ = a.tracker.CaptureError(ctx, err, map[string]string{"stage": "save"})
					}
					errs.Add(errors.Wrapf(err, "build %s", cur))
					continue
				}
				if csvPath != "" {
					if err := a.renderer.RenderSurface(res.Snapshot.Mesh, res.Snapshot.Metrics, outPath(csvPath, res.Key)); err != nil {
						errs.Add(err)
					}
				}
			}
			return errs.ToError()
		},
	}
	cmd.Flags().StringVarP(&currencies, "currency", "c", "BTC", "comma separated currencies")
	cmd.Flags().StringVarP(&method, "method", "m", "", "simple, rbf or svi (default SURFACE_METHOD)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write the surface as CSV to this directory, - for stdout")
	return cmd
}

func printResult(res *pipeline.Result) {
	s := res.Snapshot
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer w.Flush()

	saved := "not saved"
	if res.Saved {
		saved = res.Key
	}
	fmt.Fprintf(w, "snapshot\t%s\n", saved)
	fmt.Fprintf(w, "currency\t%s\n", s.Currency)
	fmt.Fprintf(w, "method\t%s\n", s.Method)
	fmt.Fprintf(w, "underlying\t%s\n", humanize.CommafWithDigits(s.UnderlyingPrice, 2))
	fmt.Fprintf(w, "dvol\t%s\n", formatValue(s.DVOL))
	fmt.Fprintf(w, "quotes\t%d fetched, %d failed, %d retained\n", res.Fetched, res.Failed, res.Cleaning.Filter.Retained)
	fmt.Fprintf(w, "parity\t%d matched, %d above %.2f\n", res.Cleaning.Parity.Matched, len(res.Cleaning.Parity.Violations), res.Cleaning.Parity.Tolerance)
	fmt.Fprintf(w, "greeks\t%d surface, %d mark fallback\n", res.Greeks.Computed, res.Greeks.Fallbacks)
	fmt.Fprintf(w, "cells\t%d / %d\n", s.Metrics.ValidCells, s.Metrics.TotalCells)
	for _, f := range s.Metrics.Fields() {
		fmt.Fprintf(w, "%s\t%s\n", f.Name, formatValue(f.Value))
	}
}

func formatValue(v volsurface.Value) string {
	if !v.Valid() {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v.Float())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// outPath maps a --csv flag to a file: "-" is stdout, anything else a directory
func outPath(flag, name string) string {
	if flag == "-" {
		return ""
	}
	return filepath.Join(flag, name+".csv")
}
