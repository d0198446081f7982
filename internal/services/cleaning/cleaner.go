package cleaning

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"volsurface/internal/domain/option"
	"volsurface/internal/metrics"
	"volsurface/pkg/logger"
)

// Reason is why a quote was excluded
type Reason string

const (
	ReasonInvalidContract Reason = "invalid_contract"
	ReasonMissingIV       Reason = "missing_iv"
	ReasonNonPositiveIV   Reason = "non_positive_iv"
	ReasonExpired         Reason = "expired"
	ReasonTTEBelowFloor   Reason = "tte_below_floor"
	ReasonMoneyness       Reason = "moneyness_out_of_band"
)

// percentThreshold: IVs above this are assumed to be quoted in percent
const percentThreshold = 10.0

// Options is the active filter predicate
type Options struct {
	MinTTEDays      float64
	MoneynessMin    float64
	MoneynessMax    float64
	ParityTolerance float64
	// MaxParityReport caps how many violations are logged
	MaxParityReport int
}

// DefaultOptions: 1 day TTE floor, moneyness 0.7-1.3, parity tolerance 5 vol points
func DefaultOptions() Options {
	return Options{
		MinTTEDays:      1,
		MoneynessMin:    0.7,
		MoneynessMax:    1.3,
		ParityTolerance: 0.05,
		MaxParityReport: 10,
	}
}

// FilterReport counts quotes per exclusion reason
type FilterReport struct {
	Input            int
	Retained         int
	Excluded         map[Reason]int
	PercentConverted bool
}

// TotalExcluded sums all exclusion reasons
func (r FilterReport) TotalExcluded() int {
	n := 0
	for _, c := range r.Excluded {
		n += c
	}
	return n
}

// Report bundles everything a cleaning pass observed
type Report struct {
	Filter  FilterReport
	Parity  ParityReport
	Summary Summary
}

// Service cleans raw quotes into a CleanedDataset
type Service struct {
	opts Options
	log  *logger.Logger
}

// NewService creates a new cleaning service
func NewService(opts Options, log *logger.Logger) *Service {
	return &Service{
		opts: opts,
		log:  log.Component("cleaner"),
	}
}

// Clean filters quotes, then logs the parity check and a data summary.
// Failing quotes are excluded, never errored; an empty result is the caller's to reject.
func (s *Service) Clean(currency string, spot float64, asOf time.Time, quotes []option.Quote) (*option.CleanedDataset, Report) {
	ds, fr := Filter(currency, spot, asOf, quotes, s.opts)

	for reason, n := range fr.Excluded {
		metrics.QuotesExcluded.WithLabelValues(string(reason)).Add(float64(n))
	}
	metrics.QuotesRetained.WithLabelValues(currency).Set(float64(fr.Retained))

	s.log.Infow("Filtered option quotes",
		"currency", currency,
		"input", fr.Input,
		"retained", fr.Retained,
		"excluded", fr.Excluded,
		"percent_converted", fr.PercentConverted,
	)

	calls, puts := SeparateByType(ds)
	pr := CheckParity(calls, puts, s.opts.ParityTolerance)
	metrics.ParityViolations.WithLabelValues(currency).Set(float64(len(pr.Violations)))
	if len(pr.Violations) > 0 {
		s.log.Warnw("Call/put IV parity violations",
			"currency", currency,
			"matched_pairs", pr.Matched,
			"violations", len(pr.Violations),
			"tolerance", pr.Tolerance,
			"max_diff", pr.MaxDiff,
		)
		for _, v := range pr.Top(s.opts.MaxParityReport) {
			s.log.Debugw("Parity violation",
				"strike", v.Strike,
				"expiration", v.Expiration.Format("2006-01-02"),
				"call_iv", v.CallIV,
				"put_iv", v.PutIV,
				"diff", v.Diff,
			)
		}
	}

	sum := Summarize(ds)
	if !ds.Empty() {
		s.log.Infow("Cleaned dataset summary",
			"currency", currency,
			"calls", sum.Calls,
			"puts", sum.Puts,
			"strikes", sum.Strikes,
			"expirations", sum.Expirations,
			"tte_days", [2]float64{sum.TTEDaysMin, sum.TTEDaysMax},
			"strike_range", [2]float64{sum.StrikeMin, sum.StrikeMax},
			"iv_range", [2]float64{sum.IVMin, sum.IVMax},
		)
	}

	return ds, Report{Filter: fr, Parity: pr, Summary: sum}
}

// Filter keeps quotes with a positive IV, TTE at or above the floor and moneyness inside the band.
// Percent-quoted IVs are converted to decimals first. Input order is kept within calls and puts.
func Filter(currency string, spot float64, asOf time.Time, quotes []option.Quote, opts Options) (*option.CleanedDataset, FilterReport) {
	report := FilterReport{
		Input:    len(quotes),
		Excluded: make(map[Reason]int),
	}
	ds := &option.CleanedDataset{
		Currency: currency,
		AsOf:     asOf,
		Spot:     spot,
	}

	scale := 1.0
	if maxIV := maxFiniteIV(quotes); maxIV > percentThreshold {
		scale = 0.01
		report.PercentConverted = true
	}

	for _, q := range quotes {
		if q.UnderlyingPrice <= 0 || math.IsNaN(q.UnderlyingPrice) {
			q.UnderlyingPrice = spot
		}
		if !q.Type.Valid() || q.Strike <= 0 || q.UnderlyingPrice <= 0 {
			report.Excluded[ReasonInvalidContract]++
			continue
		}
		if !q.HasIV() {
			report.Excluded[ReasonMissingIV]++
			continue
		}

		q.MarkIV *= scale
		q.BidIV *= scale
		q.AskIV *= scale

		if q.MarkIV <= 0 {
			report.Excluded[ReasonNonPositiveIV]++
			continue
		}
		if q.TTEDays(asOf) <= 0 {
			report.Excluded[ReasonExpired]++
			continue
		}
		if q.TTEDays(asOf) < opts.MinTTEDays {
			report.Excluded[ReasonTTEBelowFloor]++
			continue
		}
		if m := q.Moneyness(); m < opts.MoneynessMin || m > opts.MoneynessMax {
			report.Excluded[ReasonMoneyness]++
			continue
		}

		if q.Type == option.Put {
			ds.Puts = append(ds.Puts, q)
		} else {
			ds.Calls = append(ds.Calls, q)
		}
	}

	report.Retained = ds.Len()
	return ds, report
}

func maxFiniteIV(quotes []option.Quote) float64 {
	m := math.Inf(-1)
	for _, q := range quotes {
		if q.HasIV() && q.MarkIV > m {
			m = q.MarkIV
		}
	}
	return m
}

// SeparateByType partitions the dataset into calls and puts without reordering
func SeparateByType(ds *option.CleanedDataset) (calls, puts []option.Quote) {
	if ds == nil {
		return nil, nil
	}
	for _, q := range ds.All() {
		switch q.Type {
		case option.Call:
			calls = append(calls, q)
		case option.Put:
			puts = append(puts, q)
		}
	}
	return calls, puts
}

// ParityPair is a call and put sharing strike and expiration
type ParityPair struct {
	Strike     float64
	Expiration time.Time
	CallIV     float64
	PutIV      float64
	Diff       float64
}

// ParityReport is advisory; violations are sorted by Diff descending
type ParityReport struct {
	Tolerance   float64
	Matched     int
	Violations  []ParityPair
	MaxDiff     float64
	MeanAbsDiff float64
}

// Top returns at most n violations
func (r ParityReport) Top(n int) []ParityPair {
	if n <= 0 || n >= len(r.Violations) {
		return r.Violations
	}
	return r.Violations[:n]
}

type contractKey struct {
	strike     float64
	expiration int64
}

// CheckParity compares call and put IVs at matched (strike, expiration).
// Under put-call parity both should carry the same IV; differences above tolerance are reported.
func CheckParity(calls, puts []option.Quote, tolerance float64) ParityReport {
	report := ParityReport{Tolerance: tolerance}

	putIV := make(map[contractKey]float64, len(puts))
	for _, p := range puts {
		putIV[contractKey{p.Strike, p.Expiration.Unix()}] = p.MarkIV
	}

	var diffs []float64
	for _, c := range calls {
		piv, ok := putIV[contractKey{c.Strike, c.Expiration.Unix()}]
		if !ok {
			continue
		}
		d := math.Abs(c.MarkIV - piv)
		diffs = append(diffs, d)
		if d > tolerance {
			report.Violations = append(report.Violations, ParityPair{
				Strike:     c.Strike,
				Expiration: c.Expiration,
				CallIV:     c.MarkIV,
				PutIV:      piv,
				Diff:       d,
			})
		}
	}

	report.Matched = len(diffs)
	if len(diffs) > 0 {
		report.MaxDiff = floats.Max(diffs)
		report.MeanAbsDiff = floats.Sum(diffs) / float64(len(diffs))
	}

	sort.SliceStable(report.Violations, func(i, j int) bool {
		return report.Violations[i].Diff > report.Violations[j].Diff
	})
	return report
}

// Summary describes a cleaned dataset
type Summary struct {
	Total       int
	Calls       int
	Puts        int
	Strikes     int
	Expirations int
	TTEDaysMin  float64
	TTEDaysMax  float64
	StrikeMin   float64
	StrikeMax   float64
	IVMin       float64
	IVMax       float64
}

// Summarize computes counts and ranges; ranges are zero for an empty dataset
func Summarize(ds *option.CleanedDataset) Summary {
	if ds.Empty() {
		return Summary{}
	}

	all := ds.All()
	strikes := make(map[float64]struct{})
	expirations := make(map[int64]struct{})
	ttes := make([]float64, 0, len(all))
	ks := make([]float64, 0, len(all))
	ivs := make([]float64, 0, len(all))

	for _, q := range all {
		strikes[q.Strike] = struct{}{}
		expirations[q.Expiration.Unix()] = struct{}{}
		ttes = append(ttes, q.TTEDays(ds.AsOf))
		ks = append(ks, q.Strike)
		ivs = append(ivs, q.MarkIV)
	}

	return Summary{
		Total:       len(all),
		Calls:       len(ds.Calls),
		Puts:        len(ds.Puts),
		Strikes:     len(strikes),
		Expirations: len(expirations),
		TTEDaysMin:  floats.Min(ttes),
		TTEDaysMax:  floats.Max(ttes),
		StrikeMin:   floats.Min(ks),
		StrikeMax:   floats.Max(ks),
		IVMin:       floats.Min(ivs),
		IVMax:       floats.Max(ivs),
	}
}
