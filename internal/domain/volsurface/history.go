package volsurface

import (
	"sort"
	"time"
)

// SortByTime orders snapshots by timestamp ascending, stable for equal timestamps
func SortByTime(snapshots []*Snapshot) {
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})
}

// Nearest returns the snapshot closest to target; ties go to the earlier one.
// Returns nil for an empty slice.
func Nearest(snapshots []*Snapshot, target time.Time) *Snapshot {
	var (
		best     *Snapshot
		bestDist time.Duration
	)
	for _, s := range snapshots {
		d := s.Timestamp.Sub(target)
		if d < 0 {
			d = -d
		}
		if best == nil || d < bestDist || (d == bestDist && s.Timestamp.Before(best.Timestamp)) {
			best, bestDist = s, d
		}
	}
	return best
}

// TimeseriesRow is the metrics of one snapshot
type TimeseriesRow struct {
	Timestamp       time.Time `json:"timestamp"`
	Currency        string    `json:"currency"`
	BuildID         string    `json:"build_id"`
	UnderlyingPrice float64   `json:"underlying_price"`
	DVOL            Value     `json:"dvol"`
	Method          Method    `json:"method"`
	Metrics         Metrics   `json:"metrics"`
}

// Timeseries projects snapshots into metric rows, keeping their order
func Timeseries(snapshots []*Snapshot) []TimeseriesRow {
	rows := make([]TimeseriesRow, 0, len(snapshots))
	for _, s := range snapshots {
		rows = append(rows, TimeseriesRow{
			Timestamp:       s.Timestamp,
			Currency:        s.Currency,
			BuildID:         s.BuildID,
			UnderlyingPrice: s.UnderlyingPrice,
			DVOL:            s.DVOL,
			Method:          s.Method,
			Metrics:         s.Metrics,
		})
	}
	return rows
}

// EventWindow selects rows within [event - daysBefore, event + daysAfter], bounds inclusive
func EventWindow(rows []TimeseriesRow, event time.Time, daysBefore, daysAfter int) []TimeseriesRow {
	from := event.Add(-time.Duration(daysBefore) * 24 * time.Hour)
	to := event.Add(time.Duration(daysAfter) * 24 * time.Hour)

	var out []TimeseriesRow
	for _, r := range rows {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// EventStudy is the metrics window around an event plus the surfaces either side of it
type EventStudy struct {
	Event  time.Time       `json:"event"`
	Window []TimeseriesRow `json:"window"`
	Before *Snapshot       `json:"-"`
	After  *Snapshot       `json:"-"`
}

// SplitAround returns the last snapshot at or before event and the first one after it.
// Input must be sorted ascending.
func SplitAround(snapshots []*Snapshot, event time.Time) (before, after *Snapshot) {
	for _, s := range snapshots {
		if !s.Timestamp.After(event) {
			before = s
			continue
		}
		after = s
		break
	}
	return before, after
}

// NewEventStudy assembles an event study from sorted snapshots
func NewEventStudy(snapshots []*Snapshot, event time.Time, daysBefore, daysAfter int) *EventStudy {
	before, after := SplitAround(snapshots, event)
	return &EventStudy{
		Event:  event,
		Window: EventWindow(Timeseries(snapshots), event, daysBefore, daysAfter),
		Before: before,
		After:  after,
	}
}

// Comparison diffs the surfaces either side of the event; nil when one side is missing
func (e *EventStudy) Comparison() (*Comparison, error) {
	if e.Before == nil || e.After == nil {
		return nil, nil
	}
	return Compare(e.Before, e.After)
}
