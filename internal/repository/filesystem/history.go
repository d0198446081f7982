package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"volsurface/internal/domain/volsurface"
	"volsurface/internal/metrics"
	"volsurface/pkg/errors"
	"volsurface/pkg/logger"
)

const (
	metaExt   = ".json"
	rawSuffix = "_raw.bin"
)

// Compile-time check
var _ volsurface.Repository = (*History)(nil)

// History stores snapshots as {KEY}.json metadata plus an optional {KEY}_raw.bin payload.
// Files are written to a temp name and renamed, so readers never see partial records.
type History struct {
	dir        string
	persistent bool
	log        *logger.Logger
}

// Entry describes a stored snapshot without decoding it
type Entry struct {
	Key       string
	Currency  string
	Timestamp time.Time
	MetaBytes int64
	RawBytes  int64
}

// HasRaw reports whether a raw payload exists next to the metadata
func (e Entry) HasRaw() bool {
	return e.RawBytes > 0
}

// New opens a snapshot directory. With persistent=false the store is read-only
// and every Save fails with ErrPersistenceDisabled.
func New(dir string, persistent bool, log *logger.Logger) (*History, error) {
	if dir == "" {
		return nil, errors.NewValidationError("history.dir", "directory is required", dir)
	}
	if persistent {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(errors.ErrStoreWrite, "create history dir %s: %v", dir, err)
		}
	}
	return &History{dir: dir, persistent: persistent, log: log.Component("history")}, nil
}

// Dir returns the storage directory
func (h *History) Dir() string {
	return h.dir
}

// Save writes the snapshot. Raw quotes are written only when saveRaw is set and attached.
// A cancelled context writes nothing.
func (h *History) Save(ctx context.Context, s *volsurface.Snapshot, saveRaw bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil {
		return "", errors.Wrap(errors.ErrInvalidInput, "nil snapshot")
	}

	key := s.Key()
	if !h.persistent {
		h.log.Warnw("Snapshot not saved, persistence disabled", "key", key)
		metrics.RecordSnapshotSave(s.Currency, "disabled")
		return "", errors.Wrapf(errors.ErrPersistenceDisabled, "save %s", key)
	}

	rec := *s
	if !saveRaw {
		rec.Raw = nil
	}
	meta, raw, err := rec.ToRecord()
	if err != nil {
		metrics.RecordSnapshotSave(s.Currency, "error")
		return "", err
	}

	// raw first, so visible metadata always has its payload complete
	if raw != nil {
		if err := h.writeFile(key+rawSuffix, raw); err != nil {
			metrics.RecordSnapshotSave(s.Currency, "error")
			return "", err
		}
	}
	if err := h.writeFile(key+metaExt, meta); err != nil {
		if raw != nil {
			if rerr := os.Remove(filepath.Join(h.dir, key+rawSuffix)); rerr != nil && !os.IsNotExist(rerr) {
				h.log.Warnw("Failed to remove orphaned raw payload", "key", key, "error", rerr)
			}
		}
		metrics.RecordSnapshotSave(s.Currency, "error")
		return "", err
	}

	metrics.RecordSnapshotSave(s.Currency, "success")
	h.log.Infow("Saved snapshot",
		"key", key,
		"build_id", s.BuildID,
		"method", s.Method,
		"raw", raw != nil,
		"bytes", len(meta)+len(raw),
	)
	return key, nil
}

func (h *History) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(h.dir, name+".*.tmp")
	if err != nil {
		return errors.Wrapf(errors.ErrStoreWrite, "create %s: %v", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(errors.ErrStoreWrite, "write %s: %v", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(errors.ErrStoreWrite, "sync %s: %v", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(errors.ErrStoreWrite, "close %s: %v", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(h.dir, name)); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(errors.ErrStoreWrite, "rename %s: %v", name, err)
	}
	return nil
}

// List returns stored entries sorted by time without decoding them
func (h *History) List(ctx context.Context, currency string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(h.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrStoreRead, "list %s: %v", h.dir, err)
	}

	currency = strings.ToUpper(currency)
	var entries []Entry
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, metaExt) {
			continue
		}
		key := strings.TrimSuffix(name, metaExt)
		cur, ts, err := volsurface.ParseKey(key)
		if err != nil {
			continue
		}
		if currency != "" && cur != currency {
			continue
		}

		e := Entry{Key: key, Currency: cur, Timestamp: ts}
		if info, err := de.Info(); err == nil {
			e.MetaBytes = info.Size()
		}
		if info, err := os.Stat(filepath.Join(h.dir, key+rawSuffix)); err == nil {
			e.RawBytes = info.Size()
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// Load reads one snapshot by key without raw quotes. Returns nil, nil when absent.
func (h *History) Load(ctx context.Context, key string) (*volsurface.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta, err := os.ReadFile(filepath.Join(h.dir, key+metaExt))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(errors.ErrStoreRead, "read %s: %v", key, err)
	}
	return volsurface.FromRecord(meta, nil)
}

// LoadAll decodes every snapshot for the currency, sorted by time.
// Unreadable files are skipped with a warning; one bad file never fails the load.
func (h *History) LoadAll(ctx context.Context, currency string) ([]*volsurface.Snapshot, error) {
	entries, err := h.List(ctx, currency)
	if err != nil {
		return nil, err
	}

	snapshots := make([]*volsurface.Snapshot, 0, len(entries))
	for _, e := range entries {
		s, err := h.Load(ctx, e.Key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil || s == nil {
			h.log.Warnw("Skipping unreadable snapshot", "key", e.Key, "error", err)
			metrics.StoreReadFailures.Inc()
			continue
		}
		snapshots = append(snapshots, s)
	}

	volsurface.SortByTime(snapshots)
	return snapshots, nil
}

// LoadRaw attaches the raw quote table to s. Reports false when none was stored.
func (h *History) LoadRaw(ctx context.Context, s *volsurface.Snapshot) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := os.ReadFile(filepath.Join(h.dir, s.Key()+rawSuffix))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(errors.ErrStoreRead, "read raw %s: %v", s.Key(), err)
	}

	meta, err := os.ReadFile(filepath.Join(h.dir, s.Key()+metaExt))
	if err != nil {
		return false, errors.Wrapf(errors.ErrStoreRead, "read %s: %v", s.Key(), err)
	}
	full, err := volsurface.FromRecord(meta, raw)
	if err != nil {
		return false, err
	}
	s.Raw = full.Raw
	return true, nil
}

// GetByDate returns the snapshot nearest to target; ties go to the earlier one
func (h *History) GetByDate(ctx context.Context, target time.Time, currency string) (*volsurface.Snapshot, error) {
	snapshots, err := h.LoadAll(ctx, currency)
	if err != nil {
		return nil, err
	}
	return volsurface.Nearest(snapshots, target), nil
}

// MetricsTimeseries returns one metrics row per snapshot, ascending by time
func (h *History) MetricsTimeseries(ctx context.Context, currency string) ([]volsurface.TimeseriesRow, error) {
	snapshots, err := h.LoadAll(ctx, currency)
	if err != nil {
		return nil, err
	}
	return volsurface.Timeseries(snapshots), nil
}

// EventStudy loads the metrics window around event and the surfaces either side of it
func (h *History) EventStudy(ctx context.Context, currency string, event time.Time, daysBefore, daysAfter int) (*volsurface.EventStudy, error) {
	if daysBefore < 0 || daysAfter < 0 {
		return nil, errors.NewValidationError("event_study.window", "window must be non-negative", [2]int{daysBefore, daysAfter})
	}
	snapshots, err := h.LoadAll(ctx, currency)
	if err != nil {
		return nil, err
	}
	return volsurface.NewEventStudy(snapshots, event, daysBefore, daysAfter), nil
}

// Compare diffs two stored snapshots by key.
// A missing key is a lookup miss: the result is nil with no error.
func (h *History) Compare(ctx context.Context, keyA, keyB string) (*volsurface.Comparison, error) {
	a, err := h.Load(ctx, keyA)
	if err != nil || a == nil {
		return nil, err
	}
	b, err := h.Load(ctx, keyB)
	if err != nil || b == nil {
		return nil, err
	}
	return volsurface.Compare(a, b)
}

// CountByCurrency counts stored snapshots per currency from file names
func (h *History) CountByCurrency(ctx context.Context) (map[string]int, error) {
	entries, err := h.List(ctx, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Currency]++
	}
	return counts, nil
}
