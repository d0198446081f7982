package volsurface

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"volsurface/internal/domain/option"
	"volsurface/pkg/errors"
)

// KeyLayout formats the timestamp part of a snapshot key
const KeyLayout = "20060102_150405"

// recordVersion is bumped whenever the metadata layout changes incompatibly
const recordVersion = 1

// Snapshot is one persisted capture of a built surface. Never mutated after creation.
type Snapshot struct {
	BuildID         string
	Timestamp       time.Time
	Currency        string
	UnderlyingPrice float64
	DVOL            Value
	Method          Method
	Mesh            *Mesh
	Metrics         Metrics

	// Raw is the cleaned quote table, present only when raw retention was requested
	Raw *option.CleanedDataset
}

// NewSnapshot stamps a new snapshot with a build id and a UTC timestamp
func NewSnapshot(ts time.Time, currency string, price float64, dvol Value, mesh *Mesh, metrics Metrics) *Snapshot {
	s := &Snapshot{
		BuildID:         uuid.NewString(),
		Timestamp:       ts.UTC().Round(0),
		Currency:        strings.ToUpper(currency),
		UnderlyingPrice: price,
		DVOL:            dvol,
		Mesh:            mesh,
		Metrics:         metrics,
	}
	if mesh != nil {
		s.Method = mesh.Method
	}
	return s
}

// Key is the natural (currency, timestamp) identifier, e.g. BTC_20250314_123000
func (s *Snapshot) Key() string {
	return Key(s.Currency, s.Timestamp)
}

// Key formats a natural snapshot key
func Key(currency string, ts time.Time) string {
	return fmt.Sprintf("%s_%s", strings.ToUpper(currency), ts.UTC().Format(KeyLayout))
}

// ParseKey splits a snapshot key into currency and timestamp
func ParseKey(key string) (string, time.Time, error) {
	idx := strings.Index(key, "_")
	if idx <= 0 {
		return "", time.Time{}, errors.Wrapf(errors.ErrInvalidInput, "malformed snapshot key %q", key)
	}
	ts, err := time.Parse(KeyLayout, key[idx+1:])
	if err != nil {
		return "", time.Time{}, errors.Wrapf(errors.ErrInvalidInput, "malformed snapshot key %q", key)
	}
	return key[:idx], ts, nil
}

// HasRaw reports whether raw quotes are attached
func (s *Snapshot) HasRaw() bool {
	return s.Raw != nil
}

type record struct {
	Version         int       `json:"version"`
	BuildID         string    `json:"build_id"`
	Timestamp       time.Time `json:"timestamp"`
	Currency        string    `json:"currency"`
	UnderlyingPrice float64   `json:"underlying_price"`
	DVOL            Value     `json:"dvol"`
	Method          Method    `json:"method"`
	Mesh            *Mesh     `json:"mesh"`
	Metrics         Metrics   `json:"metrics"`
	HasRaw          bool      `json:"has_raw"`
}

// ToRecord encodes the snapshot as JSON metadata plus, when raw quotes are attached,
// a binary raw payload. raw is nil otherwise.
func (s *Snapshot) ToRecord() (meta []byte, raw []byte, err error) {
	if s.Mesh == nil {
		return nil, nil, errors.Wrap(errors.ErrInvalidInput, "snapshot has no mesh")
	}

	rec := record{
		Version:         recordVersion,
		BuildID:         s.BuildID,
		Timestamp:       s.Timestamp,
		Currency:        s.Currency,
		UnderlyingPrice: s.UnderlyingPrice,
		DVOL:            s.DVOL,
		Method:          s.Method,
		Mesh:            s.Mesh,
		Metrics:         s.Metrics,
		HasRaw:          s.Raw != nil,
	}

	meta, err = json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode snapshot metadata")
	}

	if s.Raw != nil {
		raw, err = option.MarshalPayload(s.Raw)
		if err != nil {
			return nil, nil, errors.Wrap(err, "encode raw quotes")
		}
	}

	return meta, raw, nil
}

// FromRecord rebuilds a snapshot from ToRecord output; raw may be nil
func FromRecord(meta []byte, raw []byte) (*Snapshot, error) {
	var rec record
	if err := json.Unmarshal(meta, &rec); err != nil {
		return nil, errors.Wrapf(errors.ErrStoreRead, "decode snapshot metadata: %v", err)
	}
	if rec.Version != recordVersion {
		return nil, errors.Wrapf(errors.ErrStoreRead, "unsupported snapshot version %d", rec.Version)
	}
	if rec.Mesh == nil {
		return nil, errors.Wrap(errors.ErrStoreRead, "snapshot has no mesh")
	}
	if err := rec.Mesh.Validate(); err != nil {
		return nil, errors.Wrapf(errors.ErrStoreRead, "invalid mesh: %v", err)
	}

	s := &Snapshot{
		BuildID:         rec.BuildID,
		Timestamp:       rec.Timestamp.UTC(),
		Currency:        rec.Currency,
		UnderlyingPrice: rec.UnderlyingPrice,
		DVOL:            rec.DVOL,
		Method:          rec.Method,
		Mesh:            rec.Mesh,
		Metrics:         rec.Metrics,
	}

	if len(raw) > 0 {
		ds, err := option.UnmarshalPayload(raw)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrStoreRead, "decode raw quotes: %v", err)
		}
		s.Raw = ds
	}

	return s, nil
}
