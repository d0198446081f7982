package option

import (
	"math"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"volsurface/pkg/errors"
)

// Raw payload layout: zstd frame holding a protobuf-wire message.
//
//	dataset: 1 version, 2 currency, 3 as_of (unix nanos), 4 spot, 5 quote (repeated), 6 derived (repeated)
//	quote:   1 instrument, 2 strike, 3 expiration, 4 type, 5 mark_iv, 6 bid_iv, 7 ask_iv,
//	         8 underlying, 9-13 delta/gamma/theta/vega/rho, 14 volume, 15 open_interest
//	derived: 1 instrument, 2 smoothed_iv, 3-7 bs delta/gamma/theta/vega/rho
//
// Floats are stored as fixed64 bit patterns so NaN and -0 survive.
const payloadVersion = 1

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// MarshalPayload encodes the dataset as the binary raw-quote payload
func MarshalPayload(d *CleanedDataset) ([]byte, error) {
	if d == nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, "nil dataset")
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, payloadVersion)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, d.Currency)
	b = appendInt64(b, 3, d.AsOf.UnixNano())
	b = appendDouble(b, 4, d.Spot)

	for _, q := range d.All() {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalQuote(q))
	}

	names := make([]string, 0, len(d.Derived))
	for name := range d.Derived {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDerived(name, d.Derived[name]))
	}

	return encoder.EncodeAll(b, nil), nil
}

// UnmarshalPayload decodes a payload produced by MarshalPayload
func UnmarshalPayload(data []byte) (*CleanedDataset, error) {
	b, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompress raw payload")
	}

	d := &CleanedDataset{}
	version := uint64(0)
	err = consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			version = x
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			d.Currency = s
			return n, nil
		case num == 3 && typ == protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(v)
			d.AsOf = time.Unix(0, int64(x)).UTC()
			return n, nil
		case num == 4 && typ == protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(v)
			d.Spot = math.Float64frombits(x)
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			q, err := unmarshalQuote(msg)
			if err != nil {
				return 0, err
			}
			if q.Type == Put {
				d.Puts = append(d.Puts, q)
			} else {
				d.Calls = append(d.Calls, q)
			}
			return n, nil
		case num == 6 && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			name, derived, err := unmarshalDerived(msg)
			if err != nil {
				return 0, err
			}
			if d.Derived == nil {
				d.Derived = make(map[string]Derived)
			}
			d.Derived[name] = derived
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode raw payload")
	}
	if version != payloadVersion {
		return nil, errors.Newf("unsupported raw payload version %d", version)
	}

	return d, nil
}

func marshalQuote(q Quote) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, q.Instrument)
	b = appendDouble(b, 2, q.Strike)
	b = appendInt64(b, 3, q.Expiration.UnixNano())
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, string(q.Type))
	b = appendDouble(b, 5, q.MarkIV)
	b = appendDouble(b, 6, q.BidIV)
	b = appendDouble(b, 7, q.AskIV)
	b = appendDouble(b, 8, q.UnderlyingPrice)
	b = appendGreeks(b, 9, q.Greeks)
	b = appendDouble(b, 14, q.Volume)
	b = appendDouble(b, 15, q.OpenInterest)
	return b
}

func unmarshalQuote(b []byte) (Quote, error) {
	var q Quote
	doubles := map[protowire.Number]*float64{
		2: &q.Strike, 5: &q.MarkIV, 6: &q.BidIV, 7: &q.AskIV, 8: &q.UnderlyingPrice,
		9: &q.Greeks.Delta, 10: &q.Greeks.Gamma, 11: &q.Greeks.Theta, 12: &q.Greeks.Vega, 13: &q.Greeks.Rho,
		14: &q.Volume, 15: &q.OpenInterest,
	}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if dst, ok := doubles[num]; ok && typ == protowire.Fixed64Type {
			x, n := protowire.ConsumeFixed64(v)
			*dst = math.Float64frombits(x)
			return n, nil
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			q.Instrument = s
			return n, nil
		case num == 3 && typ == protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(v)
			q.Expiration = time.Unix(0, int64(x)).UTC()
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			q.Type = Type(s)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return q, err
}

func marshalDerived(name string, d Derived) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = appendDouble(b, 2, d.SmoothedIV)
	return appendGreeks(b, 3, d.BS)
}

func unmarshalDerived(b []byte) (string, Derived, error) {
	var (
		name string
		d    Derived
	)
	doubles := map[protowire.Number]*float64{
		2: &d.SmoothedIV, 3: &d.BS.Delta, 4: &d.BS.Gamma, 5: &d.BS.Theta, 6: &d.BS.Vega, 7: &d.BS.Rho,
	}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if dst, ok := doubles[num]; ok && typ == protowire.Fixed64Type {
			x, n := protowire.ConsumeFixed64(v)
			*dst = math.Float64frombits(x)
			return n, nil
		}
		if num == 1 && typ == protowire.BytesType {
			s, n := protowire.ConsumeString(v)
			name = s
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return name, d, err
}

// consumeFields walks a wire message; fn returns the bytes it consumed (negative on malformed input)
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, uint64(v))
}

func appendGreeks(b []byte, first protowire.Number, g Greeks) []byte {
	b = appendDouble(b, first, g.Delta)
	b = appendDouble(b, first+1, g.Gamma)
	b = appendDouble(b, first+2, g.Theta)
	b = appendDouble(b, first+3, g.Vega)
	return appendDouble(b, first+4, g.Rho)
}
