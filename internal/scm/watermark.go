package scm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// WatermarkKind discriminates the Watermark union.
type WatermarkKind string

const (
	WatermarkRevision  WatermarkKind = "revision"
	WatermarkTimestamp WatermarkKind = "timestamp"
)

// Watermark is a position in a sync stream: an integer revision for SVN, a
// timestamp for everything else.
type Watermark struct {
	Kind WatermarkKind
	Rev  int64
	TS   time.Time
}

// Revision returns a revision watermark.
func Revision(rev int64) Watermark {
	return Watermark{Kind: WatermarkRevision, Rev: rev}
}

// Timestamp returns a timestamp watermark, normalized to UTC.
func Timestamp(ts time.Time) Watermark {
	return Watermark{Kind: WatermarkTimestamp, TS: ts.UTC()}
}

// ZeroFor returns the lowest watermark of the given kind.
func ZeroFor(kind WatermarkKind) Watermark {
	if kind == WatermarkRevision {
		return Revision(0)
	}
	return Timestamp(time.Unix(0, 0))
}

// Compare returns -1, 0 or +1. Comparing different kinds panics since it is a
// programming error.
func (w Watermark) Compare(o Watermark) int {
	if w.Kind != o.Kind {
		panic(fmt.Sprintf("compare watermark %s with %s", w.Kind, o.Kind))
	}
	if w.Kind == WatermarkRevision {
		switch {
		case w.Rev < o.Rev:
			return -1
		case w.Rev > o.Rev:
			return 1
		}
		return 0
	}
	return w.TS.Compare(o.TS)
}

// After reports whether w is strictly greater than o.
func (w Watermark) After(o Watermark) bool {
	return w.Compare(o) > 0
}

// Back returns the watermark moved back by the overlap margin, clamped at
// the kind's zero value.
func (w Watermark) Back(revs int64, d time.Duration) Watermark {
	if w.Kind == WatermarkRevision {
		r := w.Rev - revs
		if r < 0 {
			r = 0
		}
		return Revision(r)
	}
	ts := w.TS.Add(-d)
	if zero := ZeroFor(WatermarkTimestamp).TS; ts.Before(zero) {
		ts = zero
	}
	return Timestamp(ts)
}

func (w Watermark) String() string {
	if w.Kind == WatermarkRevision {
		return strconv.FormatInt(w.Rev, 10)
	}
	return w.TS.Format(time.RFC3339Nano)
}

// ParseWatermark parses a revision number or an RFC 3339 timestamp.
func ParseWatermark(kind WatermarkKind, s string) (Watermark, error) {
	switch kind {
	case WatermarkRevision:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return Watermark{}, fmt.Errorf("invalid revision %q", s)
		}
		return Revision(n), nil
	case WatermarkTimestamp:
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Watermark{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return Timestamp(ts), nil
	default:
		return Watermark{}, fmt.Errorf("unknown watermark kind %q", kind)
	}
}

type watermarkJSON struct {
	Kind WatermarkKind `json:"kind"`
	Rev  *int64        `json:"rev,omitempty"`
	TS   *time.Time    `json:"ts,omitempty"`
}

// MarshalJSON encodes the union with an explicit kind tag.
func (w Watermark) MarshalJSON() ([]byte, error) {
	out := watermarkJSON{Kind: w.Kind}
	switch w.Kind {
	case WatermarkRevision:
		rev := w.Rev
		out.Rev = &rev
	case WatermarkTimestamp:
		ts := w.TS
		out.TS = &ts
	default:
		return nil, fmt.Errorf("marshal watermark: unknown kind %q", w.Kind)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged watermark.
func (w *Watermark) UnmarshalJSON(data []byte) error {
	var in watermarkJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case WatermarkRevision:
		if in.Rev == nil {
			return fmt.Errorf("revision watermark without rev")
		}
		*w = Revision(*in.Rev)
	case WatermarkTimestamp:
		if in.TS == nil {
			return fmt.Errorf("timestamp watermark without ts")
		}
		*w = Timestamp(*in.TS)
	default:
		return fmt.Errorf("unknown watermark kind %q", in.Kind)
	}
	return nil
}
