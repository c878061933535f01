package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// InvalidDate is displayed for any timestamp that cannot be interpreted.
const InvalidDate = "Invalid date"

// DisplayLayout is the fixed-width YYYY-MM-DD HH:mm:ss format.
const DisplayLayout = "2006-01-02 15:04:05"

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type timestampKind int

const (
	kindAbsent timestampKind = iota
	kindText
	kindParts
	kindEpoch
	kindOther
)

// maxEpochMillis bounds epoch values to the range a browser Date accepts.
const maxEpochMillis = 8.64e15

// Timestamp is a createdAt value in whichever shape the backend produced it:
// an ISO-8601 string, a [year, month, day, hour, minute, second, nanos]
// array or a number of epoch milliseconds. The received shape is kept so it
// can be re-encoded unchanged.
type Timestamp struct {
	kind   timestampKind
	text   string
	parts  []int64
	millis int64
	raw    json.RawMessage
}

// TimestampFromString wraps a textual timestamp. An empty string is absent.
func TimestampFromString(s string) Timestamp {
	if s == "" {
		return Timestamp{}
	}
	return Timestamp{kind: kindText, text: s}
}

// TimestampFromParts wraps a positional timestamp with a 1-based month.
func TimestampFromParts(parts ...int64) Timestamp {
	cp := make([]int64, len(parts))
	copy(cp, parts)
	return Timestamp{kind: kindParts, parts: cp}
}

// TimestampFromTime renders t the way a browser's toISOString would.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{kind: kindText, text: t.UTC().Format(isoMillis)}
}

// IsZero reports whether no timestamp was supplied.
func (ts Timestamp) IsZero() bool {
	return ts.kind == kindAbsent
}

// Time interprets the timestamp in local time.
func (ts Timestamp) Time() (time.Time, bool) {
	switch ts.kind {
	case kindParts:
		return partsTime(ts.parts)
	case kindText:
		return parseText(ts.text)
	case kindEpoch:
		return time.UnixMilli(ts.millis).Local(), true
	default:
		return time.Time{}, false
	}
}

// String returns the display form, see FormatDate.
func (ts Timestamp) String() string {
	return FormatDate(ts)
}

func partsTime(p []int64) (time.Time, bool) {
	if len(p) < 3 {
		return time.Time{}, false
	}
	field := func(i int) int {
		if i < len(p) {
			return int(p[i])
		}
		return 0
	}
	// nanos (index 6) are not displayed
	t := time.Date(field(0), time.Month(field(1)), field(2), field(3), field(4), field(5), 0, time.Local)
	return t, true
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseText(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.Local(), true
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	// date-only ISO strings are UTC midnight
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Local(), true
	}
	return time.Time{}, false
}

// UnmarshalJSON implements json.Unmarshaler. It never fails: shapes it does
// not understand are retained and display as InvalidDate.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*ts = Timestamp{}

	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*ts = TimestampFromString(s)
			return nil
		}
	case '[':
		var nums []json.Number
		if err := json.Unmarshal(data, &nums); err == nil {
			parts := make([]int64, 0, len(nums))
			ok := true
			for _, n := range nums {
				v, err := n.Int64()
				if err != nil {
					f, ferr := n.Float64()
					if ferr != nil {
						ok = false
						break
					}
					v = int64(f)
				}
				parts = append(parts, v)
			}
			if ok {
				*ts = Timestamp{kind: kindParts, parts: parts}
				return nil
			}
		}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err == nil && f >= -maxEpochMillis && f <= maxEpochMillis {
			*ts = Timestamp{kind: kindEpoch, millis: int64(f), raw: append(json.RawMessage(nil), data...)}
			return nil
		}
	}

	ts.kind = kindOther
	ts.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	switch ts.kind {
	case kindText:
		return json.Marshal(ts.text)
	case kindParts:
		return json.Marshal(ts.parts)
	case kindEpoch:
		if len(ts.raw) > 0 {
			return ts.raw, nil
		}
		return json.Marshal(ts.millis)
	case kindOther:
		if json.Valid(ts.raw) {
			return ts.raw, nil
		}
		return nil, fmt.Errorf("timestamp holds invalid json")
	default:
		return []byte("null"), nil
	}
}

// FormatDate renders a timestamp as YYYY-MM-DD HH:mm:ss in local time, or
// InvalidDate when it is absent or cannot be parsed.
func FormatDate(ts Timestamp) string {
	t, ok := ts.Time()
	if !ok {
		return InvalidDate
	}
	return t.Format(DisplayLayout)
}
