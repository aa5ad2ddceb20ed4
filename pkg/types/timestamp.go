package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// StorageTimeLayout is the fixed-width UTC layout instants are persisted with.
// Lexicographic order of formatted values equals chronological order.
const StorageTimeLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp is either an absolute instant or an ISO-8601 duration relative to
// the moment it is evaluated. "PT0S" means now, "P-1D" or "-P1D" one day ago.
type Timestamp struct {
	instant  time.Time
	relative *duration.Duration
	negative bool
	literal  string
}

// Now returns the relative timestamp "PT0S".
func Now() Timestamp {
	ts, _ := ParseTimestamp("PT0S")
	return ts
}

// At returns an absolute timestamp for the given instant.
func At(t time.Time) Timestamp {
	return Timestamp{instant: t.UTC()}
}

// ParseTimestamp parses an RFC 3339 instant or an ISO-8601 duration.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, fmt.Errorf("%w: empty value", ErrInvalidTimestamp)
	}

	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "P") || strings.HasPrefix(upper, "-P") {
		return parseRelative(upper)
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimestamp, s, err)
	}
	return At(t), nil
}

// MustParseTimestamp is like ParseTimestamp but panics on error.
func MustParseTimestamp(s string) Timestamp {
	ts, err := ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// parseRelative accepts a leading sign ("-P1D") or signed components
// ("P-1D", "P-1Y-2M"). Mixed signs are rejected.
func parseRelative(literal string) (Timestamp, error) {
	body := literal
	negative := false
	if strings.HasPrefix(body, "-") {
		negative = true
		body = body[1:]
	}

	if n := strings.Count(body, "-"); n > 0 {
		if negative || n != countComponents(body) {
			return Timestamp{}, fmt.Errorf("%w: %q: mixed signs", ErrInvalidTimestamp, literal)
		}
		negative = true
		body = strings.ReplaceAll(body, "-", "")
	}

	d, err := duration.Parse(body)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q: %v", ErrInvalidTimestamp, literal, err)
	}
	if d.Negative {
		negative = !negative
		d.Negative = false
	}

	return Timestamp{relative: d, negative: negative, literal: literal}, nil
}

func countComponents(body string) int {
	n := 0
	for _, r := range body {
		switch r {
		case 'Y', 'M', 'W', 'D', 'H', 'S':
			n++
		}
	}
	return n
}

// IsZero reports whether the timestamp was never set.
func (t Timestamp) IsZero() bool {
	return t.relative == nil && t.instant.IsZero()
}

// IsRelative reports whether the timestamp is a duration from now.
func (t Timestamp) IsRelative() bool {
	return t.relative != nil
}

// IsNow reports whether the timestamp denotes the evaluation instant itself.
func (t Timestamp) IsNow() bool {
	if t.relative == nil {
		return false
	}
	d := t.relative
	return d.Years == 0 && d.Months == 0 && d.Weeks == 0 && d.Days == 0 &&
		d.Hours == 0 && d.Minutes == 0 && d.Seconds == 0
}

// IsHistoric reports whether the timestamp denotes a past instant.
func (t Timestamp) IsHistoric() bool {
	return t.IsHistoricAt(time.Now())
}

// IsHistoricAt reports whether the timestamp resolves to an instant before
// now. Now itself and future instants are not historic.
func (t Timestamp) IsHistoricAt(now time.Time) bool {
	if t.IsZero() || t.IsNow() {
		return false
	}
	return t.Resolve(now).Before(now)
}

// Resolve returns the concrete instant the timestamp denotes at now.
// Calendar components are applied with AddDate so "P1M" honours month lengths.
func (t Timestamp) Resolve(now time.Time) time.Time {
	if t.relative == nil {
		return t.instant
	}

	d := t.relative
	sign := 1
	if t.negative {
		sign = -1
	}

	resolved := now.UTC().AddDate(
		sign*int(d.Years),
		sign*int(d.Months),
		sign*(int(d.Weeks)*7+int(d.Days)),
	)
	clock := time.Duration(d.Hours*float64(time.Hour)) +
		time.Duration(d.Minutes*float64(time.Minute)) +
		time.Duration(d.Seconds*float64(time.Second))
	return resolved.Add(time.Duration(sign) * clock)
}

// String returns the canonical key: RFC 3339 UTC for instants, the upper-cased
// duration literal for relative timestamps.
func (t Timestamp) String() string {
	if t.relative != nil {
		return t.literal
	}
	if t.instant.IsZero() {
		return ""
	}
	return t.instant.Format(time.RFC3339Nano)
}

// Key is an alias for String used where the value indexes a map.
func (t Timestamp) Key() string {
	return t.String()
}

// Equal reports whether both timestamps have the same canonical key.
func (t Timestamp) Equal(other Timestamp) bool {
	return t.String() == other.String()
}

// Compare orders two timestamps by the instants they resolve to at now.
func (t Timestamp) Compare(other Timestamp, now time.Time) int {
	return t.Resolve(now).Compare(other.Resolve(now))
}

// MarshalJSON encodes the canonical key.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a canonical key.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText lets timestamps be used in YAML and flag values.
func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a canonical key.
func (t *Timestamp) UnmarshalText(text []byte) error {
	parsed, err := ParseTimestamp(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimestamps parses a comma-separated list of timestamps.
func ParseTimestamps(s string) ([]Timestamp, error) {
	var out []Timestamp
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ts, err := ParseTimestamp(part)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

// FormatStorageTime formats t for persistence.
func FormatStorageTime(t time.Time) string {
	return t.UTC().Format(StorageTimeLayout)
}

// ParseStorageTime parses a persisted instant. RFC 3339 input is accepted too.
func ParseStorageTime(s string) (time.Time, error) {
	t, err := time.Parse(StorageTimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
