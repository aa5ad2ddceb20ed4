package types

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_TimestampKeys checks that canonical keys parse back to equal
// timestamps and that storage formatting preserves chronological order.
func TestProperty_TimestampKeys(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("instant keys round-trip", prop.ForAll(
		func(sec int64, nsec int64) bool {
			ts := At(time.Unix(sec, nsec))
			parsed, err := ParseTimestamp(ts.String())
			if err != nil {
				return false
			}
			return parsed.Equal(ts) && parsed.Resolve(time.Now()).Equal(ts.Resolve(time.Now()))
		},
		gen.Int64Range(0, 4102444800),
		gen.Int64Range(0, 999999999),
	))

	properties.Property("relative keys round-trip", prop.ForAll(
		func(days, hours int) bool {
			literal := fmt.Sprintf("P-%dDT-%dH", days, hours)
			ts, err := ParseTimestamp(literal)
			if err != nil {
				return false
			}
			parsed, err := ParseTimestamp(ts.String())
			if err != nil {
				return false
			}
			now := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
			want := now.AddDate(0, 0, -days).Add(-time.Duration(hours) * time.Hour)
			return parsed.Equal(ts) && parsed.Resolve(now).Equal(want)
		},
		gen.IntRange(1, 400),
		gen.IntRange(1, 23),
	))

	properties.Property("storage format sorts chronologically", prop.ForAll(
		func(a, b int64) bool {
			ta, tb := time.UnixMicro(a), time.UnixMicro(b)
			sa, sb := FormatStorageTime(ta), FormatStorageTime(tb)
			return (sa < sb) == ta.Before(tb)
		},
		gen.Int64Range(0, 4102444800000000),
		gen.Int64Range(0, 4102444800000000),
	))

	properties.TestingRun(t)
}
