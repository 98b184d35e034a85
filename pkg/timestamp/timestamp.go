// Package timestamp canonicalizes the timestamps read from the source tree,
// the metadata table and configuration so they can be compared exactly.
//
// A normalized timestamp is a time.Time in UTC with zero sub-second part.
// Values carrying an offset are converted to UTC; values without one are
// taken as UTC wall-clock readings.
package timestamp

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	syncerrors "github.com/yuya-takeyama/strict-catalog-sync/pkg/errors"
)

// Layout is the textual form used when a normalized timestamp is written to
// a table or a staged file.
const Layout = "2006-01-02 15:04:05"

// layouts are tried in order when parsing strings. Layouts with a zone come
// first so an explicit offset is never dropped.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Normalize returns v as a UTC time truncated to whole seconds.
// It accepts time.Time, *time.Time, civil.DateTime, string and int64
// (Unix seconds). Normalize(Normalize(v)) == Normalize(v).
func Normalize(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return fromTime(t), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, &syncerrors.TimestampError{Value: "<nil>"}
		}
		return fromTime(*t), nil
	case civil.DateTime:
		if !t.IsValid() {
			return time.Time{}, &syncerrors.TimestampError{Value: t.String()}
		}
		return fromTime(t.In(time.UTC)), nil
	case string:
		return Parse(t)
	case int64:
		return fromTime(time.Unix(t, 0)), nil
	default:
		return time.Time{}, &syncerrors.TimestampError{Value: fmt.Sprintf("%v (%T)", v, v)}
	}
}

// MustNormalize is Normalize for values known to be valid, such as
// test fixtures and time.Time values. It panics on error.
func MustNormalize(v any) time.Time {
	t, err := Normalize(v)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse normalizes a textual timestamp.
func Parse(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, &syncerrors.TimestampError{Value: s}
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, trimmed)
		if err == nil {
			return fromTime(t), nil
		}
		lastErr = err
	}
	return time.Time{}, &syncerrors.TimestampError{Value: s, Err: lastErr}
}

// Format renders a normalized timestamp in Layout.
func Format(t time.Time) string {
	return fromTime(t).Format(Layout)
}

// Civil converts a normalized timestamp to a civil.DateTime for DATETIME columns.
func Civil(t time.Time) civil.DateTime {
	return civil.DateTimeOf(fromTime(t))
}

// Equal reports whether a and b denote the same normalized instant.
func Equal(a, b time.Time) bool {
	return fromTime(a).Equal(fromTime(b))
}

func fromTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
