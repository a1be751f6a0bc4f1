// Package timeutil handles the timestamp format used by Open311 endpoints:
// second-precision ISO-8601 in UTC with a literal trailing Z.
package timeutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrParseTime is returned when an upstream timestamp cannot be parsed.
var ErrParseTime = errors.New("timeutil: unparseable timestamp")

// Parse accepts an ISO-8601 timestamp, treating a trailing "Z" as +00:00 and
// a missing offset as UTC, and normalizes the result to UTC.
func Parse(s string) (time.Time, error) {
	v := s
	if strings.HasSuffix(v, "Z") {
		v = strings.TrimSuffix(v, "Z") + "+00:00"
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	// Some endpoints omit the offset entirely.
	if t, err := time.Parse("2006-01-02T15:04:05", v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrParseTime, s)
}

// Format renders t as second-precision UTC with a trailing Z,
// e.g. "2024-01-02T03:04:05Z". Format and Parse are inverses on
// second-precision UTC instants.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05") + "Z"
}
