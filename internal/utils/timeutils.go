package utils

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTimestamp accepts RFC3339 (with or without fractional seconds) or unix
// milliseconds, as emitted by the upstream log stream and control plane.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parse time %q: unsupported format", value)
}

// TimestampOr parses value and falls back to def when it cannot be parsed.
func TimestampOr(value string, def time.Time) time.Time {
	t, err := ParseTimestamp(value)
	if err != nil {
		return def
	}
	return t
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
