package utils

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  time.Time
		err   bool
	}{
		{name: "rfc3339", value: "2024-05-01T10:00:00Z", want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "nanos", value: "2024-05-01T10:00:00.123Z", want: time.Date(2024, 5, 1, 10, 0, 0, 123000000, time.UTC)},
		{name: "unix millis", value: "1714557600000", want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "empty", value: "", err: true},
		{name: "garbage", value: "yesterday", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTimestamp(tc.value)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error for %q", tc.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo world", 5); got != "héllo" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Fatalf("unexpected truncation %q", got)
	}
}
