package util

import (
	"strings"
	"testing"
)

func TestFormatBytesWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

func TestFormatDeltaSkipsQuietIntervals(t *testing.T) {
	prev := snapshot{opened: 3, closed: 3, sent: 100, recv: 100}

	if _, ok := formatDelta(prev, prev, 10); ok {
		t.Fatal("identical snapshots should not produce a log line")
	}

	cur := prev
	cur.opened++
	cur.failed++
	cur.sent += 10 * 2048
	line, ok := formatDelta(prev, cur, 10)
	if !ok {
		t.Fatal("expected a log line for a busy interval")
	}
	if !strings.Contains(line, " 2.0 KiB/s") {
		t.Errorf("line %q missing upload rate", line)
	}
	if !strings.Contains(line, " 1↑") || !strings.Contains(line, " 1✗") {
		t.Errorf("line %q missing tunnel counts", line)
	}
}

func TestKeyHint(t *testing.T) {
	if got := KeyHint("short"); got != "****" {
		t.Errorf("KeyHint(short) = %q", got)
	}
	if got := KeyHint("0123456789abcdef"); got != "0123…cdef" {
		t.Errorf("KeyHint = %q", got)
	}
}
