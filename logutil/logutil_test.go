package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/bits-and-blooms/bitset"
)

func TestTraceTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)

	TraceTo(logger, "step", "accepted", Bits{Set: bitset.New(8).Set(1).Set(5)})

	out := buf.String()
	for _, want := range []string{"level=TRACE", "msg=step", `accepted="[1 5]"`, "source=logutil_test.go:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(NewLogger(&buf, LevelTrace))

	Trace("built", "nodes", 3)

	out := buf.String()
	for _, want := range []string{"level=TRACE", "msg=built", "nodes=3", "source=logutil_test.go:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}

	buf.Reset()
	slog.SetDefault(NewLogger(&buf, slog.LevelInfo))
	Trace("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestTraceToDisabled(t *testing.T) {
	var buf bytes.Buffer
	TraceTo(NewLogger(&buf, slog.LevelDebug), "hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestBits(t *testing.T) {
	cases := []struct {
		name string
		bits Bits
		want string
	}{
		{"nil", Bits{}, "[]"},
		{"empty", Bits{Set: bitset.New(4)}, "[]"},
		{"some", Bits{Set: bitset.New(16).Set(0).Set(9)}, "[0 9]"},
		{"truncated", Bits{Set: bitset.New(16).Set(1).Set(2).Set(3).Set(4), Limit: 2}, "[1 2 ...+2]"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.bits.LogValue().String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
