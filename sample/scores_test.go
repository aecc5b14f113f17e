package sample

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestScoresRoundTrip(t *testing.T) {
	// exactly representable in every type
	rows := [][]float32{
		{0, 1.5, -3, 0.25},
		{1024, -0.5, 2, float32(math.Inf(-1))},
	}

	for _, dtype := range []DType{F32, F16, BF16} {
		t.Run(dtype.String(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteScores(&buf, dtype, rows); err != nil {
				t.Fatal(err)
			}
			if buf.Len() != 8*dtype.Size() {
				t.Fatalf("wrote %d bytes, want %d", buf.Len(), 8*dtype.Size())
			}

			got, err := ReadScores(&buf, dtype, 4)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(rows, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteScoresBF16(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteScores(&buf, BF16, [][]float32{{1.5, -2}}); err != nil {
		t.Fatal(err)
	}

	// high halves of 0x3fc00000 and 0xc0000000, little-endian
	if diff := cmp.Diff([]byte{0xc0, 0x3f, 0x00, 0xc0}, buf.Bytes()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestReadScoresPartialRow(t *testing.T) {
	_, err := ReadScores(bytes.NewReader(make([]byte, 10)), F16, 4)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
	}

	if _, err := ReadScores(bytes.NewReader(nil), F32, 0); err == nil {
		t.Error("expected an error for a zero width")
	}

	rows, err := ReadScores(bytes.NewReader(nil), F32, 4)
	if err != nil || len(rows) != 0 {
		t.Errorf("empty input: %v, %v", rows, err)
	}
}

func TestParseDType(t *testing.T) {
	for in, want := range map[string]DType{"f32": F32, "F16": F16, "bf16": BF16} {
		got, err := ParseDType(in)
		if err != nil || got != want {
			t.Errorf("ParseDType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}

	if _, err := ParseDType("q4_0"); err == nil {
		t.Error("expected an error for an unknown type")
	}
}
