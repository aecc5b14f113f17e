package sample

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a raw score dump.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size is the width of one element in bytes.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(s) {
	case "F32":
		return F32, nil
	case "F16":
		return F16, nil
	case "BF16":
		return BF16, nil
	default:
		return 0, fmt.Errorf("unknown data type: %s", s)
	}
}

// ReadScores reads little-endian score rows of the given width until r is
// exhausted. A trailing partial row is an error.
func ReadScores(r io.Reader, dtype DType, width int) ([][]float32, error) {
	if width <= 0 {
		return nil, fmt.Errorf("invalid row width %d", width)
	}

	var rows [][]float32
	buf := make([]byte, width*dtype.Size())
	for {
		if _, err := io.ReadFull(r, buf); errors.Is(err, io.EOF) {
			return rows, nil
		} else if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(rows), err)
		}

		row, err := decodeRow(buf, dtype)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func decodeRow(buf []byte, dtype DType) ([]float32, error) {
	switch dtype {
	case F32:
		f32s := make([]float32, len(buf)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return f32s, nil
	case F16:
		f32s := make([]float32, len(buf)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
		return f32s, nil
	case BF16:
		return bfloat16.DecodeFloat32(buf), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}

// WriteScores is the inverse of ReadScores.
func WriteScores(w io.Writer, dtype DType, rows [][]float32) error {
	for _, row := range rows {
		var err error
		switch dtype {
		case F32:
			err = binary.Write(w, binary.LittleEndian, row)
		case F16:
			u16s := make([]uint16, len(row))
			for i := range row {
				u16s[i] = float16.Fromfloat32(row[i]).Bits()
			}
			err = binary.Write(w, binary.LittleEndian, u16s)
		case BF16:
			_, err = w.Write(bfloat16.EncodeFloat32(row))
		default:
			err = fmt.Errorf("unknown data type: %s", dtype)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
