// Package format renders numbers for terminal output.
package format

import (
	"fmt"
	"strconv"
)

var units = []struct {
	size   uint64
	suffix string
}{
	{1_000_000_000_000, "T"},
	{1_000_000_000, "B"},
	{1_000_000, "M"},
	{1_000, "K"},
}

// HumanNumber abbreviates n with a K, M, B or T suffix, keeping three
// significant digits at most.
func HumanNumber(n uint64) string {
	for _, u := range units {
		if n >= u.size {
			return decimalPlace(float64(n)/float64(u.size)) + u.suffix
		}
	}
	return strconv.FormatUint(n, 10)
}

func decimalPlace(f float64) string {
	switch {
	case f >= 100:
		return fmt.Sprintf("%.0f", f)
	case f >= 10:
		return fmt.Sprintf("%.1f", f)
	default:
		return fmt.Sprintf("%.2f", f)
	}
}
