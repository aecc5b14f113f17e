package logutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
)

const LevelTrace slog.Level = -8

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				switch attr.Value.Any().(slog.Level) {
				case LevelTrace:
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// Trace logs at TRACE level to the default logger.
func Trace(msg string, args ...any) {
	traceTo(slog.Default(), msg, args...)
}

// TraceTo logs at TRACE level to logger, attributing the record to the
// caller.
func TraceTo(logger *slog.Logger, msg string, args ...any) {
	traceTo(logger, msg, args...)
}

func traceTo(logger *slog.Logger, msg string, args ...any) {
	ctx := context.TODO()
	if logger.Enabled(ctx, LevelTrace) {
		pc, _, _, _ := runtime.Caller(2)
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}

// Bits renders a bit set as a list of set indices, truncated to Limit
// entries. Nothing is formatted unless the record is actually emitted.
type Bits struct {
	Set   *bitset.BitSet
	Limit int
}

func (b Bits) LogValue() slog.Value {
	if b.Set == nil {
		return slog.StringValue("[]")
	}

	limit := b.Limit
	if limit <= 0 {
		limit = 32
	}

	var sb strings.Builder
	sb.WriteByte('[')
	n := 0
	for i, ok := b.Set.NextSet(0); ok; i, ok = b.Set.NextSet(i + 1) {
		if n == limit {
			fmt.Fprintf(&sb, " ...+%d", b.Set.Count()-uint(n))
			break
		}
		if n > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprint(&sb, i)
		n++
	}
	sb.WriteByte(']')
	return slog.StringValue(sb.String())
}
