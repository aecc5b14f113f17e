package automaton

import (
	"encoding/binary"
	"log/slog"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/ollama/constrain/grammar"
)

// Partial holds the leading bits of a code point whose UTF-8 encoding has
// not been fully consumed yet.
type Partial struct {
	Value     uint32
	Remaining int8
}

// Pending reports whether continuation bytes are still expected.
func (p Partial) Pending() bool { return p.Remaining > 0 }

// bounds returns the smallest and largest code point the partial sequence
// can still complete to.
func (p Partial) bounds() (lo, hi rune) {
	shift := 6 * uint32(p.Remaining)
	lo = rune(p.Value << shift)
	hi = lo | rune(1<<shift-1)
	return lo, hi
}

// State is the parsing state of one hypothesis. It is immutable; every
// update returns a new State that may share stacks with the old one.
//
// The zero State is dead.
type State struct {
	stacks     []grammar.Stack
	partial    Partial
	terminated bool
}

// Stacks returns the live continuations in canonical order. The result must
// not be modified.
func (s State) Stacks() []grammar.Stack { return s.stacks }

// Partial returns the pending partial UTF-8 sequence, if any.
func (s State) Partial() Partial { return s.partial }

// MustStop reports whether no continuation is left. Only end-of-sequence is
// legal from here.
func (s State) MustStop() bool { return len(s.stacks) == 0 }

// CanStop reports whether a complete parse is reachable without further
// input.
func (s State) CanStop() bool {
	if s.partial.Pending() {
		return false
	}
	for _, st := range s.stacks {
		if len(st) == 0 {
			return true
		}
	}
	return false
}

// Terminated reports whether the state was produced by consuming
// end-of-sequence, as opposed to being rejected.
func (s State) Terminated() bool { return s.terminated }

// Key returns a canonical encoding of the state. Two states with equal keys
// behave identically for all future input.
func (s State) Key() string {
	var sb strings.Builder
	var buf [4]byte
	for _, st := range s.stacks {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(st)))
		sb.Write(buf[:])
		sb.WriteString(st.Key())
	}
	binary.LittleEndian.PutUint32(buf[:], s.partial.Value)
	sb.Write(buf[:])
	sb.WriteByte(byte(s.partial.Remaining))
	if s.terminated {
		sb.WriteByte(1)
	}
	return sb.String()
}

func (s State) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("stacks", len(s.stacks)),
		slog.Bool("can_stop", s.CanStop()),
		slog.Bool("terminated", s.terminated),
		slog.Int("pending", int(max(s.partial.Remaining, 0))),
	)
}

// stackSet deduplicates stacks and orders them by key so that the same set
// always produces the same slice.
type stackSet struct {
	m *treemap.Map
}

func newStackSet() stackSet {
	return stackSet{m: treemap.NewWithStringComparator()}
}

func (s stackSet) add(st grammar.Stack) {
	s.m.Put(st.Key(), st)
}

func (s stackSet) stacks() []grammar.Stack {
	if s.m.Empty() {
		return nil
	}

	out := make([]grammar.Stack, 0, s.m.Size())
	it := s.m.Iterator()
	for it.Next() {
		out = append(out, it.Value().(grammar.Stack))
	}
	return out
}
