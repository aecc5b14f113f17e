// Package grammar holds compiled grammars in the flat, offset-addressable
// form consumed by the automaton, and the front ends that produce them
// (GBNF text, Go-style EBNF and JSON schema).
//
// A compiled grammar is a []uint32. Each rule is a list of alternatives
// terminated by a zero word:
//
//	rule    := alt* 0
//	alt     := altLen element* opEnd
//	element := opRef ruleID
//	         | opChar n lo1 hi1 ... loN hiN
//	         | opCharNot n lo1 hi1 ... loN hiN
//
// altLen counts the words following it up to and including opEnd. A stack
// is a list of offsets; after expansion its top always points at a
// character element.
package grammar

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	opEnd uint32 = iota
	opRef
	opChar
	opCharNot
)

// Stack is an automaton continuation. The last entry is the active element,
// the ones before it are return addresses.
type Stack []uint32

// Top returns the active offset. It panics on an empty stack.
func (s Stack) Top() uint32 {
	return s[len(s)-1]
}

// Key returns a canonical string encoding of the stack, suitable as a map key.
func (s Stack) Key() string {
	if len(s) == 0 {
		return ""
	}
	buf := make([]byte, len(s)*4)
	for i, off := range s {
		binary.LittleEndian.PutUint32(buf[i*4:], off)
	}
	return string(buf)
}

// stackFromKey decodes a key produced by Stack.Key.
func stackFromKey(key string) Stack {
	s := make(Stack, len(key)/4)
	for i := range s {
		s[i] = binary.LittleEndian.Uint32([]byte(key[i*4 : i*4+4]))
	}
	return s
}

// Range is an inclusive range of code points (or bytes in byte mode).
type Range struct {
	Lo, Hi rune
}

// Grammar is an immutable compiled grammar.
type Grammar struct {
	id      uuid.UUID
	code    []uint32
	rules   []uint32 // rule id -> offset of the first alternative
	names   []string
	symbols map[string]int
	owner   []int32 // offset -> rule id, -1 for rule framing words
	root    int
	rootOff uint32
	unicode bool
}

// ID identifies this grammar instance. Two compilations of the same source
// get different IDs.
func (g *Grammar) ID() uuid.UUID { return g.id }

// Unicode reports whether the grammar matches code points rather than bytes.
func (g *Grammar) Unicode() bool { return g.unicode }

// Root returns the root rule id.
func (g *Grammar) Root() int { return g.root }

// RootOffset is the offset of the synthetic reference to the root rule.
// The stack [RootOffset] expands to the initial continuations.
func (g *Grammar) RootOffset() uint32 { return g.rootOff }

// Symbols returns a copy of the rule name table.
func (g *Grammar) Symbols() map[string]int {
	m := make(map[string]int, len(g.symbols))
	for k, v := range g.symbols {
		m[k] = v
	}
	return m
}

// Rules returns the number of rules.
func (g *Grammar) Rules() int { return len(g.names) }

// RuleName returns the name of the rule whose body contains offset.
func (g *Grammar) RuleName(offset uint32) string {
	if int(offset) >= len(g.owner) || g.owner[offset] < 0 {
		return ""
	}
	return g.names[g.owner[offset]]
}

// Span returns the size of the element at offset in encoding words.
func (g *Grammar) Span(offset uint32) uint32 {
	switch g.code[offset] {
	case opRef:
		return 2
	case opChar, opCharNot:
		return 2 + 2*g.code[offset+1]
	default:
		return 1
	}
}

// IsChar reports whether offset holds a character element.
func (g *Grammar) IsChar(offset uint32) bool {
	op := g.code[offset]
	return op == opChar || op == opCharNot
}

func (g *Grammar) ranges(offset uint32) []uint32 {
	n := g.code[offset+1]
	return g.code[offset+2 : offset+2+2*n]
}

// Accepts tests the character element at offset against unit.
func (g *Grammar) Accepts(offset uint32, unit rune) bool {
	in := false
	r := g.ranges(offset)
	for i := 0; i < len(r); i += 2 {
		if uint32(unit) >= r[i] && uint32(unit) <= r[i+1] {
			in = true
			break
		}
	}
	return in == (g.code[offset] == opChar)
}

// AcceptsAny reports whether some unit in [lo, hi] is accepted by the
// character element at offset. It is used for partially decoded code points.
func (g *Grammar) AcceptsAny(offset uint32, lo, hi rune) bool {
	r := g.ranges(offset)
	if g.code[offset] == opChar {
		for i := 0; i < len(r); i += 2 {
			if r[i] <= uint32(hi) && uint32(lo) <= r[i+1] {
				return true
			}
		}
		return false
	}

	// ranges are merged, so a negated class rejects [lo, hi] only if one
	// range covers all of it
	for i := 0; i < len(r); i += 2 {
		if r[i] <= uint32(lo) && uint32(hi) <= r[i+1] {
			return false
		}
	}
	return true
}

// Advance moves stack past the character element on its top, then expands
// the result. It does not test acceptance.
func (g *Grammar) Advance(stack Stack, yield func(Stack)) {
	top := stack.Top()
	next := top + g.Span(top)
	rest := make(Stack, len(stack)-1, len(stack))
	copy(rest, stack[:len(stack)-1])
	if g.code[next] != opEnd {
		rest = append(rest, next)
	}
	g.Expand(rest, yield)
}

// Expand resolves rule references and completed alternatives on the top of
// stack, calling yield once for every resulting stack. Yielded stacks are
// either empty (a complete parse) or topped by a character element.
// Duplicates may be yielded; callers deduplicate.
func (g *Grammar) Expand(stack Stack, yield func(Stack)) {
	if len(stack) == 0 {
		yield(stack)
		return
	}

	top := stack.Top()
	switch g.code[top] {
	case opChar, opCharNot:
		yield(stack)
	case opRef:
		rule := g.code[top+1]
		rest := make(Stack, len(stack)-1, len(stack)+1)
		copy(rest, stack[:len(stack)-1])
		if next := top + 2; g.code[next] != opEnd {
			rest = append(rest, next)
		}

		for alt := g.rules[rule]; g.code[alt] != 0; alt += 1 + g.code[alt] {
			first := alt + 1
			if g.code[first] == opEnd {
				g.Expand(rest, yield)
				continue
			}

			s := make(Stack, len(rest), len(rest)+1)
			copy(s, rest)
			g.Expand(append(s, first), yield)
		}
	}
}

// String renders the grammar back as GBNF-like text, mostly for debugging.
func (g *Grammar) String() string {
	var sb strings.Builder
	for id, name := range g.names {
		fmt.Fprintf(&sb, "%s ::=", name)
		for alt, i := g.rules[id], 0; g.code[alt] != 0; alt, i = alt+1+g.code[alt], i+1 {
			if i > 0 {
				sb.WriteString(" |")
			}
			for off := alt + 1; g.code[off] != opEnd; off += g.Span(off) {
				sb.WriteByte(' ')
				g.writeElement(&sb, off)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (g *Grammar) writeElement(sb *strings.Builder, off uint32) {
	if g.code[off] == opRef {
		sb.WriteString(g.names[g.code[off+1]])
		return
	}

	sb.WriteByte('[')
	if g.code[off] == opCharNot {
		sb.WriteByte('^')
	}
	r := g.ranges(off)
	for i := 0; i < len(r); i += 2 {
		writeClassRune(sb, rune(r[i]))
		if r[i+1] != r[i] {
			sb.WriteByte('-')
			writeClassRune(sb, rune(r[i+1]))
		}
	}
	sb.WriteByte(']')
}

func writeClassRune(sb *strings.Builder, r rune) {
	switch {
	case r == '\\' || r == ']' || r == '-' || r == '^':
		sb.WriteByte('\\')
		sb.WriteRune(r)
	case r < 0x20 || r == 0x7f:
		fmt.Fprintf(sb, "\\x%02X", r)
	case r > 0xffff:
		fmt.Fprintf(sb, "\\U%08X", r)
	default:
		sb.WriteRune(r)
	}
}
