// Package automaton runs compiled grammars over bytes and code points.
//
// An Engine is stateless apart from its grammar; all per-hypothesis data
// lives in State values, which are never modified in place. Projecting a
// state one step ahead is therefore as cheap as the update itself.
package automaton

import (
	"github.com/ollama/constrain/grammar"
)

type Engine struct {
	g *grammar.Grammar
}

func New(g *grammar.Grammar) *Engine {
	return &Engine{g: g}
}

func (e *Engine) Grammar() *grammar.Grammar { return e.g }

// Initial returns the state before any input: the epsilon closure of the
// root reference.
func (e *Engine) Initial() State {
	set := newStackSet()
	e.g.Expand(grammar.Stack{e.g.RootOffset()}, set.add)
	return State{stacks: set.stacks()}
}

// Terminal returns the state after end-of-sequence. It accepts nothing.
func (e *Engine) Terminal() State {
	return State{terminated: true}
}

// Single returns a state with exactly one stack and the given partial
// sequence. It is used to evaluate stacks independently.
func (e *Engine) Single(stack grammar.Stack, partial Partial) State {
	return State{stacks: []grammar.Stack{stack}, partial: partial}
}

// UpdateUnit consumes one complete unit: a code point in unicode mode, a
// byte otherwise. Stacks rejecting the unit are dropped.
func (e *Engine) UpdateUnit(unit rune, s State) State {
	if len(s.stacks) == 0 {
		return State{}
	}

	var single grammar.Stack
	var set stackSet
	n := 0
	add := func(st grammar.Stack) {
		switch n {
		case 0:
			single = st
		case 1:
			set = newStackSet()
			set.add(single)
			set.add(st)
		default:
			set.add(st)
		}
		n++
	}

	for _, st := range s.stacks {
		if len(st) == 0 || !e.g.Accepts(st.Top(), unit) {
			continue
		}
		e.g.Advance(st, add)
	}

	switch n {
	case 0:
		return State{}
	case 1:
		return State{stacks: []grammar.Stack{single}}
	default:
		return State{stacks: set.stacks()}
	}
}

// UpdateByte consumes one byte. In unicode mode bytes are assembled into code
// points; an incomplete sequence is carried in the returned state and stacks
// that cannot accept any completion of it are dropped early. Malformed UTF-8
// kills the state.
func (e *Engine) UpdateByte(b byte, s State) State {
	if !e.g.Unicode() {
		return e.UpdateUnit(rune(b), s)
	}

	if len(s.stacks) == 0 {
		return State{}
	}

	p := s.partial
	if p.Pending() {
		if b&0xc0 != 0x80 {
			return State{}
		}
		p.Value = p.Value<<6 | uint32(b&0x3f)
		p.Remaining--
	} else {
		n, lead := utf8Lead(b)
		switch n {
		case 0:
			return State{}
		case 1:
			return e.UpdateUnit(rune(b), s)
		}
		p = Partial{Value: lead, Remaining: int8(n - 1)}
	}

	if !p.Pending() {
		return e.UpdateUnit(rune(p.Value), State{stacks: s.stacks})
	}
	return e.prune(s.stacks, p)
}

// prune keeps the stacks whose top can accept some completion of p.
func (e *Engine) prune(stacks []grammar.Stack, p Partial) State {
	lo, hi := p.bounds()
	kept := make([]grammar.Stack, 0, len(stacks))
	for _, st := range stacks {
		if len(st) > 0 && e.g.AcceptsAny(st.Top(), lo, hi) {
			kept = append(kept, st)
		}
	}
	if len(kept) == 0 {
		return State{}
	}
	return State{stacks: kept, partial: p}
}

// UpdateSequence folds UpdateByte over units.
func (e *Engine) UpdateSequence(units []byte, s State) State {
	for _, b := range units {
		s = e.UpdateByte(b, s)
		if len(s.stacks) == 0 {
			return State{}
		}
	}
	return s
}

// TryAccept reports whether units leave s alive.
func (e *Engine) TryAccept(units []byte, s State) bool {
	return !e.UpdateSequence(units, s).MustStop()
}

// utf8Lead decodes the first byte of a UTF-8 sequence, returning the
// sequence length and the payload bits. n is 0 for bytes that cannot start a
// sequence.
func utf8Lead(b byte) (n int, bits uint32) {
	switch {
	case b < 0x80:
		return 1, uint32(b)
	case b&0xe0 == 0xc0:
		return 2, uint32(b & 0x1f)
	case b&0xf0 == 0xe0:
		return 3, uint32(b & 0x0f)
	case b&0xf8 == 0xf0:
		return 4, uint32(b & 0x07)
	default:
		return 0, 0
	}
}
