package grammar

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrUndefinedRule = errors.New("undefined rule")
	ErrLeftRecursion = errors.New("left recursion")
)

// Element is one item of an alternative: a rule reference or a character
// class.
type Element struct {
	rule   int
	negate bool
	ranges []Range
}

// Ref references another rule by id.
func Ref(id int) Element {
	return Element{rule: id}
}

// Char matches any unit inside ranges.
func Char(ranges ...Range) Element {
	return Element{rule: -1, ranges: ranges}
}

// NotChar matches any unit outside ranges. NotChar() matches everything.
func NotChar(ranges ...Range) Element {
	return Element{rule: -1, negate: true, ranges: ranges}
}

// Literal returns one single-character element per rune of s.
func Literal(s string) []Element {
	elems := make([]Element, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		elems = append(elems, Char(Range{r, r}))
	}
	return elems
}

func (e Element) isRef() bool { return e.rule >= 0 }

// Builder assembles a Grammar rule by rule.
type Builder struct {
	names   []string
	symbols map[string]int
	rules   [][][]Element
	defined []bool
	unicode bool
}

func NewBuilder() *Builder {
	return &Builder{symbols: make(map[string]int)}
}

// Symbol returns the id of the named rule, creating it if needed.
func (b *Builder) Symbol(name string) int {
	if id, ok := b.symbols[name]; ok {
		return id
	}
	id := len(b.names)
	b.names = append(b.names, name)
	b.symbols[name] = id
	b.rules = append(b.rules, nil)
	b.defined = append(b.defined, false)
	return id
}

// Generate creates a fresh rule named after base.
func (b *Builder) Generate(base string) int {
	for i := len(b.names); ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if _, ok := b.symbols[name]; !ok {
			return b.Symbol(name)
		}
	}
}

// Name returns the name of rule id.
func (b *Builder) Name(id int) string {
	return b.names[id]
}

// Define sets the alternatives of rule id. An empty alternative matches the
// empty string.
func (b *Builder) Define(id int, alts ...[]Element) {
	b.rules[id] = alts
	b.defined[id] = true
}

// ForceUnicode makes the built grammar match code points even if every
// character class is ASCII.
func (b *Builder) ForceUnicode() {
	b.unicode = true
}

// Build compiles the rules into a Grammar rooted at the named rule.
func (b *Builder) Build(root string) (*Grammar, error) {
	rootID, ok := b.symbols[root]
	if !ok || !b.defined[rootID] {
		return nil, fmt.Errorf("%w: root rule %q", ErrUndefinedRule, root)
	}

	for id, name := range b.names {
		if !b.defined[id] {
			return nil, fmt.Errorf("%w: %q", ErrUndefinedRule, name)
		}
	}

	if name, ok := b.leftRecursive(); ok {
		return nil, fmt.Errorf("%w: rule %q", ErrLeftRecursion, name)
	}

	g := &Grammar{
		id:      uuid.New(),
		rules:   make([]uint32, len(b.names)),
		names:   slices.Clone(b.names),
		symbols: make(map[string]int, len(b.symbols)),
		root:    rootID,
		unicode: b.unicode,
	}
	for k, v := range b.symbols {
		g.symbols[k] = v
	}

	for id, alts := range b.rules {
		g.rules[id] = uint32(len(g.code))
		for _, alt := range alts {
			lenAt := len(g.code)
			g.code = append(g.code, 0)
			for _, e := range alt {
				if e.isRef() {
					g.code = append(g.code, opRef, uint32(e.rule))
					continue
				}

				op := opChar
				if e.negate {
					op = opCharNot
				}
				ranges := mergeRanges(e.ranges)
				g.code = append(g.code, op, uint32(len(ranges)))
				for _, r := range ranges {
					if r.Hi > 0x7f {
						g.unicode = true
					}
					g.code = append(g.code, uint32(r.Lo), uint32(r.Hi))
				}
			}
			g.code = append(g.code, opEnd)
			g.code[lenAt] = uint32(len(g.code) - lenAt - 1)
		}
		g.code = append(g.code, 0)

		for len(g.owner) < len(g.code) {
			g.owner = append(g.owner, int32(id))
		}
	}

	g.rootOff = uint32(len(g.code))
	g.code = append(g.code, opRef, uint32(rootID), opEnd)
	for len(g.owner) < len(g.code) {
		g.owner = append(g.owner, -1)
	}

	return g, nil
}

func mergeRanges(in []Range) []Range {
	if len(in) == 0 {
		return nil
	}

	rs := slices.Clone(in)
	for i, r := range rs {
		if r.Lo > r.Hi {
			rs[i] = Range{r.Hi, r.Lo}
		}
	}
	slices.SortFunc(rs, func(a, b Range) int { return cmp.Compare(a.Lo, b.Lo) })

	out := rs[:1]
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Lo <= last.Hi+1 {
			last.Hi = max(last.Hi, r.Hi)
			continue
		}
		out = append(out, r)
	}
	return out
}

// leftRecursive reports a rule that can reach itself without consuming
// input. Such rules make epsilon closure diverge.
func (b *Builder) leftRecursive() (string, bool) {
	nullable := make([]bool, len(b.names))
	for changed := true; changed; {
		changed = false
		for id, alts := range b.rules {
			if nullable[id] {
				continue
			}
			for _, alt := range alts {
				if b.allNullable(alt, nullable) {
					nullable[id] = true
					changed = true
					break
				}
			}
		}
	}

	// edges: rule -> rules reachable at the left edge of one of its alternatives
	edges := make([][]int, len(b.names))
	for id, alts := range b.rules {
		for _, alt := range alts {
			for _, e := range alt {
				if !e.isRef() {
					break
				}
				edges[id] = append(edges[id], e.rule)
				if !nullable[e.rule] {
					break
				}
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(b.names))
	var visit func(int) (int, bool)
	visit = func(id int) (int, bool) {
		color[id] = grey
		for _, next := range edges[id] {
			switch color[next] {
			case grey:
				return next, true
			case white:
				if found, ok := visit(next); ok {
					return found, true
				}
			}
		}
		color[id] = black
		return 0, false
	}

	for id := range b.names {
		if color[id] == white {
			if found, ok := visit(id); ok {
				return b.names[found], true
			}
		}
	}
	return "", false
}

func (b *Builder) allNullable(alt []Element, nullable []bool) bool {
	for _, e := range alt {
		if !e.isRef() || !nullable[e.rule] {
			return false
		}
	}
	return true
}
