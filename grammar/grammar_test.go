package grammar

import (
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

// matches runs s through g one unit at a time and reports whether a complete
// parse is reachable at the end.
func matches(g *Grammar, s string) bool {
	stacks := expandAll(g, []Stack{{g.RootOffset()}})

	var units []rune
	if g.Unicode() {
		units = []rune(s)
	} else {
		for i := range len(s) {
			units = append(units, rune(s[i]))
		}
	}

	for _, u := range units {
		var next []Stack
		for _, st := range stacks {
			if len(st) == 0 || !g.Accepts(st.Top(), u) {
				continue
			}
			g.Advance(st, func(s Stack) { next = append(next, s) })
		}
		stacks = dedup(next)
	}

	for _, st := range stacks {
		if len(st) == 0 {
			return true
		}
	}
	return false
}

func expandAll(g *Grammar, in []Stack) []Stack {
	var out []Stack
	for _, s := range in {
		g.Expand(s, func(s Stack) { out = append(out, s) })
	}
	return dedup(out)
}

func dedup(in []Stack) []Stack {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if k := s.Key(); !seen[k] {
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

func TestBuilderEncoding(t *testing.T) {
	b := NewBuilder()
	root := b.Symbol("root")
	digit := b.Symbol("digit")
	b.Define(digit, []Element{Char(Range{'5', '9'}, Range{'0', '4'})})
	b.Define(root, append(Literal("x"), Ref(digit)), nil)

	g, err := b.Build("root")
	if err != nil {
		t.Fatal(err)
	}

	if g.Unicode() {
		t.Error("ascii grammar should be in byte mode")
	}
	if g.Rules() != 2 {
		t.Errorf("Rules() = %d, want 2", g.Rules())
	}

	want := "root ::= [x] digit |\ndigit ::= [0-9]\n"
	if diff := cmp.Diff(want, g.String()); diff != "" {
		t.Errorf("String() mismatch (-want +got):\n%s", diff)
	}

	var starts []Stack
	g.Expand(Stack{g.RootOffset()}, func(s Stack) { starts = append(starts, s) })
	if len(starts) != 2 {
		t.Fatalf("got %d initial stacks, want 2", len(starts))
	}
	if len(starts[1]) != 0 {
		t.Errorf("empty alternative should expand to the empty stack, got %v", starts[1])
	}

	top := starts[0].Top()
	if !g.IsChar(top) {
		t.Fatalf("offset %d is not a character element", top)
	}
	if g.Span(top) != 4 {
		t.Errorf("Span(%d) = %d, want 4", top, g.Span(top))
	}
	if g.RuleName(top) != "root" {
		t.Errorf("RuleName(%d) = %q, want root", top, g.RuleName(top))
	}
	if g.RuleName(g.RootOffset()) != "" {
		t.Errorf("synthetic root reference should not belong to a rule")
	}

	var after []Stack
	g.Advance(starts[0], func(s Stack) { after = append(after, s) })
	if len(after) != 1 {
		t.Fatalf("got %d stacks after x, want 1", len(after))
	}
	if len(after[0]) != 1 || g.RuleName(after[0].Top()) != "digit" {
		t.Errorf("expected a single-entry stack inside digit, got %v", after[0])
	}
}

func TestBuildErrors(t *testing.T) {
	t.Run("undefined", func(t *testing.T) {
		b := NewBuilder()
		b.Define(b.Symbol("root"), []Element{Ref(b.Symbol("missing"))})
		if _, err := b.Build("root"); !errors.Is(err, ErrUndefinedRule) {
			t.Errorf("got %v, want ErrUndefinedRule", err)
		}
	})

	t.Run("no root", func(t *testing.T) {
		b := NewBuilder()
		b.Define(b.Symbol("start"), Literal("a"))
		if _, err := b.Build("root"); !errors.Is(err, ErrUndefinedRule) {
			t.Errorf("got %v, want ErrUndefinedRule", err)
		}
	})

	t.Run("left recursion", func(t *testing.T) {
		b := NewBuilder()
		root := b.Symbol("root")
		b.Define(root, append([]Element{Ref(root)}, Literal("a")...), Literal("a"))
		if _, err := b.Build("root"); !errors.Is(err, ErrLeftRecursion) {
			t.Errorf("got %v, want ErrLeftRecursion", err)
		}
	})

	t.Run("left recursion through nullable", func(t *testing.T) {
		b := NewBuilder()
		root, opt := b.Symbol("root"), b.Symbol("opt")
		b.Define(opt, Literal("x"), nil)
		b.Define(root, append([]Element{Ref(opt), Ref(root)}, Literal("a")...), Literal("a"))
		if _, err := b.Build("root"); !errors.Is(err, ErrLeftRecursion) {
			t.Errorf("got %v, want ErrLeftRecursion", err)
		}
	})

	t.Run("right recursion", func(t *testing.T) {
		b := NewBuilder()
		root := b.Symbol("root")
		b.Define(root, append(Literal("a"), Ref(root)), nil)
		if _, err := b.Build("root"); err != nil {
			t.Errorf("right recursion should be accepted: %v", err)
		}
	})
}

func TestAccepts(t *testing.T) {
	b := NewBuilder()
	root := b.Symbol("root")
	b.Define(root,
		[]Element{Char(Range{'a', 'c'}, Range{'x', 'x'})},
		[]Element{NotChar(Range{'0', '9'})},
	)
	g, err := b.Build("root")
	if err != nil {
		t.Fatal(err)
	}

	var tops []uint32
	g.Expand(Stack{g.RootOffset()}, func(s Stack) { tops = append(tops, s.Top()) })
	if len(tops) != 2 {
		t.Fatalf("got %d stacks, want 2", len(tops))
	}
	class, negated := tops[0], tops[1]

	cases := []struct {
		off  uint32
		unit rune
		want bool
	}{
		{class, 'a', true},
		{class, 'c', true},
		{class, 'd', false},
		{class, 'x', true},
		{negated, '5', false},
		{negated, 'q', true},
		{negated, 0x1f600, true},
	}
	for _, tt := range cases {
		if got := g.Accepts(tt.off, tt.unit); got != tt.want {
			t.Errorf("Accepts(%d, %q) = %v, want %v", tt.off, tt.unit, got, tt.want)
		}
	}

	if !g.AcceptsAny(class, 'b', 'z') {
		t.Error("class should accept part of [b, z]")
	}
	if g.AcceptsAny(class, 'd', 'w') {
		t.Error("class should reject all of [d, w]")
	}
	if g.AcceptsAny(negated, '2', '7') {
		t.Error("negated class should reject [2, 7]")
	}
	if !g.AcceptsAny(negated, '8', 'z') {
		t.Error("negated class should accept part of [8, z]")
	}
}

func TestStackKey(t *testing.T) {
	for _, s := range []Stack{nil, {0}, {1, 2, 3}, {utf8.MaxRune, 0xffffffff}} {
		got := stackFromKey(s.Key())
		if len(s) == 0 && len(got) == 0 {
			continue
		}
		if diff := cmp.Diff(s, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}

	if Stack([]uint32{1, 2}).Key() == Stack([]uint32{2, 1}).Key() {
		t.Error("keys must depend on order")
	}
}

func TestGrammarIdentity(t *testing.T) {
	a, err := Parse(`root ::= "a"`)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse(`root ::= "a"`)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() == b.ID() {
		t.Error("separately compiled grammars must have distinct ids")
	}

	syms := a.Symbols()
	syms["other"] = 42
	if _, ok := a.Symbols()["other"]; ok {
		t.Error("Symbols must return a copy")
	}
}
