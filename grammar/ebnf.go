package grammar

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/exp/ebnf"
)

// FromEBNF compiles a grammar written in Go's EBNF dialect
// (golang.org/x/exp/ebnf) rooted at the production named start.
//
//	Number = Digit { Digit } .
//	Digit  = "0" … "9" .
func FromEBNF(name string, src io.Reader, start string) (*Grammar, error) {
	g, err := ebnf.Parse(name, src)
	if err != nil {
		return nil, fmt.Errorf("parse grammar: %w", err)
	}

	if err := ebnf.Verify(g, start); err != nil {
		return nil, fmt.Errorf("verify grammar: %w", err)
	}

	c := &ebnfCompiler{grammar: g, b: NewBuilder()}

	// define productions in a stable order so rule ids are deterministic
	c.production(start)
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		if err := c.compileProduction(next); err != nil {
			return nil, fmt.Errorf("compile production %q: %w", next, err)
		}
	}

	return c.b.Build(start)
}

// FromEBNFString is FromEBNF over a string.
func FromEBNFString(src, start string) (*Grammar, error) {
	return FromEBNF("grammar", strings.NewReader(src), start)
}

type ebnfCompiler struct {
	grammar ebnf.Grammar
	b       *Builder
	seen    map[string]bool
	pending []string
}

func (c *ebnfCompiler) production(name string) int {
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if !c.seen[name] {
		c.seen[name] = true
		c.pending = append(c.pending, name)
	}
	return c.b.Symbol(name)
}

func (c *ebnfCompiler) compileProduction(name string) error {
	prod := c.grammar[name]
	alts, err := c.alternatives(name, prod.Expr)
	if err != nil {
		return err
	}
	c.b.Define(c.b.Symbol(name), alts...)
	return nil
}

func (c *ebnfCompiler) alternatives(name string, expr ebnf.Expression) ([][]Element, error) {
	if alt, ok := expr.(ebnf.Alternative); ok {
		alts := make([][]Element, 0, len(alt))
		for _, e := range alt {
			seq, err := c.sequence(name, e)
			if err != nil {
				return nil, err
			}
			alts = append(alts, seq)
		}
		return alts, nil
	}

	seq, err := c.sequence(name, expr)
	if err != nil {
		return nil, err
	}
	return [][]Element{seq}, nil
}

func (c *ebnfCompiler) sequence(name string, expr ebnf.Expression) ([]Element, error) {
	switch e := expr.(type) {
	case nil:
		return nil, nil
	case ebnf.Sequence:
		var seq []Element
		for _, x := range e {
			part, err := c.sequence(name, x)
			if err != nil {
				return nil, err
			}
			seq = append(seq, part...)
		}
		return seq, nil
	case *ebnf.Name:
		return []Element{Ref(c.production(e.String))}, nil
	case *ebnf.Token:
		return Literal(e.String), nil
	case *ebnf.Range:
		begin, end := strings.Trim(e.Begin.String, `"`), strings.Trim(e.End.String, `"`)
		if utf8.RuneCountInString(begin) != 1 || utf8.RuneCountInString(end) != 1 {
			return nil, fmt.Errorf("range bounds must be single characters: %q…%q", begin, end)
		}
		lo, _ := utf8.DecodeRuneInString(begin)
		hi, _ := utf8.DecodeRuneInString(end)
		return []Element{Char(Range{lo, hi})}, nil
	case *ebnf.Group:
		return c.sub(name, e.Body, false, false)
	case *ebnf.Option:
		return c.sub(name, e.Body, true, false)
	case *ebnf.Repetition:
		return c.sub(name, e.Body, true, true)
	case ebnf.Alternative:
		return c.sub(name, e, false, false)
	default:
		return nil, fmt.Errorf("unsupported expression type: %T", expr)
	}
}

// sub compiles body into a generated rule. optional adds an empty
// alternative; repeat makes every alternative loop back to the rule.
func (c *ebnfCompiler) sub(name string, body ebnf.Expression, optional, repeat bool) ([]Element, error) {
	alts, err := c.alternatives(name, body)
	if err != nil {
		return nil, err
	}

	id := c.b.Generate(name)
	if repeat {
		for i := range alts {
			alts[i] = append(alts[i], Ref(id))
		}
	}
	if optional {
		alts = append(alts, nil)
	}
	c.b.Define(id, alts...)
	return []Element{Ref(id)}, nil
}
