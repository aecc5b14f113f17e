package grammar

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// SyntaxError reports malformed grammar text.
type SyntaxError struct {
	Line, Column int
	Msg          string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("grammar: %d:%d: %s", e.Line, e.Column, e.Msg)
}

// Parse compiles GBNF text rooted at the rule named "root".
func Parse(src string) (*Grammar, error) {
	return ParseRoot(src, "root")
}

// ParseRoot compiles GBNF text rooted at the named rule.
//
//	root  ::= "a" "b"+ "c"
//	digit ::= [0-9]
//	item  ::= ( digit | "x" ){1,3} .?
func ParseRoot(src, root string) (*Grammar, error) {
	p := &parser{src: src, b: NewBuilder()}
	if err := p.parse(); err != nil {
		return nil, err
	}

	for i := 0; i < len(src); i++ {
		if src[i] >= utf8.RuneSelf {
			p.b.ForceUnicode()
			break
		}
	}

	return p.b.Build(root)
}

type parser struct {
	src     string
	pos     int
	b       *Builder
	defined map[int]bool
}

func (p *parser) errorf(format string, args ...any) error {
	line := 1 + strings.Count(p.src[:p.pos], "\n")
	col := p.pos + 1
	if i := strings.LastIndexByte(p.src[:p.pos], '\n'); i >= 0 {
		col = p.pos - i
	}
	return &SyntaxError{Line: line, Column: col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) space(newlines bool) {
	for !p.eof() {
		switch c := p.src[p.pos]; {
		case c == ' ' || c == '\t':
			p.pos++
		case c == '#':
			for !p.eof() && p.src[p.pos] != '\n' && p.src[p.pos] != '\r' {
				p.pos++
			}
		case newlines && (c == '\n' || c == '\r'):
			p.pos++
		default:
			return
		}
	}
}

func isNameByte(c byte) bool {
	return c == '-' || c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func (p *parser) name() (string, error) {
	start := p.pos
	for !p.eof() && isNameByte(p.src[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		return "", p.errorf("expecting name")
	}
	return p.src[start:p.pos], nil
}

func (p *parser) parse() error {
	p.defined = make(map[int]bool)
	p.space(true)
	for !p.eof() {
		if err := p.rule(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) rule() error {
	name, err := p.name()
	if err != nil {
		return err
	}

	p.space(false)
	if !strings.HasPrefix(p.src[p.pos:], "::=") {
		return p.errorf("expecting ::=")
	}
	p.pos += 3
	p.space(true)

	id := p.b.Symbol(name)
	if p.defined[id] {
		return p.errorf("rule %q redefined", name)
	}
	p.defined[id] = true

	alts, err := p.alternatives(name, false)
	if err != nil {
		return err
	}
	p.b.Define(id, alts...)

	switch p.peek() {
	case '\r':
		p.pos++
		if p.peek() == '\n' {
			p.pos++
		}
	case '\n':
		p.pos++
	case 0:
		if !p.eof() {
			return p.errorf("unexpected NUL")
		}
	default:
		return p.errorf("expecting newline or end of input")
	}
	p.space(true)
	return nil
}

func (p *parser) alternatives(name string, nested bool) ([][]Element, error) {
	var alts [][]Element
	for {
		seq, err := p.sequence(name, nested)
		if err != nil {
			return nil, err
		}
		alts = append(alts, seq)

		if p.peek() != '|' {
			return alts, nil
		}
		p.pos++
		p.space(true)
	}
}

func (p *parser) sequence(name string, nested bool) ([]Element, error) {
	var seq []Element
	last := -1
	for !p.eof() {
		start := len(seq)
		switch c := p.peek(); {
		case c == '"':
			p.pos++
			for p.peek() != '"' {
				if p.eof() {
					return nil, p.errorf("unterminated literal")
				}
				r, err := p.char()
				if err != nil {
					return nil, err
				}
				seq = append(seq, Char(Range{r, r}))
			}
			p.pos++
			last = start
		case c == '[':
			e, err := p.class()
			if err != nil {
				return nil, err
			}
			seq = append(seq, e)
			last = start
		case c == '.':
			p.pos++
			seq = append(seq, NotChar())
			last = start
		case isNameByte(c):
			ref, err := p.name()
			if err != nil {
				return nil, err
			}
			seq = append(seq, Ref(p.b.Symbol(ref)))
			last = start
		case c == '(':
			p.pos++
			p.space(true)
			alts, err := p.alternatives(name, true)
			if err != nil {
				return nil, err
			}
			if p.peek() != ')' {
				return nil, p.errorf("expecting )")
			}
			p.pos++
			sub := p.b.Generate(name)
			p.b.Define(sub, alts...)
			seq = append(seq, Ref(sub))
			last = start
		case c == '*' || c == '+' || c == '?' || c == '{':
			if last < 0 {
				return nil, p.errorf("expecting preceding item to %q", c)
			}
			lo, hi, err := p.quantifier()
			if err != nil {
				return nil, err
			}
			seq = append(seq[:last], p.repeat(name, seq[last:], lo, hi)...)
			last = -1
		default:
			return seq, nil
		}
		p.space(nested)
	}
	return seq, nil
}

// quantifier parses *, +, ?, {m}, {m,} or {m,n}. hi < 0 means unbounded.
func (p *parser) quantifier() (lo, hi int, err error) {
	switch c := p.peek(); c {
	case '*':
		p.pos++
		return 0, -1, nil
	case '+':
		p.pos++
		return 1, -1, nil
	case '?':
		p.pos++
		return 0, 1, nil
	}

	p.pos++ // {
	p.space(false)
	if lo, err = p.int(); err != nil {
		return 0, 0, err
	}
	p.space(false)
	hi = lo
	if p.peek() == ',' {
		p.pos++
		p.space(false)
		hi = -1
		if p.peek() != '}' {
			if hi, err = p.int(); err != nil {
				return 0, 0, err
			}
			if hi < lo {
				return 0, 0, p.errorf("invalid repetition {%d,%d}", lo, hi)
			}
		}
		p.space(false)
	}
	if p.peek() != '}' {
		return 0, 0, p.errorf("expecting }")
	}
	p.pos++
	return lo, hi, nil
}

func (p *parser) int() (int, error) {
	start := p.pos
	for !p.eof() && '0' <= p.src[p.pos] && p.src[p.pos] <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, p.errorf("expecting number")
	}
	return strconv.Atoi(p.src[start:p.pos])
}

// repeat expands item{lo,hi} into lo copies followed by either a starred
// rule or hi-lo nested optional rules.
func (p *parser) repeat(name string, item []Element, lo, hi int) []Element {
	var out []Element
	for range lo {
		out = append(out, item...)
	}

	if hi < 0 {
		star := p.b.Generate(name)
		p.b.Define(star, append(append([]Element(nil), item...), Ref(star)), nil)
		return append(out, Ref(star))
	}

	if hi == lo {
		return out
	}

	// x{0,3} => opt1 ::= x opt2 | "" ; opt2 ::= x opt3 | "" ; opt3 ::= x | ""
	ids := make([]int, hi-lo)
	for i := range ids {
		ids[i] = p.b.Generate(name)
	}
	for i, id := range ids {
		alt := append([]Element(nil), item...)
		if i+1 < len(ids) {
			alt = append(alt, Ref(ids[i+1]))
		}
		p.b.Define(id, alt, nil)
	}
	return append(out, Ref(ids[0]))
}

func (p *parser) class() (Element, error) {
	p.pos++ // [
	negate := false
	if p.peek() == '^' {
		negate = true
		p.pos++
	}

	var ranges []Range
	for p.peek() != ']' {
		if p.eof() {
			return Element{}, p.errorf("unterminated character class")
		}
		lo, err := p.char()
		if err != nil {
			return Element{}, err
		}
		hi := lo
		if p.peek() == '-' && p.pos+1 < len(p.src) && p.src[p.pos+1] != ']' {
			p.pos++
			if hi, err = p.char(); err != nil {
				return Element{}, err
			}
			if hi < lo {
				return Element{}, p.errorf("invalid range %q-%q", lo, hi)
			}
		}
		ranges = append(ranges, Range{lo, hi})
	}
	p.pos++

	if negate {
		return NotChar(ranges...), nil
	}
	return Char(ranges...), nil
}

func (p *parser) char() (rune, error) {
	if p.peek() != '\\' {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if r == utf8.RuneError && size <= 1 {
			return 0, p.errorf("invalid UTF-8")
		}
		p.pos += size
		return r, nil
	}

	p.pos++
	if p.eof() {
		return 0, p.errorf("unterminated escape")
	}
	c := p.src[p.pos]
	p.pos++
	switch c {
	case 'x':
		return p.hex(2)
	case 'u':
		return p.hex(4)
	case 'U':
		return p.hex(8)
	case 't':
		return '\t', nil
	case 'r':
		return '\r', nil
	case 'n':
		return '\n', nil
	case '\\', '"', '[', ']', '-', '^', '/', '\'':
		return rune(c), nil
	default:
		p.pos--
		return 0, p.errorf("unknown escape \\%c", c)
	}
}

func (p *parser) hex(n int) (rune, error) {
	if p.pos+n > len(p.src) {
		return 0, p.errorf("expecting %d hex digits", n)
	}
	v, err := strconv.ParseUint(p.src[p.pos:p.pos+n], 16, 32)
	if err != nil || v > utf8.MaxRune {
		return 0, p.errorf("invalid hex escape %q", p.src[p.pos:p.pos+n])
	}
	p.pos += n
	return rune(v), nil
}
