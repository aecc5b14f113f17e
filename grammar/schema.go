package grammar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"

	"github.com/ollama/constrain/grammar/jsonschema"
)

const jsonTerms = `# JSON (RFC 8259)
value   ::= object | array | string | number | boolean | null
object  ::= "{" ws ( kv ( "," ws kv )* )? "}" ws
array   ::= "[" ws ( value ( "," ws value )* )? "]" ws
kv      ::= string ":" ws value
string  ::= "\"" char* "\"" ws
char    ::= [^"\\\x00-\x1F] | "\\" escape
escape  ::= ["\\/bfnrt] | "u" hex{4}
hex     ::= [0-9a-fA-F]
integer ::= "-"? ( "0" | [1-9] [0-9]* ) ws
number  ::= "-"? ( "0" | [1-9] [0-9]* ) frac? exp? ws
frac    ::= "." [0-9]+
exp     ::= [eE] [+-]? [0-9]+
boolean ::= ( "true" | "false" ) ws
null    ::= "null" ws
ws      ::= [ \t\n]{0,20}

# Schema
`

// FromSchema appends to buf a GBNF grammar accepting JSON documents that
// match jsonSchema. The grammar is rooted at "root".
func FromSchema(buf []byte, jsonSchema []byte) ([]byte, error) {
	var s *jsonschema.Schema
	if err := json.Unmarshal(jsonSchema, &s); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("schema: null schema")
	}

	g := builder{b: *bytes.NewBuffer(buf)}

	// "root" is the only rule that is guaranteed to exist, so we start
	// with its length for padding, and then adjust it as we go.
	g.pad = len("root")
	for id := range dependencies("root", s) {
		g.pad = max(g.pad, len(id))
	}

	g.b.WriteString(jsonTerms)

	ids := make(map[*jsonschema.Schema]string)
	for id, s := range dependencies("root", s) {
		ids[s] = id
		g.define(id)
		if err := fromSchema(&g, ids, s); err != nil {
			return nil, err
		}
	}
	g.define("root")
	if err := fromSchema(&g, ids, s); err != nil {
		return nil, err
	}
	g.define("") // finalize the last rule
	return g.b.Bytes(), nil
}

// CompileSchema compiles a JSON schema directly into a Grammar.
func CompileSchema(jsonSchema []byte) (*Grammar, error) {
	src, err := FromSchema(nil, jsonSchema)
	if err != nil {
		return nil, err
	}
	return Parse(string(src))
}

func fromSchema(g *builder, ids map[*jsonschema.Schema]string, s *jsonschema.Schema) error {
	if s.Literal() {
		g.u("(")
		for i, e := range s.Literals() {
			if i > 0 {
				g.u("|")
			}
			var v any
			if err := json.Unmarshal(e, &v); err != nil {
				return fmt.Errorf("%s: %w", s.Name, err)
			}
			lit, err := json.Marshal(v)
			if err != nil {
				return err
			}
			g.q(string(lit))
		}
		g.u(")")
		g.u("ws")
		return nil
	}

	switch typ := s.EffectiveType(); typ {
	case "union":
		g.u("(")
		n := 0
		for _, t := range s.Types {
			if !primitive(t) {
				return fmt.Errorf("%s: unsupported type %q", s.Name, t)
			}
			if n > 0 {
				g.u("|")
			}
			g.u(t)
			n++
		}
		for _, alt := range s.AnyOf {
			if n > 0 {
				g.u("|")
			}
			g.u(ids[alt])
			n++
		}
		g.u(")")
	case "array":
		if len(s.PrefixItems) == 0 && s.Items == nil {
			g.u("array")
			return nil
		}

		g.q("[")
		g.u("ws")
		for i, s := range s.PrefixItems {
			if i > 0 {
				g.q(",")
				g.u("ws")
			}
			g.u(ids[s])
		}
		if s.Items != nil {
			item := ids[s.Items]
			if len(s.PrefixItems) > 0 {
				g.u(`( "," ws ` + item + " )*")
			} else {
				g.u(listOf(item, s.MinItems, s.MaxItems))
			}
		}
		g.q("]")
		g.u("ws")
	case "object":
		if len(s.Properties) == 0 {
			g.u("object")
			return nil
		}

		g.q("{")
		g.u("ws")
		for i, p := range s.Properties {
			if i > 0 {
				g.q(",")
				g.u("ws")
			}
			g.q(strconv.Quote(p.Name))
			g.u("ws")
			g.q(":")
			g.u("ws")
			g.u(ids[p])
		}
		g.q("}")
		g.u("ws")
	case "string", "number", "boolean", "value", "null", "integer":
		g.u(typ)
	default:
		return fmt.Errorf("%s: unsupported type %q", s.Name, typ)
	}
	return nil
}

// primitive reports whether typ names a rule of the JSON terms.
func primitive(typ string) bool {
	switch typ {
	case "string", "number", "integer", "boolean", "null", "object", "array":
		return true
	}
	return false
}

// listOf renders a comma separated list of item with optional bounds. A
// zero max means unbounded.
func listOf(item string, minItems, maxItems int) string {
	tail := `( "," ws ` + item + " )"
	switch {
	case minItems <= 0 && maxItems <= 0:
		return "( " + item + " " + tail + "* )?"
	case minItems <= 0:
		return fmt.Sprintf("( %s %s{0,%d} )?", item, tail, maxItems-1)
	case maxItems <= 0:
		return fmt.Sprintf("%s %s{%d,}", item, tail, minItems-1)
	default:
		return fmt.Sprintf("%s %s{%d,%d}", item, tail, minItems-1, max(minItems, maxItems)-1)
	}
}

// dependencies returns a sequence of all child dependencies of the schema in
// post-order.
//
// The first value is the id/pointer to the dependency, and the second value
// is the schema.
func dependencies(id string, s *jsonschema.Schema) iter.Seq2[string, *jsonschema.Schema] {
	return func(yield func(string, *jsonschema.Schema) bool) {
		for i, p := range s.Properties {
			id := fmt.Sprintf("%s_%d", id, i)
			for did, d := range dependencies(id, p) {
				if !yield(did, d) {
					return
				}
			}
			if !yield(id, p) {
				return
			}
		}
		for i, p := range s.PrefixItems {
			id := fmt.Sprintf("%s_tuple_%d", id, i)
			for did, d := range dependencies(id, p) {
				if !yield(did, d) {
					return
				}
			}
			if !yield(id, p) {
				return
			}
		}
		for i, alt := range s.AnyOf {
			id := fmt.Sprintf("%s_any_%d", id, i)
			for did, d := range dependencies(id, alt) {
				if !yield(did, d) {
					return
				}
			}
			if !yield(id, alt) {
				return
			}
		}
		if s.Items != nil {
			id := fmt.Sprintf("%s_tuple_%d", id, len(s.PrefixItems))
			for did, d := range dependencies(id, s.Items) {
				if !yield(did, d) {
					return
				}
			}
			if !yield(id, s.Items) {
				return
			}
		}
	}
}

type builder struct {
	b     bytes.Buffer
	pad   int
	rules int
	items int
}

// define terminates the current rule, if any, and then either starts a new
// rule or does nothing else if the name is empty.
func (b *builder) define(name string) {
	if b.rules > 0 {
		b.b.WriteString("\n")
	}
	if name == "" {
		return
	}
	fmt.Fprintf(&b.b, "% -*s", b.pad, name)
	b.b.WriteString(" ::=")
	b.rules++
	b.items = 0
}

// q appends a terminal to the current rule.
func (b *builder) q(s string) {
	b.b.WriteString(" ")
	b.b.WriteString(strconv.Quote(s))
	b.items++
}

// u appends a non-terminal to the current rule.
func (b *builder) u(s string) {
	b.b.WriteString(" ")
	b.b.WriteString(s)
	b.items++
}
