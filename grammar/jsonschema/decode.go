// Package jsonschema decodes the subset of JSON Schema that can be turned
// into a grammar.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Schema is one node of a JSON schema.
type Schema struct {
	// Name is the property name, or empty for the document root and for
	// items and alternatives.
	Name string `json:"-"`

	// Types holds "type", which may be a single name or a list of names.
	Types TypeList `json:"type"`

	// PrefixItems are the positional items of a tuple.
	PrefixItems []*Schema `json:"prefixItems"`

	// Items is nil when "items" is absent, null or false, and the empty
	// schema when it is true.
	Items *Schema `json:"-"`

	MinItems int `json:"minItems"`
	MaxItems int `json:"maxItems"`

	// Properties keep the order they are written in.
	Properties []*Schema `json:"-"`

	// AnyOf merges "anyOf" and "oneOf". A grammar cannot tell them apart.
	AnyOf []*Schema `json:"-"`

	// Enum and Const hold raw JSON values matched literally.
	Enum  []json.RawMessage `json:"enum"`
	Const json.RawMessage   `json:"const"`

	// Format is informational only.
	Format string `json:"format"`
}

// TypeList is the value of "type".
type TypeList []string

func (t *TypeList) UnmarshalJSON(data []byte) error {
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TypeList{s}
	case '[':
		var ss []string
		if err := json.Unmarshal(data, &ss); err != nil {
			return err
		}
		*t = ss
	case 'n':
		*t = nil
	default:
		return fmt.Errorf("invalid type %s", data)
	}
	return nil
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	type plain Schema
	w := struct {
		*plain
		Properties properties `json:"properties"`
		Items      items      `json:"items"`
		AnyOf      []*Schema  `json:"anyOf"`
		OneOf      []*Schema  `json:"oneOf"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	s.Properties = w.Properties
	s.AnyOf = append(w.AnyOf, w.OneOf...)
	if w.Items.set {
		s.Items = &w.Items.Schema
	}
	return nil
}

// Literal reports whether s only matches the values in Enum or Const.
func (s *Schema) Literal() bool {
	return len(s.Enum) > 0 || len(s.Const) > 0
}

// Literals returns the values s matches when it is Literal.
func (s *Schema) Literals() []json.RawMessage {
	if len(s.Const) > 0 {
		return []json.RawMessage{s.Const}
	}
	return s.Enum
}

// EffectiveType returns the single type s describes: the declared type if
// there is exactly one, "object" or "array" when inferred from the
// keywords present, "union" for several types or alternatives, and
// "value" otherwise. It is never empty.
func (s *Schema) EffectiveType() string {
	switch {
	case len(s.Types) == 1:
		return s.Types[0]
	case len(s.Types) > 1, len(s.AnyOf) > 0:
		return "union"
	case len(s.Properties) > 0:
		return "object"
	case len(s.PrefixItems) > 0 || s.Items != nil:
		return "array"
	default:
		return "value"
	}
}

type items struct {
	Schema
	set bool
}

func (i *items) UnmarshalJSON(data []byte) error {
	switch data[0] {
	case 't':
		*i = items{set: true}
	case '{':
		if err := json.Unmarshal(data, &i.Schema); err != nil {
			return err
		}
		i.set = true
	case 'n', 'f':
	default:
		return errors.New("invalid items")
	}
	return nil
}

// properties decodes an object of schemas in document order. Unknown
// keywords inside each schema are ignored.
type properties []*Schema

func (p *properties) UnmarshalJSON(data []byte) error {
	d := json.NewDecoder(bytes.NewReader(data))
	t, err := d.Token()
	if err != nil {
		return err
	}
	if t != json.Delim('{') {
		return errors.New("properties: expected object")
	}

	for d.More() {
		t, err := d.Token()
		if err != nil {
			return err
		}

		s := &Schema{Name: t.(string)}
		if err := d.Decode(s); err != nil {
			return fmt.Errorf("property %q: %w", s.Name, err)
		}
		*p = append(*p, s)
	}
	return nil
}
