// Package vocab maps token ids to the bytes they produce and indexes those
// byte sequences in a trie for whole-vocabulary acceptance queries.
package vocab

import (
	"fmt"
	"slices"
	"sync"
)

// Mapping is a total function from token ids in [0, Len()) to byte
// sequences. Special tokens map to empty sequences.
type Mapping interface {
	Bytes(id int) []byte
	Len() int
}

// Table is an in-memory Mapping.
type Table struct {
	pieces  []string
	values  [][]byte
	special []bool
	eos     int

	idsOnce sync.Once
	ids     map[string]int
}

// NewTable decodes every piece with decode. Ids listed in special, and the
// end-of-sequence id, map to empty sequences.
func NewTable(pieces []string, decode Decoder, eos int, special ...int) (*Table, error) {
	if eos < 0 || eos >= len(pieces) {
		return nil, fmt.Errorf("eos id %d out of range [0, %d)", eos, len(pieces))
	}

	t := &Table{
		pieces:  slices.Clone(pieces),
		values:  make([][]byte, len(pieces)),
		special: make([]bool, len(pieces)),
		eos:     eos,
	}

	t.special[eos] = true
	for _, id := range special {
		if id < 0 || id >= len(pieces) {
			return nil, fmt.Errorf("special id %d out of range [0, %d)", id, len(pieces))
		}
		t.special[id] = true
	}

	for i, p := range pieces {
		if !t.special[i] {
			t.values[i] = decode(p)
		}
	}
	return t, nil
}

// FromStrings builds a raw Table, mostly useful for tests and tools.
func FromStrings(pieces []string, eos int) *Table {
	t, err := NewTable(pieces, Raw, eos)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Len() int { return len(t.values) }

func (t *Table) Bytes(id int) []byte {
	if id < 0 || id >= len(t.values) {
		return nil
	}
	return t.values[id]
}

// EOS returns the end-of-sequence id.
func (t *Table) EOS() int { return t.eos }

// Special reports whether id is a control token.
func (t *Table) Special(id int) bool {
	return id >= 0 && id < len(t.special) && t.special[id]
}

// Piece returns the surface form of id.
func (t *Table) Piece(id int) string {
	if id < 0 || id >= len(t.pieces) {
		return ""
	}
	return t.pieces[id]
}

// ID looks up a token by its surface form.
func (t *Table) ID(piece string) (int, bool) {
	t.idsOnce.Do(func() {
		t.ids = make(map[string]int, len(t.pieces))
		for i, p := range t.pieces {
			if _, ok := t.ids[p]; !ok {
				t.ids[p] = i
			}
		}
	})

	id, ok := t.ids[piece]
	return id, ok
}
