package vocab

import (
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/ollama/constrain/logutil"
)

// Trie indexes the byte sequences of a vocabulary. Tokens whose sequences are
// identical share a node; empty sequences are not indexed.
type Trie struct {
	root  node
	size  int
	nodes int
}

type node struct {
	ids   []int
	edges []edge // sorted by b
}

type edge struct {
	b    byte
	next *node
}

func (n *node) child(b byte) *node {
	i := sort.Search(len(n.edges), func(i int) bool { return n.edges[i].b >= b })
	if i < len(n.edges) && n.edges[i].b == b {
		return n.edges[i].next
	}
	return nil
}

func (n *node) childOrNew(b byte, count *int) *node {
	i := sort.Search(len(n.edges), func(i int) bool { return n.edges[i].b >= b })
	if i < len(n.edges) && n.edges[i].b == b {
		return n.edges[i].next
	}

	next := &node{}
	n.edges = append(n.edges, edge{})
	copy(n.edges[i+1:], n.edges[i:])
	n.edges[i] = edge{b: b, next: next}
	*count++
	return next
}

// NewTrie indexes every token of m.
func NewTrie(m Mapping) *Trie {
	t := &Trie{size: m.Len()}
	for id := range m.Len() {
		seq := m.Bytes(id)
		if len(seq) == 0 {
			continue
		}

		n := &t.root
		for _, b := range seq {
			n = n.childOrNew(b, &t.nodes)
		}
		n.ids = append(n.ids, id)
	}

	logutil.Trace("vocabulary trie", "tokens", t.size, "nodes", t.nodes)
	return t
}

// Len returns the vocabulary size the trie was built for.
func (t *Trie) Len() int { return t.size }

// Lookup returns the ids whose byte sequence is exactly seq.
func (t *Trie) Lookup(seq []byte) []int {
	if len(seq) == 0 {
		return nil
	}

	n := &t.root
	for _, b := range seq {
		if n = n.child(b); n == nil {
			return nil
		}
	}
	return n.ids
}

// Accept returns the set of tokens whose whole byte sequence is accepted,
// walking the trie once from init. step is evaluated once per explored edge
// and reports whether the frontier survives the byte. eos is never set;
// callers decide it separately.
func Accept[F any](t *Trie, init F, step func(F, byte) (F, bool), eos int) *bitset.BitSet {
	bits := bitset.New(uint(t.size))
	walk(&t.root, init, step, bits)
	if eos >= 0 {
		bits.Clear(uint(eos))
	}
	return bits
}

func walk[F any](n *node, f F, step func(F, byte) (F, bool), bits *bitset.BitSet) {
	for _, id := range n.ids {
		bits.Set(uint(id))
	}

	for _, e := range n.edges {
		if next, ok := step(f, e.b); ok {
			walk(e.next, next, step, bits)
		}
	}
}
