// Package cache memoizes per-stack token acceptance vectors.
//
// Grammars with loops revisit the same stack shapes step after step, so
// remembering "stack + pending partial code point -> accepted tokens" avoids
// most trie walks after the first few tokens.
package cache

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ollama/constrain/automaton"
	"github.com/ollama/constrain/grammar"
)

// DefaultSize is the default number of cached vectors.
const DefaultSize = 32768

// Key identifies one cached vector. Keys of different grammars never
// collide since the grammar id is part of the key.
type Key struct {
	Grammar uuid.UUID
	Stack   string
	Partial automaton.Partial
}

// NewKey builds the key for stack under grammar g.
func NewKey(g *grammar.Grammar, stack grammar.Stack, partial automaton.Partial) Key {
	return Key{Grammar: g.ID(), Stack: stack.Key(), Partial: partial}
}

// signature hashes the key into the LRU index.
func (k Key) signature() uint64 {
	h := xxhash.New()
	h.Write(k.Grammar[:])
	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[:4], k.Partial.Value)
	buf[4] = byte(k.Partial.Remaining)
	h.Write(buf[:])
	h.WriteString(k.Stack)
	return h.Sum64()
}

type entry struct {
	key  Key
	bits *bitset.BitSet
}

// Cache is a bounded LRU of acceptance vectors. It is safe for concurrent
// use. A nil *Cache, or one created with size <= 0, caches nothing.
type Cache struct {
	lru *lru.Cache[uint64, entry]

	hits, misses atomic.Uint64
}

func New(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{}, nil
	}

	c, err := lru.New[uint64, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns the cached vector for key, calling compute on a miss and
// storing its result. Returned vectors are shared and must not be modified.
func (c *Cache) Get(key Key, compute func() *bitset.BitSet) *bitset.BitSet {
	if c == nil || c.lru == nil {
		return compute()
	}

	sig := key.signature()
	if e, ok := c.lru.Get(sig); ok && e.key == key {
		c.hits.Add(1)
		return e.bits
	}

	c.misses.Add(1)
	bits := compute()
	c.lru.Add(sig, entry{key: key, bits: bits})
	return bits
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge drops every entry and resets the counters.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	if c.lru != nil {
		c.lru.Purge()
	}
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns hit and miss counts since creation or the last Purge.
func (c *Cache) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}
