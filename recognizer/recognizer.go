// Package recognizer turns generated token ids into parsing states and
// parsing states into sets of legal next tokens.
package recognizer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bits-and-blooms/bitset"

	"github.com/ollama/constrain/automaton"
	"github.com/ollama/constrain/cache"
	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/vocab"
)

var (
	// ErrGrammarExhausted is returned for a token the grammar cannot accept:
	// anything but end-of-sequence after the grammar finished, or
	// end-of-sequence before a complete parse.
	ErrGrammarExhausted = errors.New("grammar exhausted")

	// ErrSequenceLength is returned when an incremental tracker sees
	// sequences that did not grow by exactly one token.
	ErrSequenceLength = errors.New("inconsistent sequence length")

	// ErrNotAccepted is returned when recomputing a hypothesis leaves no
	// live continuation.
	ErrNotAccepted = errors.New("input is not accepted")

	// ErrBatchSize is returned when the number of hypotheses changes
	// between calls.
	ErrBatchSize = errors.New("batch size changed")
)

// Recognizer bridges a grammar and a vocabulary. It holds no per-hypothesis
// state and may be shared by several trackers and filters.
type Recognizer struct {
	engine  *automaton.Engine
	mapping vocab.Mapping
	trie    *vocab.Trie
	cache   *cache.Cache
	eos     int
	logger  *slog.Logger

	cacheSize int
}

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithTrie reuses a trie built from the same mapping.
func WithTrie(t *vocab.Trie) Option {
	return func(r *Recognizer) {
		r.trie = t
	}
}

// WithCache shares an acceptance cache between recognizers.
func WithCache(c *cache.Cache) Option {
	return func(r *Recognizer) {
		r.cache = c
	}
}

// WithCacheSize sets the capacity of the recognizer's own cache (default
// cache.DefaultSize). Zero or less disables caching.
func WithCacheSize(n int) Option {
	return func(r *Recognizer) {
		r.cacheSize = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recognizer) {
		r.logger = l
	}
}

func New(g *grammar.Grammar, m vocab.Mapping, eos int, opts ...Option) (*Recognizer, error) {
	if g == nil {
		return nil, errors.New("grammar cannot be nil")
	}
	if eos < 0 || eos >= m.Len() {
		return nil, fmt.Errorf("eos id %d out of range [0, %d)", eos, m.Len())
	}

	r := &Recognizer{
		engine:    automaton.New(g),
		mapping:   m,
		eos:       eos,
		logger:    slog.Default(),
		cacheSize: cache.DefaultSize,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.trie == nil {
		r.trie = vocab.NewTrie(m)
	} else if r.trie.Len() != m.Len() {
		return nil, fmt.Errorf("trie built for %d tokens, vocabulary has %d", r.trie.Len(), m.Len())
	}

	if r.cache == nil {
		c, err := cache.New(r.cacheSize)
		if err != nil {
			return nil, err
		}
		r.cache = c
	}

	r.logger.Debug("recognizer", "rules", g.Rules(), "unicode", g.Unicode(), "vocab", m.Len(), "eos", eos)
	return r, nil
}

func (r *Recognizer) Engine() *automaton.Engine { return r.engine }

func (r *Recognizer) Grammar() *grammar.Grammar { return r.engine.Grammar() }

func (r *Recognizer) Mapping() vocab.Mapping { return r.mapping }

func (r *Recognizer) Cache() *cache.Cache { return r.cache }

func (r *Recognizer) Logger() *slog.Logger { return r.logger }

func (r *Recognizer) EOS() int { return r.eos }

// VocabSize is the width of acceptance vectors.
func (r *Recognizer) VocabSize() int { return r.mapping.Len() }

func (r *Recognizer) Initial() automaton.State { return r.engine.Initial() }

// Acceptance returns the set of tokens legal in s. A dead state only allows
// end-of-sequence; otherwise end-of-sequence is legal iff s can stop.
//
// Each stack is evaluated on its own so that the result for a stack can be
// cached and reused whatever other stacks it appears with.
func (r *Recognizer) Acceptance(s automaton.State) *bitset.BitSet {
	size := uint(r.mapping.Len())
	if s.MustStop() {
		return bitset.New(size).Set(uint(r.eos))
	}

	g := r.engine.Grammar()
	partial := s.Partial()

	bits := bitset.New(size)
	for _, st := range s.Stacks() {
		if len(st) == 0 {
			continue
		}

		stackBits := r.cache.Get(cache.NewKey(g, st, partial), func() *bitset.BitSet {
			return r.stackAcceptance(st, partial)
		})
		bits.InPlaceUnion(stackBits)
	}

	if s.CanStop() {
		bits.Set(uint(r.eos))
	}
	return bits
}

func (r *Recognizer) stackAcceptance(st grammar.Stack, partial automaton.Partial) *bitset.BitSet {
	return vocab.Accept(r.trie, r.engine.Single(st, partial), func(s automaton.State, b byte) (automaton.State, bool) {
		next := r.engine.UpdateByte(b, s)
		return next, !next.MustStop()
	}, r.eos)
}

// AcceptToken consumes one token. Tokens without bytes (special tokens other
// than end-of-sequence) are never legal and produce a dead state.
func (r *Recognizer) AcceptToken(id int, s automaton.State) (automaton.State, error) {
	if s.MustStop() {
		if id == r.eos {
			return r.engine.Terminal(), nil
		}
		return automaton.State{}, fmt.Errorf("%w: token %d after the grammar finished", ErrGrammarExhausted, id)
	}

	if id == r.eos {
		if s.CanStop() {
			return r.engine.Terminal(), nil
		}
		return automaton.State{}, fmt.Errorf("%w: end of sequence without a complete parse", ErrGrammarExhausted)
	}

	seq := r.mapping.Bytes(id)
	if len(seq) == 0 {
		return automaton.State{}, nil
	}
	return r.engine.UpdateSequence(seq, s), nil
}

// TryToken reports whether id is in Acceptance(s) without computing the
// whole vector.
func (r *Recognizer) TryToken(id int, s automaton.State) bool {
	if id == r.eos {
		return s.MustStop() || s.CanStop()
	}
	if s.MustStop() {
		return false
	}

	seq := r.mapping.Bytes(id)
	return len(seq) > 0 && r.engine.TryAccept(seq, s)
}

// AcceptTokens reports whether ids, starting from the initial state, are a
// legal token sequence: either a prefix of the language or a complete parse
// terminated by end-of-sequence.
func (r *Recognizer) AcceptTokens(ids []int) bool {
	s := r.Initial()
	for _, id := range ids {
		var err error
		if s, err = r.AcceptToken(id, s); err != nil {
			return false
		}
		if s.MustStop() && !s.Terminated() {
			return false
		}
	}
	return true
}

// AcceptString reports whether text is a legal prefix of the language.
func (r *Recognizer) AcceptString(text string) bool {
	return r.engine.TryAccept([]byte(text), r.Initial())
}
