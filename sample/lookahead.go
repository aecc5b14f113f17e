package sample

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/ollama/constrain/automaton"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/recognizer"
)

// DefaultErrorPrefix marks rules that only exist to describe dead ends.
const DefaultErrorPrefix = "E"

// Blocker looks one token ahead and rejects candidates that would leave
// the automaton positioned only inside error rules.
type Blocker struct {
	r       *recognizer.Recognizer
	isError func(rule string) bool
	logger  *slog.Logger
}

type BlockerOption func(*Blocker)

// WithErrorPrefix classifies rules whose name starts with prefix as error
// rules.
func WithErrorPrefix(prefix string) BlockerOption {
	return func(b *Blocker) {
		b.isError = func(rule string) bool {
			return strings.HasPrefix(rule, prefix)
		}
	}
}

// WithErrorRules sets the error classification directly.
func WithErrorRules(fn func(rule string) bool) BlockerOption {
	return func(b *Blocker) {
		b.isError = fn
	}
}

func WithBlockerLogger(l *slog.Logger) BlockerOption {
	return func(b *Blocker) {
		b.logger = l
	}
}

func NewBlocker(r *recognizer.Recognizer, opts ...BlockerOption) *Blocker {
	b := &Blocker{r: r, logger: r.Logger()}
	WithErrorPrefix(DefaultErrorPrefix)(b)
	for _, opt := range opts {
		opt(b)
	}

	if len(b.ErrorRules()) == 0 {
		b.logger.Debug("lookahead has no error rules to block")
	}
	return b
}

// ErrorRules returns the sorted names of the grammar's rules classified as
// error rules.
func (b *Blocker) ErrorRules() []string {
	var rules []string
	for name := range b.r.Grammar().Symbols() {
		if b.isError(name) {
			rules = append(rules, name)
		}
	}
	slices.Sort(rules)
	return rules
}

// Block clears every candidate in bits whose one step projection from s
// is blocked. It never sets bits and returns the number cleared.
func (b *Blocker) Block(s automaton.State, bits *bitset.BitSet) int {
	var cleared int
	for id, ok := bits.NextSet(0); ok; id, ok = bits.NextSet(id + 1) {
		next, err := b.r.AcceptToken(int(id), s)
		if err != nil {
			continue
		}

		if b.Blocked(next) {
			bits.Clear(id)
			cleared++
		}
	}

	if cleared > 0 {
		logutil.TraceTo(b.logger, "lookahead blocked tokens", "state", s, "cleared", cleared)
	}
	return cleared
}

// Blocked reports whether every stack of s waits inside an error rule. A
// state without stacks is never blocked.
func (b *Blocker) Blocked(s automaton.State) bool {
	stacks := s.Stacks()
	if len(stacks) == 0 {
		return false
	}

	g := b.r.Grammar()
	for _, st := range stacks {
		if len(st) == 0 || !b.isError(g.RuleName(st.Top())) {
			return false
		}
	}
	return true
}
