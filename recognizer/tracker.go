package recognizer

import (
	"fmt"

	"github.com/ollama/constrain/automaton"
	"github.com/ollama/constrain/logutil"
)

// Tracker keeps one parsing state per hypothesis of a batch, updated from
// the token histories a decoding loop passes at every step.
type Tracker interface {
	// Update consumes the tokens added since the previous call and returns
	// the new states, one per hypothesis.
	Update(ids [][]int32) ([]automaton.State, error)

	// States returns the states computed by the last Update.
	States() []automaton.State

	// Reset forgets all hypotheses so the tracker can serve a new batch.
	Reset()
}

// NoStart leaves the start index unset: tokens present on the first call
// are treated as an unconstrained prompt.
const NoStart = -1

// Incremental assumes every call appends exactly one token to each
// hypothesis and consumes only that token.
type Incremental struct {
	r     *Recognizer
	start int

	started bool
	length  int
	states  []automaton.State
}

// Incremental returns a tracker. If start is not NoStart, tokens from that
// index on are folded into the states on the first call.
func (r *Recognizer) Incremental(start int) *Incremental {
	return &Incremental{r: r, start: start}
}

func (t *Incremental) Update(ids [][]int32) ([]automaton.State, error) {
	if !t.started {
		return t.first(ids)
	}

	if len(ids) != len(t.states) {
		return nil, fmt.Errorf("%w: got %d hypotheses, want %d", ErrBatchSize, len(ids), len(t.states))
	}

	for i, seq := range ids {
		if len(seq) != t.length+1 {
			return nil, fmt.Errorf("%w: hypothesis %d has %d tokens, want %d; use a new filter for every sequence",
				ErrSequenceLength, i, len(seq), t.length+1)
		}
	}

	next := make([]automaton.State, len(ids))
	for i, seq := range ids {
		s, err := t.r.AcceptToken(int(seq[len(seq)-1]), t.states[i])
		if err != nil {
			return nil, fmt.Errorf("hypothesis %d: %w", i, err)
		}
		next[i] = s
	}

	t.states = next
	t.length++
	logutil.TraceTo(t.r.logger, "incremental update", "length", t.length, "states", t.states)
	return t.states, nil
}

func (t *Incremental) first(ids [][]int32) ([]automaton.State, error) {
	length, err := batchLength(ids)
	if err != nil {
		return nil, err
	}

	if t.start > length {
		return nil, fmt.Errorf("%w: start index %d beyond %d tokens", ErrSequenceLength, t.start, length)
	}

	states := make([]automaton.State, len(ids))
	for i, seq := range ids {
		s := t.r.Initial()
		if t.start >= 0 {
			var units []byte
			for _, id := range seq[t.start:] {
				units = append(units, t.r.mapping.Bytes(int(id))...)
			}
			s = t.r.engine.UpdateSequence(units, s)
		}
		states[i] = s
	}

	t.started = true
	t.length = length
	t.states = states
	return t.states, nil
}

func (t *Incremental) States() []automaton.State { return t.states }

func (t *Incremental) Reset() {
	t.started = false
	t.length = 0
	t.states = nil
}

// NonIncremental recomputes every hypothesis from the start index on each
// call, so histories may change arbitrarily between calls. Cost grows with
// the length of the recomputed suffix.
type NonIncremental struct {
	r     *Recognizer
	start int

	from   int
	states []automaton.State
}

// NonIncremental returns a tracker. If start is NoStart, recomputation
// starts at the length of the sequences passed to the first call.
func (r *Recognizer) NonIncremental(start int) *NonIncremental {
	return &NonIncremental{r: r, start: start, from: NoStart}
}

func (t *NonIncremental) Update(ids [][]int32) ([]automaton.State, error) {
	if t.from == NoStart {
		if t.start >= 0 {
			t.from = t.start
		} else {
			length, err := batchLength(ids)
			if err != nil {
				return nil, err
			}
			t.from = length
		}
	}

	states := make([]automaton.State, len(ids))
	for i, seq := range ids {
		if len(seq) < t.from {
			return nil, fmt.Errorf("%w: hypothesis %d has %d tokens, recomputation starts at %d", ErrSequenceLength, i, len(seq), t.from)
		}

		s := t.r.Initial()
		for _, id := range seq[t.from:] {
			var err error
			if s, err = t.r.AcceptToken(int(id), s); err != nil {
				return nil, fmt.Errorf("hypothesis %d: %w", i, err)
			}
		}

		if s.MustStop() && !s.Terminated() {
			return nil, fmt.Errorf("hypothesis %d: %w", i, ErrNotAccepted)
		}
		states[i] = s
	}

	t.states = states
	logutil.TraceTo(t.r.logger, "recomputed states", "from", t.from, "states", t.states)
	return t.states, nil
}

func (t *NonIncremental) States() []automaton.State { return t.states }

func (t *NonIncremental) Reset() {
	t.from = NoStart
	t.states = nil
}

// batchLength returns the common length of all sequences.
func batchLength(ids [][]int32) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	length := len(ids[0])
	for i, seq := range ids[1:] {
		if len(seq) != length {
			return 0, fmt.Errorf("%w: hypothesis %d has %d tokens, hypothesis 0 has %d", ErrSequenceLength, i+1, len(seq), length)
		}
	}
	return length, nil
}
