package sample

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/constrain/automaton"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/recognizer"
)

// ErrVocabSizeMismatch is returned when an acceptance vector cannot be
// brought to the width of its score vector.
var ErrVocabSizeMismatch = errors.New("vocabulary size mismatch")

// Mode selects how acceptance vectors are computed.
type Mode int

const (
	// FullMask computes the complete acceptance vector every step.
	FullMask Mode = iota

	// Speculation tests the highest scoring token first and only computes
	// the complete vector when the grammar rejects it.
	Speculation
)

func (m Mode) String() string {
	switch m {
	case FullMask:
		return "full_mask"
	case Speculation:
		return "speculation"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "full_mask":
		return FullMask, nil
	case "speculation":
		return Speculation, nil
	default:
		return 0, fmt.Errorf("unknown execution mode %q, want full_mask or speculation", s)
	}
}

// Filter masks the scores of grammar-illegal tokens at every decoding
// step. A Filter follows one batch of hypotheses; call Reset before reusing
// it for an unrelated batch.
type Filter struct {
	r         *recognizer.Recognizer
	mode      Mode
	start     int
	parallel  int
	recompute bool
	blocker   *Blocker
	logger    *slog.Logger

	tracker recognizer.Tracker
	warned  atomic.Bool

	speculated, fallbacks atomic.Uint64
}

type FilterOption func(*Filter)

func WithMode(m Mode) FilterOption {
	return func(f *Filter) {
		f.mode = m
	}
}

// WithStartIndex folds tokens from index i on into the states on the first
// call. By default the first call's tokens are an unconstrained prompt.
func WithStartIndex(i int) FilterOption {
	return func(f *Filter) {
		f.start = i
	}
}

// WithParallel computes up to n hypotheses concurrently.
func WithParallel(n int) FilterOption {
	return func(f *Filter) {
		f.parallel = n
	}
}

// WithRecompute recomputes every hypothesis from the start on each call
// instead of requiring one new token per call.
func WithRecompute() FilterOption {
	return func(f *Filter) {
		f.recompute = true
	}
}

// WithBlocker removes tokens leading into error rules. Acceptance is always
// computed in full when a blocker is set.
func WithBlocker(b *Blocker) FilterOption {
	return func(f *Filter) {
		f.blocker = b
	}
}

func WithLogger(l *slog.Logger) FilterOption {
	return func(f *Filter) {
		f.logger = l
	}
}

func NewFilter(r *recognizer.Recognizer, opts ...FilterOption) *Filter {
	f := &Filter{
		r:        r,
		start:    recognizer.NoStart,
		parallel: 1,
		logger:   r.Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.recompute {
		f.tracker = r.NonIncremental(f.start)
	} else {
		f.tracker = r.Incremental(f.start)
	}
	return f
}

func (f *Filter) Recognizer() *recognizer.Recognizer { return f.r }

func (f *Filter) Mode() Mode { return f.mode }

// States returns the parsing state of every hypothesis after the last call.
func (f *Filter) States() []automaton.State { return f.tracker.States() }

// Process returns a copy of scores in which every token the grammar does
// not allow after ids is set to -Inf.
func (f *Filter) Process(ids [][]int32, scores [][]float32) ([][]float32, error) {
	out := make([][]float32, len(scores))
	for i := range scores {
		out[i] = slices.Clone(scores[i])
	}

	if err := f.Mask(ids, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Mask is Process without the copy: scores are modified in place. On
// error scores are left untouched.
func (f *Filter) Mask(ids [][]int32, scores [][]float32) error {
	if len(ids) != len(scores) {
		return fmt.Errorf("%w: %d token histories, %d score vectors", recognizer.ErrBatchSize, len(ids), len(scores))
	}

	states, err := f.tracker.Update(ids)
	if err != nil {
		return err
	}

	accepted := make([]*bitset.BitSet, len(states))
	if f.parallel > 1 && len(states) > 1 {
		var g errgroup.Group
		g.SetLimit(f.parallel)
		for i := range states {
			g.Go(func() error {
				accepted[i] = f.acceptance(states[i], scores[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for i := range states {
			accepted[i] = f.acceptance(states[i], scores[i])
		}
	}

	for i := range accepted {
		if accepted[i], err = f.reconcile(accepted[i], len(scores[i])); err != nil {
			return fmt.Errorf("hypothesis %d: %w", i, err)
		}
	}

	for i, bits := range accepted {
		logutil.TraceTo(f.logger, "accepted tokens", "hypothesis", i, "state", states[i], "accepted", logutil.Bits{Set: bits, Limit: 32})
		mask(scores[i], bits)
	}
	return nil
}

func (f *Filter) acceptance(s automaton.State, scores []float32) *bitset.BitSet {
	if f.mode == Speculation && f.blocker == nil {
		if top := argmax(scores); top >= 0 && f.r.TryToken(top, s) {
			f.speculated.Add(1)
			return bitset.New(uint(f.r.VocabSize())).Set(uint(top))
		}
		f.fallbacks.Add(1)
	}

	bits := f.r.Acceptance(s)
	if f.blocker != nil {
		f.blocker.Block(s, bits)
	}
	return bits
}

// reconcile truncates or zero-pads bits to width, warning once per filter.
func (f *Filter) reconcile(bits *bitset.BitSet, width int) (*bitset.BitSet, error) {
	have := int(bits.Len())
	if have == width {
		return bits, nil
	}

	if f.warned.CompareAndSwap(false, true) {
		f.logger.Warn("vocabulary size mismatch, adjusting acceptance vectors", "acceptance", have, "scores", width)
	}

	adjusted := bitset.New(uint(width))
	for id, ok := bits.NextSet(0); ok && id < uint(width); id, ok = bits.NextSet(id + 1) {
		adjusted.Set(id)
	}

	if got := int(adjusted.Len()); got != width {
		return nil, fmt.Errorf("%w: acceptance width %d, scores width %d", ErrVocabSizeMismatch, got, width)
	}
	return adjusted, nil
}

// Reset forgets all hypotheses and the width warning.
func (f *Filter) Reset() {
	f.logger.Debug("filter reset", "mode", f.mode, "speculated", f.speculated.Load(), "fallbacks", f.fallbacks.Load())
	f.tracker.Reset()
	f.warned.Store(false)
	f.speculated.Store(0)
	f.fallbacks.Store(0)
}

// Stats returns how often speculation was confirmed and how often it fell
// back to the complete vector.
func (f *Filter) Stats() (speculated, fallbacks uint64) {
	return f.speculated.Load(), f.fallbacks.Load()
}

func argmax(scores []float32) int {
	if len(scores) == 0 {
		return -1
	}

	best := 0
	for i, v := range scores[1:] {
		if v > scores[best] {
			best = i + 1
		}
	}
	return best
}

func mask(scores []float32, bits *bitset.BitSet) {
	for i := range scores {
		if !bits.Test(uint(i)) {
			scores[i] = float32(math.Inf(-1))
		}
	}
}
