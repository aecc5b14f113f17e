package sample

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/recognizer"
	"github.com/ollama/constrain/vocab"
)

var scenarioPieces = []string{"</s>", "ab", "b", "bc", "c"}

func newRecognizer(t testing.TB, src string, pieces []string, opts ...recognizer.Option) *recognizer.Recognizer {
	t.Helper()
	g, err := grammar.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, err := recognizer.New(g, vocab.FromStrings(pieces, 0), 0, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

// scenario: root ::= "a" "b"+ "c" over {0: eos, 1: ab, 2: b, 3: bc, 4: c}
func newScenario(t testing.TB) *recognizer.Recognizer {
	return newRecognizer(t, `root ::= "a" "b"+ "c"`, scenarioPieces)
}

// finite returns the indices not masked to -Inf.
func finite(row []float32) []int {
	var out []int
	for i, v := range row {
		if !math.IsInf(float64(v), -1) {
			out = append(out, i)
		}
	}
	return out
}

func ramp(n int) []float32 {
	row := make([]float32, n)
	for i := range row {
		row[i] = float32(i) + 0.5
	}
	return row
}

// steps are the histories of one hypothesis walking "ab" "bc" eos.
var steps = [][]int32{{}, {1}, {1, 3}, {1, 3, 0}}

func TestFilterFullMask(t *testing.T) {
	f := NewFilter(newScenario(t))

	want := [][]int{{1}, {2, 3, 4}, {0}}
	for i, w := range want {
		scores := ramp(5)
		out, err := f.Process([][]int32{steps[i]}, [][]float32{scores})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}

		if diff := cmp.Diff(w, finite(out[0])); diff != "" {
			t.Errorf("step %d (-want +got):\n%s", i, diff)
		}
		for _, id := range w {
			if out[0][id] != scores[id] {
				t.Errorf("step %d: accepted score %d changed to %v", i, id, out[0][id])
			}
		}
		if diff := cmp.Diff(ramp(5), scores); diff != "" {
			t.Errorf("step %d: Process modified its input:\n%s", i, diff)
		}
	}
}

func TestFilterDeadHypothesis(t *testing.T) {
	f := NewFilter(newScenario(t))
	if _, err := f.Process([][]int32{{}}, [][]float32{ramp(5)}); err != nil {
		t.Fatal(err)
	}

	// "c" can never start the sequence but stays a possible history
	out, err := f.Process([][]int32{{4}}, [][]float32{ramp(5)})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0}, finite(out[0])); diff != "" {
		t.Errorf("a dead hypothesis must only allow eos (-want +got):\n%s", diff)
	}
	if out[0][0] != 0.5 {
		t.Errorf("forced eos score changed to %v", out[0][0])
	}
}

func TestFilterSpeculation(t *testing.T) {
	r := newScenario(t)
	spec := NewFilter(r, WithMode(Speculation))
	full := NewFilter(r)

	cases := []struct {
		ids    []int32
		scores []float32
		want   []int
	}{
		// the greedy token "ab" is legal
		{[]int32{}, []float32{0, 9, 0, 0, 0}, []int{1}},
		// the greedy token eos is not, fall back to the full vector
		{[]int32{1}, []float32{9, 0, 1, 2, 3}, []int{2, 3, 4}},
		// "b" is legal, only it survives
		{[]int32{1, 2}, []float32{0, 0, 9, 1, 1}, []int{2}},
	}
	for i, tt := range cases {
		got, err := spec.Process([][]int32{tt.ids}, [][]float32{tt.scores})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if diff := cmp.Diff(tt.want, finite(got[0])); diff != "" {
			t.Errorf("step %d (-want +got):\n%s", i, diff)
		}

		// the greedy choice is the same under both modes
		masked, err := full.Process([][]int32{tt.ids}, [][]float32{tt.scores})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if argmax(got[0]) != argmax(masked[0]) {
			t.Errorf("step %d: speculation picked %d, full mask %d", i, argmax(got[0]), argmax(masked[0]))
		}
	}

	speculated, fallbacks := spec.Stats()
	if speculated != 2 || fallbacks != 1 {
		t.Errorf("stats = %d speculated, %d fallbacks; want 2, 1", speculated, fallbacks)
	}
}

func TestFilterWidthMismatch(t *testing.T) {
	var buf bytes.Buffer
	logger := logutil.NewLogger(&buf, slog.LevelWarn)

	native := NewFilter(newScenario(t))
	wide := NewFilter(newScenario(t), WithLogger(logger))

	for i := range 3 {
		want, err := native.Process([][]int32{steps[i]}, [][]float32{ramp(5)})
		if err != nil {
			t.Fatal(err)
		}

		got, err := wide.Process([][]int32{steps[i]}, [][]float32{ramp(10)})
		if err != nil {
			t.Fatal(err)
		}

		if len(got[0]) != 10 {
			t.Fatalf("step %d: width %d, want the score width 10", i, len(got[0]))
		}
		if diff := cmp.Diff(finite(want[0]), finite(got[0])); diff != "" {
			t.Errorf("step %d: padding changed the mask (-native +wide):\n%s", i, diff)
		}
	}

	if n := strings.Count(buf.String(), "vocabulary size mismatch"); n != 1 {
		t.Errorf("logged the mismatch %d times, want once:\n%s", n, buf.String())
	}

	t.Run("narrow", func(t *testing.T) {
		f := NewFilter(newScenario(t), WithLogger(logger))
		if _, err := f.Process([][]int32{{}}, [][]float32{ramp(5)}); err != nil {
			t.Fatal(err)
		}
		got, err := f.Process([][]int32{{1}}, [][]float32{ramp(3)})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]int{2}, finite(got[0])); diff != "" {
			t.Errorf("truncated mask (-want +got):\n%s", diff)
		}
	})

	t.Run("reset warns again", func(t *testing.T) {
		buf.Reset()
		wide.Reset()
		if _, err := wide.Process([][]int32{{}}, [][]float32{ramp(6)}); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), "vocabulary size mismatch") {
			t.Error("expected a new warning after Reset")
		}
	})
}

func TestFilterBatch(t *testing.T) {
	r := newRecognizer(t, `root ::= ( "ab" | "b" [a-c] )+ "."`, []string{"</s>", "a", "b", "ab", "ba", "bc", ".", "c.", "bb"})

	histories := [][]int32{
		{3, 4, 5, 1, 2, 8, 3, 6},
		{1, 2, 2, 7, 0, 0, 0, 0},
		{2, 1, 3, 3, 6, 0, 0, 0},
		{8, 6, 0, 0, 0, 0, 0, 0},
	}

	run := func(opts ...FilterOption) [][][]int {
		f := NewFilter(r, append(opts, WithStartIndex(0))...)
		var masks [][][]int
		for step := range len(histories[0]) + 1 {
			ids := make([][]int32, len(histories))
			scores := make([][]float32, len(histories))
			for i, h := range histories {
				ids[i] = slices.Clone(h[:step])
				scores[i] = ramp(r.VocabSize())
			}

			out, err := f.Process(ids, scores)
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}

			row := make([][]int, len(out))
			for i := range out {
				row[i] = finite(out[i])
			}
			masks = append(masks, row)
		}
		return masks
	}

	sequential := run()
	if diff := cmp.Diff(sequential, run(WithParallel(3))); diff != "" {
		t.Errorf("parallel masks differ (-sequential +parallel):\n%s", diff)
	}
	if diff := cmp.Diff(sequential, run(WithRecompute())); diff != "" {
		t.Errorf("recomputed masks differ (-incremental +recompute):\n%s", diff)
	}
}

func TestFilterErrors(t *testing.T) {
	t.Run("batch shape", func(t *testing.T) {
		f := NewFilter(newScenario(t))
		_, err := f.Process([][]int32{{}, {}}, [][]float32{ramp(5)})
		if !errors.Is(err, recognizer.ErrBatchSize) {
			t.Errorf("got %v, want ErrBatchSize", err)
		}
	})

	t.Run("sequence length", func(t *testing.T) {
		f := NewFilter(newScenario(t))
		if _, err := f.Process([][]int32{{}}, [][]float32{ramp(5)}); err != nil {
			t.Fatal(err)
		}
		_, err := f.Process([][]int32{{1, 2}}, [][]float32{ramp(5)})
		if !errors.Is(err, recognizer.ErrSequenceLength) {
			t.Errorf("got %v, want ErrSequenceLength", err)
		}
	})

	t.Run("grammar exhausted", func(t *testing.T) {
		f := NewFilter(newScenario(t))
		if _, err := f.Process([][]int32{{}}, [][]float32{ramp(5)}); err != nil {
			t.Fatal(err)
		}
		scores := [][]float32{ramp(5)}
		_, err := f.Process([][]int32{{0}}, scores)
		if !errors.Is(err, recognizer.ErrGrammarExhausted) {
			t.Errorf("got %v, want ErrGrammarExhausted", err)
		}
		if diff := cmp.Diff(ramp(5), scores[0]); diff != "" {
			t.Errorf("scores modified on error:\n%s", diff)
		}
	})
}

func TestFilterReset(t *testing.T) {
	f := NewFilter(newScenario(t))
	for _, ids := range steps[:3] {
		if _, err := f.Process([][]int32{ids}, [][]float32{ramp(5)}); err != nil {
			t.Fatal(err)
		}
	}

	f.Reset()
	if f.States() != nil {
		t.Error("Reset should drop all states")
	}

	// a new, unrelated batch of two
	out, err := f.Process([][]int32{{7, 7}, {7, 7}}, [][]float32{ramp(5), ramp(5)})
	if err != nil {
		t.Fatal(err)
	}
	for i := range out {
		if diff := cmp.Diff([]int{1}, finite(out[i])); diff != "" {
			t.Errorf("hypothesis %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Mode
	}{
		{"", FullMask},
		{"full_mask", FullMask},
		{"speculation", Speculation},
	} {
		got, err := ParseMode(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if tt.in != "" && got.String() != tt.in {
			t.Errorf("%v.String() = %q", got, got.String())
		}
	}

	if _, err := ParseMode("beam"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}

func BenchmarkFilter(b *testing.B) {
	r := newRecognizer(b, `root ::= ( "ab" | "b" [a-c] )+ "."`, []string{"</s>", "a", "b", "ab", "ba", "bc", ".", "c.", "bb"})

	for _, mode := range []Mode{FullMask, Speculation} {
		b.Run(mode.String(), func(b *testing.B) {
			f := NewFilter(r, WithMode(mode), WithRecompute(), WithStartIndex(0))
			ids := [][]int32{{3, 4, 5}}
			scores := [][]float32{{0, 0, 0, 9, 0, 0, 0, 0, 0}}
			for b.Loop() {
				if _, err := f.Process(ids, scores); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
