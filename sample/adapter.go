package sample

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ollama/constrain/recognizer"
)

// Processor is the per-step hook a decoding loop calls with the token
// history and the next-token scores of every hypothesis.
type Processor interface {
	Process(ids [][]int32, scores [][]float32) ([][]float32, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ids [][]int32, scores [][]float32) ([][]float32, error)

func (fn ProcessorFunc) Process(ids [][]int32, scores [][]float32) ([][]float32, error) {
	return fn(ids, scores)
}

// Adapter names understood by NewProcessor.
const (
	Transformers = "transformers"
	LlamaCPP     = "llama_cpp"
)

var ErrUnknownAdapter = errors.New("unknown adapter")

var adapters = map[string]func(*Filter) Processor{
	// batch of hypotheses, new score vectors
	Transformers: func(f *Filter) Processor { return f },
	// one hypothesis, logits masked in place
	LlamaCPP: func(f *Filter) Processor { return &llamaCPP{f: f} },
}

// Adapters lists the registered adapter names.
func Adapters() []string {
	return slices.Sorted(maps.Keys(adapters))
}

// NewProcessor wraps f in the named adapter.
func NewProcessor(name string, f *Filter) (Processor, error) {
	newAdapter, ok := adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w %q, want one of %v", ErrUnknownAdapter, name, Adapters())
	}
	return newAdapter(f), nil
}

type llamaCPP struct {
	f *Filter
}

func (a *llamaCPP) Process(ids [][]int32, scores [][]float32) ([][]float32, error) {
	if len(ids) != 1 || len(scores) != 1 {
		return nil, fmt.Errorf("%w: llama_cpp handles a single sequence, got %d", recognizer.ErrBatchSize, len(ids))
	}

	if err := a.f.Mask(ids, scores); err != nil {
		return nil, err
	}
	return scores, nil
}
