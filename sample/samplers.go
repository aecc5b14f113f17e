package sample

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/ollama/constrain/automaton"
	"github.com/ollama/constrain/recognizer"
)

// token represents information about a single token during sampling
type token struct {
	id    int32   // The token's unique identifier
	value float32 // The raw logit or probability from the model
}

type Sampler struct {
	rng         *rand.Rand
	topK        int
	topP        float32
	minP        float32
	temperature float32
	grammar     *Grammar
}

func (s *Sampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	tokens := make([]token, len(logits))
	for i := range logits {
		tokens[i].id = int32(i)
		tokens[i].value = logits[i]
	}

	t, err := s.sample(tokens)
	if err != nil {
		return -1, err
	}

	if s.grammar != nil {
		// check the sampled token alone first; only mask the whole
		// vocabulary when it is rejected
		top := []token{t}
		s.grammar.Apply(top)
		if !math.IsInf(float64(top[0].value), -1) {
			if err := s.grammar.Accept(top[0].id); err != nil {
				return -1, err
			}
			return top[0].id, nil
		}

		// sample modifies tokens in place
		for i := range logits {
			tokens[i].id = int32(i)
			tokens[i].value = logits[i]
		}
		s.grammar.Apply(tokens)
		t, err = s.sample(tokens)
		if err != nil {
			return -1, err
		}
		if err := s.grammar.Accept(t.id); err != nil {
			return -1, err
		}
	}

	return t.id, nil
}

// greedy returns the highest probability token from the tokens
func greedy(tokens []token) token {
	max := tokens[0]
	for i := 1; i < len(tokens); i++ {
		if tokens[i].value > max.value {
			max = tokens[i]
		}
	}

	return max
}

// sample returns the highest probability token from the tokens
// given sampler parameters. It also has side effects of modifying the tokens
func (s *Sampler) sample(tokens []token) (token, error) {
	if s.temperature == 0 {
		return greedy(tokens), nil
	}

	// topK also sorts the tokens in descending order of logits
	tokens = topK(tokens, s.topK)

	// scale and normalize the tokens in place
	temperature(tokens, s.temperature)
	softmax(tokens)

	tokens = topP(tokens, s.topP)
	tokens = minP(tokens, s.minP)

	var r float32
	if s.rng != nil {
		r = s.rng.Float32()
	} else {
		r = rand.Float32()
	}

	// Calculate cumulative sum of probabilities
	var sum float32
	for i := range tokens {
		sum += tokens[i].value
		tokens[i].value = sum
	}
	if math.IsNaN(float64(sum)) {
		return token{}, errors.New("sample: logits sum to NaN, check model output")
	}
	r *= tokens[len(tokens)-1].value

	idx, _ := slices.BinarySearchFunc(tokens, r, func(token token, target float32) int {
		if token.value < target {
			return -1
		}
		return 1
	})
	return tokens[min(idx, len(tokens)-1)], nil
}

// NewSampler validates and stores sampling parameters. A seed of -1 uses
// the global random source. grammar may be nil.
func NewSampler(temperature float32, topK int, topP float32, minP float32, seed int, grammar *Grammar) (Sampler, error) {
	switch {
	case temperature < 0 || temperature > 2:
		return Sampler{}, fmt.Errorf("temperature must be in [0, 2], got %v", temperature)
	case topK < 0:
		return Sampler{}, fmt.Errorf("top_k must be non-negative, got %d", topK)
	case topP < 0 || topP >= 1:
		return Sampler{}, fmt.Errorf("top_p must be in [0, 1), got %v", topP)
	case minP < 0 || minP >= 1:
		return Sampler{}, fmt.Errorf("min_p must be in [0, 1), got %v", minP)
	}

	var rng *rand.Rand
	if seed != -1 {
		// PCG requires two parameters: sequence and stream
		// Use original seed for sequence
		sequence := uint64(seed)
		// Use golden ratio hash to generate statistically independent seeds
		rng = rand.New(rand.NewPCG(sequence, sequence^0x9E3779B9))
	}

	return Sampler{
		rng:         rng,
		topK:        topK,
		topP:        topP,
		minP:        minP,
		temperature: temperature,
		grammar:     grammar,
	}, nil
}

// Grammar constrains the tokens of a single sampled sequence.
type Grammar struct {
	r     *recognizer.Recognizer
	state automaton.State
}

func NewGrammar(r *recognizer.Recognizer) *Grammar {
	return &Grammar{r: r, state: r.Initial()}
}

// Apply sets the value of every token the grammar rejects to -Inf.
func (g *Grammar) Apply(tokens []token) {
	if len(tokens) == 1 {
		if !g.r.TryToken(int(tokens[0].id), g.state) {
			tokens[0].value = float32(math.Inf(-1))
		}
		return
	}

	bits := g.r.Acceptance(g.state)
	for i := range tokens {
		if !bits.Test(uint(tokens[i].id)) {
			tokens[i].value = float32(math.Inf(-1))
		}
	}
}

// Accept advances the grammar past id.
func (g *Grammar) Accept(id int32) error {
	s, err := g.r.AcceptToken(int(id), g.state)
	if err != nil {
		return err
	}
	g.state = s
	return nil
}

func (g *Grammar) State() automaton.State { return g.state }

// Done reports whether only end-of-sequence can follow.
func (g *Grammar) Done() bool { return g.state.MustStop() }

func (g *Grammar) Reset() { g.state = g.r.Initial() }
