package sample

import (
	"testing"
)

func mustSampler(b *testing.B, temperature float32, topK int, topP, minP float32, seed int, g *Grammar) Sampler {
	b.Helper()
	s, err := NewSampler(temperature, topK, topP, minP, seed, g)
	if err != nil {
		b.Fatal(err)
	}
	return s
}

func BenchmarkGrammarSampler(b *testing.B) {
	r := newRecognizer(b, `root ::= [a-z]+ "."`, []string{"</s>", "a", "b", "ab", ".", "!", "?", "ab."})

	// the highest logits are rejected, so every step falls back to the
	// full mask
	logits := []float32{1, 2, 2, 3, 1, 9, 8, 1}

	cases := []struct {
		name string
		temp float32
		topK int
	}{
		{"Greedy", 0, 0},
		{"Weighted", 0.8, 0},
		{"TopK", 0.8, 3},
	}

	for _, tt := range cases {
		b.Run(tt.name, func(b *testing.B) {
			g := NewGrammar(r)
			sampler := mustSampler(b, tt.temp, tt.topK, 0, 0, 42, g)
			for b.Loop() {
				if _, err := sampler.Sample(logits); err != nil {
					b.Fatal(err)
				}
				if g.Done() {
					g.Reset()
				}
			}
		})
	}
}
