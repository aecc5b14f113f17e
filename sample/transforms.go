package sample

import (
	"cmp"
	"math"
	"slices"

	"github.com/emirpasic/gods/queues/priorityqueue"
)

// temperature scales the logits. Values near zero are clamped to keep the
// division finite.
func temperature(ts []token, temp float32) []token {
	temp = max(temp, 1e-7)
	for i := range ts {
		ts[i].value = ts[i].value / temp
	}
	return ts
}

// softmax turns logits into probabilities. Masked tokens (-Inf) end up
// with probability zero.
func softmax(ts []token) []token {
	maxLogit := float32(math.Inf(-1))
	for _, t := range ts {
		if t.value > maxLogit {
			maxLogit = t.value
		}
	}

	var sum float32
	for i, t := range ts {
		ts[i].value = float32(math.Exp(float64(t.value - maxLogit)))
		sum += ts[i].value
	}

	for i := range ts {
		ts[i].value /= sum
	}
	return ts
}

func descending(a, b token) int {
	return cmp.Compare(b.value, a.value)
}

// topK keeps the k highest tokens, sorted in descending order. k <= 0 or
// k >= len(ts) sorts everything.
func topK(ts []token, k int) []token {
	if k <= 0 || k >= len(ts) {
		slices.SortStableFunc(ts, descending)
		return ts
	}

	// min-queue of the best k seen so far
	q := priorityqueue.NewWith(func(a, b any) int {
		return cmp.Compare(a.(token).value, b.(token).value)
	})
	for _, t := range ts {
		if q.Size() < k {
			q.Enqueue(t)
			continue
		}
		if least, _ := q.Peek(); t.value > least.(token).value {
			q.Dequeue()
			q.Enqueue(t)
		}
	}

	out := ts[:q.Size()]
	for i := len(out) - 1; i >= 0; i-- {
		v, _ := q.Dequeue()
		out[i] = v.(token)
	}
	return out
}

// topP keeps the smallest prefix of sorted probabilities whose mass exceeds
// p. p outside (0, 1) disables it.
func topP(ts []token, p float32) []token {
	if p <= 0 || p >= 1 {
		return ts
	}

	var sum float32
	for i, t := range ts {
		sum += t.value
		if sum > p {
			return ts[:i+1]
		}
	}
	return ts
}

// minP drops tokens whose probability is below p times the highest one.
func minP(ts []token, p float32) []token {
	if p <= 0 {
		return ts
	}

	maxProb := float32(0)
	for _, t := range ts {
		maxProb = max(maxProb, t.value)
	}

	threshold := maxProb * p
	kept := ts[:0]
	for _, t := range ts {
		if t.value >= threshold {
			kept = append(kept, t)
		}
	}
	return kept
}
