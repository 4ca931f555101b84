package omni

import (
	"cmp"
	"container/heap"
	"math"
	"math/rand/v2"
	"slices"
)

// Sampler selects a token from logits. A zero temperature is greedy.
type Sampler struct {
	Temperature float64
	TopK        int
	TopP        float64

	rng *rand.Rand
	buf []cand
}

// NewSampler returns a sampler seeded with seed. Seed 0 draws a random seed.
func NewSampler(temperature float64, topK int, topP float64, seed int64) *Sampler {
	s := uint64(seed)
	if seed == 0 {
		s = rand.Uint64()
	}
	return &Sampler{
		Temperature: temperature,
		TopK:        topK,
		TopP:        topP,
		rng:         rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15)),
	}
}

// Select returns the chosen index, or -1 for empty logits.
//
// Only the top_k candidates are ordered, through a bounded min-heap, and no
// ordering happens at all when neither top_k nor top_p filters.
func (s *Sampler) Select(logits []float32) Token {
	if len(logits) == 0 {
		return -1
	}
	if s.Temperature <= 0 {
		return Token(argmax(logits))
	}

	cands := s.weights(logits)
	topK := s.TopK > 0 && s.TopK < len(cands)
	topP := s.TopP > 0 && s.TopP < 1

	switch {
	case topK:
		cands = keepTop(cands, s.TopK)
	case topP:
		slices.SortFunc(cands, byWeight)
	}

	if topP {
		var total float64
		for _, c := range cands {
			total += c.p
		}
		var cum float64
		for i, c := range cands {
			cum += c.p / total
			if cum >= s.TopP {
				cands = cands[:i+1]
				break
			}
		}
	}

	var total float64
	for _, c := range cands {
		total += c.p
	}
	r := s.rng.Float64() * total
	for _, c := range cands {
		r -= c.p
		if r <= 0 {
			return Token(c.id)
		}
	}
	return Token(cands[len(cands)-1].id)
}

type cand struct {
	id int
	p  float64
}

// byWeight orders by descending weight, lower id first on ties.
func byWeight(a, b cand) int {
	if c := cmp.Compare(b.p, a.p); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// weights fills the reusable candidate buffer with unnormalised softmax
// weights in vocabulary order.
func (s *Sampler) weights(logits []float32) []cand {
	if cap(s.buf) < len(logits) {
		s.buf = make([]cand, len(logits))
	}
	cands := s.buf[:len(logits)]
	maxLogit := float64(logits[argmax(logits)])
	for i, l := range logits {
		cands[i] = cand{id: i, p: math.Exp((float64(l) - maxLogit) / s.Temperature)}
	}
	return cands
}

// candHeap is a min-heap whose root is the weakest kept candidate.
type candHeap []cand

func (h candHeap) Len() int           { return len(h) }
func (h candHeap) Less(i, j int) bool { return byWeight(h[i], h[j]) > 0 }
func (h candHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x any)        { *h = append(*h, x.(cand)) }
func (h *candHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// keepTop moves the k strongest candidates to the front of cands in
// descending order and returns them.
func keepTop(cands []cand, k int) []cand {
	h := candHeap(cands[:k])
	heap.Init(&h)
	for _, c := range cands[k:] {
		if byWeight(c, h[0]) < 0 {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}
	slices.SortFunc(h, byWeight)
	return h
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
