// Package logits turns a vector of vocabulary logits into a token id.
package logits

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// SamplerConfig configures the behaviour of a Sampler.
//
// The zero value samples from the full softmax distribution, which is the
// generation policy of the decoder. Temperature < 0 selects greedy argmax.
type SamplerConfig struct {
	Seed        uint64
	Temperature float32
	// TopK keeps only the k most likely tokens; 0 keeps all of them.
	TopK int
	// TopP truncates the sorted distribution once its cumulative mass
	// reaches TopP; values outside (0, 1) disable it.
	TopP float32
}

// Sampler draws token ids from logits with its own seeded random stream.
// It is not safe for concurrent use.
type Sampler struct {
	cfg    SamplerConfig
	src    rand.Source
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature < 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		cfg:    cfg,
		src:    rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d),
		greedy: greedy,
	}
}

// Sample draws a single index from the provided logits vector:
//
//  1. Greedy samplers, and TopK == 1, return the argmax.
//  2. Logits are divided by the temperature and the TopK largest kept.
//  3. A softmax over the shortlist gives the distribution; entries at -Inf
//     get zero mass.
//  4. With TopP < 1 the shortlist is cut once the cumulative mass reaches TopP.
//  5. One index is drawn from the remaining weights.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy || s.cfg.TopK == 1 {
		return Argmax(logits)
	}
	k := s.cfg.TopK
	if k == 0 || k > len(logits) {
		k = len(logits)
	}
	topIdx, topVal := s.topK(logits, k, 1/s.cfg.Temperature)

	maxv := topVal[0]
	if math.IsInf(float64(maxv), -1) {
		return topIdx[0]
	}
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i, v := range topVal {
		prob[i] = math.Exp(float64(v - maxv))
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				prob = prob[:i+1]
				break
			}
		}
	}

	cat := distuv.NewCategorical(prob, s.src)
	return topIdx[int(cat.Rand())]
}

// Argmax returns the index of the maximum value; ties resolve to the lowest
// index. It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits, scaled by invTemp.
// The returned slices are ordered from largest to smallest by value.
// This is an O(V*K) insertion, fine for vocabularies of a few thousand.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
