package tensor

import (
	"math"
	"math/rand/v2"
)

// NewRand returns a deterministic generator for the given seed. Two
// generators built from the same seed produce identical streams.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// FillNormal fills t with samples from N(0, std²).
func FillNormal(t *Tensor, rng *rand.Rand, std float32) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}

// FillUniform fills t with samples from U(-limit, limit).
func FillUniform(t *Tensor, rng *rand.Rand, limit float32) {
	for i := range t.Data {
		t.Data[i] = (2*rng.Float32() - 1) * limit
	}
}

// XavierLimit is the Glorot uniform bound for a fanIn×fanOut weight.
func XavierLimit(fanIn, fanOut int) float32 {
	return float32(math.Sqrt(6 / float64(fanIn+fanOut)))
}
