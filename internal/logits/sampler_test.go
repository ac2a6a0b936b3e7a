package logits

import (
	"math"
	"testing"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical sequences when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()

	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := range 50 {
		a, b := s1.Sample(logs), s2.Sample(logs)
		if a != b {
			t.Fatalf("draw %d: expected deterministic sample, got %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	t.Parallel()

	logs := []float32{-1, 5, 3, 7, 2}
	for _, cfg := range []SamplerConfig{
		{Seed: 99, Temperature: -1},
		{Seed: 99, TopK: 1},
	} {
		if idx := NewSampler(cfg).Sample(logs); idx != 3 {
			t.Fatalf("%+v: expected greedy index 3, got %d", cfg, idx)
		}
	}
}

// TestSamplerTopP checks that a dominant token exhausts the nucleus on its own.
func TestSamplerTopP(t *testing.T) {
	t.Parallel()

	logs := []float32{0, 0, 10, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, TopP: 0.5})
	for range 20 {
		if idx := s.Sample(logs); idx != 2 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerSkipsMaskedTokens(t *testing.T) {
	t.Parallel()

	ninf := float32(math.Inf(-1))
	logs := []float32{ninf, 0, ninf, 0}
	s := NewSampler(SamplerConfig{Seed: 3})
	seen := map[int]int{}
	for range 200 {
		seen[s.Sample(logs)]++
	}
	if seen[0] != 0 || seen[2] != 0 {
		t.Fatalf("sampled a -Inf token: %v", seen)
	}
	if seen[1] == 0 || seen[3] == 0 {
		t.Fatalf("expected both finite tokens to be drawn: %v", seen)
	}
}

func TestSamplerFollowsDistribution(t *testing.T) {
	t.Parallel()

	// softmax(0, ln 3) = (0.25, 0.75)
	logs := []float32{0, float32(math.Log(3))}
	s := NewSampler(SamplerConfig{Seed: 11})
	const n = 4000
	ones := 0
	for range n {
		ones += s.Sample(logs)
	}
	if frac := float64(ones) / n; math.Abs(frac-0.75) > 0.05 {
		t.Fatalf("token 1 drawn %.3f of the time, want about 0.75", frac)
	}
}

func TestArgmaxTies(t *testing.T) {
	t.Parallel()

	if got := Argmax([]float32{1, 4, 4, 2}); got != 1 {
		t.Fatalf("Argmax = %d, want 1", got)
	}
}
