package data

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/samcharles93/tinyformer/internal/tokenizer"
)

func counting(n int) *Corpus {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return &Corpus{IDs: ids}
}

func TestSamplerWindows(t *testing.T) {
	t.Parallel()

	s, err := NewSampler(counting(100), 4, 8, 1)
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	if s.BatchSize() != 4 || s.SeqLen() != 8 {
		t.Fatalf("sampler shape %dx%d, want 4x8", s.BatchSize(), s.SeqLen())
	}
	for range 10 {
		x, y, err := s.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if len(x) != 4 || len(y) != 4 {
			t.Fatalf("batch size %d/%d, want 4", len(x), len(y))
		}
		for b := range x {
			if len(x[b]) != 8 || len(y[b]) != 8 {
				t.Fatalf("row %d lengths %d/%d, want 8", b, len(x[b]), len(y[b]))
			}
			for i := range x[b] {
				// Counting corpus: each target is the next id.
				if y[b][i] != x[b][i]+1 {
					t.Fatalf("row %d: target %d after input %d", b, y[b][i], x[b][i])
				}
				if i > 0 && x[b][i] != x[b][i-1]+1 {
					t.Fatalf("row %d is not a contiguous window", b)
				}
			}
		}
	}
}

func TestSamplerDeterministic(t *testing.T) {
	t.Parallel()

	a, _ := NewSampler(counting(50), 2, 5, 3)
	b, _ := NewSampler(counting(50), 2, 5, 3)
	for range 5 {
		xa, _, _ := a.Next()
		xb, _, _ := b.Next()
		for i := range xa {
			if !slices.Equal(xa[i], xb[i]) {
				t.Fatalf("same seed produced different batches")
			}
		}
	}
}

func TestSamplerExactLength(t *testing.T) {
	t.Parallel()

	s, err := NewSampler(counting(9), 3, 8, 0)
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	x, y, _ := s.Next()
	if x[0][0] != 0 || y[0][7] != 8 {
		t.Fatalf("only window should be [0,8), got %v -> %v", x[0], y[0])
	}
}

func TestSamplerTooShort(t *testing.T) {
	t.Parallel()

	if _, err := NewSampler(counting(8), 1, 8, 0); !errors.Is(err, ErrCorpusTooShort) {
		t.Fatalf("expected ErrCorpusTooShort, got %v", err)
	}
	if _, err := NewSampler(counting(8), 0, 4, 0); err == nil {
		t.Fatalf("zero batch accepted")
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	train, test, err := counting(100).Split(0.9)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if train.Len() != 90 || test.Len() != 10 {
		t.Fatalf("split %d/%d, want 90/10", train.Len(), test.Len())
	}
	if test.IDs[0] != 90 {
		t.Fatalf("test split starts at %d", test.IDs[0])
	}
	for _, frac := range []float64{0, 1, -0.5} {
		if _, _, err := counting(10).Split(frac); err == nil {
			t.Fatalf("fraction %v accepted", frac)
		}
	}
}

func TestLoadText(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corpus.txt")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadText(path, tokenizer.Bytes{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Equal(c.IDs, []int{'a', 'b', 'c'}) {
		t.Fatalf("ids = %v", c.IDs)
	}
	if c.MaxID() != 'c' {
		t.Fatalf("max id %d", c.MaxID())
	}
	if _, err := LoadText(filepath.Join(t.TempDir(), "missing"), tokenizer.Bytes{}); err == nil {
		t.Fatalf("missing file accepted")
	}
}
