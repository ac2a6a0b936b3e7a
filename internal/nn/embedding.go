package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// Embedding maps token ids to rows of a (vocab, dim) table.
type Embedding struct {
	Vocab, Dim int
	Weight     *Param
}

// NewEmbedding builds a table initialised from N(0, 0.02²).
func NewEmbedding(name string, vocab, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{Vocab: vocab, Dim: dim, Weight: NewParam(join(name, "weight"), vocab, dim)}
	tensor.FillNormal(e.Weight.Value, rng, 0.02)
	return e
}

// Forward looks up a rectangular batch of ids, producing (B, L, dim).
func (e *Embedding) Forward(ids [][]int) (*tensor.Tensor, error) {
	b, l, err := BatchShape(ids)
	if err != nil {
		return nil, err
	}
	out := tensor.New(b, l, e.Dim)
	for i, seq := range ids {
		for j, id := range seq {
			if id < 0 || id >= e.Vocab {
				return nil, fmt.Errorf("embedding: token id %d at (%d, %d) outside vocabulary of %d", id, i, j, e.Vocab)
			}
			copy(out.Row(i*l+j), e.Weight.Value.Row(id))
		}
	}
	return out, nil
}

// Backward scatters dy (B, L, dim) into the rows of the table gradient.
func (e *Embedding) Backward(ids [][]int, dy *tensor.Tensor) error {
	b, l, err := BatchShape(ids)
	if err != nil {
		return err
	}
	if err := tensor.Expect("embedding_backward", dy, b, l, e.Dim); err != nil {
		return err
	}
	for i, seq := range ids {
		for j, id := range seq {
			tensor.Axpy(e.Weight.Grad.Row(id), 1, dy.Row(i*l+j))
		}
	}
	return nil
}

// Parameters returns the table.
func (e *Embedding) Parameters() []*Param {
	return []*Param{e.Weight}
}

// BatchShape returns (B, L) for a non-empty rectangular batch of sequences.
func BatchShape(ids [][]int) (int, int, error) {
	if len(ids) == 0 {
		return 0, 0, fmt.Errorf("empty batch")
	}
	l := len(ids[0])
	for i, seq := range ids {
		if len(seq) != l {
			return 0, 0, fmt.Errorf("ragged batch: sequence %d has length %d, want %d", i, len(seq), l)
		}
	}
	if l == 0 {
		return 0, 0, fmt.Errorf("empty sequences")
	}
	return len(ids), l, nil
}
