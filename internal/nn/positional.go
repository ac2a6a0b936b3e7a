package nn

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// Positional adds a position-dependent embedding to (B, L, d) inputs.
type Positional interface {
	Encode(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients for upstream dy (B, L, d).
	Backward(dy *tensor.Tensor) error
	Parameters() []*Param
}

// Learned is a trainable (maxLen, d) table indexed by position.
type Learned struct {
	MaxLen, Dim int
	Table       *Param
}

func NewLearned(name string, maxLen, dim int, rng *rand.Rand) *Learned {
	p := &Learned{MaxLen: maxLen, Dim: dim, Table: NewParam(join(name, "weight"), maxLen, dim)}
	tensor.FillNormal(p.Table.Value, rng, 0.02)
	return p
}

func (p *Learned) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	return addTable(p.Table.Value, p.MaxLen, p.Dim, x)
}

func (p *Learned) Backward(dy *tensor.Tensor) error {
	if err := tensor.Expect("positional_backward", dy, -1, -1, p.Dim); err != nil {
		return err
	}
	l := dy.Dim(1)
	if l > p.MaxLen {
		return tensor.Errorf("positional_backward", "sequence length %d exceeds %d", l, p.MaxLen)
	}
	for r := range dy.Rows() {
		tensor.Axpy(p.Table.Grad.Row(r%l), 1, dy.Row(r))
	}
	return nil
}

func (p *Learned) Parameters() []*Param { return []*Param{p.Table} }

// Sinusoidal is the fixed encoding
//
//	PE(pos, 2i)   = sin(pos / 10000^(2i/d))
//	PE(pos, 2i+1) = cos(pos / 10000^(2i/d))
type Sinusoidal struct {
	MaxLen, Dim int
	table       *tensor.Tensor
}

func NewSinusoidal(maxLen, dim int) *Sinusoidal {
	t := tensor.New(maxLen, dim)
	for pos := range maxLen {
		row := t.Row(pos)
		for i := 0; i < dim; i += 2 {
			freq := math.Pow(10000, -float64(i)/float64(dim))
			row[i] = float32(math.Sin(float64(pos) * freq))
			if i+1 < dim {
				row[i+1] = float32(math.Cos(float64(pos) * freq))
			}
		}
	}
	return &Sinusoidal{MaxLen: maxLen, Dim: dim, table: t}
}

func (p *Sinusoidal) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	return addTable(p.table, p.MaxLen, p.Dim, x)
}

func (p *Sinusoidal) Backward(*tensor.Tensor) error { return nil }

func (p *Sinusoidal) Parameters() []*Param { return nil }

func addTable(table *tensor.Tensor, maxLen, dim int, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.Expect("positional", x, -1, -1, dim); err != nil {
		return nil, err
	}
	l := x.Dim(1)
	if l > maxLen {
		return nil, tensor.Errorf("positional", "sequence length %d exceeds %d", l, maxLen)
	}
	out := x.Clone()
	for r := range out.Rows() {
		tensor.Axpy(out.Row(r), 1, table.Row(r%l))
	}
	return out, nil
}
