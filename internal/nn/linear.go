package nn

import (
	"math/rand/v2"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// Linear computes y = x·W + b over the last axis of x.
// W has shape (in, out); b has shape (out) and is nil when bias is disabled.
type Linear struct {
	In, Out int
	Weight  *Param
	Bias    *Param
}

// NewLinear builds a Xavier-uniform initialised projection.
func NewLinear(name string, in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewParam(join(name, "weight"), in, out),
	}
	tensor.FillUniform(l.Weight.Value, rng, tensor.XavierLimit(in, out))
	if bias {
		l.Bias = NewParam(join(name, "bias"), out)
	}
	return l
}

// Forward maps (..., in) to (..., out).
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != l.In {
		return nil, tensor.Errorf("linear", "input %s, want last axis %d", tensor.FormatShape(x.Shape), l.In)
	}
	x2, err := x.Reshape(x.Size()/l.In, l.In)
	if err != nil {
		return nil, err
	}
	y, err := tensor.MatMul(x2, l.Weight.Value, false, false)
	if err != nil {
		return nil, err
	}
	if l.Bias != nil {
		for r := range y.Rows() {
			tensor.Axpy(y.Row(r), 1, l.Bias.Value.Data)
		}
	}
	outShape := append(append([]int(nil), x.Shape[:x.Rank()-1]...), l.Out)
	return y.Reshape(outShape...)
}

// Backward accumulates dW and db for the forward input x and upstream dy,
// and returns dx.
func (l *Linear) Backward(x, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != l.In {
		return nil, tensor.Errorf("linear_backward", "input %s, want last axis %d", tensor.FormatShape(x.Shape), l.In)
	}
	n := x.Size() / l.In
	if dy.Rank() == 0 || dy.Dim(-1) != l.Out || dy.Size() != n*l.Out {
		return nil, tensor.Errorf("linear_backward", "grad %s does not match input %s", tensor.FormatShape(dy.Shape), tensor.FormatShape(x.Shape))
	}
	x2, _ := x.Reshape(n, l.In)
	dy2, _ := dy.Reshape(n, l.Out)

	if err := tensor.MatMulInto(l.Weight.Grad, x2, dy2, true, false, 1, 1); err != nil {
		return nil, err
	}
	if l.Bias != nil {
		for r := range n {
			tensor.Axpy(l.Bias.Grad.Data, 1, dy2.Row(r))
		}
	}
	dx, err := tensor.MatMul(dy2, l.Weight.Value, false, true)
	if err != nil {
		return nil, err
	}
	return dx.Reshape(x.Shape...)
}

// Parameters returns the weight and, when present, the bias.
func (l *Linear) Parameters() []*Param {
	if l.Bias == nil {
		return []*Param{l.Weight}
	}
	return []*Param{l.Weight, l.Bias}
}
