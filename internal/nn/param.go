// Package nn holds the trainable building blocks of the decoder: parameters,
// linear projections, layer normalization, dropout, embeddings, the
// feed-forward block and positional encoders.
//
// Every layer exposes a Forward that returns whatever its Backward needs and
// a Backward that accumulates into the Grad of each Param it owns. Gradients
// are never reset implicitly; callers zero them between steps.
package nn

import (
	"fmt"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// Param is a named trainable tensor and its gradient accumulator.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// NewParam allocates a zero-valued parameter.
func NewParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Value: tensor.New(shape...),
		Grad:  tensor.New(shape...),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

func (p *Param) String() string {
	return fmt.Sprintf("%s%s", p.Name, tensor.FormatShape(p.Value.Shape))
}

// Count returns the total number of scalar values across params.
func Count(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Value.Size()
	}
	return n
}

// ZeroGrads clears the gradient of every param.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
