package nn

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

const geluC = 0.7978845608028654 // sqrt(2/pi)

// GELU is the tanh approximation used by GPT-2.
func GELU(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(geluC*(v+0.044715*v*v*v))))
}

// GELUGrad is the derivative of GELU.
func GELUGrad(x float32) float32 {
	v := float64(x)
	t := math.Tanh(geluC * (v + 0.044715*v*v*v))
	return float32(0.5*(1+t) + 0.5*v*(1-t*t)*geluC*(1+3*0.044715*v*v))
}

// FeedForward is Linear(d, hidden) → GELU → Linear(hidden, d).
type FeedForward struct {
	Up   *Linear
	Down *Linear
}

// FeedForwardCache keeps the activations of one forward pass.
type FeedForwardCache struct {
	X, Pre, Act *tensor.Tensor
}

func NewFeedForward(name string, dim, hidden int, bias bool, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		Up:   NewLinear(join(name, "up"), dim, hidden, bias, rng),
		Down: NewLinear(join(name, "down"), hidden, dim, bias, rng),
	}
}

func (f *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, *FeedForwardCache, error) {
	pre, err := f.Up.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	act := tensor.ZerosLike(pre)
	for i, v := range pre.Data {
		act.Data[i] = GELU(v)
	}
	y, err := f.Down.Forward(act)
	if err != nil {
		return nil, nil, err
	}
	return y, &FeedForwardCache{X: x, Pre: pre, Act: act}, nil
}

func (f *FeedForward) Backward(c *FeedForwardCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	dAct, err := f.Down.Backward(c.Act, dy)
	if err != nil {
		return nil, err
	}
	for i, v := range c.Pre.Data {
		dAct.Data[i] *= GELUGrad(v)
	}
	return f.Up.Backward(c.X, dAct)
}

func (f *FeedForward) Parameters() []*Param {
	return append(f.Up.Parameters(), f.Down.Parameters()...)
}
