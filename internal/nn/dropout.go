package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// Dropout zeroes each element with probability P during training and scales
// survivors by 1/(1-P). Each instance owns its random stream.
type Dropout struct {
	P   float32
	rng *rand.Rand
}

// NewDropout validates p and seeds the instance's generator.
func NewDropout(p float32, seed uint64) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %g", p)
	}
	return &Dropout{P: p, rng: tensor.NewRand(seed)}, nil
}

// Forward returns the dropped-out tensor and the scale mask applied. When
// training is false or P is 0 it returns x itself and a nil mask.
func (d *Dropout) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, *tensor.Tensor) {
	if d == nil || !training || d.P == 0 {
		return x, nil
	}
	keep := 1 / (1 - d.P)
	mask := tensor.ZerosLike(x)
	out := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if d.rng.Float32() >= d.P {
			mask.Data[i] = keep
			out.Data[i] = v * keep
		}
	}
	return out, mask
}

// Backward routes dy through the mask recorded by Forward.
func (d *Dropout) Backward(mask, dy *tensor.Tensor) *tensor.Tensor {
	if mask == nil {
		return dy
	}
	out := tensor.ZerosLike(dy)
	for i, m := range mask.Data {
		out.Data[i] = dy.Data[i] * m
	}
	return out
}
