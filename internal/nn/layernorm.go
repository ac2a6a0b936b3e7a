package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// LayerNorm normalises the last axis to zero mean and unit variance, then
// applies a learned scale (Gamma) and shift (Beta).
//
// The variance is the biased estimator: divide by n, not n-1.
type LayerNorm struct {
	Dim   int
	Eps   float32
	Gamma *Param
	Beta  *Param
}

// LayerNormCache keeps what Backward needs from a forward pass.
type LayerNormCache struct {
	XHat   *tensor.Tensor
	InvStd []float32
}

// NewLayerNorm returns a LayerNorm with scale 1 and shift 0.
func NewLayerNorm(name string, dim int, eps float32) (*LayerNorm, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("layer norm %q: dimension must be positive, got %d", name, dim)
	}
	if !(eps > 0) {
		return nil, fmt.Errorf("layer norm %q: epsilon must be positive, got %g", name, eps)
	}
	ln := &LayerNorm{
		Dim:   dim,
		Eps:   eps,
		Gamma: NewParam(join(name, "weight"), dim),
		Beta:  NewParam(join(name, "bias"), dim),
	}
	for i := range ln.Gamma.Value.Data {
		ln.Gamma.Value.Data[i] = 1
	}
	return ln, nil
}

// Normalize returns (x - mean) / sqrt(var + eps) along the last axis,
// before scale and shift, together with the per-row inverse deviation.
func (ln *LayerNorm) Normalize(x *tensor.Tensor) (*tensor.Tensor, []float32, error) {
	if x.Rank() == 0 || x.Dim(-1) != ln.Dim {
		return nil, nil, tensor.Errorf("layer_norm", "input %s, want last axis %d", tensor.FormatShape(x.Shape), ln.Dim)
	}
	xhat := tensor.ZerosLike(x)
	invStd := make([]float32, x.Rows())
	n := float64(ln.Dim)
	for r := range x.Rows() {
		row := x.Row(r)
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= n
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= n
		inv := 1 / math.Sqrt(variance+float64(ln.Eps))
		invStd[r] = float32(inv)
		out := xhat.Row(r)
		for i, v := range row {
			out[i] = float32((float64(v) - mean) * inv)
		}
	}
	return xhat, invStd, nil
}

// Forward applies normalization, scale and shift.
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, *LayerNormCache, error) {
	xhat, invStd, err := ln.Normalize(x)
	if err != nil {
		return nil, nil, err
	}
	y := tensor.ZerosLike(x)
	g, b := ln.Gamma.Value.Data, ln.Beta.Value.Data
	for r := range y.Rows() {
		src, dst := xhat.Row(r), y.Row(r)
		for i := range dst {
			dst[i] = src[i]*g[i] + b[i]
		}
	}
	return y, &LayerNormCache{XHat: xhat, InvStd: invStd}, nil
}

// Backward accumulates dGamma and dBeta and returns dx.
func (ln *LayerNorm) Backward(c *LayerNormCache, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(c.XHat.Shape, dy.Shape) {
		return nil, tensor.Mismatch("layer_norm_backward", c.XHat.Shape, dy.Shape)
	}
	dx := tensor.ZerosLike(dy)
	g := ln.Gamma.Value.Data
	dg, db := ln.Gamma.Grad.Data, ln.Beta.Grad.Data
	n := float32(ln.Dim)
	dxhat := make([]float32, ln.Dim)
	for r := range dy.Rows() {
		gy, xh, out := dy.Row(r), c.XHat.Row(r), dx.Row(r)
		var sum, dot float32
		for i := range gy {
			dg[i] += gy[i] * xh[i]
			db[i] += gy[i]
			dxhat[i] = gy[i] * g[i]
			sum += dxhat[i]
			dot += dxhat[i] * xh[i]
		}
		inv := c.InvStd[r] / n
		for i := range out {
			out[i] = inv * (n*dxhat[i] - sum - xh[i]*dot)
		}
	}
	return dx, nil
}

// Parameters returns the scale and shift.
func (ln *LayerNorm) Parameters() []*Param {
	return []*Param{ln.Gamma, ln.Beta}
}
