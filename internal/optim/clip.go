package optim

import (
	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/tinyformer/internal/nn"
)

// GradNorm is the L2 norm of all gradients taken together.
func GradNorm(params []*nn.Param) float64 {
	norms := make([]float64, len(params))
	var buf []float64
	for i, p := range params {
		buf = buf[:0]
		for _, g := range p.Grad.Data {
			buf = append(buf, float64(g))
		}
		norms[i] = floats.Norm(buf, 2)
	}
	return floats.Norm(norms, 2)
}

// ClipGradNorm rescales every gradient so the global norm is at most
// maxNorm and returns the norm measured before clipping.
func ClipGradNorm(params []*nn.Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		for i := range p.Grad.Data {
			p.Grad.Data[i] *= scale
		}
	}
	return norm
}
