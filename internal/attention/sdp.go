// Package attention implements scaled dot-product attention, the causal
// mask and multi-head attention, each with a matching backward pass.
package attention

import (
	"math"

	"github.com/samcharles93/tinyformer/internal/nn"
	"github.com/samcharles93/tinyformer/internal/tensor"
)

// Trace records one scaled dot-product attention call.
type Trace struct {
	Q, K, V *tensor.Tensor
	// Probs is the softmax output. Weights is Probs after dropout and is
	// what multiplies V; the two are the same tensor outside training.
	Probs   *tensor.Tensor
	Weights *tensor.Tensor
	Out     *tensor.Tensor

	drop     *nn.Dropout
	dropMask *tensor.Tensor
	scale    float32
}

// CausalMask returns the (l, l) lower-triangular matrix of ones: position i
// may attend to positions 0..i.
func CausalMask(l int) *tensor.Tensor {
	m := tensor.New(l, l)
	for i := range l {
		row := m.Row(i)
		for j := 0; j <= i; j++ {
			row[j] = 1
		}
	}
	return m
}

// ScaledDotProduct computes softmax(q·kᵀ/√d)·v.
//
// q is (B, H, Lq, D); k and v are (B, H, Lk, D). mask, when non-nil, must
// broadcast to (B, H, Lq, Lk); positions where it is 0 get -Inf scores and
// therefore zero weight. drop is applied to the weights only when training.
func ScaledDotProduct(q, k, v, mask *tensor.Tensor, drop *nn.Dropout, training bool) (*Trace, error) {
	if err := tensor.Expect("attention", q, -1, -1, -1, -1); err != nil {
		return nil, err
	}
	b, h, lq, d := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	if err := tensor.Expect("attention", k, b, h, -1, d); err != nil {
		return nil, err
	}
	lk := k.Shape[2]
	if err := tensor.Expect("attention", v, b, h, lk, d); err != nil {
		return nil, err
	}

	scores, err := tensor.MatMul(q, k, false, true)
	if err != nil {
		return nil, err
	}
	scale := float32(1 / math.Sqrt(float64(d)))
	tensor.Scale(scores, scale)

	if mask != nil {
		full, err := tensor.BroadcastTo(mask, b, h, lq, lk)
		if err != nil {
			return nil, err
		}
		ninf := float32(math.Inf(-1))
		for i, m := range full.Data {
			if m == 0 {
				scores.Data[i] = ninf
			}
		}
	}
	tensor.SoftmaxLast(scores)

	weights, dropMask := drop.Forward(scores, training)
	out, err := tensor.MatMul(weights, v, false, false)
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(out.Shape, q.Shape) {
		return nil, tensor.Mismatch("attention_output", q.Shape, out.Shape)
	}
	return &Trace{
		Q: q, K: k, V: v,
		Probs:    scores,
		Weights:  weights,
		Out:      out,
		drop:     drop,
		dropMask: dropMask,
		scale:    scale,
	}, nil
}

// Backward returns the gradients of q, k and v for upstream dOut.
func (tr *Trace) Backward(dOut *tensor.Tensor) (dq, dk, dv *tensor.Tensor, err error) {
	if !tensor.SameShape(dOut.Shape, tr.Out.Shape) {
		return nil, nil, nil, tensor.Mismatch("attention_backward", tr.Out.Shape, dOut.Shape)
	}
	dv, err = tensor.MatMul(tr.Weights, dOut, true, false)
	if err != nil {
		return nil, nil, nil, err
	}
	dWeights, err := tensor.MatMul(dOut, tr.V, false, true)
	if err != nil {
		return nil, nil, nil, err
	}
	dScores := tr.drop.Backward(tr.dropMask, dWeights)

	// Softmax Jacobian per row: ds = p ⊙ (dp - ⟨dp, p⟩), then the 1/√d scale.
	for r := range dScores.Rows() {
		p, g := tr.Probs.Row(r), dScores.Row(r)
		dot := tensor.Dot(p, g)
		for i := range g {
			g[i] = p[i] * (g[i] - dot) * tr.scale
		}
	}

	dq, err = tensor.MatMul(dScores, tr.K, false, false)
	if err != nil {
		return nil, nil, nil, err
	}
	dk, err = tensor.MatMul(dScores, tr.Q, true, false)
	if err != nil {
		return nil, nil, nil, err
	}
	return dq, dk, dv, nil
}
