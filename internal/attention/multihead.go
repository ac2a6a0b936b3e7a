package attention

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/tinyformer/internal/nn"
	"github.com/samcharles93/tinyformer/internal/tensor"
)

// ErrHeadsDivide is returned when the model dimension is not a multiple of
// the head count.
var ErrHeadsDivide = errors.New("model dimension must be divisible by head count")

// SplitHeads reshapes (B, L, h·dk) into (B, h, L, dk).
func SplitHeads(x *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	if err := tensor.Expect("split_heads", x, -1, -1, -1); err != nil {
		return nil, err
	}
	b, l, d := x.Shape[0], x.Shape[1], x.Shape[2]
	if heads <= 0 || d%heads != 0 {
		return nil, fmt.Errorf("split_heads: d=%d, heads=%d: %w", d, heads, ErrHeadsDivide)
	}
	v, err := x.Reshape(b, l, heads, d/heads)
	if err != nil {
		return nil, err
	}
	return tensor.SwapAxes(v, 1, 2)
}

// MergeHeads is the inverse of SplitHeads: (B, h, L, dk) to (B, L, h·dk),
// contiguous so a projection can consume each position as one vector.
func MergeHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.Expect("merge_heads", x, -1, -1, -1, -1); err != nil {
		return nil, err
	}
	t, err := tensor.SwapAxes(x, 1, 2)
	if err != nil {
		return nil, err
	}
	return t.Reshape(x.Shape[0], x.Shape[2], x.Shape[1]*x.Shape[3])
}

// MultiHeadAttention projects a primary sequence to queries and a context
// sequence to keys and values, attends per head and projects the merged
// result.
type MultiHeadAttention struct {
	Dim, Heads, HeadDim int

	WQ, WK, WV, WO *nn.Linear

	attnDrop *nn.Dropout
	outDrop  *nn.Dropout
}

// MHATrace records one MultiHeadAttention.Forward call.
type MHATrace struct {
	X, Ctx *tensor.Tensor
	SDP    *Trace
	Merged *tensor.Tensor
	Out    *tensor.Tensor
	// Weights is the attention distribution summed over heads, (B, Lq, Lk).
	Weights *tensor.Tensor

	self    bool
	outMask *tensor.Tensor
}

// NewMultiHeadAttention builds the four d×d projections. Parameter names are
// prefixed with name. Dropout streams are seeded from rng.
func NewMultiHeadAttention(name string, d, heads int, dropout float32, bias bool, rng *rand.Rand) (*MultiHeadAttention, error) {
	if d <= 0 || heads <= 0 {
		return nil, fmt.Errorf("multi-head attention: d=%d, heads=%d must be positive", d, heads)
	}
	if d%heads != 0 {
		return nil, fmt.Errorf("multi-head attention: d=%d, heads=%d: %w", d, heads, ErrHeadsDivide)
	}
	attnDrop, err := nn.NewDropout(dropout, rng.Uint64())
	if err != nil {
		return nil, fmt.Errorf("multi-head attention: %w", err)
	}
	outDrop, err := nn.NewDropout(dropout, rng.Uint64())
	if err != nil {
		return nil, fmt.Errorf("multi-head attention: %w", err)
	}
	prefix := func(p string) string {
		if name == "" {
			return p
		}
		return name + "." + p
	}
	return &MultiHeadAttention{
		Dim:      d,
		Heads:    heads,
		HeadDim:  d / heads,
		WQ:       nn.NewLinear(prefix("wq"), d, d, bias, rng),
		WK:       nn.NewLinear(prefix("wk"), d, d, bias, rng),
		WV:       nn.NewLinear(prefix("wv"), d, d, bias, rng),
		WO:       nn.NewLinear(prefix("wo"), d, d, bias, rng),
		attnDrop: attnDrop,
		outDrop:  outDrop,
	}, nil
}

// Forward attends x (B, Lq, d) over ctx (B, Lk, d). A nil ctx means
// self-attention over x. mask must broadcast to (B, H, Lq, Lk).
func (m *MultiHeadAttention) Forward(x, ctx, mask *tensor.Tensor, training bool) (*MHATrace, error) {
	if err := tensor.Expect("multi_head_attention", x, -1, -1, m.Dim); err != nil {
		return nil, err
	}
	self := ctx == nil
	if self {
		ctx = x
	} else if err := tensor.Expect("multi_head_attention_context", ctx, x.Shape[0], -1, m.Dim); err != nil {
		return nil, err
	}

	q, err := m.project(m.WQ, x)
	if err != nil {
		return nil, err
	}
	k, err := m.project(m.WK, ctx)
	if err != nil {
		return nil, err
	}
	v, err := m.project(m.WV, ctx)
	if err != nil {
		return nil, err
	}

	sdp, err := ScaledDotProduct(q, k, v, mask, m.attnDrop, training)
	if err != nil {
		return nil, err
	}
	if err := tensor.Expect("attention_weights", sdp.Weights, x.Shape[0], m.Heads, x.Shape[1], ctx.Shape[1]); err != nil {
		return nil, err
	}
	merged, err := MergeHeads(sdp.Out)
	if err != nil {
		return nil, err
	}
	if err := tensor.Expect("merge_heads", merged, x.Shape...); err != nil {
		return nil, err
	}
	proj, err := m.WO.Forward(merged)
	if err != nil {
		return nil, err
	}
	out, outMask := m.outDrop.Forward(proj, training)

	return &MHATrace{
		X:       x,
		Ctx:     ctx,
		SDP:     sdp,
		Merged:  merged,
		Out:     out,
		Weights: sumHeads(sdp.Weights),
		self:    self,
		outMask: outMask,
	}, nil
}

// Backward accumulates the projection gradients and returns dx and, for
// cross-attention, dctx. For self-attention the key and value paths are
// folded into dx and dctx is nil.
func (m *MultiHeadAttention) Backward(tr *MHATrace, dOut *tensor.Tensor) (dx, dctx *tensor.Tensor, err error) {
	if !tensor.SameShape(dOut.Shape, tr.Out.Shape) {
		return nil, nil, tensor.Mismatch("multi_head_attention_backward", tr.Out.Shape, dOut.Shape)
	}
	dProj := m.outDrop.Backward(tr.outMask, dOut)
	dMerged, err := m.WO.Backward(tr.Merged, dProj)
	if err != nil {
		return nil, nil, err
	}
	dHeads, err := SplitHeads(dMerged, m.Heads)
	if err != nil {
		return nil, nil, err
	}
	dq, dk, dv, err := tr.SDP.Backward(dHeads)
	if err != nil {
		return nil, nil, err
	}

	dx, err = m.unproject(m.WQ, tr.X, dq)
	if err != nil {
		return nil, nil, err
	}
	dctx, err = m.unproject(m.WK, tr.Ctx, dk)
	if err != nil {
		return nil, nil, err
	}
	dv2, err := m.unproject(m.WV, tr.Ctx, dv)
	if err != nil {
		return nil, nil, err
	}
	if err := tensor.AddInPlace(dctx, dv2); err != nil {
		return nil, nil, err
	}
	if tr.self {
		if err := tensor.AddInPlace(dx, dctx); err != nil {
			return nil, nil, err
		}
		return dx, nil, nil
	}
	return dx, dctx, nil
}

// Parameters returns wq, wk, wv and wo parameters in that order.
func (m *MultiHeadAttention) Parameters() []*nn.Param {
	var ps []*nn.Param
	for _, l := range []*nn.Linear{m.WQ, m.WK, m.WV, m.WO} {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

func (m *MultiHeadAttention) project(l *nn.Linear, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := l.Forward(x)
	if err != nil {
		return nil, err
	}
	return SplitHeads(y, m.Heads)
}

func (m *MultiHeadAttention) unproject(l *nn.Linear, x, dHeads *tensor.Tensor) (*tensor.Tensor, error) {
	dy, err := MergeHeads(dHeads)
	if err != nil {
		return nil, err
	}
	return l.Backward(x, dy)
}

// sumHeads reduces (B, H, Lq, Lk) to (B, Lq, Lk).
func sumHeads(w *tensor.Tensor) *tensor.Tensor {
	b, h, lq, lk := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	out := tensor.New(b, lq, lk)
	plane := lq * lk
	for i := range b {
		dst := out.Data[i*plane : (i+1)*plane]
		for j := range h {
			off := (i*h + j) * plane
			tensor.Axpy(dst, 1, w.Data[off:off+plane])
		}
	}
	return out
}
