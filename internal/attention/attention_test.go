package attention

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/tinyformer/internal/nn"
	"github.com/samcharles93/tinyformer/internal/tensor"
)

func randTensor(seed uint64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillUniform(t, tensor.NewRand(seed), 1)
	return t
}

func weightedSum(y, w *tensor.Tensor) float64 {
	var s float64
	for i := range y.Data {
		s += float64(y.Data[i]) * float64(w.Data[i])
	}
	return s
}

func checkGrad(t *testing.T, name string, x, analytic *tensor.Tensor, f func() float64) {
	t.Helper()
	const eps = 1e-2
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		up := f()
		x.Data[i] = orig - eps
		down := f()
		x.Data[i] = orig
		num := (up - down) / (2 * eps)
		got := float64(analytic.Data[i])
		if math.Abs(num-got) > 2e-2*math.Max(1, math.Abs(num)) {
			t.Fatalf("%s[%d]: analytic %g, numeric %g", name, i, got, num)
		}
	}
}

func TestScaledDotProductShapesAndRows(t *testing.T) {
	t.Parallel()

	q := randTensor(1, 2, 3, 5, 4)
	k := randTensor(2, 2, 3, 5, 4)
	v := randTensor(3, 2, 3, 5, 4)
	tr, err := ScaledDotProduct(q, k, v, nil, nil, false)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	if !tensor.SameShape(tr.Out.Shape, q.Shape) {
		t.Fatalf("output shape %v, want %v", tr.Out.Shape, q.Shape)
	}
	if !tensor.SameShape(tr.Weights.Shape, []int{2, 3, 5, 5}) {
		t.Fatalf("weight shape %v", tr.Weights.Shape)
	}
	for r := range tr.Weights.Rows() {
		var sum float64
		for _, p := range tr.Weights.Row(r) {
			sum += float64(p)
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Fatalf("row %d sums to %v", r, sum)
		}
	}
}

func TestScaledDotProductScale(t *testing.T) {
	t.Parallel()

	// Two keys whose dot products with q are 0 and 4 at head_dim 4: the
	// scaled scores are 0 and 2.
	q, _ := tensor.FromSlice([]float32{1, 1, 1, 1}, 1, 1, 1, 4)
	k, _ := tensor.FromSlice([]float32{0, 0, 0, 0, 1, 1, 1, 1}, 1, 1, 2, 4)
	v := tensor.New(1, 1, 2, 4)
	tr, err := ScaledDotProduct(q, k, v, nil, nil, false)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	want := 1 / (1 + math.Exp(2))
	if got := float64(tr.Weights.Data[0]); math.Abs(got-want) > 1e-6 {
		t.Fatalf("weight %v, want %v", got, want)
	}
}

func TestCausalMask(t *testing.T) {
	t.Parallel()

	for _, l := range []int{1, 2, 5, 9} {
		m := CausalMask(l)
		for i := range l {
			for j := range l {
				want := float32(0)
				if j <= i {
					want = 1
				}
				if got := m.At(i, j); got != want {
					t.Fatalf("L=%d mask(%d,%d) = %v, want %v", l, i, j, got, want)
				}
			}
		}
	}
}

func TestCausalAttentionZeroesFuture(t *testing.T) {
	t.Parallel()

	const l = 6
	q := randTensor(4, 2, 2, l, 3)
	k := randTensor(5, 2, 2, l, 3)
	v := randTensor(6, 2, 2, l, 3)
	tr, err := ScaledDotProduct(q, k, v, CausalMask(l), nil, false)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	for r := range tr.Weights.Rows() {
		i := r % l
		row := tr.Weights.Row(r)
		for j := i + 1; j < l; j++ {
			if row[j] != 0 {
				t.Fatalf("row %d attends to future position %d: %v", r, j, row[j])
			}
		}
	}
	if tensor.HasNaNOrInf(tr.Out) {
		t.Fatalf("non-finite attention output")
	}
}

func TestScaledDotProductRejectsShapes(t *testing.T) {
	t.Parallel()

	q := tensor.New(1, 2, 3, 4)
	cases := []struct {
		name    string
		k, v, m *tensor.Tensor
	}{
		{"rank", tensor.New(2, 3, 4), tensor.New(2, 3, 4), nil},
		{"head_dim", tensor.New(1, 2, 3, 5), tensor.New(1, 2, 3, 5), nil},
		{"value_len", tensor.New(1, 2, 3, 4), tensor.New(1, 2, 4, 4), nil},
		{"mask", tensor.New(1, 2, 3, 4), tensor.New(1, 2, 3, 4), tensor.New(4, 4)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ScaledDotProduct(q, tc.k, tc.v, tc.m, nil, false)
			if !errors.Is(err, tensor.ErrShapeMismatch) {
				t.Fatalf("expected ErrShapeMismatch, got %v", err)
			}
		})
	}
}

func TestScaledDotProductCrossLength(t *testing.T) {
	t.Parallel()

	q := randTensor(7, 1, 2, 3, 4)
	k := randTensor(8, 1, 2, 5, 4)
	v := randTensor(9, 1, 2, 5, 4)
	tr, err := ScaledDotProduct(q, k, v, nil, nil, false)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	if !tensor.SameShape(tr.Weights.Shape, []int{1, 2, 3, 5}) {
		t.Fatalf("weight shape %v", tr.Weights.Shape)
	}
}

func TestScaledDotProductGradients(t *testing.T) {
	t.Parallel()

	q := randTensor(10, 1, 2, 4, 3)
	k := randTensor(11, 1, 2, 4, 3)
	v := randTensor(12, 1, 2, 4, 3)
	w := randTensor(13, 1, 2, 4, 3)
	mask := CausalMask(4)

	loss := func() float64 {
		tr, err := ScaledDotProduct(q, k, v, mask, nil, false)
		if err != nil {
			t.Fatalf("attention: %v", err)
		}
		return weightedSum(tr.Out, w)
	}
	tr, err := ScaledDotProduct(q, k, v, mask, nil, false)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	dq, dk, dv, err := tr.Backward(w)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	checkGrad(t, "q", q, dq, loss)
	checkGrad(t, "k", k, dk, loss)
	checkGrad(t, "v", v, dv, loss)
}

func TestScaledDotProductDropout(t *testing.T) {
	t.Parallel()

	q := randTensor(14, 1, 1, 8, 4)
	drop, err := nn.NewDropout(0.5, 1)
	if err != nil {
		t.Fatalf("dropout: %v", err)
	}
	eval, err := ScaledDotProduct(q, q, q, nil, drop, false)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	if eval.Weights != eval.Probs {
		t.Fatalf("dropout applied outside training")
	}
	train, err := ScaledDotProduct(q, q, q, nil, drop, true)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	zeros := 0
	for _, w := range train.Weights.Data {
		if w == 0 {
			zeros++
		}
	}
	if zeros == 0 {
		t.Fatalf("training dropout zeroed nothing")
	}
}

func TestSplitMergeRoundTrip(t *testing.T) {
	t.Parallel()

	x := randTensor(15, 2, 5, 12)
	heads, err := SplitHeads(x, 3)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !tensor.SameShape(heads.Shape, []int{2, 3, 5, 4}) {
		t.Fatalf("split shape %v", heads.Shape)
	}
	// Head 1 of position 2 is features 4..7.
	for j := range 4 {
		if heads.At(1, 1, 2, j) != x.At(1, 2, 4+j) {
			t.Fatalf("head layout differs at feature %d", j)
		}
	}
	back, err := MergeHeads(heads)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !tensor.SameShape(back.Shape, x.Shape) {
		t.Fatalf("merge shape %v", back.Shape)
	}
	for i := range x.Data {
		if back.Data[i] != x.Data[i] {
			t.Fatalf("round trip differs at %d", i)
		}
	}
}

func TestNewMultiHeadAttentionHeadsDivide(t *testing.T) {
	t.Parallel()

	_, err := NewMultiHeadAttention("attn", 10, 3, 0, true, tensor.NewRand(1))
	if !errors.Is(err, ErrHeadsDivide) {
		t.Fatalf("expected ErrHeadsDivide, got %v", err)
	}
	if _, err := NewMultiHeadAttention("attn", 12, 3, 0, true, tensor.NewRand(1)); err != nil {
		t.Fatalf("d=12 h=3: %v", err)
	}
}

func TestMultiHeadIdentityProjections(t *testing.T) {
	t.Parallel()

	const d = 8
	m, err := NewMultiHeadAttention("attn", d, 2, 0, false, tensor.NewRand(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, l := range []*nn.Linear{m.WQ, m.WK, m.WV, m.WO} {
		l.Weight.Value.Zero()
		for i := range d {
			l.Weight.Value.Set(1, i, i)
		}
	}
	// With a single position every head attends only to itself, so the
	// output equals the input.
	x := randTensor(16, 3, 1, d)
	tr, err := m.Forward(x, nil, CausalMask(1), false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i := range x.Data {
		if math.Abs(float64(tr.Out.Data[i]-x.Data[i])) > 1e-6 {
			t.Fatalf("out[%d] = %v, want %v", i, tr.Out.Data[i], x.Data[i])
		}
	}
}

func TestMultiHeadWeightsSummedOverHeads(t *testing.T) {
	t.Parallel()

	m, err := NewMultiHeadAttention("attn", 12, 3, 0, true, tensor.NewRand(3))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	x := randTensor(17, 2, 4, 12)
	tr, err := m.Forward(x, nil, CausalMask(4), false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !tensor.SameShape(tr.Out.Shape, x.Shape) {
		t.Fatalf("output shape %v", tr.Out.Shape)
	}
	if !tensor.SameShape(tr.Weights.Shape, []int{2, 4, 4}) {
		t.Fatalf("weight shape %v", tr.Weights.Shape)
	}
	for r := range tr.Weights.Rows() {
		var sum float64
		for _, w := range tr.Weights.Row(r) {
			sum += float64(w)
		}
		if math.Abs(sum-3) > 1e-4 {
			t.Fatalf("row %d sums to %v, want 3", r, sum)
		}
	}
}

func TestMultiHeadIndependentValueProjection(t *testing.T) {
	t.Parallel()

	m, err := NewMultiHeadAttention("attn", 4, 1, 0, false, tensor.NewRand(4))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	x := randTensor(18, 1, 3, 4)
	before, err := m.Forward(x, nil, nil, false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	m.WV.Weight.Value.Zero()
	after, err := m.Forward(x, nil, nil, false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i := range after.Out.Data {
		if after.Out.Data[i] != 0 {
			t.Fatalf("output depends on something other than wv: %v", after.Out.Data)
		}
	}
	for i := range before.Weights.Data {
		if before.Weights.Data[i] != after.Weights.Data[i] {
			t.Fatalf("zeroing wv changed the attention weights")
		}
	}
}

func TestMultiHeadSelfAttentionGradients(t *testing.T) {
	t.Parallel()

	m, err := NewMultiHeadAttention("attn", 6, 2, 0, true, tensor.NewRand(5))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, p := range m.Parameters() {
		if len(p.Value.Shape) == 1 {
			tensor.FillUniform(p.Value, tensor.NewRand(6), 0.3)
		}
	}
	x := randTensor(19, 2, 3, 6)
	w := randTensor(20, 2, 3, 6)
	mask := CausalMask(3)

	loss := func() float64 {
		tr, err := m.Forward(x, nil, mask, false)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		return weightedSum(tr.Out, w)
	}
	tr, err := m.Forward(x, nil, mask, false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	dx, dctx, err := m.Backward(tr, w)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	if dctx != nil {
		t.Fatalf("self-attention returned a context gradient")
	}
	checkGrad(t, "x", x, dx, loss)
	for _, p := range m.Parameters() {
		checkGrad(t, p.Name, p.Value, p.Grad, loss)
	}
}

func TestMultiHeadCrossAttentionGradients(t *testing.T) {
	t.Parallel()

	m, err := NewMultiHeadAttention("cross", 4, 2, 0, false, tensor.NewRand(7))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	x := randTensor(21, 1, 2, 4)
	ctx := randTensor(22, 1, 5, 4)
	w := randTensor(23, 1, 2, 4)

	loss := func() float64 {
		tr, err := m.Forward(x, ctx, nil, false)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		return weightedSum(tr.Out, w)
	}
	tr, err := m.Forward(x, ctx, nil, false)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !tensor.SameShape(tr.Weights.Shape, []int{1, 2, 5}) {
		t.Fatalf("weight shape %v", tr.Weights.Shape)
	}
	dx, dctx, err := m.Backward(tr, w)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	checkGrad(t, "x", x, dx, loss)
	checkGrad(t, "ctx", ctx, dctx, loss)
}

func BenchmarkMultiHeadAttention(b *testing.B) {
	m, err := NewMultiHeadAttention("attn", 64, 4, 0, true, tensor.NewRand(1))
	if err != nil {
		b.Fatal(err)
	}
	x := randTensor(1, 8, 32, 64)
	mask := CausalMask(32)
	for b.Loop() {
		if _, err := m.Forward(x, nil, mask, false); err != nil {
			b.Fatal(err)
		}
	}
}
