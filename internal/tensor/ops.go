package tensor

import (
	"math"
)

// Softmax normalises x in place into a probability distribution.
// Entries equal to -Inf receive zero weight; a row made entirely of -Inf
// becomes all zeros rather than NaN.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(float64(maxv), -1) {
		clear(x)
		return
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// SoftmaxLast applies Softmax to every vector along the last axis of t, in place.
func SoftmaxLast(t *Tensor) {
	for i := range t.Rows() {
		Softmax(t.Row(i))
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Axpy computes dst += alpha·src element-wise.
func Axpy(dst []float32, alpha float32, src []float32) {
	for i := range dst {
		dst[i] += alpha * src[i]
	}
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a.Shape, b.Shape) {
		return nil, Mismatch("add", a.Shape, b.Shape)
	}
	out := a.Clone()
	Axpy(out.Data, 1, b.Data)
	return out, nil
}

// AddInPlace accumulates src into dst. Both must have the same shape.
func AddInPlace(dst, src *Tensor) error {
	if !SameShape(dst.Shape, src.Shape) {
		return Mismatch("add_in_place", dst.Shape, src.Shape)
	}
	Axpy(dst.Data, 1, src.Data)
	return nil
}

// Scale multiplies every element of t by s in place and returns t.
func Scale(t *Tensor, s float32) *Tensor {
	for i := range t.Data {
		t.Data[i] *= s
	}
	return t
}

// HasNaNOrInf reports whether t contains a NaN or an infinity.
func HasNaNOrInf(t *Tensor) bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// SwapAxes returns a contiguous copy of t with axes i and j exchanged.
func SwapAxes(t *Tensor, i, j int) (*Tensor, error) {
	r := t.Rank()
	if i < 0 {
		i += r
	}
	if j < 0 {
		j += r
	}
	if i < 0 || j < 0 || i >= r || j >= r {
		return nil, Errorf("swap_axes", "axes %d and %d out of range for %s", i, j, FormatShape(t.Shape))
	}
	if i == j {
		return t.Clone(), nil
	}
	outShape := cloneShape(t.Shape)
	outShape[i], outShape[j] = outShape[j], outShape[i]
	out := New(outShape...)

	// Strides of the source, permuted into output axis order.
	src := strides(t.Shape)
	src[i], src[j] = src[j], src[i]

	idx := make([]int, r)
	off := 0
	for n := range out.Data {
		out.Data[n] = t.Data[off]
		for a := r - 1; a >= 0; a-- {
			idx[a]++
			off += src[a]
			if idx[a] < outShape[a] {
				break
			}
			off -= idx[a] * src[a]
			idx[a] = 0
		}
	}
	return out, nil
}

// BroadcastTo expands t to shape following numpy rules: shapes are aligned
// on the right and each source axis must equal the target or be 1.
func BroadcastTo(t *Tensor, shape ...int) (*Tensor, error) {
	if t.Rank() > len(shape) {
		return nil, Errorf("broadcast", "cannot broadcast %s to %s", FormatShape(t.Shape), FormatShape(shape))
	}
	lead := len(shape) - t.Rank()
	src := strides(t.Shape)
	st := make([]int, len(shape))
	for a := range t.Shape {
		switch t.Shape[a] {
		case shape[lead+a]:
			st[lead+a] = src[a]
		case 1:
			st[lead+a] = 0
		default:
			return nil, Errorf("broadcast", "cannot broadcast %s to %s", FormatShape(t.Shape), FormatShape(shape))
		}
	}
	out := New(shape...)
	if out.Size() == 0 {
		return out, nil
	}
	idx := make([]int, len(shape))
	off := 0
	for n := range out.Data {
		out.Data[n] = t.Data[off]
		for a := len(shape) - 1; a >= 0; a-- {
			idx[a]++
			off += st[a]
			if idx[a] < shape[a] {
				break
			}
			off -= idx[a] * st[a]
			idx[a] = 0
		}
	}
	return out, nil
}

func strides(shape []int) []int {
	st := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = s
		s *= shape[i]
	}
	return st
}
