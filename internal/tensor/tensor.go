// Package tensor provides the dense float32 tensor used throughout tinyformer.
//
// Tensors are contiguous and row-major. Operations validate the rank and
// dimensions of their operands and report violations as *ShapeError values
// rather than panicking, so callers can surface the offending shapes.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is an n-dimensional array of float32 values stored row-major.
type Tensor struct {
	Data  []float32
	Shape []int
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	if n < 0 {
		panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
	}
	return &Tensor{
		Data:  make([]float32, n),
		Shape: cloneShape(shape),
	}
}

// FromSlice wraps a copy of data in a tensor of the given shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n := numel(shape)
	if n < 0 {
		return nil, Errorf("from_slice", "negative dimension in shape %v", shape)
	}
	if n != len(data) {
		return nil, Errorf("from_slice", "data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	out := New(shape...)
	copy(out.Data, data)
	return out, nil
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// ZerosLike allocates a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of axis i. Negative values count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Data:  make([]float32, len(t.Data)),
		Shape: cloneShape(t.Shape),
	}
	copy(out.Data, t.Data)
	return out
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(t.Data) {
		return nil, Errorf("reshape", "cannot view %v (%d elements) as %v", t.Shape, len(t.Data), shape)
	}
	return &Tensor{Data: t.Data, Shape: cloneShape(shape)}, nil
}

// Zero sets every element to zero.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.offset(idx)]
}

// Set stores v at the given index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.Data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: index %v has rank %d, tensor has rank %d", idx, len(idx), len(t.Shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.Shape))
		}
		off = off*t.Shape[i] + v
	}
	return off
}

// Row returns the i-th vector along the last axis of t viewed as a matrix.
func (t *Tensor) Row(i int) []float32 {
	d := t.Shape[len(t.Shape)-1]
	return t.Data[i*d : (i+1)*d]
}

// Rows returns the number of vectors along the last axis.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	d := t.Shape[len(t.Shape)-1]
	if d == 0 {
		return 0
	}
	return len(t.Data) / d
}

// String formats the shape and the leading values.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v[", t.Shape)
	for i, v := range t.Data {
		if i == 8 {
			sb.WriteString(" ...")
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteByte(']')
	return sb.String()
}

// SameShape reports whether a and b describe the same shape.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
