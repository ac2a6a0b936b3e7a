package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul multiplies the trailing two axes of a and b, optionally transposing
// either operand. Leading axes are batch axes: b must either share a's batch
// axes or be rank 2, in which case it is applied to every batch slice.
//
//	(..., m, k) · (..., k, n) -> (..., m, n)
func MatMul(a, b *Tensor, transA, transB bool) (*Tensor, error) {
	d, err := matmulDims(a, b, transA, transB)
	if err != nil {
		return nil, err
	}
	out := New(append(cloneShape(d.batch), d.m, d.n)...)
	d.run(out, a, b, transA, transB, 1, 0)
	return out, nil
}

// MatMulInto computes dst = alpha·op(a)·op(b) + beta·dst. It is the
// accumulating form used by backward passes.
func MatMulInto(dst, a, b *Tensor, transA, transB bool, alpha, beta float32) error {
	d, err := matmulDims(a, b, transA, transB)
	if err != nil {
		return err
	}
	want := append(cloneShape(d.batch), d.m, d.n)
	if !SameShape(dst.Shape, want) {
		return Mismatch("matmul_into", want, dst.Shape)
	}
	d.run(dst, a, b, transA, transB, alpha, beta)
	return nil
}

type gemmDims struct {
	batch    []int
	m, k, n  int
	bBatched bool
}

func matmulDims(a, b *Tensor, transA, transB bool) (gemmDims, error) {
	var d gemmDims
	if a.Rank() < 2 || b.Rank() < 2 {
		return d, Errorf("matmul", "operands must have rank >= 2, got %s and %s", FormatShape(a.Shape), FormatShape(b.Shape))
	}
	ar, ac := a.Dim(-2), a.Dim(-1)
	br, bc := b.Dim(-2), b.Dim(-1)
	d.m, d.k = ar, ac
	if transA {
		d.m, d.k = ac, ar
	}
	kb, n := br, bc
	if transB {
		kb, n = bc, br
	}
	d.n = n
	if d.k != kb {
		return d, Errorf("matmul", "inner dimensions differ: %s·%s (transA=%t, transB=%t)",
			FormatShape(a.Shape), FormatShape(b.Shape), transA, transB)
	}
	d.batch = a.Shape[:a.Rank()-2]
	if b.Rank() > 2 {
		if !SameShape(b.Shape[:b.Rank()-2], d.batch) {
			return d, Errorf("matmul", "batch axes differ: %s·%s", FormatShape(a.Shape), FormatShape(b.Shape))
		}
		d.bBatched = true
	}
	return d, nil
}

func (d gemmDims) run(dst, a, b *Tensor, transA, transB bool, alpha, beta float32) {
	if d.m == 0 || d.n == 0 {
		return
	}
	count := numel(d.batch)
	if d.k == 0 {
		for i := range dst.Data {
			dst.Data[i] *= beta
		}
		return
	}
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	ar, ac := a.Dim(-2), a.Dim(-1)
	br, bc := b.Dim(-2), b.Dim(-1)

	// A shared right operand with an untransposed left operand folds the
	// batch into the row axis: one GEMM instead of count.
	if !d.bBatched && !transA && count > 1 {
		blas32.Gemm(tA, tB, alpha,
			general(a.Data, count*ar, ac),
			general(b.Data, br, bc),
			beta,
			general(dst.Data, count*d.m, d.n))
		return
	}

	aSize, bSize, cSize := ar*ac, br*bc, d.m*d.n
	for i := range count {
		bOff := 0
		if d.bBatched {
			bOff = i * bSize
		}
		blas32.Gemm(tA, tB, alpha,
			general(a.Data[i*aSize:(i+1)*aSize], ar, ac),
			general(b.Data[bOff:bOff+bSize], br, bc),
			beta,
			general(dst.Data[i*cSize:(i+1)*cSize], d.m, d.n))
	}
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}
