package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes c = alpha * op(a) * op(b) + beta * c on row-major matrices
// stored in flat slices. op(a) is m x k, op(b) is k x n and c is m x n.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ta, tb := blas.NoTrans, blas.NoTrans
	aRows, aCols := m, k
	if transA {
		ta = blas.Trans
		aRows, aCols = k, m
	}
	bRows, bCols := k, n
	if transB {
		tb = blas.Trans
		bRows, bCols = n, k
	}
	blas32.Gemm(ta, tb, alpha,
		blas32.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: a},
		blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
}

// MatMul multiplies two 2-D tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Dim() != 2 || b.Dim() != 2 {
		return nil, errShape("MatMul requires 2-D tensors", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, errShape("MatMul inner dimensions differ", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := New(m, n)
	Gemm(false, false, m, n, k, 1, a.Data, b.Data, 0, out.Data)
	return out, nil
}
