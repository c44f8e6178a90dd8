// SPDX-License-Identifier: MIT

// Package matrix - structural builders for Taylor-series variance propagation.
//
// Purpose:
//   - Kronecker / Outer / SquareSym: build Hessian-shaped blocks from design vectors.
//   - BlockDiag: assemble the joint covariance of independent parameter blocks.
//   - Isserlis: the fourth central moments of a zero-mean Gaussian vector,
//     arranged over vec-indices, so that E[(½δᵀAδ)(½δᵀBδ)] reduces to an
//     ElementSum of a Hadamard product.
//   - ElementSum / QuadForm / Diag: small reductions used by the predictors.
//
// Determinism:
//   - Fixed row-major loop orders everywhere.

package matrix

import "fmt"

const (
	opKronecker = "Kronecker"
	opOuter     = "Outer"
	opBlockDiag = "BlockDiag"
	opIsserlis  = "Isserlis"
	opQuadForm  = "QuadForm"
	opDiag      = "Diag"
)

// Kronecker returns a ⊗ b, an (ra*rb)×(ca*cb) matrix with block (i,j) = a[i,j]·b.
//
// Errors: ErrNilMatrix.
// Complexity: O(ra*ca*rb*cb).
func Kronecker(a, b Matrix) (*Dense, error) {
	if err := ValidateNotNil(a); err != nil {
		return nil, matrixErrorf(opKronecker, err)
	}
	if err := ValidateNotNil(b); err != nil {
		return nil, matrixErrorf(opKronecker, err)
	}
	da, err := asDense(a)
	if err != nil {
		return nil, matrixErrorf(opKronecker, err)
	}
	db, err := asDense(b)
	if err != nil {
		return nil, matrixErrorf(opKronecker, err)
	}
	rows, cols := da.r*db.r, da.c*db.c
	res, err := newDenseZeroOK(rows, cols)
	if err != nil {
		return nil, matrixErrorf(opKronecker, err)
	}

	var i, j, p, q int
	var av float64
	for i = 0; i < da.r; i++ {
		for j = 0; j < da.c; j++ {
			av = da.data[i*da.c+j]
			if av == 0 {
				continue
			}
			for p = 0; p < db.r; p++ {
				for q = 0; q < db.c; q++ {
					res.data[(i*db.r+p)*cols+j*db.c+q] = av * db.data[p*db.c+q]
				}
			}
		}
	}

	return res, nil
}

// Outer returns the len(x)×len(y) matrix x·yᵀ.
// Errors: ErrInvalidDimensions on an empty vector.
func Outer(x, y []float64) (*Dense, error) {
	if len(x) == 0 || len(y) == 0 {
		return nil, matrixErrorf(opOuter, ErrInvalidDimensions)
	}
	res, err := NewDense(len(x), len(y))
	if err != nil {
		return nil, matrixErrorf(opOuter, err)
	}
	cols := len(y)
	for i, xv := range x {
		for j, yv := range y {
			res.data[i*cols+j] = xv * yv
		}
	}

	return res, nil
}

// SquareSym returns the symmetric rank-one matrix x·xᵀ.
// This is the Hessian shape of every log-linear model exp(x·β).
func SquareSym(x []float64) (*Dense, error) { return Outer(x, x) }

// ElementSum returns Σ_ij m[i,j]. A nil matrix sums to zero.
// Complexity: O(r*c).
func ElementSum(m Matrix) float64 {
	if ValidateNotNil(m) != nil {
		return ZeroSum
	}
	d, err := asDense(m)
	if err != nil {
		return ZeroSum
	}
	sum := ZeroSum
	for _, v := range d.data {
		sum += v
	}

	return sum
}

// BlockDiag stacks blocks along the diagonal of a square zero matrix.
// Nil blocks are skipped; an empty argument list yields ErrInvalidDimensions.
//
// Complexity: O(n^2) for the zero fill plus the block copies.
func BlockDiag(blocks ...Matrix) (*Dense, error) {
	rows, cols := 0, 0
	for _, b := range blocks {
		if ValidateNotNil(b) != nil {
			continue
		}
		rows += b.Rows()
		cols += b.Cols()
	}
	if rows == 0 || cols == 0 {
		return nil, matrixErrorf(opBlockDiag, ErrInvalidDimensions)
	}
	res, err := NewDense(rows, cols)
	if err != nil {
		return nil, matrixErrorf(opBlockDiag, err)
	}
	r0, c0 := 0, 0
	for _, b := range blocks {
		if ValidateNotNil(b) != nil {
			continue
		}
		if err = res.SetBlock(r0, c0, b); err != nil {
			return nil, matrixErrorf(opBlockDiag, err)
		}
		r0 += b.Rows()
		c0 += b.Cols()
	}

	return res, nil
}

// Isserlis returns the k²×k² matrix of fourth moments of δ ~ N(0, Σ):
//
//	M[(a·k+b), (c·k+d)] = Σab·Σcd + Σac·Σbd + Σad·Σbc.
//
// With A, B symmetric and vec row-major,
// ElementSum(Hadamard(Outer(vec A, vec B), M)) = E[δᵀAδ · δᵀBδ].
//
// Errors: ErrNilMatrix, ErrNonSquare.
// Complexity: O(k^4) time and space; fine for the handful of parameters
// that carry a non-zero Hessian.
func Isserlis(sigma Matrix) (*Dense, error) {
	if err := ValidateSquareNonNil(sigma); err != nil {
		return nil, matrixErrorf(opIsserlis, err)
	}
	s, err := asDense(sigma)
	if err != nil {
		return nil, matrixErrorf(opIsserlis, err)
	}
	k := s.r
	kk := k * k
	res, err := NewDense(kk, kk)
	if err != nil {
		return nil, matrixErrorf(opIsserlis, err)
	}

	var a, b, c, d, row int
	for a = 0; a < k; a++ {
		for b = 0; b < k; b++ {
			row = (a*k + b) * kk
			for c = 0; c < k; c++ {
				for d = 0; d < k; d++ {
					res.data[row+c*k+d] = s.data[a*k+b]*s.data[c*k+d] +
						s.data[a*k+c]*s.data[b*k+d] +
						s.data[a*k+d]*s.data[b*k+c]
				}
			}
		}
	}

	return res, nil
}

// Vec returns the row-major flattening of m (a copy).
func Vec(m Matrix) ([]float64, error) {
	if err := ValidateNotNil(m); err != nil {
		return nil, matrixErrorf("Vec", err)
	}
	d, err := asDense(m)
	if err != nil {
		return nil, matrixErrorf("Vec", err)
	}

	return d.RawData(), nil
}

// QuadForm returns xᵀ·A·y.
// Errors: ErrNilMatrix, ErrDimensionMismatch.
func QuadForm(x []float64, a Matrix, y []float64) (float64, error) {
	if err := ValidateNotNil(a); err != nil {
		return 0, matrixErrorf(opQuadForm, err)
	}
	if len(x) != a.Rows() || len(y) != a.Cols() {
		return 0, matrixErrorf(opQuadForm, fmt.Errorf("x %d, A %dx%d, y %d: %w",
			len(x), a.Rows(), a.Cols(), len(y), ErrDimensionMismatch))
	}
	ay, err := MatVec(a, y)
	if err != nil {
		return 0, matrixErrorf(opQuadForm, err)
	}
	sum := ZeroSum
	for i, xv := range x {
		sum += xv * ay[i]
	}

	return sum, nil
}

// Diag returns the diagonal of a square matrix.
func Diag(m Matrix) ([]float64, error) {
	if err := ValidateSquareNonNil(m); err != nil {
		return nil, matrixErrorf(opDiag, err)
	}
	d, err := asDense(m)
	if err != nil {
		return nil, matrixErrorf(opDiag, err)
	}
	out := make([]float64, d.r)
	for i := range out {
		out[i] = d.data[i*d.c+i]
	}

	return out, nil
}

// NewDiag returns the square matrix with v on its diagonal.
func NewDiag(v []float64) (*Dense, error) {
	res, err := NewDense(len(v), len(v))
	if err != nil {
		return nil, matrixErrorf(opDiag, err)
	}
	n := len(v)
	for i, x := range v {
		if isNonFinite(x) {
			return nil, matrixErrorf(opDiag, denseErrorf(ctxSet, i, i, ErrNaNInf))
		}
		res.data[i*n+i] = x
	}

	return res, nil
}
