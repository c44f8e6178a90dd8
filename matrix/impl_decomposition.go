// SPDX-License-Identifier: MIT

// Package matrix - Cholesky factorization and positive (semi-)definiteness checks.
//
// Purpose:
//   - Produce the lower factor L (A = L·Lᵀ) used to draw correlated Gaussian
//     deviates: x = μ + L·z with z ~ N(0, I).
//   - Report non-PD covariance matrices with the smallest eigenvalue attached,
//     which is what one needs to debug a broken parameter file.
//
// Determinism:
//   - Column-by-column Cholesky–Banachiewicz order, fixed accumulation order.

package matrix

import (
	"fmt"
	"math"
)

const (
	opCholesky = "Cholesky"
	opPSD      = "IsPositiveSemiDefinite"

	// eigenMaxIter bounds the Jacobi sweeps used by IsPositiveSemiDefinite.
	eigenMaxIter = 500
)

// Cholesky returns the lower-triangular factor L with A = L·Lᵀ.
//
// Implementation:
//   - Stage 1: Validate square, symmetric within eps (WithEpsilon).
//   - Stage 2: For j = 0..n-1: d = A[j,j] - Σ_k L[j,k]²; pivot check; L[j,j] = √d;
//     then L[i,j] = (A[i,j] - Σ_k L[i,k]L[j,k]) / L[j,j] for i > j.
//
// Behavior highlights:
//   - A pivot d ≤ tol (WithPivotTolerance) fails with ErrNotPositiveDefinite,
//     unless WithSemiDefinite is set and |d| ≤ tol, in which case column j of L is zero.
//
// Errors:
//   - ErrNilMatrix, ErrNonSquare, ErrAsymmetry, ErrNotPositiveDefinite.
//
// Complexity:
//   - Time O(n^3/3), Space O(n^2).
func Cholesky(m Matrix, opts ...Option) (*Dense, error) {
	o := gatherOptions(opts...)
	if err := ValidateSymmetric(m, o.eps); err != nil {
		return nil, matrixErrorf(opCholesky, err)
	}
	a, err := asDense(m)
	if err != nil {
		return nil, matrixErrorf(opCholesky, err)
	}
	n := a.r
	L, err := NewDense(n, n)
	if err != nil {
		return nil, matrixErrorf(opCholesky, err)
	}

	var (
		i, j, k int
		sum, d  float64
		ljj     float64
	)
	for j = 0; j < n; j++ {
		sum = ZeroSum
		for k = 0; k < j; k++ {
			sum += L.data[j*n+k] * L.data[j*n+k]
		}
		d = a.data[j*n+j] - sum
		if d <= o.pivotTol {
			if o.allowSemiDef && d >= -o.pivotTol {
				continue // zero column: degenerate direction
			}

			return nil, matrixErrorf(opCholesky, fmt.Errorf("pivot %d = %g: %w", j, d, ErrNotPositiveDefinite))
		}
		ljj = math.Sqrt(d)
		L.data[j*n+j] = ljj
		for i = j + 1; i < n; i++ {
			sum = ZeroSum
			for k = 0; k < j; k++ {
				sum += L.data[i*n+k] * L.data[j*n+k]
			}
			L.data[i*n+j] = (a.data[i*n+j] - sum) / ljj
		}
	}

	return L, nil
}

// IsPositiveSemiDefinite reports whether the symmetric matrix m has no
// eigenvalue below -tol. It also returns the smallest eigenvalue.
//
// Errors:
//   - ErrNonSquare, ErrAsymmetry, ErrEigenFailed.
//
// Complexity: O(maxIter * n^2).
func IsPositiveSemiDefinite(m Matrix, tol float64) (bool, float64, error) {
	eigs, _, err := Eigen(m, DefaultEpsilon, eigenMaxIter)
	if err != nil {
		return false, math.NaN(), matrixErrorf(opPSD, err)
	}
	minEig := math.Inf(1)
	for _, v := range eigs {
		if v < minEig {
			minEig = v
		}
	}
	if len(eigs) == 0 {
		minEig = 0
	}

	return minEig >= -math.Abs(tol), minEig, nil
}

// ValidatePSD returns nil when m is positive semi-definite within tol and
// ErrNotPositiveSemiDefinite (with the smallest eigenvalue) otherwise.
func ValidatePSD(m Matrix, tol float64) error {
	ok, minEig, err := IsPositiveSemiDefinite(m, tol)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: min eigenvalue %g: %w", opPSD, minEig, ErrNotPositiveSemiDefinite)
	}

	return nil
}
