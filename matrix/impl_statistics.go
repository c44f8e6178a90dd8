// SPDX-License-Identifier: MIT
// Package matrix - sample statistics over observation matrices.
//
// Purpose:
//   - Column centering and sample covariance for Monte Carlo realizations
//     (rows = realizations, columns = output components).
//
// Determinism:
//   - Built from the canonical kernels (ColSums, Transpose, Mul, Scale);
//     loop orders are therefore fixed.

package matrix

const (
	opCenterColumns = "CenterColumns"
	opCovariance    = "Covariance"
)

// centerColumns returns Xc = X − mean(X, by columns) and the column means.
//
// Errors:
//   - ErrNilMatrix.
//
// Complexity:
//   - Time O(r*c), Space O(r*c).
func centerColumns(X Matrix) (*Dense, []float64, error) {
	if err := ValidateNotNil(X); err != nil {
		return nil, nil, matrixErrorf(opCenterColumns, err)
	}
	sums, err := ColSums(X)
	if err != nil {
		return nil, nil, matrixErrorf(opCenterColumns, err)
	}
	r := float64(X.Rows())
	means := make([]float64, len(sums))
	for j, s := range sums {
		means[j] = s / r
	}
	Xc, err := ewBroadcastSubCols(X, means)
	if err != nil {
		return nil, nil, matrixErrorf(opCenterColumns, err)
	}

	return Xc, means, nil
}

// covariance computes the unbiased sample covariance of the columns of X:
// Cov = (Xcᵀ·Xc)/(r−1).
//
// Implementation:
//   - Stage 1: Validate X; require r >= 2.
//   - Stage 2: Center columns.
//   - Stage 3: Transpose → Mul → Scale.
//
// Returns:
//   - *Dense: c×c covariance; []float64: column means.
//
// Errors:
//   - ErrNilMatrix, ErrDimensionMismatch (fewer than two rows).
func covariance(X Matrix) (*Dense, []float64, error) {
	if err := ValidateNotNil(X); err != nil {
		return nil, nil, matrixErrorf(opCovariance, err)
	}
	r := X.Rows()
	if r < 2 {
		return nil, nil, matrixErrorf(opCovariance, ErrDimensionMismatch)
	}
	Xc, means, err := centerColumns(X)
	if err != nil {
		return nil, nil, matrixErrorf(opCovariance, err)
	}
	Xct, err := Transpose(Xc)
	if err != nil {
		return nil, nil, matrixErrorf(opCovariance, err)
	}
	G, err := Mul(Xct, Xc)
	if err != nil {
		return nil, nil, matrixErrorf(opCovariance, err)
	}
	cov, err := Scale(G, 1.0/float64(r-1))
	if err != nil {
		return nil, nil, matrixErrorf(opCovariance, err)
	}

	return cov, means, nil
}
