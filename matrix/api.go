// SPDX-License-Identifier: MIT
// Package matrix: public API facades.
//
// Purpose:
//   - Provide thin, well-documented entry points for common tasks across the package.
//   - Each facade delegates to the canonical implementation; no loop duplication.
//
// AI-Hints:
//   - Prefer passing *Dense to skip the asDense materialization step in kernels.
//   - Use NewIdentity/NewZeros to build matrices with explicit shape and neutral elements.

package matrix

// ---------- Constructors ----------

// NewZeros returns a new zero-initialized *Dense of size rows×cols.
// Thin alias of NewDense with an intention-revealing name.
func NewZeros(rows, cols int) (*Dense, error) {
	return NewDense(rows, cols)
}

// NewIdentity returns I_n (n×n identity; ones on the diagonal, zeros elsewhere).
// Complexity: O(n^2) zeroing + O(n) writes on the diagonal.
func NewIdentity(n int) (*Dense, error) {
	I, err := NewDense(n, n)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		I.data[i*n+i] = 1.0
	}

	return I, nil
}

// ---------- Convenience facades (compositions only) ----------

// Symmetrize returns (m + mᵀ)/2. Composition: Transpose → Add → Scale.
//
// AI-Hints: Repairs asymmetry drift after J·Σ·Jᵀ products before a Cholesky.
func Symmetrize(m Matrix) (*Dense, error) {
	mt, err := Transpose(m)
	if err != nil {
		return nil, matrixErrorf("Symmetrize", err)
	}
	sum, err := Add(m, mt)
	if err != nil {
		return nil, matrixErrorf("Symmetrize", err)
	}

	return Scale(sum, 0.5)
}

// ColSums returns vector c where c[j] = Σ_i m[i,j].
// Implementation: Transpose then MatVec with ones(rows).
func ColSums(m Matrix) ([]float64, error) {
	mt, err := Transpose(m)
	if err != nil {
		return nil, matrixErrorf("ColSums", err)
	}
	ones := make([]float64, mt.Cols())
	for i := range ones {
		ones[i] = 1.0
	}

	return MatVec(mt, ones)
}

// ---------- Sanitization (thin wrappers → ew*) ----------

// ClipVec clamps x into [lo, hi] in place and returns how many entries changed.
// Bounds may be infinite for one-sided clamps; NaN bounds are rejected.
//
// AI-Hints:
//   - ClipVec(y, 0, math.Inf(1)) truncates simulated biomass at zero.
func ClipVec(x []float64, lo, hi float64) (int, error) {
	return ewClipVec(x, lo, hi)
}

// ---------- Statistics ----------

// Covariance returns the unbiased sample covariance of the columns of X
// and the column means. X needs at least two rows.
//
// AI-Hints:
//   - Rows are Monte Carlo realizations; the result estimates the prediction
//     covariance of a Stochastic predictor.
func Covariance(X Matrix) (*Dense, []float64, error) { return covariance(X) }
