// SPDX-License-Identifier: MIT

// Package matrix is the dense linear-algebra leaf used by every predictor in canopy.
//
// The matrix package provides:
//
//   - Dense, a row-major float64 matrix with safe accessors, copy-based
//     sub-matrix extraction (Induced) and block insertion (SetBlock).
//   - SymDense, a symmetric specialization that keeps (i,j) and (j,i) in sync.
//   - Canonical kernels: Add, Sub, Mul, Transpose, Scale, Hadamard, MatVec,
//     Inverse, LU, Eigen (Jacobi) and Cholesky.
//   - Structural helpers used by Taylor-series variance propagation:
//     Kronecker, Outer, SquareSym, ElementSum, BlockDiag and Isserlis.
//   - Sample statistics (Covariance) and an in-place clamp (ClipVec).
//
// Every kernel validates its inputs through the centralized validators and
// returns wrapped sentinels (errors.Is friendly). Loop orders are fixed, so
// results are bit-for-bit reproducible for a given input.
//
// Matrices here are small (tens of parameters, a few dozen observations),
// which is why every kernel allocates a fresh result instead of working in place.
package matrix
