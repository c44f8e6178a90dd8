// SPDX-License-Identifier: MIT

// Package matrix - SymDense, a symmetric n×n matrix on top of Dense.
//
// Purpose:
//   - Hold covariance matrices (parameter, random-effect, residual) so that a
//     single Set keeps both triangles in sync.
//   - Validate symmetry once, at construction, using the package epsilon.
//
// AI-Hints:
//   - Use NewSymFromDense on anything read from disk; the epsilon absorbs the
//     last-digit noise of printed covariance tables and the result is exactly symmetric.

package matrix

import "fmt"

const (
	ctxSymFrom = "NewSymFromDense"
	ctxSymSet  = "SymDense.Set"
)

// SymDense is a symmetric matrix. It embeds the storage of a *Dense and
// mirrors every write across the diagonal.
type SymDense struct {
	d *Dense
}

var _ Matrix = (*SymDense)(nil)

// NewSymDense returns an n×n zero symmetric matrix.
// Errors: ErrInvalidDimensions when n <= 0.
func NewSymDense(n int) (*SymDense, error) {
	d, err := NewDense(n, n)
	if err != nil {
		return nil, err
	}

	return &SymDense{d: d}, nil
}

// NewSymFromDense validates that m is square and symmetric within eps and
// returns an exactly symmetric copy, averaging each (i,j)/(j,i) pair.
//
// Errors:
//   - ErrNilMatrix, ErrNonSquare, ErrAsymmetry (wrapped with the offending index).
//
// Complexity: O(n^2).
func NewSymFromDense(m Matrix, opts ...Option) (*SymDense, error) {
	o := gatherOptions(opts...)
	if err := ValidateSymmetric(m, o.eps); err != nil {
		return nil, fmt.Errorf("%s: %w", ctxSymFrom, err)
	}
	src, err := asDense(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ctxSymFrom, err)
	}
	n := src.r
	out := &SymDense{d: src.cloneDense()}
	var i, j int
	var avg float64
	for i = 0; i < n; i++ {
		for j = i + 1; j < n; j++ {
			avg = 0.5 * (src.data[i*n+j] + src.data[j*n+i])
			out.d.data[i*n+j], out.d.data[j*n+i] = avg, avg
		}
	}

	return out, nil
}

// Rows returns n.
func (s *SymDense) Rows() int { return s.d.r }

// Cols returns n.
func (s *SymDense) Cols() int { return s.d.c }

// At returns element (i,j).
func (s *SymDense) At(i, j int) (float64, error) { return s.d.At(i, j) }

// Set writes v at (i,j) and (j,i).
func (s *SymDense) Set(i, j int, v float64) error {
	if err := s.d.Set(i, j, v); err != nil {
		return fmt.Errorf("%s: %w", ctxSymSet, err)
	}
	if i != j {
		s.d.data[j*s.d.c+i] = v
	}

	return nil
}

// Clone returns a deep copy as a *SymDense.
func (s *SymDense) Clone() Matrix { return &SymDense{d: s.d.cloneDense()} }

// Dense returns an independent *Dense copy of the symmetric matrix.
func (s *SymDense) Dense() *Dense { return s.d.cloneDense() }

// Diag returns a copy of the diagonal.
func (s *SymDense) Diag() []float64 {
	n := s.d.r
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = s.d.data[i*n+i]
	}

	return out
}

// Induced returns the principal sub-matrix on idx as a *SymDense.
// Errors: ErrOutOfRange for an index outside [0,n).
func (s *SymDense) Induced(idx []int) (*SymDense, error) {
	d, err := s.d.Induced(idx, idx)
	if err != nil {
		return nil, err
	}

	return &SymDense{d: d}, nil
}

// String delegates to the underlying Dense formatter.
func (s *SymDense) String() string { return s.d.String() }
