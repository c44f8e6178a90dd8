// SPDX-License-Identifier: MIT
// Package matrix_test contains test helpers.
//
// Purpose:
//   - Provide small, deterministic fixtures and utilities for kernels.
//   - Keep all data finite and well-formed to avoid numeric-policy interference.

package matrix_test

import (
	"math"
	"testing"

	"github.com/katalvlaran/canopy/matrix"
	"github.com/stretchr/testify/require"
)

// hide wraps any Matrix to hide its concrete type from type assertions.
// Use hide{X} to force the non-*Dense (fallback) paths in kernels.
type hide struct{ matrix.Matrix }

// MustDense allocates an r×c *Dense or fails the test.
func MustDense(t *testing.T, r, c int) *matrix.Dense {
	t.Helper()
	m, err := matrix.NewDense(r, c)
	require.NoError(t, err)

	return m
}

// NewFilledDense builds an r×c *Dense from a row-major slice or fails the test.
func NewFilledDense(t *testing.T, r, c int, vals []float64) *matrix.Dense {
	t.Helper()
	m, err := matrix.NewDenseFrom(r, c, vals)
	require.NoError(t, err)

	return m
}

// MustAt reads (i,j) or fails the test.
func MustAt(t *testing.T, m matrix.Matrix, i, j int) float64 {
	t.Helper()
	v, err := m.At(i, j)
	require.NoError(t, err)

	return v
}

// CompareClose asserts |got-want| <= atol + rtol*|want| element-wise.
func CompareClose(t *testing.T, got, want matrix.Matrix, rtol, atol float64) {
	t.Helper()
	require.Equal(t, want.Rows(), got.Rows())
	require.Equal(t, want.Cols(), got.Cols())
	for i := 0; i < want.Rows(); i++ {
		for j := 0; j < want.Cols(); j++ {
			w := MustAt(t, want, i, j)
			require.InDeltaf(t, w, MustAt(t, got, i, j), atol+rtol*math.Abs(w), "(%d,%d) got:\n%v\nwant:\n%v", i, j, got, want)
		}
	}
}

// spd3 is a fixed 3×3 symmetric positive definite matrix.
func spd3(t *testing.T) *matrix.Dense {
	t.Helper()

	return NewFilledDense(t, 3, 3, []float64{
		4, 2, 0.6,
		2, 2, 0.4,
		0.6, 0.4, 1,
	})
}
