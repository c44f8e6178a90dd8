// SPDX-License-Identifier: MIT

package matrix_test

import (
	"math"
	"testing"

	"github.com/katalvlaran/canopy/matrix"
	"github.com/stretchr/testify/require"
)

func TestAddSub_FastAndFallback_Match(t *testing.T) {
	t.Parallel()

	a := NewFilledDense(t, 2, 2, []float64{1, 2, 3, 4})
	b := NewFilledDense(t, 2, 2, []float64{0.5, -1, 2, 0})

	sumF, err := matrix.Add(a, b)
	require.NoError(t, err)
	sumS, err := matrix.Add(hide{a}, hide{b})
	require.NoError(t, err)
	CompareClose(t, sumF, sumS, 0, 0)
	CompareClose(t, sumF, NewFilledDense(t, 2, 2, []float64{1.5, 1, 5, 4}), 0, 0)

	diff, err := matrix.Sub(a, hide{b})
	require.NoError(t, err)
	CompareClose(t, diff, NewFilledDense(t, 2, 2, []float64{0.5, 3, 1, 4}), 0, 0)

	_, err = matrix.Add(a, MustDense(t, 2, 3))
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)
	_, err = matrix.Add(nil, a)
	require.ErrorIs(t, err, matrix.ErrNilMatrix)
}

func TestMul_KnownProduct(t *testing.T) {
	t.Parallel()

	a := NewFilledDense(t, 2, 3, []float64{1, 2, 3, 4, 5, 6})
	b := NewFilledDense(t, 3, 2, []float64{7, 8, 9, 10, 11, 12})
	want := NewFilledDense(t, 2, 2, []float64{58, 64, 139, 154})

	got, err := matrix.Mul(a, b)
	require.NoError(t, err)
	CompareClose(t, got, want, 0, 0)

	got, err = matrix.Mul(hide{a}, hide{b})
	require.NoError(t, err)
	CompareClose(t, got, want, 0, 0)

	_, err = matrix.Mul(a, a)
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)
}

func TestTransposeScaleHadamard(t *testing.T) {
	t.Parallel()

	a := NewFilledDense(t, 2, 3, []float64{1, 2, 3, 4, 5, 6})
	at, err := matrix.Transpose(a)
	require.NoError(t, err)
	require.Equal(t, 3, at.Rows())
	require.Equal(t, 4.0, MustAt(t, at, 0, 1))

	s, err := matrix.Scale(a, -2)
	require.NoError(t, err)
	require.Equal(t, -12.0, MustAt(t, s, 1, 2))

	h, err := matrix.Hadamard(a, a)
	require.NoError(t, err)
	require.Equal(t, 36.0, MustAt(t, h, 1, 2))
}

func TestMatVecAndDot(t *testing.T) {
	t.Parallel()

	a := NewFilledDense(t, 2, 2, []float64{1, 2, 3, 4})
	y, err := matrix.MatVec(hide{a}, []float64{1, -1})
	require.NoError(t, err)
	require.Equal(t, []float64{-1, -1}, y)

	_, err = matrix.MatVec(a, []float64{1})
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)

	d, err := matrix.Dot([]float64{1, 2, 3}, []float64{4, 5, 6})
	require.NoError(t, err)
	require.Equal(t, 32.0, d)
}

func TestInverse_RoundTrip(t *testing.T) {
	t.Parallel()

	a := spd3(t)
	inv, err := matrix.Inverse(a)
	require.NoError(t, err)
	prod, err := matrix.Mul(a, inv)
	require.NoError(t, err)
	I, err := matrix.NewIdentity(3)
	require.NoError(t, err)
	CompareClose(t, prod, I, 0, 1e-12)

	_, err = matrix.Inverse(NewFilledDense(t, 2, 2, []float64{1, 2, 2, 4}))
	require.ErrorIs(t, err, matrix.ErrSingular)
}

func TestEigen_Symmetric(t *testing.T) {
	t.Parallel()

	a := NewFilledDense(t, 2, 2, []float64{2, 1, 1, 2})
	vals, vecs, err := matrix.Eigen(a, 1e-12, 100)
	require.NoError(t, err)
	lo, hi := math.Min(vals[0], vals[1]), math.Max(vals[0], vals[1])
	require.InDelta(t, 1.0, lo, 1e-12)
	require.InDelta(t, 3.0, hi, 1e-12)
	require.Equal(t, 2, vecs.Cols())

	_, _, err = matrix.Eigen(NewFilledDense(t, 2, 2, []float64{1, 2, 3, 4}), 1e-12, 10)
	require.ErrorIs(t, err, matrix.ErrAsymmetry)
}
