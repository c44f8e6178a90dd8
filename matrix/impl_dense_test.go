// SPDX-License-Identifier: MIT

package matrix_test

import (
	"math"
	"testing"

	"github.com/katalvlaran/canopy/matrix"
	"github.com/stretchr/testify/require"
)

func TestNewDense_InvalidDimensions(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		r, c int
	}{
		{"ZeroRows", 0, 2},
		{"ZeroCols", 2, 0},
		{"Negative", -1, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := matrix.NewDense(tc.r, tc.c)
			require.ErrorIs(t, err, matrix.ErrInvalidDimensions)
		})
	}
}

func TestDense_AtSet_Bounds(t *testing.T) {
	t.Parallel()

	m := MustDense(t, 2, 3)
	require.NoError(t, m.Set(1, 2, 7.5))
	require.Equal(t, 7.5, MustAt(t, m, 1, 2))

	_, err := m.At(2, 0)
	require.ErrorIs(t, err, matrix.ErrOutOfRange)
	require.ErrorIs(t, m.Set(0, 3, 1), matrix.ErrOutOfRange)
	require.ErrorIs(t, m.Set(0, 0, math.NaN()), matrix.ErrNaNInf)
}

func TestNewDenseFrom_Validation(t *testing.T) {
	t.Parallel()

	_, err := matrix.NewDenseFrom(2, 2, []float64{1, 2, 3})
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)

	_, err = matrix.NewDenseFrom(1, 2, []float64{1, math.Inf(1)})
	require.ErrorIs(t, err, matrix.ErrNaNInf)

	_, err = matrix.NewDenseRows([][]float64{{1, 2}, {3}})
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)

	// Source slice is copied.
	src := []float64{1, 2}
	m := NewFilledDense(t, 1, 2, src)
	src[0] = 99
	require.Equal(t, 1.0, MustAt(t, m, 0, 0))
}

func TestDense_InducedAndSetBlock(t *testing.T) {
	t.Parallel()

	m := spd3(t)
	sub, err := m.Induced([]int{0, 2}, []int{0, 2})
	require.NoError(t, err)
	CompareClose(t, sub, NewFilledDense(t, 2, 2, []float64{4, 0.6, 0.6, 1}), 0, 0)

	_, err = m.Induced([]int{3}, []int{0})
	require.ErrorIs(t, err, matrix.ErrOutOfRange)

	empty, err := m.Induced(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, empty.Rows())

	dst := MustDense(t, 4, 4)
	require.NoError(t, dst.SetBlock(2, 2, sub))
	require.Equal(t, 0.6, MustAt(t, dst, 2, 3))
	require.ErrorIs(t, dst.SetBlock(3, 3, sub), matrix.ErrBadShape)
}

func TestDense_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	m := spd3(t)
	c := m.Clone()
	require.NoError(t, m.Set(0, 0, -1))
	require.Equal(t, 4.0, MustAt(t, c, 0, 0))
}

func TestSymDense_MirrorsWrites(t *testing.T) {
	t.Parallel()

	s, err := matrix.NewSymDense(3)
	require.NoError(t, err)
	require.NoError(t, s.Set(0, 2, 1.5))
	require.Equal(t, 1.5, MustAt(t, s, 2, 0))
	require.Equal(t, []float64{0, 0, 0}, s.Diag())

	_, err = matrix.NewSymFromDense(NewFilledDense(t, 2, 2, []float64{1, 0.5, 0.4, 1}))
	require.ErrorIs(t, err, matrix.ErrAsymmetry)

	// Within epsilon the pair is averaged.
	sym, err := matrix.NewSymFromDense(NewFilledDense(t, 2, 2, []float64{1, 0.5, 0.5 + 1e-12, 1}))
	require.NoError(t, err)
	require.Equal(t, MustAt(t, sym, 0, 1), MustAt(t, sym, 1, 0))

	sub, err := sym.Induced([]int{1})
	require.NoError(t, err)
	require.Equal(t, 1, sub.Rows())
}
