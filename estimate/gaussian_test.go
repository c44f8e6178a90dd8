// SPDX-License-Identifier: MIT

package estimate_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/katalvlaran/canopy/estimate"
	"github.com/katalvlaran/canopy/matrix"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

func mustDense(t *testing.T, rows [][]float64) *matrix.Dense {
	t.Helper()
	m, err := matrix.NewDenseRows(rows)
	require.NoError(t, err)

	return m
}

func TestNewGaussian_Validation(t *testing.T) {
	t.Parallel()

	cov := mustDense(t, [][]float64{{1, 0}, {0, 1}})
	_, err := estimate.NewGaussian([]float64{1}, cov)
	require.ErrorIs(t, err, estimate.ErrDimensionMismatch)

	_, err = estimate.NewGaussian([]float64{1, 2}, mustDense(t, [][]float64{{1, 0.3}, {0.1, 1}}))
	require.ErrorIs(t, err, matrix.ErrAsymmetry)

	_, err = estimate.NewGaussian([]float64{1, 2}, cov, estimate.WithEstimatedIndex([]int{1, 0}))
	require.ErrorIs(t, err, estimate.ErrInvalidIndex)
}

func TestGaussian_EstimatedIndexSkipsStructuralZeros(t *testing.T) {
	t.Parallel()

	// Parameter 1 is not estimated for this stratum: zero row and column.
	cov := mustDense(t, [][]float64{
		{0.04, 0, 0.01},
		{0, 0, 0},
		{0.01, 0, 0.09},
	})
	g, err := estimate.NewGaussian([]float64{1, 5, -2}, cov)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2}, g.EstimatedIndex())

	L, err := g.Factor()
	require.NoError(t, err)
	require.Equal(t, 2, L.Rows())

	draw, err := g.Draw(rand.NewPCG(1, 2))
	require.NoError(t, err)
	require.Equal(t, 5.0, draw[1])
}

func TestGaussian_FactorMatchesGonumCholesky(t *testing.T) {
	t.Parallel()

	vals := []float64{4, 2, 0.6, 2, 2, 0.4, 0.6, 0.4, 1}
	var chol mat.Cholesky
	require.True(t, chol.Factorize(mat.NewSymDense(3, vals)))
	var want mat.TriDense
	chol.LTo(&want)

	g, err := estimate.NewGaussian([]float64{1, 2, 3}, mustDense(t, [][]float64{vals[0:3], vals[3:6], vals[6:9]}))
	require.NoError(t, err)
	L, err := g.Factor()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v, err := L.At(i, j)
			require.NoError(t, err)
			require.InDelta(t, want.At(i, j), v, 1e-12)
		}
	}
}

func TestGaussian_SemiDefiniteDraw(t *testing.T) {
	t.Parallel()

	// Perfectly correlated pair: no strictly positive definite factor exists.
	vals := []float64{1, 1, 1, 1}
	_, ok := distmv.NewNormal([]float64{0, 0}, mat.NewSymDense(2, vals), nil)
	require.False(t, ok)

	g, err := estimate.NewGaussian([]float64{0, 0}, mustDense(t, [][]float64{{1, 1}, {1, 1}}),
		estimate.WithMatrixOptions(matrix.WithSemiDefinite()))
	require.NoError(t, err)
	d, err := g.Draw(rand.NewPCG(5, 8))
	require.NoError(t, err)
	require.Equal(t, d[0], d[1])
}

func TestGaussian_DrawIsReproducible(t *testing.T) {
	t.Parallel()

	g, err := estimate.NewGaussian([]float64{0, 0}, mustDense(t, [][]float64{{1, 0.5}, {0.5, 2}}))
	require.NoError(t, err)

	a, err := g.Draw(rand.NewPCG(7, 11))
	require.NoError(t, err)
	b, err := g.Draw(rand.NewPCG(7, 11))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestGaussian_DrawMoments(t *testing.T) {
	t.Parallel()

	want := [][]float64{{1, 0.5}, {0.5, 2}}
	g, err := estimate.NewGaussian([]float64{3, -1}, mustDense(t, want))
	require.NoError(t, err)

	mc := estimate.NewMonteCarlo(2)
	src := rand.NewPCG(42, 42)
	for i := 0; i < 20000; i++ {
		d, err := g.Draw(src)
		require.NoError(t, err)
		require.NoError(t, mc.Add(d))
	}
	mean, cov, err := mc.Summary()
	require.NoError(t, err)
	require.InDelta(t, 3.0, mean[0], 0.05)
	require.InDelta(t, -1.0, mean[1], 0.05)
	for i := range want {
		for j := range want[i] {
			v, err := cov.At(i, j)
			require.NoError(t, err)
			require.InDelta(t, want[i][j], v, 0.1)
		}
	}
}

func TestGaussian_NotPositiveDefinite(t *testing.T) {
	t.Parallel()

	g, err := estimate.NewGaussian([]float64{0, 0}, mustDense(t, [][]float64{{1, 2}, {2, 1}}))
	require.NoError(t, err)
	_, err = g.Draw(rand.NewPCG(1, 1))
	require.ErrorIs(t, err, matrix.ErrNotPositiveDefinite)
}

func TestGaussian_Marginal(t *testing.T) {
	t.Parallel()

	g, err := estimate.NewGaussian([]float64{1, 2, 3}, mustDense(t, [][]float64{
		{1, 0, 0.2},
		{0, 0, 0},
		{0.2, 0, 4},
	}))
	require.NoError(t, err)

	m, err := g.Marginal([]int{1, 2})
	require.NoError(t, err)
	require.Equal(t, []float64{2, 3}, m.Mean())
	require.Equal(t, []int{1}, m.EstimatedIndex())
	require.Equal(t, []float64{0, 4}, m.Variances())
}

func TestNewDegenerateAndZeroMean(t *testing.T) {
	t.Parallel()

	d, err := estimate.NewDegenerate([]float64{1.5})
	require.NoError(t, err)
	x, err := d.Draw(rand.NewPCG(3, 3))
	require.NoError(t, err)
	require.Equal(t, []float64{1.5}, x)

	z, err := estimate.NewZeroMean(mustDense(t, [][]float64{{0.25}}))
	require.NoError(t, err)
	require.Equal(t, []float64{0}, z.Mean())
	require.False(t, math.IsNaN(z.Variances()[0]))
}

func TestMonteCarlo_Errors(t *testing.T) {
	t.Parallel()

	mc := estimate.NewMonteCarlo(2)
	require.ErrorIs(t, mc.Add([]float64{1}), estimate.ErrDimensionMismatch)
	require.NoError(t, mc.Add([]float64{1, 2}))
	require.Equal(t, 1, mc.N())
	_, _, err := mc.Summary()
	require.ErrorIs(t, err, estimate.ErrTooFewRealizations)
}
