// SPDX-License-Identifier: MIT

package randeffects_test

import (
	"sync"
	"testing"

	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/estimate"
	"github.com/katalvlaran/canopy/matrix"
	"github.com/katalvlaran/canopy/randeffects"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	sab = randeffects.Key{Version: "hd2014", Level: covariate.PlotLevel, Stratum: "SAB"}
	epn = randeffects.Key{Version: "hd2014", Level: covariate.PlotLevel, Stratum: "EPN"}
)

func plotPrior(t *testing.T, variance float64) *estimate.Gaussian {
	t.Helper()
	g, err := matrix.NewDenseRows([][]float64{{variance}})
	require.NoError(t, err)
	d, err := estimate.NewZeroMean(g)
	require.NoError(t, err)

	return d
}

// plotObs returns n measurements sharing one plot effect, with iid residuals.
func plotObs(t *testing.T, residuals []float64, sigma2 float64) randeffects.Observations {
	t.Helper()
	n := len(residuals)
	Z, err := matrix.NewDense(n, 1)
	require.NoError(t, err)
	R, err := matrix.NewDense(n, n)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, Z.Set(i, 0, 1))
		require.NoError(t, R.Set(i, i, sigma2))
	}

	return randeffects.Observations{Residuals: residuals, Z: Z, R: R}
}

func TestGetDefault_Unknown(t *testing.T) {
	t.Parallel()

	r := randeffects.New()
	_, err := r.GetDefault(sab)
	require.ErrorIs(t, err, randeffects.ErrUnknownLevel)

	_, err = r.GetOrComputeBLUP(sab, "P1", randeffects.Observations{})
	require.ErrorIs(t, err, randeffects.ErrUnknownLevel)
}

func TestGetOrComputeBLUP_ScalarPlotEffect(t *testing.T) {
	t.Parallel()

	r := randeffects.New()
	r.SetDefault(sab, plotPrior(t, 0.04))

	b, err := r.GetOrComputeBLUP(sab, "P1", plotObs(t, []float64{0.1, 0.2}, 0.01))
	require.NoError(t, err)
	// blup = G·Σr / (σ² + nG); var = 1 / (n/σ² + 1/G).
	require.InDelta(t, 0.04*0.3/(0.01+2*0.04), b.Mean()[0], 1e-12)
	require.InDelta(t, 1.0/(2/0.01+1/0.04), b.Variances()[0], 1e-12)
	require.Equal(t, 1, r.BLUPCount())
}

func TestGetOrComputeBLUP_ZeroVariancePrior(t *testing.T) {
	t.Parallel()

	r := randeffects.New()
	r.SetDefault(sab, plotPrior(t, 0))

	b, err := r.GetOrComputeBLUP(sab, "P1", plotObs(t, []float64{0.4, 0.3}, 0.01))
	require.NoError(t, err)
	require.Equal(t, []float64{0}, b.Mean())
	require.Equal(t, []float64{0}, b.Variances())
}

func TestGetOrComputeBLUP_CachedAndBitIdentical(t *testing.T) {
	t.Parallel()

	r := randeffects.New()
	r.SetDefault(sab, plotPrior(t, 0.04))
	obs := plotObs(t, []float64{0.3, -0.1, 0.05}, 0.02)

	first, err := r.GetOrComputeBLUP(sab, "P1", obs)
	require.NoError(t, err)
	// Different observations are ignored once the BLUP exists.
	second, err := r.GetOrComputeBLUP(sab, "P1", plotObs(t, []float64{9}, 0.02))
	require.NoError(t, err)
	require.Same(t, first, second)

	// No observations: the cached BLUP if present, the default otherwise.
	third, err := r.GetOrComputeBLUP(sab, "P1", randeffects.Observations{})
	require.NoError(t, err)
	require.Same(t, first, third)

	def, err := r.GetOrComputeBLUP(sab, "P2", randeffects.Observations{})
	require.NoError(t, err)
	require.Equal(t, []float64{0}, def.Mean())
	require.Equal(t, 1, r.BLUPCount())
}

func TestGetOrComputeBLUP_KeyIncludesStratum(t *testing.T) {
	t.Parallel()

	r := randeffects.New()
	r.SetDefault(sab, plotPrior(t, 0.04))
	r.SetDefault(epn, plotPrior(t, 0.09))
	obs := plotObs(t, []float64{0.2}, 0.01)

	a, err := r.GetOrComputeBLUP(sab, "P1", obs)
	require.NoError(t, err)
	b, err := r.GetOrComputeBLUP(epn, "P1", obs)
	require.NoError(t, err)
	require.NotEqual(t, a.Mean(), b.Mean())
	require.Equal(t, 2, r.BLUPCount())
}

func TestGetOrComputeBLUP_KeyIncludesVersion(t *testing.T) {
	t.Parallel()

	r := randeffects.New()
	recruit := randeffects.Key{Version: "recruit2019", Level: covariate.PlotLevel, Stratum: "SAB"}
	r.SetDefault(sab, plotPrior(t, 0.01))
	r.SetDefault(recruit, plotPrior(t, 0.3))

	// Registering the second version leaves the first one's default intact.
	d, err := r.GetDefault(sab)
	require.NoError(t, err)
	require.Equal(t, []float64{0.01}, d.Variances())

	hb, err := r.GetOrComputeBLUP(sab, "P1", plotObs(t, []float64{0.2, 0.1}, 0.01))
	require.NoError(t, err)
	rb, err := r.GetOrComputeBLUP(recruit, "P1", randeffects.Observations{})
	require.NoError(t, err)
	require.NotSame(t, hb, rb)
	require.Equal(t, []float64{0.3}, rb.Variances())
	require.Equal(t, 1, r.BLUPCount())

	_, err = r.GetDefault(randeffects.Key{Version: "hd2014", Level: covariate.TreeLevel, Stratum: "SAB"})
	require.ErrorIs(t, err, randeffects.ErrUnknownLevel)
	require.Equal(t, "recruit2019/plot/SAB", recruit.String())
}

func TestGetOrComputeBLUP_DimensionMismatch(t *testing.T) {
	t.Parallel()

	r := randeffects.New()
	r.SetDefault(sab, plotPrior(t, 0.04))
	obs := plotObs(t, []float64{0.1, 0.2}, 0.01)
	obs.Residuals = []float64{0.1, 0.2, 0.3}

	_, err := r.GetOrComputeBLUP(sab, "P1", obs)
	require.ErrorIs(t, err, randeffects.ErrDimensionMismatch)
	require.Equal(t, 0, r.BLUPCount())

	_, err = r.GetOrComputeBLUP(sab, "P1", randeffects.Observations{Residuals: []float64{1}})
	require.ErrorIs(t, err, randeffects.ErrDimensionMismatch)
}

func TestGetOrComputeBLUP_ConcurrentSubjects(t *testing.T) {
	t.Parallel()

	r := randeffects.New()
	r.SetDefault(sab, plotPrior(t, 0.04))
	obs := plotObs(t, []float64{0.1, 0.2}, 0.01)

	const workers = 16
	results := make([]*estimate.Gaussian, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			b, err := r.GetOrComputeBLUP(sab, "P1", obs)
			assert.NoError(t, err)
			results[w] = b
		}(w)
	}
	wg.Wait()

	for _, b := range results[1:] {
		require.Same(t, results[0], b)
	}
	require.Equal(t, 1, r.BLUPCount())
}
