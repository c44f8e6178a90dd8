// SPDX-License-Identifier: MIT
// Package estimate - immutable Gaussian estimates (mean, covariance) and their draws.
//
// Purpose:
//   - Carry fitted parameter vectors with their covariance, random-effect
//     distributions and BLUP posteriors behind one type.
//   - Track the estimated index set: parameters with a non-structurally-zero
//     variance. Only that principal sub-block is Cholesky-factorized, so a
//     stratum that shares a file with others never hits a singular block.
//
// Determinism:
//   - Draw consumes exactly len(EstimatedIndex()) standard normals from the
//     caller's source, in index order.

package estimate

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/katalvlaran/canopy/matrix"
	"gonum.org/v1/gonum/stat/distuv"
)

// Gaussian is an immutable multivariate normal estimate N(mean, cov).
type Gaussian struct {
	mean      []float64
	cov       *matrix.SymDense
	estimated []int

	once      sync.Once
	factor    *matrix.Dense
	factorErr error
}

// Option customizes NewGaussian.
type Option func(*gaussianOptions)

type gaussianOptions struct {
	estimated []int
	hasIndex  bool
	matrix    []matrix.Option
}

// WithEstimatedIndex overrides the estimated index set. By default every index
// with a strictly positive variance is estimated.
func WithEstimatedIndex(idx []int) Option {
	cp := append([]int(nil), idx...)

	return func(o *gaussianOptions) {
		o.estimated = cp
		o.hasIndex = true
	}
}

// WithMatrixOptions forwards numeric options (epsilon, pivot tolerance) to the
// symmetric conversion and the Cholesky factorization.
func WithMatrixOptions(opts ...matrix.Option) Option {
	return func(o *gaussianOptions) { o.matrix = append(o.matrix, opts...) }
}

// NewGaussian validates and copies mean and cov.
//
// Errors:
//   - ErrDimensionMismatch when len(mean) != cov.Rows().
//   - ErrInvalidIndex for an estimated index outside [0,n) or out of order.
//   - matrix.ErrAsymmetry / matrix.ErrNaNInf from the covariance conversion.
func NewGaussian(mean []float64, cov matrix.Matrix, opts ...Option) (*Gaussian, error) {
	var o gaussianOptions
	for _, set := range opts {
		set(&o)
	}
	if err := matrix.ValidateSquareNonNil(cov); err != nil {
		return nil, estimateErrorf("NewGaussian", err)
	}
	n := cov.Rows()
	if len(mean) != n {
		return nil, estimateErrorf("NewGaussian", fmt.Errorf("mean %d, covariance %dx%d: %w", len(mean), n, n, ErrDimensionMismatch))
	}
	sym, err := matrix.NewSymFromDense(cov, o.matrix...)
	if err != nil {
		return nil, estimateErrorf("NewGaussian", err)
	}
	mu, err := matrix.NewRowVector(mean)
	if err != nil {
		return nil, estimateErrorf("NewGaussian", err)
	}

	g := &Gaussian{mean: mu.RawData(), cov: sym}
	if o.hasIndex {
		for k, idx := range o.estimated {
			if idx < 0 || idx >= n || (k > 0 && idx <= o.estimated[k-1]) {
				return nil, estimateErrorf("NewGaussian", fmt.Errorf("index %d: %w", idx, ErrInvalidIndex))
			}
		}
		g.estimated = o.estimated
	} else {
		for i, v := range sym.Diag() {
			if v > 0 {
				g.estimated = append(g.estimated, i)
			}
		}
	}
	if len(o.matrix) > 0 {
		opts := o.matrix
		g.once.Do(func() { g.factor, g.factorErr = g.cholesky(opts...) })
	}

	return g, nil
}

// NewZeroMean returns N(0, cov), the default shape of a random-effect distribution.
func NewZeroMean(cov matrix.Matrix, opts ...Option) (*Gaussian, error) {
	if err := matrix.ValidateNotNil(cov); err != nil {
		return nil, estimateErrorf("NewZeroMean", err)
	}

	return NewGaussian(make([]float64, cov.Rows()), cov, opts...)
}

// NewDegenerate returns a Gaussian with zero covariance: draws always return mean.
func NewDegenerate(mean []float64) (*Gaussian, error) {
	if len(mean) == 0 {
		return nil, estimateErrorf("NewDegenerate", ErrDimensionMismatch)
	}
	cov, err := matrix.NewSymDense(len(mean))
	if err != nil {
		return nil, estimateErrorf("NewDegenerate", err)
	}

	return NewGaussian(mean, cov)
}

// Dim returns the length of the mean vector.
func (g *Gaussian) Dim() int { return len(g.mean) }

// Mean returns a copy of the mean vector.
func (g *Gaussian) Mean() []float64 { return append([]float64(nil), g.mean...) }

// Covariance returns a copy of the covariance matrix.
func (g *Gaussian) Covariance() *matrix.SymDense { return g.cov.Clone().(*matrix.SymDense) }

// Variances returns a copy of the covariance diagonal.
func (g *Gaussian) Variances() []float64 { return g.cov.Diag() }

// EstimatedIndex returns a copy of the non-structurally-zero index set.
func (g *Gaussian) EstimatedIndex() []int { return append([]int(nil), g.estimated...) }

// Factor returns the lower Cholesky factor of the covariance restricted to the
// estimated index set. Computed once; the error is sticky.
func (g *Gaussian) Factor() (*matrix.Dense, error) {
	g.once.Do(func() { g.factor, g.factorErr = g.cholesky() })
	if g.factorErr != nil {
		return nil, g.factorErr
	}

	return g.factor, nil
}

func (g *Gaussian) cholesky(opts ...matrix.Option) (*matrix.Dense, error) {
	if len(g.estimated) == 0 {
		return nil, nil
	}
	sub, err := g.cov.Induced(g.estimated)
	if err != nil {
		return nil, estimateErrorf("Factor", err)
	}
	L, err := matrix.Cholesky(sub, opts...)
	if err != nil {
		return nil, estimateErrorf("Factor", err)
	}

	return L, nil
}

// Draw returns mean + L·z scattered over the estimated index set, with z a
// vector of independent standard normals read from src. Non-estimated entries
// keep their mean.
//
// Errors: matrix.ErrNotPositiveDefinite when the estimated block cannot be factorized.
func (g *Gaussian) Draw(src rand.Source) ([]float64, error) {
	out := g.Mean()
	if len(g.estimated) == 0 {
		return out, nil
	}
	L, err := g.Factor()
	if err != nil {
		return nil, err
	}
	std := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	z := make([]float64, len(g.estimated))
	for i := range z {
		z[i] = std.Rand()
	}
	dev, err := matrix.MatVec(L, z)
	if err != nil {
		return nil, estimateErrorf("Draw", err)
	}
	for k, idx := range g.estimated {
		out[idx] += dev[k]
	}

	return out, nil
}

// Marginal returns the Gaussian of the sub-vector at idx (in the given order).
// The estimated set of the result is the image of the parent's estimated set.
func (g *Gaussian) Marginal(idx []int) (*Gaussian, error) {
	if len(idx) == 0 {
		return nil, estimateErrorf("Marginal", ErrInvalidIndex)
	}
	sub, err := g.cov.Induced(idx)
	if err != nil {
		return nil, estimateErrorf("Marginal", err)
	}
	isEstimated := make(map[int]bool, len(g.estimated))
	for _, k := range g.estimated {
		isEstimated[k] = true
	}
	mean := make([]float64, len(idx))
	est := make([]int, 0, len(idx))
	for i, k := range idx {
		mean[i] = g.mean[k]
		if isEstimated[k] {
			est = append(est, i)
		}
	}
	if !sortedUnique(est) {
		return NewGaussian(mean, sub)
	}

	return NewGaussian(mean, sub, WithEstimatedIndex(est))
}

func sortedUnique(idx []int) bool {
	for i := 1; i < len(idx); i++ {
		if idx[i] <= idx[i-1] {
			return false
		}
	}

	return true
}
