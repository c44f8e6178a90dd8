// SPDX-License-Identifier: MIT
// Package predictor - analytical uncertainty propagation.
//
// A submodule describes its link function at the expansion point δ = 0 of the
// joint deviate δ = (β − β̂, u, ε_link) by an Expansion:
//
//	f_i(δ) ≈ f_i(0) + g_iᵀ·δ + ½·δₖᵀ·H_i·δₖ
//
// where δₖ is δ restricted to Index, the few coordinates that enter the link
// nonlinearly. With δ ~ N(0, Σ), Σ = blockdiag(Ω, G, σ²) and Σₖ = Σ[Index, Index]:
//
//	first order   mean = f(0)                     cov = J·Σ·Jᵀ + R
//	second order  mean = f(0) + c                 cov = J·Σ·Jᵀ + R + W − c·cᵀ
//	              c_i  = ½·Σ(H_i ⊙ Σₖ)
//	              W_ij = ¼·vec(H_i)ᵀ·isserlis(Σₖ)·vec(H_j)
//
// W − c·cᵀ is the covariance of the quadratic terms; the cross moment between
// the linear and quadratic terms vanishes for a centred Gaussian.
//
// Complexity: O(m·p²) for J·Σ·Jᵀ, O(k⁴ + m²·k⁴) for W; k is 2 or 3 in every
// model of this module.

package predictor

import (
	"fmt"

	"github.com/katalvlaran/canopy/matrix"
)

// Source names the origin of a block of the joint deviate.
type Source int

const (
	// Parameters is the fixed-effect estimation error β − β̂.
	Parameters Source = iota
	// RandomEffects are the level-specific random effects u.
	RandomEffects
	// LinkResidual is a residual that enters the link nonlinearly (log scale).
	LinkResidual
)

func (s Source) String() string {
	switch s {
	case Parameters:
		return "parameters"
	case RandomEffects:
		return "randomeffects"
	case LinkResidual:
		return "linkresidual"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Block is one diagonal block of Σ.
type Block struct {
	Source Source
	Cov    matrix.Matrix
}

// Blocks lists the variance sources in play. Joint blocks are stacked along
// the diagonal in order; Residual is the additive covariance of the outcome
// (m×m) and may be nil.
type Blocks struct {
	Joint    []Block
	Residual matrix.Matrix
}

// Dim returns the dimension of the joint deviate.
func (b Blocks) Dim() int {
	n := 0
	for _, blk := range b.Joint {
		if blk.Cov != nil {
			n += blk.Cov.Rows()
		}
	}

	return n
}

// Expansion is the Taylor expansion of an m-valued link at δ = 0.
type Expansion struct {
	Value    []float64     // f(0), length m
	Gradient *matrix.Dense // m×p, p = Blocks.Dim()
	Hessians []*matrix.Dense
	Index    []int // positions in δ of the Hessian rows/columns, strictly increasing
}

// Propagate returns the predicted mean and covariance of the outcome in the
// analytical mode order. MeanOnly returns a zero covariance. Hessians may be
// empty, in which case SecondOrder equals FirstOrder.
//
// Errors:
//   - ErrInvalidArgument for Stochastic or an unknown mode.
//   - ErrDimensionMismatch when Gradient, Hessians, Index or Residual disagree
//     with len(Value) and Blocks.Dim().
func Propagate(exp Expansion, blocks Blocks, order Mode) ([]float64, *matrix.Dense, error) {
	const tag = "Propagate"
	if !order.Analytical() {
		return nil, nil, predictorErrorf(tag, fmt.Errorf("%v is not analytical: %w", order, ErrInvalidArgument))
	}
	m := len(exp.Value)
	if m == 0 {
		return nil, nil, predictorErrorf(tag, fmt.Errorf("empty expansion: %w", ErrDimensionMismatch))
	}
	mean := append([]float64(nil), exp.Value...)
	cov, err := matrix.NewDense(m, m)
	if err != nil {
		return nil, nil, predictorErrorf(tag, err)
	}
	if order == MeanOnly {
		return mean, cov, nil
	}
	if err = checkExpansion(exp, blocks); err != nil {
		return nil, nil, predictorErrorf(tag, err)
	}

	if p := blocks.Dim(); p > 0 {
		sigma, err := jointCov(blocks)
		if err != nil {
			return nil, nil, predictorErrorf(tag, err)
		}
		jsj, err := sandwich(exp.Gradient, sigma)
		if err != nil {
			return nil, nil, predictorErrorf(tag, err)
		}
		if cov, err = matrix.Add(cov, jsj); err != nil {
			return nil, nil, predictorErrorf(tag, err)
		}
		if order == SecondOrder && len(exp.Hessians) > 0 {
			c, w, err := secondOrder(exp, sigma)
			if err != nil {
				return nil, nil, predictorErrorf(tag, err)
			}
			for i := range mean {
				mean[i] += c[i]
			}
			if cov, err = matrix.Add(cov, w); err != nil {
				return nil, nil, predictorErrorf(tag, err)
			}
		}
	}
	if blocks.Residual != nil {
		if cov, err = matrix.Add(cov, blocks.Residual); err != nil {
			return nil, nil, predictorErrorf(tag, err)
		}
	}

	return mean, cov, nil
}

func checkExpansion(exp Expansion, blocks Blocks) error {
	m, p := len(exp.Value), blocks.Dim()
	if p > 0 {
		if exp.Gradient == nil || exp.Gradient.Rows() != m || exp.Gradient.Cols() != p {
			return fmt.Errorf("gradient for %d outputs and %d deviates: %w", m, p, ErrDimensionMismatch)
		}
	}
	if r := blocks.Residual; r != nil && (r.Rows() != m || r.Cols() != m) {
		return fmt.Errorf("residual %dx%d for %d outputs: %w", r.Rows(), r.Cols(), m, ErrDimensionMismatch)
	}
	for _, blk := range blocks.Joint {
		if blk.Cov != nil && blk.Cov.Rows() != blk.Cov.Cols() {
			return fmt.Errorf("%v block %dx%d: %w", blk.Source, blk.Cov.Rows(), blk.Cov.Cols(), ErrDimensionMismatch)
		}
	}
	if len(exp.Hessians) == 0 {
		return nil
	}
	if len(exp.Hessians) != m {
		return fmt.Errorf("%d hessians for %d outputs: %w", len(exp.Hessians), m, ErrDimensionMismatch)
	}
	k := len(exp.Index)
	for i, idx := range exp.Index {
		if idx < 0 || idx >= p || (i > 0 && idx <= exp.Index[i-1]) {
			return fmt.Errorf("hessian index %d of %d deviates: %w", idx, p, ErrDimensionMismatch)
		}
	}
	for i, h := range exp.Hessians {
		if h == nil || h.Rows() != k || h.Cols() != k {
			return fmt.Errorf("hessian %d is not %dx%d: %w", i, k, k, ErrDimensionMismatch)
		}
	}

	return nil
}

func jointCov(blocks Blocks) (*matrix.Dense, error) {
	mats := make([]matrix.Matrix, 0, len(blocks.Joint))
	for _, blk := range blocks.Joint {
		if blk.Cov != nil {
			mats = append(mats, blk.Cov)
		}
	}

	return matrix.BlockDiag(mats...)
}

// sandwich returns J·Σ·Jᵀ.
func sandwich(J, sigma matrix.Matrix) (*matrix.Dense, error) {
	js, err := matrix.Mul(J, sigma)
	if err != nil {
		return nil, err
	}
	jt, err := matrix.Transpose(J)
	if err != nil {
		return nil, err
	}

	return matrix.Mul(js, jt)
}

// secondOrder returns the mean correction c and the covariance term W − c·cᵀ.
func secondOrder(exp Expansion, sigma *matrix.Dense) ([]float64, *matrix.Dense, error) {
	sk, err := sigma.Induced(exp.Index, exp.Index)
	if err != nil {
		return nil, nil, err
	}
	iss, err := matrix.Isserlis(sk)
	if err != nil {
		return nil, nil, err
	}
	m := len(exp.Hessians)
	c := make([]float64, m)
	vecs := make([][]float64, m)
	for i, h := range exp.Hessians {
		hs, err := matrix.Hadamard(h, sk)
		if err != nil {
			return nil, nil, err
		}
		c[i] = 0.5 * matrix.ElementSum(hs)
		if vecs[i], err = matrix.Vec(h); err != nil {
			return nil, nil, err
		}
	}
	w, err := matrix.NewDense(m, m)
	if err != nil {
		return nil, nil, err
	}
	var i, j int
	for i = 0; i < m; i++ {
		for j = i; j < m; j++ {
			q, err := matrix.QuadForm(vecs[i], iss, vecs[j])
			if err != nil {
				return nil, nil, err
			}
			v := 0.25*q - c[i]*c[j]
			_ = w.Set(i, j, v)
			_ = w.Set(j, i, v)
		}
	}

	return c, w, nil
}
