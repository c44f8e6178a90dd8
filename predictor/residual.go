// SPDX-License-Identifier: MIT

package predictor

import (
	"fmt"
	"math"
	"strings"

	"github.com/katalvlaran/canopy/matrix"
)

// Correlation is the within-subject residual correlation structure.
type Correlation int

const (
	// Independent residuals: R = σ²·diag(w).
	Independent Correlation = iota
	// LinearLog: ρ(d) = max(0, 1 − ρ·ln(1 + d)).
	LinearLog
	// Power: ρ(d) = ρ^d, 0 ≤ ρ ≤ 1.
	Power
	// Exponential: ρ(d) = exp(−d/ρ), ρ > 0.
	Exponential
)

var correlationNames = [...]string{"none", "linearlog", "power", "exponential"}

func (c Correlation) String() string {
	if c < 0 || int(c) >= len(correlationNames) {
		return fmt.Sprintf("correlation(%d)", int(c))
	}

	return correlationNames[c]
}

// ParseCorrelation accepts the names printed by Correlation.String.
func ParseCorrelation(s string) (Correlation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range correlationNames {
		if s == n {
			return Correlation(i), nil
		}
	}

	return 0, fmt.Errorf("correlation %q: %w", s, ErrInvalidArgument)
}

// ResidualModel builds the structured residual covariance R of one subject
// whose observations sit at known positions (e.g. section heights along a stem).
type ResidualModel struct {
	Variance  float64
	Rho       float64
	Structure Correlation
}

// Validate checks Variance ≥ 0 and the admissible range of Rho for Structure.
func (m ResidualModel) Validate() error {
	if m.Variance < 0 || math.IsNaN(m.Variance) || math.IsInf(m.Variance, 0) {
		return fmt.Errorf("residual variance %g: %w", m.Variance, ErrInvalidArgument)
	}
	switch m.Structure {
	case Independent:
	case LinearLog:
		if m.Rho < 0 {
			return fmt.Errorf("linear-log rho %g: %w", m.Rho, ErrInvalidArgument)
		}
	case Power:
		if m.Rho < 0 || m.Rho > 1 {
			return fmt.Errorf("power rho %g: %w", m.Rho, ErrInvalidArgument)
		}
	case Exponential:
		if m.Rho <= 0 {
			return fmt.Errorf("exponential rho %g: %w", m.Rho, ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%v: %w", m.Structure, ErrInvalidArgument)
	}

	return nil
}

// Correlation returns the correlation of two residuals d apart (d ≥ 0).
func (m ResidualModel) Correlation(d float64) float64 {
	if d == 0 {
		return 1
	}
	switch m.Structure {
	case LinearLog:
		return math.Max(0, 1-m.Rho*math.Log1p(d))
	case Power:
		return math.Pow(m.Rho, d)
	case Exponential:
		return math.Exp(-d / m.Rho)
	default:
		return 0
	}
}

// Matrix returns R with R_ij = Variance·sqrt(w_i·w_j)·ρ(|p_i − p_j|).
// weights may be nil (homoscedastic); otherwise it must match positions.
//
// Errors: ErrInvalidArgument (bad model, negative weight), ErrDimensionMismatch.
func (m ResidualModel) Matrix(positions, weights []float64) (*matrix.Dense, error) {
	const tag = "ResidualModel.Matrix"
	if err := m.Validate(); err != nil {
		return nil, predictorErrorf(tag, err)
	}
	n := len(positions)
	if n == 0 || (weights != nil && len(weights) != n) {
		return nil, predictorErrorf(tag, fmt.Errorf("positions %d, weights %d: %w", n, len(weights), ErrDimensionMismatch))
	}
	sd := make([]float64, n)
	for i := range sd {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		if w < 0 {
			return nil, predictorErrorf(tag, fmt.Errorf("weight %d = %g: %w", i, w, ErrInvalidArgument))
		}
		sd[i] = math.Sqrt(w)
	}
	R, err := matrix.NewDense(n, n)
	if err != nil {
		return nil, predictorErrorf(tag, err)
	}
	var i, j int
	for i = 0; i < n; i++ {
		for j = i; j < n; j++ {
			v := m.Variance * sd[i] * sd[j] * m.Correlation(math.Abs(positions[i]-positions[j]))
			_ = R.Set(i, j, v)
			_ = R.Set(j, i, v)
		}
	}

	return R, nil
}
