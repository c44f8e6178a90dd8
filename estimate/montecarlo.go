// SPDX-License-Identifier: MIT

package estimate

import (
	"fmt"
	"sync"

	"github.com/katalvlaran/canopy/matrix"
)

// MonteCarlo accumulates realizations of a fixed-length outcome vector and
// summarizes them as a sample mean and covariance. Safe for concurrent Add.
type MonteCarlo struct {
	mu   sync.Mutex
	dim  int
	rows []float64 // row-major, one realization per row
}

// NewMonteCarlo returns an empty accumulator for outcomes of length dim.
func NewMonteCarlo(dim int) *MonteCarlo { return &MonteCarlo{dim: dim} }

// Add appends one realization (copied).
func (m *MonteCarlo) Add(realization []float64) error {
	if len(realization) != m.dim {
		return estimateErrorf("MonteCarlo.Add", fmt.Errorf("got %d, want %d: %w", len(realization), m.dim, ErrDimensionMismatch))
	}
	m.mu.Lock()
	m.rows = append(m.rows, realization...)
	m.mu.Unlock()

	return nil
}

// N returns the number of realizations added so far.
func (m *MonteCarlo) N() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dim == 0 {
		return 0
	}

	return len(m.rows) / m.dim
}

// Summary returns the sample mean and the unbiased sample covariance.
// Errors: ErrTooFewRealizations with fewer than two realizations.
func (m *MonteCarlo) Summary() ([]float64, *matrix.Dense, error) {
	m.mu.Lock()
	data := append([]float64(nil), m.rows...)
	m.mu.Unlock()

	if m.dim == 0 || len(data)/m.dim < 2 {
		return nil, nil, estimateErrorf("MonteCarlo.Summary", ErrTooFewRealizations)
	}
	X, err := matrix.NewDenseFrom(len(data)/m.dim, m.dim, data)
	if err != nil {
		return nil, nil, estimateErrorf("MonteCarlo.Summary", err)
	}
	cov, mean, err := matrix.Covariance(X)
	if err != nil {
		return nil, nil, estimateErrorf("MonteCarlo.Summary", err)
	}

	return mean, cov, nil
}
