// SPDX-License-Identifier: MIT

package estimate

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch indicates a mean/covariance or realization length mismatch.
	ErrDimensionMismatch = errors.New("estimate: dimension mismatch")

	// ErrInvalidIndex indicates an estimated index outside [0,n) or not strictly increasing.
	ErrInvalidIndex = errors.New("estimate: invalid estimated index")

	// ErrTooFewRealizations is returned when a Monte Carlo summary needs more realizations.
	ErrTooFewRealizations = errors.New("estimate: too few realizations")
)

// estimateErrorf wraps err with an operation tag.
func estimateErrorf(tag string, err error) error {
	return fmt.Errorf("%s: %w", tag, err)
}
