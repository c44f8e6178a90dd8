// SPDX-License-Identifier: MIT
// Package predictor: sentinel errors.
//
// Every message is prefixed with "predictor: ..." and wrapped with an
// operation tag by predictorErrorf, so that a failure reads
// "Propagate: predictor: dimension mismatch".

package predictor

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a value outside the domain of a model
	// (dbh <= 0, an unknown mode, modulation outside [-1, 1], ...).
	ErrInvalidArgument = errors.New("predictor: invalid argument")

	// ErrDimensionMismatch reports inconsistent lengths between x, β, random
	// effects, gradients, Hessians or residual sources. Nothing is truncated.
	ErrDimensionMismatch = errors.New("predictor: dimension mismatch")
)

func predictorErrorf(tag string, err error) error {
	return fmt.Errorf("%s: %w", tag, err)
}
