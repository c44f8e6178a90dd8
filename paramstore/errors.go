// SPDX-License-Identifier: MIT

package paramstore

import (
	"errors"
	"fmt"
)

var (
	// ErrParameterLoad matches every *LoadError.
	ErrParameterLoad = errors.New("paramstore: parameter load failed")

	// ErrUnknownStratum is returned by Get for a (version, stratum) never populated.
	ErrUnknownStratum = errors.New("paramstore: unknown stratum")

	// ErrNumerical reports a covariance that is asymmetric, not PSD or not
	// Cholesky-decomposable on its estimated block.
	ErrNumerical = errors.New("paramstore: numerical error")

	// ErrUnknownParameter reports a file row naming a parameter outside the stratum's list.
	ErrUnknownParameter = errors.New("paramstore: unknown parameter")
)

// LoadError reports the file and stratum of a failed load.
type LoadError struct {
	File    string
	Stratum string
	Err     error
}

func (e *LoadError) Error() string {
	file := e.File
	if file == "" {
		file = "<memory>"
	}

	return fmt.Sprintf("paramstore: load %s [%s]: %v", file, e.Stratum, e.Err)
}

// Unwrap exposes the cause.
func (e *LoadError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrParameterLoad) hold for every LoadError.
func (e *LoadError) Is(target error) bool { return target == ErrParameterLoad }
