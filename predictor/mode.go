// SPDX-License-Identifier: MIT

package predictor

import (
	"fmt"
	"strings"
)

// Mode selects how a prediction treats uncertainty.
type Mode int

const (
	// MeanOnly evaluates the link at the parameter means.
	MeanOnly Mode = iota
	// FirstOrder adds the delta-method variance J·Σ·Jᵀ + R.
	FirstOrder
	// SecondOrder adds the Hessian mean correction and its Isserlis variance.
	SecondOrder
	// Stochastic draws parameters, random effects and residuals per realization.
	Stochastic
)

var modeNames = [...]string{"mean", "first", "second", "stochastic"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}

	return modeNames[m]
}

// Analytical reports whether m is computed without sampling.
func (m Mode) Analytical() bool { return m >= MeanOnly && m <= SecondOrder }

// ParseMode accepts the names printed by Mode.String, case-insensitively.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if s == n {
			return Mode(i), nil
		}
	}

	return 0, fmt.Errorf("mode %q: %w", s, ErrInvalidArgument)
}

// Variability switches the uncertainty sources on or off. Disabled sources are
// held at their means in stochastic mode and carry zero variance in the
// analytical modes.
type Variability struct {
	Parameters    bool
	RandomEffects bool
	Residual      bool
}

// AllSources enables every source.
func AllSources() Variability { return Variability{Parameters: true, RandomEffects: true, Residual: true} }

// Any reports whether at least one source is enabled.
func (v Variability) Any() bool { return v.Parameters || v.RandomEffects || v.Residual }

// Config is the run-wide setting shared by every submodule of one Core.
type Config struct {
	Mode        Mode
	Variability Variability
	// Seed roots every deterministic random stream of the run.
	Seed uint64
}

// Validate checks that Mode is a known value.
func (c Config) Validate() error {
	if c.Mode < MeanOnly || c.Mode > Stochastic {
		return fmt.Errorf("%v: %w", c.Mode, ErrInvalidArgument)
	}

	return nil
}
