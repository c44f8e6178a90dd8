// SPDX-License-Identifier: MIT
// Package covariate defines the read-only accessor contracts predictors consume
// for stands (plots) and trees, plus the subject identity used to key BLUPs and
// Monte Carlo draws.
//
// Contracts:
//   - Predictors never mutate a Stand or a Tree.
//   - Height is a required accessor with a sentinel: HeightM() <= 0 means
//     "not measured". No capability probing is needed anywhere.

package covariate

import (
	"errors"
	"fmt"
	"strconv"
)

// Level is the hierarchical level at which a random effect is defined.
type Level int

const (
	// PlotLevel is the stand/plot level.
	PlotLevel Level = iota
	// CruiseLineLevel groups plots along a cruise line.
	CruiseLineLevel
	// TreeLevel is the individual-tree level.
	TreeLevel
	// IntervalLevel is a growth interval nested in a plot.
	IntervalLevel
)

var levelNames = [...]string{"plot", "cruiseline", "tree", "interval"}

// String returns the lower-case level name.
func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "level(" + strconv.Itoa(int(l)) + ")"
	}

	return levelNames[l]
}

// ParseLevel is the inverse of Level.String.
func ParseLevel(s string) (Level, error) {
	for i, n := range levelNames {
		if n == s {
			return Level(i), nil
		}
	}

	return 0, fmt.Errorf("%q: %w", s, ErrUnknownLevel)
}

// ErrUnknownLevel is returned by ParseLevel.
var ErrUnknownLevel = errors.New("covariate: unknown level")

// Subject identifies an entity that carries random effects and Monte Carlo draws.
type Subject interface {
	SubjectID() string
	Level() Level
	// RealizationID is the Monte Carlo realization this object belongs to.
	RealizationID() int
}

// Key returns the canonical cache key of a subject: "<level>/<id>".
func Key(s Subject) string { return s.Level().String() + "/" + s.SubjectID() }

// Stand exposes plot-level covariates.
type Stand interface {
	Subject
	BasalAreaM2Ha() float64
	StemDensityHa() float64
	MeanAnnualTempC() float64
	AnnualPrecipMm() float64
	ElevationM() float64
	SlopePct() float64
	EcoRegion() string
	DisturbanceCode() string
	OriginCode() string
}

// Tree exposes tree-level covariates.
type Tree interface {
	Subject
	SpeciesCode() string
	DbhCm() float64
	// HeightM returns the measured height, or a value <= 0 when not measured.
	HeightM() float64
	// BasalAreaLargerM2Ha is the basal area of trees larger than this one.
	BasalAreaLargerM2Ha() float64
}

// HasMeasuredHeight reports whether the tree carries an observed height.
func HasMeasuredHeight(t Tree) bool { return t.HeightM() > 0 }
