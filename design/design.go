// SPDX-License-Identifier: MIT
// Package design assembles design (X) vectors from a declarative effect list.
//
// A model supplies a Table mapping each EffectID to its width and a value
// producer. A Builder resolves an ordered effect list against that table once,
// and then fills a fresh vector per (stand, tree): each effect writes its block
// at the current cursor, which advances by the block width.
//
// Invariants:
//   - Every id of the list exists in the table (ErrUnknownEffect otherwise).
//   - The expanded width equals len(β) (CheckWidth → ErrWidthMismatch).
//   - Build never retains the returned slice.

package design

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/matrix"
)

var (
	// ErrUnknownEffect is returned for an effect id missing from the table.
	ErrUnknownEffect = errors.New("design: unknown effect")

	// ErrWidthMismatch is returned when the expanded width differs from len(β).
	ErrWidthMismatch = errors.New("design: width mismatch")

	// ErrUnknownCategory is returned by a Dummy effect for an unlisted category.
	ErrUnknownCategory = errors.New("design: unknown category")

	// ErrNonFinite is returned when an effect produces NaN or ±Inf.
	ErrNonFinite = errors.New("design: non-finite value")

	// ErrInvalidEffect is returned for a malformed effect definition or list.
	ErrInvalidEffect = errors.New("design: invalid effect")
)

// EffectID names an effect in a model's closed table.
type EffectID string

// Effect is one block of the design vector.
type Effect struct {
	Width  int
	Labels []string
	// Eval writes exactly Width values into dst.
	Eval func(stand covariate.Stand, tree covariate.Tree, dst []float64) error
}

// Table is the closed set of effects a model understands.
type Table map[EffectID]Effect

// Scalar returns a width-1 effect.
func Scalar(label string, f func(covariate.Stand, covariate.Tree) float64) Effect {
	return Effect{
		Width:  1,
		Labels: []string{label},
		Eval: func(s covariate.Stand, t covariate.Tree, dst []float64) error {
			dst[0] = f(s, t)

			return nil
		},
	}
}

// Intercept is the constant 1 column.
func Intercept() Effect {
	return Scalar("intercept", func(covariate.Stand, covariate.Tree) float64 { return 1 })
}

// Dummy returns a treatment-coded categorical block: one column per level,
// all zeros for the reference category.
// Errors at evaluation: ErrUnknownCategory for a value that is neither the
// reference nor one of levels.
func Dummy(label, reference string, levels []string, f func(covariate.Stand, covariate.Tree) string) Effect {
	pos := make(map[string]int, len(levels))
	labels := make([]string, len(levels))
	for i, l := range levels {
		pos[l] = i
		labels[i] = label + "=" + l
	}

	return Effect{
		Width:  len(levels),
		Labels: labels,
		Eval: func(s covariate.Stand, t covariate.Tree, dst []float64) error {
			v := f(s, t)
			for i := range dst {
				dst[i] = 0
			}
			if v == reference {
				return nil
			}
			i, ok := pos[v]
			if !ok {
				return fmt.Errorf("%s=%q: %w", label, v, ErrUnknownCategory)
			}
			dst[i] = 1

			return nil
		},
	}
}

// Interaction returns the row-major Kronecker product of two blocks:
// column (i·b.Width + j) holds a[i]·b[j].
func Interaction(a, b Effect) Effect {
	labels := make([]string, 0, a.Width*b.Width)
	for _, la := range a.Labels {
		for _, lb := range b.Labels {
			labels = append(labels, la+":"+lb)
		}
	}

	return Effect{
		Width:  a.Width * b.Width,
		Labels: labels,
		Eval: func(s covariate.Stand, t covariate.Tree, dst []float64) error {
			va := make([]float64, a.Width)
			vb := make([]float64, b.Width)
			if err := a.Eval(s, t, va); err != nil {
				return err
			}
			if err := b.Eval(s, t, vb); err != nil {
				return err
			}
			ra, err := matrix.NewRowVector(va)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrNonFinite, err)
			}
			rb, err := matrix.NewRowVector(vb)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrNonFinite, err)
			}
			k, err := matrix.Kronecker(ra, rb)
			if err != nil {
				return err
			}
			copy(dst, k.RawData())

			return nil
		},
	}
}

// ParseEffects splits a declarative effect list ("Intercept, LogDbh; BasalArea")
// on commas, semicolons and white space.
// Errors: ErrInvalidEffect for an empty list or a repeated id.
func ParseEffects(list string) ([]EffectID, error) {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty effect list: %w", ErrInvalidEffect)
	}
	seen := make(map[EffectID]bool, len(fields))
	out := make([]EffectID, 0, len(fields))
	for _, f := range fields {
		id := EffectID(f)
		if seen[id] {
			return nil, fmt.Errorf("%q repeated: %w", f, ErrInvalidEffect)
		}
		seen[id] = true
		out = append(out, id)
	}

	return out, nil
}

// Builder fills design vectors for one resolved effect list.
type Builder struct {
	ids     []EffectID
	effects []Effect
	offsets []int
	width   int
}

// NewBuilder resolves effects against table.
// Errors: ErrUnknownEffect, ErrInvalidEffect (width < 1, missing Eval, label count).
func NewBuilder(table Table, effects []EffectID) (*Builder, error) {
	if len(effects) == 0 {
		return nil, fmt.Errorf("empty effect list: %w", ErrInvalidEffect)
	}
	b := &Builder{ids: append([]EffectID(nil), effects...)}
	for _, id := range effects {
		e, ok := table[id]
		if !ok {
			return nil, fmt.Errorf("%q: %w", id, ErrUnknownEffect)
		}
		if e.Width < 1 || e.Eval == nil || len(e.Labels) != e.Width {
			return nil, fmt.Errorf("%q: %w", id, ErrInvalidEffect)
		}
		b.effects = append(b.effects, e)
		b.offsets = append(b.offsets, b.width)
		b.width += e.Width
	}

	return b, nil
}

// Width returns the expanded width of the effect list.
func (b *Builder) Width() int { return b.width }

// Effects returns the resolved effect ids in order.
func (b *Builder) Effects() []EffectID { return append([]EffectID(nil), b.ids...) }

// Names returns one label per design column; these are the parameter names
// expected in the parameter files.
func (b *Builder) Names() []string {
	out := make([]string, 0, b.width)
	for _, e := range b.effects {
		out = append(out, e.Labels...)
	}

	return out
}

// CheckWidth fails fast when n (usually len(β)) differs from Width.
func (b *Builder) CheckWidth(n int) error {
	if n != b.width {
		return fmt.Errorf("effects expand to %d columns, parameters %d: %w", b.width, n, ErrWidthMismatch)
	}

	return nil
}

// Build returns a fresh design vector for (stand, tree).
// Errors from an effect are wrapped with its id; ErrNonFinite for NaN/±Inf output.
func (b *Builder) Build(stand covariate.Stand, tree covariate.Tree) ([]float64, error) {
	x := make([]float64, b.width)
	for k, e := range b.effects {
		off := b.offsets[k]
		dst := x[off : off+e.Width]
		if err := e.Eval(stand, tree, dst); err != nil {
			return nil, fmt.Errorf("effect %q: %w", b.ids[k], err)
		}
		for _, v := range dst {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("effect %q: %w", b.ids[k], ErrNonFinite)
			}
		}
	}

	return x, nil
}
