// SPDX-License-Identifier: MIT

package taper

import (
	"fmt"
	"strings"

	"github.com/katalvlaran/canopy/predictor"
)

// Method is the volume integration rule.
type Method int

const (
	// GaussLegendre uses five nodes per segment; exact for degree ≤ 9.
	GaussLegendre Method = iota
	// Trapezoid uses Segments+1 equally spaced nodes.
	Trapezoid
)

func (m Method) String() string {
	switch m {
	case GaussLegendre:
		return "gausslegendre"
	case Trapezoid:
		return "trapezoid"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod accepts "gausslegendre" (or "gl") and "trapezoid".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gausslegendre", "gl", "":
		return GaussLegendre, nil
	case "trapezoid":
		return Trapezoid, nil
	default:
		return 0, fmt.Errorf("taper: method %q: %w", s, predictor.ErrInvalidArgument)
	}
}

// Five-point Gauss–Legendre rule on [-1, 1].
var (
	glNodes   = [5]float64{-0.9061798459386640, -0.5384693101056831, 0, 0.5384693101056831, 0.9061798459386640}
	glWeights = [5]float64{0.2369268850561891, 0.4786286704993665, 0.5688888888888889, 0.4786286704993665, 0.2369268850561891}
)

// Nodes returns the integration heights and weights of method on [bottom, top]
// split into segments equal parts, so that ∫f ≈ Σ w_i·f(h_i).
func Nodes(method Method, bottom, top float64, segments int) ([]float64, []float64, error) {
	if !(top > bottom) || segments < 1 {
		return nil, nil, fmt.Errorf("taper: nodes on [%g, %g] in %d segments: %w", bottom, top, segments, predictor.ErrInvalidArgument)
	}
	step := (top - bottom) / float64(segments)
	switch method {
	case GaussLegendre:
		hs := make([]float64, 0, 5*segments)
		ws := make([]float64, 0, 5*segments)
		half := step / 2
		for s := 0; s < segments; s++ {
			mid := bottom + (float64(s)+0.5)*step
			for k, x := range glNodes {
				hs = append(hs, mid+half*x)
				ws = append(ws, half*glWeights[k])
			}
		}

		return hs, ws, nil
	case Trapezoid:
		hs := make([]float64, segments+1)
		ws := make([]float64, segments+1)
		for i := range hs {
			hs[i] = bottom + float64(i)*step
			ws[i] = step
		}
		ws[0], ws[segments] = step/2, step/2

		return hs, ws, nil
	default:
		return nil, nil, fmt.Errorf("taper: %v: %w", method, predictor.ErrInvalidArgument)
	}
}
