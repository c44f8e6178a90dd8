// SPDX-License-Identifier: MIT
// Package matrix - private element-wise kernels behind the public facades.
//
// Purpose:
//   - Centralize loops for column broadcasting and clamping.
//   - Keep the public API (api.go) free of loop code.
//
// Determinism:
//   - Flat row-major loops, no early exit.

package matrix

import (
	"fmt"
	"math"
)

const (
	opClip            = "ClipVec"
	opBroadcastSubCol = "BroadcastSubCols"
)

// ewBroadcastSubCols returns X with colMeans[j] subtracted from every entry of column j.
// Time: O(r*c). Space: O(r*c).
func ewBroadcastSubCols(X Matrix, colMeans []float64) (*Dense, error) {
	if err := ValidateNotNil(X); err != nil {
		return nil, matrixErrorf(opBroadcastSubCol, err)
	}
	if err := ValidateVecLen(colMeans, X.Cols()); err != nil {
		return nil, matrixErrorf(opBroadcastSubCol, err)
	}
	d, err := asDense(X)
	if err != nil {
		return nil, matrixErrorf(opBroadcastSubCol, err)
	}
	out := d.cloneDense()
	var i, j, base int
	for i = 0; i < d.r; i++ {
		base = i * d.c
		for j = 0; j < d.c; j++ {
			out.data[base+j] -= colMeans[j]
		}
	}

	return out, nil
}

// ewClipVec clamps each entry of x into [lo, hi] in place and returns the
// number of clamped entries.
func ewClipVec(x []float64, lo, hi float64) (int, error) {
	if math.IsNaN(lo) || math.IsNaN(hi) {
		return 0, fmt.Errorf("%s: %w", opClip, ErrNaNInf)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	n := 0
	for i, v := range x {
		switch {
		case v < lo:
			x[i] = lo
			n++
		case v > hi:
			x[i] = hi
			n++
		}
	}

	return n, nil
}
