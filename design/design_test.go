// SPDX-License-Identifier: MIT

package design_test

import (
	"math"
	"testing"

	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/design"
	"github.com/stretchr/testify/require"
)

func testTable() design.Table {
	logDbh := design.Scalar("logdbh", func(_ covariate.Stand, t covariate.Tree) float64 { return math.Log(t.DbhCm()) })
	origin := design.Dummy("origin", "natural", []string{"planted", "seeded"},
		func(s covariate.Stand, _ covariate.Tree) string { return s.OriginCode() })

	return design.Table{
		"Intercept":     design.Intercept(),
		"LogDbh":        logDbh,
		"BasalArea":     design.Scalar("basalarea", func(s covariate.Stand, _ covariate.Tree) float64 { return s.BasalAreaM2Ha() }),
		"Origin":        origin,
		"LogDbh_Origin": design.Interaction(logDbh, origin),
	}
}

func TestParseEffects(t *testing.T) {
	t.Parallel()

	ids, err := design.ParseEffects(" Intercept, LogDbh;BasalArea\tOrigin ")
	require.NoError(t, err)
	require.Equal(t, []design.EffectID{"Intercept", "LogDbh", "BasalArea", "Origin"}, ids)

	_, err = design.ParseEffects(" , ; ")
	require.ErrorIs(t, err, design.ErrInvalidEffect)
	_, err = design.ParseEffects("LogDbh,LogDbh")
	require.ErrorIs(t, err, design.ErrInvalidEffect)
}

func TestBuilder_UnknownEffect(t *testing.T) {
	t.Parallel()

	_, err := design.NewBuilder(testTable(), []design.EffectID{"Intercept", "Elevation"})
	require.ErrorIs(t, err, design.ErrUnknownEffect)
}

func TestBuilder_BuildWithBlocks(t *testing.T) {
	t.Parallel()

	b, err := design.NewBuilder(testTable(), []design.EffectID{"Intercept", "LogDbh", "Origin", "LogDbh_Origin", "BasalArea"})
	require.NoError(t, err)
	require.Equal(t, 7, b.Width())
	require.Equal(t, []string{
		"intercept", "logdbh", "origin=planted", "origin=seeded",
		"logdbh:origin=planted", "logdbh:origin=seeded", "basalarea",
	}, b.Names())
	require.NoError(t, b.CheckWidth(7))
	require.ErrorIs(t, b.CheckWidth(8), design.ErrWidthMismatch)

	stand := &covariate.StandRecord{ID: "P1", BasalArea: 25, Origin: "seeded"}
	tree := &covariate.TreeRecord{ID: "1", StandID: "P1", Dbh: math.E}
	x, err := b.Build(stand, tree)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{1, 1, 0, 1, 0, 1, 25}, x, 1e-15)

	// Reference category writes zeros.
	stand.Origin = "natural"
	x, err = b.Build(stand, tree)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{1, 1, 0, 0, 0, 0, 25}, x, 1e-15)

	stand.Origin = "burnt"
	_, err = b.Build(stand, tree)
	require.ErrorIs(t, err, design.ErrUnknownCategory)
}

func TestBuilder_NonFinite(t *testing.T) {
	t.Parallel()

	b, err := design.NewBuilder(testTable(), []design.EffectID{"LogDbh"})
	require.NoError(t, err)
	_, err = b.Build(&covariate.StandRecord{}, &covariate.TreeRecord{Dbh: 0})
	require.ErrorIs(t, err, design.ErrNonFinite)
}

func TestBuilder_FreshVectorPerCall(t *testing.T) {
	t.Parallel()

	b, err := design.NewBuilder(testTable(), []design.EffectID{"Intercept"})
	require.NoError(t, err)
	x1, err := b.Build(&covariate.StandRecord{}, &covariate.TreeRecord{})
	require.NoError(t, err)
	x1[0] = 42
	x2, err := b.Build(&covariate.StandRecord{}, &covariate.TreeRecord{})
	require.NoError(t, err)
	require.Equal(t, 1.0, x2[0])
}
