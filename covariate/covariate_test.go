// SPDX-License-Identifier: MIT

package covariate_test

import (
	"strings"
	"testing"

	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/tabular"
	"github.com/stretchr/testify/require"
)

func TestLevel_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, l := range []covariate.Level{covariate.PlotLevel, covariate.CruiseLineLevel, covariate.TreeLevel, covariate.IntervalLevel} {
		got, err := covariate.ParseLevel(l.String())
		require.NoError(t, err)
		require.Equal(t, l, got)
	}
	_, err := covariate.ParseLevel("stem")
	require.ErrorIs(t, err, covariate.ErrUnknownLevel)
	require.Equal(t, "level(9)", covariate.Level(9).String())
}

func TestRecords_Level(t *testing.T) {
	t.Parallel()

	var s covariate.Stand = &covariate.StandRecord{ID: "P1"}
	var tr covariate.Tree = &covariate.TreeRecord{StandID: "P1", ID: "7"}
	require.Equal(t, covariate.PlotLevel, s.Level())
	require.Equal(t, covariate.TreeLevel, tr.Level())
	require.Equal(t, "plot/P1", covariate.Key(s))
	require.Equal(t, "tree/P1/7", covariate.Key(tr))
}

func TestInventoryFromTable(t *testing.T) {
	t.Parallel()

	tbl, err := tabular.ReadCSV(strings.NewReader(`plot,tree,species,dbh,height,basal_area,region
P1,1,SAB,22.5,15.2,28,6a
P1,2,EPN,18,,28,6a
P2,1,SAB,30,,12,5b
`))
	require.NoError(t, err)
	inv, err := covariate.InventoryFromTable(tbl)
	require.NoError(t, err)
	require.Len(t, inv.Stands, 2)
	require.Equal(t, 28.0, inv.Stands[0].BasalAreaM2Ha())
	require.Equal(t, "5b", inv.Stands[1].EcoRegion())

	trees := inv.Trees["P1"]
	require.Len(t, trees, 2)
	require.True(t, covariate.HasMeasuredHeight(trees[0]))
	require.False(t, covariate.HasMeasuredHeight(trees[1]))
	require.Equal(t, "tree/P1/2", covariate.Key(trees[1]))

	r := trees[0].InRealization(4)
	require.Equal(t, 4, r.RealizationID())
	require.Equal(t, 0, trees[0].RealizationID())
}

func TestInventoryFromTable_MissingColumn(t *testing.T) {
	t.Parallel()

	tbl, err := tabular.ReadCSV(strings.NewReader("plot,tree,dbh\nP1,1,10\n"))
	require.NoError(t, err)
	_, err = covariate.InventoryFromTable(tbl)
	require.ErrorIs(t, err, tabular.ErrMissingColumn)
}
