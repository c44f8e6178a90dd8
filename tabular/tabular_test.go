// SPDX-License-Identifier: MIT

package tabular_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/katalvlaran/canopy/tabular"
	"github.com/stretchr/testify/require"
)

const sample = `# fitted on 2014 plots
Stratum, Parameter, Estimate, Note
all, intercept, 1.25, shared
SAB, logdbh, 0.8,
SAB, basalarea, , missing
EPN, logdbh, n/a, typo
`

func TestReadCSV_OptionalAndMandatory(t *testing.T) {
	t.Parallel()

	tbl, err := tabular.ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)
	require.Equal(t, 4, tbl.Len())
	require.Equal(t, []string{"stratum", "parameter", "estimate", "note"}, tbl.Header())
	require.NoError(t, tbl.Require("STRATUM", "estimate"))
	require.ErrorIs(t, tbl.Require("row"), tabular.ErrMissingColumn)

	recs := tbl.Records()
	require.Equal(t, 1.25, recs[0].Float("estimate"))
	require.Equal(t, 0.0, recs[2].Float("estimate"))
	require.Equal(t, 0.0, recs[3].Float("estimate"))
	require.Equal(t, 0.0, recs[0].Float("nosuchcolumn"))

	_, err = recs[3].RequireFloat("estimate")
	require.ErrorIs(t, err, tabular.ErrParse)
	require.Contains(t, err.Error(), "line 6")
	_, err = recs[0].RequireFloat("value")
	require.ErrorIs(t, err, tabular.ErrMissingColumn)
}

func TestStrataAndSentinels(t *testing.T) {
	t.Parallel()

	tbl, err := tabular.ReadCSV(strings.NewReader(sample))
	require.NoError(t, err)
	require.Equal(t, []string{"SAB", "EPN"}, tbl.Strata("stratum"))

	for _, s := range []string{"all", "ALL", " ess "} {
		require.True(t, tabular.IsSentinel(s), s)
	}
	require.False(t, tabular.IsSentinel("SAB"))
}

func TestOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "p.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	tbl, err := tabular.Open(path)
	require.NoError(t, err)
	require.Equal(t, path, tbl.Path)

	_, err = tabular.Open(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)

	_, err = tabular.ReadCSV(strings.NewReader(""))
	require.ErrorIs(t, err, tabular.ErrEmpty)
}
