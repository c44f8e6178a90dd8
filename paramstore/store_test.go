// SPDX-License-Identifier: MIT

package paramstore_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/katalvlaran/canopy/paramstore"
	"github.com/katalvlaran/canopy/tabular"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var heightNames = []string{"intercept", "logdbh", "basalarea"}

func openTables(t *testing.T) (*tabular.Table, *tabular.Table) {
	t.Helper()
	means, err := tabular.Open("testdata/means.csv")
	require.NoError(t, err)
	cov, err := tabular.Open("testdata/cov.csv")
	require.NoError(t, err)

	return means, cov
}

func TestLoad_SharedRowsAndOverrides(t *testing.T) {
	t.Parallel()

	means, cov := openTables(t)
	s := paramstore.New(paramstore.WithSampling(true))

	sab, err := s.Load(paramstore.Key{Version: "hd2014", Stratum: "SAB"}, heightNames, means, cov)
	require.NoError(t, err)
	require.Equal(t, []float64{0.95, 0.62, -0.004}, sab.Mean())
	require.Equal(t, []int{0, 1, 2}, sab.EstimatedIndex())
	c := sab.Covariance()
	v, err := c.At(0, 1)
	require.NoError(t, err)
	require.Equal(t, -0.0002, v)

	epn, err := s.Load(paramstore.Key{Version: "hd2014", Stratum: "EPN"}, heightNames, means, cov)
	require.NoError(t, err)
	require.Equal(t, 1.10, epn.Mean()[0])
	require.Equal(t, 0.0036, epn.Variances()[0])
	// basalarea is not estimated for EPN: structural zero, excluded from the factor.
	require.Equal(t, 0.0, epn.Mean()[2])
	require.Equal(t, []int{0, 1}, epn.EstimatedIndex())
	L, err := epn.Factor()
	require.NoError(t, err)
	require.Equal(t, 2, L.Rows())
}

func TestLoad_NumericalErrorIsLoadError(t *testing.T) {
	t.Parallel()

	means, cov := openTables(t)
	s := paramstore.New()
	_, err := s.Load(paramstore.Key{Version: "hd2014", Stratum: "BAD"}, heightNames, means, cov)
	require.ErrorIs(t, err, paramstore.ErrParameterLoad)
	require.ErrorIs(t, err, paramstore.ErrNumerical)

	var le *paramstore.LoadError
	require.True(t, errors.As(err, &le))
	require.Equal(t, "BAD", le.Stratum)
	require.Equal(t, "testdata/cov.csv", le.File)

	_, err = s.Get(paramstore.Key{Version: "hd2014", Stratum: "BAD"})
	require.ErrorIs(t, err, paramstore.ErrUnknownStratum)
}

func TestLoad_UnknownParameterAndStratum(t *testing.T) {
	t.Parallel()

	means, cov := openTables(t)
	s := paramstore.New()
	_, err := s.Load(paramstore.Key{Version: "v", Stratum: "SAB"}, []string{"intercept", "logdbh"}, means, cov)
	require.ErrorIs(t, err, paramstore.ErrUnknownParameter)

	noShared, err := tabular.ReadCSV(strings.NewReader("stratum,parameter,estimate\nSAB,b0,1\n"))
	require.NoError(t, err)
	_, err = s.Load(paramstore.Key{Version: "v", Stratum: "PIG"}, []string{"b0"}, noShared, nil)
	require.ErrorIs(t, err, paramstore.ErrUnknownStratum)

	bad, err := tabular.ReadCSV(strings.NewReader("species,parameter,estimate\nSAB,b0,1\n"))
	require.NoError(t, err)
	_, err = s.Load(paramstore.Key{Version: "v", Stratum: "SAB"}, []string{"b0"}, bad, nil)
	require.ErrorIs(t, err, tabular.ErrMissingColumn)
	require.ErrorIs(t, err, paramstore.ErrParameterLoad)
}

func TestLoad_SharedRowsAloneDoNotFitAStratum(t *testing.T) {
	t.Parallel()

	means, cov := openTables(t)
	s := paramstore.New()
	// testdata carries an "all" intercept row that matches every stratum.
	_, err := s.Load(paramstore.Key{Version: "hd2014", Stratum: "NOSUCH"}, heightNames, means, cov)
	require.ErrorIs(t, err, paramstore.ErrUnknownStratum)
	require.ErrorIs(t, err, paramstore.ErrParameterLoad)
	require.Empty(t, s.Strata("hd2014"))
}

func TestLoad_NonFiniteValues(t *testing.T) {
	t.Parallel()

	means, err := tabular.ReadCSV(strings.NewReader("stratum,parameter,estimate\nSAB,b0,1\nSAB,b1,2\n"))
	require.NoError(t, err)
	s := paramstore.New()

	for name, body := range map[string]string{
		"nan":  "stratum,row,col,value\nSAB,b0,b0,0.1\nSAB,b0,b1,NaN\n",
		"+inf": "stratum,row,col,value\nSAB,b0,b0,+Inf\n",
		"-inf": "stratum,row,col,value\nall,b1,b1,-Inf\n",
	} {
		cov, err := tabular.ReadCSV(strings.NewReader(body))
		require.NoError(t, err, name)
		_, err = s.Load(paramstore.Key{Version: "v", Stratum: "SAB"}, []string{"b0", "b1"}, means, cov)
		require.ErrorIs(t, err, paramstore.ErrNumerical, name)
		require.ErrorIs(t, err, paramstore.ErrParameterLoad, name)
	}

	nanMean, err := tabular.ReadCSV(strings.NewReader("stratum,parameter,estimate\nSAB,b0,NaN\n"))
	require.NoError(t, err)
	_, err = s.Load(paramstore.Key{Version: "v", Stratum: "SAB"}, []string{"b0"}, nanMean, nil)
	require.ErrorIs(t, err, paramstore.ErrNumerical)

	_, err = s.Get(paramstore.Key{Version: "v", Stratum: "SAB"})
	require.ErrorIs(t, err, paramstore.ErrUnknownStratum)
}

func TestLoadAll_IsolatesFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	means, cov := openTables(t)
	s := paramstore.New(paramstore.WithLogger(zap.New(core)), paramstore.WithSampling(true))

	failed, err := s.LoadAll("hd2014", func(string) []string { return heightNames }, means, cov)
	require.ErrorIs(t, err, paramstore.ErrNumerical)
	require.Equal(t, []string{"BAD"}, failed)
	require.Equal(t, []string{"EPN", "SAB"}, s.Strata("hd2014"))
	require.Equal(t, 1, logs.FilterMessage("stratum unavailable").Len())

	_, err = s.Get(paramstore.Key{Version: "hd2014", Stratum: "SAB"})
	require.NoError(t, err)
	_, err = s.Get(paramstore.Key{Version: "hd2014", Stratum: "PIG"})
	require.ErrorIs(t, err, paramstore.ErrUnknownStratum)
}

func TestLoadAll_SkipsUnmodeledStrata(t *testing.T) {
	t.Parallel()

	means, cov := openTables(t)
	s := paramstore.New()
	failed, err := s.LoadAll("hd2014", func(st string) []string {
		if st == "SAB" {
			return heightNames
		}

		return nil
	}, means, cov)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.Equal(t, []string{"SAB"}, s.Strata("hd2014"))
}
