// SPDX-License-Identifier: MIT

package biomass_test

import (
	"math"
	"testing"

	"github.com/katalvlaran/canopy/biomass"
	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/paramstore"
	"github.com/katalvlaran/canopy/predictor"
	"github.com/katalvlaran/canopy/tabular"
	"github.com/katalvlaran/canopy/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	b0, b1, b2 = 0.0534, 1.7123, 0.8941 // SAB wood
	v0, v1, v2 = 0.00001, 0.001, 0.001
	c01, c12   = -0.00005, -0.0002
)

func newModel(t *testing.T, mode predictor.Mode, v predictor.Variability, opts ...predictor.Option) *biomass.Model {
	t.Helper()
	core, err := predictor.New(predictor.Config{Mode: mode, Variability: v, Seed: 2005}, opts...)
	require.NoError(t, err)
	m, err := biomass.New(core, paramstore.New(paramstore.WithSampling(mode == predictor.Stochastic)))
	require.NoError(t, err)
	means, err := tabular.Open("testdata/means.csv")
	require.NoError(t, err)
	cov, err := tabular.Open("testdata/cov.csv")
	require.NoError(t, err)
	failed, err := m.Load(means, cov)
	require.NoError(t, err)
	require.Empty(t, failed)

	return m
}

func tree(dbh, h float64) (*covariate.StandRecord, *covariate.TreeRecord) {
	return &covariate.StandRecord{ID: "P1"}, &covariate.TreeRecord{ID: "1", StandID: "P1", Species: "SAB", Dbh: dbh, Height: h}
}

func TestPredict_WoodIsExactPowerLaw(t *testing.T) {
	t.Parallel()

	m := newModel(t, predictor.MeanOnly, predictor.AllSources())
	p, err := m.Predict(tree(30, 20))
	require.NoError(t, err)
	require.Len(t, p.Mean, biomass.NumCompartments)
	require.Nil(t, p.Cov)
	require.InDelta(t, b0*math.Pow(30, b1)*math.Pow(20, b2), p.Value(biomass.Wood), 1e-8)
	require.InDelta(t, p.Value(biomass.Wood)+p.Value(biomass.Bark), p.Value(biomass.Stem), 1e-9)
	require.InDelta(t, p.Value(biomass.Foliage)+p.Value(biomass.Branches), p.Value(biomass.Crown), 1e-9)
	require.InDelta(t, p.Value(biomass.Stem)+p.Value(biomass.Crown), p.Value(biomass.Total), 1e-9)
}

func TestPredict_FirstAndSecondOrderWood(t *testing.T) {
	t.Parallel()

	const dbh, h = 30.0, 20.0
	l1, l2 := math.Log(dbh), math.Log(h)
	g := math.Pow(dbh, b1) * math.Pow(h, b2)
	y := b0 * g
	grad := []float64{g, y * l1, y * l2}
	omega := [3][3]float64{{v0, c01, 0}, {c01, v1, c12}, {0, c12, v2}}
	want := 400.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want += grad[i] * omega[i][j] * grad[j]
		}
	}

	first := newModel(t, predictor.FirstOrder, predictor.AllSources())
	p1, err := first.Predict(tree(dbh, h))
	require.NoError(t, err)
	require.NotNil(t, p1.Cov)
	v, _ := p1.Cov.At(int(biomass.Wood), int(biomass.Wood))
	require.InDelta(t, want, v, 1e-8)
	require.InDelta(t, y, p1.Value(biomass.Wood), 1e-10)

	// Stem variance includes the wood/bark residual covariance.
	vw, _ := p1.Cov.At(int(biomass.Wood), int(biomass.Wood))
	vb, _ := p1.Cov.At(int(biomass.Bark), int(biomass.Bark))
	cwb, _ := p1.Cov.At(int(biomass.Wood), int(biomass.Bark))
	vs, _ := p1.Cov.At(int(biomass.Stem), int(biomass.Stem))
	require.InDelta(t, vw+vb+2*cwb, vs, 1e-8)
	require.InDelta(t, 60.0, cwb, 1e-8) // parameters are independent across compartments

	second := newModel(t, predictor.SecondOrder, predictor.AllSources())
	p2, err := second.Predict(tree(dbh, h))
	require.NoError(t, err)
	correction := g*l1*c01 + 0.5*y*(l1*l1*v1+2*l1*l2*c12+l2*l2*v2)
	require.InDelta(t, correction, p2.Value(biomass.Wood)-p1.Value(biomass.Wood), 1e-8)
}

func TestPredict_ClampBeforeAggregation(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(reg)
	require.NoError(t, err)
	m := newModel(t, predictor.Stochastic, predictor.Variability{Residual: true}, predictor.WithMetrics(metrics))

	stand, small := tree(2, 2) // foliage mean ≈ 0.2 kg, residual sd 4 kg
	for r := 0; r < 200; r++ {
		p, err := m.Predict(stand.InRealization(r), small.InRealization(r))
		require.NoError(t, err)
		for c := biomass.Wood; c <= biomass.Branches; c++ {
			require.GreaterOrEqual(t, p.Value(c), 0.0)
		}
		require.Equal(t, p.Value(biomass.Wood)+p.Value(biomass.Bark), p.Value(biomass.Stem))
		require.Equal(t, p.Value(biomass.Foliage)+p.Value(biomass.Branches), p.Value(biomass.Crown))
		require.InDelta(t, p.Value(biomass.Stem)+p.Value(biomass.Crown), p.Value(biomass.Total), 1e-12)
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	clamped := 0.0
	for _, f := range families {
		if f.GetName() == "canopy_clamped_values_total" {
			for _, mtr := range f.GetMetric() {
				clamped += mtr.GetCounter().GetValue()
			}
		}
	}
	require.Greater(t, clamped, 0.0)
}

func TestPredict_InvalidArguments(t *testing.T) {
	t.Parallel()

	m := newModel(t, predictor.MeanOnly, predictor.AllSources())
	_, err := m.Predict(tree(0, 20))
	require.ErrorIs(t, err, predictor.ErrInvalidArgument)
	_, err = m.Predict(tree(30, 0)) // no height and no height model
	require.ErrorIs(t, err, predictor.ErrInvalidArgument)

	stand, tr := tree(30, 20)
	tr.Species = "PIG"
	_, err = m.Predict(stand, tr)
	require.ErrorIs(t, err, paramstore.ErrUnknownStratum)
}

func TestParameterNames(t *testing.T) {
	t.Parallel()

	names := biomass.ParameterNames()
	require.Len(t, names, 16)
	require.Equal(t, "b0_wood", names[0])
	require.Equal(t, "b2_branches", names[11])
	require.Equal(t, "e_branches", names[15])
	require.Equal(t, "crown", biomass.Crown.String())
}
