// SPDX-License-Identifier: MIT

package telemetry_test

import (
	"bytes"
	"testing"

	"github.com/katalvlaran/canopy/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndText(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := telemetry.New(reg)
	require.NoError(t, err)

	m.Prediction("biomass", "stochastic")
	m.Prediction("biomass", "stochastic")
	m.DrawCache("beta", true)
	m.DrawCache("beta", false)
	m.BLUPComputed()
	m.LoadFailed("lambert2005")
	m.Clamped("biomass", 3)
	m.Clamped("biomass", 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 5)

	var buf bytes.Buffer
	require.NoError(t, telemetry.WriteText(&buf, reg))
	out := buf.String()
	require.Contains(t, out, `canopy_predictions_total{mode="stochastic",module="biomass"} 2`)
	require.Contains(t, out, `canopy_clamped_values_total{module="biomass"} 3`)
	require.Contains(t, out, "canopy_blup_computations_total 1")

	_, err = telemetry.New(reg)
	require.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *telemetry.Metrics
	require.NotPanics(t, func() {
		m.Prediction("height", "mean")
		m.DrawCache("u", true)
		m.BLUPComputed()
		m.LoadFailed("v")
		m.Clamped("taper", 1)
	})
}
