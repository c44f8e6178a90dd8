// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/katalvlaran/canopy/config"
	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/tabular"
	"github.com/katalvlaran/canopy/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const inventoryCSV = `plot,tree,species,dbh,height,basal_area,disturbance
P1,1,SAB,25,,20,
P1,2,SAB,18,14.5,20,
P1,3,PIG,15,,20,
P2,1,SAB,30,20,12,fire
`

func testConfig(mode string) config.Config {
	cfg := config.Default()
	cfg.Mode = mode
	for name, m := range map[string]*config.Model{
		"height":      &cfg.Models.Height,
		"biomass":     &cfg.Models.Biomass,
		"taper":       &cfg.Models.Taper,
		"recruitment": &cfg.Models.Recruitment,
	} {
		m.Means = filepath.Join("..", "..", name, "testdata", "means.csv")
		m.Cov = filepath.Join("..", "..", name, "testdata", "cov.csv")
	}

	return cfg
}

func testInventory(t *testing.T) *covariate.Inventory {
	t.Helper()
	table, err := tabular.ReadCSV(strings.NewReader(inventoryCSV))
	require.NoError(t, err)
	inv, err := covariate.InventoryFromTable(table)
	require.NoError(t, err)

	return inv
}

// index maps "plot/tree/realization/quantity" to the mean column.
func index(t *testing.T, out []byte) (map[string]float64, int) {
	t.Helper()
	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Equal(t, header, records[0])
	got := make(map[string]float64, len(records))
	for _, r := range records[1:] {
		v, err := strconv.ParseFloat(r[5], 64)
		require.NoError(t, err)
		got[r[0]+"/"+r[1]+"/"+r[3]+"/"+r[4]] = v
	}

	return got, len(records) - 1
}

func TestPipeline_MeanOnly(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	p, err := newPipeline(testConfig("mean"), nil, zap.New(core))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, p.run(context.Background(), testInventory(t), &buf))
	got, n := index(t, buf.Bytes())

	// Two SAB trees in P1 and one in P2 with height, seven compartments and
	// volume each, plus one SAB recruitment row per plot. PIG has no parameters.
	require.Equal(t, 3*9+2, n)
	require.Equal(t, 14.5, got["P1/2/0/height"])
	sum := 0.0
	for _, c := range []string{"wood", "bark", "foliage", "branches"} {
		sum += got["P2/1/0/biomass_"+c]
	}
	require.InDelta(t, sum, got["P2/1/0/biomass_total"], 1e-9)
	require.Greater(t, got["P1/1/0/volume"], 0.0)
	require.Greater(t, got["P1//0/recruits"], got["P2//0/recruits"])
	require.NotContains(t, got, "P1/3/0/height")
	require.NotZero(t, logs.FilterMessage("prediction skipped").Len())
}

func TestPipeline_StochasticRealizationsAndMetrics(t *testing.T) {
	cfg := testConfig("stochastic")
	cfg.Realizations = 5
	cfg.Workers = 2
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(reg)
	require.NoError(t, err)
	p, err := newPipeline(cfg, metrics, zap.NewNop())
	require.NoError(t, err)

	var first, second bytes.Buffer
	require.NoError(t, p.run(context.Background(), testInventory(t), &first))
	require.NoError(t, p.run(context.Background(), testInventory(t), &second))
	require.Equal(t, first.String(), second.String())
	require.Zero(t, p.core.DrawCount())

	got, n := index(t, first.Bytes())
	require.Equal(t, 5*(3*9+2), n)
	require.NotEqual(t, got["P1/1/0/volume"], got["P1/1/1/volume"])
	require.Equal(t, 14.5, got["P1/2/3/height"])

	var text bytes.Buffer
	require.NoError(t, telemetry.WriteText(&text, reg))
	require.Contains(t, text.String(), `canopy_predictions_total{mode="stochastic",module="taper"}`)
}

func TestPipeline_CanceledContext(t *testing.T) {
	p, err := newPipeline(testConfig("first"), nil, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.run(ctx, testInventory(t), &bytes.Buffer{}), context.Canceled)
}

func TestPipeline_BadRecruitmentEffects(t *testing.T) {
	cfg := testConfig("first")
	cfg.Models.Recruitment.Effects = "Intercept, BasalArea"
	_, err := newPipeline(cfg, nil, zap.NewNop())
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestPredictCommand(t *testing.T) {
	dir := t.TempDir()
	inventory := filepath.Join(dir, "inventory.csv")
	require.NoError(t, os.WriteFile(inventory, []byte(inventoryCSV), 0o600))
	abs := func(p string) string {
		a, err := filepath.Abs(p)
		require.NoError(t, err)

		return a
	}
	cfg := testConfig("second")
	yaml := "mode: second\nmodels:\n"
	for name, m := range map[string]config.Model{"height": cfg.Models.Height, "biomass": cfg.Models.Biomass} {
		yaml += "  " + name + ": {means: " + abs(m.Means) + ", cov: " + abs(m.Cov) + "}\n"
	}
	cfgPath := filepath.Join(dir, "canopy.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	out := filepath.Join(dir, "out.csv")
	metrics := filepath.Join(dir, "metrics.txt")
	rootCmd.SetArgs([]string{"predict", "--config", cfgPath, "--out", out, "--metrics", metrics, inventory})
	require.NoError(t, rootCmd.Execute())

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	_, n := index(t, body)
	require.Equal(t, 3*8, n)

	text, err := os.ReadFile(metrics)
	require.NoError(t, err)
	require.Contains(t, string(text), "canopy_predictions_total")
}
