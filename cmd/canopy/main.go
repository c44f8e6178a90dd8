// SPDX-License-Identifier: MIT
// Command canopy runs the canopy submodules over a tree inventory.
//
//	canopy predict --config canopy.yaml inventory.csv > predictions.csv
//
// The inventory is a denormalized tree list (see covariate.InventoryFromTable);
// the output has one row per (plot, tree, realization, quantity).

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath  string
	verbose     bool
	metricsPath string
	outPath     string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Forest growth predictions with uncertainty propagation",
	Long: `canopy evaluates tree height, biomass, stem taper/volume and recruitment
models on an inventory, in mean-only, first-order, second-order or
stochastic (Monte Carlo) mode.

Settings come from a YAML file (--config) and CANOPY_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("canopy: logger: %w", err)
		}
		logger = l

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict [inventory.csv]",
	Short: "Predict every enabled quantity for each tree and plot of an inventory",
	Args:  cobra.ExactArgs(1),
	RunE:  runPredict,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	predictCmd.Flags().StringVarP(&outPath, "out", "o", "-", "output CSV file, - for stdout")
	predictCmd.Flags().StringVar(&metricsPath, "metrics", "", "write Prometheus metrics in text format to this file after the run")
	rootCmd.AddCommand(predictCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
