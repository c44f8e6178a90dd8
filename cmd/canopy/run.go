// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/katalvlaran/canopy/biomass"
	"github.com/katalvlaran/canopy/config"
	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/height"
	"github.com/katalvlaran/canopy/paramstore"
	"github.com/katalvlaran/canopy/predictor"
	"github.com/katalvlaran/canopy/randeffects"
	"github.com/katalvlaran/canopy/recruitment"
	"github.com/katalvlaran/canopy/tabular"
	"github.com/katalvlaran/canopy/taper"
	"github.com/katalvlaran/canopy/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Output columns.
var header = []string{"plot", "tree", "species", "realization", "quantity", "mean", "variance"}

// row is one output line.
type row struct {
	plot, tree, species string
	realization         int
	quantity            string
	mean, variance      float64
}

func (r row) record() []string {
	return []string{
		r.plot, r.tree, r.species, strconv.Itoa(r.realization), r.quantity,
		strconv.FormatFloat(r.mean, 'g', -1, 64),
		strconv.FormatFloat(r.variance, 'g', -1, 64),
	}
}

// pipeline holds the submodules enabled by a configuration; nil fields are off.
type pipeline struct {
	cfg          config.Config
	core         *predictor.Core
	height       *height.Model
	biomass      *biomass.Model
	taper        *taper.Model
	recruitment  *recruitment.Model
	volumeOpts   taper.Options
	realizations int
	logger       *zap.Logger
}

func loadTables(m config.Model) (*tabular.Table, *tabular.Table, error) {
	means, err := tabular.Open(m.Means)
	if err != nil {
		return nil, nil, err
	}
	cov, err := tabular.Open(m.Cov)
	if err != nil {
		return nil, nil, err
	}

	return means, cov, nil
}

type loader interface {
	Load(means, cov *tabular.Table) ([]string, error)
}

func load(name string, l loader, files config.Model, log *zap.Logger) error {
	means, cov, err := loadTables(files)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	failed, err := l.Load(means, cov)
	if len(failed) > 0 {
		log.Warn("strata skipped", zap.String("module", name), zap.Strings("strata", failed), zap.Error(err))
	}
	if err != nil && !errors.Is(err, paramstore.ErrParameterLoad) {
		return fmt.Errorf("%s: %w", name, err)
	}

	return nil
}

// newPipeline builds the shared core, store and registry and every submodule
// with a means file in cfg.
func newPipeline(cfg config.Config, metrics *telemetry.Metrics, log *zap.Logger) (*pipeline, error) {
	pc, err := cfg.PredictorConfig()
	if err != nil {
		return nil, err
	}
	core, err := predictor.New(pc, predictor.WithLogger(log), predictor.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	store := paramstore.New(
		paramstore.WithLogger(log),
		paramstore.WithMetrics(metrics),
		paramstore.WithSampling(pc.Mode == predictor.Stochastic && pc.Variability.Parameters),
	)
	registry := randeffects.New(randeffects.WithLogger(log), randeffects.WithMetrics(metrics))
	volumeOpts, corr, err := cfg.TaperOptions()
	if err != nil {
		return nil, err
	}
	p := &pipeline{cfg: cfg, core: core, volumeOpts: volumeOpts, realizations: 1, logger: log}
	if pc.Mode == predictor.Stochastic {
		p.realizations = cfg.Realizations
	}
	ms := cfg.Models

	if ms.Height.Enabled() {
		var opts []height.Option
		if ms.Height.Version != "" {
			opts = append(opts, height.WithVersion(ms.Height.Version))
		}
		if ms.Height.Effects != "" {
			opts = append(opts, height.WithEffects(ms.Height.Effects))
		}
		if p.height, err = height.New(core, store, registry, opts...); err != nil {
			return nil, err
		}
		if err = load(height.Module, p.height, ms.Height, log); err != nil {
			return nil, err
		}
	}
	if ms.Biomass.Enabled() {
		var opts []biomass.Option
		if ms.Biomass.Version != "" {
			opts = append(opts, biomass.WithVersion(ms.Biomass.Version))
		}
		if p.height != nil {
			opts = append(opts, biomass.WithHeight(p.height))
		}
		if p.biomass, err = biomass.New(core, store, opts...); err != nil {
			return nil, err
		}
		if err = load(biomass.Module, p.biomass, ms.Biomass, log); err != nil {
			return nil, err
		}
	}
	if ms.Taper.Enabled() {
		opts := []taper.Option{taper.WithCorrelation(corr)}
		if ms.Taper.Version != "" {
			opts = append(opts, taper.WithVersion(ms.Taper.Version))
		}
		if ms.Taper.Effects != "" {
			opts = append(opts, taper.WithEffects(ms.Taper.Effects))
		}
		if p.height != nil {
			opts = append(opts, taper.WithHeight(p.height))
		}
		if p.taper, err = taper.New(core, store, registry, opts...); err != nil {
			return nil, err
		}
		if err = load(taper.Module, p.taper, ms.Taper, log); err != nil {
			return nil, err
		}
	}
	if ms.Recruitment.Enabled() {
		var opts []recruitment.Option
		if ms.Recruitment.Version != "" {
			opts = append(opts, recruitment.WithVersion(ms.Recruitment.Version))
		}
		if ms.Recruitment.Effects != "" {
			occ, num, ok := strings.Cut(ms.Recruitment.Effects, "|")
			if !ok {
				return nil, fmt.Errorf("%w: recruitment effects %q: want \"occurrence | number\"", config.ErrInvalidConfig, ms.Recruitment.Effects)
			}
			opts = append(opts, recruitment.WithEffects(occ, num))
		}
		if p.recruitment, err = recruitment.New(core, store, registry, opts...); err != nil {
			return nil, err
		}
		if err = load(recruitment.Module, p.recruitment, ms.Recruitment, log); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// skippable reports a per-tree failure that drops the row instead of the run.
func skippable(err error) bool {
	return errors.Is(err, predictor.ErrInvalidArgument) || errors.Is(err, paramstore.ErrUnknownStratum)
}

// calibrate refines the plot height BLUPs of one stand from its measured trees.
func (p *pipeline) calibrate(s *covariate.StandRecord, trees []*covariate.TreeRecord) error {
	if p.height == nil {
		return nil
	}
	ts := make([]covariate.Tree, len(trees))
	for i, t := range trees {
		ts[i] = t
	}
	if err := p.height.Calibrate(s, ts); err != nil {
		return fmt.Errorf("plot %s: calibrate: %w", s.ID, err)
	}

	return nil
}

// stand predicts every enabled quantity of one plot in realization r.
func (p *pipeline) stand(s *covariate.StandRecord, trees []*covariate.TreeRecord, r int) ([]row, error) {
	var rows []row
	sr := s.InRealization(r)
	for _, t := range trees {
		out, err := p.tree(sr, t.InRealization(r))
		if err != nil {
			return nil, fmt.Errorf("plot %s tree %s: %w", s.ID, t.ID, err)
		}
		rows = append(rows, out...)
	}
	if p.recruitment == nil {
		return rows, nil
	}
	for _, sp := range speciesOf(trees) {
		pred, err := p.recruitment.Predict(sr, sp, recruitment.Options{Modulation: p.cfg.Modulation})
		if skippable(err) {
			p.logger.Debug("recruitment skipped", zap.String("plot", s.ID), zap.String("species", sp), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("plot %s: %w", s.ID, err)
		}
		rows = append(rows, row{plot: s.ID, species: sp, realization: r, quantity: "recruits", mean: pred.Mean, variance: pred.Variance})
	}

	return rows, nil
}

func (p *pipeline) tree(s *covariate.StandRecord, t *covariate.TreeRecord) ([]row, error) {
	var rows []row
	add := func(quantity string, mean, variance float64) {
		rows = append(rows, row{plot: s.ID, tree: t.ID, species: t.Species, realization: s.Realization, quantity: quantity, mean: mean, variance: variance})
	}
	skip := func(module string, err error) bool {
		if !skippable(err) {
			return false
		}
		p.logger.Debug("prediction skipped", zap.String("module", module), zap.String("tree", t.SubjectID()), zap.Error(err))

		return true
	}

	if p.height != nil {
		h, err := p.height.Predict(s, t)
		switch {
		case skip(height.Module, err):
		case err != nil:
			return nil, err
		default:
			add("height", h.Mean, h.Variance)
		}
	}
	if p.biomass != nil {
		b, err := p.biomass.Predict(s, t)
		switch {
		case skip(biomass.Module, err):
		case err != nil:
			return nil, err
		default:
			for c := biomass.Compartment(0); c < biomass.NumCompartments; c++ {
				v := 0.0
				if b.Cov != nil {
					v, _ = b.Cov.At(int(c), int(c))
				}
				add("biomass_"+c.String(), b.Value(c), v)
			}
		}
	}
	if p.taper != nil {
		v, err := p.taper.Volume(s, t, p.volumeOpts)
		switch {
		case skip(taper.Module, err):
		case err != nil:
			return nil, err
		default:
			add("volume", v.Mean, v.Variance)
		}
	}

	return rows, nil
}

func speciesOf(trees []*covariate.TreeRecord) []string {
	seen := make(map[string]struct{}, len(trees))
	for _, t := range trees {
		seen[t.Species] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sp := range seen {
		out = append(out, sp)
	}
	sort.Strings(out)

	return out
}

// each runs fn on every stand of inv with at most cfg.Workers in flight.
func (p *pipeline) each(ctx context.Context, inv *covariate.Inventory, fn func(i int, s *covariate.StandRecord, trees []*covariate.TreeRecord) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, s := range inv.Stands {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			return fn(i, s, inv.Trees[s.ID])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// run calibrates every stand, then predicts realization by realization and
// releases the draws of a realization once all stands are done with it. Rows
// are written in inventory order.
func (p *pipeline) run(ctx context.Context, inv *covariate.Inventory, w io.Writer) error {
	err := p.each(ctx, inv, func(_ int, s *covariate.StandRecord, trees []*covariate.TreeRecord) error {
		return p.calibrate(s, trees)
	})
	if err != nil {
		return err
	}

	results := make([][]row, len(inv.Stands))
	for r := 0; r < p.realizations; r++ {
		err = p.each(ctx, inv, func(i int, s *covariate.StandRecord, trees []*covariate.TreeRecord) error {
			rows, err := p.stand(s, trees, r)
			if err != nil {
				return err
			}
			results[i] = append(results[i], rows...)

			return nil
		})
		p.core.EndRealization(r)
		if err != nil {
			return err
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, rows := range results {
		for _, r := range rows {
			if err := cw.Write(r.record()); err != nil {
				return err
			}
		}
	}
	cw.Flush()

	return cw.Error()
}

func runPredict(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(reg)
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg, metrics, logger)
	if err != nil {
		return err
	}
	table, err := tabular.Open(args[0])
	if err != nil {
		return err
	}
	inv, err := covariate.InventoryFromTable(table)
	if err != nil {
		return err
	}
	logger.Info("inventory loaded",
		zap.String("file", args[0]),
		zap.Int("plots", len(inv.Stands)),
		zap.String("mode", cfg.Mode),
		zap.Int("realizations", p.realizations))

	out := cmd.OutOrStdout()
	if outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err = p.run(cmd.Context(), inv, out); err != nil {
		return err
	}

	if metricsPath == "" {
		return nil
	}
	f, err := os.Create(metricsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return telemetry.WriteText(f, reg)
}
