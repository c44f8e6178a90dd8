// SPDX-License-Identifier: MIT
// Package height predicts total tree height from diameter with a log-linear
// mixed model:
//
//	ln(H − 1.3) = x·β + u_plot + ε,   u_plot ~ N(0, σ²_plot),  ε ~ N(0, σ²)
//
// The plot effect is refined into a BLUP from the measured heights of the plot
// (Calibrate). A tree with a measured height is returned as observed.
//
// Parameter files carry, per species, the β of the design columns plus the
// variance components "var_plot" and "sigma2".

package height

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/design"
	"github.com/katalvlaran/canopy/estimate"
	"github.com/katalvlaran/canopy/internal/oncecache"
	"github.com/katalvlaran/canopy/matrix"
	"github.com/katalvlaran/canopy/paramstore"
	"github.com/katalvlaran/canopy/predictor"
	"github.com/katalvlaran/canopy/randeffects"
	"github.com/katalvlaran/canopy/tabular"
	"go.uber.org/zap"
)

// Module is the submodule name used in logs and metrics.
const Module = "height"

// BreastHeight is the height (m) at which dbh is measured.
const BreastHeight = 1.3

// Variance component names in the parameter files.
const (
	ParamVarPlot = "var_plot"
	ParamSigma2  = "sigma2"
)

// DefaultVersion and DefaultEffects describe the shipped model.
const (
	DefaultVersion = "hd2014"
	DefaultEffects = "Intercept, LogDbh, LogDbhSq, BasalArea, BAL"
)

// Effects is the closed table of height-model effects.
func Effects() design.Table {
	logDbh := func(_ covariate.Stand, t covariate.Tree) float64 { return math.Log(t.DbhCm()) }

	return design.Table{
		"Intercept": design.Intercept(),
		"LogDbh":    design.Scalar("logdbh", logDbh),
		"LogDbhSq": design.Scalar("logdbhsq", func(s covariate.Stand, t covariate.Tree) float64 {
			l := logDbh(s, t)

			return l * l
		}),
		"BasalArea": design.Scalar("basalarea", func(s covariate.Stand, _ covariate.Tree) float64 { return s.BasalAreaM2Ha() }),
		"BAL":       design.Scalar("bal", func(_ covariate.Stand, t covariate.Tree) float64 { return t.BasalAreaLargerM2Ha() }),
		"Elevation": design.Scalar("elevation", func(s covariate.Stand, _ covariate.Tree) float64 { return s.ElevationM() }),
		"MeanTemp":  design.Scalar("meantemp", func(s covariate.Stand, _ covariate.Tree) float64 { return s.MeanAnnualTempC() }),
		"Precip":    design.Scalar("precip", func(s covariate.Stand, _ covariate.Tree) float64 { return s.AnnualPrecipMm() }),
	}
}

// Prediction is a height in metres with its variance (analytical modes only).
type Prediction struct {
	Mean     float64
	Variance float64
	// Observed is set when Mean is the measured height of the tree.
	Observed bool
}

type speciesParams struct {
	beta    *estimate.Gaussian
	varPlot float64
	sigma2  float64
}

// Model is the height–diameter submodule.
type Model struct {
	core     *predictor.Core
	store    *paramstore.Store
	registry *randeffects.Registry
	builder  *design.Builder
	version  string
	params   *oncecache.Cache[*speciesParams]
	logger   *zap.Logger
}

// Option configures a Model.
type Option func(*settings)

type settings struct {
	version string
	effects string
}

// WithVersion selects the parameter version key.
func WithVersion(v string) Option { return func(s *settings) { s.version = v } }

// WithEffects sets the ordered effect list, e.g. "Intercept, LogDbh".
func WithEffects(list string) Option { return func(s *settings) { s.effects = list } }

// New builds a height model on shared infrastructure.
// Errors: design.ErrInvalidEffect, design.ErrUnknownEffect.
func New(core *predictor.Core, store *paramstore.Store, registry *randeffects.Registry, opts ...Option) (*Model, error) {
	s := settings{version: DefaultVersion, effects: DefaultEffects}
	for _, set := range opts {
		set(&s)
	}
	ids, err := design.ParseEffects(s.effects)
	if err != nil {
		return nil, fmt.Errorf("height: %w", err)
	}
	b, err := design.NewBuilder(Effects(), ids)
	if err != nil {
		return nil, fmt.Errorf("height: %w", err)
	}

	return &Model{
		core:     core,
		store:    store,
		registry: registry,
		builder:  b,
		version:  s.version,
		params:   oncecache.New[*speciesParams](),
		logger:   core.Logger().With(zap.String("module", Module)),
	}, nil
}

// Version returns the parameter version key.
func (m *Model) Version() string { return m.version }

func (m *Model) paramKey(sp string) paramstore.Key {
	return paramstore.Key{Version: m.version, Stratum: sp}
}

func (m *Model) plotKey(sp string) randeffects.Key {
	return randeffects.Key{Version: m.version, Level: covariate.PlotLevel, Stratum: sp}
}

func (m *Model) names() []string {
	return append(m.builder.Names(), ParamVarPlot, ParamSigma2)
}

// Load reads every species of the parameter files and registers the plot
// random-effect defaults. Species that fail are returned and stay unavailable.
func (m *Model) Load(means, cov *tabular.Table) ([]string, error) {
	names := m.names()
	failed, err := m.store.LoadAll(m.version, func(string) []string { return names }, means, cov)
	for _, sp := range m.store.Strata(m.version) {
		p, perr := m.species(sp)
		if perr != nil {
			return failed, perr
		}
		g, perr := matrix.NewDenseRows([][]float64{{p.varPlot}})
		if perr != nil {
			return failed, fmt.Errorf("height: %s: %w", sp, perr)
		}
		d, perr := estimate.NewZeroMean(g)
		if perr != nil {
			return failed, fmt.Errorf("height: %s: %w", sp, perr)
		}
		m.registry.SetDefault(m.plotKey(sp), d)
	}
	m.logger.Info("parameters loaded",
		zap.String("version", m.version),
		zap.Strings("species", m.store.Strata(m.version)),
		zap.Strings("failed", failed))

	return failed, err
}

func (m *Model) species(sp string) (*speciesParams, error) {
	p, _, err := m.params.GetOrCompute(sp, func() (*speciesParams, error) {
		full, err := m.store.Get(m.paramKey(sp))
		if err != nil {
			return nil, err
		}
		// β followed by the plot variance and the residual variance.
		if err = m.builder.CheckWidth(full.Dim() - 2); err != nil {
			return nil, fmt.Errorf("%s: %w", sp, err)
		}
		w := m.builder.Width()
		idx := make([]int, w)
		for i := range idx {
			idx[i] = i
		}
		beta, err := full.Marginal(idx)
		if err != nil {
			return nil, err
		}
		mean := full.Mean()
		if mean[w] < 0 || mean[w+1] < 0 {
			return nil, fmt.Errorf("%s: negative variance component: %w", sp, paramstore.ErrNumerical)
		}

		return &speciesParams{beta: beta, varPlot: mean[w], sigma2: mean[w+1]}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("height: %w", err)
	}

	return p, nil
}

// Calibrate computes the plot BLUP of every species from the trees of stand
// that carry a measured height above breast height. Trees without a height
// or of a species without parameters are ignored; a species with no measured
// tree keeps its default.
func (m *Model) Calibrate(stand covariate.Stand, trees []covariate.Tree) error {
	bySpecies := make(map[string][]float64)
	for _, t := range trees {
		if !covariate.HasMeasuredHeight(t) || t.HeightM() <= BreastHeight {
			continue
		}
		if t.DbhCm() <= 0 {
			return fmt.Errorf("height: tree %s dbh %g: %w", t.SubjectID(), t.DbhCm(), predictor.ErrInvalidArgument)
		}
		p, err := m.species(t.SpeciesCode())
		if errors.Is(err, paramstore.ErrUnknownStratum) {
			continue
		}
		if err != nil {
			return err
		}
		x, err := m.builder.Build(stand, t)
		if err != nil {
			return fmt.Errorf("height: %w", err)
		}
		eta, err := m.core.FixedEffect(x, p.beta.Mean())
		if err != nil {
			return fmt.Errorf("height: %w", err)
		}
		bySpecies[t.SpeciesCode()] = append(bySpecies[t.SpeciesCode()], math.Log(t.HeightM()-BreastHeight)-eta)
	}

	species := make([]string, 0, len(bySpecies))
	for sp := range bySpecies {
		species = append(species, sp)
	}
	sort.Strings(species)
	for _, sp := range species {
		r := bySpecies[sp]
		p, _ := m.species(sp)
		n := len(r)
		Z, err := matrix.NewDense(n, 1)
		if err != nil {
			return fmt.Errorf("height: %w", err)
		}
		sig := make([]float64, n)
		for i := range sig {
			_ = Z.Set(i, 0, 1)
			sig[i] = p.sigma2
		}
		R, err := matrix.NewDiag(sig)
		if err != nil {
			return fmt.Errorf("height: %w", err)
		}
		if _, err = m.registry.GetOrComputeBLUP(m.plotKey(sp), stand.SubjectID(),
			randeffects.Observations{Residuals: r, Z: Z, R: R}); err != nil {
			return fmt.Errorf("height: %w", err)
		}
	}

	return nil
}

// Predict returns the height of tree in stand.
//
// Errors: predictor.ErrInvalidArgument for dbh <= 0, paramstore.ErrUnknownStratum
// for a species without parameters, design and predictor dimension errors.
func (m *Model) Predict(stand covariate.Stand, tree covariate.Tree) (Prediction, error) {
	if tree.DbhCm() <= 0 {
		return Prediction{}, fmt.Errorf("height: tree %s dbh %g: %w", tree.SubjectID(), tree.DbhCm(), predictor.ErrInvalidArgument)
	}
	if covariate.HasMeasuredHeight(tree) {
		return Prediction{Mean: tree.HeightM(), Observed: true}, nil
	}
	sp := tree.SpeciesCode()
	p, err := m.species(sp)
	if err != nil {
		return Prediction{}, err
	}
	x, err := m.builder.Build(stand, tree)
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	u, err := m.registry.GetOrComputeBLUP(m.plotKey(sp), stand.SubjectID(), randeffects.Observations{})
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	m.core.Count(Module)

	if m.core.Mode() == predictor.Stochastic {
		return m.simulate(stand, tree, x, p, u)
	}

	return m.expand(x, p, u)
}

func (m *Model) simulate(stand covariate.Stand, tree covariate.Tree, x []float64, p *speciesParams, u *estimate.Gaussian) (Prediction, error) {
	sp := tree.SpeciesCode()
	beta, err := m.core.ParameterDraw(stand, m.paramKey(sp), p.beta)
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	eta, err := m.core.FixedEffect(x, beta)
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	ud, err := m.core.RandomEffectDraw(stand, m.plotKey(sp), u)
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	R, err := matrix.NewDiag([]float64{p.sigma2})
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	eps, err := m.core.ResidualDraw(tree, Module, R)
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}

	return Prediction{Mean: BreastHeight + math.Exp(eta+ud[0]+eps[0])}, nil
}

// expand propagates δ = (β, u_plot, ε) through H = 1.3 + exp(x·β + u + ε).
func (m *Model) expand(x []float64, p *speciesParams, u *estimate.Gaussian) (Prediction, error) {
	eta, err := m.core.FixedEffect(x, p.beta.Mean())
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	eta += u.Mean()[0]
	e := math.Exp(eta)

	z := append(append([]float64(nil), x...), 1, 1)
	k := len(z)
	grad, err := matrix.NewDense(1, k)
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	index := make([]int, k)
	for i, v := range z {
		_ = grad.Set(0, i, e*v)
		index[i] = i
	}
	outer, err := matrix.SquareSym(z)
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	hess, err := matrix.Scale(outer, e)
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	resid, err := matrix.NewDiag([]float64{p.sigma2})
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}

	mean, cov, err := m.core.Propagate(predictor.Expansion{
		Value:    []float64{e},
		Gradient: grad,
		Hessians: []*matrix.Dense{hess},
		Index:    index,
	}, predictor.Blocks{Joint: []predictor.Block{
		{Source: predictor.Parameters, Cov: p.beta.Covariance()},
		{Source: predictor.RandomEffects, Cov: u.Covariance()},
		{Source: predictor.LinkResidual, Cov: resid},
	}})
	if err != nil {
		return Prediction{}, fmt.Errorf("height: %w", err)
	}
	v, _ := cov.At(0, 0)

	return Prediction{Mean: BreastHeight + mean[0], Variance: v}, nil
}
