// SPDX-License-Identifier: MIT
// Package recruitment predicts the number of recruits of a species in a plot
// over one growth step, as an occurrence model times a count model:
//
//	p = logit⁻¹(x_occ·β_occ + u_plot)         occurrence probability
//	N = 1 + NB(μ, θ),  μ = exp(x_num·β_num)   number, given occurrence
//	E[recruits] = p·(1 + μ)·(1 + modulation)
//
// The negative binomial is drawn as a gamma–Poisson mixture. Process variance
// of the count (Var = p·Var N + p(1 − p)(1 + μ)²) is the residual source.
//
// Parameter files carry, per species, the occurrence columns prefixed with
// "occ:", the number columns prefixed with "num:", and "theta" and "var_plot".

package recruitment

import (
	"fmt"
	"math"

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
	"gonum.org/v1/gonum/stat/distuv"
)

// Module is the submodule name used in logs and metrics.
const Module = "recruitment"

// Component names and column prefixes in the parameter files.
const (
	ParamTheta   = "theta"
	ParamVarPlot = "var_plot"
	PrefixOcc    = "occ:"
	PrefixNum    = "num:"
)

// Defaults of the shipped model.
const (
	DefaultVersion           = "recruit2019"
	DefaultOccurrenceEffects = "Intercept, BasalArea, Disturbance"
	DefaultNumberEffects     = "Intercept, BasalArea"
)

// Effects is the closed table of stand-level recruitment effects.
func Effects() design.Table {
	disturbance := func(s covariate.Stand, _ covariate.Tree) string {
		if d := s.DisturbanceCode(); d != "" {
			return d
		}

		return "none"
	}

	basalArea := design.Scalar("basalarea", func(s covariate.Stand, _ covariate.Tree) float64 { return s.BasalAreaM2Ha() })
	dist := design.Dummy("disturbance", "none", []string{"fire", "harvest", "insects"}, disturbance)

	return design.Table{
		"Intercept":      design.Intercept(),
		"BasalArea":      basalArea,
		"LogDensity":     design.Scalar("logdensity", func(s covariate.Stand, _ covariate.Tree) float64 { return math.Log1p(s.StemDensityHa()) }),
		"MeanTemp":       design.Scalar("meantemp", func(s covariate.Stand, _ covariate.Tree) float64 { return s.MeanAnnualTempC() }),
		"Precip":         design.Scalar("precip", func(s covariate.Stand, _ covariate.Tree) float64 { return s.AnnualPrecipMm() }),
		"Slope":          design.Scalar("slope", func(s covariate.Stand, _ covariate.Tree) float64 { return s.SlopePct() }),
		"Disturbance":    dist,
		"BasalArea_Dist": design.Interaction(basalArea, dist),
	}
}

// Options are the per-call settings of Predict.
type Options struct {
	// Modulation scales the expected number by (1 + Modulation); in [-1, 1].
	Modulation float64
}

// Validate checks the modulation range.
func (o Options) Validate() error {
	if !(o.Modulation >= -1 && o.Modulation <= 1) {
		return fmt.Errorf("recruitment: modulation %g outside [-1, 1]: %w", o.Modulation, predictor.ErrInvalidArgument)
	}

	return nil
}

// Prediction is a number of recruits per plot.
type Prediction struct {
	Mean     float64
	Variance float64
}

type speciesParams struct {
	beta    *estimate.Gaussian // (β_occ, β_num)
	theta   float64
	varPlot float64
}

// Model is the recruitment submodule.
type Model struct {
	core       *predictor.Core
	store      *paramstore.Store
	registry   *randeffects.Registry
	occurrence *design.Builder
	number     *design.Builder
	version    string
	params     *oncecache.Cache[*speciesParams]
	logger     *zap.Logger
}

// Option configures a Model.
type Option func(*settings)

type settings struct {
	version    string
	occEffects string
	numEffects string
}

// WithVersion selects the parameter version key.
func WithVersion(v string) Option { return func(s *settings) { s.version = v } }

// WithEffects sets the occurrence and number effect lists.
func WithEffects(occurrence, number string) Option {
	return func(s *settings) {
		s.occEffects = occurrence
		s.numEffects = number
	}
}

func builder(list string) (*design.Builder, error) {
	ids, err := design.ParseEffects(list)
	if err != nil {
		return nil, err
	}

	return design.NewBuilder(Effects(), ids)
}

// New builds a recruitment model on shared infrastructure.
func New(core *predictor.Core, store *paramstore.Store, registry *randeffects.Registry, opts ...Option) (*Model, error) {
	s := settings{version: DefaultVersion, occEffects: DefaultOccurrenceEffects, numEffects: DefaultNumberEffects}
	for _, set := range opts {
		set(&s)
	}
	occ, err := builder(s.occEffects)
	if err != nil {
		return nil, fmt.Errorf("recruitment: occurrence: %w", err)
	}
	num, err := builder(s.numEffects)
	if err != nil {
		return nil, fmt.Errorf("recruitment: number: %w", err)
	}

	return &Model{
		core:       core,
		store:      store,
		registry:   registry,
		occurrence: occ,
		number:     num,
		version:    s.version,
		params:     oncecache.New[*speciesParams](),
		logger:     core.Logger().With(zap.String("module", Module)),
	}, nil
}

func (m *Model) names() []string {
	var out []string
	for _, n := range m.occurrence.Names() {
		out = append(out, PrefixOcc+n)
	}
	for _, n := range m.number.Names() {
		out = append(out, PrefixNum+n)
	}

	return append(out, ParamTheta, ParamVarPlot)
}

func (m *Model) paramKey(sp string) paramstore.Key {
	return paramstore.Key{Version: m.version, Stratum: sp}
}

func (m *Model) plotKey(sp string) randeffects.Key {
	return randeffects.Key{Version: m.version, Level: covariate.PlotLevel, Stratum: sp}
}

func (m *Model) width() int { return m.occurrence.Width() + m.number.Width() }

// Load reads every species of the parameter files and registers the plot
// random-effect defaults of the occurrence model.
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
			return failed, fmt.Errorf("recruitment: %s: %w", sp, perr)
		}
		d, perr := estimate.NewZeroMean(g)
		if perr != nil {
			return failed, fmt.Errorf("recruitment: %s: %w", sp, perr)
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
		w := m.width()
		if full.Dim() != w+2 {
			return nil, fmt.Errorf("%s: effects expand to %d columns, parameters %d: %w", sp, w, full.Dim()-2, design.ErrWidthMismatch)
		}
		idx := make([]int, w)
		for i := range idx {
			idx[i] = i
		}
		beta, err := full.Marginal(idx)
		if err != nil {
			return nil, err
		}
		theta, varPlot := full.Mean()[w], full.Mean()[w+1]
		if theta <= 0 {
			return nil, fmt.Errorf("%s: theta %g: %w", sp, theta, paramstore.ErrNumerical)
		}
		if varPlot < 0 {
			return nil, fmt.Errorf("%s: negative variance component: %w", sp, paramstore.ErrNumerical)
		}

		return &speciesParams{beta: beta, theta: theta, varPlot: varPlot}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recruitment: %w", err)
	}

	return p, nil
}

func logistic(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// Predict returns the number of recruits of species in stand.
//
// Errors: predictor.ErrInvalidArgument for a modulation outside [-1, 1],
// paramstore.ErrUnknownStratum for a species without parameters.
func (m *Model) Predict(stand covariate.Stand, species string, opts Options) (Prediction, error) {
	if err := opts.Validate(); err != nil {
		return Prediction{}, err
	}
	p, err := m.species(species)
	if err != nil {
		return Prediction{}, err
	}
	xo, err := m.occurrence.Build(stand, nil)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: occurrence: %w", err)
	}
	xn, err := m.number.Build(stand, nil)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: number: %w", err)
	}
	u, err := m.registry.GetOrComputeBLUP(m.plotKey(species), stand.SubjectID(), randeffects.Observations{})
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	m.core.Count(Module)
	scale := 1 + opts.Modulation

	if m.core.Mode() == predictor.Stochastic {
		return m.simulate(stand, species, xo, xn, p, u, scale)
	}

	return m.expand(xo, xn, p, u, scale)
}

func (m *Model) simulate(stand covariate.Stand, species string, xo, xn []float64, p *speciesParams, u *estimate.Gaussian, scale float64) (Prediction, error) {
	beta, err := m.core.ParameterDraw(stand, m.paramKey(species), p.beta)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	ud, err := m.core.RandomEffectDraw(stand, m.plotKey(species), u)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	no := len(xo)
	eo, err := m.core.FixedEffect(xo, beta[:no])
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	en, err := m.core.FixedEffect(xn, beta[no:])
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	prob, mu := logistic(eo+ud[0]), math.Exp(en)
	if !m.core.Variability().Residual {
		return Prediction{Mean: scale * prob * (1 + mu)}, nil
	}

	src := m.core.Source(stand, Module+"/"+species)
	if (distuv.Bernoulli{P: prob, Src: src}).Rand() == 0 {
		return Prediction{}, nil
	}
	lambda := (distuv.Gamma{Alpha: p.theta, Beta: p.theta / mu, Src: src}).Rand()
	n := 1.0
	if lambda > 0 {
		n += (distuv.Poisson{Lambda: lambda, Src: src}).Rand()
	}

	return Prediction{Mean: scale * n}, nil
}

// expand works in η = (η_occ, η_num) space and maps back with A = ∂η/∂δ,
// δ = (β_occ, β_num, u_plot): gradient gηᵀ·A, Hessian Aᵀ·Hη·A.
func (m *Model) expand(xo, xn []float64, p *speciesParams, u *estimate.Gaussian, scale float64) (Prediction, error) {
	beta := p.beta.Mean()
	no, nn := len(xo), len(xn)
	eo, err := m.core.FixedEffect(xo, beta[:no])
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	en, err := m.core.FixedEffect(xn, beta[no:])
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	prob, mu := logistic(eo+u.Mean()[0]), math.Exp(en)
	q := prob * (1 - prob)

	k := no + nn + 1
	A, err := matrix.NewDense(2, k)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	for j, v := range xo {
		_ = A.Set(0, j, v)
	}
	for j, v := range xn {
		_ = A.Set(1, no+j, v)
	}
	_ = A.Set(0, k-1, 1)

	gEta, err := matrix.NewDenseRows([][]float64{{scale * q * (1 + mu), scale * prob * mu}})
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	hEta, err := matrix.NewDenseRows([][]float64{
		{scale * q * (1 - 2*prob) * (1 + mu), scale * q * mu},
		{scale * q * mu, scale * prob * mu},
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	grad, err := matrix.Mul(gEta, A)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	At, err := matrix.Transpose(A)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	hA, err := matrix.Mul(hEta, A)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	hess, err := matrix.Mul(At, hA)
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	index := make([]int, k)
	for i := range index {
		index[i] = i
	}

	varN := mu + mu*mu/p.theta
	process, err := matrix.NewDiag([]float64{scale * scale * (prob*varN + q*(1+mu)*(1+mu))})
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	mean, cov, err := m.core.Propagate(predictor.Expansion{
		Value:    []float64{scale * prob * (1 + mu)},
		Gradient: grad,
		Hessians: []*matrix.Dense{hess},
		Index:    index,
	}, predictor.Blocks{
		Joint: []predictor.Block{
			{Source: predictor.Parameters, Cov: p.beta.Covariance()},
			{Source: predictor.RandomEffects, Cov: u.Covariance()},
		},
		Residual: process,
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("recruitment: %w", err)
	}
	v, _ := cov.At(0, 0)

	return Prediction{Mean: mean[0], Variance: v}, nil
}
