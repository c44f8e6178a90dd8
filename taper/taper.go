// SPDX-License-Identifier: MIT
// Package taper predicts stem profiles and merchantable volume.
//
// Squared diameter (cm²) at height h of a tree of height H:
//
//	d²(h) = (x·β_L) · q^(β_a + β_b·z + u_tree) + ε(h)
//	z = h/H,  q = (1 − z)/(1 − 1.3/H)
//
// so that d²(1.3) = x·β_L. u_tree ~ N(0, σ²_tree) is a tree random effect on
// the exponent; ε is correlated along the stem, Var ε(h) ∝ d²(h). Above the
// tip (z ≥ 1) the profile and all its derivatives are zero.
//
// Volume (m³) is κ·∫d²(h)dh with κ = π/40000, integrated by Gauss–Legendre or
// trapezoid over [Bottom, Top]; its mean and variance are κ·wᵀμ and κ²·wᵀΣw.
//
// Parameter files carry, per species, the linear β of the design columns,
// "beta_a", "beta_b" and the components "var_tree", "sigma2" and "rho".

package taper

import (
	"fmt"
	"math"

	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/design"
	"github.com/katalvlaran/canopy/estimate"
	"github.com/katalvlaran/canopy/height"
	"github.com/katalvlaran/canopy/internal/oncecache"
	"github.com/katalvlaran/canopy/matrix"
	"github.com/katalvlaran/canopy/paramstore"
	"github.com/katalvlaran/canopy/predictor"
	"github.com/katalvlaran/canopy/randeffects"
	"github.com/katalvlaran/canopy/tabular"
	"go.uber.org/zap"
)

// Module is the submodule name used in logs and metrics.
const Module = "taper"

// Kappa converts ∫d²(cm²)dh(m) into m³.
const Kappa = math.Pi / 40000

// Parameter and component names beyond the design columns.
const (
	ParamA       = "beta_a"
	ParamB       = "beta_b"
	ParamVarTree = "var_tree"
	ParamSigma2  = "sigma2"
	ParamRho     = "rho"
)

// Defaults of the shipped model.
const (
	DefaultVersion  = "taper2016"
	DefaultEffects  = "DbhSq"
	DefaultBottom   = 0.3
	DefaultSegments = 2
)

// Effects is the closed table of the linear (breast-height) part.
func Effects() design.Table {
	dbhSq := func(_ covariate.Stand, t covariate.Tree) float64 { return t.DbhCm() * t.DbhCm() }

	return design.Table{
		"DbhSq": design.Scalar("dbhsq", dbhSq),
		"DbhSqH": design.Scalar("dbhsq_h", func(s covariate.Stand, t covariate.Tree) float64 {
			return dbhSq(s, t) * t.HeightM()
		}),
		"Intercept": design.Intercept(),
	}
}

// Options select the integration of Volume.
type Options struct {
	Method Method
	// Bottom is the stump height (m); DefaultBottom when 0.
	Bottom float64
	// Top is the upper merchantable height (m); the tree height when 0.
	Top float64
	// Segments splits [Bottom, Top]; DefaultSegments when 0.
	Segments int
}

// Profile is the squared diameter (cm²) at a set of heights.
type Profile struct {
	Heights []float64
	Mean    []float64
	// Cov is set in FirstOrder and SecondOrder.
	Cov *matrix.Dense
}

// Volume is a stem volume in m³.
type Volume struct {
	Mean     float64
	Variance float64
}

type speciesParams struct {
	beta     *estimate.Gaussian // (β_L, β_a, β_b)
	linear   int
	varTree  float64
	residual predictor.ResidualModel
}

// Model is the stem taper submodule.
type Model struct {
	core        *predictor.Core
	store       *paramstore.Store
	registry    *randeffects.Registry
	heights     *height.Model
	builder     *design.Builder
	version     string
	correlation predictor.Correlation
	params      *oncecache.Cache[*speciesParams]
	logger      *zap.Logger
}

// Option configures a Model.
type Option func(*settings)

type settings struct {
	version     string
	effects     string
	correlation predictor.Correlation
	heights     *height.Model
}

// WithVersion selects the parameter version key.
func WithVersion(v string) Option { return func(s *settings) { s.version = v } }

// WithEffects sets the effect list of the linear part.
func WithEffects(list string) Option { return func(s *settings) { s.effects = list } }

// WithCorrelation sets the along-stem residual correlation structure.
func WithCorrelation(c predictor.Correlation) Option { return func(s *settings) { s.correlation = c } }

// WithHeight supplies heights for trees without a measured one.
func WithHeight(h *height.Model) Option { return func(s *settings) { s.heights = h } }

// New builds a taper model on shared infrastructure.
func New(core *predictor.Core, store *paramstore.Store, registry *randeffects.Registry, opts ...Option) (*Model, error) {
	s := settings{version: DefaultVersion, effects: DefaultEffects, correlation: predictor.Power}
	for _, set := range opts {
		set(&s)
	}
	ids, err := design.ParseEffects(s.effects)
	if err != nil {
		return nil, fmt.Errorf("taper: %w", err)
	}
	b, err := design.NewBuilder(Effects(), ids)
	if err != nil {
		return nil, fmt.Errorf("taper: %w", err)
	}

	return &Model{
		core:        core,
		store:       store,
		registry:    registry,
		heights:     s.heights,
		builder:     b,
		version:     s.version,
		correlation: s.correlation,
		params:      oncecache.New[*speciesParams](),
		logger:      core.Logger().With(zap.String("module", Module)),
	}, nil
}

func (m *Model) paramKey(sp string) paramstore.Key {
	return paramstore.Key{Version: m.version, Stratum: sp}
}

func (m *Model) treeKey(sp string) randeffects.Key {
	return randeffects.Key{Version: m.version, Level: covariate.TreeLevel, Stratum: sp}
}

func (m *Model) names() []string {
	return append(m.builder.Names(), ParamA, ParamB, ParamVarTree, ParamSigma2, ParamRho)
}

// Load reads every species of the parameter files and registers the tree
// random-effect defaults.
func (m *Model) Load(means, cov *tabular.Table) ([]string, error) {
	names := m.names()
	failed, err := m.store.LoadAll(m.version, func(string) []string { return names }, means, cov)
	for _, sp := range m.store.Strata(m.version) {
		p, perr := m.species(sp)
		if perr != nil {
			return failed, perr
		}
		g, perr := matrix.NewDenseRows([][]float64{{p.varTree}})
		if perr != nil {
			return failed, fmt.Errorf("taper: %s: %w", sp, perr)
		}
		d, perr := estimate.NewZeroMean(g)
		if perr != nil {
			return failed, fmt.Errorf("taper: %s: %w", sp, perr)
		}
		m.registry.SetDefault(m.treeKey(sp), d)
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
		// β_L, β_a, β_b, var_tree, sigma2, rho.
		if err = m.builder.CheckWidth(full.Dim() - 5); err != nil {
			return nil, fmt.Errorf("%s: %w", sp, err)
		}
		nl := m.builder.Width()
		idx := make([]int, nl+2)
		for i := range idx {
			idx[i] = i
		}
		beta, err := full.Marginal(idx)
		if err != nil {
			return nil, err
		}
		mean := full.Mean()
		if mean[nl+2] < 0 {
			return nil, fmt.Errorf("%s: negative variance component: %w", sp, paramstore.ErrNumerical)
		}
		res := predictor.ResidualModel{Variance: mean[nl+3], Rho: mean[nl+4], Structure: m.correlation}
		if err = res.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", sp, err)
		}

		return &speciesParams{beta: beta, linear: nl, varTree: mean[nl+2], residual: res}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("taper: %w", err)
	}

	return p, nil
}

// measured pins a height on a tree that has none.
type measured struct {
	covariate.Tree
	h float64
}

func (t measured) HeightM() float64 { return t.h }

func (m *Model) withHeight(stand covariate.Stand, tree covariate.Tree) (covariate.Tree, error) {
	if tree.DbhCm() <= 0 {
		return nil, fmt.Errorf("taper: tree %s dbh %g: %w", tree.SubjectID(), tree.DbhCm(), predictor.ErrInvalidArgument)
	}
	if covariate.HasMeasuredHeight(tree) {
		if tree.HeightM() <= height.BreastHeight {
			return nil, fmt.Errorf("taper: tree %s height %g: %w", tree.SubjectID(), tree.HeightM(), predictor.ErrInvalidArgument)
		}

		return tree, nil
	}
	if m.heights == nil {
		return nil, fmt.Errorf("taper: tree %s has no height: %w", tree.SubjectID(), predictor.ErrInvalidArgument)
	}
	h, err := m.heights.Predict(stand, tree)
	if err != nil {
		return nil, fmt.Errorf("taper: %w", err)
	}

	return measured{Tree: tree, h: h.Mean}, nil
}

// Profile returns d² at heights (m above ground).
//
// Errors: predictor.ErrInvalidArgument for dbh <= 0, height <= 1.3 m or a
// negative height; paramstore.ErrUnknownStratum.
func (m *Model) Profile(stand covariate.Stand, tree covariate.Tree, heights []float64) (Profile, error) {
	t, err := m.withHeight(stand, tree)
	if err != nil {
		return Profile{}, err
	}
	if len(heights) == 0 {
		return Profile{}, fmt.Errorf("taper: no heights: %w", predictor.ErrInvalidArgument)
	}
	for _, h := range heights {
		if h < 0 || math.IsNaN(h) {
			return Profile{}, fmt.Errorf("taper: height %g: %w", h, predictor.ErrInvalidArgument)
		}
	}
	sp := t.SpeciesCode()
	p, err := m.species(sp)
	if err != nil {
		return Profile{}, err
	}
	x, err := m.builder.Build(stand, t)
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	u, err := m.registry.GetOrComputeBLUP(m.treeKey(sp), t.SubjectID(), randeffects.Observations{})
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	m.core.Count(Module)

	if m.core.Mode() == predictor.Stochastic {
		return m.simulate(stand, t, x, heights, p, u)
	}

	return m.expand(t.HeightM(), x, heights, p, u)
}

// point is the profile at one height for given parameters.
type point struct {
	z, q, lq, s float64
	above       bool
}

func evalPoint(h, total float64) point {
	z := h / total
	if z >= 1 {
		return point{z: z, above: true}
	}
	q := (1 - z) / (1 - height.BreastHeight/total)

	return point{z: z, q: q, lq: math.Log(q)}
}

func (m *Model) simulate(stand covariate.Stand, tree covariate.Tree, x, heights []float64, p *speciesParams, u *estimate.Gaussian) (Profile, error) {
	sp := tree.SpeciesCode()
	beta, err := m.core.ParameterDraw(stand, m.paramKey(sp), p.beta)
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	ud, err := m.core.RandomEffectDraw(tree, m.treeKey(sp), u)
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	g, err := m.core.FixedEffect(x, beta[:p.linear])
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	ba, bb := beta[p.linear], beta[p.linear+1]
	out := make([]float64, len(heights))
	for i, h := range heights {
		pt := evalPoint(h, tree.HeightM())
		if pt.above {
			continue
		}
		out[i] = g * math.Pow(pt.q, ba+bb*pt.z+ud[0])
	}
	R, err := p.residual.Matrix(heights, out)
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	eps, err := m.core.ResidualDraw(tree, Module, R)
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	for i := range out {
		out[i] += eps[i]
	}
	n, err := matrix.ClipVec(out, 0, math.Inf(1))
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	if n > 0 {
		m.core.Metrics().Clamped(Module, n)
	}

	return Profile{Heights: append([]float64(nil), heights...), Mean: out}, nil
}

// expand propagates δ = (β_L, β_a, β_b, u_tree). With s = q^e, l = ln q and
// v = (1, z, 1) over (β_a, β_b, u):
//
//	∂/∂β_L = x·s        ∂/∂(β_a, β_b, u) = g·s·l·v
//	∂²/∂β_L∂(·) = x·s·l·vᵀ     ∂²/∂(·)² = g·s·l²·v·vᵀ
func (m *Model) expand(total float64, x, heights []float64, p *speciesParams, u *estimate.Gaussian) (Profile, error) {
	beta := p.beta.Mean()
	nl := p.linear
	g, err := m.core.FixedEffect(x, beta[:nl])
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	ba, bb, u0 := beta[nl], beta[nl+1], u.Mean()[0]
	np := nl + 3
	n := len(heights)

	value := make([]float64, n)
	grad, err := matrix.NewDense(n, np)
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	hess := make([]*matrix.Dense, n)
	index := make([]int, np)
	for i := range index {
		index[i] = i
	}
	for i, h := range heights {
		if hess[i], err = matrix.NewDense(np, np); err != nil {
			return Profile{}, fmt.Errorf("taper: %w", err)
		}
		pt := evalPoint(h, total)
		if pt.above {
			continue
		}
		s := math.Pow(pt.q, ba+bb*pt.z+u0)
		value[i] = g * s
		v := [3]float64{1, pt.z, 1}
		for j := 0; j < nl; j++ {
			_ = grad.Set(i, j, x[j]*s)
			for k := 0; k < 3; k++ {
				c := x[j] * s * pt.lq * v[k]
				_ = hess[i].Set(j, nl+k, c)
				_ = hess[i].Set(nl+k, j, c)
			}
		}
		for k := 0; k < 3; k++ {
			_ = grad.Set(i, nl+k, g*s*pt.lq*v[k])
			for l := 0; l < 3; l++ {
				_ = hess[i].Set(nl+k, nl+l, g*s*pt.lq*pt.lq*v[k]*v[l])
			}
		}
	}
	R, err := p.residual.Matrix(heights, value)
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	mean, cov, err := m.core.Propagate(predictor.Expansion{
		Value:    value,
		Gradient: grad,
		Hessians: hess,
		Index:    index,
	}, predictor.Blocks{
		Joint: []predictor.Block{
			{Source: predictor.Parameters, Cov: p.beta.Covariance()},
			{Source: predictor.RandomEffects, Cov: u.Covariance()},
		},
		Residual: R,
	})
	if err != nil {
		return Profile{}, fmt.Errorf("taper: %w", err)
	}
	out := Profile{Heights: append([]float64(nil), heights...), Mean: mean}
	if m.core.Mode() != predictor.MeanOnly {
		out.Cov = cov
	}

	return out, nil
}

// Volume integrates the profile of tree between opts.Bottom and opts.Top.
func (m *Model) Volume(stand covariate.Stand, tree covariate.Tree, opts Options) (Volume, error) {
	t, err := m.withHeight(stand, tree)
	if err != nil {
		return Volume{}, err
	}
	bottom, top, segs := opts.Bottom, opts.Top, opts.Segments
	if bottom == 0 {
		bottom = DefaultBottom
	}
	if top == 0 || top > t.HeightM() {
		top = t.HeightM()
	}
	if segs == 0 {
		segs = DefaultSegments
	}
	hs, ws, err := Nodes(opts.Method, bottom, top, segs)
	if err != nil {
		return Volume{}, err
	}
	prof, err := m.Profile(stand, t, hs)
	if err != nil {
		return Volume{}, err
	}
	mean, err := matrix.Dot(ws, prof.Mean)
	if err != nil {
		return Volume{}, fmt.Errorf("taper: %w", err)
	}
	out := Volume{Mean: Kappa * mean}
	if prof.Cov != nil {
		v, err := matrix.QuadForm(ws, prof.Cov, ws)
		if err != nil {
			return Volume{}, fmt.Errorf("taper: %w", err)
		}
		out.Variance = Kappa * Kappa * v
	}
	m.logger.Debug("volume",
		zap.String("tree", t.SubjectID()),
		zap.Stringer("method", opts.Method),
		zap.Int("nodes", len(hs)),
		zap.Float64("mean", out.Mean))

	return out, nil
}
