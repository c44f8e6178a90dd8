// SPDX-License-Identifier: MIT
// Package biomass predicts above-ground dry biomass (kg) per compartment with
// the Lambert et al. (2005) system of equations:
//
//	y_c = β_c0 · dbh^β_c1 · H^β_c2 + ε_c,   c ∈ {wood, bark, foliage, branches}
//
// with compartment residuals ε correlated within a tree. The derived
// compartments are Stem = Wood + Bark, Crown = Foliage + Branches and
// Total = Stem + Crown. In stochastic mode the four simulated compartments are
// clamped at zero first, and the sums use the clamped values.
//
// Parameter files carry, per species, "b0_<c>", "b1_<c>", "b2_<c>" and the
// residual covariance under the names "e_<c>" (means of e_<c> are 0 and are
// usually given once with the "all" sentinel).

package biomass

import (
	"fmt"
	"math"

	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/estimate"
	"github.com/katalvlaran/canopy/height"
	"github.com/katalvlaran/canopy/internal/oncecache"
	"github.com/katalvlaran/canopy/matrix"
	"github.com/katalvlaran/canopy/paramstore"
	"github.com/katalvlaran/canopy/predictor"
	"github.com/katalvlaran/canopy/tabular"
	"go.uber.org/zap"
)

// Module is the submodule name used in logs and metrics.
const Module = "biomass"

// DefaultVersion is the shipped parameter version.
const DefaultVersion = "lambert2005"

// Compartment indexes Prediction.Mean.
type Compartment int

// The four fitted compartments come first, then the sums.
const (
	Wood Compartment = iota
	Bark
	Foliage
	Branches
	Stem
	Crown
	Total
)

// NumFitted is the number of compartments with their own equation.
const NumFitted = 4

// NumCompartments includes the aggregated ones.
const NumCompartments = 7

var compartmentNames = [...]string{"wood", "bark", "foliage", "branches", "stem", "crown", "total"}

func (c Compartment) String() string {
	if c < 0 || int(c) >= len(compartmentNames) {
		return fmt.Sprintf("compartment(%d)", int(c))
	}

	return compartmentNames[c]
}

// aggregation maps the fitted compartments onto all seven outputs.
var aggregation = [NumCompartments][NumFitted]float64{
	{1, 0, 0, 0},
	{0, 1, 0, 0},
	{0, 0, 1, 0},
	{0, 0, 0, 1},
	{1, 1, 0, 0},
	{0, 0, 1, 1},
	{1, 1, 1, 1},
}

// ParameterNames returns the names expected in the parameter files, β first.
func ParameterNames() []string {
	out := make([]string, 0, 4*NumFitted)
	for c := Compartment(0); c < NumFitted; c++ {
		out = append(out, "b0_"+c.String(), "b1_"+c.String(), "b2_"+c.String())
	}
	for c := Compartment(0); c < NumFitted; c++ {
		out = append(out, "e_"+c.String())
	}

	return out
}

// Prediction holds one value per Compartment; Cov is set in the analytical
// modes other than MeanOnly.
type Prediction struct {
	Mean []float64
	Cov  *matrix.Dense
}

// Value returns the mean of compartment c.
func (p Prediction) Value(c Compartment) float64 { return p.Mean[c] }

type speciesParams struct {
	beta     *estimate.Gaussian
	residual *matrix.Dense
}

// Model is the biomass submodule.
type Model struct {
	core    *predictor.Core
	store   *paramstore.Store
	heights *height.Model
	version string
	params  *oncecache.Cache[*speciesParams]
	agg     *matrix.Dense
	logger  *zap.Logger
}

// Option configures a Model.
type Option func(*Model)

// WithVersion selects the parameter version key.
func WithVersion(v string) Option { return func(m *Model) { m.version = v } }

// WithHeight supplies heights for trees without a measured one.
func WithHeight(h *height.Model) Option { return func(m *Model) { m.heights = h } }

// New builds a biomass model on shared infrastructure.
func New(core *predictor.Core, store *paramstore.Store, opts ...Option) (*Model, error) {
	rows := make([][]float64, NumCompartments)
	for i := range rows {
		rows[i] = aggregation[i][:]
	}
	agg, err := matrix.NewDenseRows(rows)
	if err != nil {
		return nil, fmt.Errorf("biomass: %w", err)
	}
	m := &Model{
		core:    core,
		store:   store,
		version: DefaultVersion,
		params:  oncecache.New[*speciesParams](),
		agg:     agg,
	}
	for _, set := range opts {
		set(m)
	}
	m.logger = core.Logger().With(zap.String("module", Module))

	return m, nil
}

// Load reads every species of the parameter files.
func (m *Model) Load(means, cov *tabular.Table) ([]string, error) {
	names := ParameterNames()
	failed, err := m.store.LoadAll(m.version, func(string) []string { return names }, means, cov)
	m.logger.Info("parameters loaded",
		zap.String("version", m.version),
		zap.Strings("species", m.store.Strata(m.version)),
		zap.Strings("failed", failed))

	return failed, err
}

func (m *Model) species(sp string) (*speciesParams, error) {
	p, _, err := m.params.GetOrCompute(sp, func() (*speciesParams, error) {
		full, err := m.store.Get(paramstore.Key{Version: m.version, Stratum: sp})
		if err != nil {
			return nil, err
		}
		nb := 3 * NumFitted
		bIdx := make([]int, nb)
		for i := range bIdx {
			bIdx[i] = i
		}
		eIdx := make([]int, NumFitted)
		for i := range eIdx {
			eIdx[i] = nb + i
		}
		beta, err := full.Marginal(bIdx)
		if err != nil {
			return nil, err
		}
		resid, err := full.Marginal(eIdx)
		if err != nil {
			return nil, err
		}

		return &speciesParams{beta: beta, residual: resid.Covariance().Dense()}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("biomass: %w", err)
	}

	return p, nil
}

func (m *Model) treeHeight(stand covariate.Stand, tree covariate.Tree) (float64, error) {
	if covariate.HasMeasuredHeight(tree) {
		return tree.HeightM(), nil
	}
	if m.heights == nil {
		return 0, fmt.Errorf("biomass: tree %s has no height: %w", tree.SubjectID(), predictor.ErrInvalidArgument)
	}
	h, err := m.heights.Predict(stand, tree)
	if err != nil {
		return 0, fmt.Errorf("biomass: %w", err)
	}

	return h.Mean, nil
}

// Predict returns the biomass of tree in the seven compartments.
//
// Errors: predictor.ErrInvalidArgument for dbh <= 0 or height <= 0,
// paramstore.ErrUnknownStratum for a species without parameters.
func (m *Model) Predict(stand covariate.Stand, tree covariate.Tree) (Prediction, error) {
	dbh := tree.DbhCm()
	if dbh <= 0 {
		return Prediction{}, fmt.Errorf("biomass: tree %s dbh %g: %w", tree.SubjectID(), dbh, predictor.ErrInvalidArgument)
	}
	h, err := m.treeHeight(stand, tree)
	if err != nil {
		return Prediction{}, err
	}
	if h <= 0 {
		return Prediction{}, fmt.Errorf("biomass: tree %s height %g: %w", tree.SubjectID(), h, predictor.ErrInvalidArgument)
	}
	p, err := m.species(tree.SpeciesCode())
	if err != nil {
		return Prediction{}, err
	}
	m.core.Count(Module)

	if m.core.Mode() == predictor.Stochastic {
		return m.simulate(stand, tree, dbh, h, p)
	}

	return m.expand(dbh, h, p)
}

func (m *Model) simulate(stand covariate.Stand, tree covariate.Tree, dbh, h float64, p *speciesParams) (Prediction, error) {
	beta, err := m.core.ParameterDraw(stand, paramstore.Key{Version: m.version, Stratum: tree.SpeciesCode()}, p.beta)
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}
	eps, err := m.core.ResidualDraw(tree, Module, p.residual)
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}
	y := make([]float64, NumFitted)
	for c := range y {
		y[c] = lambert(beta[3*c:3*c+3], dbh, h) + eps[c]
	}
	n, err := matrix.ClipVec(y, 0, math.Inf(1))
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}
	if n > 0 {
		m.core.Metrics().Clamped(Module, n)
	}
	out, err := matrix.MatVec(m.agg, y)
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}

	return Prediction{Mean: out}, nil
}

func lambert(b []float64, dbh, h float64) float64 {
	return b[0] * math.Pow(dbh, b[1]) * math.Pow(h, b[2])
}

// expand propagates δ = β − β̂ (12 parameters) through the four power laws,
// adds the residual covariance and aggregates with A: mean = A·μ, cov = A·Σ·Aᵀ.
func (m *Model) expand(dbh, h float64, p *speciesParams) (Prediction, error) {
	const np = 3 * NumFitted
	beta := p.beta.Mean()
	l1, l2 := math.Log(dbh), math.Log(h)

	value := make([]float64, NumFitted)
	grad, err := matrix.NewDense(NumFitted, np)
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}
	hess := make([]*matrix.Dense, NumFitted)
	index := make([]int, np)
	for i := range index {
		index[i] = i
	}
	for c := 0; c < NumFitted; c++ {
		b := beta[3*c : 3*c+3]
		g := math.Pow(dbh, b[1]) * math.Pow(h, b[2])
		y := b[0] * g
		value[c] = y
		o := 3 * c
		_ = grad.Set(c, o, g)
		_ = grad.Set(c, o+1, y*l1)
		_ = grad.Set(c, o+2, y*l2)

		if hess[c], err = matrix.NewDense(np, np); err != nil {
			return Prediction{}, fmt.Errorf("biomass: %w", err)
		}
		block := [3][3]float64{
			{0, g * l1, g * l2},
			{g * l1, y * l1 * l1, y * l1 * l2},
			{g * l2, y * l1 * l2, y * l2 * l2},
		}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				_ = hess[c].Set(o+i, o+j, block[i][j])
			}
		}
	}

	exp := predictor.Expansion{Value: value, Gradient: grad, Hessians: hess, Index: index}
	mean, cov, err := m.core.Propagate(exp, predictor.Blocks{
		Joint:    []predictor.Block{{Source: predictor.Parameters, Cov: p.beta.Covariance()}},
		Residual: p.residual,
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}
	out, err := matrix.MatVec(m.agg, mean)
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}
	if m.core.Mode() == predictor.MeanOnly {
		return Prediction{Mean: out}, nil
	}
	ac, err := matrix.Mul(m.agg, cov)
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}
	at, err := matrix.Transpose(m.agg)
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}
	full, err := matrix.Mul(ac, at)
	if err != nil {
		return Prediction{}, fmt.Errorf("biomass: %w", err)
	}

	return Prediction{Mean: out, Cov: full}, nil
}
