// SPDX-License-Identifier: MIT
// Package predictor is the shared machinery of every canopy model: the
// fixed-effect prediction, the Monte Carlo draw cache and the analytical
// first/second-order propagation of parameter, random-effect and residual
// uncertainty.
//
// Determinism:
//   - Every stochastic stream is a PCG source seeded from the run seed and an
//     xxhash of (kind, version, stratum, subject, realization). A rerun with
//     the same seed reproduces bit-identical draws, regardless of goroutine
//     scheduling.
//   - Parameter and random-effect draws are cached: at most one draw per
//     (kind, version, stratum, subject, realization), shared by concurrent
//     callers. Submodules sharing a Core never read each other's draws.
//   - The cache is partitioned by realization. EndRealization(r) drops the
//     draws of r; a later request recomputes the identical values.
//
// Concurrency: a Core is safe for concurrent use.

package predictor

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/estimate"
	"github.com/katalvlaran/canopy/internal/oncecache"
	"github.com/katalvlaran/canopy/matrix"
	"github.com/katalvlaran/canopy/paramstore"
	"github.com/katalvlaran/canopy/randeffects"
	"github.com/katalvlaran/canopy/telemetry"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"
)

// Draw kinds, also used as metric labels.
const (
	KindParameters    = "parameters"
	KindRandomEffects = "randomeffects"
	KindResidual      = "residual"
)

// Core is shared by the submodules of one run.
type Core struct {
	cfg Config

	mu    sync.Mutex
	draws map[int]*oncecache.Cache[[]float64] // by realization

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger handed to submodules.
func WithLogger(l *zap.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *telemetry.Metrics) Option { return func(c *Core) { c.metrics = m } }

// New validates cfg and returns a Core with an empty draw cache.
func New(cfg Config, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, predictorErrorf("New", err)
	}
	c := &Core{
		cfg:    cfg,
		draws:  make(map[int]*oncecache.Cache[[]float64]),
		logger: zap.NewNop(),
	}
	for _, set := range opts {
		set(c)
	}

	return c, nil
}

// Mode returns the configured mode.
func (c *Core) Mode() Mode { return c.cfg.Mode }

// Variability returns the configured uncertainty sources.
func (c *Core) Variability() Variability { return c.cfg.Variability }

// Logger returns the logger, never nil.
func (c *Core) Logger() *zap.Logger { return c.logger }

// Metrics returns the attached counters, possibly nil (nil-safe).
func (c *Core) Metrics() *telemetry.Metrics { return c.metrics }

// Sampling reports whether draws are random, i.e. the mode is Stochastic and
// at least one source is enabled.
func (c *Core) Sampling() bool { return c.cfg.Mode == Stochastic && c.cfg.Variability.Any() }

// Count records one prediction of module.
func (c *Core) Count(module string) { c.metrics.Prediction(module, c.cfg.Mode.String()) }

// DrawCount returns the number of cached parameter and random-effect draws.
func (c *Core) DrawCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.draws {
		n += d.Len()
	}

	return n
}

// EndRealization releases the cached draws of realization r. Callers invoke
// it once every prediction of r is done; a later draw for r is recomputed
// from the same stream and is bit-identical.
func (c *Core) EndRealization(r int) {
	c.mu.Lock()
	delete(c.draws, r)
	c.mu.Unlock()
}

func (c *Core) realization(r int) *oncecache.Cache[[]float64] {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.draws[r]
	if !ok {
		d = oncecache.New[[]float64]()
		c.draws[r] = d
	}

	return d
}

// FixedEffect returns x·β.
// Errors: ErrDimensionMismatch when len(x) != len(β).
func (c *Core) FixedEffect(x, beta []float64) (float64, error) {
	if len(x) != len(beta) || len(x) == 0 {
		return 0, predictorErrorf("FixedEffect", fmt.Errorf("x %d, beta %d: %w", len(x), len(beta), ErrDimensionMismatch))
	}
	v, err := matrix.Dot(x, beta)
	if err != nil {
		return 0, predictorErrorf("FixedEffect", err)
	}

	return v, nil
}

// ParameterDraw returns β* ~ N(β̂, Ω) for (key, subject, realization), or β̂
// when parameters are not sampled. The draw is made at most once per key.
func (c *Core) ParameterDraw(subject covariate.Subject, key paramstore.Key, est *estimate.Gaussian) ([]float64, error) {
	if c.cfg.Mode != Stochastic || !c.cfg.Variability.Parameters {
		return est.Mean(), nil
	}

	return c.cachedDraw(KindParameters, key.String(), subject, est)
}

// RandomEffectDraw returns u* ~ dist for (key, subject, realization), or the
// mean of dist (zero for a default, the BLUP for a refined subject) when
// random effects are not sampled. The draw is made at most once per key.
func (c *Core) RandomEffectDraw(subject covariate.Subject, key randeffects.Key, dist *estimate.Gaussian) ([]float64, error) {
	if c.cfg.Mode != Stochastic || !c.cfg.Variability.RandomEffects {
		return dist.Mean(), nil
	}

	return c.cachedDraw(KindRandomEffects, key.String(), subject, dist)
}

func (c *Core) cachedDraw(kind, scope string, subject covariate.Subject, dist *estimate.Gaussian) ([]float64, error) {
	key := drawKey(kind, scope, subject, "")
	v, hit, err := c.realization(subject.RealizationID()).GetOrCompute(key, func() ([]float64, error) {
		return dist.Draw(c.source(key))
	})
	if err != nil {
		return nil, predictorErrorf("Draw", fmt.Errorf("%s: %w", key, err))
	}
	c.metrics.DrawCache(kind, hit)

	return append([]float64(nil), v...), nil
}

// ResidualDraw returns L·z with L the lower Cholesky factor of R and z a
// standard normal vector from the stream of (subject, realization, tag), or
// zeros when residuals are not sampled. tag separates independent residual
// vectors of one subject (e.g. "height", "taper").
//
// Errors: matrix.ErrNotPositiveDefinite when R is not PSD.
func (c *Core) ResidualDraw(subject covariate.Subject, tag string, R matrix.Matrix) ([]float64, error) {
	const op = "ResidualDraw"
	if err := matrix.ValidateSquareNonNil(R); err != nil {
		return nil, predictorErrorf(op, err)
	}
	out := make([]float64, R.Rows())
	if c.cfg.Mode != Stochastic || !c.cfg.Variability.Residual {
		return out, nil
	}
	L, err := matrix.Cholesky(R, matrix.WithSemiDefinite())
	if err != nil {
		return nil, predictorErrorf(op, err)
	}
	std := distuv.Normal{Mu: 0, Sigma: 1, Src: c.source(drawKey(KindResidual, "", subject, tag))}
	for i := range out {
		out[i] = std.Rand()
	}
	if out, err = matrix.MatVec(L, out); err != nil {
		return nil, predictorErrorf(op, err)
	}

	return out, nil
}

// Source returns the deterministic random stream of (subject, realization, tag)
// for draws a submodule makes itself (e.g. Bernoulli or Poisson outcomes).
func (c *Core) Source(subject covariate.Subject, tag string) rand.Source {
	return c.source(drawKey("outcome", "", subject, tag))
}

func (c *Core) source(key string) rand.Source {
	return rand.NewPCG(c.cfg.Seed, xxhash.Sum64String(key))
}

// drawKey names a stream; scope is "<version>/..." for cached draws and
// empty for residual and outcome streams, which tag instead.
func drawKey(kind, scope string, subject covariate.Subject, tag string) string {
	return kind + "|" + scope + "|" + covariate.Key(subject) + "|" + strconv.Itoa(subject.RealizationID()) + "|" + tag
}

// Propagate runs the package-level Propagate in the configured mode, with the
// variance of every disabled source set to zero.
// Errors: ErrInvalidArgument in Stochastic mode.
func (c *Core) Propagate(exp Expansion, blocks Blocks) ([]float64, *matrix.Dense, error) {
	v := c.cfg.Variability
	masked := Blocks{Joint: make([]Block, len(blocks.Joint))}
	for i, blk := range blocks.Joint {
		masked.Joint[i] = blk
		on := (blk.Source == Parameters && v.Parameters) ||
			(blk.Source == RandomEffects && v.RandomEffects) ||
			(blk.Source == LinkResidual && v.Residual)
		if !on && blk.Cov != nil {
			z, err := matrix.NewZeros(blk.Cov.Rows(), blk.Cov.Cols())
			if err != nil {
				return nil, nil, predictorErrorf("Propagate", err)
			}
			masked.Joint[i].Cov = z
		}
	}
	if v.Residual {
		masked.Residual = blocks.Residual
	}

	return Propagate(exp, masked, c.cfg.Mode)
}
