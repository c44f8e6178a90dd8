// SPDX-License-Identifier: MIT
// Package randeffects holds the default random-effect distributions per
// (hierarchical level, stratum) and the subject-specific BLUPs refined from
// observed data.
//
// BLUP of subject s with observations y = Xβ + Z·u + ε, u ~ N(0, G), ε ~ N(0, R):
//
//	V       = Z·G·Zᵀ + R
//	K       = G·Zᵀ·V⁻¹
//	blup    = K·r                   (r = y − Xβ)
//	blupVar = G − K·Z·G             (= (Zᵀ·R⁻¹·Z + G⁻¹)⁻¹ when G is invertible)
//
// Only V is inverted, so a prior with a zero variance is refined to zero.
//
// Defaults and BLUPs are keyed by model version as well as level and stratum,
// so submodules sharing one registry never see each other's effects. A BLUP is
// computed at most once per (key, subject) and then served from the cache for
// the life of the registry.

package randeffects

import (
	"errors"
	"fmt"
	"sync"

	"github.com/katalvlaran/canopy/covariate"
	"github.com/katalvlaran/canopy/estimate"
	"github.com/katalvlaran/canopy/internal/oncecache"
	"github.com/katalvlaran/canopy/matrix"
	"github.com/katalvlaran/canopy/telemetry"
	"go.uber.org/zap"
)

var (
	// ErrUnknownLevel is returned when no default was registered for (level, stratum).
	ErrUnknownLevel = errors.New("randeffects: no default distribution")

	// ErrDimensionMismatch reports inconsistent residual, Z, R or G shapes.
	ErrDimensionMismatch = errors.New("randeffects: dimension mismatch")
)

// Observations are the data of one subject used to refine its random effect.
type Observations struct {
	Residuals []float64     // r = y − Xβ, length n
	Z         *matrix.Dense // n×q random-effect design
	R         *matrix.Dense // n×n residual covariance
}

// Empty reports whether there is nothing to refine from.
func (o Observations) Empty() bool { return len(o.Residuals) == 0 }

// Key identifies a default distribution: the model version that owns it, the
// hierarchical level of the effect and the stratum.
type Key struct {
	Version string
	Level   covariate.Level
	Stratum string
}

// String returns "<version>/<level>/<stratum>".
func (k Key) String() string { return k.Version + "/" + k.Level.String() + "/" + k.Stratum }

// Registry stores default distributions and cached BLUPs.
type Registry struct {
	mu       sync.RWMutex
	defaults map[Key]*estimate.Gaussian
	blups    *oncecache.Cache[*estimate.Gaussian]

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *telemetry.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		defaults: make(map[Key]*estimate.Gaussian),
		blups:    oncecache.New[*estimate.Gaussian](),
		logger:   zap.NewNop(),
	}
	for _, set := range opts {
		set(r)
	}

	return r
}

// SetDefault registers the prior distribution of key.
func (r *Registry) SetDefault(key Key, dist *estimate.Gaussian) {
	r.mu.Lock()
	r.defaults[key] = dist
	r.mu.Unlock()
}

// GetDefault returns the prior distribution of key.
// Errors: ErrUnknownLevel.
func (r *Registry) GetDefault(key Key) (*estimate.Gaussian, error) {
	r.mu.RLock()
	d, ok := r.defaults[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownLevel)
	}

	return d, nil
}

func blupKey(key Key, subjectID string) string { return key.String() + "|" + subjectID }

// GetOrComputeBLUP returns the BLUP of subjectID under key, computing it from
// obs the first time. Later calls return the cached estimate and ignore obs.
// Without observations it returns the cached BLUP when one exists, and the
// (uncached) default otherwise.
func (r *Registry) GetOrComputeBLUP(key Key, subjectID string, obs Observations) (*estimate.Gaussian, error) {
	prior, err := r.GetDefault(key)
	if err != nil {
		return nil, err
	}
	bk := blupKey(key, subjectID)
	if obs.Empty() {
		if b, ok := r.blups.Get(bk); ok {
			return b, nil
		}

		return prior, nil
	}
	b, hit, err := r.blups.GetOrCompute(bk, func() (*estimate.Gaussian, error) {
		return computeBLUP(prior, obs)
	})
	if err != nil {
		return nil, fmt.Errorf("randeffects: blup %s: %w", bk, err)
	}
	if !hit {
		r.metrics.BLUPComputed()
		r.logger.Debug("blup computed",
			zap.String("version", key.Version),
			zap.String("level", key.Level.String()),
			zap.String("stratum", key.Stratum),
			zap.String("subject", subjectID),
			zap.Int("observations", len(obs.Residuals)))
	}

	return b, nil
}

// BLUPCount returns the number of cached BLUPs.
func (r *Registry) BLUPCount() int { return r.blups.Len() }

func computeBLUP(prior *estimate.Gaussian, obs Observations) (*estimate.Gaussian, error) {
	n, q := len(obs.Residuals), prior.Dim()
	if obs.Z == nil || obs.R == nil {
		return nil, fmt.Errorf("missing Z or R: %w", ErrDimensionMismatch)
	}
	if obs.Z.Rows() != n || obs.Z.Cols() != q || obs.R.Rows() != n || obs.R.Cols() != n {
		return nil, fmt.Errorf("r %d, Z %dx%d, R %dx%d, G %dx%d: %w",
			n, obs.Z.Rows(), obs.Z.Cols(), obs.R.Rows(), obs.R.Cols(), q, q, ErrDimensionMismatch)
	}
	G := prior.Covariance()
	Zt, err := matrix.Transpose(obs.Z)
	if err != nil {
		return nil, err
	}
	GZt, err := matrix.Mul(G, Zt)
	if err != nil {
		return nil, err
	}
	ZGZt, err := matrix.Mul(obs.Z, GZt)
	if err != nil {
		return nil, err
	}
	V, err := matrix.Add(ZGZt, obs.R)
	if err != nil {
		return nil, err
	}
	Vinv, err := matrix.Inverse(V)
	if err != nil {
		return nil, err
	}
	K, err := matrix.Mul(GZt, Vinv)
	if err != nil {
		return nil, err
	}
	shift, err := matrix.MatVec(K, obs.Residuals)
	if err != nil {
		return nil, err
	}
	mean := prior.Mean()
	for i := range mean {
		mean[i] += shift[i]
	}

	KZ, err := matrix.Mul(K, obs.Z)
	if err != nil {
		return nil, err
	}
	KZG, err := matrix.Mul(KZ, G)
	if err != nil {
		return nil, err
	}
	post, err := matrix.Sub(G, KZG)
	if err != nil {
		return nil, err
	}
	post, err = matrix.Symmetrize(post)
	if err != nil {
		return nil, err
	}

	return estimate.NewGaussian(mean, post)
}
