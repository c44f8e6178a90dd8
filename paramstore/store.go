// SPDX-License-Identifier: MIT
// Package paramstore loads fitted parameter vectors and their covariance
// matrices from long-format tables and serves them per (version, stratum).
//
// File layout:
//   - means:      stratum, parameter, estimate
//   - covariance: stratum, row, col, value   (one triangle is enough)
//
// A row whose stratum is a sentinel ("all", "ess") applies to every stratum;
// stratum-specific rows override it. A parameter with no mean row for a
// stratum is structurally zero: its mean is 0.0 and its covariance row and
// column are cleared, so it never enters the Cholesky factorization.
//
// Concurrency: a Store is safe for concurrent use; estimates are immutable.

package paramstore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/katalvlaran/canopy/estimate"
	"github.com/katalvlaran/canopy/matrix"
	"github.com/katalvlaran/canopy/tabular"
	"github.com/katalvlaran/canopy/telemetry"
	"go.uber.org/zap"
)

// Column names of the long-format parameter tables.
const (
	ColStratum   = "stratum"
	ColParameter = "parameter"
	ColEstimate  = "estimate"
	ColRow       = "row"
	ColCol       = "col"
	ColValue     = "value"
)

// psdRelTol scales the PSD eigenvalue tolerance by the largest variance.
const psdRelTol = 1e-8

// Key scopes an estimate to a model version and a stratification key.
type Key struct {
	Version string
	Stratum string
}

func (k Key) String() string { return k.Version + "/" + k.Stratum }

// Store holds immutable estimates keyed by (version, stratum).
type Store struct {
	mu        sync.RWMutex
	estimates map[Key]*estimate.Gaussian

	sampling bool
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for load diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithSampling requires every loaded covariance to be Cholesky-decomposable on
// its estimated block, as parameter-uncertainty sampling will need it.
func WithSampling(on bool) Option { return func(s *Store) { s.sampling = on } }

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		estimates: make(map[Key]*estimate.Gaussian),
		logger:    zap.NewNop(),
	}
	for _, set := range opts {
		set(s)
	}

	return s
}

// Sampling reports whether the store validates Cholesky factors at load time.
func (s *Store) Sampling() bool { return s.sampling }

// Load reads the estimate of key.Stratum from means and (optionally) cov,
// validates it and stores it under key. names fixes the parameter order.
//
// Errors (all wrapped in *LoadError, matching ErrParameterLoad):
//   - tabular.ErrMissingColumn for a table without the long-format columns.
//   - ErrUnknownStratum when means has no row specific to key.Stratum.
//   - ErrUnknownParameter for a stratum-specific row naming a parameter not in names.
//   - ErrNumerical for a non-finite value or an asymmetric, non-PSD or (with
//     sampling) non-decomposable covariance.
func (s *Store) Load(key Key, names []string, means, cov *tabular.Table) (*estimate.Gaussian, error) {
	g, err := s.build(key, names, means, cov)
	if err != nil {
		s.logger.Debug("parameter load failed", zap.Stringer("key", key), zap.Error(err))

		return nil, err
	}
	s.Put(key, g)
	s.logger.Debug("parameters loaded",
		zap.Stringer("key", key),
		zap.Int("parameters", g.Dim()),
		zap.Int("estimated", len(g.EstimatedIndex())))

	return g, nil
}

func (s *Store) build(key Key, names []string, means, cov *tabular.Table) (*estimate.Gaussian, error) {
	fail := func(t *tabular.Table, err error) error {
		le := &LoadError{Stratum: key.Stratum, Err: err}
		if t != nil {
			le.File = t.Path
		}

		return le
	}
	if len(names) == 0 {
		return nil, fail(means, fmt.Errorf("empty parameter list: %w", ErrUnknownParameter))
	}
	if means == nil {
		return nil, fail(nil, fmt.Errorf("no means table: %w", tabular.ErrMissingColumn))
	}
	if err := means.Require(ColStratum, ColParameter, ColEstimate); err != nil {
		return nil, fail(means, err)
	}

	n := len(names)
	index := make(map[string]int, n)
	for i, name := range names {
		index[strings.ToLower(name)] = i
	}

	mean := make([]float64, n)
	present := make([]bool, n)
	matched := 0
	err := eachRow(means, key.Stratum, func(rec tabular.Record, shared bool) error {
		if !shared {
			matched++
		}
		i, ok := index[strings.ToLower(rec.String(ColParameter))]
		if !ok {
			if shared {
				return nil // shared rows may serve other parameter lists
			}

			return fmt.Errorf("line %d: %q: %w", rec.Line(), rec.String(ColParameter), ErrUnknownParameter)
		}
		v := rec.Float(ColEstimate)
		if !finite(v) {
			return fmt.Errorf("line %d: %q=%g: %w", rec.Line(), rec.String(ColParameter), v, ErrNumerical)
		}
		mean[i] = v
		present[i] = true

		return nil
	})
	if err != nil {
		return nil, fail(means, err)
	}
	if matched == 0 {
		return nil, fail(means, ErrUnknownStratum)
	}

	omega, err := matrix.NewDense(n, n)
	if err != nil {
		return nil, fail(means, err)
	}
	if cov != nil {
		if err = cov.Require(ColStratum, ColRow, ColCol, ColValue); err != nil {
			return nil, fail(cov, err)
		}
		explicit := make(map[[2]int]bool)
		err = eachRow(cov, key.Stratum, func(rec tabular.Record, shared bool) error {
			i, okI := index[strings.ToLower(rec.String(ColRow))]
			j, okJ := index[strings.ToLower(rec.String(ColCol))]
			if !okI || !okJ {
				if shared {
					return nil
				}

				return fmt.Errorf("line %d: (%q,%q): %w", rec.Line(), rec.String(ColRow), rec.String(ColCol), ErrUnknownParameter)
			}
			v := rec.Float(ColValue)
			if !finite(v) {
				return fmt.Errorf("line %d: (%q,%q)=%g: %w", rec.Line(), rec.String(ColRow), rec.String(ColCol), v, ErrNumerical)
			}
			explicit[[2]int{i, j}] = true
			if err := omega.Set(i, j, v); err != nil {
				return fmt.Errorf("line %d: %w", rec.Line(), err)
			}
			if !explicit[[2]int{j, i}] {
				if err := omega.Set(j, i, v); err != nil {
					return fmt.Errorf("line %d: %w", rec.Line(), err)
				}
			}

			return nil
		})
		if err != nil {
			return nil, fail(cov, err)
		}
	}

	// Structural zeros: clear rows and columns of parameters absent from the means.
	var estimated []int
	maxVar := 0.0
	for i := 0; i < n; i++ {
		if !present[i] {
			for j := 0; j < n; j++ {
				if err = omega.Set(i, j, 0); err != nil {
					return nil, fail(cov, err)
				}
				if err = omega.Set(j, i, 0); err != nil {
					return nil, fail(cov, err)
				}
			}

			continue
		}
		v, _ := omega.At(i, i)
		if v > 0 {
			estimated = append(estimated, i)
			maxVar = math.Max(maxVar, v)
		}
	}

	g, err := estimate.NewGaussian(mean, omega, estimate.WithEstimatedIndex(estimated))
	if err != nil {
		return nil, fail(cov, fmt.Errorf("%w: %w", ErrNumerical, err))
	}
	if err = matrix.ValidatePSD(g.Covariance(), psdRelTol*math.Max(1, maxVar)); err != nil {
		return nil, fail(cov, fmt.Errorf("%w: %w", ErrNumerical, err))
	}
	if s.sampling {
		if _, err = g.Factor(); err != nil {
			return nil, fail(cov, fmt.Errorf("%w: %w", ErrNumerical, err))
		}
	}

	return g, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// eachRow visits the sentinel rows first, then the rows of stratum, so that
// stratum-specific values override shared ones.
func eachRow(t *tabular.Table, stratum string, fn func(rec tabular.Record, shared bool) error) error {
	for _, pass := range []bool{true, false} {
		for _, rec := range t.Records() {
			st := rec.String(ColStratum)
			shared := tabular.IsSentinel(st)
			if shared != pass || (!shared && st != stratum) {
				continue
			}
			if err := fn(rec, shared); err != nil {
				return err
			}
		}
	}

	return nil
}

// LoadAll loads every stratum listed in means for version. names returns the
// parameter list of a stratum, or nil to skip it. Failures are isolated per
// stratum: the successful strata stay available, the failed ones are logged,
// counted and returned together with the joined errors.
func (s *Store) LoadAll(version string, names func(stratum string) []string, means, cov *tabular.Table) ([]string, error) {
	if means == nil {
		return nil, &LoadError{Stratum: "*", Err: fmt.Errorf("no means table: %w", tabular.ErrMissingColumn)}
	}
	if err := means.Require(ColStratum); err != nil {
		return nil, &LoadError{File: means.Path, Stratum: "*", Err: err}
	}

	var (
		failed []string
		errs   []error
	)
	for _, stratum := range means.Strata(ColStratum) {
		list := names(stratum)
		if list == nil {
			s.logger.Debug("stratum skipped", zap.String("version", version), zap.String("stratum", stratum))

			continue
		}
		if _, err := s.Load(Key{Version: version, Stratum: stratum}, list, means, cov); err != nil {
			failed = append(failed, stratum)
			errs = append(errs, err)
			s.metrics.LoadFailed(version)
			s.logger.Warn("stratum unavailable", zap.String("version", version), zap.String("stratum", stratum), zap.Error(err))
		}
	}

	return failed, errors.Join(errs...)
}

// Put stores g under key, replacing any previous estimate.
func (s *Store) Put(key Key, g *estimate.Gaussian) {
	s.mu.Lock()
	s.estimates[key] = g
	s.mu.Unlock()
}

// Get returns the estimate of key.
// Errors: ErrUnknownStratum when key was never populated.
func (s *Store) Get(key Key) (*estimate.Gaussian, error) {
	s.mu.RLock()
	g, ok := s.estimates[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownStratum)
	}

	return g, nil
}

// Strata returns the loaded strata of version, sorted.
func (s *Store) Strata(version string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.estimates {
		if k.Version == version {
			out = append(out, k.Stratum)
		}
	}
	sort.Strings(out)

	return out
}
