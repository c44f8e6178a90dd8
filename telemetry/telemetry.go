// SPDX-License-Identifier: MIT
// Package telemetry holds the Prometheus counters of a canopy run.
//
// Every method is nil-safe: components built without metrics carry a nil
// *Metrics and pay nothing.

package telemetry

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "canopy"

// Metrics groups the counters exported by canopy components.
type Metrics struct {
	predictions  *prometheus.CounterVec
	drawCache    *prometheus.CounterVec
	blups        prometheus.Counter
	loadFailures *prometheus.CounterVec
	clamped      *prometheus.CounterVec
}

// New creates the counters and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions served, by submodule and mode.",
		}, []string{"module", "mode"}),
		drawCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draw_cache_requests_total",
			Help:      "Monte Carlo draw cache lookups, by kind and result.",
		}, []string{"kind", "result"}),
		blups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blup_computations_total",
			Help:      "Subject-specific BLUPs computed.",
		}),
		loadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parameter_load_failures_total",
			Help:      "Strata that failed to load, by model version.",
		}, []string{"version"}),
		clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clamped_values_total",
			Help:      "Simulated values truncated to their valid range, by submodule.",
		}, []string{"module"}),
	}
	for _, c := range []prometheus.Collector{m.predictions, m.drawCache, m.blups, m.loadFailures, m.clamped} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("telemetry: register: %w", err)
		}
	}

	return m, nil
}

// Prediction counts one prediction of module in mode.
func (m *Metrics) Prediction(module, mode string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(module, mode).Inc()
}

// DrawCache records a draw-cache lookup of the given kind.
func (m *Metrics) DrawCache(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.drawCache.WithLabelValues(kind, result).Inc()
}

// BLUPComputed counts one BLUP computation.
func (m *Metrics) BLUPComputed() {
	if m == nil {
		return
	}
	m.blups.Inc()
}

// LoadFailed counts one stratum that failed to load.
func (m *Metrics) LoadFailed(version string) {
	if m == nil {
		return
	}
	m.loadFailures.WithLabelValues(version).Inc()
}

// Clamped counts n values truncated by module.
func (m *Metrics) Clamped(module string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.clamped.WithLabelValues(module).Add(float64(n))
}

// WriteText writes every metric family of g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("telemetry: gather: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("telemetry: write: %w", err)
		}
	}

	return nil
}
