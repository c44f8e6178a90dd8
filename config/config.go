// SPDX-License-Identifier: MIT
// Package config loads the run settings of the canopy CLI.
//
// A YAML file (gopkg.in/yaml.v3) is decoded over Default(), then environment
// variables prefixed with CANOPY_ override individual fields, then the result
// is validated. Relative model paths are resolved against the directory of
// the YAML file.
//
//	mode: second
//	seed: 42
//	variability: {parameters: true, random_effects: true, residual: false}
//	models:
//	  biomass: {means: biomass_means.csv, cov: biomass_cov.csv}
//
// Environment names follow the YAML tree: CANOPY_MODE, CANOPY_SEED,
// CANOPY_VARIABILITY_RESIDUAL, CANOPY_MODELS_TAPER_MEANS, ...

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/katalvlaran/canopy/predictor"
	"github.com/katalvlaran/canopy/taper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CANOPY_"

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Variability mirrors predictor.Variability with file and env tags.
type Variability struct {
	Parameters    bool `yaml:"parameters"     env:"PARAMETERS"`
	RandomEffects bool `yaml:"random_effects" env:"RANDOM_EFFECTS"`
	Residual      bool `yaml:"residual"       env:"RESIDUAL"`
}

// Model points at the parameter files of one submodule. An empty Means
// disables the submodule.
type Model struct {
	Means   string `yaml:"means"   env:"MEANS"`
	Cov     string `yaml:"cov"     env:"COV"`
	Version string `yaml:"version" env:"VERSION"`
	// Effects overrides the default effect list; recruitment takes
	// "occurrence | number".
	Effects string `yaml:"effects" env:"EFFECTS"`
}

// Enabled reports whether the submodule has a means file.
func (m Model) Enabled() bool { return m.Means != "" }

// Models groups the submodule files.
type Models struct {
	Height      Model `yaml:"height"      envPrefix:"HEIGHT_"`
	Biomass     Model `yaml:"biomass"     envPrefix:"BIOMASS_"`
	Taper       Model `yaml:"taper"       envPrefix:"TAPER_"`
	Recruitment Model `yaml:"recruitment" envPrefix:"RECRUITMENT_"`
}

// Volume holds the taper integration settings.
type Volume struct {
	Method      string  `yaml:"method"      env:"METHOD"`
	Segments    int     `yaml:"segments"    env:"SEGMENTS"`
	Bottom      float64 `yaml:"bottom"      env:"BOTTOM"`
	Correlation string  `yaml:"correlation" env:"CORRELATION"`
}

// Config is the full run configuration.
type Config struct {
	Mode         string      `yaml:"mode"         env:"MODE"`
	Seed         uint64      `yaml:"seed"         env:"SEED"`
	Realizations int         `yaml:"realizations" env:"REALIZATIONS"`
	Workers      int         `yaml:"workers"      env:"WORKERS"`
	Modulation   float64     `yaml:"modulation"   env:"MODULATION"`
	Variability  Variability `yaml:"variability"  envPrefix:"VARIABILITY_"`
	Volume       Volume      `yaml:"volume"       envPrefix:"VOLUME_"`
	Models       Models      `yaml:"models"       envPrefix:"MODELS_"`
}

// Default returns the settings used for every field a file leaves out.
func Default() Config {
	return Config{
		Mode:         predictor.FirstOrder.String(),
		Seed:         1,
		Realizations: 1,
		Workers:      4,
		Variability:  Variability{Parameters: true, RandomEffects: true, Residual: true},
		Volume: Volume{
			Method:      taper.GaussLegendre.String(),
			Segments:    taper.DefaultSegments,
			Bottom:      taper.DefaultBottom,
			Correlation: predictor.Power.String(),
		},
	}
}

// Load reads path (skipped when empty), applies the environment and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err = yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
		cfg.Models.resolve(filepath.Dir(path))
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (ms *Models) resolve(dir string) {
	for _, m := range []*Model{&ms.Height, &ms.Biomass, &ms.Taper, &ms.Recruitment} {
		m.Means = join(dir, m.Means)
		m.Cov = join(dir, m.Cov)
	}
}

func join(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(dir, p)
}

// Validate checks every enumerated and numeric field.
func (c Config) Validate() error {
	if _, err := predictor.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := taper.ParseMethod(c.Volume.Method); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := predictor.ParseCorrelation(c.Volume.Correlation); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch {
	case c.Realizations < 1:
		return fmt.Errorf("%w: realizations %d < 1", ErrInvalidConfig, c.Realizations)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers %d < 1", ErrInvalidConfig, c.Workers)
	case c.Volume.Segments < 0 || c.Volume.Bottom < 0:
		return fmt.Errorf("%w: volume segments %d, bottom %g", ErrInvalidConfig, c.Volume.Segments, c.Volume.Bottom)
	case !(c.Modulation >= -1 && c.Modulation <= 1):
		return fmt.Errorf("%w: modulation %g outside [-1, 1]", ErrInvalidConfig, c.Modulation)
	}
	for name, m := range map[string]Model{"height": c.Models.Height, "biomass": c.Models.Biomass, "taper": c.Models.Taper, "recruitment": c.Models.Recruitment} {
		if m.Enabled() && m.Cov == "" {
			return fmt.Errorf("%w: %s: means without cov", ErrInvalidConfig, name)
		}
	}

	return nil
}

// PredictorConfig converts the run settings for predictor.New.
func (c Config) PredictorConfig() (predictor.Config, error) {
	mode, err := predictor.ParseMode(c.Mode)
	if err != nil {
		return predictor.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return predictor.Config{
		Mode: mode,
		Variability: predictor.Variability{
			Parameters:    c.Variability.Parameters,
			RandomEffects: c.Variability.RandomEffects,
			Residual:      c.Variability.Residual,
		},
		Seed: c.Seed,
	}, nil
}

// TaperOptions converts the volume settings.
func (c Config) TaperOptions() (taper.Options, predictor.Correlation, error) {
	method, err := taper.ParseMethod(c.Volume.Method)
	if err != nil {
		return taper.Options{}, 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	corr, err := predictor.ParseCorrelation(c.Volume.Correlation)
	if err != nil {
		return taper.Options{}, 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return taper.Options{Method: method, Bottom: c.Volume.Bottom, Segments: c.Volume.Segments}, corr, nil
}
