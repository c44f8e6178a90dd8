// Package canopy is a framework of statistical tree and stand predictors that
// carry their uncertainty: every prediction can be made at the parameter
// means, with first- or second-order (delta-method) variance, or by Monte
// Carlo simulation over parameter estimates, random effects and residuals.
//
// What is inside
//
//	matrix/       dense linear algebra: products, Cholesky, inverse, Isserlis covariance
//	estimate/     Gaussian estimates (mean + covariance), draws, Monte Carlo summaries
//	tabular/      CSV parameter and inventory files with sentinel strata
//	paramstore/   versioned, stratified parameter estimates validated at load
//	covariate/    stand and tree covariate contracts plus plain record types
//	design/       effect tables and design-vector builders
//	randeffects/  random-effect defaults and cached subject BLUPs
//	predictor/    modes, variability switches, draw cache, Taylor propagation
//	height/       height–diameter model with plot calibration
//	biomass/      Lambert et al. (2005) compartment biomass
//	taper/        stem taper profile and volume by quadrature
//	recruitment/  occurrence × negative-binomial recruitment
//	telemetry/    Prometheus counters
//	config/       YAML + CANOPY_* environment configuration
//	cmd/canopy    CLI over a tree inventory
//
// Quick example:
//
//	core, _ := predictor.New(predictor.Config{Mode: predictor.SecondOrder, Variability: predictor.AllSources()})
//	store := paramstore.New()
//	hd, _ := height.New(core, store, randeffects.New())
//	_, _ = hd.Load(means, cov)
//	p, _ := hd.Predict(stand, tree) // p.Mean, p.Variance
//
// Every submodule shares one predictor.Core, so a run has a single mode and
// seed. A Monte Carlo draw of a (model version, stratum, subject, realization)
// is made once and reused wherever that model needs it; a model that calls
// another (biomass or taper asking height for a missing height) sees the same
// height draw as a direct height prediction.
package canopy
