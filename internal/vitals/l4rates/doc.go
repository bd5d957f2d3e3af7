// Package l4rates owns Layer 4 (Rates) of the vitals data model.
//
// Responsibilities: turning an immutable signal snapshot into heart-rate
// and breathing-rate estimates. The numeric stages are plain functions
// over float64 slices so each can be tested alone: fps estimate,
// windowing, rescan denoise, standardisation, smoothness-prior detrend,
// moving average, band-pass biquad, magnitude spectrum and band-limited
// peak search.
// Key types: Estimator, Estimate.
//
// Dependency rule: L4 may depend on L1-L3, but never on L5+.
package l4rates
