// Package l3signal owns Layer 3 (Signal) of the vitals data model.
//
// Responsibilities: sampling the mean colour of the forehead region of
// interest for each frame with a valid face, and holding those samples in a
// capped, time-ordered buffer from which immutable snapshots are cut for
// the rate estimator.
// Key types: SignalSample, SignalBuffer, Snapshot, ROISampler.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4+.
package l3signal
