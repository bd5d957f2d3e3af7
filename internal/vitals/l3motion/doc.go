// Package l3motion owns the movement half of Layer 3 of the vitals data
// model.
//
// Responsibilities: an OpenCV MOG2 background subtractor over the
// grayscale frame, and the MovementScorer that smooths the foreground
// ratio into a 0-100 score with a short rolling history. Runs on every
// frame regardless of face state.
// Key types: BackgroundModel, MovementScorer, MovementSample.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4+.
package l3motion
