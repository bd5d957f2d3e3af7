// Package l2face owns Layer 2 (Face) of the vitals data model.
//
// Responsibilities: frontal face detection, sparse feature selection inside
// the face, pyramidal Lucas-Kanade optical flow, similarity-transform
// fitting, and the NoFace/Tracking state machine that decides per frame
// whether to re-detect or track.
// Key types: FaceBox, Detector, PigoDetector, Locator.
//
// Dependency rule: L2 may depend on L1, but never on L3+.
package l2face
