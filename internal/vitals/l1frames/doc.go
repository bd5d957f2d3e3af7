// Package l1frames owns Layer 1 (Frames) of the vitals data model.
//
// Responsibilities: frame acquisition from a video source, conversion to
// the RGBA/grayscale planes and OpenCV Mats later layers work on, and
// latest-frame-wins hand-off so a slow capture cycle skips frames instead
// of queueing them.
// Key types: Frame, Source, GstSource, ReplaySource.
//
// Dependency rule: L1 depends on no other vitals layer.
package l1frames
