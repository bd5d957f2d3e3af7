// Package pipeline provides the real-time vitals pipeline that orchestrates
// the capture cycle (L1 Frames through L3 Signal/Motion) and the
// rate-estimation worker (L4 Rates), and hands results to sinks.
//
// This package is the composition root for the vitals layers: it imports
// from l1frames, l2face, l3signal, l3motion and l4rates, but none of those
// packages import pipeline/. Storage and publish adapters implement
// ResultSink and are wired in by the binary.
package pipeline
