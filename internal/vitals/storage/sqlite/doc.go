// Package sqlite persists published vitals estimates per capture session.
//
// The schema is managed by golang-migrate from migrations embedded in the
// binary. A Session implements the pipeline's ResultSink, so wiring
// persistence is a matter of adding it to pipeline.Config.Sinks.
package sqlite
