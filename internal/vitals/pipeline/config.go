package pipeline

import (
	"context"
	"time"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/timeutil"
	"github.com/banshee-data/pulse.report/internal/vitals/l1frames"
	"github.com/banshee-data/pulse.report/internal/vitals/l2face"
	"github.com/banshee-data/pulse.report/internal/vitals/l3motion"
	"github.com/banshee-data/pulse.report/internal/vitals/l3signal"
	"github.com/banshee-data/pulse.report/internal/vitals/l4rates"
)

// RateEstimator turns a signal snapshot into rates. *l4rates.Estimator is
// the production implementation.
type RateEstimator interface {
	Ready(snap l3signal.Snapshot) bool
	Estimate(snap l3signal.Snapshot) (l4rates.Estimate, error)
}

// ResultSink receives every published result. It is an adapter, not a
// domain layer, so implementations live outside the vitals layer packages
// (e.g. internal/vitals/storage/sqlite, internal/vitals/publish).
type ResultSink interface {
	PublishResult(ctx context.Context, r Result) error
}

// Config holds the tunables and dependencies of a Pipeline.
type Config struct {
	Source   l1frames.Source // Required
	Detector l2face.Detector // Required
	Clock    timeutil.Clock  // Optional: defaults to RealClock

	// OnResult, when non-nil, is called for every published result on the
	// estimation worker goroutine.
	OnResult func(Result)
	// Sinks receive every published result after OnResult.
	Sinks []ResultSink
	// Estimator overrides the default l4rates estimator (tests).
	Estimator RateEstimator

	TargetFPS       int
	HRWindowSeconds int
	RPPGInterval    time.Duration

	Locator    l2face.LocatorConfig
	Movement   l3motion.MovementConfig
	Estimation l4rates.EstimatorConfig
}

// ConfigFromTuning derives the pipeline tunables from a TuningConfig.
// Dependencies (source, detector, sinks) are left for the caller.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		TargetFPS:       cfg.GetTargetFPS(),
		HRWindowSeconds: cfg.GetHRWindowSeconds(),
		RPPGInterval:    cfg.GetRPPGInterval(),
		Locator:         l2face.LocatorConfigFromTuning(cfg),
		Movement:        l3motion.MovementConfigFromTuning(cfg),
		Estimation:      l4rates.EstimatorConfigFromTuning(cfg),
	}
}

// CapturePeriod returns the capture-cycle period.
func (c Config) CapturePeriod() time.Duration {
	if c.TargetFPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.TargetFPS)
}
