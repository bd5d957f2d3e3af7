package l4rates

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/vitals/l3signal"
)

// Physiological bands, per minute.
const (
	LowBPM   = 42.0
	HighBPM  = 240.0
	LowBRPM  = 5.0
	HighBRPM = 25.0

	// Breathing band-pass corner frequencies (Hz).
	BreathingLowHz  = 0.1
	BreathingHighHz = 0.4
)

// Signal channels.
const (
	ChannelRed   = 0
	ChannelGreen = 1
	ChannelBlue  = 2
)

// ErrInsufficientSamples is returned when a snapshot holds fewer samples
// than one second of capture. Callers skip the cycle.
var ErrInsufficientSamples = errors.New("l4rates: insufficient samples")

// EstimatorConfig holds configuration for the rate estimator.
type EstimatorConfig struct {
	DefaultFPS      float64 // Used when the snapshot cannot yield a frame rate
	HRWindowSeconds int
	BRWindowSeconds int
	SmoothingPasses int
}

// DefaultEstimatorConfig returns production-default estimator parameters.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfigFromTuning(config.EmptyTuningConfig())
}

// EstimatorConfigFromTuning derives estimator config from a TuningConfig.
func EstimatorConfigFromTuning(cfg *config.TuningConfig) EstimatorConfig {
	return EstimatorConfig{
		DefaultFPS:      float64(cfg.GetDefaultFPS()),
		HRWindowSeconds: cfg.GetHRWindowSeconds(),
		BRWindowSeconds: cfg.GetBRWindowSeconds(),
		SmoothingPasses: 3,
	}
}

// Estimate is one rate-estimation result.
type Estimate struct {
	BPM  int
	BRPM int
	FPS  float64
	// Timestamp is the capture time of the newest sample used.
	Timestamp time.Time
	// HRSpectrum and BRSpectrum are the magnitude spectra the peaks were
	// picked from, kept for debug plots. HRSamples and BRSamples are the
	// window lengths they were computed over.
	HRSpectrum []float64
	BRSpectrum []float64
	HRSamples  int
	BRSamples  int
}

// SpectrumRates maps the bins of a spectrum computed over n samples at fps
// to rates per minute.
func SpectrumRates(spec []float64, n int, fps float64) []float64 {
	rates := make([]float64, len(spec))
	if n <= 0 {
		return rates
	}
	for k := range rates {
		rates[k] = float64(k) * fps / float64(n) * SecondsPerMinute
	}
	return rates
}

// Estimator runs the rate pipeline over signal snapshots. It holds no
// mutable state and is safe for concurrent use.
type Estimator struct {
	cfg EstimatorConfig
}

// NewEstimator creates an estimator.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = 30
	}
	if cfg.SmoothingPasses <= 0 {
		cfg.SmoothingPasses = 3
	}
	return &Estimator{cfg: cfg}
}

// EstimateFPS returns the capture rate implied by the sample timestamps:
// (n-1) / (last-first). Fewer than two samples, or a span that is not
// positive, yields def.
func EstimateFPS(samples []l3signal.SignalSample, def float64) float64 {
	if len(samples) < 2 {
		return def
	}
	span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds()
	fps := float64(len(samples)-1) / span
	if span <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return def
	}
	return fps
}

// Window returns the newest fps*seconds samples (all of them when fewer
// are available).
func Window(samples []l3signal.SignalSample, fps float64, seconds int) []l3signal.SignalSample {
	n := int(fps * float64(seconds))
	if n <= 0 || n >= len(samples) {
		return samples
	}
	return samples[len(samples)-n:]
}

// Ready reports whether a snapshot holds enough samples to estimate from.
func (e *Estimator) Ready(snap l3signal.Snapshot) bool {
	return float64(snap.Len()) >= EstimateFPS(snap.Samples, e.cfg.DefaultFPS)
}

// Estimate computes heart and breathing rate from snap.
func (e *Estimator) Estimate(snap l3signal.Snapshot) (Estimate, error) {
	fps := EstimateFPS(snap.Samples, e.cfg.DefaultFPS)
	if float64(snap.Len()) < fps {
		return Estimate{}, fmt.Errorf("%w: %d samples at %.2f fps", ErrInsufficientSamples, snap.Len(), fps)
	}

	hr, err := e.prepare(Window(snap.Samples, fps, e.cfg.HRWindowSeconds), fps, ChannelGreen)
	if err != nil {
		return Estimate{}, fmt.Errorf("heart rate: %w", err)
	}
	hrSpec := MagnitudeSpectrum(hr)
	bpm, err := PeakRate(hrSpec, len(hr), fps, LowBPM, HighBPM)
	if err != nil {
		return Estimate{}, fmt.Errorf("heart rate: %w", err)
	}

	br, err := e.prepare(Window(snap.Samples, fps, e.cfg.BRWindowSeconds), fps, ChannelRed)
	if err != nil {
		return Estimate{}, fmt.Errorf("breathing rate: %w", err)
	}
	br = Bandpass(br, BreathingLowHz, BreathingHighHz, fps)
	brSpec := MagnitudeSpectrum(br)
	brpm, err := PeakRate(brSpec, len(br), fps, LowBRPM, HighBRPM)
	if err != nil {
		return Estimate{}, fmt.Errorf("breathing rate: %w", err)
	}

	return Estimate{
		BPM:        int(math.Round(bpm)),
		BRPM:       int(math.Round(brpm)),
		FPS:        fps,
		Timestamp:  snap.Samples[snap.Len()-1].Timestamp,
		HRSpectrum: hrSpec,
		BRSpectrum: brSpec,
		HRSamples:  len(hr),
		BRSamples:  len(br),
	}, nil
}

// prepare runs denoise, standardise, detrend and smoothing over one
// channel of the window.
//
// Detrend uses λ = fps. Its high-pass gain rises roughly as f⁴ through the
// breathing band (about 2·10⁻⁴ at 0.1 Hz, 0.04 at 0.4 Hz at 30 fps), so
// breathing estimates lean toward the top of [LowBRPM, HighBRPM] and slow
// breathing is often reported in the low twenties.
func (e *Estimator) prepare(window []l3signal.SignalSample, fps float64, channel int) ([]float64, error) {
	x := make([]float64, len(window))
	rescan := make([]bool, len(window))
	for i, s := range window {
		x[i] = s.Channel(channel)
		rescan[i] = s.Rescan
	}
	Denoise(x, rescan)
	Standardize(x)
	d, err := Detrend(x, fps)
	if err != nil {
		return nil, err
	}
	return MovingAverage(d, e.cfg.SmoothingPasses, SmoothingKernel(fps)), nil
}
