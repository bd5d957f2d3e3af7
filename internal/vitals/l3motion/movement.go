package l3motion

import (
	"image"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/monitoring"
)

// MaxMovementScore is the upper clamp of the normalised score.
const MaxMovementScore = 100.0

// MovementConfig holds configuration for the movement scorer.
type MovementConfig struct {
	Threshold  float64       // Raw foreground ratio below which the score decays
	Alpha      float64       // Smoothing factor for both attack and decay
	Scale      float64       // Multiplier from smoothed ratio to score
	History    int           // Maximum retained samples
	Window     time.Duration // Averaging window for the reported score
	Background BackgroundParams
}

// DefaultMovementConfig returns production-default movement parameters.
func DefaultMovementConfig() MovementConfig {
	return MovementConfigFromTuning(config.EmptyTuningConfig())
}

// MovementConfigFromTuning derives movement config from a TuningConfig.
func MovementConfigFromTuning(cfg *config.TuningConfig) MovementConfig {
	return MovementConfig{
		Threshold: cfg.GetMovementThreshold(),
		Alpha:     cfg.GetMovementAlpha(),
		Scale:     cfg.GetMovementScale(),
		History:   cfg.GetMovementHistory(),
		Window:    cfg.GetMovementWindow(),
		Background: BackgroundParams{
			History:      cfg.GetBgHistory(),
			VarThreshold: cfg.GetBgVarThreshold(),
		},
	}
}

// MovementSample is one normalised movement score.
type MovementSample struct {
	Timestamp time.Time
	Score     float64
}

// MovementScorer turns frame-to-frame foreground change into a smoothed
// 0-100 movement score.
//
// Update is called from the capture cycle only. Score and History may be
// called from any goroutine.
type MovementScorer struct {
	cfg MovementConfig
	bg  *BackgroundModel

	smoothed float64

	mu      sync.Mutex
	history []MovementSample
}

// NewMovementScorer creates a scorer with its own background model.
func NewMovementScorer(cfg MovementConfig) *MovementScorer {
	if cfg.History <= 0 {
		cfg.History = 30
	}
	return &MovementScorer{
		cfg:     cfg,
		bg:      NewBackgroundModel(cfg.Background),
		history: make([]MovementSample, 0, cfg.History),
	}
}

// Update feeds one frame captured at ts and returns its normalised score.
// A frame the background model cannot use counts as no movement.
func (s *MovementScorer) Update(gray *image.Gray, ts time.Time) float64 {
	ratio, err := s.bg.Apply(gray)
	if err != nil {
		monitoring.Opsf("movement: %v", err)
	}
	return s.Observe(ratio, ts)
}

// Observe folds a raw foreground ratio into the smoothed score and records
// it in the history.
func (s *MovementScorer) Observe(ratio float64, ts time.Time) float64 {
	if ratio > s.cfg.Threshold {
		s.smoothed = s.cfg.Alpha*ratio + (1-s.cfg.Alpha)*s.smoothed
	} else {
		s.smoothed = (1 - s.cfg.Alpha) * s.smoothed
	}
	score := max(0, min(MaxMovementScore, s.smoothed*s.cfg.Scale))

	s.mu.Lock()
	if len(s.history) == s.cfg.History {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, MovementSample{Timestamp: ts, Score: score})
	s.mu.Unlock()
	return score
}

// Score returns the mean score of history entries newer than now minus the
// averaging window, or 0 when there are none.
func (s *MovementScorer) Score(now time.Time) float64 {
	cutoff := now.Add(-s.cfg.Window)
	s.mu.Lock()
	defer s.mu.Unlock()
	var recent []float64
	for _, m := range s.history {
		if m.Timestamp.After(cutoff) {
			recent = append(recent, m.Score)
		}
	}
	if len(recent) == 0 {
		return 0
	}
	return stat.Mean(recent, nil)
}

// History returns a copy of the retained samples, oldest first.
func (s *MovementScorer) History() []MovementSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MovementSample(nil), s.history...)
}

// Close releases the background model and clears the history. A later
// Update starts a fresh model.
func (s *MovementScorer) Close() {
	s.bg.Close()
	s.smoothed = 0
	s.mu.Lock()
	s.history = s.history[:0]
	s.mu.Unlock()
}
