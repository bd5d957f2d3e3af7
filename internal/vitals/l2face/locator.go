package l2face

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/vitals/l1frames"
)

// LocatorState is the face-tracking state.
type LocatorState string

const (
	StateNoFace   LocatorState = "no_face"  // Scanning every frame for a face
	StateTracking LocatorState = "tracking" // Face box valid, tracked between rescans
)

// LocatorConfig holds configuration for the face locator.
type LocatorConfig struct {
	RescanInterval time.Duration // Mandatory re-detection period while tracking
	MinCorners     int           // Fewer matched features than this loses the face
	Features       FeatureParams
	Flow           FlowParams
}

// DefaultLocatorConfig returns production-default locator parameters.
func DefaultLocatorConfig() LocatorConfig {
	return LocatorConfigFromTuning(config.EmptyTuningConfig())
}

// LocatorConfigFromTuning derives locator config from a TuningConfig.
func LocatorConfigFromTuning(cfg *config.TuningConfig) LocatorConfig {
	return LocatorConfig{
		RescanInterval: cfg.GetRescanInterval(),
		MinCorners:     cfg.GetMinCorners(),
		Features: FeatureParams{
			MaxCorners:  cfg.GetMaxCorners(),
			Quality:     cfg.GetFeatureQuality(),
			MinDistance: cfg.GetFeatureMinDistance(),
		},
		Flow: FlowParams{
			Window:             cfg.GetFlowWindow(),
			Levels:             cfg.GetFlowPyramidLevels(),
			MaxIterations:      cfg.GetFlowMaxIterations(),
			Epsilon:            cfg.GetFlowEpsilon(),
			BacktrackThreshold: cfg.GetFlowBacktrackThreshold(),
		},
	}
}

// Update is the per-frame outcome of the locator.
type Update struct {
	Box    FaceBox
	Rescan bool // Box came from a detection pass rather than tracking
	Lost   bool // The face was valid before this frame and is not now
}

// LocatorStats counts locator activity since construction.
type LocatorStats struct {
	Frames         uint64
	Detections     uint64 // Detection passes that found a face
	Rescans        uint64 // Detection passes while already tracking
	TrackedFrames  uint64
	TrackingLosses uint64
}

// Locator is the FaceLocator & Tracker state machine. It is owned by the
// capture cycle; Update must not be called concurrently.
//
// While tracking, the locator holds the previous frame as an OpenCV Mat.
// Invalidate (or Close) releases it.
type Locator struct {
	cfg      LocatorConfig
	detector Detector

	state    LocatorState
	box      FaceBox
	lastScan time.Time
	prev     gocv.Mat
	hasPrev  bool
	corners  []Point

	statsMu sync.Mutex
	stats   LocatorStats
}

// NewLocator creates a locator in the NoFace state.
func NewLocator(cfg LocatorConfig, detector Detector) *Locator {
	return &Locator{cfg: cfg, detector: detector, state: StateNoFace}
}

// State returns the current tracking state.
func (l *Locator) State() LocatorState { return l.state }

// Box returns a copy of the current face box.
func (l *Locator) Box() FaceBox { return l.box }

// Stats returns a snapshot of the activity counters.
func (l *Locator) Stats() LocatorStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// Invalidate drops the face box and any cached tracking state.
func (l *Locator) Invalidate() {
	l.state = StateNoFace
	l.box = FaceBox{}
	l.corners = nil
	l.setPrev(gocv.Mat{}, false)
}

// Close releases the cached frame. The locator may be used again afterwards
// and starts from NoFace.
func (l *Locator) Close() { l.Invalidate() }

func (l *Locator) setPrev(m gocv.Mat, ok bool) {
	if l.hasPrev {
		l.prev.Close()
	}
	l.prev, l.hasPrev = m, ok
}

// Update advances the state machine with a new grayscale frame captured at
// now. Detection runs when no face is held or the rescan interval has
// elapsed; otherwise the box is tracked from the previous frame.
func (l *Locator) Update(gray *image.Gray, now time.Time) Update {
	wasValid := l.box.Valid
	l.count(func(s *LocatorStats) { s.Frames++ })

	cur, err := l1frames.GrayMat(gray)
	var upd Update
	switch {
	case err != nil:
		monitoring.Opsf("face locator: convert frame: %v", err)
		l.Invalidate()
	case l.state == StateNoFace || !l.hasPrev || now.Sub(l.lastScan) >= l.cfg.RescanInterval:
		upd = l.detect(gray, now, wasValid)
	default:
		upd = l.track(cur)
	}

	if err == nil {
		if upd.Box.Valid {
			l.setPrev(cur, true)
		} else {
			cur.Close()
		}
	}
	upd.Lost = wasValid && !upd.Box.Valid
	if upd.Lost {
		l.count(func(s *LocatorStats) { s.TrackingLosses++ })
	}
	return upd
}

// scan runs the detector and returns its best candidate. It returns
// ErrNoFace when the detector reports nothing.
func (l *Locator) scan(gray *image.Gray) (Detection, error) {
	dets, err := l.detector.Detect(gray)
	if err != nil {
		return Detection{}, fmt.Errorf("face detection: %w", err)
	}
	if len(dets) == 0 {
		return Detection{}, ErrNoFace
	}
	return dets[0], nil
}

func (l *Locator) detect(gray *image.Gray, now time.Time, wasValid bool) Update {
	det, err := l.scan(gray)
	if err != nil {
		if !errors.Is(err, ErrNoFace) {
			monitoring.Opsf("%v", err)
		}
		if wasValid {
			monitoring.Diagf("face lost on rescan: %v", err)
		}
		l.Invalidate()
		return Update{}
	}

	r := det.Box
	l.box = FaceBox{
		X:      float64(r.Min.X),
		Y:      float64(r.Min.Y),
		Width:  float64(r.Dx()),
		Height: float64(r.Dy()),
		Valid:  true,
	}
	l.lastScan = now
	l.corners = nil
	if l.state == StateNoFace {
		monitoring.Diagf("face acquired at %v score=%.1f", r, det.Score)
	}
	l.state = StateTracking
	l.count(func(s *LocatorStats) {
		s.Detections++
		if wasValid {
			s.Rescans++
		}
	})
	return Update{Box: l.box, Rescan: true}
}

func (l *Locator) track(cur gocv.Mat) Update {
	region := l.box.TrackingRegion()
	l.corners = GoodFeatures(l.prev, region[:], l.cfg.Features)
	if len(l.corners) < l.cfg.MinCorners {
		monitoring.Diagf("face lost: %d features in region", len(l.corners))
		l.Invalidate()
		return Update{}
	}

	src, dst := MatchFeatures(l.prev, cur, l.corners, l.cfg.Flow)
	if len(src) < l.cfg.MinCorners {
		monitoring.Diagf("face lost: %d of %d features matched", len(src), len(l.corners))
		l.Invalidate()
		return Update{}
	}

	s, tx, ty, err := FitSimilarity(src, dst)
	if err != nil {
		monitoring.Diagf("face lost: %v", err)
		l.Invalidate()
		return Update{}
	}
	l.box = l.box.Transform(s, tx, ty)
	monitoring.Tracef("tracked s=%.4f tx=%.2f ty=%.2f matched=%d", s, tx, ty, len(src))
	l.count(func(st *LocatorStats) { st.TrackedFrames++ })
	return Update{Box: l.box}
}

func (l *Locator) count(fn func(*LocatorStats)) {
	l.statsMu.Lock()
	fn(&l.stats)
	l.statsMu.Unlock()
}
