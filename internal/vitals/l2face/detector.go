package l2face

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sort"

	pigo "github.com/esimov/pigo/core"

	"github.com/banshee-data/pulse.report/internal/config"
)

// ErrNoFace is reported when a detection pass finds no candidate. A
// Detector may return it instead of an empty slice.
var ErrNoFace = errors.New("l2face: no face detected")

// Detection is one face candidate returned by a Detector.
type Detection struct {
	Box   image.Rectangle
	Score float64
}

// Detector finds frontal faces in a grayscale frame. Candidates are
// returned best first; the locator takes the first one.
type Detector interface {
	Detect(gray *image.Gray) ([]Detection, error)
}

// DetectorFunc adapts a plain function to the Detector interface.
type DetectorFunc func(gray *image.Gray) ([]Detection, error)

// Detect calls f(gray).
func (f DetectorFunc) Detect(gray *image.Gray) ([]Detection, error) { return f(gray) }

// DetectorParams tunes the cascade scan.
type DetectorParams struct {
	MinSize      int     // smallest face side scanned (pixels)
	MaxSize      int     // largest face side scanned (pixels)
	ShiftFactor  float64 // window step as a fraction of its size
	ScaleFactor  float64 // scale multiplier between passes
	MinQuality   float64 // detections scoring below this are dropped
	IoUThreshold float64 // overlap above which detections are merged
}

// DetectorParamsFromTuning derives cascade scan parameters from a TuningConfig.
func DetectorParamsFromTuning(cfg *config.TuningConfig) DetectorParams {
	return DetectorParams{
		MinSize:     cfg.GetDetectorMinSize(),
		MaxSize:     cfg.GetDetectorMaxSize(),
		ShiftFactor: cfg.GetDetectorShiftFactor(),
		ScaleFactor: cfg.GetDetectorScaleFactor(),
		MinQuality:  cfg.GetDetectorMinQuality(),
	}
}

// PigoDetector is a pure-Go pixel-intensity-comparison cascade detector.
type PigoDetector struct {
	classifier *pigo.Pigo
	params     DetectorParams
}

// LoadPigoDetector reads and unpacks the cascade file at path. A missing or
// corrupt cascade is fatal to pipeline startup.
func LoadPigoDetector(path string, params DetectorParams) (*PigoDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read face cascade: %w", err)
	}
	return NewPigoDetector(data, params)
}

// NewPigoDetector unpacks an in-memory cascade.
func NewPigoDetector(cascade []byte, params DetectorParams) (*PigoDetector, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack face cascade: %w", err)
	}
	if params.IoUThreshold <= 0 {
		params.IoUThreshold = 0.2
	}
	return &PigoDetector{classifier: classifier, params: params}, nil
}

// Detect runs the cascade over gray and returns clustered detections
// ordered by descending score.
func (d *PigoDetector) Detect(gray *image.Gray) ([]Detection, error) {
	b := gray.Bounds()
	if b.Empty() {
		return nil, nil
	}
	cParams := pigo.CascadeParams{
		MinSize:     d.params.MinSize,
		MaxSize:     d.params.MaxSize,
		ShiftFactor: d.params.ShiftFactor,
		ScaleFactor: d.params.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: gray.Pix,
			Rows:   b.Dy(),
			Cols:   b.Dx(),
			Dim:    gray.Stride,
		},
	}

	dets := d.classifier.RunCascade(cParams, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.params.IoUThreshold)

	out := make([]Detection, 0, len(dets))
	for _, det := range dets {
		if float64(det.Q) < d.params.MinQuality {
			continue
		}
		half := det.Scale / 2
		out = append(out, Detection{
			Box:   image.Rect(det.Col-half, det.Row-half, det.Col-half+det.Scale, det.Row-half+det.Scale),
			Score: float64(det.Q),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
