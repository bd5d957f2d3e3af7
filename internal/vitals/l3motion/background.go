package l3motion

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/banshee-data/pulse.report/internal/vitals/l1frames"
)

// DefaultWorkWidth is the width frames are downscaled to before modelling.
const DefaultWorkWidth = 160

// BackgroundParams configures the background model.
type BackgroundParams struct {
	History      int     // Frames over which the learning rate settles
	VarThreshold float64 // Squared Mahalanobis distance above which a pixel is foreground
	WorkWidth    int     // Frames wider than this are downscaled first (0 = DefaultWorkWidth)
}

// BackgroundModel is an OpenCV MOG2 Gaussian-mixture background subtractor
// with shadow detection off. It reports the fraction of pixels classified
// as foreground in each frame.
//
// The subtractor is allocated on the first Apply and released by Close;
// a closed model starts over on its next Apply. The first frame after
// (re)allocation, or after a resolution change, seeds the model and
// reports no foreground.
type BackgroundModel struct {
	params BackgroundParams

	mog  gocv.BackgroundSubtractorMOG2
	mask gocv.Mat
	open bool
	w, h int
}

// NewBackgroundModel creates an empty model.
func NewBackgroundModel(params BackgroundParams) *BackgroundModel {
	if params.History <= 0 {
		params.History = 500
	}
	if params.VarThreshold <= 0 {
		params.VarThreshold = 16
	}
	if params.WorkWidth <= 0 {
		params.WorkWidth = DefaultWorkWidth
	}
	return &BackgroundModel{params: params}
}

// Apply updates the model with gray and returns the foreground ratio.
func (m *BackgroundModel) Apply(gray *image.Gray) (float64, error) {
	src, err := l1frames.GrayMat(gray)
	if err != nil {
		return 0, fmt.Errorf("background model: %w", err)
	}
	defer src.Close()

	work := src
	if src.Cols() > m.params.WorkWidth {
		small := gocv.NewMat()
		defer small.Close()
		h := max(1, src.Rows()*m.params.WorkWidth/src.Cols())
		gocv.Resize(src, &small, image.Pt(m.params.WorkWidth, h), 0, 0, gocv.InterpolationArea)
		work = small
	}

	w, h := work.Cols(), work.Rows()
	seeding := !m.open || w != m.w || h != m.h
	if seeding {
		m.Close()
		m.mog = gocv.NewBackgroundSubtractorMOG2WithParams(m.params.History, m.params.VarThreshold, false)
		m.mask = gocv.NewMat()
		m.open = true
		m.w, m.h = w, h
	}

	m.mog.Apply(work, &m.mask)
	if seeding || m.mask.Empty() {
		return 0, nil
	}
	return float64(gocv.CountNonZero(m.mask)) / float64(m.mask.Rows()*m.mask.Cols()), nil
}

// Close releases the subtractor and its mask.
func (m *BackgroundModel) Close() {
	if !m.open {
		return
	}
	m.mog.Close()
	m.mask.Close()
	m.open = false
	m.w, m.h = 0, 0
}
