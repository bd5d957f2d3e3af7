package l3signal

import (
	"image"

	"github.com/banshee-data/pulse.report/internal/vitals/l2face"
)

// Region of interest as fractions of the face box: an upper-face band
// between the eyebrows and the hairline.
const (
	roiLeft   = 0.3
	roiTop    = 0.1
	roiRight  = 0.7
	roiBottom = 0.25
)

// ROISampler extracts the forehead band of a face and averages its colour.
type ROISampler struct{}

// Region returns the ROI of box clipped to bounds. The result is empty when
// the box lies outside the frame.
func (ROISampler) Region(box l2face.FaceBox, bounds image.Rectangle) image.Rectangle {
	return box.SubRect(roiLeft, roiTop, roiRight, roiBottom).Intersect(bounds)
}

// Sample averages each colour channel of img over the ROI of box. ok is
// false when the box is invalid or the ROI is empty after clipping.
func (r ROISampler) Sample(img *image.RGBA, box l2face.FaceBox) (s SignalSample, roi image.Rectangle, ok bool) {
	if !box.Valid {
		return SignalSample{}, image.Rectangle{}, false
	}
	roi = r.Region(box, img.Bounds())
	if roi.Empty() {
		return SignalSample{}, roi, false
	}
	rm, gm, bm := MeanRGB(img, roi)
	return SignalSample{R: rm, G: gm, B: bm}, roi, true
}

// MeanRGB returns the per-channel mean of img over rect, which must lie
// within img's bounds.
func MeanRGB(img *image.RGBA, rect image.Rectangle) (r, g, b float64) {
	var sr, sg, sb uint64
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := img.Pix[img.PixOffset(rect.Min.X, y):img.PixOffset(rect.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			sr += uint64(row[i])
			sg += uint64(row[i+1])
			sb += uint64(row[i+2])
		}
	}
	n := float64(rect.Dx() * rect.Dy())
	if n == 0 {
		return 0, 0, 0
	}
	return float64(sr) / n, float64(sg) / n, float64(sb) / n
}
