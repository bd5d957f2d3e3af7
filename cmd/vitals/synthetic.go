package main

import (
	"image"
	"math"
	"time"

	"github.com/banshee-data/pulse.report/internal/vitals/l1frames"
	"github.com/banshee-data/pulse.report/internal/vitals/l2face"
)

// syntheticFace returns the fixed face box of a synthetic w×h stream.
func syntheticFace(w, h int) image.Rectangle {
	side := min(w, h) / 2
	x0, y0 := (w-side)/2, (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

func syntheticDetector(w, h int) l2face.Detector {
	box := syntheticFace(w, h)
	return l2face.DetectorFunc(func(*image.Gray) ([]l2face.Detection, error) {
		return []l2face.Detection{{Box: box, Score: 10}}, nil
	})
}

// newSyntheticSource renders a textured still whose green channel carries a
// pulse at bpm. Red moves against green so the luminance, and with it the
// tracker input, stays constant.
func newSyntheticSource(w, h, fps int, bpm float64) *l1frames.SyntheticSource {
	if fps <= 0 {
		fps = 30
	}
	base := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base[y*w+x] = int(math.Round(128 + 60*math.Sin(float64(x)/3.1)*math.Cos(float64(y)/4.3)))
		}
	}
	return &l1frames.SyntheticSource{
		Interval: time.Second / time.Duration(fps),
		Generate: func(seq uint64, _ time.Time) *image.RGBA {
			t := float64(seq-1) / float64(fps)
			d := int(math.Round(3 * math.Sin(2*math.Pi*bpm/60*t)))
			img := image.NewRGBA(image.Rect(0, 0, w, h))
			for i, p := range base {
				o := i * 4
				img.Pix[o] = clampByte(p - 2*d)
				img.Pix[o+1] = clampByte(p + d)
				img.Pix[o+2] = clampByte(p)
				img.Pix[o+3] = 0xff
			}
			return img
		},
	}
}

func clampByte(v int) uint8 {
	return uint8(max(0, min(255, v)))
}
