package l1frames

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

// ErrEmptyImage is returned when an image with no pixels is converted.
var ErrEmptyImage = errors.New("l1frames: empty image")

// GrayMat copies gray into a new single-channel 8-bit OpenCV Mat with
// origin (0,0). The caller owns the Mat and must Close it.
func GrayMat(gray *image.Gray) (gocv.Mat, error) {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return gocv.Mat{}, ErrEmptyImage
	}
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		off := gray.PixOffset(b.Min.X, b.Min.Y+y)
		copy(pix[y*w:(y+1)*w], gray.Pix[off:off+w])
	}
	return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, pix)
}
