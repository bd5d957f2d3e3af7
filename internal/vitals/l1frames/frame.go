package l1frames

import (
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/disintegration/gift"
)

// Frame is a single captured video frame.
//
// A Frame is immutable once handed to the capture cycle: sources allocate a
// fresh image for every frame and nothing downstream writes into Image.
type Frame struct {
	// Seq is assigned by the source, monotonically increasing from 1.
	Seq uint64

	// Timestamp is the capture time (source time, not processing time).
	Timestamp time.Time

	// Image holds the RGB(A) pixels.
	Image *image.RGBA

	grayOnce sync.Once
	gray     *image.Gray
}

// NewFrame wraps img as a frame captured at ts.
func NewFrame(seq uint64, ts time.Time, img *image.RGBA) *Frame {
	return &Frame{Seq: seq, Timestamp: ts, Image: img}
}

// Bounds returns the pixel bounds of the frame.
func (f *Frame) Bounds() image.Rectangle {
	return f.Image.Bounds()
}

// Gray returns the luminance plane of the frame, computed once and cached.
func (f *Frame) Gray() *image.Gray {
	f.grayOnce.Do(func() {
		f.gray = ToGray(f.Image)
	})
	return f.gray
}

var grayFilter = gift.New(gift.Grayscale())

// ToGray converts any image to an 8-bit luminance image with origin (0,0).
func ToGray(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	grayFilter.Draw(dst, src)
	return dst
}

// ToRGBA copies any image into a new RGBA image with origin (0,0).
func ToRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
