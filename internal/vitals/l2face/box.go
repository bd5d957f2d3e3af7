package l2face

import (
	"image"
	"math"
)

// Point is a sub-pixel image position.
type Point struct {
	X, Y float64
}

// FaceBox is the tracked face region. Dimensions are meaningless when
// Valid is false.
type FaceBox struct {
	X, Y          float64
	Width, Height float64
	Valid         bool
}

// Rect rounds the box to integer pixel bounds.
func (b FaceBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(b.X)), int(math.Round(b.Y)),
		int(math.Round(b.X+b.Width)), int(math.Round(b.Y+b.Height)),
	)
}

// At maps fractional box coordinates (0..1 across, 0..1 down) to an image point.
func (b FaceBox) At(fx, fy float64) Point {
	return Point{X: b.X + fx*b.Width, Y: b.Y + fy*b.Height}
}

// SubRect returns the inclusive pixel rectangle spanning the fractional
// corners (fx0,fy0)-(fx1,fy1), with corners rounded to the nearest pixel.
// The returned rectangle is half-open, so it contains the far corner pixel.
func (b FaceBox) SubRect(fx0, fy0, fx1, fy1 float64) image.Rectangle {
	p0 := b.At(fx0, fy0)
	p1 := b.At(fx1, fy1)
	return image.Rect(
		int(math.Round(p0.X)), int(math.Round(p0.Y)),
		int(math.Round(p1.X))+1, int(math.Round(p1.Y))+1,
	)
}

// Transform applies a similarity transform (uniform scale s, translation
// tx,ty) to the box corners.
func (b FaceBox) Transform(s, tx, ty float64) FaceBox {
	return FaceBox{
		X:      b.X*s + tx,
		Y:      b.Y*s + ty,
		Width:  b.Width * s,
		Height: b.Height * s,
		Valid:  b.Valid,
	}
}

// trackingQuad is the inner quadrilateral of the face, in box fractions,
// from which trackable features are chosen. It excludes hair and the jaw
// line, which move independently of the face.
var trackingQuad = [4][2]float64{
	{0.22, 0.21},
	{0.78, 0.21},
	{0.70, 0.65},
	{0.30, 0.65},
}

// TrackingRegion returns the corners of the feature-selection quadrilateral.
func (b FaceBox) TrackingRegion() [4]Point {
	var q [4]Point
	for i, c := range trackingQuad {
		q[i] = b.At(c[0], c[1])
	}
	return q
}

// insideConvex reports whether p lies inside (or on) the convex polygon poly
// whose vertices are in consistent winding order.
func insideConvex(poly []Point, p Point) bool {
	sign := 0.0
	for i := range poly {
		a := poly[i]
		c := poly[(i+1)%len(poly)]
		cross := (c.X-a.X)*(p.Y-a.Y) - (c.Y-a.Y)*(p.X-a.X)
		if cross == 0 {
			continue
		}
		if sign == 0 {
			sign = cross
		} else if (cross > 0) != (sign > 0) {
			return false
		}
	}
	return true
}
