package l2face

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// FeatureParams controls corner selection.
type FeatureParams struct {
	MaxCorners  int
	Quality     float64 // fraction of the strongest response a corner must reach
	MinDistance float64 // minimum spacing between accepted corners (pixels)
}

// candidateFactor oversamples the bounding-box search so that enough
// corners remain after clipping to the quadrilateral.
const candidateFactor = 3

// GoodFeatures selects up to MaxCorners Shi-Tomasi corners of gray that lie
// inside the convex polygon region. Corners are returned strongest first.
func GoodFeatures(gray gocv.Mat, region []Point, params FeatureParams) []Point {
	if params.MaxCorners <= 0 || len(region) < 3 || gray.Empty() {
		return nil
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range region {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	area := image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX))+1, int(math.Ceil(maxY))+1).
		Intersect(image.Rect(0, 0, gray.Cols(), gray.Rows()))
	// The 3x3 eigenvalue block needs a little room.
	if area.Dx() < 3 || area.Dy() < 3 {
		return nil
	}

	roi := gray.Region(area)
	defer roi.Close()
	corners := gocv.NewMat()
	defer corners.Close()
	gocv.GoodFeaturesToTrack(roi, &corners, params.MaxCorners*candidateFactor, params.Quality, params.MinDistance)

	out := make([]Point, 0, params.MaxCorners)
	for i := 0; i < corners.Rows() && len(out) < params.MaxCorners; i++ {
		v := corners.GetVecfAt(i, 0)
		if len(v) < 2 {
			continue
		}
		p := Point{X: float64(v[0]) + float64(area.Min.X), Y: float64(v[1]) + float64(area.Min.Y)}
		if insideConvex(region, p) {
			out = append(out, p)
		}
	}
	return out
}
