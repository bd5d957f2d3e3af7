package l2face

import (
	"encoding/binary"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// FlowParams controls the pyramidal Lucas-Kanade tracker.
type FlowParams struct {
	Window        int     // side of the square integration window (pixels)
	Levels        int     // pyramid levels above the base image
	MaxIterations int     // per-level refinement cap
	Epsilon       float64 // per-level convergence threshold (pixels)
	// BacktrackThreshold is the largest forward-backward round-trip error a
	// point may have and still count as matched. Zero disables the check.
	BacktrackThreshold float64
}

// minEigenFlow rejects windows too flat to solve.
const minEigenFlow = 1e-4

// pointsMat packs pts into an N×1 two-channel float32 Mat, the layout
// OpenCV expects for sparse point sets. The caller closes it.
func pointsMat(pts []Point) (gocv.Mat, error) {
	buf := make([]byte, 8*len(pts))
	for i, p := range pts {
		binary.LittleEndian.PutUint32(buf[8*i:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[8*i+4:], math.Float32bits(float32(p.Y)))
	}
	return gocv.NewMatFromBytes(len(pts), 1, gocv.MatTypeCV32FC2, buf)
}

// CalcFlow tracks pts from prev into next. The returned slice holds the
// tracked positions; ok[i] is false when point i did not converge or left
// the image.
func CalcFlow(prev, next gocv.Mat, pts []Point, params FlowParams) (tracked []Point, ok []bool) {
	tracked = make([]Point, len(pts))
	ok = make([]bool, len(pts))
	if len(pts) == 0 || prev.Empty() || next.Empty() {
		return tracked, ok
	}

	prevPts, err := pointsMat(pts)
	if err != nil {
		return tracked, ok
	}
	defer prevPts.Close()
	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errs := gocv.NewMat()
	defer errs.Close()

	win := max(params.Window, 3)
	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, params.MaxIterations, params.Epsilon)
	gocv.CalcOpticalFlowPyrLKWithParams(prev, next, prevPts, nextPts, &status, &errs,
		image.Pt(win, win), max(params.Levels, 0), criteria, 0, minEigenFlow)

	if nextPts.Rows() < len(pts) || status.Rows() < len(pts) {
		return tracked, ok
	}
	w, h := float64(next.Cols()-1), float64(next.Rows()-1)
	for i := range pts {
		v := nextPts.GetVecfAt(i, 0)
		if len(v) < 2 {
			continue
		}
		tracked[i] = Point{X: float64(v[0]), Y: float64(v[1])}
		ok[i] = status.GetUCharAt(i, 0) == 1 &&
			tracked[i].X >= 0 && tracked[i].Y >= 0 &&
			tracked[i].X <= w && tracked[i].Y <= h
	}
	return tracked, ok
}

// MatchFeatures tracks pts forward from prev to next and, when a backtrack
// threshold is set, back again, keeping only pairs whose round trip lands
// within the threshold. It returns the surviving source and destination
// points in matching order.
func MatchFeatures(prev, next gocv.Mat, pts []Point, params FlowParams) (src, dst []Point) {
	fwd, okF := CalcFlow(prev, next, pts, params)
	var back []Point
	var okB []bool
	if params.BacktrackThreshold > 0 {
		back, okB = CalcFlow(next, prev, fwd, params)
	}
	limit := params.BacktrackThreshold * params.BacktrackThreshold
	for i, p := range pts {
		if !okF[i] {
			continue
		}
		if back != nil {
			if !okB[i] {
				continue
			}
			dx, dy := back[i].X-p.X, back[i].Y-p.Y
			if dx*dx+dy*dy > limit {
				continue
			}
		}
		src = append(src, p)
		dst = append(dst, fwd[i])
	}
	return src, dst
}
