package l2face

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/disintegration/gift"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/vitals/l1frames"
)

// texture returns a smoothed blocky noise image large enough to crop
// shifted frames from.
func texture(w, h int, seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	raw := image.NewGray(image.Rect(0, 0, w, h))
	for by := 0; by < h; by += 4 {
		for bx := 0; bx < w; bx += 4 {
			v := uint8(rng.Intn(200) + 28)
			for y := by; y < min(by+4, h); y++ {
				for x := bx; x < min(bx+4, w); x++ {
					raw.SetGray(x, y, color.Gray{Y: v})
				}
			}
		}
	}
	g := gift.New(gift.GaussianBlur(1.5))
	out := image.NewGray(g.Bounds(raw.Bounds()))
	g.Draw(out, raw)
	return out
}

// crop cuts a w×h frame from tex whose content is displaced by (dx, dy)
// relative to offset (10, 10).
func crop(tex *image.Gray, w, h, dx, dy int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.SetGray(x, y, tex.GrayAt(x+10-dx, y+10-dy))
		}
	}
	return out
}

func flat(w, h int, v uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

// toMat converts g and closes the Mat when the test ends.
func toMat(t *testing.T, g *image.Gray) gocv.Mat {
	t.Helper()
	m, err := l1frames.GrayMat(g)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testFlowParams() FlowParams {
	return FlowParams{Window: 15, Levels: 2, MaxIterations: 20, Epsilon: 0.01, BacktrackThreshold: 2}
}

func TestFaceBoxGeometry(t *testing.T) {
	t.Parallel()
	b := FaceBox{X: 100, Y: 50, Width: 200, Height: 200, Valid: true}

	assert.Equal(t, image.Rect(100, 50, 300, 250), b.Rect())
	assert.Equal(t, Point{X: 160, Y: 70}, b.At(0.3, 0.1))
	assert.Equal(t, image.Rect(160, 70, 241, 101), b.SubRect(0.3, 0.1, 0.7, 0.25))

	moved := b.Transform(1.1, 5, -3)
	assert.InDelta(t, 115, moved.X, 1e-9)
	assert.InDelta(t, 52, moved.Y, 1e-9)
	assert.InDelta(t, 220, moved.Width, 1e-9)
	assert.True(t, moved.Valid)
}

func TestTrackingRegion(t *testing.T) {
	t.Parallel()
	b := FaceBox{X: 0, Y: 0, Width: 100, Height: 100, Valid: true}
	q := b.TrackingRegion()
	assert.Equal(t, Point{X: 22, Y: 21}, q[0])
	assert.Equal(t, Point{X: 30, Y: 65}, q[3])

	tests := []struct {
		name string
		p    Point
		want bool
	}{
		{"centre", Point{X: 50, Y: 40}, true},
		{"on top edge", Point{X: 50, Y: 21}, true},
		{"above", Point{X: 50, Y: 10}, false},
		{"outside slanted side", Point{X: 25, Y: 64}, false},
		{"below", Point{X: 50, Y: 70}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, insideConvex(q[:], tc.p))
		})
	}
}

func TestFitSimilarityRecoversTransform(t *testing.T) {
	t.Parallel()
	src := []Point{{10, 10}, {50, 12}, {30, 40}, {70, 55}, {15, 60}}
	dst := make([]Point, len(src))
	for i, p := range src {
		dst[i] = Point{X: 1.05*p.X + 3, Y: 1.05*p.Y - 2}
	}

	s, tx, ty, err := FitSimilarity(src, dst)
	require.NoError(t, err)
	assert.InDelta(t, 1.05, s, 1e-9)
	assert.InDelta(t, 3, tx, 1e-9)
	assert.InDelta(t, -2, ty, 1e-9)
}

func TestFitSimilarityRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, _, _, err := FitSimilarity([]Point{{1, 1}}, []Point{{2, 2}})
	assert.Error(t, err)

	_, _, _, err = FitSimilarity([]Point{{1, 1}, {2, 2}}, []Point{{2, 2}})
	assert.Error(t, err)
}

func TestGoodFeatures(t *testing.T) {
	t.Parallel()
	tex := texture(200, 200, 1)
	region := []Point{{20, 20}, {150, 20}, {150, 150}, {20, 150}}
	params := FeatureParams{MaxCorners: 10, Quality: 0.01, MinDistance: 10}

	pts := GoodFeatures(toMat(t, tex), region, params)
	require.NotEmpty(t, pts)
	assert.LessOrEqual(t, len(pts), 10)
	for i, p := range pts {
		assert.True(t, insideConvex(region, p), "corner %v outside region", p)
		for _, q := range pts[i+1:] {
			assert.GreaterOrEqual(t, math.Hypot(p.X-q.X, p.Y-q.Y), 10.0)
		}
	}
}

func TestGoodFeaturesFlatImage(t *testing.T) {
	t.Parallel()
	region := []Point{{10, 10}, {50, 10}, {50, 50}, {10, 50}}
	assert.Empty(t, GoodFeatures(toMat(t, flat(64, 64, 90)), region, FeatureParams{MaxCorners: 10, Quality: 0.01, MinDistance: 10}))
}

func TestGoodFeaturesStayInsideQuadrilateral(t *testing.T) {
	t.Parallel()
	tex := texture(200, 200, 5)
	box := FaceBox{X: 20, Y: 20, Width: 150, Height: 150, Valid: true}
	region := box.TrackingRegion()

	pts := GoodFeatures(toMat(t, tex), region[:], FeatureParams{MaxCorners: 10, Quality: 0.01, MinDistance: 5})
	require.NotEmpty(t, pts)
	for _, p := range pts {
		assert.True(t, insideConvex(region[:], p), "corner %v outside the tracking quadrilateral", p)
	}

	// A region entirely off the frame yields nothing.
	off := []Point{{300, 300}, {350, 300}, {350, 350}}
	assert.Empty(t, GoodFeatures(toMat(t, tex), off, FeatureParams{MaxCorners: 10, Quality: 0.01, MinDistance: 5}))
}

func TestCalcFlowRecoversShift(t *testing.T) {
	t.Parallel()
	tex := texture(200, 200, 2)
	prev := toMat(t, crop(tex, 160, 140, 0, 0))
	next := toMat(t, crop(tex, 160, 140, 3, -2))

	pts := []Point{{60, 60}, {80, 70}, {100, 50}, {70, 90}}
	tracked, ok := CalcFlow(prev, next, pts, testFlowParams())
	for i, p := range pts {
		require.True(t, ok[i], "point %d did not converge", i)
		assert.InDelta(t, p.X+3, tracked[i].X, 0.5)
		assert.InDelta(t, p.Y-2, tracked[i].Y, 0.5)
	}
}

func TestMatchFeaturesDropsFlatPoints(t *testing.T) {
	t.Parallel()
	img := crop(texture(200, 200, 3), 160, 140, 0, 0)
	// Blank out the right half so points there have no gradient.
	for y := 0; y < 140; y++ {
		for x := 100; x < 160; x++ {
			img.SetGray(x, y, color.Gray{Y: 100})
		}
	}
	m := toMat(t, img)

	src, dst := MatchFeatures(m, m, []Point{{50, 50}, {135, 70}}, testFlowParams())
	require.Len(t, src, 1)
	assert.Equal(t, Point{X: 50, Y: 50}, src[0])
	assert.InDelta(t, 50, dst[0].X, 0.2)
}

func fixedDetector(r image.Rectangle) (Detector, *int) {
	calls := 0
	return DetectorFunc(func(*image.Gray) ([]Detection, error) {
		calls++
		return []Detection{{Box: r, Score: 10}}, nil
	}), &calls
}

func TestLocatorAcquireAndTrack(t *testing.T) {
	t.Parallel()
	tex := texture(220, 200, 4)
	det, calls := fixedDetector(image.Rect(30, 20, 130, 120))
	cfg := DefaultLocatorConfig()
	cfg.Flow = testFlowParams()
	loc := NewLocator(cfg, det)
	t0 := time.Unix(1000, 0)

	upd := loc.Update(crop(tex, 180, 150, 0, 0), t0)
	require.True(t, upd.Box.Valid)
	assert.True(t, upd.Rescan)
	assert.Equal(t, StateTracking, loc.State())

	upd = loc.Update(crop(tex, 180, 150, 2, 1), t0.Add(33*time.Millisecond))
	require.True(t, upd.Box.Valid, "tracking lost")
	assert.False(t, upd.Rescan)
	assert.InDelta(t, 32, upd.Box.X, 1.0)
	assert.InDelta(t, 21, upd.Box.Y, 1.0)
	assert.InDelta(t, 100, upd.Box.Width, 2.0)
	assert.Equal(t, 1, *calls)

	// The rescan interval forces a new detection pass.
	upd = loc.Update(crop(tex, 180, 150, 2, 1), t0.Add(time.Second))
	assert.True(t, upd.Rescan)
	assert.Equal(t, 2, *calls)

	stats := loc.Stats()
	assert.Equal(t, uint64(3), stats.Frames)
	assert.Equal(t, uint64(2), stats.Detections)
	assert.Equal(t, uint64(1), stats.Rescans)
	assert.Equal(t, uint64(1), stats.TrackedFrames)
}

func TestLocatorNoFace(t *testing.T) {
	t.Parallel()
	loc := NewLocator(DefaultLocatorConfig(), DetectorFunc(func(*image.Gray) ([]Detection, error) {
		return nil, nil
	}))
	upd := loc.Update(flat(64, 64, 50), time.Unix(0, 0))
	assert.False(t, upd.Box.Valid)
	assert.False(t, upd.Lost)
	assert.Equal(t, StateNoFace, loc.State())
}

func TestLocatorLosesFaceOnFlatFrame(t *testing.T) {
	t.Parallel()
	det, _ := fixedDetector(image.Rect(10, 10, 60, 60))
	loc := NewLocator(DefaultLocatorConfig(), det)
	t0 := time.Unix(0, 0)

	require.True(t, loc.Update(flat(80, 80, 120), t0).Box.Valid)
	upd := loc.Update(flat(80, 80, 120), t0.Add(33*time.Millisecond))
	assert.False(t, upd.Box.Valid)
	assert.True(t, upd.Lost)
	assert.Equal(t, StateNoFace, loc.State())
	assert.Equal(t, uint64(1), loc.Stats().TrackingLosses)
}

func TestLocatorDetectorErrorInvalidates(t *testing.T) {
	t.Parallel()
	fail := false
	loc := NewLocator(DefaultLocatorConfig(), DetectorFunc(func(*image.Gray) ([]Detection, error) {
		if fail {
			return nil, errors.New("cascade exploded")
		}
		return []Detection{{Box: image.Rect(0, 0, 20, 20)}}, nil
	}))
	t0 := time.Unix(0, 0)
	require.True(t, loc.Update(flat(40, 40, 1), t0).Box.Valid)

	fail = true
	upd := loc.Update(flat(40, 40, 1), t0.Add(2*time.Second))
	assert.True(t, upd.Lost)
	assert.Equal(t, FaceBox{}, loc.Box())
}

func TestLocatorScanReportsNoFace(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		detector Detector
	}{
		{"empty slice", DetectorFunc(func(*image.Gray) ([]Detection, error) { return nil, nil })},
		{"sentinel", DetectorFunc(func(*image.Gray) ([]Detection, error) { return nil, ErrNoFace })},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			loc := NewLocator(DefaultLocatorConfig(), tc.detector)
			_, err := loc.scan(flat(32, 32, 0))
			assert.ErrorIs(t, err, ErrNoFace)
		})
	}

	boom := errors.New("cascade exploded")
	loc := NewLocator(DefaultLocatorConfig(), DetectorFunc(func(*image.Gray) ([]Detection, error) { return nil, boom }))
	_, err := loc.scan(flat(32, 32, 0))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoFace)
}

func TestLocatorCloseReleasesFrame(t *testing.T) {
	t.Parallel()
	det, _ := fixedDetector(image.Rect(10, 10, 60, 60))
	loc := NewLocator(DefaultLocatorConfig(), det)
	require.True(t, loc.Update(crop(texture(120, 120, 6), 80, 80, 0, 0), time.Unix(0, 0)).Box.Valid)
	require.True(t, loc.hasPrev)

	loc.Close()
	assert.False(t, loc.hasPrev)
	assert.Equal(t, StateNoFace, loc.State())
	assert.Equal(t, FaceBox{}, loc.Box())
}

func TestLocatorEmptyFrameInvalidates(t *testing.T) {
	t.Parallel()
	det, _ := fixedDetector(image.Rect(0, 0, 10, 10))
	loc := NewLocator(DefaultLocatorConfig(), det)
	t0 := time.Unix(0, 0)
	require.True(t, loc.Update(flat(20, 20, 9), t0).Box.Valid)

	upd := loc.Update(image.NewGray(image.Rectangle{}), t0.Add(33*time.Millisecond))
	assert.True(t, upd.Lost)
	assert.False(t, loc.hasPrev)
}

func TestLoadPigoDetectorMissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadPigoDetector("/nonexistent/facefinder", DetectorParams{})
	assert.Error(t, err)
}

func TestDetectorParamsFromTuning(t *testing.T) {
	t.Parallel()
	p := DetectorParamsFromTuning(config.EmptyTuningConfig())
	assert.Equal(t, 60, p.MinSize)
	assert.Equal(t, 1000, p.MaxSize)
	assert.InDelta(t, 0.1, p.ShiftFactor, 1e-12)
	assert.InDelta(t, 1.1, p.ScaleFactor, 1e-12)
	assert.InDelta(t, 5.0, p.MinQuality, 1e-12)
}
