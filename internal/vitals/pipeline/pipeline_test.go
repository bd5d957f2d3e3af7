package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/timeutil"
	"github.com/banshee-data/pulse.report/internal/vitals/l1frames"
	"github.com/banshee-data/pulse.report/internal/vitals/l2face"
	"github.com/banshee-data/pulse.report/internal/vitals/l3signal"
	"github.com/banshee-data/pulse.report/internal/vitals/l4rates"
)

const (
	frameW = 160
	frameH = 140
)

var (
	t0      = time.Unix(1_700_000_000, 0)
	faceBox = image.Rect(30, 20, 130, 120)
)

// eggCrate renders a textured frame whose green channel carries a pulse of
// amplitude d. Red moves against green so luminance, and therefore
// tracking and movement, stays put.
func eggCrate(d int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frameW, frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			p := int(math.Round(128 + 60*math.Sin(float64(x)/3.1)*math.Cos(float64(y)/4.3)))
			img.SetRGBA(x, y, color.RGBA{R: uint8(p - 2*d), G: uint8(p + d), B: uint8(p), A: 255})
		}
	}
	return img
}

// pulseFrame returns frame seq (from 1) of a 30 fps stream with a pulse at
// bpm beats per minute.
func pulseFrame(seq uint64, bpm float64) *l1frames.Frame {
	t := float64(seq-1) / 30
	d := int(math.Round(3 * math.Sin(2*math.Pi*bpm/60*t)))
	ts := t0.Add(time.Duration(t * float64(time.Second)))
	return l1frames.NewFrame(seq, ts, eggCrate(d))
}

type switchDetector struct {
	present atomic.Bool
}

func (d *switchDetector) Detect(*image.Gray) ([]l2face.Detection, error) {
	if !d.present.Load() {
		return nil, nil
	}
	return []l2face.Detection{{Box: faceBox, Score: 10}}, nil
}

func presentDetector() *switchDetector {
	d := &switchDetector{}
	d.present.Store(true)
	return d
}

type stubEstimator struct {
	ready   atomic.Bool
	err     error
	est     l4rates.Estimate
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *stubEstimator) Ready(l3signal.Snapshot) bool { return s.ready.Load() }

func (s *stubEstimator) Estimate(snap l3signal.Snapshot) (l4rates.Estimate, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	return s.est, s.err
}

type recordingSink struct {
	mu      sync.Mutex
	results []Result
	err     error
}

func (s *recordingSink) PublishResult(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func testConfig(src l1frames.Source, det l2face.Detector) Config {
	cfg := ConfigFromTuning(config.EmptyTuningConfig())
	cfg.Source = src
	cfg.Detector = det
	cfg.Clock = timeutil.NewMockClock(t0)
	// Detect on every frame unless a test wants tracking.
	cfg.Locator.RescanInterval = 0
	return cfg
}

func newTestPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestNewRequiresSourceAndDetector(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Detector: presentDetector()})
	assert.Error(t, err)

	_, err = New(Config{Source: &l1frames.SyntheticSource{}})
	assert.Error(t, err)

	p, err := New(Config{Source: &l1frames.SyntheticSource{}, Detector: presentDetector()})
	require.NoError(t, err)
	assert.Equal(t, l2face.StateNoFace, p.Overlay().State)
	assert.Equal(t, time.Second/30, p.cfg.CapturePeriod())
}

func TestProcessFrameBuffersBoundedWhileFaceValid(t *testing.T) {
	t.Parallel()
	cfg := testConfig(&l1frames.SyntheticSource{}, presentDetector())
	cfg.TargetFPS = 5
	cfg.HRWindowSeconds = 2
	p := newTestPipeline(t, cfg)

	for seq := uint64(1); seq <= 30; seq++ {
		p.ProcessFrame(pulseFrame(seq, 72))
		assert.LessOrEqual(t, p.BufferLen(), 20)
	}
	assert.Equal(t, 20, p.BufferLen())

	ov := p.Overlay()
	assert.Equal(t, l2face.StateTracking, ov.State)
	assert.True(t, ov.Box.Valid)
	assert.False(t, ov.ROI.Empty())
	assert.Equal(t, uint64(30), p.Stats().Locator.Detections)
}

func TestProcessFrameClearsBufferWhenFaceLost(t *testing.T) {
	t.Parallel()
	det := presentDetector()
	p := newTestPipeline(t, testConfig(&l1frames.SyntheticSource{}, det))

	for seq := uint64(1); seq <= 10; seq++ {
		p.ProcessFrame(pulseFrame(seq, 72))
	}
	require.Equal(t, 10, p.BufferLen())

	det.present.Store(false)
	p.ProcessFrame(pulseFrame(11, 72))
	assert.Equal(t, 0, p.BufferLen())
	assert.Equal(t, l2face.StateNoFace, p.Overlay().State)
	assert.Equal(t, uint64(1), p.Stats().Locator.TrackingLosses)

	// Accumulation restarts from empty once the face returns.
	det.present.Store(true)
	p.ProcessFrame(pulseFrame(12, 72))
	assert.Equal(t, 1, p.BufferLen())
}

func TestInvalidateClearsBuffer(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, testConfig(&l1frames.SyntheticSource{}, presentDetector()))
	for seq := uint64(1); seq <= 5; seq++ {
		p.ProcessFrame(pulseFrame(seq, 72))
	}
	require.Equal(t, 5, p.BufferLen())

	p.Invalidate()
	assert.Equal(t, 0, p.BufferLen())
	assert.Equal(t, l2face.FaceBox{}, p.Overlay().Box)
}

func TestProcessFrameDropsOutOfOrderSample(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, testConfig(&l1frames.SyntheticSource{}, presentDetector()))
	p.ProcessFrame(pulseFrame(2, 72))
	p.ProcessFrame(pulseFrame(1, 72))
	assert.Equal(t, 1, p.BufferLen())
	assert.Equal(t, uint64(1), p.Stats().SamplesDropped)
}

func TestScheduleEstimateSkipsAndDrops(t *testing.T) {
	t.Parallel()
	est := &stubEstimator{}
	cfg := testConfig(&l1frames.SyntheticSource{}, presentDetector())
	cfg.Estimator = est
	p := newTestPipeline(t, cfg)

	p.ScheduleEstimate()
	assert.Equal(t, uint64(1), p.Stats().SnapshotsSkipped)

	// No worker is draining the queue, so the first job stays in flight.
	est.ready.Store(true)
	p.ScheduleEstimate()
	p.ScheduleEstimate()
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.SnapshotsSent)
	assert.Equal(t, uint64(1), stats.SnapshotsDropped)

	p.release()
	p.ScheduleEstimate()
	assert.Equal(t, uint64(1), p.Stats().SnapshotsSent)
}

func TestWorkerPublishesMergedResult(t *testing.T) {
	t.Parallel()
	est := &stubEstimator{est: l4rates.Estimate{BPM: 70, BRPM: 12, FPS: 29.5, Timestamp: t0.Add(3 * time.Second)}}
	est.ready.Store(true)

	results := make(chan Result, 1)
	failing := &recordingSink{err: errors.New("disk full")}
	sink := &recordingSink{}
	cfg := testConfig(&l1frames.SyntheticSource{}, presentDetector())
	cfg.Estimator = est
	cfg.OnResult = func(r Result) { results <- r }
	cfg.Sinks = []ResultSink{failing, sink}
	p := newTestPipeline(t, cfg)
	clock := cfg.Clock.(*timeutil.MockClock)

	p.publisher.Start(clock.Now())
	p.movement.Store(math.Float64bits(41.6))
	clock.Advance(5 * time.Second)

	done := make(chan struct{})
	go func() {
		p.worker(context.Background())
		close(done)
	}()
	p.ScheduleEstimate()

	select {
	case r := <-results:
		assert.Equal(t, 70, r.BPM)
		assert.Equal(t, 12, r.BRPM)
		assert.Equal(t, 42.0, r.Movement)
		assert.Equal(t, 5.0, r.ElapsedSeconds)
		assert.Equal(t, 29.5, r.FPS)
		assert.Equal(t, t0.Add(3*time.Second), r.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("no result published")
	}

	p.release()
	<-done
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, uint64(1), p.Stats().Emitted)
	last, ok := p.Publisher().Last()
	require.True(t, ok)
	assert.Equal(t, 70, last.BPM)
	est2, ok := p.LastEstimate()
	require.True(t, ok)
	assert.Equal(t, 12, est2.BRPM)
}

func TestWorkerErrorHandling(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		wantErrors uint64
	}{
		{"insufficient samples", l4rates.ErrInsufficientSamples, 0},
		{"empty band", l4rates.ErrEmptyBand, 0},
		{"other", errors.New("singular matrix"), 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			est := &stubEstimator{err: tc.err}
			est.ready.Store(true)
			cfg := testConfig(&l1frames.SyntheticSource{}, presentDetector())
			cfg.Estimator = est
			called := false
			cfg.OnResult = func(Result) { called = true }
			p := newTestPipeline(t, cfg)
			p.publisher.Start(t0)

			p.ScheduleEstimate()
			p.release()
			p.worker(context.Background())

			assert.Equal(t, int32(1), est.calls.Load())
			assert.False(t, called)
			assert.Equal(t, tc.wantErrors, p.Stats().EstimateErrors)
			assert.False(t, p.inFlight.Load())
		})
	}
}

func TestEndToEndHeartRate(t *testing.T) {
	t.Parallel()
	results := make(chan Result, 1)
	cfg := testConfig(&l1frames.SyntheticSource{}, presentDetector())
	cfg.Locator.RescanInterval = time.Hour
	cfg.OnResult = func(r Result) { results <- r }
	p := newTestPipeline(t, cfg)
	p.publisher.Start(t0)

	done := make(chan struct{})
	go func() {
		p.worker(context.Background())
		close(done)
	}()

	for seq := uint64(1); seq <= 300; seq++ {
		p.ProcessFrame(pulseFrame(seq, 72))
	}
	stats := p.Stats()
	require.Equal(t, 300, stats.Buffered, "face lost during tracking")
	assert.Equal(t, uint64(299), stats.Locator.TrackedFrames)

	p.ScheduleEstimate()
	select {
	case r := <-results:
		assert.InDelta(t, 72, r.BPM, 6)
		assert.GreaterOrEqual(t, r.BRPM, int(l4rates.LowBRPM))
		assert.LessOrEqual(t, r.BRPM, int(l4rates.HighBRPM))
		assert.InDelta(t, 30, r.FPS, 0.01)
		assert.Less(t, r.Movement, 5.0)
		assert.Equal(t, pulseFrame(300, 72).Timestamp, r.Timestamp, "estimate carries the newest sample time")
	case <-time.After(10 * time.Second):
		t.Fatal("no result published")
	}
	p.release()
	<-done
}

func TestRunFailsWhenSourceCannotOpen(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, testConfig(&l1frames.SyntheticSource{}, presentDetector()))
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open video source")
	assert.False(t, p.Publisher().Live())
}

func syntheticSource(limit uint64) *l1frames.SyntheticSource {
	return &l1frames.SyntheticSource{
		Generate: func(seq uint64, _ time.Time) *image.RGBA { return pulseFrame(seq, 72).Image },
		Interval: time.Second / 30,
		Start:    t0,
		Limit:    limit,
	}
}

func startRun(t *testing.T, p *Pipeline, ctx context.Context) (*timeutil.MockClock, chan error) {
	t.Helper()
	clock := p.clock.(*timeutil.MockClock)
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return clock.TickerCount() == 2 }, 5*time.Second, time.Millisecond)
	return clock, errc
}

func TestRunPublishesAndStopsOnCancel(t *testing.T) {
	t.Parallel()
	est := &stubEstimator{est: l4rates.Estimate{BPM: 66, BRPM: 14, FPS: 30}}
	est.ready.Store(true)
	cfg := testConfig(syntheticSource(0), presentDetector())
	cfg.Estimator = est
	p := newTestPipeline(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock, errc := startRun(t, p, ctx)

	period := cfg.CapturePeriod()
	require.Eventually(t, func() bool {
		clock.Advance(period)
		return p.Stats().Emitted >= 1
	}, 10*time.Second, 2*time.Millisecond)
	assert.Positive(t, p.Stats().Locator.Frames)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, p.Publisher().Live())
	assert.Equal(t, 0, p.BufferLen())
	assert.Equal(t, 0, clock.TickerCount())
}

func TestRunReturnsWhenSourceEnds(t *testing.T) {
	t.Parallel()
	cfg := testConfig(syntheticSource(3), presentDetector())
	cfg.Estimator = &stubEstimator{}
	p := newTestPipeline(t, cfg)

	clock, errc := startRun(t, p, context.Background())
	var err error
	require.Eventually(t, func() bool {
		clock.Advance(cfg.CapturePeriod())
		select {
		case err = <-errc:
			return true
		default:
			return false
		}
	}, 10*time.Second, 2*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), p.Stats().Locator.Frames)
}

func TestRunDropsResultFinishedAfterStop(t *testing.T) {
	t.Parallel()
	est := &stubEstimator{
		est:     l4rates.Estimate{BPM: 80, BRPM: 15, FPS: 30},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	est.ready.Store(true)
	var called atomic.Bool
	cfg := testConfig(syntheticSource(0), presentDetector())
	cfg.Estimator = est
	cfg.OnResult = func(Result) { called.Store(true) }
	p := newTestPipeline(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock, errc := startRun(t, p, ctx)

	require.Eventually(t, func() bool {
		clock.Advance(cfg.CapturePeriod())
		select {
		case <-est.entered:
			return true
		default:
			return false
		}
	}, 10*time.Second, 2*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !p.Publisher().Live() }, 5*time.Second, time.Millisecond)
	close(est.release)

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, called.Load())
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.LateDropped)
	assert.Equal(t, uint64(0), stats.Emitted)
}
