package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/timeutil"
	"github.com/banshee-data/pulse.report/internal/vitals/l1frames"
	"github.com/banshee-data/pulse.report/internal/vitals/l2face"
	"github.com/banshee-data/pulse.report/internal/vitals/l3motion"
	"github.com/banshee-data/pulse.report/internal/vitals/l3signal"
	"github.com/banshee-data/pulse.report/internal/vitals/l4rates"
)

// Overlay is the read-only display state of the capture cycle.
type Overlay struct {
	State    l2face.LocatorState
	Box      l2face.FaceBox
	ROI      image.Rectangle
	Movement float64
}

// Stats counts pipeline activity since construction.
type Stats struct {
	Locator          l2face.LocatorStats
	Buffered         int
	SamplesDropped   uint64 // out-of-order timestamps
	Overruns         uint64 // capture cycles that took longer than one period
	SnapshotsSent    uint64
	SnapshotsSkipped uint64 // too few samples to estimate
	SnapshotsDropped uint64 // estimation still in flight
	EstimateErrors   uint64
	Emitted          uint64
	LateDropped      uint64
}

type job struct {
	snap l3signal.Snapshot
}

// Pipeline runs the capture cycle and the rate-estimation worker.
//
// The capture state (locator, buffer, scorer) is owned by the capture
// cycle; the worker only ever sees immutable snapshots.
type Pipeline struct {
	cfg       Config
	clock     timeutil.Clock
	estimator RateEstimator

	capMu   sync.Mutex
	locator *l2face.Locator
	sampler l3signal.ROISampler
	buffer  *l3signal.SignalBuffer
	scorer  *l3motion.MovementScorer
	overlay Overlay

	movement  atomic.Uint64 // float64 bits of the windowed movement score
	publisher *Publisher

	jobs         chan job
	closed       bool // jobs is closed; guarded by capMu
	inFlight     atomic.Bool
	lastEstimate atomic.Pointer[l4rates.Estimate]

	overruns         atomic.Uint64
	snapshotsSent    atomic.Uint64
	snapshotsSkipped atomic.Uint64
	snapshotsDropped atomic.Uint64
	estimateErrors   atomic.Uint64
}

// New creates a pipeline. Source and Detector must be set.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: nil video source")
	}
	if cfg.Detector == nil {
		return nil, errors.New("pipeline: nil face detector")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.RPPGInterval <= 0 {
		cfg.RPPGInterval = time.Second
	}
	est := cfg.Estimator
	if est == nil {
		est = l4rates.NewEstimator(cfg.Estimation)
	}

	p := &Pipeline{
		cfg:       cfg,
		clock:     cfg.Clock,
		estimator: est,
		locator:   l2face.NewLocator(cfg.Locator, cfg.Detector),
		buffer:    l3signal.NewSignalBuffer(l3signal.MaxSizeFor(cfg.TargetFPS, cfg.HRWindowSeconds)),
		scorer:    l3motion.NewMovementScorer(cfg.Movement),
		jobs:      make(chan job, 1),
	}
	p.overlay.State = l2face.StateNoFace
	p.publisher = newPublisher(cfg.Clock, &p.movement, cfg.OnResult, cfg.Sinks)
	return p, nil
}

// Run opens the source and drives both cycles until ctx is cancelled or
// the source ends. A source that cannot be opened is returned before any
// cycle starts. Run returns nil when the source is exhausted.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.cfg.Source.Open(ctx); err != nil {
		return fmt.Errorf("open video source: %w", err)
	}
	defer p.cfg.Source.Close()

	p.publisher.Start(p.clock.Now())
	monitoring.Opsf("pipeline started: %d fps, rppg every %v", p.cfg.TargetFPS, p.cfg.RPPGInterval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.worker(ctx)
	}()

	err := p.captureLoop(ctx)

	p.publisher.Stop()
	p.release()
	wg.Wait()
	monitoring.Opsf("pipeline stopped")

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, l1frames.ErrSourceClosed) {
		return err
	}
	return nil
}

func (p *Pipeline) captureLoop(ctx context.Context) error {
	period := p.cfg.CapturePeriod()
	capture := p.clock.NewTicker(period)
	defer capture.Stop()
	rppg := p.clock.NewTicker(p.cfg.RPPGInterval)
	defer rppg.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rppg.C():
			p.ScheduleEstimate()
		case <-capture.C():
			frame, err := p.cfg.Source.Read(ctx)
			if err != nil {
				if !errors.Is(err, l1frames.ErrSourceClosed) && !errors.Is(err, context.Canceled) {
					monitoring.Opsf("video source read failed: %v", err)
				}
				return err
			}
			began := p.clock.Now()
			p.ProcessFrame(frame)
			if took := p.clock.Since(began); took > period {
				p.overruns.Add(1)
				monitoring.Tracef("capture overrun: %v > %v", took, period)
			}
		}
	}
}

// ProcessFrame runs one capture cycle: locate the face, sample the ROI
// while the face is valid, and score movement.
func (p *Pipeline) ProcessFrame(f *l1frames.Frame) {
	gray := f.Gray()

	p.capMu.Lock()
	defer p.capMu.Unlock()

	upd := p.locator.Update(gray, f.Timestamp)
	roi := image.Rectangle{}
	if upd.Box.Valid {
		var s l3signal.SignalSample
		var ok bool
		s, roi, ok = p.sampler.Sample(f.Image, upd.Box)
		if ok {
			s.Timestamp = f.Timestamp
			s.Rescan = upd.Rescan
			if !p.buffer.Append(s) {
				monitoring.Tracef("dropped sample with non-increasing timestamp %v", f.Timestamp)
			}
		} else {
			monitoring.Diagf("face ROI outside frame, invalidating")
			p.invalidateLocked()
			upd.Box = l2face.FaceBox{}
		}
	} else if p.buffer.Len() > 0 {
		p.buffer.Clear()
	}

	p.scorer.Update(gray, f.Timestamp)
	movement := p.scorer.Score(f.Timestamp)
	p.movement.Store(math.Float64bits(movement))

	p.overlay = Overlay{
		State:    p.locator.State(),
		Box:      upd.Box,
		ROI:      roi,
		Movement: movement,
	}
	monitoring.Tracef("frame %d valid=%t rescan=%t buffered=%d movement=%.1f",
		f.Seq, upd.Box.Valid, upd.Rescan, p.buffer.Len(), movement)
}

// ScheduleEstimate hands a snapshot of the signal buffer to the worker.
// The cycle is skipped when too few samples are buffered, and the snapshot
// is dropped when an estimation is still in flight.
func (p *Pipeline) ScheduleEstimate() {
	p.capMu.Lock()
	defer p.capMu.Unlock()
	if p.closed {
		return
	}
	snap := p.buffer.Snapshot(p.clock.Now())

	if !p.estimator.Ready(snap) {
		p.snapshotsSkipped.Add(1)
		monitoring.Tracef("estimate skipped: %d samples buffered", snap.Len())
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.snapshotsDropped.Add(1)
		monitoring.Opsf("estimate still in flight, dropping snapshot of %d samples", snap.Len())
		return
	}
	// The queue is empty whenever nothing is in flight, so this never blocks.
	p.jobs <- job{snap: snap}
	p.snapshotsSent.Add(1)
}

func (p *Pipeline) worker(ctx context.Context) {
	for j := range p.jobs {
		est, err := p.estimator.Estimate(j.snap)
		p.inFlight.Store(false)
		if err != nil {
			if errors.Is(err, l4rates.ErrInsufficientSamples) || errors.Is(err, l4rates.ErrEmptyBand) {
				monitoring.Tracef("estimate: %v", err)
				continue
			}
			p.estimateErrors.Add(1)
			monitoring.Opsf("estimate failed: %v", err)
			continue
		}
		p.lastEstimate.Store(&est)
		p.publisher.Emit(ctx, est)
	}
}

// Invalidate drops the face, cached tracking state and every buffered
// sample. The next valid detection starts accumulating from empty.
func (p *Pipeline) Invalidate() {
	p.capMu.Lock()
	defer p.capMu.Unlock()
	p.invalidateLocked()
}

func (p *Pipeline) invalidateLocked() {
	p.locator.Invalidate()
	p.buffer.Clear()
	p.overlay.State = l2face.StateNoFace
	p.overlay.Box = l2face.FaceBox{}
	p.overlay.ROI = image.Rectangle{}
}

// release closes the job queue and frees frame-sized state once the
// cycles have stopped.
func (p *Pipeline) release() {
	p.capMu.Lock()
	defer p.capMu.Unlock()
	if !p.closed {
		close(p.jobs)
		p.closed = true
	}
	p.invalidateLocked()
	p.scorer.Close()
}

// BufferLen returns the number of buffered signal samples.
func (p *Pipeline) BufferLen() int {
	p.capMu.Lock()
	defer p.capMu.Unlock()
	return p.buffer.Len()
}

// Movement returns the current windowed movement score (0-100).
func (p *Pipeline) Movement() float64 {
	return math.Float64frombits(p.movement.Load())
}

// Overlay returns a copy of the current display state.
func (p *Pipeline) Overlay() Overlay {
	p.capMu.Lock()
	defer p.capMu.Unlock()
	return p.overlay
}

// MovementHistory returns the retained movement samples, oldest first.
func (p *Pipeline) MovementHistory() []l3motion.MovementSample {
	return p.scorer.History()
}

// LastEstimate returns the most recent successful estimate, spectra
// included, whether or not it was published.
func (p *Pipeline) LastEstimate() (l4rates.Estimate, bool) {
	est := p.lastEstimate.Load()
	if est == nil {
		return l4rates.Estimate{}, false
	}
	return *est, true
}

// Publisher exposes the result publisher.
func (p *Pipeline) Publisher() *Publisher { return p.publisher }

// Stats returns a snapshot of the activity counters.
func (p *Pipeline) Stats() Stats {
	p.capMu.Lock()
	buffered := p.buffer.Len()
	dropped := p.buffer.Dropped()
	p.capMu.Unlock()
	return Stats{
		Locator:          p.locator.Stats(),
		Buffered:         buffered,
		SamplesDropped:   dropped,
		Overruns:         p.overruns.Load(),
		SnapshotsSent:    p.snapshotsSent.Load(),
		SnapshotsSkipped: p.snapshotsSkipped.Load(),
		SnapshotsDropped: p.snapshotsDropped.Load(),
		EstimateErrors:   p.estimateErrors.Load(),
		Emitted:          p.publisher.emitted.Load(),
		LateDropped:      p.publisher.lateDropped.Load(),
	}
}
