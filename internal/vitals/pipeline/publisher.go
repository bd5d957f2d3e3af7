package pipeline

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/timeutil"
	"github.com/banshee-data/pulse.report/internal/vitals/l4rates"
)

// Result is the tuple handed to the downstream consumer.
type Result struct {
	BPM            int       `json:"bpm"`
	BRPM           int       `json:"brpm"`
	Movement       float64   `json:"movement"`
	Timestamp      time.Time `json:"timestamp"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	FPS            float64   `json:"fps"`
}

// Publisher merges rate estimates with the current movement score and
// delivers them. Results arriving after Stop are dropped.
//
// Stop waits for a delivery already in progress; once it returns, no
// callback or sink is invoked again until the next Start.
type Publisher struct {
	clock    timeutil.Clock
	start    time.Time
	movement *atomic.Uint64 // float64 bits, written by the capture cycle
	callback func(Result)
	sinks    []ResultSink

	mu          sync.RWMutex // held for reading across check-and-deliver
	live        atomic.Bool
	emitted     atomic.Uint64
	lateDropped atomic.Uint64
	last        atomic.Pointer[Result]
}

func newPublisher(clock timeutil.Clock, movement *atomic.Uint64, callback func(Result), sinks []ResultSink) *Publisher {
	return &Publisher{clock: clock, movement: movement, callback: callback, sinks: sinks}
}

// Start marks the publisher live and anchors elapsed time at now.
func (p *Publisher) Start(now time.Time) {
	p.start = now
	p.live.Store(true)
}

// Stop makes every later Emit a no-op.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.live.Store(false)
	p.mu.Unlock()
}

// Live reports whether results are currently delivered.
func (p *Publisher) Live() bool { return p.live.Load() }

// Emit delivers est merged with the current movement score. It returns
// false when the publisher is stopped and the result was dropped.
func (p *Publisher) Emit(ctx context.Context, est l4rates.Estimate) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.live.Load() {
		p.lateDropped.Add(1)
		monitoring.Diagf("dropping late estimate bpm=%d brpm=%d", est.BPM, est.BRPM)
		return false
	}
	r := Result{
		BPM:            est.BPM,
		BRPM:           est.BRPM,
		Movement:       math.Round(math.Float64frombits(p.movement.Load())),
		Timestamp:      est.Timestamp,
		ElapsedSeconds: p.clock.Since(p.start).Seconds(),
		FPS:            est.FPS,
	}
	p.last.Store(&r)
	p.emitted.Add(1)
	monitoring.Diagf("estimate bpm=%d brpm=%d movement=%.0f fps=%.1f", r.BPM, r.BRPM, r.Movement, r.FPS)

	if p.callback != nil {
		p.callback(r)
	}
	for _, s := range p.sinks {
		if err := s.PublishResult(ctx, r); err != nil {
			monitoring.Opsf("result sink %T: %v", s, err)
		}
	}
	return true
}

// Last returns the most recent published result.
func (p *Publisher) Last() (Result, bool) {
	r := p.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}
