package monitor

import (
	"context"
	"sync"

	"github.com/banshee-data/pulse.report/internal/vitals/pipeline"
)

// DefaultHistorySize bounds the in-memory result history.
const DefaultHistorySize = 3600

// History keeps the most recent published results in memory. It
// implements pipeline.ResultSink.
type History struct {
	mu      sync.Mutex
	max     int
	results []pipeline.Result
}

var _ pipeline.ResultSink = (*History)(nil)

// NewHistory creates a history holding at most max results.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max}
}

// PublishResult appends r, evicting the oldest result when full.
func (h *History) PublishResult(_ context.Context, r pipeline.Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == h.max {
		copy(h.results, h.results[1:])
		h.results = h.results[:h.max-1]
	}
	h.results = append(h.results, r)
	return nil
}

// Results returns a copy of the history, oldest first.
func (h *History) Results() []pipeline.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pipeline.Result(nil), h.results...)
}

// Latest returns the newest result.
func (h *History) Latest() (pipeline.Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == 0 {
		return pipeline.Result{}, false
	}
	return h.results[len(h.results)-1], true
}
