package l1frames

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSourceClosed is returned by Read once a source has been closed or its
// underlying stream has ended.
var ErrSourceClosed = errors.New("l1frames: source closed")

// Source supplies sequential frames with capture timestamps.
//
// Open acquires the device or stream; a failure there is fatal to pipeline
// startup. Read blocks until a frame newer than the previously returned one
// is available and never returns the same frame twice.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*Frame, error)
	Close() error
}

// SourceStats reports frame hand-off counters for a source.
type SourceStats struct {
	Published uint64 // frames produced by the source
	Dropped   uint64 // frames overwritten before the capture cycle read them
}

// mailbox is a single-slot, latest-frame-wins hand-off between a producer
// goroutine and the capture cycle. Publishing never blocks; an unconsumed
// frame is overwritten and counted as dropped.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *Frame
	closed bool
	err    error

	published atomic.Uint64
	dropped   atomic.Uint64
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) publish(f *Frame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.frame != nil {
		m.dropped.Add(1)
	}
	m.frame = f
	m.published.Add(1)
	m.cond.Signal()
	m.mu.Unlock()
}

// close wakes any waiter; err (may be nil) is reported after the last frame
// has been taken.
func (m *mailbox) close(err error) {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.err = err
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox) take(ctx context.Context) (*Frame, error) {
	// sync.Cond cannot select on ctx; wake the waiter when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.frame == nil && !m.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.cond.Wait()
	}
	if m.frame != nil {
		f := m.frame
		m.frame = nil
		return f, nil
	}
	if m.err != nil {
		return nil, m.err
	}
	return nil, ErrSourceClosed
}

func (m *mailbox) stats() SourceStats {
	return SourceStats{Published: m.published.Load(), Dropped: m.dropped.Load()}
}
