package l3signal

import (
	"time"
)

// SignalSample is the mean ROI colour of one frame.
type SignalSample struct {
	Timestamp time.Time
	R, G, B   float64
	// Rescan is set on the first sample after a face detection pass, where
	// the ROI may jump relative to the previous tracked position.
	Rescan bool
}

// Channel returns the sample value of channel c (0=R, 1=G, 2=B).
func (s SignalSample) Channel(c int) float64 {
	switch c {
	case 0:
		return s.R
	case 1:
		return s.G
	default:
		return s.B
	}
}

// Snapshot is an immutable copy of the buffer contents, oldest first.
type Snapshot struct {
	Samples []SignalSample
	TakenAt time.Time
}

// Len returns the number of samples in the snapshot.
func (s Snapshot) Len() int { return len(s.Samples) }

// MaxSizeFor returns the buffer capacity for a capture rate and heart-rate
// window: twice the samples needed for one heart-rate estimate.
func MaxSizeFor(targetFPS, hrWindowSeconds int) int {
	return targetFPS * hrWindowSeconds * 2
}

// SignalBuffer is a FIFO ring of samples with strictly increasing
// timestamps. When full, appending evicts the oldest sample.
//
// SignalBuffer is owned by the capture cycle and is not safe for
// concurrent use; readers on other goroutines get a Snapshot.
type SignalBuffer struct {
	ring  []SignalSample
	head  int // index of the oldest sample
	count int

	dropped uint64
}

// NewSignalBuffer creates a buffer holding at most maxSize samples.
func NewSignalBuffer(maxSize int) *SignalBuffer {
	if maxSize < 1 {
		maxSize = 1
	}
	return &SignalBuffer{ring: make([]SignalSample, maxSize)}
}

// Len returns the number of buffered samples.
func (b *SignalBuffer) Len() int { return b.count }

// Cap returns the maximum number of buffered samples.
func (b *SignalBuffer) Cap() int { return len(b.ring) }

// Dropped returns how many samples were rejected for out-of-order
// timestamps.
func (b *SignalBuffer) Dropped() uint64 { return b.dropped }

// Append adds s at the tail. A sample whose timestamp is not after the
// newest buffered sample is dropped and Append returns false.
func (b *SignalBuffer) Append(s SignalSample) bool {
	if b.count > 0 && !s.Timestamp.After(b.at(b.count-1).Timestamp) {
		b.dropped++
		return false
	}
	if b.count == len(b.ring) {
		b.ring[b.head] = s
		b.head = (b.head + 1) % len(b.ring)
		return true
	}
	b.ring[(b.head+b.count)%len(b.ring)] = s
	b.count++
	return true
}

// Clear removes every sample.
func (b *SignalBuffer) Clear() {
	clear(b.ring)
	b.head = 0
	b.count = 0
}

// Snapshot copies the buffered samples, oldest first.
func (b *SignalBuffer) Snapshot(takenAt time.Time) Snapshot {
	out := make([]SignalSample, b.count)
	for i := range out {
		out[i] = b.at(i)
	}
	return Snapshot{Samples: out, TakenAt: takenAt}
}

// Last returns the newest sample.
func (b *SignalBuffer) Last() (SignalSample, bool) {
	if b.count == 0 {
		return SignalSample{}, false
	}
	return b.at(b.count - 1), true
}

func (b *SignalBuffer) at(i int) SignalSample {
	return b.ring[(b.head+i)%len(b.ring)]
}
