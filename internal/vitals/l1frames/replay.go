package l1frames

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/security"
)

// ReplaySource plays back a directory of still images (PNG or JPEG, sorted
// by file name) as a frame stream. Timestamps are synthesised at a fixed
// frame interval from the time Open is called, so replays are repeatable.
type ReplaySource struct {
	dir      string
	interval time.Duration
	loop     bool
	now      func() time.Time

	mu    sync.Mutex
	files []string
	next  int
	seq   uint64
	base  time.Time
	open  bool
}

// NewReplaySource creates a replay source over dir at fps frames per second.
// When loop is set the sequence restarts after the last image.
func NewReplaySource(dir string, fps int, loop bool) *ReplaySource {
	if fps <= 0 {
		fps = 30
	}
	return &ReplaySource{
		dir:      dir,
		interval: time.Second / time.Duration(fps),
		loop:     loop,
		now:      time.Now,
	}
}

// Open lists the directory. It fails when the directory is missing or holds
// no decodable image files.
func (s *ReplaySource) Open(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("replay source: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			path := filepath.Join(s.dir, e.Name())
			if err := security.ValidatePathWithinDirectory(path, s.dir); err != nil {
				monitoring.Opsf("[l1frames] replay: skipping %s: %v", e.Name(), err)
				continue
			}
			files = append(files, path)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("replay source: no images in %s", s.dir)
	}
	sort.Strings(files)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
	s.next = 0
	s.seq = 0
	s.base = s.now()
	s.open = true
	return nil
}

// Read decodes and returns the next image.
func (s *ReplaySource) Read(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrSourceClosed
	}
	if s.next >= len(s.files) {
		if !s.loop {
			return nil, ErrSourceClosed
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++

	img, err := decodeImage(path)
	if err != nil {
		return nil, err
	}
	ts := s.base.Add(time.Duration(s.seq) * s.interval)
	s.seq++
	return NewFrame(s.seq, ts, ToRGBA(img)), nil
}

// Close ends the replay.
func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay source: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("replay source: decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// SyntheticSource produces frames from a generator function. It is used for
// demos and tests where no camera is available.
type SyntheticSource struct {
	// Generate renders frame seq (starting at 1) captured at ts.
	Generate func(seq uint64, ts time.Time) *image.RGBA
	// Interval is the spacing of synthesised timestamps.
	Interval time.Duration
	// Start is the timestamp of the first frame; zero means time of Open.
	Start time.Time
	// Limit stops the stream after this many frames; zero means unbounded.
	Limit uint64

	mu   sync.Mutex
	seq  uint64
	open bool
}

// Open resets the generator.
func (s *SyntheticSource) Open(ctx context.Context) error {
	if s.Generate == nil {
		return fmt.Errorf("synthetic source: nil generator")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("synthetic source: non-positive interval %v", s.Interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Start.IsZero() {
		s.Start = time.Now()
	}
	s.seq = 0
	s.open = true
	return nil
}

// Read renders the next frame.
func (s *SyntheticSource) Read(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || (s.Limit > 0 && s.seq >= s.Limit) {
		return nil, ErrSourceClosed
	}
	ts := s.Start.Add(time.Duration(s.seq) * s.Interval)
	s.seq++
	return NewFrame(s.seq, ts, s.Generate(s.seq, ts)), nil
}

// Close ends the stream.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}
