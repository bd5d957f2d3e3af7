package l1frames

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/timeutil"
)

// GstConfig configures a GStreamer-backed video source.
type GstConfig struct {
	// Element is the source element chain, e.g. "v4l2src device=/dev/video0"
	// or "avfvideosrc device-index=0". The converter, caps filter and fdsink
	// are appended automatically.
	Element string
	Width   int
	Height  int
	FPS     int

	// Binary defaults to "gst-launch-1.0".
	Binary string
}

// Pipeline returns the full gst-launch argument string for the config.
func (c GstConfig) Pipeline() string {
	return fmt.Sprintf("%s ! videoconvert ! videoscale ! video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1 ! fdsink fd=1 sync=false",
		c.Element, c.Width, c.Height, c.FPS)
}

// GstSource reads raw RGB frames from a gst-launch-1.0 child process.
type GstSource struct {
	cfg   GstConfig
	clock timeutil.Clock
	box   *mailbox

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGstSource creates a source for cfg. The process is not started until Open.
func NewGstSource(cfg GstConfig, clock timeutil.Clock) *GstSource {
	if cfg.Binary == "" {
		cfg.Binary = "gst-launch-1.0"
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &GstSource{cfg: cfg, clock: clock, box: newMailbox()}
}

// Open starts the GStreamer process. It fails if the binary cannot be
// started or the configuration is unusable.
func (s *GstSource) Open(ctx context.Context) error {
	if s.cfg.Element == "" {
		return errors.New("gstreamer source: empty source element")
	}
	if s.cfg.Width <= 0 || s.cfg.Height <= 0 || s.cfg.FPS <= 0 {
		return fmt.Errorf("gstreamer source: invalid geometry %dx%d@%d", s.cfg.Width, s.cfg.Height, s.cfg.FPS)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return errors.New("gstreamer source: already open")
	}

	runCtx, cancel := context.WithCancel(ctx)
	args := append([]string{"-q", "-e"}, splitArgs(s.cfg.Pipeline())...)
	cmd := exec.CommandContext(runCtx, s.cfg.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("gstreamer source: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("gstreamer source: start %s: %w", s.cfg.Binary, err)
	}
	monitoring.Diagf("[l1frames] started %s %s", s.cfg.Binary, s.cfg.Pipeline())

	s.cmd = cmd
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		err := readRawRGB(bufio.NewReaderSize(stdout, s.cfg.Width*s.cfg.Height*3), s.cfg.Width, s.cfg.Height, s.clock, s.box)
		if waitErr := cmd.Wait(); err == nil && waitErr != nil && runCtx.Err() == nil {
			err = fmt.Errorf("gstreamer source: process exited: %w", waitErr)
		}
		if err != nil {
			monitoring.Opsf("[l1frames] %v", err)
		}
		s.box.close(err)
	}()
	return nil
}

// Read returns the most recent frame not yet returned.
func (s *GstSource) Read(ctx context.Context) (*Frame, error) {
	return s.box.take(ctx)
}

// Stats reports how many frames were produced and how many were skipped.
func (s *GstSource) Stats() SourceStats {
	return s.box.stats()
}

// Close stops the GStreamer process and waits for the reader to exit.
func (s *GstSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cmd, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	s.box.close(nil)
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// readRawRGB decodes a stream of packed 8-bit RGB frames of w×h pixels and
// publishes each one. It returns nil on a clean end of stream.
func readRawRGB(r io.Reader, w, h int, clock timeutil.Clock, box *mailbox) error {
	buf := make([]byte, w*h*3)
	var seq uint64
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("raw frame truncated: %w", err)
			}
			return err
		}
		ts := clock.Now()
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
			img.Pix[j] = buf[i]
			img.Pix[j+1] = buf[i+1]
			img.Pix[j+2] = buf[i+2]
			img.Pix[j+3] = 0xff
		}
		seq++
		box.publish(NewFrame(seq, ts, img))
	}
}

// splitArgs is a minimal whitespace splitter that keeps double-quoted runs
// together (no full shell parsing).
func splitArgs(s string) []string {
	var args []string
	var current strings.Builder
	inQuotes := false
	flush := func() {
		if current.Len() > 0 {
			args = append(args, current.String())
			current.Reset()
		}
	}
	for _, ch := range s {
		switch {
		case ch == '"':
			inQuotes = !inQuotes
		case (ch == ' ' || ch == '\t') && !inQuotes:
			flush()
		default:
			current.WriteRune(ch)
		}
	}
	flush()
	return args
}
