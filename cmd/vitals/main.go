package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/timeutil"
	"github.com/banshee-data/pulse.report/internal/version"
	"github.com/banshee-data/pulse.report/internal/vitals/l1frames"
	"github.com/banshee-data/pulse.report/internal/vitals/l2face"
	"github.com/banshee-data/pulse.report/internal/vitals/monitor"
	"github.com/banshee-data/pulse.report/internal/vitals/pipeline"
	"github.com/banshee-data/pulse.report/internal/vitals/publish"
	"github.com/banshee-data/pulse.report/internal/vitals/storage/sqlite"
)

var (
	configFile   = flag.String("config", "", "Path to a tuning JSON file (default: built-in defaults)")
	sourceKind   = flag.String("source", "gst", "Video source: gst, replay or synthetic")
	gstElement   = flag.String("gst-element", "v4l2src device=/dev/video0", "GStreamer source element chain")
	frameWidth   = flag.Int("width", 640, "Capture width in pixels")
	frameHeight  = flag.Int("height", 480, "Capture height in pixels")
	replayDir    = flag.String("replay-dir", "", "Directory of PNG/JPEG frames for -source replay")
	replayLoop   = flag.Bool("replay-loop", false, "Restart the replay after the last frame")
	syntheticBPM = flag.Float64("synthetic-bpm", 72, "Pulse rate rendered by -source synthetic")
	cascadeFile  = flag.String("cascade", "cascade/facefinder", "Path to the pigo face cascade")
	dbFile       = flag.String("db", "vitals.db", "Path to the SQLite database file (empty disables storage)")
	natsURL      = flag.String("nats", "", "NATS server URL (empty disables publishing)")
	natsPrefix   = flag.String("nats-prefix", publish.DefaultSubjectPrefix, "NATS subject prefix")
	listen       = flag.String("listen", ":8082", "HTTP listen address (empty disables the monitor)")
	historySize  = flag.Int("history", monitor.DefaultHistorySize, "Results kept in memory for the monitor")
	debug        = flag.Bool("debug", false, "Enable the diag log stream")
	traceFile    = flag.String("trace-file", "", "Write per-frame trace logs to this file")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	writers := monitoring.LogWriters{Ops: os.Stderr}
	if *debug {
		writers.Diag = os.Stderr
	}
	if *traceFile != "" {
		f, err := os.OpenFile(*traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open trace file: %v", err)
		}
		defer f.Close()
		writers.Trace = f
	}
	monitoring.SetLogWriters(writers)
	log.Print(version.String())

	tuning, err := loadTuning(*configFile)
	if err != nil {
		log.Fatalf("Failed to load tuning config: %v", err)
	}

	clock := timeutil.RealClock{}
	source, label, err := buildSource(*sourceKind, tuning.GetTargetFPS(), clock)
	if err != nil {
		log.Fatalf("Failed to configure video source: %v", err)
	}
	detector, err := buildDetector(*sourceKind, *cascadeFile, tuning)
	if err != nil {
		log.Fatalf("Failed to load face detector: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history := monitor.NewHistory(*historySize)
	sinks := []pipeline.ResultSink{history}

	var store *sqlite.Store
	var session *sqlite.Session
	if *dbFile != "" {
		store, err = sqlite.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open vitals database: %v", err)
		}
		defer store.Close()
		session, err = store.StartSession(ctx, label, clock.Now())
		if err != nil {
			log.Fatalf("Failed to start session: %v", err)
		}
		sinks = append(sinks, session)
		log.Printf("Recording session %s to %s", session.ID(), store.Path())
	}

	if *natsURL != "" {
		nc, err := publish.Connect(*natsURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer nc.Drain()
		sink := publish.NewSink(nc, *natsPrefix, sessionID(session))
		sinks = append(sinks, sink)
		log.Printf("Publishing results on %s", sink.Subject())
	}

	cfg := pipeline.ConfigFromTuning(tuning)
	cfg.Source = source
	cfg.Detector = detector
	cfg.Clock = clock
	cfg.Sinks = sinks
	cfg.OnResult = func(r pipeline.Result) {
		log.Printf("bpm=%d brpm=%d movement=%.0f elapsed=%.1fs", r.BPM, r.BRPM, r.Movement, r.ElapsedSeconds)
	}
	p, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	var wg sync.WaitGroup
	if *listen != "" {
		srv := monitor.NewServer(monitor.Config{
			Address: *listen,
			Vitals:  p,
			History: history,
			Store:   store,
			Session: sessionID(session),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				log.Printf("Monitor server error: %v", err)
			}
			log.Print("Monitor server terminated")
		}()
	}

	runErr := p.Run(ctx)
	stop()
	wg.Wait()

	if session != nil {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := session.End(endCtx, clock.Now()); err != nil {
			log.Printf("Failed to close session %s: %v", session.ID(), err)
		}
		cancel()
	}

	stats := p.Stats()
	log.Printf("Pipeline finished: %d frames, %d estimates published, %d dropped, %d overruns",
		stats.Locator.Frames, stats.Emitted, stats.SnapshotsDropped, stats.Overruns)
	if runErr != nil {
		log.Fatalf("Pipeline error: %v", runErr)
	}
}

// loadTuning reads path, or returns the built-in defaults when path is empty.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// buildSource returns the configured video source and the label recorded
// with the session.
func buildSource(kind string, fps int, clock timeutil.Clock) (l1frames.Source, string, error) {
	switch kind {
	case "gst":
		gst := l1frames.GstConfig{
			Element: *gstElement,
			Width:   *frameWidth,
			Height:  *frameHeight,
			FPS:     fps,
		}
		return l1frames.NewGstSource(gst, clock), "gst:" + *gstElement, nil
	case "replay":
		if *replayDir == "" {
			return nil, "", fmt.Errorf("-source replay requires -replay-dir")
		}
		return l1frames.NewReplaySource(*replayDir, fps, *replayLoop), "replay:" + *replayDir, nil
	case "synthetic":
		return newSyntheticSource(*frameWidth, *frameHeight, fps, *syntheticBPM), fmt.Sprintf("synthetic:%gbpm", *syntheticBPM), nil
	default:
		return nil, "", fmt.Errorf("unknown video source %q", kind)
	}
}

// buildDetector loads the cascade. The synthetic source renders no face, so
// it is paired with a detector that reports its fixed face box.
func buildDetector(kind, cascade string, tuning *config.TuningConfig) (l2face.Detector, error) {
	if kind == "synthetic" {
		return syntheticDetector(*frameWidth, *frameHeight), nil
	}
	return l2face.LoadPigoDetector(cascade, l2face.DetectorParamsFromTuning(tuning))
}

func sessionID(s *sqlite.Session) string {
	if s == nil {
		return ""
	}
	return s.ID()
}
