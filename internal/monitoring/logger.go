// Package monitoring holds the diagnostic log streams shared by the vitals
// packages.
//
// Three streams are available: ops (actionable warnings, errors, dropped
// work), diag (day-to-day diagnostics and tuning context) and trace
// (per-frame telemetry). Each stream is disabled until a writer is set.
package monitoring

import (
	"io"
	"log"
	"sync"
)

// Logf is the package-level printf logger used by storage and startup code.
// It defaults to log.Printf but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu          sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures all three logging streams at once.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger("[vitals] ", w.Ops)
	diagLogger = newLogger("[vitals] ", w.Diag)
	traceLogger = newLogger("[vitals] ", w.Trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func printf(l **log.Logger, format string, args []interface{}) {
	mu.RLock()
	lg := *l
	mu.RUnlock()
	if lg != nil {
		lg.Printf(format, args...)
	}
}

// Opsf logs to the ops stream.
func Opsf(format string, args ...interface{}) { printf(&opsLogger, format, args) }

// Diagf logs to the diag stream.
func Diagf(format string, args ...interface{}) { printf(&diagLogger, format, args) }

// Tracef logs to the trace stream.
func Tracef(format string, args ...interface{}) { printf(&traceLogger, format, args) }
