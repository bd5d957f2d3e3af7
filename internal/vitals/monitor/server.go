package monitor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/banshee-data/pulse.report/internal/httputil"
	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/security"
	"github.com/banshee-data/pulse.report/internal/version"
	"github.com/banshee-data/pulse.report/internal/vitals/l3motion"
	"github.com/banshee-data/pulse.report/internal/vitals/l4rates"
	"github.com/banshee-data/pulse.report/internal/vitals/pipeline"
	"github.com/banshee-data/pulse.report/internal/vitals/storage/sqlite"
)

// Vitals is the read-only view of a running pipeline the server renders.
// *pipeline.Pipeline implements it.
type Vitals interface {
	Stats() pipeline.Stats
	Overlay() pipeline.Overlay
	Movement() float64
	LastEstimate() (l4rates.Estimate, bool)
	MovementHistory() []l3motion.MovementSample
}

// Config contains configuration options for the web server.
type Config struct {
	Address string
	Vitals  Vitals
	History *History
	Store   *sqlite.Store // Optional
	Session string        // Session shown by the digest endpoint
}

// Server handles the HTTP interface for monitoring a running pipeline.
type Server struct {
	address string
	vitals  Vitals
	history *History
	store   *sqlite.Store
	session string
	started time.Time
	server  *http.Server
}

// NewServer creates a web server with the provided configuration.
func NewServer(cfg Config) *Server {
	if cfg.History == nil {
		cfg.History = NewHistory(0)
	}
	s := &Server{
		address: cfg.Address,
		vitals:  cfg.Vitals,
		history: cfg.History,
		store:   cfg.Store,
		session: cfg.Session,
		started: time.Now(),
	}
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is cancelled, then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
	return nil
}

// routes configures the HTTP routes. Debug routes from AttachAdminRoutes
// are mounted on the same mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httputil.GetOnly(s.handleHealth))
	mux.HandleFunc("/api/vitals/status", httputil.GetOnly(s.handleStatus))
	mux.HandleFunc("/api/vitals/history", httputil.GetOnly(s.handleHistory))
	mux.HandleFunc("/api/vitals/digest", httputil.GetOnly(s.handleDigest))
	mux.HandleFunc("/vitals/chart", httputil.GetOnly(s.handleVitalsChart))
	mux.HandleFunc("/vitals/spectrum.png", httputil.GetOnly(s.handleSpectrumPlot))
	mux.HandleFunc("/vitals/movement.png", httputil.GetOnly(s.handleMovementPlot))
	AttachAdminRoutes(mux, s.store)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"git_sha": version.GitSHA,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

type statusJSON struct {
	State    string           `json:"state"`
	Face     *rectJSON        `json:"face,omitempty"`
	ROI      *rectJSON        `json:"roi,omitempty"`
	Movement float64          `json:"movement"`
	Latest   *pipeline.Result `json:"latest,omitempty"`
	Stats    pipeline.Stats   `json:"stats"`
}

type rectJSON struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func toRect(r image.Rectangle) *rectJSON {
	if r.Empty() {
		return nil
	}
	return &rectJSON{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.vitals == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	ov := s.vitals.Overlay()
	out := statusJSON{
		State:    string(ov.State),
		ROI:      toRect(ov.ROI),
		Movement: s.vitals.Movement(),
		Stats:    s.vitals.Stats(),
	}
	if ov.Box.Valid {
		out.Face = toRect(ov.Box.Rect())
	}
	if latest, ok := s.history.Latest(); ok {
		out.Latest = &latest
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	results := s.history.Results()
	if n := httputil.IntQuery(r, "limit", 0, 1, DefaultHistorySize); n > 0 && n < len(results) {
		results = results[len(results)-n:]
	}
	httputil.WriteJSONOK(w, results)
}

// handleDigest returns the newest persisted results of the current
// session as CSV.
// Query params:
//   - session (optional; defaults to the running session)
//   - limit (optional; default 24)
func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no database attached")
		return
	}
	session := r.URL.Query().Get("session")
	if session == "" {
		session = s.session
	}
	limit := httputil.IntQuery(r, "limit", sqlite.DefaultDigestRows, 1, 10000)
	digest, err := s.store.RecentDigest(r.Context(), session, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=vitals-%s.csv", security.SanitizeFilename(session)))
	httputil.WriteBody(w, "text/csv; charset=utf-8", []byte(digest+"\n"))
}
