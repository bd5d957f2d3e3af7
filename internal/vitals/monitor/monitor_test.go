package monitor

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulse.report/internal/testutil"
	"github.com/banshee-data/pulse.report/internal/vitals/l2face"
	"github.com/banshee-data/pulse.report/internal/vitals/l3motion"
	"github.com/banshee-data/pulse.report/internal/vitals/l4rates"
	"github.com/banshee-data/pulse.report/internal/vitals/pipeline"
	"github.com/banshee-data/pulse.report/internal/vitals/storage/sqlite"
)

var t0 = time.Unix(1_700_000_000, 0)

type fakeVitals struct {
	est     *l4rates.Estimate
	history []l3motion.MovementSample
}

func (f *fakeVitals) Stats() pipeline.Stats {
	return pipeline.Stats{Buffered: 120, SnapshotsSent: 4, Emitted: 3}
}

func (f *fakeVitals) Overlay() pipeline.Overlay {
	return pipeline.Overlay{
		State:    l2face.StateTracking,
		Box:      l2face.FaceBox{X: 10, Y: 20, Width: 100, Height: 120, Valid: true},
		ROI:      image.Rect(40, 32, 81, 50),
		Movement: 7,
	}
}

func (f *fakeVitals) Movement() float64 { return 7 }

func (f *fakeVitals) LastEstimate() (l4rates.Estimate, bool) {
	if f.est == nil {
		return l4rates.Estimate{}, false
	}
	return *f.est, true
}

func (f *fakeVitals) MovementHistory() []l3motion.MovementSample { return f.history }

func sampleEstimate() *l4rates.Estimate {
	hr := make([]float64, 151)
	br := make([]float64, 451)
	hr[12] = 5 // 72 bpm at 300 samples, 30 fps
	br[7] = 3  // 14 brpm at 900 samples
	return &l4rates.Estimate{BPM: 72, BRPM: 14, FPS: 30, HRSpectrum: hr, BRSpectrum: br, HRSamples: 300, BRSamples: 900}
}

func publish(t *testing.T, h *History, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, h.PublishResult(context.Background(), pipeline.Result{
			BPM: 60 + i, BRPM: 12, Movement: float64(i), ElapsedSeconds: float64(i), Timestamp: t0.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	t.Parallel()
	h := NewHistory(3)
	_, ok := h.Latest()
	assert.False(t, ok)

	publish(t, h, 5)
	got := h.Results()
	require.Len(t, got, 3)
	assert.Equal(t, 63, got[0].BPM)
	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, 65, latest.BPM)

	// Results is a copy.
	got[0].BPM = 0
	assert.Equal(t, 63, h.Results()[0].BPM)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Vitals: &fakeVitals{}})
	rec := testutil.Get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"version":"dev"`)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := NewHistory(10)
	publish(t, h, 2)
	s := NewServer(Config{Vitals: &fakeVitals{}, History: h})

	rec := testutil.Get(t, s.Handler(), "/api/vitals/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		State    string
		Face     rectJSON
		ROI      rectJSON
		Movement float64
		Latest   pipeline.Result
		Stats    pipeline.Stats
	}
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, "tracking", body.State)
	assert.Equal(t, rectJSON{X: 10, Y: 20, W: 100, H: 120}, body.Face)
	assert.Equal(t, rectJSON{X: 40, Y: 32, W: 41, H: 18}, body.ROI)
	assert.Equal(t, 62, body.Latest.BPM)
	assert.Equal(t, uint64(3), body.Stats.Emitted)

	rec = testutil.Get(t, NewServer(Config{}).Handler(), "/api/vitals/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryEndpointLimit(t *testing.T) {
	t.Parallel()
	h := NewHistory(10)
	publish(t, h, 6)
	s := NewServer(Config{Vitals: &fakeVitals{}, History: h})

	tests := []struct {
		target string
		want   int
	}{
		{"/api/vitals/history", 6},
		{"/api/vitals/history?limit=2", 2},
		{"/api/vitals/history?limit=abc", 6},
		{"/api/vitals/history?limit=0", 6},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			var got []pipeline.Result
			testutil.DecodeJSON(t, testutil.Get(t, s.Handler(), tc.target), &got)
			assert.Len(t, got, tc.want)
			assert.Equal(t, 66, got[len(got)-1].BPM)
		})
	}
}

func TestVitalsChart(t *testing.T) {
	t.Parallel()
	h := NewHistory(10)
	s := NewServer(Config{Vitals: &fakeVitals{}, History: h})
	assert.Equal(t, http.StatusNotFound, testutil.Get(t, s.Handler(), "/vitals/chart").Code)

	publish(t, h, 4)
	rec := testutil.Get(t, s.Handler(), "/vitals/chart")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "echarts")
	assert.Contains(t, body, "brpm")
	assert.Contains(t, body, "movement")
}

func decodePNG(t *testing.T, rec *httptest.ResponseRecorder) image.Image {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	return img
}

func TestSpectrumPlot(t *testing.T) {
	t.Parallel()
	vit := &fakeVitals{}
	s := NewServer(Config{Vitals: vit})
	assert.Equal(t, http.StatusNotFound, testutil.Get(t, s.Handler(), "/vitals/spectrum.png").Code)

	vit.est = sampleEstimate()
	img := decodePNG(t, testutil.Get(t, s.Handler(), "/vitals/spectrum.png"))
	assert.Positive(t, img.Bounds().Dx())
	decodePNG(t, testutil.Get(t, s.Handler(), "/vitals/spectrum.png?rate=br"))
	assert.Equal(t, http.StatusBadRequest, testutil.Get(t, s.Handler(), "/vitals/spectrum.png?rate=spo2").Code)
}

func TestSpectrumPlotTitle(t *testing.T) {
	t.Parallel()
	p, err := spectrumPlot(*sampleEstimate(), "hr")
	require.NoError(t, err)
	assert.Equal(t, "hr spectrum: peak 72/min, 300 samples at 30.0 fps", p.Title.Text)

	_, err = spectrumPlot(l4rates.Estimate{}, "br")
	assert.Error(t, err)
}

func TestMovementPlot(t *testing.T) {
	t.Parallel()
	vit := &fakeVitals{}
	s := NewServer(Config{Vitals: vit})
	decodePNG(t, testutil.Get(t, s.Handler(), "/vitals/movement.png"))

	for i := 0; i < 10; i++ {
		vit.history = append(vit.history, l3motion.MovementSample{Timestamp: t0.Add(time.Duration(i) * time.Second), Score: float64(i * 10)})
	}
	decodePNG(t, testutil.Get(t, s.Handler(), "/vitals/movement.png"))
}

func TestDigestEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert.Equal(t, http.StatusNotFound, testutil.Get(t, NewServer(Config{}).Handler(), "/api/vitals/digest").Code)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "vitals.db"))
	require.NoError(t, err)
	defer store.Close()
	se, err := store.StartSession(ctx, "synthetic", t0)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, se.PublishResult(ctx, pipeline.Result{BPM: 70 + i, BRPM: 12, ElapsedSeconds: float64(i), Timestamp: t0.Add(time.Duration(i) * time.Second)}))
	}

	s := NewServer(Config{Vitals: &fakeVitals{}, Store: store, Session: se.ID()})
	rec := testutil.Get(t, s.Handler(), "/api/vitals/digest?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "inline; filename=vitals-"+se.ID()+".csv", rec.Header().Get("Content-Disposition"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Equal(t, []string{"elapsed_seconds,bpm,brpm,movement", "3,73,12,0", "2,72,12,0"}, lines)

	rec = testutil.Get(t, s.Handler(), "/api/vitals/digest?session=other")
	assert.Equal(t, "elapsed_seconds,bpm,brpm,movement", strings.TrimSpace(rec.Body.String()))
}

func TestStartStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Address: "127.0.0.1:0", Vitals: &fakeVitals{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestRoutesRejectWrites(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Vitals: &fakeVitals{}})
	rec := testutil.Serve(t, s.Handler(), http.MethodPost, "/api/vitals/status")
	testutil.AssertStatusCode(t, rec, http.StatusMethodNotAllowed)
}
