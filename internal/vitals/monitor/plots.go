package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/pulse.report/internal/httputil"
	"github.com/banshee-data/pulse.report/internal/vitals/l3motion"
	"github.com/banshee-data/pulse.report/internal/vitals/l4rates"
)

var (
	spectrumColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	bandColor     = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// handleSpectrumPlot renders the magnitude spectrum of the latest estimate.
// Query params:
//   - rate ("hr" or "br"; default "hr")
func (s *Server) handleSpectrumPlot(w http.ResponseWriter, r *http.Request) {
	if s.vitals == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	est, ok := s.vitals.LastEstimate()
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no estimate yet")
		return
	}
	which := r.URL.Query().Get("rate")
	if which == "" {
		which = "hr"
	}
	p, err := spectrumPlot(est, which)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writePNG(w, p, 8*vg.Inch, 4*vg.Inch)
}

// handleMovementPlot renders the retained movement score history.
func (s *Server) handleMovementPlot(w http.ResponseWriter, r *http.Request) {
	if s.vitals == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	p, err := movementPlot(s.vitals.MovementHistory())
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePNG(w, p, 8*vg.Inch, 3*vg.Inch)
}

func spectrumPlot(est l4rates.Estimate, which string) (*plot.Plot, error) {
	var spec []float64
	var n, peak int
	var lo, hi float64
	switch which {
	case "hr":
		spec, n, peak, lo, hi = est.HRSpectrum, est.HRSamples, est.BPM, l4rates.LowBPM, l4rates.HighBPM
	case "br":
		spec, n, peak, lo, hi = est.BRSpectrum, est.BRSamples, est.BRPM, l4rates.LowBRPM, l4rates.HighBRPM
	default:
		return nil, fmt.Errorf("unknown rate %q", which)
	}
	if len(spec) == 0 {
		return nil, fmt.Errorf("estimate has no %s spectrum", which)
	}

	rates := l4rates.SpectrumRates(spec, n, est.FPS)
	pts := make(plotter.XYs, 0, len(spec))
	maxMag := 0.0
	for k, m := range spec {
		// Plot a little beyond the band so its edges are visible.
		if rates[k] < lo/2 || rates[k] > hi*1.25 {
			continue
		}
		pts = append(pts, plotter.XY{X: rates[k], Y: m})
		maxMag = max(maxMag, m)
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("%s spectrum has no bins near the band", which)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s spectrum: peak %d/min, %d samples at %.1f fps", which, peak, n, est.FPS)
	p.X.Label.Text = "rate (per minute)"
	p.Y.Label.Text = "magnitude"

	ln, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	ln.Color = spectrumColor
	ln.Width = vg.Points(1)
	p.Add(ln)

	for _, edge := range []float64{lo, hi} {
		e, err := plotter.NewLine(plotter.XYs{{X: edge, Y: 0}, {X: edge, Y: maxMag}})
		if err != nil {
			return nil, err
		}
		e.Color = bandColor
		e.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(e)
	}
	p.Add(plotter.NewGrid())
	return p, nil
}

func movementPlot(history []l3motion.MovementSample) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "movement"
	p.X.Label.Text = "seconds before latest"
	p.Y.Label.Text = "score"
	p.Y.Min, p.Y.Max = 0, l3motion.MaxMovementScore
	if len(history) == 0 {
		return p, nil
	}

	last := history[len(history)-1].Timestamp
	pts := make(plotter.XYs, len(history))
	for i, s := range history {
		pts[i] = plotter.XY{X: s.Timestamp.Sub(last).Seconds(), Y: s.Score}
	}
	ln, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	ln.Color = spectrumColor
	ln.Width = vg.Points(1)
	p.Add(ln, plotter.NewGrid())
	return p, nil
}

func writePNG(w http.ResponseWriter, p *plot.Plot, width, height vg.Length) {
	c := vgimg.PngCanvas{Canvas: vgimg.New(width, height)}
	p.Draw(draw.New(c))
	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	httputil.WriteBody(w, "image/png", buf.Bytes())
}
