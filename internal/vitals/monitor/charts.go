package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/pulse.report/internal/httputil"
	"github.com/banshee-data/pulse.report/internal/vitals/pipeline"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleVitalsChart renders the in-memory result history as a line chart
// of bpm, brpm and movement against elapsed seconds.
// Query params:
//   - limit (optional; default all) newest results to plot
func (s *Server) handleVitalsChart(w http.ResponseWriter, r *http.Request) {
	results := s.history.Results()
	if n := httputil.IntQuery(r, "limit", 0, 1, DefaultHistorySize); n > 0 && n < len(results) {
		results = results[len(results)-n:]
	}
	if len(results) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no results published yet")
		return
	}

	line := vitalsChart(results)
	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	httputil.WriteBody(w, "text/html; charset=utf-8", buf.Bytes())
}

func vitalsChart(results []pipeline.Result) *charts.Line {
	x := make([]string, len(results))
	bpm := make([]opts.LineData, len(results))
	brpm := make([]opts.LineData, len(results))
	movement := make([]opts.LineData, len(results))
	for i, res := range results {
		x[i] = strconv.FormatFloat(res.ElapsedSeconds, 'f', 0, 64)
		bpm[i] = opts.LineData{Value: res.BPM}
		brpm[i] = opts.LineData{Value: res.BRPM}
		movement[i] = opts.LineData{Value: res.Movement}
	}
	last := results[len(results)-1]

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Vitals", Theme: "dark", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Vitals", Subtitle: fmt.Sprintf("results=%d latest bpm=%d brpm=%d movement=%.0f", len(results), last.BPM, last.BRPM, last.Movement)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "elapsed (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "per minute"}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "movement", Min: 0, Max: 100})
	line.SetXAxis(x).
		AddSeries("bpm", bpm, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)})).
		AddSeries("brpm", brpm, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)})).
		AddSeries("movement", movement, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1, ShowSymbol: opts.Bool(false)}))
	return line
}
