package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/arcline-robotics/motionlink/internal/httputil"
)

// cycleChart renders an HTML line chart of cycle jitter over time
// using go-echarts. This is a debugging-only endpoint (no auth) to
// eyeball timing drift without pulling the database.
// Query params:
//   - window (optional; default 1h) trailing history to plot
//   - limit (optional; default 1000) maximum windows to load
func (s *Server) cycleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "telemetry store disabled")
		return
	}

	windows, err := s.db.CycleWindows(time.Now().Add(-queryWindow(r)), queryInt(r, "limit", 1000))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if len(windows) == 0 {
		httputil.NotFound(w, "no cycle windows recorded in the requested window")
		return
	}

	labels := make([]string, 0, len(windows))
	mean := make([]opts.LineData, 0, len(windows))
	max := make([]opts.LineData, 0, len(windows))
	for _, cw := range windows {
		labels = append(labels, cw.EndedAt.Local().Format("15:04:05"))
		mean = append(mean, opts.LineData{Value: cw.JitterMeanUs})
		max = append(max, opts.LineData{Value: cw.JitterMaxUs})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Cycle Jitter", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Cycle Jitter", Subtitle: fmt.Sprintf("controller=%s windows=%d", s.name, len(windows))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "jitter (us)"}),
	)
	line.SetXAxis(labels).
		AddSeries("mean", mean).
		AddSeries("max", max).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
