// cycle-plot renders cycle-timing plots from the telemetry database:
// mean and max jitter per recorded window, plus a printed percentile
// summary. Output format follows the file extension (.png, .svg,
// .pdf).
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/arcline-robotics/motionlink/internal/telemetry"
)

var (
	dbPath = flag.String("db", "motionlink.db", "Telemetry database path")
	out    = flag.String("out", "cycle_jitter.png", "Output image path (.png, .svg, .pdf)")
	window = flag.Duration("window", 24*time.Hour, "Trailing history to plot")
	limit  = flag.Int("limit", 10000, "Maximum cycle windows to load")
)

func main() {
	flag.Parse()

	db, err := telemetry.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	windows, err := db.CycleWindows(time.Now().Add(-*window), *limit)
	if err != nil {
		log.Fatalf("Failed to load cycle windows: %v", err)
	}
	if len(windows) == 0 {
		log.Fatalf("No cycle windows recorded in the last %v", *window)
	}

	start := windows[0].StartedAt
	meanPts := make(plotter.XYs, len(windows))
	maxPts := make(plotter.XYs, len(windows))
	means := make([]float64, len(windows))
	for i, cw := range windows {
		x := cw.EndedAt.Sub(start).Seconds()
		meanPts[i] = plotter.XY{X: x, Y: cw.JitterMeanUs}
		maxPts[i] = plotter.XY{X: x, Y: cw.JitterMaxUs}
		means[i] = cw.JitterMeanUs
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Cycle Jitter (%d windows from %s)", len(windows), start.Local().Format(time.RFC3339))
	p.X.Label.Text = "seconds since first window"
	p.Y.Label.Text = "jitter (us)"

	meanLine, err := plotter.NewLine(meanPts)
	if err != nil {
		log.Fatalf("Failed to build mean line: %v", err)
	}
	meanLine.Width = vg.Points(1)
	meanLine.Color = color.RGBA{B: 255, A: 255}

	maxLine, err := plotter.NewLine(maxPts)
	if err != nil {
		log.Fatalf("Failed to build max line: %v", err)
	}
	maxLine.Width = vg.Points(1)
	maxLine.Color = color.RGBA{R: 255, A: 255}

	p.Add(meanLine, maxLine)
	p.Legend.Add("mean", meanLine)
	p.Legend.Add("max", maxLine)
	p.Legend.Top = true

	if err := p.Save(14*vg.Inch, 6*vg.Inch, *out); err != nil {
		log.Fatalf("Failed to save plot: %v", err)
	}

	sort.Float64s(means)
	fmt.Printf("wrote %s\n", *out)
	fmt.Printf("windows: %d\n", len(windows))
	fmt.Printf("mean jitter p50: %.1f us\n", stat.Quantile(0.50, stat.Empirical, means, nil))
	fmt.Printf("mean jitter p95: %.1f us\n", stat.Quantile(0.95, stat.Empirical, means, nil))
	fmt.Printf("mean jitter p99: %.1f us\n", stat.Quantile(0.99, stat.Empirical, means, nil))
}
