// Command session-report renders offline reports for a recorded session.
//
// It produces an interactive HTML dashboard (ECharts) with the depth
// timeline and per-rep quality, plus a static PNG of the depth curve for
// embedding in clinician summaries, and prints quality quantiles to stdout.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "modernc.org/sqlite"

	"github.com/rehab-data/posture.report/internal/db"
)

var (
	dbFile    = flag.String("db", "posture_data.db", "path to the SQLite database")
	sessionID = flag.String("session", "", "session ID to report on (required)")
	outputDir = flag.String("o", "reports", "output directory")
)

func main() {
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "Error: -session is required")
		flag.Usage()
		os.Exit(1)
	}

	database, err := db.OpenDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	session, err := database.GetSession(*sessionID)
	if err != nil {
		log.Fatalf("Failed to load session: %v", err)
	}

	observations, err := database.SessionPoseObservations(*sessionID)
	if err != nil {
		log.Fatalf("Failed to load pose data: %v", err)
	}
	if len(observations) == 0 {
		log.Fatalf("No pose data recorded for session %s", *sessionID)
	}

	reps, err := database.SessionReps(*sessionID)
	if err != nil {
		log.Fatalf("Failed to load reps: %v", err)
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	htmlPath := filepath.Join(*outputDir, fmt.Sprintf("session_%s.html", *sessionID))
	if err := renderHTML(htmlPath, session, observations, reps); err != nil {
		log.Fatalf("Failed to render HTML report: %v", err)
	}
	log.Printf("✓ Wrote %s", htmlPath)

	pngPath := filepath.Join(*outputDir, fmt.Sprintf("session_%s_depth.png", *sessionID))
	if err := renderDepthPNG(pngPath, observations); err != nil {
		log.Fatalf("Failed to render depth plot: %v", err)
	}
	log.Printf("✓ Wrote %s", pngPath)

	printQualitySummary(observations, reps)
}

// renderHTML writes the ECharts dashboard: depth timeline plus a per-rep
// quality bar chart.
func renderHTML(path string, session *db.Session, observations []db.PoseObservation, reps []db.SquatRep) error {
	t0 := observations[0].WriteTimestamp

	depthX := make([]string, 0, len(observations))
	depthY := make([]opts.LineData, 0, len(observations))
	qualityY := make([]opts.LineData, 0, len(observations))
	for _, o := range observations {
		depthX = append(depthX, fmt.Sprintf("%.1f", o.WriteTimestamp-t0))
		depthY = append(depthY, opts.LineData{Value: o.Depth})
		qualityY = append(qualityY, opts.LineData{Value: o.Quality})
	}

	subtitle := fmt.Sprintf("session=%s frames=%d reps=%d", session.ID, len(observations), len(reps))

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session Depth", Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Squat Depth Timeline", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Depth (m)"}),
	)
	line.SetXAxis(depthX).
		AddSeries("depth", depthY).
		AddSeries("quality", qualityY)

	repX := make([]string, 0, len(reps))
	repY := make([]opts.BarData, 0, len(reps))
	for i, r := range reps {
		repX = append(repX, fmt.Sprintf("rep %d", i+1))
		repY = append(repY, opts.BarData{Value: r.AvgQuality})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Per-Rep Quality"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Avg quality", Max: 1}),
	)
	bar.SetXAxis(repX).
		AddSeries("avg quality", repY,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(line, bar)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return page.Render(f)
}

// renderDepthPNG writes a static depth-over-time plot.
func renderDepthPNG(path string, observations []db.PoseObservation) error {
	t0 := observations[0].WriteTimestamp

	pts := make(plotter.XYs, 0, len(observations))
	for _, o := range observations {
		pts = append(pts, plotter.XY{X: o.WriteTimestamp - t0, Y: o.Depth})
	}

	p := plot.New()
	p.Title.Text = "Squat Depth"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Depth (m)"

	depthLine, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	depthLine.Width = vg.Points(1)
	p.Add(depthLine)
	p.Legend.Add("depth", depthLine)
	p.Legend.Top = true

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

// printQualitySummary prints frame quality quantiles and rep aggregates.
func printQualitySummary(observations []db.PoseObservation, reps []db.SquatRep) {
	qualities := make([]float64, 0, len(observations))
	for _, o := range observations {
		// only frames with any depth carry a meaningful quality score
		if o.Depth > 0 {
			qualities = append(qualities, o.Quality)
		}
	}
	sort.Float64s(qualities)

	fmt.Println("=== Session Summary ===")
	fmt.Printf("Frames:       %d (%d in-squat)\n", len(observations), len(qualities))
	fmt.Printf("Reps:         %d\n", len(reps))
	if len(qualities) > 0 {
		fmt.Printf("Quality mean: %.3f\n", stat.Mean(qualities, nil))
		fmt.Printf("Quality P50:  %.3f\n", stat.Quantile(0.50, stat.Empirical, qualities, nil))
		fmt.Printf("Quality P85:  %.3f\n", stat.Quantile(0.85, stat.Empirical, qualities, nil))
		fmt.Printf("Quality P98:  %.3f\n", stat.Quantile(0.98, stat.Empirical, qualities, nil))
	}
	for i, r := range reps {
		fmt.Printf("  rep %2d: depth=%.2fm quality=%.2f samples=%d\n",
			i+1, r.MaxDepth, r.AvgQuality, r.SampleCount)
	}
}
