// Command fuel-trace renders a vehicle's fuel history from the
// fuelwatch database as PNG charts: raw vs corrected vs filtered level
// with event markers, plus the estimated burn rate.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fuelwatch/internal/fuel"
	"github.com/banshee-data/fuelwatch/internal/fueldb"
)

var (
	dbFile    = flag.String("db", "fuelwatch.db", "Path to the sqlite database")
	vehicleID = flag.String("vehicle", "", "Vehicle id to trace (required)")
	hours     = flag.Float64("hours", 24, "How far back to trace")
	outDir    = flag.String("out", "plots", "Output directory for PNG files")
)

func main() {
	flag.Parse()
	if *vehicleID == "" {
		flag.Usage()
		os.Exit(2)
	}

	db, err := fueldb.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", *dbFile, err)
	}
	defer db.Close()

	since := time.Now().Add(-time.Duration(*hours * float64(time.Hour)))
	metrics, err := db.MetricsForVehicle(*vehicleID, since)
	if err != nil {
		log.Fatalf("failed to load metrics: %v", err)
	}
	if len(metrics) == 0 {
		log.Fatalf("no metrics for vehicle %s since %s", *vehicleID, since.Format(time.RFC3339))
	}

	events, err := db.EventsForVehicle(*vehicleID, 500)
	if err != nil {
		log.Fatalf("failed to load events: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}

	levelFile := filepath.Join(*outDir, fmt.Sprintf("%s_level.png", *vehicleID))
	if err := plotLevels(metrics, events, since, levelFile); err != nil {
		log.Fatalf("level plot: %v", err)
	}
	rateFile := filepath.Join(*outDir, fmt.Sprintf("%s_rate.png", *vehicleID))
	if err := plotRate(metrics, rateFile); err != nil {
		log.Fatalf("rate plot: %v", err)
	}

	log.Printf("wrote %s and %s (%d metrics rows, %d events)",
		levelFile, rateFile, len(metrics), len(events))
}

// plotLevels draws raw, corrected, and filtered level traces with
// vertical markers at classified events.
func plotLevels(metrics []fuel.MetricsRow, events []fuel.Event, since time.Time, outFile string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Fuel Level - %s", metrics[0].VehicleID)
	p.X.Label.Text = "Minutes"
	p.Y.Label.Text = "Level (%)"
	p.Y.Min, p.Y.Max = 0, 105

	t0 := metrics[0].Timestamp
	xOf := func(ts time.Time) float64 { return ts.Sub(t0).Minutes() }

	rawPts := make(plotter.XYs, 0, len(metrics))
	corrPts := make(plotter.XYs, 0, len(metrics))
	estPts := make(plotter.XYs, 0, len(metrics))
	for _, m := range metrics {
		x := xOf(m.Timestamp)
		rawPts = append(rawPts, plotter.XY{X: x, Y: m.RawPct})
		corrPts = append(corrPts, plotter.XY{X: x, Y: m.CorrectedPct})
		estPts = append(estPts, plotter.XY{X: x, Y: m.EstimatedPct})
	}

	rawLine, err := plotter.NewLine(rawPts)
	if err != nil {
		return err
	}
	rawLine.Color = color.RGBA{R: 180, G: 180, B: 180, A: 255}
	rawLine.Width = vg.Points(1)
	p.Add(rawLine)
	p.Legend.Add("raw", rawLine)

	corrLine, err := plotter.NewLine(corrPts)
	if err != nil {
		return err
	}
	corrLine.Color = color.RGBA{R: 60, G: 120, B: 220, A: 255}
	corrLine.Width = vg.Points(1)
	p.Add(corrLine)
	p.Legend.Add("corrected", corrLine)

	estLine, err := plotter.NewLine(estPts)
	if err != nil {
		return err
	}
	estLine.Color = color.RGBA{R: 220, G: 120, B: 40, A: 255}
	estLine.Width = vg.Points(2)
	p.Add(estLine)
	p.Legend.Add("filtered", estLine)

	markers := make(plotter.XYs, 0, len(events))
	for _, e := range events {
		if e.Timestamp.Before(since) {
			continue
		}
		markers = append(markers, plotter.XY{X: xOf(e.Timestamp), Y: e.AfterPct})
	}
	if len(markers) > 0 {
		scatter, err := plotter.NewScatter(markers)
		if err != nil {
			return err
		}
		scatter.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		scatter.Radius = vg.Points(3)
		p.Add(scatter)
		p.Legend.Add("events", scatter)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(14*vg.Inch, 6*vg.Inch, outFile)
}

// plotRate draws the filter's estimated burn rate.
func plotRate(metrics []fuel.MetricsRow, outFile string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Estimated Burn Rate - %s", metrics[0].VehicleID)
	p.X.Label.Text = "Minutes"
	p.Y.Label.Text = "Rate (%/min)"

	t0 := metrics[0].Timestamp
	pts := make(plotter.XYs, 0, len(metrics))
	for _, m := range metrics {
		pts = append(pts, plotter.XY{X: m.Timestamp.Sub(t0).Minutes(), Y: m.RatePctPerMin})
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 60, G: 160, B: 60, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)

	return p.Save(14*vg.Inch, 6*vg.Inch, outFile)
}
