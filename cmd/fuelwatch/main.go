// Command fuelwatch runs the fuel telemetry engine against a sqlite
// database. It either replays a JSONL file of snapshots (-replay) or
// polls a snapshot feed file on a tick (-feed), classifying refuels,
// thefts, and sensor faults as it goes.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/fuelwatch/internal/alerting"
	"github.com/banshee-data/fuelwatch/internal/config"
	"github.com/banshee-data/fuelwatch/internal/fuel"
	"github.com/banshee-data/fuelwatch/internal/fueldb"
	"github.com/banshee-data/fuelwatch/internal/monitoring"
)

// minFitSamples is the fewest historical drops worth fitting the
// anomaly scorer on; below this the rule ladder alone is more reliable.
const minFitSamples = 32

var (
	dbFile     = flag.String("db", "fuelwatch.db", "Path to the sqlite database")
	configFile = flag.String("config", "", "Path to a tuning config JSON (defaults built in)")
	replayFile = flag.String("replay", "", "Replay a JSONL snapshot file and exit")
	feedFile   = flag.String("feed", "", "JSONL snapshot feed file polled each tick")
)

// wireSnapshot is the JSONL wire form of one telemetry reading. All
// sensor fields are optional.
type wireSnapshot struct {
	VehicleID     string   `json:"vehicle_id"`
	Timestamp     string   `json:"timestamp"` // RFC 3339
	FuelPct       *float64 `json:"fuel_pct,omitempty"`
	SpeedMph      *float64 `json:"speed_mph,omitempty"`
	RPM           *float64 `json:"rpm,omitempty"`
	FuelRateGph   *float64 `json:"fuel_rate_gph,omitempty"`
	OdometerMiles *float64 `json:"odometer_miles,omitempty"`
	AltitudeM     *float64 `json:"altitude_m,omitempty"`
	EngineLoadPct *float64 `json:"engine_load_pct,omitempty"`
	CoolantTempF  *float64 `json:"coolant_temp_f,omitempty"`
	AmbientTempF  *float64 `json:"ambient_temp_f,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	EngineHours   *float64 `json:"engine_hours,omitempty"`
	BatteryVolts  *float64 `json:"battery_volts,omitempty"`
	Status        string   `json:"status,omitempty"`
}

func (w wireSnapshot) toSnapshot() (fuel.SensorSnapshot, error) {
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return fuel.SensorSnapshot{}, fmt.Errorf("bad timestamp %q: %w", w.Timestamp, err)
	}
	return fuel.SensorSnapshot{
		VehicleID:     w.VehicleID,
		Timestamp:     ts,
		FuelPct:       w.FuelPct,
		SpeedMph:      w.SpeedMph,
		RPM:           w.RPM,
		FuelRateGph:   w.FuelRateGph,
		OdometerMiles: w.OdometerMiles,
		AltitudeM:     w.AltitudeM,
		EngineLoadPct: w.EngineLoadPct,
		CoolantTempF:  w.CoolantTempF,
		AmbientTempF:  w.AmbientTempF,
		Latitude:      w.Latitude,
		Longitude:     w.Longitude,
		EngineHours:   w.EngineHours,
		BatteryVolts:  w.BatteryVolts,
		Status:        fuel.VehicleStatus(w.Status),
	}, nil
}

func loadSnapshots(path string) ([]fuel.SensorSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snaps []fuel.SensorSnapshot
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var w wireSnapshot
		if err := json.Unmarshal(raw, &w); err != nil {
			monitoring.Errorf("%s:%d: skipping bad record: %v", path, line, err)
			continue
		}
		snap, err := w.toSnapshot()
		if err != nil {
			monitoring.Errorf("%s:%d: skipping: %v", path, line, err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, scanner.Err()
}

// feedSource re-reads the feed file each tick. The collector writing it
// is expected to replace the file atomically; the monitor's replay
// guard makes re-reading the same records harmless.
type feedSource struct {
	path string
}

func (s feedSource) FetchSnapshots(ctx context.Context) ([]fuel.SensorSnapshot, error) {
	return loadSnapshots(s.path)
}

func main() {
	flag.Parse()

	tuning := config.EmptyTuningConfig()
	if *configFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	db, err := fueldb.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database %s: %v", *dbFile, err)
	}
	defer db.Close()

	monitor := fuel.NewFuelMonitor(
		fuel.MonitorConfigFromTuning(tuning),
		fuel.NewIsolationForestScorer(0, 0, time.Now().UnixNano()),
		db,
		alerting.LogNotifier{},
		db,
	)

	// The forest fits on drop history from previous runs; until enough
	// drops accumulate the classifier runs rules-only.
	if samples, err := db.DropFeatureMatrix(0); err != nil {
		monitoring.Errorf("failed to load drop history: %v", err)
	} else if len(samples) < minFitSamples {
		monitoring.Logf("%d historical drops (< %d), classifier running rules-only", len(samples), minFitSamples)
	} else if err := monitor.FitScorer(samples); err != nil {
		monitoring.Errorf("failed to fit anomaly scorer, continuing rules-only: %v", err)
	} else {
		monitoring.Logf("anomaly scorer fitted on %d historical drops", len(samples))
	}

	if states, err := db.FilterStates(); err != nil {
		monitoring.Errorf("failed to load filter states: %v", err)
	} else if len(states) > 0 {
		monitor.RestoreFilterStates(states)
		monitoring.Logf("restored filter state for %d vehicles", len(states))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *replayFile != "" {
		replay(ctx, monitor, *replayFile)
		return
	}
	if *feedFile == "" {
		log.Fatal("one of -replay or -feed is required")
	}

	monitor.Start(ctx, feedSource{path: *feedFile})
	monitoring.Logf("fuelwatch started: feed=%s db=%s tick=%s",
		*feedFile, *dbFile, tuning.GetTickInterval())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	monitoring.Logf("shutting down")
	monitor.Shutdown(ctx)
	logStats(monitor.Stats())
}

func replay(ctx context.Context, monitor *fuel.FuelMonitor, path string) {
	snaps, err := loadSnapshots(path)
	if err != nil {
		log.Fatalf("failed to load %s: %v", path, err)
	}
	monitoring.Logf("replaying %d snapshots from %s", len(snaps), path)

	for _, snap := range snaps {
		event, err := monitor.ProcessSnapshot(ctx, snap)
		if err != nil {
			monitoring.Errorf("vehicle %s: %v", snap.VehicleID, err)
			continue
		}
		if event != nil {
			monitoring.Logf("[%s] vehicle %s: %s",
				alerting.SeverityFor(event.Kind), event.VehicleID, alerting.Summary(*event))
		}
	}

	monitor.Shutdown(ctx)
	logStats(monitor.Stats())
}

func logStats(stats fuel.Stats) {
	monitoring.Logf("processed %d snapshots across %d vehicles (%d errors)",
		stats.SnapshotsProcessed, stats.VehiclesTracked, stats.VehicleErrors)
	for kind, n := range stats.EventsByKind {
		monitoring.Logf("  %s: %d", kind, n)
	}
}
