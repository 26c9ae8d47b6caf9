// Package fueldb is the sqlite persistence layer: vehicle profiles,
// per-reading fuel metrics, filter-state snapshots, and classified
// events with idempotent writes.
package fueldb

import (
	"crypto/sha1"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/fuelwatch/internal/fuel"
)

type DB struct {
	*sql.DB
}

func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS vehicles (
			vehicle_id         TEXT PRIMARY KEY,
			tank_gallons       DOUBLE,
			calibration_factor DOUBLE,
			home_lat           DOUBLE,
			home_lon           DOUBLE,
			home_radius_m      DOUBLE,
			updated_at         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS refuel_sites (
			vehicle_id         TEXT NOT NULL,
			latitude           DOUBLE NOT NULL,
			longitude          DOUBLE NOT NULL,
			radius_m           DOUBLE NOT NULL,
			FOREIGN KEY(vehicle_id) REFERENCES vehicles(vehicle_id)
		);
		CREATE TABLE IF NOT EXISTS fuel_metrics (
			vehicle_id         TEXT NOT NULL,
			timestamp          TIMESTAMP NOT NULL,
			raw_pct            DOUBLE,
			corrected_pct      DOUBLE,
			estimated_pct      DOUBLE,
			rate_pct_per_min   DOUBLE,
			volatility         DOUBLE,
			status             TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_fuel_metrics_vehicle_ts
			ON fuel_metrics(vehicle_id, timestamp);
		CREATE TABLE IF NOT EXISTS filter_state (
			vehicle_id         TEXT PRIMARY KEY,
			level_pct          DOUBLE,
			rate_pct_per_min   DOUBLE,
			p00                DOUBLE,
			p01                DOUBLE,
			p10                DOUBLE,
			p11                DOUBLE,
			last_update        TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS fuel_events (
			event_id           TEXT PRIMARY KEY,
			dedup_key          TEXT UNIQUE,
			vehicle_id         TEXT NOT NULL,
			kind               TEXT NOT NULL,
			timestamp          TIMESTAMP NOT NULL,
			confidence         DOUBLE,
			factors            TEXT,
			gallons_added      DOUBLE,
			drop_gallons       DOUBLE,
			before_pct         DOUBLE,
			after_pct          DOUBLE,
			latitude           DOUBLE,
			longitude          DOUBLE,
			created_at         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_fuel_events_vehicle_ts
			ON fuel_events(vehicle_id, timestamp);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// DedupKey derives the idempotency key for an event: the same vehicle,
// kind, ten-minute bucket, and rounded post-event level always hash to
// the same key, so a redelivered reading cannot duplicate an event row.
func DedupKey(e fuel.Event) string {
	bucket := e.Timestamp.UTC().Truncate(10 * time.Minute).Unix()
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d|%.0f", e.VehicleID, e.Kind, bucket, e.AfterPct)))
	return fmt.Sprintf("%x", h)
}

// SaveEvent inserts an event row, silently ignoring dedup-key
// collisions.
func (db *DB) SaveEvent(e fuel.Event) error {
	factors, err := json.Marshal(e.Factors)
	if err != nil {
		return fmt.Errorf("failed to encode factors: %w", err)
	}

	_, err = db.Exec(
		`INSERT OR IGNORE INTO fuel_events (
			event_id, dedup_key, vehicle_id, kind, timestamp, confidence,
			factors, gallons_added, drop_gallons, before_pct, after_pct,
			latitude, longitude
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, DedupKey(e), e.VehicleID, string(e.Kind), e.Timestamp.UTC(),
		e.Confidence, string(factors), e.GallonsAdded, e.DropGallons,
		e.BeforePct, e.AfterPct, e.Latitude, e.Longitude,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// SaveMetrics appends one per-reading metrics row.
func (db *DB) SaveMetrics(m fuel.MetricsRow) error {
	_, err := db.Exec(
		`INSERT INTO fuel_metrics (
			vehicle_id, timestamp, raw_pct, corrected_pct, estimated_pct,
			rate_pct_per_min, volatility, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.VehicleID, m.Timestamp.UTC(), m.RawPct, m.CorrectedPct,
		m.EstimatedPct, m.RatePctPerMin, m.Volatility, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert metrics: %w", err)
	}
	return nil
}

// SaveFilterState upserts the vehicle's filter snapshot.
func (db *DB) SaveFilterState(s fuel.FilterStateRow) error {
	_, err := db.Exec(
		`INSERT INTO filter_state (
			vehicle_id, level_pct, rate_pct_per_min, p00, p01, p10, p11, last_update
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vehicle_id) DO UPDATE SET
			level_pct = excluded.level_pct,
			rate_pct_per_min = excluded.rate_pct_per_min,
			p00 = excluded.p00,
			p01 = excluded.p01,
			p10 = excluded.p10,
			p11 = excluded.p11,
			last_update = excluded.last_update`,
		s.VehicleID, s.LevelPct, s.RatePctPerMin,
		s.Covariance[0], s.Covariance[1], s.Covariance[2], s.Covariance[3],
		s.LastUpdate.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert filter state: %w", err)
	}
	return nil
}

// FilterState loads the vehicle's persisted filter snapshot, if any.
func (db *DB) FilterState(vehicleID string) (fuel.FilterStateRow, bool, error) {
	var row fuel.FilterStateRow
	err := db.QueryRow(
		`SELECT vehicle_id, level_pct, rate_pct_per_min, p00, p01, p10, p11, last_update
		FROM filter_state WHERE vehicle_id = ?`, vehicleID,
	).Scan(&row.VehicleID, &row.LevelPct, &row.RatePctPerMin,
		&row.Covariance[0], &row.Covariance[1], &row.Covariance[2], &row.Covariance[3],
		&row.LastUpdate)
	if err == sql.ErrNoRows {
		return fuel.FilterStateRow{}, false, nil
	}
	if err != nil {
		return fuel.FilterStateRow{}, false, fmt.Errorf("failed to load filter state: %w", err)
	}
	return row, true, nil
}

// FilterStates loads every persisted filter snapshot, for warm restarts.
func (db *DB) FilterStates() ([]fuel.FilterStateRow, error) {
	rows, err := db.Query(
		`SELECT vehicle_id, level_pct, rate_pct_per_min, p00, p01, p10, p11, last_update
		FROM filter_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query filter states: %w", err)
	}
	defer rows.Close()

	var out []fuel.FilterStateRow
	for rows.Next() {
		var row fuel.FilterStateRow
		if err := rows.Scan(&row.VehicleID, &row.LevelPct, &row.RatePctPerMin,
			&row.Covariance[0], &row.Covariance[1], &row.Covariance[2], &row.Covariance[3],
			&row.LastUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan filter state: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpsertVehicle stores a vehicle profile, replacing its refuel sites.
func (db *DB) UpsertVehicle(p fuel.VehicleProfile) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var homeLat, homeLon, homeRadius *float64
	if p.HomeBase != nil {
		homeLat, homeLon, homeRadius = &p.HomeBase.Latitude, &p.HomeBase.Longitude, &p.HomeBase.RadiusMeters
	}
	_, err = tx.Exec(
		`INSERT INTO vehicles (vehicle_id, tank_gallons, calibration_factor, home_lat, home_lon, home_radius_m)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(vehicle_id) DO UPDATE SET
			tank_gallons = excluded.tank_gallons,
			calibration_factor = excluded.calibration_factor,
			home_lat = excluded.home_lat,
			home_lon = excluded.home_lon,
			home_radius_m = excluded.home_radius_m,
			updated_at = CURRENT_TIMESTAMP`,
		p.VehicleID, p.TankGallons, p.CalibrationFactor, homeLat, homeLon, homeRadius,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vehicle: %w", err)
	}

	if _, err = tx.Exec(`DELETE FROM refuel_sites WHERE vehicle_id = ?`, p.VehicleID); err != nil {
		return fmt.Errorf("failed to clear refuel sites: %w", err)
	}
	for _, site := range p.RefuelLocations {
		_, err = tx.Exec(
			`INSERT INTO refuel_sites (vehicle_id, latitude, longitude, radius_m) VALUES (?, ?, ?, ?)`,
			p.VehicleID, site.Latitude, site.Longitude, site.RadiusMeters,
		)
		if err != nil {
			return fmt.Errorf("failed to insert refuel site: %w", err)
		}
	}

	return tx.Commit()
}

// ProfileFor loads a vehicle profile with its refuel sites. Implements
// fuel.ProfileSource.
func (db *DB) ProfileFor(vehicleID string) (fuel.VehicleProfile, bool) {
	p := fuel.VehicleProfile{VehicleID: vehicleID}

	var homeLat, homeLon, homeRadius *float64
	err := db.QueryRow(
		`SELECT tank_gallons, calibration_factor, home_lat, home_lon, home_radius_m
		FROM vehicles WHERE vehicle_id = ?`, vehicleID,
	).Scan(&p.TankGallons, &p.CalibrationFactor, &homeLat, &homeLon, &homeRadius)
	if err != nil {
		return fuel.VehicleProfile{}, false
	}
	if homeLat != nil && homeLon != nil {
		home := fuel.Location{Latitude: *homeLat, Longitude: *homeLon}
		if homeRadius != nil {
			home.RadiusMeters = *homeRadius
		}
		p.HomeBase = &home
	}

	rows, err := db.Query(
		`SELECT latitude, longitude, radius_m FROM refuel_sites WHERE vehicle_id = ?`, vehicleID)
	if err != nil {
		return p, true
	}
	defer rows.Close()
	for rows.Next() {
		var site fuel.Location
		if err := rows.Scan(&site.Latitude, &site.Longitude, &site.RadiusMeters); err != nil {
			continue
		}
		p.RefuelLocations = append(p.RefuelLocations, site)
	}

	return p, true
}

// EventsForVehicle returns the vehicle's most recent events, newest
// first.
func (db *DB) EventsForVehicle(vehicleID string, limit int) ([]fuel.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT event_id, vehicle_id, kind, timestamp, confidence, factors,
			gallons_added, drop_gallons, before_pct, after_pct, latitude, longitude
		FROM fuel_events WHERE vehicle_id = ?
		ORDER BY timestamp DESC LIMIT ?`, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []fuel.Event
	for rows.Next() {
		var e fuel.Event
		var kind, factors string
		if err := rows.Scan(&e.EventID, &e.VehicleID, &kind, &e.Timestamp,
			&e.Confidence, &factors, &e.GallonsAdded, &e.DropGallons,
			&e.BeforePct, &e.AfterPct, &e.Latitude, &e.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = fuel.EventKind(kind)
		if factors != "" {
			if err := json.Unmarshal([]byte(factors), &e.Factors); err != nil {
				return nil, fmt.Errorf("failed to decode factors: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DropFeatureMatrix rebuilds anomaly-scorer feature rows from persisted
// drop-shaped events (rows where the level fell), newest first. Used to
// fit the scorer from history at startup.
func (db *DB) DropFeatureMatrix(limit int) ([][]float64, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := db.Query(
		`SELECT vehicle_id, kind, timestamp, drop_gallons, before_pct, after_pct
		FROM fuel_events WHERE before_pct > after_pct
		ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query drop events: %w", err)
	}
	defer rows.Close()

	var samples [][]float64
	for rows.Next() {
		var e fuel.Event
		var kind string
		if err := rows.Scan(&e.VehicleID, &kind, &e.Timestamp,
			&e.DropGallons, &e.BeforePct, &e.AfterPct); err != nil {
			return nil, fmt.Errorf("failed to scan drop event: %w", err)
		}
		e.Kind = fuel.EventKind(kind)
		samples = append(samples, fuel.FeaturesFromEvent(e).Vector())
	}
	return samples, rows.Err()
}

// MetricsForVehicle returns the vehicle's metrics rows since the given
// time, oldest first.
func (db *DB) MetricsForVehicle(vehicleID string, since time.Time) ([]fuel.MetricsRow, error) {
	rows, err := db.Query(
		`SELECT vehicle_id, timestamp, raw_pct, corrected_pct, estimated_pct,
			rate_pct_per_min, volatility, status
		FROM fuel_metrics WHERE vehicle_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, vehicleID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []fuel.MetricsRow
	for rows.Next() {
		var m fuel.MetricsRow
		var status string
		if err := rows.Scan(&m.VehicleID, &m.Timestamp, &m.RawPct, &m.CorrectedPct,
			&m.EstimatedPct, &m.RatePctPerMin, &m.Volatility, &status); err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}
		m.Status = fuel.VehicleStatus(status)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
