package fuel

import "time"

// VehicleStatus represents the operating status reported with a snapshot.
type VehicleStatus string

const (
	StatusMoving  VehicleStatus = "moving"
	StatusStopped VehicleStatus = "stopped"
	StatusIdle    VehicleStatus = "idle"
	StatusOffline VehicleStatus = "offline"
)

// SensorSnapshot is one normalized telemetry reading for one vehicle.
// Everything except VehicleID and Timestamp is optional: telematics units
// report different field sets, and the engine must tolerate any subset
// being absent without raising.
type SensorSnapshot struct {
	VehicleID string
	Timestamp time.Time

	FuelPct       *float64 // raw sensor percentage, 0-100
	SpeedMph      *float64
	RPM           *float64
	FuelRateGph   *float64
	OdometerMiles *float64
	AltitudeM     *float64 // metres above sea level
	EngineLoadPct *float64
	CoolantTempF  *float64
	AmbientTempF  *float64
	Latitude      *float64
	Longitude     *float64
	EngineHours   *float64
	BatteryVolts  *float64

	Status VehicleStatus
}

// Moving reports whether the snapshot indicates the vehicle is in motion.
// Falls back to the speed field when the status enum is absent.
func (s *SensorSnapshot) Moving() bool {
	if s.Status == StatusMoving {
		return true
	}
	if s.Status == "" && s.SpeedMph != nil && *s.SpeedMph > 1.0 {
		return true
	}
	return false
}

// EventKind tags a classification result.
type EventKind string

const (
	EventRefuel              EventKind = "refuel"
	EventTheftConfirmed      EventKind = "theft_confirmed"
	EventTheftSuspected      EventKind = "theft_suspected_immediate"
	EventSensorIssue         EventKind = "sensor_issue"
	EventPendingVerification EventKind = "pending_verification"
	EventNormalConsumption   EventKind = "normal_consumption"
	EventUnknown             EventKind = "unknown"
)

// Event is a finalized (or advisory) classification for one reading.
// Confidence is in [0,1]; Factors lists the contributing signals for
// auditability.
type Event struct {
	EventID    string
	VehicleID  string
	Kind       EventKind
	Timestamp  time.Time
	Confidence float64
	Factors    []string

	// Fuel movement payload. Gallons/percentages are zero for kinds
	// that carry no fuel delta (sensor issue, normal consumption).
	GallonsAdded float64
	DropGallons  float64
	BeforePct    float64
	AfterPct     float64

	Latitude  *float64
	Longitude *float64
}

// Location is a circular geofence, used for known refuel sites and the
// home base.
type Location struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// VehicleProfile carries the per-vehicle calibration the engine needs.
// Profiles come from the vehicles table; vehicles without a stored
// profile get the configured defaults.
type VehicleProfile struct {
	VehicleID         string
	TankGallons       float64
	CalibrationFactor float64
	HomeBase          *Location
	RefuelLocations   []Location
}

// MetricsRow is the per-reading time-series record handed to the
// persistence collaborator.
type MetricsRow struct {
	VehicleID     string
	Timestamp     time.Time
	RawPct        float64
	CorrectedPct  float64
	EstimatedPct  float64
	RatePctPerMin float64
	Volatility    float64
	Status        VehicleStatus
}

// FilterStateRow is a durable snapshot of one vehicle's filter state,
// upserted by vehicle id.
type FilterStateRow struct {
	VehicleID     string
	LevelPct      float64
	RatePctPerMin float64
	Covariance    [4]float64 // row-major 2x2
	LastUpdate    time.Time
}

// EventStore is the persistence collaborator. Writes are expected to be
// idempotent: events carry a dedup key, filter state is an upsert.
type EventStore interface {
	SaveEvent(e Event) error
	SaveMetrics(m MetricsRow) error
	SaveFilterState(s FilterStateRow) error
}

// Notifier is the outbound alerting collaborator. The engine only
// supplies the event; priority, channels, and rate limiting belong to
// the implementation.
type Notifier interface {
	Notify(e Event)
}

// ProfileSource resolves per-vehicle calibration profiles.
type ProfileSource interface {
	ProfileFor(vehicleID string) (VehicleProfile, bool)
}
