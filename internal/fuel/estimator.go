package fuel

import (
	"math"
	"time"
)

// Internal numerical stability constants — not user-tunable.
const (
	// MinCovarianceDiag is the floor applied to covariance diagonal
	// elements after an update, keeping the matrix positive semi-definite
	// in the face of floating point cancellation.
	MinCovarianceDiag = 1e-6
	// MaxCovarianceDiag caps covariance growth over long prediction-only
	// stretches (vehicle offline) so the gain cannot saturate forever.
	MaxCovarianceDiag = 1e4
)

// EstimatorConfig holds tuning parameters for the fuel-level filter.
type EstimatorConfig struct {
	SmoothingAlpha    float64 // EMA weight of the newly derived burn rate [0,1]
	IdleRatePctPerMin float64 // consumption rate while stopped/idling (%/min)
	LoadFactor        float64 // %/min of extra burn per % engine load
	AltitudeFactor    float64 // %/min of extra burn per m/min of climb
	ProcessNoiseLevel float64 // base process noise for the level component
	ProcessNoiseRate  float64 // base process noise for the rate component
	MeasurementNoise  float64 // base measurement variance for the level sensor
	EmergencyGapHours float64 // offline gap beyond which drift triggers a reset
	EmergencyDriftPct float64 // sensor/filter disagreement that triggers a reset
}

// DefaultEstimatorConfig returns the built-in estimator tuning. Binaries
// load these from config/tuning.defaults.json instead; this is for tests
// and embedding callers.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		SmoothingAlpha:    0.7,
		IdleRatePctPerMin: 0.05,
		LoadFactor:        0.01,
		AltitudeFactor:    0.002,
		ProcessNoiseLevel: 0.5,
		ProcessNoiseRate:  0.01,
		MeasurementNoise:  2.0,
		EmergencyGapHours: 2.0,
		EmergencyDriftPct: 30.0,
	}
}

// Estimator is a two-state extended Kalman filter tracking one vehicle's
// fuel level (%) and burn rate (%/min). The state transition is
// non-linear in the inputs (engine load, grade, motion state) but linear
// in the state itself, so the Jacobian is diagonal: the level
// self-coefficient is 1 and the rate self-coefficient is (1-alpha) from
// the exponential smoothing of the derived rate.
type Estimator struct {
	LevelPct      float64
	RatePctPerMin float64
	P             [4]float64 // row-major 2x2 error covariance
	LastUpdate    time.Time
	Initialized   bool

	cfg EstimatorConfig
}

// NewEstimator creates an uninitialized estimator. The first measurement
// seeds the state via InitFrom.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// Config returns the estimator's tuning parameters.
func (e *Estimator) Config() EstimatorConfig { return e.cfg }

// InitFrom seeds the filter directly from a raw measurement with high
// level uncertainty and the idle burn rate.
func (e *Estimator) InitFrom(levelPct float64, ts time.Time) {
	e.LevelPct = clampPct(levelPct)
	e.RatePctPerMin = e.cfg.IdleRatePctPerMin
	e.P = [4]float64{
		25, 0, // high level uncertainty until the sensor earns trust
		0, 0.25,
	}
	e.LastUpdate = ts
	e.Initialized = true
}

// Predict advances the filter by dtSeconds using the physical consumption
// model. engineLoadPct and altitudeDeltaM may be zero when the telemetry
// omits them; moving selects between the idle rate and the load model.
func (e *Estimator) Predict(dtSeconds, engineLoadPct, altitudeDeltaM float64, moving bool) {
	if !e.Initialized || dtSeconds <= 0 {
		return
	}
	dtMin := dtSeconds / 60.0

	// Derive the instantaneous burn rate from the operating context.
	var rateNew float64
	if !moving {
		rateNew = e.cfg.IdleRatePctPerMin
	} else {
		rateNew = e.cfg.IdleRatePctPerMin + e.cfg.LoadFactor*engineLoadPct
		if dtMin > 0 {
			rateNew += e.cfg.AltitudeFactor * (altitudeDeltaM / dtMin)
		}
		if rateNew < 0 {
			// Long descents can push the modeled rate negative; fuel
			// does not flow back into the tank.
			rateNew = 0
		}
	}

	// Exponential smoothing of the rate, then drain the level with the
	// blended rate.
	alpha := e.cfg.SmoothingAlpha
	e.RatePctPerMin = alpha*rateNew + (1-alpha)*e.RatePctPerMin
	e.LevelPct = clampPct(e.LevelPct - e.RatePctPerMin*dtMin)

	// Covariance propagation P' = F·P·Fᵗ + Q with diagonal Jacobian
	// F = diag(1, 1-alpha). The rate term's effect on the level is
	// absorbed into process noise rather than cross-coupled.
	beta := 1 - alpha
	p00 := e.P[0]
	p01 := e.P[1] * beta
	p10 := e.P[2] * beta
	p11 := e.P[3] * beta * beta

	// Adaptive process noise: dynamic load means a less trustworthy
	// consumption model.
	qScale := 1.0
	if moving {
		qScale = 1 + engineLoadPct/100.0
	}
	p00 += e.cfg.ProcessNoiseLevel * qScale * dtMin
	p11 += e.cfg.ProcessNoiseRate * qScale * dtMin

	e.P = [4]float64{p00, p01, p10, p11}
	e.conditionCovariance()
	e.guardFinite()
}

// Update applies a (calibrated, temperature-corrected) level measurement
// and returns the innovation. The measurement model is identity on the
// level component only.
func (e *Estimator) Update(measurementPct float64) float64 {
	if !e.Initialized {
		return 0
	}

	y := measurementPct - e.LevelPct

	// Adaptive measurement noise: a large disagreement between sensor
	// and filter means the sensor should be trusted less this update.
	r := e.cfg.MeasurementNoise * measurementNoiseFactor(math.Abs(y))

	s := e.P[0] + r
	if s < MinCovarianceDiag {
		return y // degenerate innovation covariance, skip the update
	}
	k0 := e.P[0] / s
	k1 := e.P[2] / s

	e.LevelPct = clampPct(e.LevelPct + k0*y)
	e.RatePctPerMin += k1 * y

	// P' = (I - K·H)·P with H = [1 0].
	p00 := (1 - k0) * e.P[0]
	p01 := (1 - k0) * e.P[1]
	p10 := e.P[2] - k1*e.P[0]
	p11 := e.P[3] - k1*e.P[1]

	e.P = [4]float64{p00, p01, p10, p11}
	e.conditionCovariance()
	e.guardFinite()

	return y
}

// measurementNoiseFactor selects the noise multiplier from the absolute
// innovation band. Small residuals tighten trust slightly; large ones
// widen it so a single wild reading cannot drag the state.
func measurementNoiseFactor(absInnovation float64) float64 {
	switch {
	case absInnovation < 2:
		return 0.7
	case absInnovation < 5:
		return 1.0
	case absInnovation < 10:
		return 1.5
	default:
		return 2.5
	}
}

// ShouldEmergencyReset reports whether the gap since the last update and
// the sensor/filter disagreement warrant discarding the filter state.
// Long offline periods let the modeled drain run far from reality.
func (e *Estimator) ShouldEmergencyReset(measurementPct float64, now time.Time) bool {
	if !e.Initialized {
		return false
	}
	elapsedHours := now.Sub(e.LastUpdate).Hours()
	if elapsedHours < e.cfg.EmergencyGapHours {
		return false
	}
	return math.Abs(measurementPct-e.LevelPct) > e.cfg.EmergencyDriftPct
}

// EmergencyReset discards the filter state and re-initializes directly
// from the raw measurement.
func (e *Estimator) EmergencyReset(measurementPct float64, ts time.Time) {
	e.InitFrom(measurementPct, ts)
}

// RefuelReset re-seeds the level from the sensor after a confirmed
// refuel and resets the burn-rate belief: a refuel invalidates the
// model's prior trajectory for the tank.
func (e *Estimator) RefuelReset(newLevelPct float64, ts time.Time) {
	e.LevelPct = clampPct(newLevelPct)
	e.RatePctPerMin = e.cfg.IdleRatePctPerMin
	e.P = [4]float64{
		9, 0, // fresh uncertainty, lower than cold start: the sensor just proved itself
		0, 0.25,
	}
	e.LastUpdate = ts
	e.Initialized = true
}

// Touch records the timestamp of the reading that produced the most
// recent predict/update pass.
func (e *Estimator) Touch(ts time.Time) {
	e.LastUpdate = ts
}

// StateRow exports the filter state for persistence.
func (e *Estimator) StateRow(vehicleID string) FilterStateRow {
	return FilterStateRow{
		VehicleID:     vehicleID,
		LevelPct:      e.LevelPct,
		RatePctPerMin: e.RatePctPerMin,
		Covariance:    e.P,
		LastUpdate:    e.LastUpdate,
	}
}

// RestoreState re-seeds the filter from a persisted snapshot.
func (e *Estimator) RestoreState(s FilterStateRow) {
	e.LevelPct = clampPct(s.LevelPct)
	e.RatePctPerMin = s.RatePctPerMin
	e.P = s.Covariance
	e.LastUpdate = s.LastUpdate
	e.Initialized = true
	e.conditionCovariance()
	e.guardFinite()
}

// conditionCovariance re-symmetrizes the matrix and bounds the diagonal.
// The plain-form covariance update drifts asymmetric under floating
// point; averaging the off-diagonals restores the invariant.
func (e *Estimator) conditionCovariance() {
	off := (e.P[1] + e.P[2]) / 2
	e.P[1] = off
	e.P[2] = off
	for _, i := range [2]int{0, 3} {
		if e.P[i] < MinCovarianceDiag {
			e.P[i] = MinCovarianceDiag
		}
		if e.P[i] > MaxCovarianceDiag {
			e.P[i] = MaxCovarianceDiag
		}
	}
}

// guardFinite resets the filter to a safe high-uncertainty state if any
// element went NaN/Inf. Mirrors the post-step guard on the tracker side
// rather than letting poison propagate through every later tick.
func (e *Estimator) guardFinite() {
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	if finite(e.LevelPct) && finite(e.RatePctPerMin) &&
		finite(e.P[0]) && finite(e.P[1]) && finite(e.P[2]) && finite(e.P[3]) {
		return
	}
	e.LevelPct = clampPct(e.LevelPct)
	if !finite(e.LevelPct) {
		e.LevelPct = 50
	}
	e.RatePctPerMin = e.cfg.IdleRatePctPerMin
	e.P = [4]float64{25, 0, 0, 0.25}
}

// CorrectForTemperature compensates a raw percentage for thermal fuel
// expansion: diesel expands with temperature and a capacitive sender
// over-reads when hot. Pure function, applied before the measurement
// enters the filter.
func CorrectForTemperature(rawPct, ambientF float64) float64 {
	return clampPct(rawPct * (1 - (ambientF-60)*0.00067))
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
