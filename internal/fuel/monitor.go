package fuel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/fuelwatch/internal/config"
	"github.com/banshee-data/fuelwatch/internal/monitoring"
)

// MonitorConfig holds the assembled tuning for a FuelMonitor.
type MonitorConfig struct {
	DropThresholdPct    float64
	RefuelThresholdPct  float64
	ConsolidationWindow time.Duration
	RefuelBufferMaxAge  time.Duration
	DefaultTankGallons  float64
	CalibrationFactor   float64
	HistoryLength       int
	TickInterval        time.Duration

	Estimator  EstimatorConfig
	Classifier ClassifierConfig
	Pending    PendingConfig
}

// DefaultMonitorConfig returns monitor configuration loaded from the
// canonical tuning defaults file (config/tuning.defaults.json).
// Panics if the file cannot be found — intended for tests and binaries
// that have already validated config availability.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfigFromTuning(config.MustLoadDefaultConfig())
}

// MonitorConfigFromTuning builds a MonitorConfig from a loaded
// TuningConfig. Use this in production code where the TuningConfig is
// already loaded.
func MonitorConfigFromTuning(cfg *config.TuningConfig) MonitorConfig {
	return MonitorConfig{
		DropThresholdPct:    cfg.GetDropThresholdPct(),
		RefuelThresholdPct:  cfg.GetRefuelThresholdPct(),
		ConsolidationWindow: cfg.GetConsolidationWindow(),
		RefuelBufferMaxAge:  cfg.GetRefuelBufferMaxAge(),
		DefaultTankGallons:  cfg.GetDefaultTankGallons(),
		CalibrationFactor:   cfg.GetCalibrationFactor(),
		HistoryLength:       cfg.GetHistoryLength(),
		TickInterval:        cfg.GetTickInterval(),
		Estimator: EstimatorConfig{
			SmoothingAlpha:    cfg.GetSmoothingAlpha(),
			IdleRatePctPerMin: cfg.GetIdleRatePctPerMin(),
			LoadFactor:        cfg.GetLoadFactor(),
			AltitudeFactor:    cfg.GetAltitudeFactor(),
			ProcessNoiseLevel: cfg.GetProcessNoiseLevel(),
			ProcessNoiseRate:  cfg.GetProcessNoiseRate(),
			MeasurementNoise:  cfg.GetMeasurementNoise(),
			EmergencyGapHours: cfg.GetEmergencyGapHours(),
			EmergencyDriftPct: cfg.GetEmergencyDriftPct(),
		},
		Classifier: ClassifierConfig{
			VolatilityThreshold: cfg.GetVolatilityThreshold(),
			RecoveredPct:        cfg.GetRecoveryTolerancePct(),
			StoppedTheftPct:     cfg.GetStoppedTheftPct(),
			MinDropPct:          cfg.GetDropThresholdPct(),
			MovingNormalDropPct: cfg.GetDropThresholdPct(),
		},
		Pending: PendingConfig{
			RecoveryWindow:       cfg.GetRecoveryWindow(),
			RecoveryTolerancePct: cfg.GetRecoveryTolerancePct(),
			RefuelThresholdPct:   cfg.GetRefuelThresholdPct(),
			ExtremeDropPct:       cfg.GetExtremeDropPct(),
			VolatilityThreshold:  cfg.GetVolatilityThreshold(),
			MaxAge:               cfg.GetStaleDropMaxAge(),
		},
	}
}

// SnapshotSource produces the batch of normalized per-vehicle snapshots
// for one tick. The telemetry adapter behind it is an external
// collaborator.
type SnapshotSource interface {
	FetchSnapshots(ctx context.Context) ([]SensorSnapshot, error)
}

// Stats holds aggregate monitor counters, snapshotted via Stats().
type Stats struct {
	SnapshotsProcessed int64
	VehiclesTracked    int
	VehicleErrors      int64
	EventsByKind       map[EventKind]int64
}

// vehicleState is the independent per-vehicle state bundle: filter,
// reading ring, and the bookkeeping the feature extractor needs. Each
// bundle is owned by exactly one map entry, so per-vehicle
// parallelization needs no cross-worker locks.
type vehicleState struct {
	estimator *Estimator
	history   *ReadingHistory
	profile   VehicleProfile

	lastTimestamp time.Time
	lastAltitude  *float64
	stoppedSince  *time.Time
	recentDrops   []time.Time
}

// FuelMonitor owns the vehicle-id → state-bundle arena and runs the
// per-tick predict → compare → classify pipeline. It is the explicit
// context object: nothing in this package touches global registries.
type FuelMonitor struct {
	cfg        MonitorConfig
	classifier *DropClassifier
	pending    *PendingDropTracker
	refuels    *RefuelConsolidator

	store    EventStore    // optional; nil disables persistence
	notifier Notifier      // optional; nil disables alert handoff
	profiles ProfileSource // optional; nil uses configured defaults

	vehicles map[string]*vehicleState
	mu       sync.RWMutex

	stats   Stats
	statsMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewFuelMonitor creates a monitor. scorer, store, notifier, and
// profiles may each be nil: a nil scorer selects rules-only
// classification, the others disable the corresponding collaborator.
func NewFuelMonitor(cfg MonitorConfig, scorer AnomalyScorer, store EventStore, notifier Notifier, profiles ProfileSource) *FuelMonitor {
	return &FuelMonitor{
		cfg:        cfg,
		classifier: NewDropClassifier(cfg.Classifier, scorer),
		pending:    NewPendingDropTracker(cfg.Pending),
		refuels:    NewRefuelConsolidator(cfg.ConsolidationWindow, cfg.RefuelBufferMaxAge),
		store:      store,
		notifier:   notifier,
		profiles:   profiles,
		vehicles:   make(map[string]*vehicleState),
		stopChan:   make(chan struct{}),
	}
}

// ProcessSnapshot runs one reading through the pipeline and returns the
// classification, or nil when the reading produced no event. Missing
// fields never raise: the worst case is a silent no-op.
//
// Drops and rises are both detected against the filter's expected
// level, never the previous raw reading — the expected level already
// accounts for modeled consumption, so a long drive does not register
// as a drop.
func (m *FuelMonitor) ProcessSnapshot(ctx context.Context, snap SensorSnapshot) (*Event, error) {
	if snap.VehicleID == "" || snap.Timestamp.IsZero() {
		return nil, nil
	}

	state := m.stateFor(snap.VehicleID)

	// Replay guard: an identical or older snapshot is a delivery
	// retry, not new evidence.
	if !snap.Timestamp.After(state.lastTimestamp) {
		return nil, nil
	}
	state.lastTimestamp = snap.Timestamp

	m.trackMotion(state, snap)

	if snap.FuelPct == nil {
		return nil, nil
	}

	m.statsMu.Lock()
	m.stats.SnapshotsProcessed++
	m.statsMu.Unlock()

	raw := *snap.FuelPct * state.profile.CalibrationFactor
	corrected := raw
	if snap.AmbientTempF != nil {
		corrected = CorrectForTemperature(raw, *snap.AmbientTempF)
	} else {
		corrected = clampPct(corrected)
	}

	est := state.estimator
	if !est.Initialized {
		est.InitFrom(corrected, snap.Timestamp)
		state.history.Add(raw)
		m.persistState(state, snap, raw, corrected)
		return nil, nil
	}

	// After a long offline gap with heavy disagreement, re-seed from
	// the sensor instead of arguing with it.
	if est.ShouldEmergencyReset(corrected, snap.Timestamp) {
		monitoring.Logf("vehicle %s: emergency filter reset (estimate %.1f%%, sensor %.1f%%)",
			snap.VehicleID, est.LevelPct, corrected)
		est.EmergencyReset(corrected, snap.Timestamp)
		state.history.Add(raw)
		m.persistState(state, snap, raw, corrected)
		return nil, nil
	}

	dt := snap.Timestamp.Sub(est.LastUpdate).Seconds()
	var load float64
	if snap.EngineLoadPct != nil {
		load = *snap.EngineLoadPct
	}
	altDelta := m.altitudeDelta(state, snap)
	est.Predict(dt, load, altDelta, snap.Moving())
	expected := est.LevelPct

	state.history.Add(raw)
	volatility := state.history.Volatility()

	var event *Event

	// A buffered drop resolves first: the current reading may be the
	// recovery evidence the state machine has been waiting for.
	if res, ok := m.pending.CheckRecovery(snap.VehicleID, corrected, snap.Timestamp); ok {
		event = m.eventFromResolution(res, state, snap)
	} else {
		diff := corrected - expected
		switch {
		case diff >= m.cfg.RefuelThresholdPct:
			event = m.handleRise(state, snap, expected, corrected, diff)
		case -diff >= m.cfg.DropThresholdPct:
			event = m.handleDrop(state, snap, expected, corrected, -diff, volatility, dt)
		}
	}

	// The refuel paths re-seed the filter themselves; everything else
	// folds the measurement in with adaptive trust.
	if event == nil || event.Kind != EventRefuel {
		est.Update(corrected)
	}
	est.Touch(snap.Timestamp)

	m.persistState(state, snap, raw, corrected)
	if event != nil {
		m.emit(event)
	}
	return event, nil
}

// handleRise feeds a rising jump to the consolidator and re-seeds the
// filter. Only an out-of-window (finalized) buffer produces an event.
func (m *FuelMonitor) handleRise(state *vehicleState, snap SensorSnapshot, expected, corrected, risePct float64) *Event {
	// A rise while a drop is buffered is the recovery evidence itself:
	// the "drop" was the sender sloshing at the start of a fill. Settle
	// the pending entry here and credit the fill from the post-drop
	// level, so one physical fill yields exactly one refuel event.
	if d, ok := m.pending.Pending(snap.VehicleID); ok {
		m.pending.Cancel(snap.VehicleID)
		if corrected > d.AfterPct {
			expected = d.AfterPct
			risePct = corrected - d.AfterPct
		}
	}

	gallons := risePct / 100.0 * state.profile.TankGallons
	finalized := m.refuels.AddJump(snap.VehicleID, gallons, expected, corrected, snap.Timestamp, snap.Latitude, snap.Longitude)
	state.estimator.RefuelReset(corrected, snap.Timestamp)
	if finalized == nil {
		return nil
	}
	return m.refuelEvent(finalized)
}

// handleDrop registers a detected drop and produces either an immediate
// verdict or an advisory pending-verification event.
func (m *FuelMonitor) handleDrop(state *vehicleState, snap SensorSnapshot, expected, corrected, dropPct, volatility, dtSeconds float64) *Event {
	drop := PendingDrop{
		VehicleID:   snap.VehicleID,
		DroppedAt:   snap.Timestamp,
		BeforePct:   expected,
		AfterPct:    corrected,
		DropPct:     dropPct,
		DropGallons: dropPct / 100.0 * state.profile.TankGallons,
		Latitude:    snap.Latitude,
		Longitude:   snap.Longitude,
		Status:      snap.Status,
	}

	features := m.dropFeatures(state, snap, drop, volatility, dtSeconds)
	outcome := m.pending.RegisterDrop(drop, volatility)

	state.recentDrops = append(state.recentDrops, snap.Timestamp)

	switch outcome {
	case OutcomeSensorVolatile:
		v := m.classifier.Classify(features)
		return m.dropEvent(drop, EventSensorIssue, v.Confidence, v.Factors)

	case OutcomeImmediateTheft:
		v := m.classifier.Classify(features)
		return m.dropEvent(drop, EventTheftSuspected, v.Confidence,
			append(v.Factors, fmt.Sprintf("extreme %.1f%% drop while stopped", drop.DropPct)))

	default:
		v := m.classifier.Classify(features)
		// The location and recovery rules can settle a drop without
		// waiting out the window; ambiguous verdicts stay buffered.
		if v.Kind == EventSensorIssue || v.Kind == EventRefuel {
			m.pending.Cancel(snap.VehicleID)
			return m.dropEvent(drop, v.Kind, v.Confidence, v.Factors)
		}
		return m.dropEvent(drop, EventPendingVerification, v.Confidence,
			append(v.Factors, "buffered for recovery window"))
	}
}

// eventFromResolution converts a recovery-window verdict into an event,
// applying the refuel hard reset when the tank actually rose.
func (m *FuelMonitor) eventFromResolution(res *Resolution, state *vehicleState, snap SensorSnapshot) *Event {
	switch res.Kind {
	case EventRefuel:
		gallons := res.RecoveredPct / 100.0 * state.profile.TankGallons
		state.estimator.RefuelReset(res.CurrentPct, snap.Timestamp)
		e := m.newEvent(snap.VehicleID, EventRefuel, snap.Timestamp, 0.85,
			[]string{fmt.Sprintf("level recovered %.1f%% above post-drop reading", res.RecoveredPct)})
		e.GallonsAdded = gallons
		e.BeforePct = res.Drop.AfterPct
		e.AfterPct = res.CurrentPct
		e.Latitude, e.Longitude = res.Drop.Latitude, res.Drop.Longitude
		return e

	case EventSensorIssue:
		e := m.newEvent(snap.VehicleID, EventSensorIssue, snap.Timestamp, ConfidenceRecovered1h,
			[]string{fmt.Sprintf("level returned to within tolerance of %.1f%% after drop", res.Drop.BeforePct)})
		e.BeforePct = res.Drop.BeforePct
		e.AfterPct = res.CurrentPct
		return e

	default:
		e := m.newEvent(snap.VehicleID, EventTheftConfirmed, snap.Timestamp, ConfidenceStoppedTheft,
			[]string{fmt.Sprintf("level stayed low %.0f min after %.1f%% drop",
				snap.Timestamp.Sub(res.Drop.DroppedAt).Minutes(), res.Drop.DropPct)})
		e.DropGallons = res.Drop.DropGallons
		e.BeforePct = res.Drop.BeforePct
		e.AfterPct = res.CurrentPct
		e.Latitude, e.Longitude = res.Drop.Latitude, res.Drop.Longitude
		return e
	}
}

// ForceClassify resolves a vehicle's pending drop immediately using the
// supplied current level, for administrative resolution.
func (m *FuelMonitor) ForceClassify(vehicleID string, currentPct float64, now time.Time) (*Event, bool) {
	res, ok := m.pending.ForceClassify(vehicleID, currentPct)
	if !ok {
		return nil, false
	}
	state := m.stateFor(vehicleID)
	snap := SensorSnapshot{VehicleID: vehicleID, Timestamp: now}
	event := m.eventFromResolution(res, state, snap)
	m.emit(event)
	return event, true
}

// dropFeatures builds the fixed-width feature vector for a drop.
func (m *FuelMonitor) dropFeatures(state *vehicleState, snap SensorSnapshot, drop PendingDrop, volatility, dtSeconds float64) DropFeatures {
	f := DropFeatures{
		DropPct:      drop.DropPct,
		DropGallons:  drop.DropGallons,
		Stopped:      snap.Status == StatusStopped,
		Moving:       snap.Moving(),
		Volatility:   volatility,
		ResultingPct: drop.AfterPct,
	}
	if dtSeconds > 0 {
		f.DropRatePctMin = drop.DropPct / (dtSeconds / 60.0)
	}
	if state.stoppedSince != nil {
		f.StoppedMinutes = snap.Timestamp.Sub(*state.stoppedSince).Minutes()
	}
	f.FillTimeOfDay(snap.Timestamp)
	f.FillGeo(snap.Latitude, snap.Longitude, state.profile)

	// Count comparable drops in the trailing 24h, pruning as we go.
	cutoff := snap.Timestamp.Add(-24 * time.Hour)
	kept := state.recentDrops[:0]
	for _, ts := range state.recentDrops {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	state.recentDrops = kept
	f.SimilarDrops24h = len(kept)
	return f
}

// trackMotion maintains the stopped-since marker used by the feature
// extractor.
func (m *FuelMonitor) trackMotion(state *vehicleState, snap SensorSnapshot) {
	switch {
	case snap.Status == StatusStopped:
		if state.stoppedSince == nil {
			ts := snap.Timestamp
			state.stoppedSince = &ts
		}
	case snap.Moving():
		state.stoppedSince = nil
	}
}

func (m *FuelMonitor) altitudeDelta(state *vehicleState, snap SensorSnapshot) float64 {
	var delta float64
	if snap.AltitudeM != nil {
		if state.lastAltitude != nil {
			delta = *snap.AltitudeM - *state.lastAltitude
		}
		alt := *snap.AltitudeM
		state.lastAltitude = &alt
	}
	return delta
}

// stateFor returns the vehicle's state bundle, creating it on first
// sight with the profile source (or configured defaults).
func (m *FuelMonitor) stateFor(vehicleID string) *vehicleState {
	m.mu.RLock()
	state, ok := m.vehicles[vehicleID]
	m.mu.RUnlock()
	if ok {
		return state
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok = m.vehicles[vehicleID]; ok {
		return state
	}

	profile := VehicleProfile{
		VehicleID:         vehicleID,
		TankGallons:       m.cfg.DefaultTankGallons,
		CalibrationFactor: m.cfg.CalibrationFactor,
	}
	if m.profiles != nil {
		if p, found := m.profiles.ProfileFor(vehicleID); found {
			profile = p
			if profile.TankGallons <= 0 {
				profile.TankGallons = m.cfg.DefaultTankGallons
			}
			if profile.CalibrationFactor <= 0 {
				profile.CalibrationFactor = m.cfg.CalibrationFactor
			}
		}
	}

	state = &vehicleState{
		estimator: NewEstimator(m.cfg.Estimator),
		history:   NewReadingHistory(m.cfg.HistoryLength),
		profile:   profile,
	}
	m.vehicles[vehicleID] = state
	return state
}

// RestoreFilterStates seeds vehicle filters from persisted snapshots,
// for warm restarts. Vehicles already tracked are left alone.
func (m *FuelMonitor) RestoreFilterStates(rows []FilterStateRow) {
	for _, row := range rows {
		if row.VehicleID == "" {
			continue
		}
		state := m.stateFor(row.VehicleID)
		if state.estimator.Initialized {
			continue
		}
		state.estimator.RestoreState(row)
		state.lastTimestamp = row.LastUpdate
	}
}

// FitScorer trains the classifier's anomaly scorer on historical drop
// feature rows, typically rebuilt from the event store at startup.
func (m *FuelMonitor) FitScorer(samples [][]float64) error {
	return m.classifier.Fit(samples)
}

// RunTick processes one batch from the source. A failure in one
// vehicle is logged and isolated; the rest of the batch continues.
func (m *FuelMonitor) RunTick(ctx context.Context, source SnapshotSource) error {
	snaps, err := source.FetchSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("fetch snapshots: %w", err)
	}

	now := time.Now()
	for _, snap := range snaps {
		m.processIsolated(ctx, snap)
	}

	for _, buf := range m.refuels.FlushStale(now) {
		m.emit(m.refuelEvent(buf))
	}
	if removed := m.pending.CleanupStale(now); removed > 0 {
		monitoring.Logf("dropped %d stale pending drops without resolution", removed)
	}
	return nil
}

// processIsolated shields the tick from any single vehicle's failure,
// including panics out of degenerate input.
func (m *FuelMonitor) processIsolated(ctx context.Context, snap SensorSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.recordVehicleError()
			monitoring.Errorf("vehicle %s: panic during processing: %v", snap.VehicleID, r)
		}
	}()
	if _, err := m.ProcessSnapshot(ctx, snap); err != nil {
		m.recordVehicleError()
		monitoring.Errorf("vehicle %s: %v", snap.VehicleID, err)
	}
}

// Start runs the periodic tick loop in a goroutine.
func (m *FuelMonitor) Start(ctx context.Context, source SnapshotSource) {
	go func() {
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.RunTick(ctx, source); err != nil {
					monitoring.Errorf("tick failed: %v", err)
				}
			case <-m.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests the tick loop to stop.
func (m *FuelMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Shutdown flushes durable state: filter snapshots and open refuel
// buffers. Pending drops are intentionally ephemeral — losing an
// unresolved ambiguous drop beats emitting a stale verdict on restart.
func (m *FuelMonitor) Shutdown(ctx context.Context) {
	m.Stop()

	for _, buf := range m.refuels.FlushAll() {
		m.emit(m.refuelEvent(buf))
	}

	if m.store == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, state := range m.vehicles {
		if !state.estimator.Initialized {
			continue
		}
		if err := m.store.SaveFilterState(state.estimator.StateRow(id)); err != nil {
			monitoring.Errorf("vehicle %s: flush filter state: %v", id, err)
		}
	}
}

// Stats returns a snapshot of the monitor counters.
func (m *FuelMonitor) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	out := Stats{
		SnapshotsProcessed: m.stats.SnapshotsProcessed,
		VehicleErrors:      m.stats.VehicleErrors,
		EventsByKind:       make(map[EventKind]int64, len(m.stats.EventsByKind)),
	}
	for k, v := range m.stats.EventsByKind {
		out.EventsByKind[k] = v
	}

	m.mu.RLock()
	out.VehiclesTracked = len(m.vehicles)
	m.mu.RUnlock()
	return out
}

func (m *FuelMonitor) recordVehicleError() {
	m.statsMu.Lock()
	m.stats.VehicleErrors++
	m.statsMu.Unlock()
}

func (m *FuelMonitor) newEvent(vehicleID string, kind EventKind, ts time.Time, confidence float64, factors []string) *Event {
	return &Event{
		EventID:    fmt.Sprintf("evt_%s", uuid.NewString()),
		VehicleID:  vehicleID,
		Kind:       kind,
		Timestamp:  ts,
		Confidence: clampConfidence(confidence),
		Factors:    factors,
	}
}

func (m *FuelMonitor) dropEvent(drop PendingDrop, kind EventKind, confidence float64, factors []string) *Event {
	e := m.newEvent(drop.VehicleID, kind, drop.DroppedAt, confidence, factors)
	e.DropGallons = drop.DropGallons
	e.BeforePct = drop.BeforePct
	e.AfterPct = drop.AfterPct
	e.Latitude, e.Longitude = drop.Latitude, drop.Longitude
	return e
}

func (m *FuelMonitor) refuelEvent(buf *RefuelBuffer) *Event {
	e := m.newEvent(buf.VehicleID, EventRefuel, buf.LastJumpAt, 0.90,
		[]string{fmt.Sprintf("%d consolidated jump(s), +%.1f%%", buf.JumpCount, buf.EndPct-buf.StartPct)})
	e.GallonsAdded = buf.GallonsAdded
	e.BeforePct = buf.StartPct
	e.AfterPct = buf.EndPct
	e.Latitude, e.Longitude = buf.Latitude, buf.Longitude
	return e
}

// emit hands a finalized event to the persistence and alerting
// collaborators. Failures are logged and swallowed at this boundary; a
// failed write for one vehicle never affects the rest of the tick.
func (m *FuelMonitor) emit(e *Event) {
	m.statsMu.Lock()
	if m.stats.EventsByKind == nil {
		m.stats.EventsByKind = make(map[EventKind]int64)
	}
	m.stats.EventsByKind[e.Kind]++
	m.statsMu.Unlock()

	if m.store != nil && persistable(e.Kind) {
		if err := m.store.SaveEvent(*e); err != nil {
			monitoring.Errorf("vehicle %s: persist %s event: %v", e.VehicleID, e.Kind, err)
		}
	}
	if m.notifier != nil && notifiable(e.Kind) {
		m.notifier.Notify(*e)
	}
}

// persistable reports whether the kind gets a durable event row (as
// opposed to metrics only).
func persistable(kind EventKind) bool {
	switch kind {
	case EventRefuel, EventTheftConfirmed, EventTheftSuspected:
		return true
	}
	return false
}

// notifiable reports whether the kind is handed to the alerting
// collaborator.
func notifiable(kind EventKind) bool {
	switch kind {
	case EventRefuel, EventTheftConfirmed, EventTheftSuspected, EventSensorIssue:
		return true
	}
	return false
}

// persistState writes the metrics row and filter-state upsert for one
// processed reading, best-effort.
func (m *FuelMonitor) persistState(state *vehicleState, snap SensorSnapshot, raw, corrected float64) {
	if m.store == nil {
		return
	}
	row := MetricsRow{
		VehicleID:     snap.VehicleID,
		Timestamp:     snap.Timestamp,
		RawPct:        raw,
		CorrectedPct:  corrected,
		EstimatedPct:  state.estimator.LevelPct,
		RatePctPerMin: state.estimator.RatePctPerMin,
		Volatility:    state.history.Volatility(),
		Status:        snap.Status,
	}
	if err := m.store.SaveMetrics(row); err != nil {
		monitoring.Errorf("vehicle %s: persist metrics: %v", snap.VehicleID, err)
	}
	if err := m.store.SaveFilterState(state.estimator.StateRow(snap.VehicleID)); err != nil {
		monitoring.Errorf("vehicle %s: persist filter state: %v", snap.VehicleID, err)
	}
}
