package fuel

import (
	"sync"
	"time"
)

// PendingDrop is an unresolved ambiguous fuel decrease awaiting a
// recovery-window verdict. At most one exists per vehicle; registering a
// new drop while one is pending overwrites it (last drop wins).
type PendingDrop struct {
	VehicleID   string
	DroppedAt   time.Time
	BeforePct   float64
	AfterPct    float64
	DropPct     float64
	DropGallons float64
	Latitude    *float64
	Longitude   *float64
	Status      VehicleStatus
}

// RegisterOutcome is the instant disposition of a drop registration.
type RegisterOutcome int

const (
	// OutcomeBuffered means the drop was ambiguous and is now pending
	// its recovery window. No verdict yet.
	OutcomeBuffered RegisterOutcome = iota
	// OutcomeSensorVolatile means sensor noise alone explains the drop.
	OutcomeSensorVolatile
	// OutcomeImmediateTheft means the drop was extreme on a stopped
	// vehicle and is flagged without waiting for recovery.
	OutcomeImmediateTheft
)

// Resolution is the deferred verdict for a previously buffered drop.
type Resolution struct {
	Kind         EventKind
	Drop         PendingDrop
	CurrentPct   float64
	RecoveredPct float64 // current level minus the post-drop level
}

// PendingConfig holds the state-machine thresholds.
type PendingConfig struct {
	RecoveryWindow       time.Duration // wait before a buffered drop can resolve
	RecoveryTolerancePct float64       // band around the pre-drop level that means sensor glitch
	RefuelThresholdPct   float64       // rise above the post-drop level that means refuel
	ExtremeDropPct       float64       // stopped drop above this skips buffering
	VolatilityThreshold  float64       // base sensor volatility threshold
	MaxAge               time.Duration // stale entries older than this are silently dropped
}

// DefaultPendingConfig returns the built-in state-machine thresholds.
func DefaultPendingConfig() PendingConfig {
	return PendingConfig{
		RecoveryWindow:       10 * time.Minute,
		RecoveryTolerancePct: 5.0,
		RefuelThresholdPct:   8.0,
		ExtremeDropPct:       30.0,
		VolatilityThreshold:  5.0,
		MaxAge:               24 * time.Hour,
	}
}

// PendingDropTracker defers judgment on ambiguous fuel drops until
// enough evidence accumulates: the vehicle's level either recovers
// (sensor glitch), rises further (refuel), or stays low (theft).
//
// Pending drops are intentionally in-memory only. A crash loses
// unresolved drops rather than risking stale verdicts after restart,
// and CleanupStale removes abandoned entries without alerting — a
// documented limitation, not a bug.
type PendingDropTracker struct {
	cfg     PendingConfig
	pending map[string]*PendingDrop
	mu      sync.Mutex
}

// NewPendingDropTracker creates an empty tracker.
func NewPendingDropTracker(cfg PendingConfig) *PendingDropTracker {
	return &PendingDropTracker{
		cfg:     cfg,
		pending: make(map[string]*PendingDrop),
	}
}

// RegisterDrop records a detected drop and returns its instant
// disposition. Volatile sensors resolve immediately without buffering;
// extreme drops on stopped vehicles flag immediately; everything else
// is buffered (overwriting any prior pending drop for the vehicle).
func (t *PendingDropTracker) RegisterDrop(d PendingDrop, volatility float64) RegisterOutcome {
	if volatility > 1.5*t.cfg.VolatilityThreshold {
		return OutcomeSensorVolatile
	}
	if d.Status == StatusStopped && d.DropPct > t.cfg.ExtremeDropPct {
		return OutcomeImmediateTheft
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	copied := d
	t.pending[d.VehicleID] = &copied
	return OutcomeBuffered
}

// CheckRecovery resolves the vehicle's pending drop if its recovery
// window has elapsed. Returns (nil, false) when there is no pending
// drop or the window has not yet passed; otherwise the resolution and
// true, with the pending entry cleared.
func (t *PendingDropTracker) CheckRecovery(vehicleID string, currentPct float64, now time.Time) (*Resolution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.pending[vehicleID]
	if !ok {
		return nil, false
	}
	if now.Sub(d.DroppedAt) < t.cfg.RecoveryWindow {
		return nil, false
	}
	return t.resolveLocked(d, currentPct), true
}

// ForceClassify resolves the vehicle's pending drop immediately,
// bypassing the recovery window. For manual/administrative resolution.
func (t *PendingDropTracker) ForceClassify(vehicleID string, currentPct float64) (*Resolution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.pending[vehicleID]
	if !ok {
		return nil, false
	}
	return t.resolveLocked(d, currentPct), true
}

// resolveLocked applies the recovery decision logic and clears the
// entry. Caller holds the lock.
func (t *PendingDropTracker) resolveLocked(d *PendingDrop, currentPct float64) *Resolution {
	delete(t.pending, d.VehicleID)

	res := &Resolution{
		Drop:         *d,
		CurrentPct:   currentPct,
		RecoveredPct: currentPct - d.AfterPct,
	}

	diff := currentPct - d.BeforePct
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= t.cfg.RecoveryTolerancePct:
		res.Kind = EventSensorIssue
	case currentPct > d.AfterPct+t.cfg.RefuelThresholdPct:
		res.Kind = EventRefuel
	default:
		res.Kind = EventTheftConfirmed
	}
	return res
}

// Cancel discards the vehicle's pending drop without a verdict, for
// when other evidence settles the drop first. Reports whether an entry
// existed.
func (t *PendingDropTracker) Cancel(vehicleID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[vehicleID]; !ok {
		return false
	}
	delete(t.pending, vehicleID)
	return true
}

// CleanupStale removes pending entries older than the configured max
// age without resolving them. Returns the number removed. No alert is
// generated for entries lost this way.
func (t *PendingDropTracker) CleanupStale(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, d := range t.pending {
		if now.Sub(d.DroppedAt) > t.cfg.MaxAge {
			delete(t.pending, id)
			removed++
		}
	}
	return removed
}

// Pending returns a copy of the vehicle's pending drop, if any.
func (t *PendingDropTracker) Pending(vehicleID string) (PendingDrop, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.pending[vehicleID]
	if !ok {
		return PendingDrop{}, false
	}
	return *d, true
}

// PendingCount returns the number of vehicles with a buffered drop.
func (t *PendingDropTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
