package fuel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore records everything handed to it.
type memStore struct {
	mu      sync.Mutex
	events  []Event
	metrics []MetricsRow
	states  map[string]FilterStateRow
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]FilterStateRow)}
}

func (s *memStore) SaveEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) SaveMetrics(m MetricsRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *memStore) SaveFilterState(row FilterStateRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[row.VehicleID] = row
	return nil
}

func (s *memStore) eventsOfKind(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// failStore fails every write.
type failStore struct{}

func (failStore) SaveEvent(Event) error { return errors.New("db down") }
func (failStore) SaveMetrics(MetricsRow) error { return errors.New("db down") }
func (failStore) SaveFilterState(FilterStateRow) error { return errors.New("db down") }

// memNotifier records notified events.
type memNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *memNotifier) Notify(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *memNotifier) kinds() []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventKind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

// sliceSource serves a fixed batch per tick.
type sliceSource struct {
	snaps []SensorSnapshot
	err   error
}

func (s sliceSource) FetchSnapshots(context.Context) ([]SensorSnapshot, error) {
	return s.snaps, s.err
}

func fuelSnap(vehicleID string, ts time.Time, pct float64, status VehicleStatus) SensorSnapshot {
	p := pct
	return SensorSnapshot{VehicleID: vehicleID, Timestamp: ts, FuelPct: &p, Status: status}
}

func newTestMonitor(store EventStore, notifier Notifier) *FuelMonitor {
	return NewFuelMonitor(DefaultMonitorConfig(), nil, store, notifier, nil)
}

// feedStable pushes n readings at the given level one minute apart and
// returns the timestamp after the last one.
func feedStable(t *testing.T, m *FuelMonitor, vehicleID string, start time.Time, n int, pct float64, status VehicleStatus) time.Time {
	t.Helper()
	ts := start
	for i := 0; i < n; i++ {
		event, err := m.ProcessSnapshot(context.Background(), fuelSnap(vehicleID, ts, pct, status))
		require.NoError(t, err)
		require.Nil(t, event, "stable reading %d must not produce an event", i)
		ts = ts.Add(time.Minute)
	}
	return ts
}

func TestProcessSnapshotIgnoresInvalidInput(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(nil, nil)
	ctx := context.Background()

	event, err := m.ProcessSnapshot(ctx, SensorSnapshot{Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Nil(t, event, "missing vehicle id")

	event, err = m.ProcessSnapshot(ctx, SensorSnapshot{VehicleID: "v1"})
	require.NoError(t, err)
	assert.Nil(t, event, "missing timestamp")

	event, err = m.ProcessSnapshot(ctx, SensorSnapshot{VehicleID: "v1", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Nil(t, event, "missing fuel level is a quiet no-op")
}

func TestFirstReadingInitializes(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMonitor(store, nil)

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	event, err := m.ProcessSnapshot(context.Background(), fuelSnap("v1", t0, 72, StatusStopped))
	require.NoError(t, err)
	assert.Nil(t, event)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.SnapshotsProcessed)
	assert.Equal(t, 1, stats.VehiclesTracked)

	require.Len(t, store.metrics, 1)
	assert.Equal(t, 72.0, store.metrics[0].RawPct)
	state, ok := store.states["v1"]
	require.True(t, ok)
	assert.Equal(t, 72.0, state.LevelPct)
}

func TestReplayedSnapshotIgnored(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	snap := fuelSnap("v1", t0, 72, StatusStopped)

	_, err := m.ProcessSnapshot(ctx, snap)
	require.NoError(t, err)
	_, err = m.ProcessSnapshot(ctx, snap)
	require.NoError(t, err)
	_, err = m.ProcessSnapshot(ctx, fuelSnap("v1", t0.Add(-time.Minute), 50, StatusStopped))
	require.NoError(t, err)

	assert.Equal(t, int64(1), m.Stats().SnapshotsProcessed, "duplicates and out-of-order retries are no-ops")
	assert.Len(t, store.metrics, 1)
}

func TestTemperatureCorrectionApplied(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMonitor(store, nil)

	t0 := time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)
	pct, ambient := 50.0, 90.0
	snap := SensorSnapshot{
		VehicleID: "v1", Timestamp: t0,
		FuelPct: &pct, AmbientTempF: &ambient,
		Status: StatusStopped,
	}
	_, err := m.ProcessSnapshot(context.Background(), snap)
	require.NoError(t, err)

	require.Len(t, store.metrics, 1)
	assert.Equal(t, 50.0, store.metrics[0].RawPct)
	assert.InDelta(t, 48.995, store.metrics[0].CorrectedPct, 1e-3)
}

func TestRefuelConsolidationFlow(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	notifier := &memNotifier{}
	m := newTestMonitor(store, notifier)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	_, err := m.ProcessSnapshot(ctx, fuelSnap("v1", t0, 50, StatusStopped))
	require.NoError(t, err)

	// First rising jump opens a buffer; no event yet.
	event, err := m.ProcessSnapshot(ctx, fuelSnap("v1", t0.Add(time.Minute), 85, StatusStopped))
	require.NoError(t, err)
	assert.Nil(t, event, "jump buffered for consolidation")

	// A second jump outside the consolidation window finalizes the
	// first refuel.
	event, err = m.ProcessSnapshot(ctx, fuelSnap("v1", t0.Add(20*time.Minute), 95, StatusStopped))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventRefuel, event.Kind)
	assert.InDelta(t, 35.0, event.GallonsAdded, 1.0)
	assert.InDelta(t, 85.0, event.AfterPct, 1e-9)

	require.Len(t, store.eventsOfKind(EventRefuel), 1)
	assert.Equal(t, []EventKind{EventRefuel}, notifier.kinds())
}

func TestRiseWhileDropPendingSettlesAsOneRefuel(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ts := feedStable(t, m, "v1", t0, 20, 80, StatusStopped)

	// Sender slosh at the start of a fill often reads as a drop first.
	event, err := m.ProcessSnapshot(ctx, fuelSnap("v1", ts, 65, StatusStopped))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventPendingVerification, event.Kind)
	require.Equal(t, 1, m.pending.PendingCount())

	// The fill lands while the drop is still buffered: the rise settles
	// the pending entry and buffers a single jump from the post-drop
	// level, so the fill cannot surface twice.
	event, err = m.ProcessSnapshot(ctx, fuelSnap("v1", ts.Add(5*time.Minute), 90, StatusStopped))
	require.NoError(t, err)
	assert.Nil(t, event, "jump buffered for consolidation")
	assert.Equal(t, 0, m.pending.PendingCount(), "rise settles the buffered drop")

	// Past the recovery window nothing is left to resolve.
	event, err = m.ProcessSnapshot(ctx, fuelSnap("v1", ts.Add(16*time.Minute), 90, StatusStopped))
	require.NoError(t, err)
	assert.Nil(t, event)

	m.Shutdown(ctx)

	refuels := store.eventsOfKind(EventRefuel)
	require.Len(t, refuels, 1, "one physical fill, one event")
	assert.InDelta(t, 25.0, refuels[0].GallonsAdded, 1.0)
	assert.InDelta(t, 65.0, refuels[0].BeforePct, 1e-9)
	assert.InDelta(t, 90.0, refuels[0].AfterPct, 1e-9)
	assert.Empty(t, store.eventsOfKind(EventTheftConfirmed))
	assert.Empty(t, store.eventsOfKind(EventTheftSuspected))
}

func TestTheftConfirmedFlow(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	notifier := &memNotifier{}
	m := newTestMonitor(store, notifier)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	ts := feedStable(t, m, "v1", t0, 20, 80, StatusStopped)

	// A 20% overnight drop on a stopped vehicle: buffered with an
	// advisory event, not a verdict.
	event, err := m.ProcessSnapshot(ctx, fuelSnap("v1", ts, 60, StatusStopped))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventPendingVerification, event.Kind)
	assert.InDelta(t, ConfidenceStoppedTheft, event.Confidence, 1e-9)
	assert.Equal(t, 1, m.pending.PendingCount())

	// The level stays low past the recovery window: theft confirmed.
	event, err = m.ProcessSnapshot(ctx, fuelSnap("v1", ts.Add(12*time.Minute), 61, StatusStopped))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventTheftConfirmed, event.Kind)
	assert.InDelta(t, 20.0, event.DropGallons, 1.0)
	assert.Equal(t, 0, m.pending.PendingCount())

	require.Len(t, store.eventsOfKind(EventTheftConfirmed), 1)
	assert.Contains(t, notifier.kinds(), EventTheftConfirmed)
}

func TestSensorGlitchRecoveryFlow(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	ts := feedStable(t, m, "v1", t0, 20, 80, StatusStopped)

	event, err := m.ProcessSnapshot(ctx, fuelSnap("v1", ts, 60, StatusStopped))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventPendingVerification, event.Kind)

	// The level snaps back near the pre-drop reading: sensor glitch.
	event, err = m.ProcessSnapshot(ctx, fuelSnap("v1", ts.Add(12*time.Minute), 79, StatusStopped))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventSensorIssue, event.Kind)
	assert.InDelta(t, 80.0, event.BeforePct, 1.5)

	// Sensor issues are advisory: logged and notified, never an event
	// row. Only refuel/theft kinds are durable.
	assert.Empty(t, store.eventsOfKind(EventSensorIssue))
	assert.Empty(t, store.eventsOfKind(EventTheftConfirmed))
}

func TestVolatileSensorResolvesImmediately(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(nil, nil)
	ctx := context.Background()

	// With only a couple of readings, a 25% swing makes the history
	// wildly volatile, so the drop resolves as a sensor issue at once.
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ts := feedStable(t, m, "v1", t0, 2, 80, StatusMoving)

	event, err := m.ProcessSnapshot(ctx, fuelSnap("v1", ts, 55, StatusMoving))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventSensorIssue, event.Kind)
	assert.Equal(t, 0, m.pending.PendingCount(), "volatile drops never buffer")
}

func TestExtremeStoppedDropFlagsImmediately(t *testing.T) {
	t.Parallel()

	notifier := &memNotifier{}
	m := newTestMonitor(nil, notifier)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	ts := feedStable(t, m, "v1", t0, 20, 80, StatusStopped)

	// A 32% drop on a stopped vehicle skips the recovery window.
	event, err := m.ProcessSnapshot(ctx, fuelSnap("v1", ts, 48, StatusStopped))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventTheftSuspected, event.Kind)
	assert.Equal(t, 0, m.pending.PendingCount())
	assert.Contains(t, notifier.kinds(), EventTheftSuspected)
}

func TestRefuelSiteDropResolvesAsRefuel(t *testing.T) {
	t.Parallel()

	site := Location{Latitude: 45.5231, Longitude: -122.6765, RadiusMeters: 200}
	profiles := profileMap{
		"v1": {
			VehicleID:         "v1",
			TankGallons:       100,
			CalibrationFactor: 1,
			RefuelLocations:   []Location{site},
		},
	}
	m := NewFuelMonitor(DefaultMonitorConfig(), nil, nil, nil, profiles)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ts := feedStable(t, m, "v1", t0, 20, 80, StatusStopped)

	// Sender sloshing during a fill often reads as a drop first. Inside
	// the geofence the drop settles as refuel-related without waiting.
	lat, lon := site.Latitude, site.Longitude
	snap := fuelSnap("v1", ts, 62, StatusStopped)
	snap.Latitude, snap.Longitude = &lat, &lon

	event, err := m.ProcessSnapshot(ctx, snap)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, EventRefuel, event.Kind)
	assert.Equal(t, 0, m.pending.PendingCount(), "geofence verdict clears the buffer")
}

func TestEmergencyResetAfterLongGap(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(nil, nil)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	_, err := m.ProcessSnapshot(ctx, fuelSnap("v1", t0, 80, StatusStopped))
	require.NoError(t, err)

	// Three hours offline and a 40% disagreement: the filter re-seeds
	// instead of flagging a theft.
	event, err := m.ProcessSnapshot(ctx, fuelSnap("v1", t0.Add(3*time.Hour), 40, StatusStopped))
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.Equal(t, 0, m.pending.PendingCount())

	state := m.stateFor("v1")
	assert.Equal(t, 40.0, state.estimator.LevelPct)
}

func TestStoreFailureDoesNotFailProcessing(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(failStore{}, nil)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	_, err := m.ProcessSnapshot(ctx, fuelSnap("v1", t0, 80, StatusStopped))
	require.NoError(t, err)

	_, err = m.ProcessSnapshot(ctx, fuelSnap("v1", t0.Add(time.Minute), 79.8, StatusStopped))
	require.NoError(t, err, "persistence failures are logged, not raised")
	assert.Equal(t, int64(2), m.Stats().SnapshotsProcessed)
}

func TestRunTickProcessesWholeBatch(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMonitor(store, nil)

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	src := sliceSource{snaps: []SensorSnapshot{
		fuelSnap("v1", t0, 80, StatusMoving),
		fuelSnap("v2", t0, 55, StatusStopped),
		{VehicleID: "v3", Timestamp: t0}, // no fuel reading
	}}

	require.NoError(t, m.RunTick(context.Background(), src))

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.SnapshotsProcessed)
	assert.Equal(t, 3, stats.VehiclesTracked)
}

func TestRunTickSourceError(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(nil, nil)
	err := m.RunTick(context.Background(), sliceSource{err: errors.New("gateway timeout")})
	assert.Error(t, err)
}

func TestForceClassifyEmitsEvent(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	ts := feedStable(t, m, "v1", t0, 20, 80, StatusStopped)

	event, err := m.ProcessSnapshot(ctx, fuelSnap("v1", ts, 60, StatusStopped))
	require.NoError(t, err)
	require.Equal(t, EventPendingVerification, event.Kind)

	// Resolved administratively before the window elapses.
	resolved, ok := m.ForceClassify("v1", 61, ts.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, EventTheftConfirmed, resolved.Kind)
	require.Len(t, store.eventsOfKind(EventTheftConfirmed), 1)

	_, ok = m.ForceClassify("v1", 61, ts.Add(time.Minute))
	assert.False(t, ok)
}

func TestFitScorerReachesClassifier(t *testing.T) {
	t.Parallel()

	scorer := NewIsolationForestScorer(10, 16, 1)
	m := NewFuelMonitor(DefaultMonitorConfig(), scorer, nil, nil, nil)

	samples := [][]float64{
		DropFeatures{Moving: true, DropPct: 5, DropGallons: 5, ResultingPct: 70}.Vector(),
		DropFeatures{Moving: true, DropPct: 6, DropGallons: 6, ResultingPct: 55}.Vector(),
	}
	require.NoError(t, m.FitScorer(samples))

	_, _, err := scorer.Score(make([]float64, FeatureVectorWidth))
	require.NoError(t, err, "scorer fitted through the monitor")
}

func TestShutdownFlushesOpenRefuelBuffers(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	m := newTestMonitor(store, nil)
	ctx := context.Background()

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	_, err := m.ProcessSnapshot(ctx, fuelSnap("v1", t0, 50, StatusStopped))
	require.NoError(t, err)
	_, err = m.ProcessSnapshot(ctx, fuelSnap("v1", t0.Add(time.Minute), 85, StatusStopped))
	require.NoError(t, err)

	m.Shutdown(ctx)

	require.Len(t, store.eventsOfKind(EventRefuel), 1)
	assert.InDelta(t, 35.0, store.eventsOfKind(EventRefuel)[0].GallonsAdded, 1.0)
	_, ok := store.states["v1"]
	assert.True(t, ok, "filter state flushed on shutdown")
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx, sliceSource{})
	m.Stop()
	m.Stop() // idempotent
}

// profileMap is a ProfileSource backed by a plain map.
type profileMap map[string]VehicleProfile

func (p profileMap) ProfileFor(vehicleID string) (VehicleProfile, bool) {
	profile, ok := p[vehicleID]
	return profile, ok
}
