// Package fuel implements the per-vehicle fuel telemetry engine: a
// two-state Kalman filter over fuel level and burn rate, a rule-plus-
// anomaly-score drop classifier, a recovery-window state machine for
// ambiguous drops, and a consolidation buffer that merges bursts of
// rising jumps into single refuel events.
//
// FuelMonitor is the entry point. Feed it SensorSnapshot batches via a
// SnapshotSource on a tick loop (Start) or push readings directly with
// ProcessSnapshot. Persistence, alerting, and profile lookup are
// injected interfaces; each may be nil.
package fuel
