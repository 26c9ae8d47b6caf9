// Package alerting maps classified fuel events to alert severities and
// provides the default log-based notifier. Delivery channels beyond the
// log (SMS, webhooks) plug in behind the same fuel.Notifier interface.
package alerting

import (
	"fmt"
	"strings"

	"github.com/banshee-data/fuelwatch/internal/fuel"
	"github.com/banshee-data/fuelwatch/internal/monitoring"
)

// Severity buckets for outbound alerts.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// SeverityFor maps an event kind to its alert severity. Theft is
// critical, sensor trouble is a maintenance warning, everything else is
// informational.
func SeverityFor(kind fuel.EventKind) Severity {
	switch kind {
	case fuel.EventTheftConfirmed, fuel.EventTheftSuspected:
		return SeverityCritical
	case fuel.EventSensorIssue:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Summary renders a one-line human-readable description of an event.
func Summary(e fuel.Event) string {
	var b strings.Builder
	switch e.Kind {
	case fuel.EventRefuel:
		fmt.Fprintf(&b, "refuel of %.1f gal (%.1f%% -> %.1f%%)", e.GallonsAdded, e.BeforePct, e.AfterPct)
	case fuel.EventTheftConfirmed:
		fmt.Fprintf(&b, "fuel theft: %.1f gal lost (%.1f%% -> %.1f%%)", e.DropGallons, e.BeforePct, e.AfterPct)
	case fuel.EventTheftSuspected:
		fmt.Fprintf(&b, "suspected fuel theft: %.1f gal drop while stopped", e.DropGallons)
	case fuel.EventSensorIssue:
		fmt.Fprintf(&b, "fuel sensor issue (level reads %.1f%%)", e.AfterPct)
	default:
		fmt.Fprintf(&b, "%s", e.Kind)
	}
	fmt.Fprintf(&b, " [confidence %.0f%%]", e.Confidence*100)
	if len(e.Factors) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Factors, "; "))
	}
	return b.String()
}

// LogNotifier writes alerts to the process log. It is the default
// Notifier wired by the fuelwatch binary.
type LogNotifier struct{}

// Notify implements fuel.Notifier.
func (LogNotifier) Notify(e fuel.Event) {
	monitoring.Logf("[%s] vehicle %s: %s", SeverityFor(e.Kind), e.VehicleID, Summary(e))
}
