package fuel

import (
	"fmt"
	"sync"

	"github.com/banshee-data/fuelwatch/internal/monitoring"
)

// Rule confidence levels. Each deterministic rule carries a base
// confidence; the scorer blend can move it but never outside [0,1].
const (
	ConfidenceVolatileSensor  = 0.85
	ConfidenceRecovered1h     = 0.80
	ConfidenceRecovered3h     = 0.75
	ConfidenceRefuelLocation  = 0.70
	ConfidenceStoppedTheft    = 0.90
	ConfidenceStoppedSmall    = 0.65
	ConfidenceMovingNormal    = 0.75
	ConfidenceUnknown         = 0.50
	ConfidenceEnsembleCeiling = 0.95
)

// ClassifierConfig holds the rule thresholds.
type ClassifierConfig struct {
	VolatilityThreshold float64 // sensor std-dev above which a drop is a sensor issue
	RecoveredPct        float64 // recovery within lookahead that marks a sensor issue
	StoppedTheftPct     float64 // stopped drop above this is high-confidence theft
	MinDropPct          float64 // stopped drop above this is moderate-confidence theft
	MovingNormalDropPct float64 // moving drop below this is normal consumption
}

// DefaultClassifierConfig returns the built-in rule thresholds.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		VolatilityThreshold: 5.0,
		RecoveredPct:        5.0,
		StoppedTheftPct:     15.0,
		MinDropPct:          10.0,
		MovingNormalDropPct: 10.0,
	}
}

// Verdict is the classifier's judgment on one drop.
type Verdict struct {
	Kind       EventKind
	Confidence float64
	Factors    []string
}

// DropClassifier scores fuel drops with a priority-ordered rule ladder,
// optionally blended with an unsupervised anomaly scorer. The scorer is
// a capability: scoring failures degrade to rules-only verdicts with a
// single log line, invisible to callers.
type DropClassifier struct {
	cfg      ClassifierConfig
	scorer   AnomalyScorer
	warnOnce sync.Once
}

// NewDropClassifier creates a classifier. A nil scorer selects
// RulesOnlyScorer.
func NewDropClassifier(cfg ClassifierConfig, scorer AnomalyScorer) *DropClassifier {
	if scorer == nil {
		scorer = RulesOnlyScorer{}
	}
	return &DropClassifier{cfg: cfg, scorer: scorer}
}

// Fit trains the scorer on a matrix of historical drop feature rows.
// Until a Fit succeeds, Classify returns rules-only verdicts.
func (c *DropClassifier) Fit(samples [][]float64) error {
	return c.scorer.Fit(samples)
}

// Classify runs the rule ladder (first match wins) and then the scorer
// blend. The returned confidence is always in [0,1].
func (c *DropClassifier) Classify(f DropFeatures) Verdict {
	v := c.applyRules(f)
	return c.blend(v, f)
}

func (c *DropClassifier) applyRules(f DropFeatures) Verdict {
	switch {
	case f.Volatility > c.cfg.VolatilityThreshold:
		return Verdict{
			Kind:       EventSensorIssue,
			Confidence: ConfidenceVolatileSensor,
			Factors:    []string{fmt.Sprintf("volatility %.2f above threshold %.2f", f.Volatility, c.cfg.VolatilityThreshold)},
		}
	case f.RecoveryPct1h >= c.cfg.RecoveredPct:
		return Verdict{
			Kind:       EventSensorIssue,
			Confidence: ConfidenceRecovered1h,
			Factors:    []string{fmt.Sprintf("level recovered %.1f%% within 1h", f.RecoveryPct1h)},
		}
	case f.RecoveryPct3h >= c.cfg.RecoveredPct:
		return Verdict{
			Kind:       EventSensorIssue,
			Confidence: ConfidenceRecovered3h,
			Factors:    []string{fmt.Sprintf("level recovered %.1f%% within 3h", f.RecoveryPct3h)},
		}
	case f.AtRefuelSite:
		return Verdict{
			Kind:       EventRefuel,
			Confidence: ConfidenceRefuelLocation,
			Factors:    []string{"drop at known refuel location"},
		}
	case f.Stopped && f.DropPct > c.cfg.StoppedTheftPct:
		return Verdict{
			Kind:       EventTheftConfirmed,
			Confidence: ConfidenceStoppedTheft,
			Factors:    []string{fmt.Sprintf("stopped vehicle lost %.1f%% (> %.1f%%)", f.DropPct, c.cfg.StoppedTheftPct)},
		}
	case f.Stopped && f.DropPct > c.cfg.MinDropPct:
		return Verdict{
			Kind:       EventTheftConfirmed,
			Confidence: ConfidenceStoppedSmall,
			Factors:    []string{fmt.Sprintf("stopped vehicle lost %.1f%% (> %.1f%%)", f.DropPct, c.cfg.MinDropPct)},
		}
	case f.Moving && f.DropPct < c.cfg.MovingNormalDropPct:
		return Verdict{
			Kind:       EventNormalConsumption,
			Confidence: ConfidenceMovingNormal,
			Factors:    []string{fmt.Sprintf("moving vehicle, %.1f%% drop within normal range", f.DropPct)},
		}
	default:
		return Verdict{
			Kind:       EventUnknown,
			Confidence: ConfidenceUnknown,
			Factors:    []string{"no rule matched"},
		}
	}
}

// blend combines the rule verdict with the anomaly scorer when one is
// available. Agreement pulls confidence toward the ensemble ceiling;
// disagreement weights rules more heavily for sensor/refuel verdicts
// and the scorer more heavily for theft discrimination.
func (c *DropClassifier) blend(v Verdict, f DropFeatures) Verdict {
	anomalous, score, err := c.scorer.Score(f.Vector())
	if err != nil {
		if err != ErrNoModel {
			c.warnOnce.Do(func() {
				monitoring.Errorf("anomaly scorer failed, continuing rules-only: %v", err)
			})
		}
		return v
	}

	// The rule verdict implies an expectation about anomaly: theft and
	// sensor faults are anomalies, normal consumption is not.
	anomalyExpected := v.Kind != EventNormalConsumption && v.Kind != EventUnknown

	switch {
	case anomalous == anomalyExpected:
		// Agreement: move confidence halfway toward the ceiling.
		v.Confidence += (ConfidenceEnsembleCeiling - v.Confidence) / 2
		v.Factors = append(v.Factors, fmt.Sprintf("anomaly score %.2f agrees", score))

	case v.Kind == EventSensorIssue || v.Kind == EventRefuel:
		// Disagreement on a sensor/refuel verdict: rules dominate.
		v.Confidence = 0.7*v.Confidence + 0.3*(1-score)
		v.Factors = append(v.Factors, fmt.Sprintf("anomaly score %.2f disagrees, rules weighted", score))

	case v.Kind == EventTheftConfirmed || v.Kind == EventTheftSuspected:
		// Disagreement on theft: the scorer is the better discriminator.
		v.Confidence = 0.4*v.Confidence + 0.6*score
		v.Factors = append(v.Factors, fmt.Sprintf("anomaly score %.2f disagrees, scorer weighted", score))

	default:
		// Rules saw nothing but the scorer flags the drop: surface it
		// as unknown-but-suspicious rather than silently normal.
		v.Kind = EventUnknown
		v.Confidence = 0.4*v.Confidence + 0.6*score
		v.Factors = append(v.Factors, fmt.Sprintf("anomaly score %.2f flags unremarkable drop", score))
	}

	v.Confidence = clampConfidence(v.Confidence)
	return v
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
