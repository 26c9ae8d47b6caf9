package fuel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubScorer returns a fixed Score result for blend tests.
type stubScorer struct {
	anomalous bool
	score     float64
	err       error
}

func (s stubScorer) Fit([][]float64) error { return nil }
func (s stubScorer) Score([]float64) (bool, float64, error) {
	return s.anomalous, s.score, s.err
}

func TestRuleLadderFirstMatchWins(t *testing.T) {
	t.Parallel()

	c := NewDropClassifier(DefaultClassifierConfig(), nil)

	tests := []struct {
		name     string
		features DropFeatures
		wantKind EventKind
		wantConf float64
	}{
		{
			name:     "volatile sensor beats everything",
			features: DropFeatures{Volatility: 6, Stopped: true, DropPct: 40},
			wantKind: EventSensorIssue,
			wantConf: ConfidenceVolatileSensor,
		},
		{
			name:     "recovered within 1h",
			features: DropFeatures{RecoveryPct1h: 8, Stopped: true, DropPct: 20},
			wantKind: EventSensorIssue,
			wantConf: ConfidenceRecovered1h,
		},
		{
			name:     "recovered within 3h",
			features: DropFeatures{RecoveryPct3h: 6, Stopped: true, DropPct: 20},
			wantKind: EventSensorIssue,
			wantConf: ConfidenceRecovered3h,
		},
		{
			name:     "drop at refuel site",
			features: DropFeatures{AtRefuelSite: true, Stopped: true, DropPct: 20},
			wantKind: EventRefuel,
			wantConf: ConfidenceRefuelLocation,
		},
		{
			name:     "large stopped drop",
			features: DropFeatures{Stopped: true, DropPct: 20},
			wantKind: EventTheftConfirmed,
			wantConf: ConfidenceStoppedTheft,
		},
		{
			name:     "moderate stopped drop",
			features: DropFeatures{Stopped: true, DropPct: 12},
			wantKind: EventTheftConfirmed,
			wantConf: ConfidenceStoppedSmall,
		},
		{
			name:     "small moving drop is normal",
			features: DropFeatures{Moving: true, DropPct: 6},
			wantKind: EventNormalConsumption,
			wantConf: ConfidenceMovingNormal,
		},
		{
			name:     "nothing matches",
			features: DropFeatures{DropPct: 8},
			wantKind: EventUnknown,
			wantConf: ConfidenceUnknown,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := c.Classify(tt.features)
			assert.Equal(t, tt.wantKind, v.Kind)
			assert.InDelta(t, tt.wantConf, v.Confidence, 1e-9)
			assert.NotEmpty(t, v.Factors)
		})
	}
}

func TestBlendAgreementRaisesConfidence(t *testing.T) {
	t.Parallel()

	c := NewDropClassifier(DefaultClassifierConfig(), stubScorer{anomalous: true, score: 0.8})
	v := c.Classify(DropFeatures{Stopped: true, DropPct: 20})

	assert.Equal(t, EventTheftConfirmed, v.Kind)
	// 0.90 moved halfway toward the 0.95 ceiling.
	assert.InDelta(t, 0.925, v.Confidence, 1e-9)
}

func TestBlendDisagreementRulesDominateSensorVerdicts(t *testing.T) {
	t.Parallel()

	c := NewDropClassifier(DefaultClassifierConfig(), stubScorer{anomalous: false, score: 0.2})
	v := c.Classify(DropFeatures{Volatility: 6, DropPct: 20})

	assert.Equal(t, EventSensorIssue, v.Kind)
	// 0.7*0.85 + 0.3*(1-0.2)
	assert.InDelta(t, 0.835, v.Confidence, 1e-9)
}

func TestBlendDisagreementScorerDominatesTheft(t *testing.T) {
	t.Parallel()

	c := NewDropClassifier(DefaultClassifierConfig(), stubScorer{anomalous: false, score: 0.3})
	v := c.Classify(DropFeatures{Stopped: true, DropPct: 20})

	assert.Equal(t, EventTheftConfirmed, v.Kind)
	// 0.4*0.90 + 0.6*0.3
	assert.InDelta(t, 0.54, v.Confidence, 1e-9)
}

func TestBlendScorerFlagsUnremarkableDrop(t *testing.T) {
	t.Parallel()

	c := NewDropClassifier(DefaultClassifierConfig(), stubScorer{anomalous: true, score: 0.9})
	v := c.Classify(DropFeatures{Moving: true, DropPct: 6})

	// Rules said normal consumption; the scorer disagrees, so the drop
	// surfaces as unknown rather than silently normal.
	assert.Equal(t, EventUnknown, v.Kind)
	assert.InDelta(t, 0.4*0.75+0.6*0.9, v.Confidence, 1e-9)
}

func TestFitEnablesScorerBlend(t *testing.T) {
	t.Parallel()

	c := NewDropClassifier(DefaultClassifierConfig(), NewIsolationForestScorer(50, 64, 1))
	drop := DropFeatures{Stopped: true, DropPct: 20, DropGallons: 20, ResultingPct: 60}

	v := c.Classify(drop)
	assert.Len(t, v.Factors, 1, "rules-only before fitting")

	// Fit on a history of small moving-consumption drops; the stopped
	// 20% drop should then isolate early and reach the blend.
	samples := make([][]float64, 0, 64)
	for i := 0; i < 64; i++ {
		f := DropFeatures{
			Moving:       true,
			DropPct:      4 + float64(i%5),
			DropGallons:  4 + float64(i%5),
			ResultingPct: 40 + float64(i%40),
			HourOfDay:    i % 24,
			DayOfWeek:    i % 7,
		}
		samples = append(samples, f.Vector())
	}
	require.NoError(t, c.Fit(samples))

	v = c.Classify(drop)
	assert.Equal(t, EventTheftConfirmed, v.Kind)
	require.Len(t, v.Factors, 2, "scorer blend contributes a factor")
	assert.Contains(t, v.Factors[1], "anomaly score")
}

func TestBlendFallsBackOnScorerError(t *testing.T) {
	t.Parallel()

	c := NewDropClassifier(DefaultClassifierConfig(), stubScorer{err: errors.New("boom")})
	v := c.Classify(DropFeatures{Stopped: true, DropPct: 20})

	assert.Equal(t, EventTheftConfirmed, v.Kind)
	assert.InDelta(t, ConfidenceStoppedTheft, v.Confidence, 1e-9, "rules-only on scorer failure")
}

func TestNilScorerIsRulesOnly(t *testing.T) {
	t.Parallel()

	c := NewDropClassifier(DefaultClassifierConfig(), nil)
	v := c.Classify(DropFeatures{Stopped: true, DropPct: 20})

	assert.Equal(t, EventTheftConfirmed, v.Kind)
	assert.InDelta(t, ConfidenceStoppedTheft, v.Confidence, 1e-9)
}

func TestConfidenceAlwaysInRange(t *testing.T) {
	t.Parallel()

	scorers := []AnomalyScorer{
		nil,
		stubScorer{anomalous: true, score: 1.0},
		stubScorer{anomalous: false, score: 0.0},
		stubScorer{err: ErrNoModel},
	}
	features := []DropFeatures{
		{Volatility: 50, DropPct: 99},
		{Stopped: true, DropPct: 99},
		{Moving: true, DropPct: 0.1},
		{},
	}
	for _, s := range scorers {
		c := NewDropClassifier(DefaultClassifierConfig(), s)
		for _, f := range features {
			v := c.Classify(f)
			assert.GreaterOrEqual(t, v.Confidence, 0.0)
			assert.LessOrEqual(t, v.Confidence, 1.0)
		}
	}
}
