package fuel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesOnlyScorerNeverHasModel(t *testing.T) {
	t.Parallel()

	s := RulesOnlyScorer{}
	require.NoError(t, s.Fit([][]float64{{1}, {2}}))

	_, _, err := s.Score([]float64{1})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestIsolationForestScoreBeforeFit(t *testing.T) {
	t.Parallel()

	s := NewIsolationForestScorer(0, 0, 1)
	_, _, err := s.Score([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestIsolationForestFitRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := NewIsolationForestScorer(0, 0, 1)

	assert.Error(t, s.Fit(nil))
	assert.Error(t, s.Fit([][]float64{{1, 2}}))
	assert.Error(t, s.Fit([][]float64{{1, 2}, {1, 2, 3}}), "ragged matrix")
}

func TestIsolationForestIsolatesOutlier(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	samples := make([][]float64, 0, 300)
	for i := 0; i < 300; i++ {
		samples = append(samples, []float64{
			10 + rng.Float64()*2,
			5 + rng.Float64(),
			50 + rng.Float64()*5,
		})
	}

	s := NewIsolationForestScorer(100, 256, 7)
	require.NoError(t, s.Fit(samples))

	inAnom, inScore, err := s.Score([]float64{11, 5.5, 52})
	require.NoError(t, err)

	outAnom, outScore, err := s.Score([]float64{95, 40, 200})
	require.NoError(t, err)

	assert.Greater(t, outScore, inScore, "outlier must score higher than an inlier")
	assert.True(t, outAnom, "extreme outlier crosses the threshold")
	assert.False(t, inAnom, "cluster member stays below the threshold")
}

func TestIsolationForestScoreRange(t *testing.T) {
	t.Parallel()

	samples := make([][]float64, 0, 64)
	for i := 0; i < 64; i++ {
		samples = append(samples, []float64{float64(i), float64(i % 7)})
	}

	s := NewIsolationForestScorer(50, 32, 3)
	require.NoError(t, s.Fit(samples))

	probes := [][]float64{{0, 0}, {31, 3}, {63, 6}, {-500, 500}}
	for _, p := range probes {
		_, score, err := s.Score(p)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}

func TestAveragePathLength(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 0.0, averagePathLength(0))
	// c(2) = 2*(ln(1)+gamma) - 2*1/2 = 2*gamma - 1
	assert.InDelta(t, 2*0.5772156649-1, averagePathLength(2), 1e-9)
	assert.Greater(t, averagePathLength(256), averagePathLength(16))
}
