package fuel

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// ErrNoModel is returned by a scorer that has not been fitted (or that
// never fits, like RulesOnlyScorer). The classifier treats any Score
// error as "fall back to rules", so an unfitted scorer is never fatal.
var ErrNoModel = errors.New("fuel: anomaly scorer has no fitted model")

// AnomalyScorer is the capability interface for an optional unsupervised
// drop scorer. Implementations must be safe for concurrent Score calls.
// Callers never branch on whether a "real" scorer is installed; they
// hand every drop to Score and treat errors as rules-only.
type AnomalyScorer interface {
	// Fit trains the scorer on a feature matrix of historical drop
	// events (rows of FeatureVectorWidth).
	Fit(samples [][]float64) error
	// Score returns whether the feature vector is anomalous and a
	// score in [0,1] (higher is more anomalous).
	Score(features []float64) (anomalous bool, score float64, err error)
}

// RulesOnlyScorer is the default scorer: it never fits and always
// reports no model, which the classifier degrades to rules-only.
type RulesOnlyScorer struct{}

// Fit is a no-op.
func (RulesOnlyScorer) Fit([][]float64) error { return nil }

// Score always reports ErrNoModel.
func (RulesOnlyScorer) Score([]float64) (bool, float64, error) {
	return false, 0, ErrNoModel
}

// IsolationForestScorer is an isolation-forest style scorer: anomalies
// are points isolated by fewer random axis-aligned splits. Fitting
// builds the forest on subsamples of the historical drop matrix.
type IsolationForestScorer struct {
	NumTrees   int
	SampleSize int
	// Threshold is the anomaly score above which Score reports
	// anomalous. The conventional 0.5 marks "average path length";
	// 0.6 keeps borderline drops in rules-only territory.
	Threshold float64

	mu    sync.RWMutex
	trees []*isoNode
	cn    float64 // average path length normalizer c(SampleSize)
	rng   *rand.Rand
}

// NewIsolationForestScorer creates an unfitted forest with the given
// shape. Zero values select the usual 100 trees × 256 samples.
func NewIsolationForestScorer(numTrees, sampleSize int, seed int64) *IsolationForestScorer {
	if numTrees <= 0 {
		numTrees = 100
	}
	if sampleSize <= 0 {
		sampleSize = 256
	}
	return &IsolationForestScorer{
		NumTrees:   numTrees,
		SampleSize: sampleSize,
		Threshold:  0.6,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

type isoNode struct {
	// Internal node
	splitFeature int
	splitValue   float64
	left, right  *isoNode
	// External node
	size int
}

func (n *isoNode) external() bool { return n.left == nil && n.right == nil }

// Fit builds the forest from historical drop feature rows. Fewer than
// two rows leaves the scorer unfitted.
func (s *IsolationForestScorer) Fit(samples [][]float64) error {
	if len(samples) < 2 {
		return fmt.Errorf("fuel: need at least 2 samples to fit, got %d", len(samples))
	}
	width := len(samples[0])
	for i, row := range samples {
		if len(row) != width {
			return fmt.Errorf("fuel: ragged feature matrix: row %d has %d features, want %d", i, len(row), width)
		}
	}

	sampleSize := s.SampleSize
	if sampleSize > len(samples) {
		sampleSize = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize)))) + 1

	s.mu.Lock()
	defer s.mu.Unlock()

	trees := make([]*isoNode, 0, s.NumTrees)
	for t := 0; t < s.NumTrees; t++ {
		sub := make([][]float64, sampleSize)
		for i := range sub {
			sub[i] = samples[s.rng.Intn(len(samples))]
		}
		trees = append(trees, s.buildTree(sub, 0, maxDepth))
	}
	s.trees = trees
	s.cn = averagePathLength(float64(sampleSize))
	return nil
}

func (s *IsolationForestScorer) buildTree(samples [][]float64, depth, maxDepth int) *isoNode {
	if depth >= maxDepth || len(samples) <= 1 {
		return &isoNode{size: len(samples)}
	}

	feature := s.rng.Intn(len(samples[0]))
	lo, hi := samples[0][feature], samples[0][feature]
	for _, row := range samples[1:] {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	if hi <= lo {
		// Constant feature in this subsample; cannot split further.
		return &isoNode{size: len(samples)}
	}

	split := lo + s.rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range samples {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(samples)}
	}

	return &isoNode{
		splitFeature: feature,
		splitValue:   split,
		left:         s.buildTree(left, depth+1, maxDepth),
		right:        s.buildTree(right, depth+1, maxDepth),
	}
}

// Score computes the forest anomaly score 2^(-E[h(x)]/c(n)) for the
// feature vector. Returns ErrNoModel before Fit succeeds.
func (s *IsolationForestScorer) Score(features []float64) (bool, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.trees) == 0 {
		return false, 0, ErrNoModel
	}

	var total float64
	for _, tree := range s.trees {
		total += pathLength(tree, features, 0)
	}
	mean := total / float64(len(s.trees))
	score := math.Pow(2, -mean/s.cn)
	return score >= s.Threshold, score, nil
}

func pathLength(n *isoNode, features []float64, depth float64) float64 {
	if n.external() {
		if n.size > 1 {
			return depth + averagePathLength(float64(n.size))
		}
		return depth
	}
	if n.splitFeature >= len(features) {
		// Vector narrower than the training matrix; treat as terminal.
		return depth
	}
	if features[n.splitFeature] < n.splitValue {
		return pathLength(n.left, features, depth+1)
	}
	return pathLength(n.right, features, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search, used to normalize isolation depths.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	return 2*(math.Log(n-1)+eulerMascheroni) - 2*(n-1)/n
}
