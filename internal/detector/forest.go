package detector

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewReconstruction builds the configured reconstruction/tree sub-strategy.
// Exactly one of the isolation forest or the autoencoder is active; both
// satisfy the same Strategy contract under the "reconstruction" name.
func NewReconstruction(cfg domain.ReconstructionConfig) (Strategy, error) {
	switch cfg.Kind {
	case domain.ReconstructionForest, "":
		return NewIsolationForest(cfg), nil
	case domain.ReconstructionAutoencoder:
		return NewAutoencoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown reconstruction kind: %q", cfg.Kind)
	}
}

// IsolationForest is the tree-based reconstruction sub-strategy. Random
// trees isolate points by recursive random splits; anomalous points need
// fewer splits to isolate, so short average path lengths mean anomalies.
//
// The score is a decision-function value, 0.5 - anomalyScore: LOWER means
// more anomalous. Rows below the contamination quantile of the training
// decision values are labeled anomalous.
type IsolationForest struct {
	cfg domain.ReconstructionConfig

	mu    sync.RWMutex
	model *forestModel
}

type forestModel struct {
	scaler    *Scaler
	trees     []*isoNode
	subsample int
	threshold float64
}

type isoNode struct {
	feature int
	split   float64
	lo, hi  float64 // observed range of the split feature at this node
	left    *isoNode
	right   *isoNode
	size    int // leaf population, 0 for internal nodes
}

// NewIsolationForest creates an isolation forest from configuration.
func NewIsolationForest(cfg domain.ReconstructionConfig) *IsolationForest {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 256
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		cfg.Contamination = 0.1
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	return &IsolationForest{cfg: cfg}
}

// Name returns the strategy name.
func (f *IsolationForest) Name() string { return NameReconstruction }

// Orientation: lower decision values mean more anomalous.
func (f *IsolationForest) Orientation() domain.ScoreOrientation { return domain.LowerIsAnomalous }

// Trained reports whether a fitted model is present.
func (f *IsolationForest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.model != nil
}

// Train grows the forest on subsamples of the training matrix.
func (f *IsolationForest) Train(ctx context.Context, m *domain.FeatureMatrix) error {
	scaler := &Scaler{}
	if err := scaler.Fit(m); err != nil {
		return fmt.Errorf("isolation forest: %w", err)
	}
	if m.NumRows() < 2 {
		return fmt.Errorf("isolation forest: need at least 2 training rows, got %d", m.NumRows())
	}

	scaled := scaler.Transform(m)
	subsample := f.cfg.SampleSize
	if subsample > len(scaled) {
		subsample = len(scaled)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	rng := rand.New(rand.NewSource(f.cfg.Seed))
	trees := make([]*isoNode, f.cfg.Trees)
	for t := range trees {
		sample := make([][]float64, subsample)
		for i := range sample {
			sample[i] = scaled[rng.Intn(len(scaled))]
		}
		trees[t] = growIsoTree(sample, 0, maxDepth, rng)
	}

	model := &forestModel{
		scaler:    scaler,
		trees:     trees,
		subsample: subsample,
	}

	// Threshold at the contamination quantile of training decision values
	// bounds the expected anomaly fraction.
	decisions := make([]float64, len(scaled))
	for i, row := range scaled {
		decisions[i] = model.decision(row)
	}
	sorted := make([]float64, len(decisions))
	copy(sorted, decisions)
	sort.Float64s(sorted)
	model.threshold = quantile(sorted, f.cfg.Contamination)

	f.mu.Lock()
	f.model = model
	f.mu.Unlock()
	return nil
}

func growIsoTree(points [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(points) <= 1 || depth >= maxDepth {
		return &isoNode{size: max(len(points), 1)}
	}

	feature := rng.Intn(len(points[0]))
	lo, hi := points[0][feature], points[0][feature]
	for _, p := range points[1:] {
		if p[feature] < lo {
			lo = p[feature]
		}
		if p[feature] > hi {
			hi = p[feature]
		}
	}
	if lo == hi {
		return &isoNode{size: len(points)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}

	return &isoNode{
		feature: feature,
		split:   split,
		lo:      lo,
		hi:      hi,
		left:    growIsoTree(left, depth+1, maxDepth, rng),
		right:   growIsoTree(right, depth+1, maxDepth, rng),
	}
}

// pathLength walks a point down a tree, adding the average-path adjustment
// c(size) at unsplit leaves. A point outside the range this node was grown
// on would be separated by the first split drawn over the widened range, so
// it counts as isolated here rather than inheriting the spine depth of the
// nearest training points.
func pathLength(node *isoNode, point []float64, depth float64) float64 {
	if node.left == nil && node.right == nil {
		return depth + avgPathLength(node.size)
	}
	v := point[node.feature]
	if v < node.lo || v > node.hi {
		return depth + 1
	}
	if v < node.split {
		return pathLength(node.left, point, depth+1)
	}
	return pathLength(node.right, point, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni constant
	return 2*h - 2*float64(n-1)/float64(n)
}

// decision maps a scaled row to the decision-function value 0.5 - s, where
// s = 2^(-E[path]/c(subsample)) is the canonical anomaly score.
func (mo *forestModel) decision(row []float64) float64 {
	var total float64
	for _, tree := range mo.trees {
		total += pathLength(tree, row, 0)
	}
	mean := total / float64(len(mo.trees))
	score := math.Pow(2, -mean/avgPathLength(mo.subsample))
	return 0.5 - score
}

// Predict labels rows whose decision value falls below the contamination
// threshold as anomalous.
func (f *IsolationForest) Predict(ctx context.Context, m *domain.FeatureMatrix) []domain.Label {
	f.mu.RLock()
	model := f.model
	f.mu.RUnlock()

	n := m.NumRows()
	labels := neutralLabels(n)
	if model == nil {
		warnUntrained(NameReconstruction, n)
		return labels
	}

	scores := f.Scores(ctx, m)
	for i, s := range scores {
		if s < model.threshold {
			labels[i] = domain.LabelAnomalous
		}
	}
	return labels
}

// Scores returns the decision-function value per row (lower = anomalous).
func (f *IsolationForest) Scores(ctx context.Context, m *domain.FeatureMatrix) []float64 {
	f.mu.RLock()
	model := f.model
	f.mu.RUnlock()

	n := m.NumRows()
	if model == nil {
		warnUntrained(NameReconstruction, n)
		return zeroScores(n)
	}
	if !checkPredictInput(NameReconstruction, m, model.scaler.NumFeatures()) {
		return zeroScores(n)
	}

	scaled := model.scaler.Transform(m)
	scores := make([]float64, n)
	for i, row := range scaled {
		scores[i] = model.decision(row)
	}
	return scores
}
