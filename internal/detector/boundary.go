package detector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Boundary is the one-class boundary strategy. It fits a decision boundary
// around the bulk of training data in an RBF-kernel-induced space: the
// boundary is the sphere centered on the kernel mean of the training set,
// with its radius chosen so roughly Nu of training points fall outside.
//
// Score = distance to boundary, negative inside. Higher is more anomalous.
type Boundary struct {
	cfg domain.BoundaryConfig

	mu    sync.RWMutex
	model *boundaryModel
}

type boundaryModel struct {
	scaler  *Scaler
	support [][]float64 // scaled training sample
	selfK   float64     // mean pairwise kernel term of the support set
	radius  float64
}

// boundarySampleCap bounds the support set so kernel sums stay O(n) per row.
const boundarySampleCap = 512

// NewBoundary creates a boundary strategy from configuration.
func NewBoundary(cfg domain.BoundaryConfig) *Boundary {
	if cfg.Nu <= 0 || cfg.Nu >= 1 {
		cfg.Nu = 0.1
	}
	if cfg.Gamma <= 0 {
		cfg.Gamma = 0.5
	}
	return &Boundary{cfg: cfg}
}

// Name returns the strategy name.
func (b *Boundary) Name() string { return NameBoundary }

// Orientation: higher score means more anomalous.
func (b *Boundary) Orientation() domain.ScoreOrientation { return domain.HigherIsAnomalous }

// Trained reports whether a fitted model is present.
func (b *Boundary) Trained() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.model != nil
}

// Train fits the kernel boundary on the training matrix.
func (b *Boundary) Train(ctx context.Context, m *domain.FeatureMatrix) error {
	scaler := &Scaler{}
	if err := scaler.Fit(m); err != nil {
		return fmt.Errorf("boundary: %w", err)
	}
	if m.NumRows() < 2 {
		return fmt.Errorf("boundary: need at least 2 training rows, got %d", m.NumRows())
	}

	scaled := scaler.Transform(m)
	support := scaled
	if len(support) > boundarySampleCap {
		// Deterministic thinning keeps training bounded on large batches.
		step := len(support) / boundarySampleCap
		thinned := make([][]float64, 0, boundarySampleCap)
		for i := 0; i < len(support) && len(thinned) < boundarySampleCap; i += step {
			thinned = append(thinned, support[i])
		}
		support = thinned
	}

	// Mean pairwise kernel value of the support set. With an RBF kernel
	// k(x,x) = 1, so squared kernel distance to the mean embedding is
	// 1 + selfK - 2*meanK(x, support).
	n := len(support)
	var selfK float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			selfK += rbf(support[i], support[j], b.cfg.Gamma)
		}
	}
	selfK /= float64(n * n)

	model := &boundaryModel{
		scaler:  scaler,
		support: support,
		selfK:   selfK,
	}

	// Radius at the (1-Nu) quantile of training distances bounds the
	// expected fraction of training points outside the boundary.
	dists := make([]float64, len(scaled))
	for i, row := range scaled {
		dists[i] = model.distance(row, b.cfg.Gamma)
	}
	sort.Float64s(dists)
	model.radius = quantile(dists, 1-b.cfg.Nu)

	b.mu.Lock()
	b.model = model
	b.mu.Unlock()
	return nil
}

// Predict labels rows outside the boundary as anomalous.
func (b *Boundary) Predict(ctx context.Context, m *domain.FeatureMatrix) []domain.Label {
	scores := b.Scores(ctx, m)
	labels := neutralLabels(len(scores))
	for i, s := range scores {
		if s > 0 {
			labels[i] = domain.LabelAnomalous
		}
	}
	return labels
}

// Scores returns the signed distance to the boundary per row.
func (b *Boundary) Scores(ctx context.Context, m *domain.FeatureMatrix) []float64 {
	b.mu.RLock()
	model := b.model
	b.mu.RUnlock()

	n := m.NumRows()
	if model == nil {
		warnUntrained(NameBoundary, n)
		return zeroScores(n)
	}
	if !checkPredictInput(NameBoundary, m, model.scaler.NumFeatures()) {
		return zeroScores(n)
	}

	scaled := model.scaler.Transform(m)
	scores := make([]float64, n)
	for i, row := range scaled {
		scores[i] = model.distance(row, b.cfg.Gamma) - model.radius
	}
	return scores
}

// distance is the kernel-space distance from a scaled row to the center
// of the training mass.
func (mo *boundaryModel) distance(row []float64, gamma float64) float64 {
	var meanK float64
	for _, s := range mo.support {
		meanK += rbf(row, s, gamma)
	}
	meanK /= float64(len(mo.support))

	sq := 1 + mo.selfK - 2*meanK
	if sq < 0 {
		sq = 0
	}
	return math.Sqrt(sq)
}

// rbf is the radial basis function kernel exp(-gamma * ||a-b||^2).
func rbf(a, b []float64, gamma float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Exp(-gamma * sum)
}
