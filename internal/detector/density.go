package detector

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Density is the density/clustering strategy. Training runs DBSCAN over
// the scaled training data: points with at least MinNeighbors within
// Epsilon form dense cores, reachable points join their cluster, and
// everything else is noise. Only core points are retained.
//
// At predict time the anomaly score is the distance to the nearest core
// point (large = anomalous); rows farther than Epsilon from every core are
// labeled anomalous. A model with no core points scores everything 0.
type Density struct {
	cfg domain.DensityConfig

	mu    sync.RWMutex
	model *densityModel
}

type densityModel struct {
	scaler *Scaler
	cores  [][]float64
}

// NewDensity creates a density strategy from configuration.
func NewDensity(cfg domain.DensityConfig) *Density {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 0.8
	}
	if cfg.MinNeighbors < 1 {
		cfg.MinNeighbors = 4
	}
	return &Density{cfg: cfg}
}

// Name returns the strategy name.
func (d *Density) Name() string { return NameDensity }

// Orientation: higher score means more anomalous.
func (d *Density) Orientation() domain.ScoreOrientation { return domain.HigherIsAnomalous }

// Trained reports whether a fitted model is present.
func (d *Density) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model != nil
}

// Train clusters the training matrix and retains the dense core points.
func (d *Density) Train(ctx context.Context, m *domain.FeatureMatrix) error {
	scaler := &Scaler{}
	if err := scaler.Fit(m); err != nil {
		return fmt.Errorf("density: %w", err)
	}
	if m.NumRows() < d.cfg.MinNeighbors {
		return fmt.Errorf("density: need at least %d training rows, got %d", d.cfg.MinNeighbors, m.NumRows())
	}

	scaled := scaler.Transform(m)
	cores := coreHunt(scaled, d.cfg.Epsilon, d.cfg.MinNeighbors)

	d.mu.Lock()
	d.model = &densityModel{scaler: scaler, cores: cores}
	d.mu.Unlock()
	return nil
}

// coreHunt returns every point whose Epsilon-neighborhood (including
// itself) holds at least minNeighbors points.
func coreHunt(points [][]float64, eps float64, minNeighbors int) [][]float64 {
	var cores [][]float64
	for i, p := range points {
		count := 0
		for j, q := range points {
			if i == j {
				count++ // a point is in its own neighborhood
				continue
			}
			if euclidean(p, q) <= eps {
				count++
			}
			if count >= minNeighbors {
				break
			}
		}
		if count >= minNeighbors {
			cores = append(cores, p)
		}
	}
	return cores
}

// Predict labels rows not reachable from any dense core as anomalous.
func (d *Density) Predict(ctx context.Context, m *domain.FeatureMatrix) []domain.Label {
	d.mu.RLock()
	model := d.model
	d.mu.RUnlock()

	n := m.NumRows()
	labels := neutralLabels(n)
	if model == nil {
		warnUntrained(NameDensity, n)
		return labels
	}
	if len(model.cores) == 0 {
		return labels
	}

	scores := d.Scores(ctx, m)
	for i, s := range scores {
		if s > d.cfg.Epsilon {
			labels[i] = domain.LabelAnomalous
		}
	}
	return labels
}

// Scores returns distance to the nearest retained core point per row.
func (d *Density) Scores(ctx context.Context, m *domain.FeatureMatrix) []float64 {
	d.mu.RLock()
	model := d.model
	d.mu.RUnlock()

	n := m.NumRows()
	if model == nil {
		warnUntrained(NameDensity, n)
		return zeroScores(n)
	}
	if !checkPredictInput(NameDensity, m, model.scaler.NumFeatures()) {
		return zeroScores(n)
	}
	if len(model.cores) == 0 {
		// No dense structure was found in training; stay neutral.
		return zeroScores(n)
	}

	scaled := model.scaler.Transform(m)
	scores := make([]float64, n)
	for i, row := range scaled {
		best := euclidean(row, model.cores[0])
		for _, core := range model.cores[1:] {
			if dist := euclidean(row, core); dist < best {
				best = dist
			}
		}
		scores[i] = best
	}
	return scores
}
