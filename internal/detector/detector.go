// Package detector provides the independent anomaly detection strategies.
//
// Every strategy follows the same contract: fit on a training matrix, then
// answer per-row labels and continuous scores for prediction matrices of the
// same schema. Strategies degrade instead of failing: an untrained or broken
// strategy answers all-normal so the ensemble keeps operating on the rest.
package detector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Strategy is the common contract for all detection strategies.
//
// Predict and Scores always return slices with exactly one entry per input
// row. After Train completes, concurrent read-only Predict/Scores calls are
// safe; Train replaces the fitted state under a write lock.
type Strategy interface {
	// Name identifies the strategy in ensemble weights and contributions.
	Name() string

	// Train fits the strategy on the training matrix.
	Train(ctx context.Context, m *domain.FeatureMatrix) error

	// Predict returns one label per row. Untrained strategies return
	// all-normal with a warning rather than an error.
	Predict(ctx context.Context, m *domain.FeatureMatrix) []domain.Label

	// Scores returns one raw anomaly score per row. Orientation reports
	// which direction means "more anomalous".
	Scores(ctx context.Context, m *domain.FeatureMatrix) []float64

	// Orientation reports the score direction semantics.
	Orientation() domain.ScoreOrientation

	// Trained reports whether the strategy currently holds a fitted model.
	Trained() bool
}

// Strategy names, used as ensemble weight keys.
const (
	NameBoundary       = "boundary"
	NameDensity        = "density"
	NameStatistical    = "statistical"
	NameReconstruction = "reconstruction"
)

// FromConfig builds the four configured strategies.
func FromConfig(cfg domain.DetectorConfig) ([]Strategy, error) {
	recon, err := NewReconstruction(cfg.Reconstruction)
	if err != nil {
		return nil, fmt.Errorf("reconstruction strategy: %w", err)
	}
	return []Strategy{
		NewBoundary(cfg.Boundary),
		NewDensity(cfg.Density),
		NewStatistical(cfg.Statistical),
		recon,
	}, nil
}

// neutralLabels returns the all-normal fallback used on every failure path.
func neutralLabels(n int) []domain.Label {
	labels := make([]domain.Label, n)
	for i := range labels {
		labels[i] = domain.LabelNormal
	}
	return labels
}

// zeroScores returns the neutral score fallback.
func zeroScores(n int) []float64 {
	return make([]float64, n)
}

// warnUntrained logs the untrained-use degradation once per call site.
func warnUntrained(name string, rows int) {
	slog.Warn("strategy queried before training, returning neutral result",
		"strategy", name,
		"rows", rows,
	)
}

// checkPredictInput validates a prediction matrix against the training
// schema. Returns false when the batch must fall back to neutral results.
func checkPredictInput(name string, m *domain.FeatureMatrix, trainedColumns int) bool {
	if m == nil {
		return false
	}
	if err := m.Validate(); err != nil {
		slog.Warn("invalid prediction matrix, returning neutral result",
			"strategy", name,
			"error", err,
		)
		return false
	}
	if m.NumFeatures() != trainedColumns {
		slog.Warn("prediction schema does not match training schema, returning neutral result",
			"strategy", name,
			"trained_features", trainedColumns,
			"got_features", m.NumFeatures(),
		)
		return false
	}
	return true
}
