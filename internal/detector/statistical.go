package detector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Statistical is the distribution-statistics strategy. Training computes
// per-feature mean, standard deviation, median and quartiles. Prediction
// applies one of three interchangeable rules per feature: z-score,
// interquartile range, or symmetric percentile cutoff.
//
// A row is anomalous when ANY feature triggers its rule; the row score is
// the average per-feature deviation. Missing values are imputed with the
// feature's training mean before scoring. Higher score = more anomalous.
type Statistical struct {
	cfg domain.StatisticalConfig

	mu    sync.RWMutex
	model *statsModel
}

type statsModel struct {
	columns int
	stats   []featureStats
}

type featureStats struct {
	mean   float64
	std    float64
	median float64
	q1     float64
	q3     float64
	pLow   float64
	pHigh  float64
}

// NewStatistical creates a statistical strategy from configuration.
func NewStatistical(cfg domain.StatisticalConfig) *Statistical {
	if cfg.Method == "" {
		cfg.Method = domain.StatZScore
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = 3.0
	}
	if cfg.IQRMultiplier <= 0 {
		cfg.IQRMultiplier = 1.5
	}
	if cfg.PercentileCut <= 0 || cfg.PercentileCut >= 0.5 {
		cfg.PercentileCut = 0.01
	}
	return &Statistical{cfg: cfg}
}

// Name returns the strategy name.
func (s *Statistical) Name() string { return NameStatistical }

// Orientation: higher score means more anomalous.
func (s *Statistical) Orientation() domain.ScoreOrientation { return domain.HigherIsAnomalous }

// Trained reports whether a fitted model is present.
func (s *Statistical) Trained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model != nil
}

// Train computes per-feature distribution statistics.
func (s *Statistical) Train(ctx context.Context, m *domain.FeatureMatrix) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("statistical: %w", err)
	}
	if m.NumRows() < 2 {
		return fmt.Errorf("statistical: need at least 2 training rows, got %d", m.NumRows())
	}

	cols := m.NumFeatures()
	stats := make([]featureStats, cols)
	for j := 0; j < cols; j++ {
		values := make([]float64, 0, m.NumRows())
		for _, row := range m.Rows {
			if !math.IsNaN(row[j]) {
				values = append(values, row[j])
			}
		}
		stats[j] = fitFeature(values, s.cfg.PercentileCut)
	}

	s.mu.Lock()
	s.model = &statsModel{columns: cols, stats: stats}
	s.mu.Unlock()
	return nil
}

func fitFeature(values []float64, percentileCut float64) featureStats {
	if len(values) == 0 {
		return featureStats{std: 1}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(values)))

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return featureStats{
		mean:   mean,
		std:    std,
		median: quantile(sorted, 0.5),
		q1:     quantile(sorted, 0.25),
		q3:     quantile(sorted, 0.75),
		pLow:   quantile(sorted, percentileCut),
		pHigh:  quantile(sorted, 1-percentileCut),
	}
}

// Predict flags a row when any feature triggers the configured rule.
func (s *Statistical) Predict(ctx context.Context, m *domain.FeatureMatrix) []domain.Label {
	labels, _ := s.evaluate(m)
	return labels
}

// Scores returns the average per-feature deviation per row.
func (s *Statistical) Scores(ctx context.Context, m *domain.FeatureMatrix) []float64 {
	_, scores := s.evaluate(m)
	return scores
}

func (s *Statistical) evaluate(m *domain.FeatureMatrix) ([]domain.Label, []float64) {
	s.mu.RLock()
	model := s.model
	s.mu.RUnlock()

	n := m.NumRows()
	if model == nil {
		warnUntrained(NameStatistical, n)
		return neutralLabels(n), zeroScores(n)
	}
	if !checkPredictInput(NameStatistical, m, model.columns) {
		return neutralLabels(n), zeroScores(n)
	}

	labels := neutralLabels(n)
	scores := make([]float64, n)
	for i, row := range m.Rows {
		var total float64
		triggered := false
		for j, v := range row {
			fs := model.stats[j]
			if math.IsNaN(v) {
				v = fs.mean
			}
			dev, hit := s.featureDeviation(v, fs)
			total += dev
			if hit {
				triggered = true
			}
		}
		if len(row) > 0 {
			scores[i] = total / float64(len(row))
		}
		if triggered {
			labels[i] = domain.LabelAnomalous
		}
	}
	return labels, scores
}

// featureDeviation returns the deviation measure for one value and whether
// the configured rule triggered.
func (s *Statistical) featureDeviation(v float64, fs featureStats) (float64, bool) {
	switch s.cfg.Method {
	case domain.StatIQR:
		iqr := fs.q3 - fs.q1
		if iqr == 0 {
			return 0, false
		}
		lower := fs.q1 - s.cfg.IQRMultiplier*iqr
		upper := fs.q3 + s.cfg.IQRMultiplier*iqr
		var dist float64
		if v < lower {
			dist = lower - v
		} else if v > upper {
			dist = v - upper
		}
		return dist / iqr, dist > 0

	case domain.StatPercentile:
		span := fs.pHigh - fs.pLow
		if span == 0 {
			return 0, false
		}
		var dist float64
		if v < fs.pLow {
			dist = fs.pLow - v
		} else if v > fs.pHigh {
			dist = v - fs.pHigh
		}
		return dist / span, dist > 0

	default: // z-score
		if fs.std == 0 {
			return 0, false
		}
		z := math.Abs(v-fs.mean) / fs.std
		return z, z > s.cfg.ZThreshold
	}
}
