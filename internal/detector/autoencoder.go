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

// Autoencoder is the network-based reconstruction sub-strategy: a single
// tanh hidden layer trained by stochastic gradient descent to reproduce
// its input. The per-row anomaly score is the mean squared reconstruction
// error; rows above the configured percentile of training errors (default
// 90th) are flagged. Higher score = more anomalous.
type Autoencoder struct {
	cfg domain.ReconstructionConfig

	mu    sync.RWMutex
	model *aeModel
}

type aeModel struct {
	scaler *Scaler

	// encoder weights [hidden][input+1], decoder weights [input][hidden+1];
	// the trailing column is the bias term.
	enc       [][]float64
	dec       [][]float64
	hidden    int
	threshold float64
}

// NewAutoencoder creates an autoencoder from configuration.
func NewAutoencoder(cfg domain.ReconstructionConfig) *Autoencoder {
	if cfg.HiddenUnits <= 0 {
		cfg.HiddenUnits = 8
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 200
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.01
	}
	if cfg.ErrorPercentile <= 0 || cfg.ErrorPercentile >= 1 {
		cfg.ErrorPercentile = 0.90
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	return &Autoencoder{cfg: cfg}
}

// Name returns the strategy name.
func (a *Autoencoder) Name() string { return NameReconstruction }

// Orientation: higher reconstruction error means more anomalous.
func (a *Autoencoder) Orientation() domain.ScoreOrientation { return domain.HigherIsAnomalous }

// Trained reports whether a fitted model is present.
func (a *Autoencoder) Trained() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model != nil
}

// Train fits the network on the training matrix by SGD over the
// reconstruction error.
func (a *Autoencoder) Train(ctx context.Context, m *domain.FeatureMatrix) error {
	scaler := &Scaler{}
	if err := scaler.Fit(m); err != nil {
		return fmt.Errorf("autoencoder: %w", err)
	}
	if m.NumRows() < 2 {
		return fmt.Errorf("autoencoder: need at least 2 training rows, got %d", m.NumRows())
	}

	scaled := scaler.Transform(m)
	in := scaler.NumFeatures()
	hidden := a.cfg.HiddenUnits
	if hidden > in {
		hidden = in
	}

	rng := rand.New(rand.NewSource(a.cfg.Seed))
	model := &aeModel{
		scaler: scaler,
		enc:    randomMatrix(hidden, in+1, rng),
		dec:    randomMatrix(in, hidden+1, rng),
		hidden: hidden,
	}

	lr := a.cfg.LearningRate
	order := rng.Perm(len(scaled))
	for epoch := 0; epoch < a.cfg.Epochs; epoch++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for _, idx := range order {
			model.sgdStep(scaled[idx], lr)
		}
	}

	errs := make([]float64, len(scaled))
	for i, row := range scaled {
		errs[i] = model.reconstructionError(row)
	}
	sort.Float64s(errs)
	model.threshold = quantile(errs, a.cfg.ErrorPercentile)

	a.mu.Lock()
	a.model = model
	a.mu.Unlock()
	return nil
}

func randomMatrix(rows, cols int, rng *rand.Rand) [][]float64 {
	scale := 1.0 / math.Sqrt(float64(cols))
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = (rng.Float64()*2 - 1) * scale
		}
	}
	return m
}

// forward runs one row through encoder and decoder.
func (mo *aeModel) forward(row []float64) (hidden, out []float64) {
	hidden = make([]float64, mo.hidden)
	for h := range hidden {
		sum := mo.enc[h][len(row)] // bias
		for j, v := range row {
			sum += mo.enc[h][j] * v
		}
		hidden[h] = math.Tanh(sum)
	}
	out = make([]float64, len(row))
	for o := range out {
		sum := mo.dec[o][mo.hidden] // bias
		for h, v := range hidden {
			sum += mo.dec[o][h] * v
		}
		out[o] = sum
	}
	return hidden, out
}

// sgdStep backpropagates one row's reconstruction error.
func (mo *aeModel) sgdStep(row []float64, lr float64) {
	hidden, out := mo.forward(row)

	// Output layer deltas (linear activation).
	outDelta := make([]float64, len(out))
	for o := range out {
		outDelta[o] = out[o] - row[o]
	}

	// Hidden layer deltas through tanh'.
	hiddenDelta := make([]float64, mo.hidden)
	for h := 0; h < mo.hidden; h++ {
		var sum float64
		for o := range outDelta {
			sum += outDelta[o] * mo.dec[o][h]
		}
		hiddenDelta[h] = sum * (1 - hidden[h]*hidden[h])
	}

	for o := range mo.dec {
		for h := 0; h < mo.hidden; h++ {
			mo.dec[o][h] -= lr * outDelta[o] * hidden[h]
		}
		mo.dec[o][mo.hidden] -= lr * outDelta[o]
	}
	for h := range mo.enc {
		for j, v := range row {
			mo.enc[h][j] -= lr * hiddenDelta[h] * v
		}
		mo.enc[h][len(row)] -= lr * hiddenDelta[h]
	}
}

// reconstructionError is the mean squared difference between a row and its
// reconstruction.
func (mo *aeModel) reconstructionError(row []float64) float64 {
	_, out := mo.forward(row)
	var sum float64
	for i := range row {
		d := out[i] - row[i]
		sum += d * d
	}
	return sum / float64(len(row))
}

// Predict flags rows whose reconstruction error exceeds the training
// percentile threshold.
func (a *Autoencoder) Predict(ctx context.Context, m *domain.FeatureMatrix) []domain.Label {
	a.mu.RLock()
	model := a.model
	a.mu.RUnlock()

	n := m.NumRows()
	labels := neutralLabels(n)
	if model == nil {
		warnUntrained(NameReconstruction, n)
		return labels
	}

	scores := a.Scores(ctx, m)
	for i, s := range scores {
		if s > model.threshold {
			labels[i] = domain.LabelAnomalous
		}
	}
	return labels
}

// Scores returns the reconstruction error per row.
func (a *Autoencoder) Scores(ctx context.Context, m *domain.FeatureMatrix) []float64 {
	a.mu.RLock()
	model := a.model
	a.mu.RUnlock()

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
		scores[i] = model.reconstructionError(row)
	}
	return scores
}
