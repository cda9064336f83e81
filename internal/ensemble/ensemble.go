// Package ensemble trains the detection strategies and reconciles their
// disagreement into one verdict per observation.
package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Ensemble coordinates the detection strategies behind one verdict API.
type Ensemble struct {
	strategies []detector.Strategy
	combiner   Combiner
	weights    map[string]float64

	mu     sync.RWMutex
	report *TrainingReport
}

// TrainingReport records the outcome of the last TrainAll call.
type TrainingReport struct {
	StartedAt time.Time         `json:"startedAt"`
	Duration  time.Duration     `json:"duration"`
	Errors    map[string]string `json:"errors,omitempty"`
	Trained   []string          `json:"trained"`
}

// Succeeded reports whether ALL strategies trained. A partially trained
// ensemble still serves predictions from the trained subset, but the
// failure is recorded here and surfaced to operators.
func (r *TrainingReport) Succeeded() bool {
	return r != nil && len(r.Errors) == 0
}

// New creates an ensemble over the given strategies.
func New(strategies []detector.Strategy, cfg domain.EnsembleConfig) (*Ensemble, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("ensemble requires at least one strategy")
	}
	combiner, err := NewCombiner(cfg.VotingMethod)
	if err != nil {
		return nil, err
	}
	return &Ensemble{
		strategies: strategies,
		combiner:   combiner,
		weights:    cfg.Weights,
	}, nil
}

// Method returns the active voting method.
func (e *Ensemble) Method() domain.VotingMethod { return e.combiner.Method() }

// StrategyNames returns the strategy names in order.
func (e *Ensemble) StrategyNames() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// TrainAll trains every strategy in parallel and records the outcome.
func (e *Ensemble) TrainAll(ctx context.Context, m *domain.FeatureMatrix) *TrainingReport {
	report := &TrainingReport{
		StartedAt: time.Now().UTC(),
		Errors:    make(map[string]string),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, s := range e.strategies {
		wg.Add(1)
		go func(s detector.Strategy) {
			defer wg.Done()
			err := s.Train(ctx, m)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors[s.Name()] = err.Error()
				slog.Error("strategy training failed",
					"strategy", s.Name(),
					"error", err,
				)
				return
			}
			report.Trained = append(report.Trained, s.Name())
		}(s)
	}
	wg.Wait()

	report.Duration = time.Since(report.StartedAt)
	if len(report.Errors) == 0 {
		report.Errors = nil
	}

	e.mu.Lock()
	e.report = report
	e.mu.Unlock()

	slog.Info("ensemble training complete",
		"trained", len(report.Trained),
		"failed", len(e.strategies)-len(report.Trained),
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report
}

// LastReport returns the most recent training report, or nil.
func (e *Ensemble) LastReport() *TrainingReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.report
}

// Trained reports whether at least one strategy holds a fitted model.
func (e *Ensemble) Trained() bool {
	for _, s := range e.strategies {
		if s.Trained() {
			return true
		}
	}
	return false
}

// Predict combines the trained strategies' verdicts per row. The result
// always has exactly one verdict per input row; with no trained strategy
// every row comes back normal.
func (e *Ensemble) Predict(ctx context.Context, m *domain.FeatureMatrix) []domain.EnsembleVerdict {
	n := m.NumRows()
	verdicts := make([]domain.EnsembleVerdict, n)
	for i := range verdicts {
		verdicts[i] = domain.EnsembleVerdict{Label: domain.LabelNormal}
	}

	results := e.collect(ctx, m)
	if len(results) == 0 {
		slog.Warn("no trained strategies available, returning all-normal verdicts", "rows", n)
		return verdicts
	}

	normalized := make(map[string][]float64, len(results))
	for _, r := range results {
		normalized[r.Strategy] = normalizeScores(r.Scores, r.Orientation)
	}

	for i := 0; i < n; i++ {
		votes := make([]Vote, 0, len(results))
		labelVotes := make(map[string]domain.Label, len(results))
		for _, r := range results {
			votes = append(votes, Vote{
				Strategy: r.Strategy,
				Label:    r.Labels[i],
				Weight:   e.weights[r.Strategy],
				Score:    normalized[r.Strategy][i],
			})
			labelVotes[r.Strategy] = r.Labels[i]
		}
		label, score := e.combiner.Combine(votes)
		verdicts[i] = domain.EnsembleVerdict{
			Label: label,
			Score: score,
			Votes: labelVotes,
		}
	}
	return verdicts
}

// Contributions reports the percentage of total flagged rows each strategy
// is individually responsible for, independent of the voting method. A
// batch where nothing flags yields all zeros.
func (e *Ensemble) Contributions(ctx context.Context, m *domain.FeatureMatrix) map[string]float64 {
	contributions := make(map[string]float64, len(e.strategies))
	flagged := make(map[string]int, len(e.strategies))
	total := 0

	for _, s := range e.strategies {
		contributions[s.Name()] = 0
		if !s.Trained() {
			continue
		}
		count := 0
		for _, label := range s.Predict(ctx, m) {
			if label == domain.LabelAnomalous {
				count++
			}
		}
		flagged[s.Name()] = count
		total += count
	}

	if total == 0 {
		return contributions
	}
	for name, count := range flagged {
		contributions[name] = 100 * float64(count) / float64(total)
	}
	return contributions
}

// collect gathers per-strategy detection results, skipping untrained
// strategies so a partial ensemble degrades to fewer voters.
func (e *Ensemble) collect(ctx context.Context, m *domain.FeatureMatrix) []domain.DetectionResult {
	results := make([]domain.DetectionResult, 0, len(e.strategies))
	for _, s := range e.strategies {
		if !s.Trained() {
			continue
		}
		results = append(results, domain.DetectionResult{
			Strategy:    s.Name(),
			Labels:      s.Predict(ctx, m),
			Scores:      s.Scores(ctx, m),
			Orientation: s.Orientation(),
		})
	}
	return results
}

// normalizeScores min-max normalizes a strategy's batch scores to [0,1]
// with orientation corrected so higher always means more anomalous. A
// constant batch normalizes to all 0.5.
func normalizeScores(scores []float64, orientation domain.ScoreOrientation) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}

	span := hi - lo
	for i, s := range scores {
		var v float64
		if span == 0 {
			v = 0.5
		} else {
			v = (s - lo) / span
		}
		if orientation == domain.LowerIsAnomalous {
			v = 1 - v
		}
		out[i] = v
	}
	return out
}
