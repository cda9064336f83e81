// Package suppress provides the CEL-Go based false-positive filter.
package suppress

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Filter decides whether a would-be alert is a known false positive.
// Checks run in order: suppression patterns, recurrence frequency,
// similarity to confirmed false positives. Any internal error fails
// open: the alert is raised rather than silently dropped.
type Filter struct {
	mu               sync.RWMutex
	env              *cel.Env
	compiledPatterns map[string]*CompiledPattern

	repo  domain.Repository
	cache domain.Cache
	cfg   domain.SuppressionConfig
}

// CompiledPattern holds a pre-compiled CEL suppression program.
type CompiledPattern struct {
	Config  *domain.SuppressionPattern
	Program cel.Program
}

// NewFilter creates a false-positive filter.
func NewFilter(repo domain.Repository, cache domain.Cache, cfg domain.SuppressionConfig) (*Filter, error) {
	// CEL environment with alert variables
	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("source", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("frequency", cel.DoubleType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Filter{
		env:              env,
		compiledPatterns: make(map[string]*CompiledPattern),
		repo:             repo,
		cache:            cache,
		cfg:              cfg,
	}, nil
}

// ValidatePattern compiles a pattern without mutating loaded patterns.
func (f *Filter) ValidatePattern(cfg *domain.SuppressionPattern) error {
	if cfg == nil {
		return fmt.Errorf("suppression pattern is required")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	_, err := f.compilePattern(cfg)
	return err
}

// LoadPattern compiles and loads a pattern into the filter.
func (f *Filter) LoadPattern(cfg *domain.SuppressionPattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	compiled, err := f.compilePattern(cfg)
	if err != nil {
		return err
	}

	f.compiledPatterns[cfg.ID] = compiled

	return nil
}

// LoadPatterns compiles and loads multiple patterns.
func (f *Filter) LoadPatterns(configs []*domain.SuppressionPattern) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := f.LoadPattern(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadPatterns clears all existing patterns and loads new ones.
// This enables hot-reloading of patterns from the database.
func (f *Filter) ReloadPatterns(configs []*domain.SuppressionPattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	newPatterns := make(map[string]*CompiledPattern)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := f.compilePattern(cfg)
		if err != nil {
			return err
		}
		newPatterns[cfg.ID] = compiled
	}

	f.compiledPatterns = newPatterns

	return nil
}

// PatternsCount returns the number of loaded patterns.
func (f *Filter) PatternsCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.compiledPatterns)
}

// LoadedPatterns returns the currently loaded pattern configurations.
func (f *Filter) LoadedPatterns() []*domain.SuppressionPattern {
	f.mu.RLock()
	defer f.mu.RUnlock()

	patterns := make([]*domain.SuppressionPattern, 0, len(f.compiledPatterns))
	for _, compiled := range f.compiledPatterns {
		patterns = append(patterns, compiled.Config)
	}
	return patterns
}

// ShouldSuppress reports whether the anomaly matches a known false
// positive. The returned reason names the matching check when true.
func (f *Filter) ShouldSuppress(ctx context.Context, streamID string, rec *domain.AnomalyRecord, severity domain.Severity) (bool, string) {
	if rec == nil {
		return false, ""
	}

	if id, ok := f.matchesPattern(rec, severity); ok {
		return true, fmt.Sprintf("matched suppression pattern %s", id)
	}

	if count, ok := f.exceedsFrequency(ctx, streamID, rec); ok {
		return true, fmt.Sprintf("recurrence count %d exceeds threshold %d", count, f.cfg.FrequencyThreshold)
	}

	if fpID, ok := f.resemblesFalsePositive(ctx, streamID, rec); ok {
		return true, fmt.Sprintf("similar to confirmed false positive %s", fpID)
	}

	return false, ""
}

// matchesPattern evaluates the loaded CEL patterns against the anomaly.
func (f *Filter) matchesPattern(rec *domain.AnomalyRecord, severity domain.Severity) (string, bool) {
	f.mu.RLock()
	patterns := make([]*CompiledPattern, 0, len(f.compiledPatterns))
	for _, p := range f.compiledPatterns {
		patterns = append(patterns, p)
	}
	f.mu.RUnlock()

	if len(patterns) == 0 {
		return "", false
	}

	features := make(map[string]float64, len(rec.Columns))
	for i, col := range rec.Columns {
		if i < len(rec.Features) {
			features[col] = rec.Features[i]
		}
	}

	activation := map[string]any{
		"score":     rec.Score,
		"source":    rec.Source,
		"severity":  severity.String(),
		"frequency": rec.FrequencyFactor,
		"features":  features,
		"data":      rec.Data,
	}
	if activation["data"] == nil {
		activation["data"] = map[string]any{}
	}

	for _, pattern := range patterns {
		out, _, err := pattern.Program.Eval(activation)
		if err != nil {
			slog.Warn("suppression pattern evaluation failed",
				"pattern_id", pattern.Config.ID,
				"error", err,
			)
			continue
		}
		if matched, ok := out.(types.Bool); ok && bool(matched) {
			return pattern.Config.ID, true
		}
	}

	return "", false
}

// exceedsFrequency counts recurrences of this anomaly's signature within
// the configured window and suppresses beyond the threshold.
func (f *Filter) exceedsFrequency(ctx context.Context, streamID string, rec *domain.AnomalyRecord) (int64, bool) {
	if f.cache == nil || f.cfg.FrequencyThreshold <= 0 {
		return 0, false
	}

	key := "suppress:sig:" + rec.Signature()
	count, err := f.cache.IncrementCounter(ctx, streamID, key, f.cfg.FrequencyWindow)
	if err != nil {
		slog.Warn("recurrence counter unavailable, skipping frequency check",
			"stream_id", streamID,
			"error", err,
		)
		return 0, false
	}

	return count, count > f.cfg.FrequencyThreshold
}

// resemblesFalsePositive compares the anomaly's feature vector against
// confirmed false positives by cosine similarity.
func (f *Filter) resemblesFalsePositive(ctx context.Context, streamID string, rec *domain.AnomalyRecord) (string, bool) {
	if f.repo == nil || len(rec.Features) == 0 {
		return "", false
	}

	confirmed, err := f.repo.ListFalsePositives(ctx, streamID)
	if err != nil {
		slog.Warn("false positive lookup failed, skipping similarity check",
			"stream_id", streamID,
			"error", err,
		)
		return "", false
	}

	for _, fp := range confirmed {
		if len(fp.Features) != len(rec.Features) {
			continue
		}
		if cosineSimilarity(rec.Features, fp.Features) >= f.cfg.SimilarityThreshold {
			return fp.ID, true
		}
	}

	return "", false
}

// Close cleans up the filter.
func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compiledPatterns = make(map[string]*CompiledPattern)
	return nil
}

func (f *Filter) compilePattern(cfg *domain.SuppressionPattern) (*CompiledPattern, error) {
	ast, issues := f.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile pattern %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("pattern %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := f.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for pattern %s: %w", cfg.ID, err)
	}

	return &CompiledPattern{
		Config:  cfg,
		Program: program,
	}, nil
}

// cosineSimilarity returns the cosine of the angle between two equal
// length vectors. NaN components count as zero; a zero vector yields 0.
func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		x, y := a[i], b[i]
		if math.IsNaN(x) {
			x = 0
		}
		if math.IsNaN(y) {
			y = 0
		}
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
