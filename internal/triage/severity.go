// Package triage turns a flagged observation into a business priority:
// the severity classifier maps detection score plus context factors to a
// discrete severity tier, the impact assessor scores the business impact
// dimensions.
package triage

import (
	"log/slog"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SeverityClassifier maps an anomaly record to a severity tier.
type SeverityClassifier struct {
	weights    domain.SeverityWeights
	thresholds domain.SeverityThresholds
}

// NewSeverityClassifier creates a classifier from configuration.
func NewSeverityClassifier(cfg domain.SeverityConfig) *SeverityClassifier {
	return &SeverityClassifier{
		weights:    cfg.FeatureWeights,
		thresholds: cfg.Thresholds,
	}
}

// Classify computes the severity score and tier for an anomaly.
//
// severity_score = w_score*detection_score + w_freq*frequency_factor +
// w_impact*impact_factor, with every input clamped to [0,1] before
// weighting and the result clamped to [0,1]. A missing (NaN) input
// degrades the whole score to 0.5 (MEDIUM) rather than failing.
func (c *SeverityClassifier) Classify(rec *domain.AnomalyRecord) (domain.Severity, float64) {
	score := 0.5
	switch {
	case rec == nil:
		slog.Warn("severity classification with no anomaly record, defaulting to medium")
	case math.IsNaN(rec.Score) || math.IsNaN(rec.FrequencyFactor) || math.IsNaN(rec.ImpactFactor):
		slog.Warn("severity classification with missing inputs, defaulting to medium",
			"anomaly_id", rec.ID,
		)
	default:
		score = c.weights.Score*clamp01(rec.Score) +
			c.weights.Frequency*clamp01(rec.FrequencyFactor) +
			c.weights.Impact*clamp01(rec.ImpactFactor)
		score = clamp01(score)
	}

	return c.tier(score), score
}

// tier maps a severity score to its tier via the ascending thresholds.
func (c *SeverityClassifier) tier(score float64) domain.Severity {
	switch {
	case score >= c.thresholds.High:
		return domain.SeverityCritical
	case score >= c.thresholds.Medium:
		return domain.SeverityHigh
	case score >= c.thresholds.Low:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
