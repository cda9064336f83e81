package triage

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ImpactAssessor scores the business impact of an anomaly across the
// financial, operational, reputational and regulatory dimensions.
type ImpactAssessor struct {
	weights domain.ImpactConfig
}

// NewImpactAssessor creates an assessor from configuration.
func NewImpactAssessor(cfg domain.ImpactConfig) *ImpactAssessor {
	return &ImpactAssessor{weights: cfg}
}

// Assess returns the weighted impact factor in [0,1]. Each dimension is
// clamped before weighting; a NaN dimension counts as zero.
func (a *ImpactAssessor) Assess(rec *domain.AnomalyRecord) float64 {
	if rec == nil {
		return 0
	}
	sum := a.weights.Financial*clampDim(rec.FinancialImpact) +
		a.weights.Operational*clampDim(rec.OperationalImpact) +
		a.weights.Reputational*clampDim(rec.ReputationalImpact) +
		a.weights.Regulatory*clampDim(rec.RegulatoryImpact)
	return clamp01(sum)
}

func clampDim(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp01(v)
}
