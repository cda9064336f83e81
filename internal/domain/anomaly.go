package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// AnomalyRecord is a flagged observation bundled with its combined score
// and the contextual factors used for severity and impact scoring.
// Created only for rows the ensemble labeled anomalous.
type AnomalyRecord struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"streamId"`
	Timestamp time.Time `json:"timestamp"`

	// Source tags the upstream system that produced the observation
	// (e.g. "superops", "quickbooks").
	Source string `json:"source"`

	// Detection output
	Score    float64   `json:"score"`
	Columns  []string  `json:"columns"`
	Features []float64 `json:"features"`

	// Context factors in [0,1] consumed by the severity classifier.
	FrequencyFactor float64 `json:"frequencyFactor"`
	ImpactFactor    float64 `json:"impactFactor"`

	// Business impact dimensions in [0,1].
	FinancialImpact    float64 `json:"financialImpact"`
	OperationalImpact  float64 `json:"operationalImpact"`
	ReputationalImpact float64 `json:"reputationalImpact"`
	RegulatoryImpact   float64 `json:"regulatoryImpact"`

	// Data is a flat snapshot carried into the alert.
	Data map[string]any `json:"data,omitempty"`
}

// Signature returns a stable fingerprint of the anomaly's feature values,
// used for recurrence counting and false-positive frequency checks.
// Values are rounded so near-identical observations share a signature.
func (a *AnomalyRecord) Signature() string {
	var b strings.Builder
	b.WriteString(a.Source)
	for _, v := range a.Features {
		if math.IsNaN(v) {
			b.WriteString("|_")
			continue
		}
		fmt.Fprintf(&b, "|%.2f", v)
	}
	return b.String()
}
