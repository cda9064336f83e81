// Package worker runs the detection pipeline: it scores observation
// batches through the ensemble, triages the flagged rows, and turns
// them into alerts.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/frequency"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/triage"
)

// Observation is one batch of feature rows to score, with the business
// impact context the upstream source attached to it.
type Observation struct {
	Source string
	Matrix *domain.FeatureMatrix

	// Impact dimensions in [0,1], applied to every flagged row.
	FinancialImpact    float64
	OperationalImpact  float64
	ReputationalImpact float64
	RegulatoryImpact   float64
}

// Result summarizes one processed batch.
type Result struct {
	Verdicts  []domain.EnsembleVerdict
	Anomalies []*domain.AnomalyRecord
	Alerts    []*domain.Alert
}

// Pipeline wires the ensemble, triage, frequency and alerting stages.
type Pipeline struct {
	ensemble  *ensemble.Ensemble
	severity  *triage.SeverityClassifier
	impact    *triage.ImpactAssessor
	frequency *frequency.Service
	generator *alerting.Generator

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus
}

// NewPipeline creates a detection pipeline. repo, cache and bus may be
// nil; the corresponding steps are skipped.
func NewPipeline(
	ens *ensemble.Ensemble,
	severity *triage.SeverityClassifier,
	impact *triage.ImpactAssessor,
	freq *frequency.Service,
	generator *alerting.Generator,
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
) *Pipeline {
	return &Pipeline{
		ensemble:  ens,
		severity:  severity,
		impact:    impact,
		frequency: freq,
		generator: generator,
		repo:      repo,
		cache:     cache,
		bus:       bus,
	}
}

// Ensemble returns the pipeline's detection ensemble.
func (p *Pipeline) Ensemble() *ensemble.Ensemble { return p.ensemble }

// Generator returns the pipeline's alert generator.
func (p *Pipeline) Generator() *alerting.Generator { return p.generator }

// Train fits every detection strategy on the reference matrix.
func (p *Pipeline) Train(ctx context.Context, m *domain.FeatureMatrix) (*ensemble.TrainingReport, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training matrix: %w", err)
	}
	return p.ensemble.TrainAll(ctx, m), nil
}

// Process scores an observation batch and alerts on the flagged rows.
// A failure on one row is logged and does not stop the rest of the
// batch.
func (p *Pipeline) Process(ctx context.Context, streamID string, obs *Observation) (*Result, error) {
	if obs == nil || obs.Matrix == nil {
		return nil, fmt.Errorf("observation matrix is required")
	}
	if err := obs.Matrix.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observation matrix: %w", err)
	}
	if !p.ensemble.Trained() {
		return nil, fmt.Errorf("ensemble is not trained")
	}

	start := time.Now()
	m := obs.Matrix
	verdicts := p.ensemble.Predict(ctx, m)

	result := &Result{Verdicts: verdicts}
	for i, v := range verdicts {
		if v.Label != domain.LabelAnomalous {
			continue
		}

		rec := p.buildRecord(streamID, obs, i, v)
		rec.ImpactFactor = p.impact.Assess(rec)
		rec.FrequencyFactor = p.frequency.Factor(ctx, streamID, rec)
		severity, _ := p.severity.Classify(rec)

		p.store(ctx, streamID, rec)

		alert, err := p.generator.Generate(ctx, streamID, rec, severity)
		if err != nil {
			slog.Error("failed to alert on anomaly",
				"stream_id", streamID,
				"anomaly_id", rec.ID,
				"error", err,
			)
			continue
		}

		result.Anomalies = append(result.Anomalies, rec)
		if alert != nil {
			result.Alerts = append(result.Alerts, alert)
		}
	}

	metrics.RecordDetection(streamID, m.NumRows(), len(result.Anomalies), time.Since(start))
	p.publishVerdicts(ctx, streamID, obs.Source, result)

	slog.Info("batch processed",
		"stream_id", streamID,
		"source", obs.Source,
		"rows", m.NumRows(),
		"anomalies", len(result.Anomalies),
		"alerts", len(result.Alerts),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

func (p *Pipeline) buildRecord(streamID string, obs *Observation, row int, v domain.EnsembleVerdict) *domain.AnomalyRecord {
	m := obs.Matrix

	ts := time.Now().UTC()
	if len(m.Timestamps) > row && !m.Timestamps[row].IsZero() {
		ts = m.Timestamps[row]
	}

	features := m.Row(row)
	data := make(map[string]any, len(m.Columns))
	for col, v := range features.Map() {
		data[col] = v
	}

	return &domain.AnomalyRecord{
		ID:                 uuid.New().String(),
		StreamID:           streamID,
		Timestamp:          ts,
		Source:             obs.Source,
		Score:              v.Score,
		Columns:            m.Columns,
		Features:           features.Values,
		FinancialImpact:    obs.FinancialImpact,
		OperationalImpact:  obs.OperationalImpact,
		ReputationalImpact: obs.ReputationalImpact,
		RegulatoryImpact:   obs.RegulatoryImpact,
		Data:               data,
	}
}

// store persists and caches the anomaly; failures degrade to logging.
func (p *Pipeline) store(ctx context.Context, streamID string, rec *domain.AnomalyRecord) {
	if p.repo != nil {
		if err := p.repo.SaveAnomaly(ctx, streamID, rec); err != nil {
			slog.Warn("failed to persist anomaly",
				"anomaly_id", rec.ID,
				"error", err,
			)
		}
	}
	if p.cache != nil {
		if err := p.cache.SetAnomaly(ctx, streamID, rec.ID, rec, 5*time.Minute); err != nil {
			slog.Warn("failed to cache anomaly",
				"anomaly_id", rec.ID,
				"error", err,
			)
		}
	}
}

// VerdictSummary is the payload published for each processed batch.
type VerdictSummary struct {
	StreamID  string    `json:"streamId"`
	Source    string    `json:"source"`
	Rows      int       `json:"rows"`
	Anomalies int       `json:"anomalies"`
	AlertIDs  []string  `json:"alertIds,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *Pipeline) publishVerdicts(ctx context.Context, streamID, source string, result *Result) {
	if p.bus == nil {
		return
	}

	summary := VerdictSummary{
		StreamID:  streamID,
		Source:    source,
		Rows:      len(result.Verdicts),
		Anomalies: len(result.Anomalies),
		Timestamp: time.Now().UTC(),
	}
	for _, a := range result.Alerts {
		summary.AlertIDs = append(summary.AlertIDs, a.ID)
	}

	payload, _ := json.Marshal(summary)
	if err := p.bus.Publish(ctx, streamID, domain.TopicVerdicts, payload); err != nil {
		slog.Warn("failed to publish verdict summary",
			"stream_id", streamID,
			"error", err,
		)
	}
}
