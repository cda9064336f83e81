package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Suppressor decides whether a triaged anomaly is a known false
// positive. Implemented by the suppress package.
type Suppressor interface {
	ShouldSuppress(ctx context.Context, streamID string, rec *domain.AnomalyRecord, severity domain.Severity) (bool, string)
}

// Generator creates alerts from triaged anomalies, records them in the
// history, persists them, and fans them out to the registered handlers.
type Generator struct {
	history *History
	filter  Suppressor
	repo    domain.Repository
	bus     domain.EventBus

	handlers       []Handler
	handlerTimeout time.Duration

	seq atomic.Uint64
	now func() time.Time
}

// NewGenerator creates an alert generator. filter, repo and bus may be
// nil; the corresponding steps are skipped.
func NewGenerator(history *History, filter Suppressor, repo domain.Repository, bus domain.EventBus) *Generator {
	return &Generator{
		history:        history,
		filter:         filter,
		repo:           repo,
		bus:            bus,
		handlerTimeout: 5 * time.Second,
		now:            time.Now,
	}
}

// RegisterHandler appends a handler to the dispatch chain. Not safe to
// call concurrently with Generate.
func (g *Generator) RegisterHandler(h Handler) {
	g.handlers = append(g.handlers, h)
}

// Generate raises an alert for the anomaly at the given severity.
// Returns (nil, nil) when the false-positive filter suppresses it.
func (g *Generator) Generate(ctx context.Context, streamID string, rec *domain.AnomalyRecord, severity domain.Severity) (*domain.Alert, error) {
	if rec == nil {
		return nil, fmt.Errorf("anomaly record is required")
	}

	if g.filter != nil {
		if suppressed, reason := g.filter.ShouldSuppress(ctx, streamID, rec, severity); suppressed {
			slog.Info("alert suppressed",
				"stream_id", streamID,
				"anomaly_id", rec.ID,
				"reason", reason,
			)
			metrics.RecordSuppression(streamID)
			return nil, nil
		}
	}

	alert := &domain.Alert{
		ID:        fmt.Sprintf("ALERT-%06d", g.seq.Add(1)),
		AnomalyID: rec.ID,
		StreamID:  streamID,
		Timestamp: g.now().UTC(),
		Severity:  severity,
		Message:   fmt.Sprintf("Anomaly detected from %s: %s (score %.2f)", rec.Source, severity.Description(), rec.Score),
		Data:      rec.Data,
		Source:    rec.Source,
	}

	g.history.Append(alert)

	if g.repo != nil {
		if err := g.repo.SaveAlert(ctx, streamID, alert); err != nil {
			slog.Warn("failed to persist alert",
				"alert_id", alert.ID,
				"error", err,
			)
		}
	}

	g.publish(ctx, streamID, domain.TopicAlerts, alert)
	metrics.RecordAlert(streamID, severity.String())

	g.Dispatch(ctx, alert)

	return alert.Clone(), nil
}

// GenerateBatch raises alerts for a batch of anomalies. The returned slice
// is positional: alerts[i] belongs to recs[i], and a nil entry means that
// record was suppressed or failed. A failure on one record is logged and
// does not stop the rest.
func (g *Generator) GenerateBatch(ctx context.Context, streamID string, recs []*domain.AnomalyRecord, severities []domain.Severity) ([]*domain.Alert, error) {
	if len(recs) != len(severities) {
		return nil, fmt.Errorf("records and severities length mismatch: %d != %d", len(recs), len(severities))
	}

	alerts := make([]*domain.Alert, len(recs))
	for i, rec := range recs {
		alert, err := g.Generate(ctx, streamID, rec, severities[i])
		if err != nil {
			slog.Error("failed to generate alert",
				"stream_id", streamID,
				"error", err,
			)
			continue
		}
		alerts[i] = alert
	}
	return alerts, nil
}

// Acknowledge marks an alert handled, stopping any future escalation.
func (g *Generator) Acknowledge(ctx context.Context, streamID string, alertID string) (*domain.Alert, error) {
	alert := g.history.Acknowledge(alertID, g.now().UTC())
	if alert == nil {
		return nil, fmt.Errorf("alert %s not found", alertID)
	}

	if g.repo != nil {
		if err := g.repo.UpdateAlert(ctx, streamID, alert); err != nil {
			slog.Warn("failed to persist alert acknowledgement",
				"alert_id", alertID,
				"error", err,
			)
		}
	}
	return alert, nil
}

// History returns the generator's alert history.
func (g *Generator) History() *History {
	return g.history
}

// Dispatch runs every handler on the alert. Each handler gets its own
// deadline and a fresh copy of the alert; panics and errors are logged
// and never propagate to the caller or to other handlers.
func (g *Generator) Dispatch(ctx context.Context, alert *domain.Alert) {
	for _, h := range g.handlers {
		g.dispatchOne(ctx, h, alert.Clone())
	}
}

func (g *Generator) dispatchOne(ctx context.Context, h Handler, alert *domain.Alert) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("alert handler panicked",
				"handler", h.Name(),
				"alert_id", alert.ID,
				"panic", r,
			)
			metrics.RecordHandlerFailure(h.Name())
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, g.handlerTimeout)
	defer cancel()

	if err := h.Handle(hctx, alert); err != nil {
		slog.Error("alert handler failed",
			"handler", h.Name(),
			"alert_id", alert.ID,
			"error", err,
		)
		metrics.RecordHandlerFailure(h.Name())
	}
}

func (g *Generator) publish(ctx context.Context, streamID string, topic string, alert *domain.Alert) {
	if g.bus == nil {
		return
	}
	data, err := json.Marshal(alert)
	if err != nil {
		slog.Warn("failed to encode alert event", "alert_id", alert.ID, "error", err)
		return
	}
	if err := g.bus.Publish(ctx, streamID, topic, data); err != nil {
		slog.Warn("failed to publish alert event",
			"alert_id", alert.ID,
			"topic", topic,
			"error", err,
		)
	}
}
