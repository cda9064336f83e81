package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Escalator raises the severity of unhandled alerts on a timeout table.
// An alert whose severity has been unacknowledged longer than its
// timeout moves to the configured next severity; severities with no
// target are terminal. Elapsed time is always measured from the alert's
// original creation, not from its last escalation.
type Escalator struct {
	history  *History
	repo     domain.Repository
	bus      domain.EventBus
	dispatch func(ctx context.Context, alert *domain.Alert)

	rules    map[domain.Severity]domain.EscalationRule
	schedule string
	grace    time.Duration

	cron *cron.Cron
	now  func() time.Time
}

// NewEscalator creates an escalator from the configured rule table.
// repo, bus and dispatch may be nil; the corresponding steps are
// skipped.
func NewEscalator(history *History, repo domain.Repository, bus domain.EventBus, dispatch func(ctx context.Context, alert *domain.Alert), cfg domain.EscalationConfig) (*Escalator, error) {
	rules, err := cfg.Rules()
	if err != nil {
		return nil, fmt.Errorf("invalid escalation config: %w", err)
	}

	schedule := cfg.SweepSchedule
	if schedule == "" {
		schedule = "@every 30s"
	}
	grace := cfg.StopGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	return &Escalator{
		history:  history,
		repo:     repo,
		bus:      bus,
		dispatch: dispatch,
		rules:    rules,
		schedule: schedule,
		grace:    grace,
		cron:     cron.New(),
		now:      time.Now,
	}, nil
}

// Start begins the periodic unhandled-alert sweep.
func (e *Escalator) Start() error {
	_, err := e.cron.AddFunc(e.schedule, func() {
		e.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", e.schedule, err)
	}

	e.cron.Start()
	slog.Info("escalation sweep started", "schedule", e.schedule)
	return nil
}

// Stop halts the sweep scheduler and waits for an in-flight sweep to
// finish, bounded by the configured grace period.
func (e *Escalator) Stop() {
	ctx := e.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(e.grace):
		slog.Warn("escalation sweep did not finish within grace period", "grace", e.grace)
	}
	slog.Info("escalation sweep stopped")
}

// Sweep checks every unhandled alert once and escalates the overdue
// ones. Safe to call concurrently with acknowledgement; the per-alert
// state change is atomic in the history.
func (e *Escalator) Sweep(ctx context.Context) int {
	escalated := 0
	for _, alert := range e.history.Unhandled() {
		if e.CheckEscalation(ctx, alert) {
			escalated++
		}
	}

	counts := e.history.CountBySeverity()
	for sev := domain.SeverityLow; sev <= domain.SeverityCritical; sev++ {
		metrics.SetUnhandledAlerts(sev.String(), float64(counts[sev]))
	}

	if escalated > 0 {
		slog.Info("escalation sweep completed", "escalated", escalated)
	}
	return escalated
}

// CheckEscalation escalates the alert if it is overdue. Returns true
// only when an escalation actually happened, so repeated checks on an
// alert that is handled, terminal, or not yet due are no-ops.
func (e *Escalator) CheckEscalation(ctx context.Context, alert *domain.Alert) bool {
	if alert == nil || alert.Handled {
		return false
	}

	rule, ok := e.rules[alert.Severity]
	if !ok || rule.EscalateTo == nil {
		return false
	}

	if e.now().UTC().Sub(alert.Timestamp) < rule.Timeout {
		return false
	}

	updated, ok := e.history.ApplyEscalation(alert.ID, *rule.EscalateTo)
	if !ok {
		return false
	}

	slog.Info("alert escalated",
		"alert_id", updated.ID,
		"from", alert.Severity.String(),
		"to", updated.Severity.String(),
		"escalation_level", updated.EscalationLevel,
	)
	metrics.RecordEscalation(updated.StreamID, updated.Severity.String())

	if e.repo != nil {
		if err := e.repo.UpdateAlert(ctx, updated.StreamID, updated); err != nil {
			slog.Warn("failed to persist escalation",
				"alert_id", updated.ID,
				"error", err,
			)
		}
	}

	e.publish(ctx, updated)

	if e.dispatch != nil {
		e.dispatch(ctx, updated)
	}

	return true
}

func (e *Escalator) publish(ctx context.Context, alert *domain.Alert) {
	if e.bus == nil {
		return
	}
	data, err := json.Marshal(alert)
	if err != nil {
		slog.Warn("failed to encode escalation event", "alert_id", alert.ID, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, alert.StreamID, domain.TopicEscalations, data); err != nil {
		slog.Warn("failed to publish escalation event",
			"alert_id", alert.ID,
			"error", err,
		)
	}
}
