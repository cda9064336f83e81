// Package alerting turns triaged anomalies into alerts, fans them out to
// handlers, and escalates the ones nobody acknowledges.
package alerting

import (
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// History is the in-memory record of every alert raised during the
// process lifetime. All mutation of an alert after creation goes through
// its accessors, under a single lock, so concurrent acknowledge and
// escalation cannot interleave on the same alert.
type History struct {
	mu     sync.RWMutex
	alerts []*domain.Alert
	byID   map[string]*domain.Alert
}

// NewHistory creates an empty alert history.
func NewHistory() *History {
	return &History{
		byID: make(map[string]*domain.Alert),
	}
}

// Append records a new alert. The history keeps its own copy.
func (h *History) Append(alert *domain.Alert) {
	if alert == nil {
		return
	}
	cp := alert.Clone()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, cp)
	h.byID[cp.ID] = cp
}

// Get returns a copy of the alert, or nil if unknown.
func (h *History) Get(alertID string) *domain.Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	alert, ok := h.byID[alertID]
	if !ok {
		return nil
	}
	return alert.Clone()
}

// Len returns the number of recorded alerts.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.alerts)
}

// Unhandled returns copies of all alerts not yet acknowledged, in
// creation order.
func (h *History) Unhandled() []*domain.Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*domain.Alert
	for _, alert := range h.alerts {
		if !alert.Handled {
			out = append(out, alert.Clone())
		}
	}
	return out
}

// Query returns copies of alerts created within the trailing window,
// optionally restricted to a severity, newest first. A zero window means
// no time bound.
func (h *History) Query(window time.Duration, severity *domain.Severity, now time.Time) []*domain.Alert {
	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}

	h.mu.RLock()
	var out []*domain.Alert
	for _, alert := range h.alerts {
		if window > 0 && alert.Timestamp.Before(cutoff) {
			continue
		}
		if severity != nil && alert.Severity != *severity {
			continue
		}
		out = append(out, alert.Clone())
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// CountBySeverity returns the number of unhandled alerts per severity.
func (h *History) CountBySeverity() map[domain.Severity]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[domain.Severity]int)
	for _, alert := range h.alerts {
		if !alert.Handled {
			counts[alert.Severity]++
		}
	}
	return counts
}

// Acknowledge marks the alert handled at the given time. Returns a copy
// of the updated alert, or nil if the alert is unknown. Acknowledging an
// already-handled alert is a no-op that keeps the original timestamp.
func (h *History) Acknowledge(alertID string, at time.Time) *domain.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()

	alert, ok := h.byID[alertID]
	if !ok {
		return nil
	}
	if !alert.Handled {
		alert.Handled = true
		t := at
		alert.HandledAt = &t
	}
	return alert.Clone()
}

// ApplyEscalation atomically bumps the alert to the target severity and
// increments its escalation level. Returns the updated copy and true
// only when the alert exists, is unhandled, and the target is strictly
// higher than the current severity; otherwise nil and false. The checks
// run under the lock, so two concurrent sweeps cannot both escalate the
// same alert.
func (h *History) ApplyEscalation(alertID string, to domain.Severity) (*domain.Alert, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	alert, ok := h.byID[alertID]
	if !ok || alert.Handled || to <= alert.Severity {
		return nil, false
	}

	alert.Severity = to
	alert.EscalationLevel++
	return alert.Clone(), true
}
