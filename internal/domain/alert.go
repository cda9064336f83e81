package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity is the ordered alert severity scale. Severity only increases
// over an alert's lifetime (via escalation), never decreases.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

// String returns the severity name used on the wire.
func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// Description returns a human-readable phrase for alert messages.
func (s Severity) Description() string {
	switch s {
	case SeverityLow:
		return "low severity"
	case SeverityMedium:
		return "medium severity"
	case SeverityHigh:
		return "high severity"
	case SeverityCritical:
		return "critical severity"
	default:
		return "unknown severity"
	}
}

// MarshalJSON encodes the severity as its name string.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name string.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity name to its value.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity: %q", name)
}

// Alert is an immutable-identity record raised for an anomaly. Only
// Severity, EscalationLevel, Handled and HandledAt change after creation,
// and only through the alerting history's accessors.
//
// JSON field names follow the handler wire contract.
type Alert struct {
	ID        string    `json:"alert_id"`
	AnomalyID string    `json:"anomaly_id"`
	StreamID  string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Severity        Severity       `json:"severity"`
	Message         string         `json:"message"`
	Data            map[string]any `json:"data,omitempty"`
	Source          string         `json:"source"`
	EscalationLevel int            `json:"escalation_level"`
	Handled         bool           `json:"handled"`
	HandledAt       *time.Time     `json:"handled_timestamp,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to external handlers.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.Data != nil {
		cp.Data = make(map[string]any, len(a.Data))
		for k, v := range a.Data {
			cp.Data[k] = v
		}
	}
	if a.HandledAt != nil {
		t := *a.HandledAt
		cp.HandledAt = &t
	}
	return &cp
}

// EscalationRule maps a severity to its escalation timeout and target.
// A nil EscalateTo marks a terminal severity: the timeout check is a
// no-op, not an error.
type EscalationRule struct {
	Timeout    time.Duration `json:"timeout"`
	EscalateTo *Severity     `json:"escalateTo,omitempty"`
}

// SuppressionPattern is an operator-registered false-positive pattern.
// The expression is a CEL predicate over the anomaly context; a true
// result suppresses the alert entirely.
type SuppressionPattern struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Expression  string    `json:"expression"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// ConfirmedFalsePositive is an anomaly an operator marked as noise. New
// anomalies sufficiently similar to one are suppressed.
type ConfirmedFalsePositive struct {
	ID        string    `json:"id"`
	AnomalyID string    `json:"anomalyId"`
	Columns   []string  `json:"columns"`
	Features  []float64 `json:"features"`
	CreatedAt time.Time `json:"createdAt"`
}
