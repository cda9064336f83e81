package domain

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func TestSeverityNames(t *testing.T) {
	cases := []struct {
		sev  Severity
		name string
	}{
		{SeverityLow, "LOW"},
		{SeverityMedium, "MEDIUM"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(42), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.sev.String(); got != tc.name {
			t.Errorf("Severity(%d).String() = %q, want %q", tc.sev, got, tc.name)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Error("severity values must be strictly ordered")
	}
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity("HIGH")
	if err != nil {
		t.Fatalf("ParseSeverity(HIGH) error = %v", err)
	}
	if sev != SeverityHigh {
		t.Errorf("ParseSeverity(HIGH) = %d, want %d", sev, SeverityHigh)
	}

	if _, err := ParseSeverity("SEVERE"); err == nil {
		t.Error("expected error for unknown severity name")
	}
}

func TestSeverityJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(SeverityCritical)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"CRITICAL"` {
		t.Errorf("Marshal() = %s, want \"CRITICAL\"", data)
	}

	var sev Severity
	if err := json.Unmarshal([]byte(`"MEDIUM"`), &sev); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if sev != SeverityMedium {
		t.Errorf("Unmarshal(MEDIUM) = %d, want %d", sev, SeverityMedium)
	}

	if err := json.Unmarshal([]byte(`"NOPE"`), &sev); err == nil {
		t.Error("expected error for unknown severity name")
	}
}

func TestAnomalySignature(t *testing.T) {
	rec := &AnomalyRecord{
		Source:   "superops",
		Features: []float64{119.456, 4.1, math.NaN()},
	}

	sig := rec.Signature()
	if sig != "superops|119.46|4.10|_" {
		t.Errorf("Signature() = %q", sig)
	}

	// Near-identical observations share a signature.
	other := &AnomalyRecord{
		Source:   "superops",
		Features: []float64{119.461, 4.102, math.NaN()},
	}
	if other.Signature() != sig {
		t.Errorf("near-identical signature = %q, want %q", other.Signature(), sig)
	}

	// A different source never collides.
	third := &AnomalyRecord{Source: "quickbooks", Features: []float64{119.456, 4.1, math.NaN()}}
	if third.Signature() == sig {
		t.Error("signatures from different sources should differ")
	}
}

func TestAlertClone(t *testing.T) {
	handled := time.Now().UTC()
	alert := &Alert{
		ID:        "ALERT-000001",
		Severity:  SeverityHigh,
		Data:      map[string]any{"revenue": 5000.0},
		HandledAt: &handled,
	}

	cp := alert.Clone()
	cp.Data["revenue"] = 1.0
	*cp.HandledAt = handled.Add(time.Hour)
	cp.Severity = SeverityCritical

	if alert.Data["revenue"] != 5000.0 {
		t.Error("clone shares Data map with original")
	}
	if !alert.HandledAt.Equal(handled) {
		t.Error("clone shares HandledAt pointer with original")
	}
	if alert.Severity != SeverityHigh {
		t.Error("clone shares severity with original")
	}
}

func TestEscalationRules(t *testing.T) {
	cfg := DefaultConfig().Escalation

	rules, err := cfg.Rules()
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}

	low, ok := rules[SeverityLow]
	if !ok {
		t.Fatal("missing LOW rule")
	}
	if low.Timeout != 60*time.Minute {
		t.Errorf("LOW timeout = %v, want 60m", low.Timeout)
	}
	if low.EscalateTo == nil || *low.EscalateTo != SeverityMedium {
		t.Errorf("LOW escalates to %v, want MEDIUM", low.EscalateTo)
	}

	critical, ok := rules[SeverityCritical]
	if !ok {
		t.Fatal("missing CRITICAL rule")
	}
	if critical.EscalateTo != nil {
		t.Error("CRITICAL must be terminal")
	}
}

func TestEscalationRulesRejectNonIncreasingTarget(t *testing.T) {
	cfg := EscalationConfig{
		TimeoutMinutes: map[string]int{"HIGH": 15},
		EscalateTo:     map[string]string{"HIGH": "LOW"},
	}
	if _, err := cfg.Rules(); err == nil {
		t.Fatal("expected error for de-escalating target")
	}

	cfg.EscalateTo["HIGH"] = "BOGUS"
	if _, err := cfg.Rules(); err == nil {
		t.Fatal("expected error for unknown target severity")
	}
}

func TestFeatureMatrixValidate(t *testing.T) {
	valid := &FeatureMatrix{
		Columns: []string{"a", "b"},
		Rows:    [][]float64{{1, 2}, {3, 4}},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	cases := []struct {
		name string
		m    *FeatureMatrix
	}{
		{"no columns", &FeatureMatrix{Rows: [][]float64{{1}}}},
		{"ragged row", &FeatureMatrix{Columns: []string{"a", "b"}, Rows: [][]float64{{1, 2}, {3}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFeatureMatrixAccessors(t *testing.T) {
	m := &FeatureMatrix{
		Columns: []string{"revenue", "tx_count"},
		Rows:    [][]float64{{1, 2}, {3, 4}, {5, 6}},
	}

	if m.NumRows() != 3 {
		t.Errorf("NumRows() = %d, want 3", m.NumRows())
	}
	if m.NumFeatures() != 2 {
		t.Errorf("NumFeatures() = %d, want 2", m.NumFeatures())
	}
	if m.ColumnIndex("tx_count") != 1 {
		t.Errorf("ColumnIndex(tx_count) = %d, want 1", m.ColumnIndex("tx_count"))
	}
	if m.ColumnIndex("missing") != -1 {
		t.Errorf("ColumnIndex(missing) = %d, want -1", m.ColumnIndex("missing"))
	}
	row := m.Row(1)
	if row.Values[0] != 3 || row.Values[1] != 4 {
		t.Errorf("Row(1).Values = %v, want [3 4]", row.Values)
	}
	if mapped := row.Map(); mapped["revenue"] != 3 || mapped["tx_count"] != 4 {
		t.Errorf("Row(1).Map() = %v", mapped)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
	if err := ProConfig().Validate(); err != nil {
		t.Errorf("pro config should validate, got %v", err)
	}

	bad := DefaultConfig()
	bad.Detectors.Boundary.Nu = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("expected error for out-of-range nu")
	}

	bad = DefaultConfig()
	bad.Ensemble.VotingMethod = "plurality"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown voting method")
	}
}

func TestSeverityDescriptionsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for s := SeverityLow; s <= SeverityCritical; s++ {
		d := s.Description()
		if !strings.Contains(d, "severity") {
			t.Errorf("Description(%s) = %q", s, d)
		}
		if seen[d] {
			t.Errorf("duplicate description %q", d)
		}
		seen[d] = true
	}
}
