package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type suppressAll struct{}

func (suppressAll) ShouldSuppress(context.Context, string, *domain.AnomalyRecord, domain.Severity) (bool, string) {
	return true, "test suppression"
}

type recordingHandler struct {
	name string
	got  []*domain.Alert
	err  error
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(_ context.Context, alert *domain.Alert) error {
	h.got = append(h.got, alert)
	return h.err
}

type panickingHandler struct{}

func (panickingHandler) Name() string { return "panicky" }

func (panickingHandler) Handle(context.Context, *domain.Alert) error {
	panic("handler blew up")
}

func testRecord(id string) *domain.AnomalyRecord {
	return &domain.AnomalyRecord{
		ID:       id,
		Source:   "superops",
		Score:    0.91,
		Columns:  []string{"revenue"},
		Features: []float64{42.0},
	}
}

func TestGenerateAssignsSequentialIDs(t *testing.T) {
	g := NewGenerator(NewHistory(), nil, nil, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		alert, err := g.Generate(ctx, "superops", testRecord(fmt.Sprintf("a-%d", i)), domain.SeverityLow)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		want := fmt.Sprintf("ALERT-%06d", i)
		if alert.ID != want {
			t.Fatalf("alert ID = %s, want %s", alert.ID, want)
		}
	}
}

func TestGenerateMessageIncludesSeverity(t *testing.T) {
	g := NewGenerator(NewHistory(), nil, nil, nil)

	alert, err := g.Generate(context.Background(), "superops", testRecord("a-1"), domain.SeverityCritical)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(alert.Message, "critical severity") {
		t.Fatalf("message %q missing severity description", alert.Message)
	}
	if !strings.Contains(alert.Message, "superops") {
		t.Fatalf("message %q missing source", alert.Message)
	}
}

func TestGenerateSuppressed(t *testing.T) {
	g := NewGenerator(NewHistory(), suppressAll{}, nil, nil)

	alert, err := g.Generate(context.Background(), "superops", testRecord("a-1"), domain.SeverityHigh)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if alert != nil {
		t.Fatal("suppressed anomaly must not produce an alert")
	}
	if g.History().Len() != 0 {
		t.Fatal("suppressed anomaly must not be recorded in history")
	}
}

func TestDispatchIsolatesHandlerFailures(t *testing.T) {
	g := NewGenerator(NewHistory(), nil, nil, nil)
	failing := &recordingHandler{name: "failing", err: errors.New("downstream broken")}
	healthy := &recordingHandler{name: "healthy"}
	g.RegisterHandler(failing)
	g.RegisterHandler(panickingHandler{})
	g.RegisterHandler(healthy)

	alert, err := g.Generate(context.Background(), "superops", testRecord("a-1"), domain.SeverityMedium)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if alert == nil {
		t.Fatal("expected an alert")
	}
	if len(healthy.got) != 1 {
		t.Fatalf("healthy handler saw %d alerts, want 1", len(healthy.got))
	}
}

func TestGenerateBatchSkipsSuppressedAndContinues(t *testing.T) {
	g := NewGenerator(NewHistory(), nil, nil, nil)
	ctx := context.Background()

	recs := []*domain.AnomalyRecord{testRecord("a-1"), nil, testRecord("a-3")}
	sevs := []domain.Severity{domain.SeverityLow, domain.SeverityLow, domain.SeverityHigh}

	alerts, err := g.GenerateBatch(ctx, "superops", recs, sevs)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(alerts) != len(recs) {
		t.Fatalf("got %d entries, want %d (one per record)", len(alerts), len(recs))
	}
	if alerts[0] == nil || alerts[2] == nil {
		t.Fatal("valid records must produce alerts")
	}
	if alerts[1] != nil {
		t.Fatal("failed record must leave a nil entry at its position")
	}
	if alerts[2].Severity != domain.SeverityHigh {
		t.Errorf("alerts[2].Severity = %v, want HIGH", alerts[2].Severity)
	}

	if _, err := g.GenerateBatch(ctx, "superops", recs, sevs[:1]); err == nil {
		t.Fatal("expected error on length mismatch")
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	g := NewGenerator(NewHistory(), nil, nil, nil)
	ctx := context.Background()

	alert, err := g.Generate(ctx, "superops", testRecord("a-1"), domain.SeverityLow)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	first, err := g.Acknowledge(ctx, "superops", alert.ID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !first.Handled || first.HandledAt == nil {
		t.Fatal("acknowledged alert must carry handled timestamp")
	}

	second, err := g.Acknowledge(ctx, "superops", alert.ID)
	if err != nil {
		t.Fatalf("second Acknowledge: %v", err)
	}
	if !second.HandledAt.Equal(*first.HandledAt) {
		t.Fatal("re-acknowledging must keep the original handled timestamp")
	}

	if _, err := g.Acknowledge(ctx, "superops", "ALERT-999999"); err == nil {
		t.Fatal("expected error for unknown alert")
	}
}

func TestHistoryQuery(t *testing.T) {
	h := NewHistory()
	now := time.Now().UTC()

	h.Append(&domain.Alert{ID: "ALERT-000001", Severity: domain.SeverityLow, Timestamp: now.Add(-2 * time.Hour)})
	h.Append(&domain.Alert{ID: "ALERT-000002", Severity: domain.SeverityHigh, Timestamp: now.Add(-10 * time.Minute)})
	h.Append(&domain.Alert{ID: "ALERT-000003", Severity: domain.SeverityHigh, Timestamp: now.Add(-5 * time.Minute)})

	recent := h.Query(time.Hour, nil, now)
	if len(recent) != 2 {
		t.Fatalf("window query returned %d alerts, want 2", len(recent))
	}
	if recent[0].ID != "ALERT-000003" {
		t.Fatalf("expected newest first, got %s", recent[0].ID)
	}

	high := domain.SeverityHigh
	bySev := h.Query(0, &high, now)
	if len(bySev) != 2 {
		t.Fatalf("severity query returned %d alerts, want 2", len(bySev))
	}

	low := domain.SeverityLow
	all := h.Query(0, &low, now)
	if len(all) != 1 || all[0].ID != "ALERT-000001" {
		t.Fatalf("unexpected low-severity query result: %+v", all)
	}
}

func TestHistoryApplyEscalationGuards(t *testing.T) {
	h := NewHistory()
	h.Append(&domain.Alert{ID: "ALERT-000001", Severity: domain.SeverityMedium})

	if _, ok := h.ApplyEscalation("missing", domain.SeverityHigh); ok {
		t.Fatal("unknown alert must not escalate")
	}
	if _, ok := h.ApplyEscalation("ALERT-000001", domain.SeverityLow); ok {
		t.Fatal("severity must never decrease")
	}
	if _, ok := h.ApplyEscalation("ALERT-000001", domain.SeverityMedium); ok {
		t.Fatal("severity must strictly increase")
	}

	updated, ok := h.ApplyEscalation("ALERT-000001", domain.SeverityHigh)
	if !ok || updated.Severity != domain.SeverityHigh || updated.EscalationLevel != 1 {
		t.Fatalf("escalation failed: %+v", updated)
	}

	h.Acknowledge("ALERT-000001", time.Now())
	if _, ok := h.ApplyEscalation("ALERT-000001", domain.SeverityCritical); ok {
		t.Fatal("handled alert must not escalate")
	}
}

func newTestEscalator(t *testing.T, h *History) *Escalator {
	t.Helper()
	esc, err := NewEscalator(h, nil, nil, nil, domain.DefaultConfig().Escalation)
	if err != nil {
		t.Fatalf("NewEscalator: %v", err)
	}
	return esc
}

func TestEscalationTimeoutBoundary(t *testing.T) {
	h := NewHistory()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.Append(&domain.Alert{ID: "ALERT-000001", Severity: domain.SeverityLow, Timestamp: created})

	esc := newTestEscalator(t, h)
	ctx := context.Background()

	// 59 minutes in: LOW timeout of 60m has not elapsed.
	esc.now = func() time.Time { return created.Add(59 * time.Minute) }
	if esc.CheckEscalation(ctx, h.Get("ALERT-000001")) {
		t.Fatal("alert escalated before its timeout")
	}
	if got := h.Get("ALERT-000001").Severity; got != domain.SeverityLow {
		t.Fatalf("severity = %s, want LOW", got)
	}

	// 61 minutes in: overdue, escalates exactly one step.
	esc.now = func() time.Time { return created.Add(61 * time.Minute) }
	if !esc.CheckEscalation(ctx, h.Get("ALERT-000001")) {
		t.Fatal("overdue alert did not escalate")
	}
	alert := h.Get("ALERT-000001")
	if alert.Severity != domain.SeverityMedium || alert.EscalationLevel != 1 {
		t.Fatalf("after escalation: severity=%s level=%d, want MEDIUM/1", alert.Severity, alert.EscalationLevel)
	}
}

func TestSweepEscalatesChainToTerminal(t *testing.T) {
	h := NewHistory()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.Append(&domain.Alert{ID: "ALERT-000001", Severity: domain.SeverityLow, Timestamp: created, StreamID: "superops"})

	esc := newTestEscalator(t, h)
	esc.now = func() time.Time { return created.Add(2 * time.Hour) }
	ctx := context.Background()

	// Each sweep moves one step; elapsed time is measured from creation,
	// so a long-ignored alert walks the whole chain.
	steps := []domain.Severity{domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical}
	for _, want := range steps {
		if n := esc.Sweep(ctx); n != 1 {
			t.Fatalf("sweep escalated %d alerts, want 1", n)
		}
		if got := h.Get("ALERT-000001").Severity; got != want {
			t.Fatalf("severity = %s, want %s", got, want)
		}
	}

	// CRITICAL is terminal: further sweeps are no-ops.
	if n := esc.Sweep(ctx); n != 0 {
		t.Fatalf("terminal alert escalated %d times, want 0", n)
	}
	if got := h.Get("ALERT-000001").EscalationLevel; got != 3 {
		t.Fatalf("escalation level = %d, want 3", got)
	}
}

func TestHandledAlertIsNeverEscalated(t *testing.T) {
	h := NewHistory()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.Append(&domain.Alert{ID: "ALERT-000001", Severity: domain.SeverityLow, Timestamp: created})
	h.Acknowledge("ALERT-000001", created.Add(time.Minute))

	esc := newTestEscalator(t, h)
	esc.now = func() time.Time { return created.Add(3 * time.Hour) }

	if n := esc.Sweep(context.Background()); n != 0 {
		t.Fatalf("handled alert escalated %d times, want 0", n)
	}
}

func TestEscalationDispatchesToHandlers(t *testing.T) {
	h := NewHistory()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.Append(&domain.Alert{ID: "ALERT-000001", Severity: domain.SeverityHigh, Timestamp: created, StreamID: "superops"})

	handler := &recordingHandler{name: "recorder"}
	g := NewGenerator(h, nil, nil, nil)
	g.RegisterHandler(handler)

	esc, err := NewEscalator(h, nil, nil, g.Dispatch, domain.DefaultConfig().Escalation)
	if err != nil {
		t.Fatalf("NewEscalator: %v", err)
	}
	esc.now = func() time.Time { return created.Add(time.Hour) }

	if !esc.CheckEscalation(context.Background(), h.Get("ALERT-000001")) {
		t.Fatal("expected escalation")
	}
	if len(handler.got) != 1 {
		t.Fatalf("handler saw %d alerts, want 1", len(handler.got))
	}
	if handler.got[0].Severity != domain.SeverityCritical {
		t.Fatalf("dispatched severity = %s, want CRITICAL", handler.got[0].Severity)
	}
}
