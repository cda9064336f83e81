package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	streamID := "superops"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetAnomaly", func(t *testing.T) {
		rec := &domain.AnomalyRecord{
			ID:              "anomaly-001",
			StreamID:        streamID,
			Timestamp:       time.Now().UTC(),
			Source:          "superops",
			Score:           0.92,
			Columns:         []string{"revenue", "ticket_count"},
			Features:        []float64{120.5, 4},
			FrequencyFactor: 0.2,
			ImpactFactor:    0.7,
			FinancialImpact: 0.8,
			Data:            map[string]any{"region": "emea"},
		}

		if err := repo.SaveAnomaly(ctx, streamID, rec); err != nil {
			t.Fatalf("SaveAnomaly failed: %v", err)
		}

		retrieved, err := repo.GetAnomaly(ctx, streamID, rec.ID)
		if err != nil {
			t.Fatalf("GetAnomaly failed: %v", err)
		}

		if retrieved.ID != rec.ID {
			t.Errorf("expected ID %s, got %s", rec.ID, retrieved.ID)
		}
		if retrieved.Score != rec.Score {
			t.Errorf("expected Score %.2f, got %.2f", rec.Score, retrieved.Score)
		}
		if len(retrieved.Features) != 2 || retrieved.Features[0] != 120.5 {
			t.Errorf("features not round-tripped: %v", retrieved.Features)
		}
	})

	t.Run("CountAnomaliesBySignature", func(t *testing.T) {
		base := &domain.AnomalyRecord{
			StreamID:  streamID,
			Timestamp: time.Now().UTC(),
			Source:    "superops",
			Score:     0.9,
			Columns:   []string{"revenue"},
			Features:  []float64{99.0},
		}

		for _, id := range []string{"anomaly-sig-1", "anomaly-sig-2", "anomaly-sig-3"} {
			rec := *base
			rec.ID = id
			if err := repo.SaveAnomaly(ctx, streamID, &rec); err != nil {
				t.Fatalf("SaveAnomaly failed: %v", err)
			}
		}

		since := time.Now().Add(-time.Hour)
		count, err := repo.CountAnomaliesBySignature(ctx, streamID, base.Signature(), since)
		if err != nil {
			t.Fatalf("CountAnomaliesBySignature failed: %v", err)
		}
		if count != 3 {
			t.Errorf("expected count 3, got %d", count)
		}

		count, err = repo.CountAnomaliesBySignature(ctx, streamID, "no-such-signature", since)
		if err != nil {
			t.Fatalf("CountAnomaliesBySignature failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0, got %d", count)
		}
	})

	t.Run("SaveUpdateAndGetAlert", func(t *testing.T) {
		alert := &domain.Alert{
			ID:        "ALERT-000001",
			AnomalyID: "anomaly-001",
			StreamID:  streamID,
			Timestamp: time.Now().UTC(),
			Severity:  domain.SeverityMedium,
			Message:   "Anomaly detected from superops: medium severity (score 0.92)",
			Source:    "superops",
		}

		if err := repo.SaveAlert(ctx, streamID, alert); err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}

		retrieved, err := repo.GetAlert(ctx, streamID, alert.ID)
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		if retrieved.Severity != domain.SeverityMedium {
			t.Errorf("expected MEDIUM, got %s", retrieved.Severity)
		}
		if retrieved.Handled {
			t.Error("new alert should not be handled")
		}

		// Escalate and acknowledge
		handledAt := time.Now().UTC()
		retrieved.Severity = domain.SeverityHigh
		retrieved.EscalationLevel = 1
		retrieved.Handled = true
		retrieved.HandledAt = &handledAt

		if err := repo.UpdateAlert(ctx, streamID, retrieved); err != nil {
			t.Fatalf("UpdateAlert failed: %v", err)
		}

		updated, err := repo.GetAlert(ctx, streamID, alert.ID)
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		if updated.Severity != domain.SeverityHigh || updated.EscalationLevel != 1 {
			t.Errorf("update not persisted: %+v", updated)
		}
		if !updated.Handled || updated.HandledAt == nil {
			t.Error("handled state not persisted")
		}
	})

	t.Run("ListAlerts", func(t *testing.T) {
		old := &domain.Alert{
			ID:        "ALERT-000002",
			AnomalyID: "anomaly-001",
			Timestamp: time.Now().UTC().Add(-2 * time.Hour),
			Severity:  domain.SeverityLow,
			Message:   "old alert",
			Source:    "superops",
		}
		if err := repo.SaveAlert(ctx, streamID, old); err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}

		all, err := repo.ListAlerts(ctx, streamID, time.Time{}, nil)
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 alerts, got %d", len(all))
		}
		if all[0].ID != "ALERT-000001" {
			t.Errorf("expected newest first, got %s", all[0].ID)
		}

		recent, err := repo.ListAlerts(ctx, streamID, time.Now().Add(-time.Hour), nil)
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(recent) != 1 {
			t.Errorf("expected 1 recent alert, got %d", len(recent))
		}

		high := domain.SeverityHigh
		bySev, err := repo.ListAlerts(ctx, streamID, time.Time{}, &high)
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(bySev) != 1 || bySev[0].ID != "ALERT-000001" {
			t.Errorf("unexpected severity filter result: %+v", bySev)
		}
	})

	t.Run("PatternCRUD", func(t *testing.T) {
		pattern := &domain.SuppressionPattern{
			ID:         "pattern-001",
			Name:       "End of month spike",
			Expression: `source == "superops" && features["revenue"] > 100.0`,
			Enabled:    true,
		}

		if err := repo.SavePattern(ctx, streamID, pattern); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}

		patterns, err := repo.ListPatterns(ctx, streamID)
		if err != nil {
			t.Fatalf("ListPatterns failed: %v", err)
		}
		if len(patterns) != 1 || patterns[0].Expression != pattern.Expression {
			t.Fatalf("unexpected patterns: %+v", patterns)
		}

		// Upsert updates in place
		pattern.Name = "End of month billing spike"
		if err := repo.SavePattern(ctx, streamID, pattern); err != nil {
			t.Fatalf("SavePattern upsert failed: %v", err)
		}
		patterns, _ = repo.ListPatterns(ctx, streamID)
		if len(patterns) != 1 || patterns[0].Name != pattern.Name {
			t.Fatalf("upsert did not update: %+v", patterns)
		}

		if err := repo.DeletePattern(ctx, streamID, pattern.ID); err != nil {
			t.Fatalf("DeletePattern failed: %v", err)
		}
		patterns, _ = repo.ListPatterns(ctx, streamID)
		if len(patterns) != 0 {
			t.Errorf("expected no patterns after delete, got %d", len(patterns))
		}

		// Deleting an already-deleted pattern must not count the
		// disabled row as affected.
		if err := repo.DeletePattern(ctx, streamID, pattern.ID); err != ErrNotFound {
			t.Errorf("expected ErrNotFound on second delete, got: %v", err)
		}

		if err := repo.DeletePattern(ctx, streamID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("FalsePositives", func(t *testing.T) {
		fp := &domain.ConfirmedFalsePositive{
			ID:        "fp-001",
			AnomalyID: "anomaly-001",
			Columns:   []string{"revenue", "ticket_count"},
			Features:  []float64{120.5, 4},
		}

		if err := repo.SaveFalsePositive(ctx, streamID, fp); err != nil {
			t.Fatalf("SaveFalsePositive failed: %v", err)
		}

		fps, err := repo.ListFalsePositives(ctx, streamID)
		if err != nil {
			t.Fatalf("ListFalsePositives failed: %v", err)
		}
		if len(fps) != 1 {
			t.Fatalf("expected 1 false positive, got %d", len(fps))
		}
		if len(fps[0].Features) != 2 || fps[0].Features[0] != 120.5 {
			t.Errorf("features not round-tripped: %v", fps[0].Features)
		}
	})

	t.Run("StreamIsolation", func(t *testing.T) {
		_, err := repo.GetAnomaly(ctx, "quickbooks", "anomaly-001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different stream, got: %v", err)
		}

		_, err = repo.GetAlert(ctx, "quickbooks", "ALERT-000001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different stream, got: %v", err)
		}
	})

	t.Run("RequiresStreamID", func(t *testing.T) {
		if err := repo.SaveAnomaly(ctx, "", &domain.AnomalyRecord{ID: "x"}); err == nil {
			t.Error("expected error for empty streamID")
		}
		if _, err := repo.GetAlert(ctx, "", "ALERT-000001"); err == nil {
			t.Error("expected error for empty streamID")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetAnomaly(ctx, streamID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if err := repo.UpdateAlert(ctx, streamID, &domain.Alert{ID: "nonexistent"}); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
