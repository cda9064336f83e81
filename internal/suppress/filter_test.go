package suppress

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fakeRepo implements the repository surface the filter touches.
type fakeRepo struct {
	domain.Repository
	falsePositives []*domain.ConfirmedFalsePositive
	err            error
}

func (r *fakeRepo) ListFalsePositives(_ context.Context, _ string) ([]*domain.ConfirmedFalsePositive, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.falsePositives, nil
}

// fakeCache counts increments per key.
type fakeCache struct {
	domain.Cache
	counters map[string]int64
	err      error
}

func (c *fakeCache) IncrementCounter(_ context.Context, _ string, key string, _ time.Duration) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.counters == nil {
		c.counters = make(map[string]int64)
	}
	c.counters[key]++
	return c.counters[key], nil
}

func testConfig() domain.SuppressionConfig {
	return domain.SuppressionConfig{
		SimilarityThreshold: 0.95,
		FrequencyThreshold:  3,
		FrequencyWindow:     time.Hour,
	}
}

func testRecord() *domain.AnomalyRecord {
	return &domain.AnomalyRecord{
		ID:       "a-1",
		Source:   "superops",
		Score:    0.9,
		Columns:  []string{"revenue", "ticket_count"},
		Features: []float64{120.0, 4.0},
	}
}

func TestLoadPatternRejectsInvalidExpression(t *testing.T) {
	f, err := NewFilter(nil, nil, testConfig())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	err = f.LoadPattern(&domain.SuppressionPattern{
		ID:         "bad",
		Expression: "source ==",
		Enabled:    true,
	})
	if err == nil {
		t.Fatal("expected compile error for malformed expression")
	}

	err = f.LoadPattern(&domain.SuppressionPattern{
		ID:         "notbool",
		Expression: "score + 1.0",
		Enabled:    true,
	})
	if err == nil {
		t.Fatal("expected error for non-bool expression")
	}
}

func TestShouldSuppressPatternMatch(t *testing.T) {
	f, err := NewFilter(nil, nil, testConfig())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	err = f.LoadPattern(&domain.SuppressionPattern{
		ID:         "eom-spike",
		Name:       "End of month billing spike",
		Expression: `source == "superops" && features["revenue"] > 100.0`,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("LoadPattern: %v", err)
	}

	suppressed, reason := f.ShouldSuppress(context.Background(), "superops", testRecord(), domain.SeverityMedium)
	if !suppressed {
		t.Fatal("expected pattern to suppress the anomaly")
	}
	if reason == "" {
		t.Fatal("expected a suppression reason")
	}

	rec := testRecord()
	rec.Source = "quickbooks"
	suppressed, _ = f.ShouldSuppress(context.Background(), "quickbooks", rec, domain.SeverityMedium)
	if suppressed {
		t.Fatal("pattern should not match a different source")
	}
}

func TestShouldSuppressFrequency(t *testing.T) {
	cache := &fakeCache{}
	f, err := NewFilter(nil, cache, testConfig())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if suppressed, _ := f.ShouldSuppress(ctx, "superops", testRecord(), domain.SeverityLow); suppressed {
			t.Fatalf("occurrence %d should not be suppressed yet", i+1)
		}
	}

	suppressed, reason := f.ShouldSuppress(ctx, "superops", testRecord(), domain.SeverityLow)
	if !suppressed {
		t.Fatal("fourth identical anomaly should exceed frequency threshold")
	}
	if reason == "" {
		t.Fatal("expected a suppression reason")
	}
}

func TestShouldSuppressSimilarity(t *testing.T) {
	repo := &fakeRepo{
		falsePositives: []*domain.ConfirmedFalsePositive{
			{ID: "fp-1", Features: []float64{119.5, 4.1}},
		},
	}
	f, err := NewFilter(repo, nil, testConfig())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	suppressed, _ := f.ShouldSuppress(context.Background(), "superops", testRecord(), domain.SeverityHigh)
	if !suppressed {
		t.Fatal("near-identical feature vector should be suppressed")
	}

	repo.falsePositives = []*domain.ConfirmedFalsePositive{
		{ID: "fp-2", Features: []float64{-120.0, 4.0}},
	}
	suppressed, _ = f.ShouldSuppress(context.Background(), "superops", testRecord(), domain.SeverityHigh)
	if suppressed {
		t.Fatal("dissimilar vector should not be suppressed")
	}
}

func TestShouldSuppressFailsOpen(t *testing.T) {
	repo := &fakeRepo{err: errors.New("db down")}
	cache := &fakeCache{err: errors.New("cache down")}
	f, err := NewFilter(repo, cache, testConfig())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	suppressed, _ := f.ShouldSuppress(context.Background(), "superops", testRecord(), domain.SeverityHigh)
	if suppressed {
		t.Fatal("infrastructure errors must not suppress alerts")
	}
}

func TestReloadPatternsReplacesSet(t *testing.T) {
	f, err := NewFilter(nil, nil, testConfig())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	if err := f.LoadPattern(&domain.SuppressionPattern{ID: "old", Expression: "true", Enabled: true}); err != nil {
		t.Fatalf("LoadPattern: %v", err)
	}

	err = f.ReloadPatterns([]*domain.SuppressionPattern{
		{ID: "new-1", Expression: "false", Enabled: true},
		{ID: "disabled", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("ReloadPatterns: %v", err)
	}
	if got := f.PatternsCount(); got != 1 {
		t.Fatalf("PatternsCount() = %d, want 1", got)
	}
	for _, p := range f.LoadedPatterns() {
		if p.ID == "old" {
			t.Fatal("reload should drop previously loaded patterns")
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("identical vectors = %.4f, want 1.0", got)
	}
	if got := cosineSimilarity([]float64{1, 0}, []float64{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors = %.4f, want 0.0", got)
	}
	if got := cosineSimilarity([]float64{0, 0}, []float64{1, 1}); got != 0 {
		t.Fatalf("zero vector = %.4f, want 0.0", got)
	}
	if got := cosineSimilarity([]float64{math.NaN(), 1}, []float64{0, 1}); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("NaN treated as zero = %.4f, want 1.0", got)
	}
}
