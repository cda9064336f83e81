package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/frequency"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/suppress"
	"github.com/opensource-finance/kestrel/internal/triage"
	"github.com/opensource-finance/kestrel/internal/worker"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.DefaultConfig()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel_api_test.db"),
	})
	if err != nil {
		t.Fatalf("repository.New() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := cache.NewLRUCache(100)

	strategies := []detector.Strategy{
		detector.NewStatistical(cfg.Detectors.Statistical),
	}
	ens, err := ensemble.New(strategies, cfg.Ensemble)
	if err != nil {
		t.Fatalf("ensemble.New() error = %v", err)
	}

	filter, err := suppress.NewFilter(repo, store, cfg.Suppression)
	if err != nil {
		t.Fatalf("suppress.NewFilter() error = %v", err)
	}

	generator := alerting.NewGenerator(alerting.NewHistory(), filter, repo, nil)

	pipeline := worker.NewPipeline(
		ens,
		triage.NewSeverityClassifier(cfg.Severity),
		triage.NewImpactAssessor(cfg.Impact),
		frequency.NewService(repo, store, cfg.Suppression),
		generator,
		repo,
		store,
		nil,
	)

	return NewServer(cfg.Server, repo, store, nil, pipeline, filter, "test")
}

func doRequest(t *testing.T, srv *Server, method, path string, body any, streamID string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if streamID != "" {
		req.Header.Set(StreamIDHeader, streamID)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func trainBody() map[string]any {
	rows := make([][]float64, 0, 20)
	for i := 0; i < 20; i++ {
		rows = append(rows, []float64{100.0 + float64(i%5), 10.0 + float64(i%3)})
	}
	return map[string]any{
		"columns": []string{"revenue", "tx_count"},
		"rows":    rows,
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %q, want test", resp["version"])
	}
}

func TestStreamHeaderRequired(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/detect", map[string]any{}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTrainAndDetect(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/train", trainBody(), "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("train status = %d, body = %s", rec.Code, rec.Body.String())
	}

	detectReq := map[string]any{
		"source":  "superops",
		"columns": []string{"revenue", "tx_count"},
		"rows": [][]float64{
			{102.0, 11.0},
			{8000.0, 11.0},
		},
		"financialImpact": 0.9,
	}
	rec = doRequest(t, srv, http.MethodPost, "/detect", detectReq, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("detect status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp DetectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Verdicts) != 2 {
		t.Fatalf("verdicts = %d, want 2", len(resp.Verdicts))
	}
	if len(resp.Anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(resp.Anomalies))
	}
	if len(resp.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(resp.Alerts))
	}
	if resp.Metadata.Version != "test" {
		t.Errorf("version = %q, want test", resp.Metadata.Version)
	}
}

func TestDetectBeforeTraining(t *testing.T) {
	srv := newTestServer(t)

	detectReq := map[string]any{
		"source":  "superops",
		"columns": []string{"revenue"},
		"rows":    [][]float64{{100.0}},
	}
	rec := doRequest(t, srv, http.MethodPost, "/detect", detectReq, "superops")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDetectValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing source", map[string]any{
			"columns": []string{"revenue"},
			"rows":    [][]float64{{1.0}},
		}},
		{"missing rows", map[string]any{
			"source":  "superops",
			"columns": []string{"revenue"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, "/detect", tc.body, "superops")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	srv := newTestServer(t)

	doRequest(t, srv, http.MethodPost, "/train", trainBody(), "superops")

	detectReq := map[string]any{
		"source":  "superops",
		"columns": []string{"revenue", "tx_count"},
		"rows":    [][]float64{{9999.0, 11.0}},
	}
	rec := doRequest(t, srv, http.MethodPost, "/detect", detectReq, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("detect status = %d", rec.Code)
	}

	var detectResp DetectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &detectResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(detectResp.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(detectResp.Alerts))
	}
	alertID := detectResp.Alerts[0].ID

	// List shows the unhandled alert.
	rec = doRequest(t, srv, http.MethodGet, "/alerts", nil, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listResp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &listResp)
	if listResp.Count != 1 {
		t.Fatalf("alert count = %d, want 1", listResp.Count)
	}

	// Get by ID.
	rec = doRequest(t, srv, http.MethodGet, "/alerts/"+alertID, nil, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// Acknowledge.
	rec = doRequest(t, srv, http.MethodPost, "/alerts/"+alertID+"/ack", nil, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var acked domain.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &acked); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !acked.Handled {
		t.Error("alert should be handled after ack")
	}

	// Unknown ID is a 404.
	rec = doRequest(t, srv, http.MethodPost, "/alerts/ALERT-999999/ack", nil, "superops")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ack unknown status = %d, want 404", rec.Code)
	}
}

func TestListAlertsSeverityFilter(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/alerts?severity=BOGUS", nil, "superops")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/alerts?severity=HIGH&window=24h", nil, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestPatternCRUD(t *testing.T) {
	srv := newTestServer(t)

	// Invalid expression is rejected.
	rec := doRequest(t, srv, http.MethodPost, "/patterns", map[string]any{
		"id":         "p-bad",
		"name":       "Bad",
		"expression": "score >>> oops",
		"enabled":    true,
	}, "superops")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid pattern status = %d, want 400", rec.Code)
	}

	// Valid pattern is created and loaded.
	rec = doRequest(t, srv, http.MethodPost, "/patterns", map[string]any{
		"id":         "p-1",
		"name":       "Low revenue noise",
		"expression": `source == "superops" && score < 0.2`,
		"enabled":    true,
	}, "superops")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/patterns", nil, "superops")
	var listResp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &listResp)
	if listResp.Count != 1 {
		t.Fatalf("pattern count = %d, want 1", listResp.Count)
	}

	// Reload from database keeps the pattern.
	rec = doRequest(t, srv, http.MethodPost, "/patterns/reload", nil, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d", rec.Code)
	}

	// Delete removes it from both database and filter.
	rec = doRequest(t, srv, http.MethodDelete, "/patterns/p-1", nil, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/patterns", nil, "superops")
	json.Unmarshal(rec.Body.Bytes(), &listResp)
	if listResp.Count != 0 {
		t.Fatalf("pattern count after delete = %d, want 0", listResp.Count)
	}

	// Deleting again is a 404.
	rec = doRequest(t, srv, http.MethodDelete, "/patterns/p-1", nil, "superops")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestFalsePositiveFlow(t *testing.T) {
	srv := newTestServer(t)

	doRequest(t, srv, http.MethodPost, "/train", trainBody(), "superops")

	detectReq := map[string]any{
		"source":  "superops",
		"columns": []string{"revenue", "tx_count"},
		"rows":    [][]float64{{7777.0, 11.0}},
	}
	rec := doRequest(t, srv, http.MethodPost, "/detect", detectReq, "superops")
	var detectResp DetectResponse
	json.Unmarshal(rec.Body.Bytes(), &detectResp)
	if len(detectResp.Anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(detectResp.Anomalies))
	}
	anomalyID := detectResp.Anomalies[0].ID

	// Confirm it as a false positive.
	rec = doRequest(t, srv, http.MethodPost, "/falsepositives", map[string]any{
		"anomalyId": anomalyID,
	}, "superops")
	if rec.Code != http.StatusCreated {
		t.Fatalf("mark fp status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/falsepositives", nil, "superops")
	var listResp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &listResp)
	if listResp.Count != 1 {
		t.Fatalf("false positive count = %d, want 1", listResp.Count)
	}

	// The same anomaly re-detected is now suppressed by similarity.
	rec = doRequest(t, srv, http.MethodPost, "/detect", detectReq, "superops")
	detectResp = DetectResponse{}
	json.Unmarshal(rec.Body.Bytes(), &detectResp)
	if len(detectResp.Alerts) != 0 {
		t.Fatalf("alerts after fp = %d, want 0", len(detectResp.Alerts))
	}

	// Unknown anomaly is a 404.
	rec = doRequest(t, srv, http.MethodPost, "/falsepositives", map[string]any{
		"anomalyId": "nope",
	}, "superops")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown anomaly status = %d, want 404", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/status", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Strategies []string `json:"strategies"`
		Trained    bool     `json:"trained"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Strategies) == 0 {
		t.Error("strategies should not be empty")
	}
	if resp.Trained {
		t.Error("ensemble should not be trained yet")
	}
}

func TestContributionsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	body := map[string]any{
		"columns": []string{"revenue", "tx_count"},
		"rows":    [][]float64{{100.0, 10.0}, {5000.0, 11.0}},
	}

	// Untrained ensemble is a conflict.
	rec := doRequest(t, srv, http.MethodPost, "/contributions", body, "superops")
	if rec.Code != http.StatusConflict {
		t.Fatalf("untrained status = %d, want 409", rec.Code)
	}

	doRequest(t, srv, http.MethodPost, "/train", trainBody(), "superops")

	rec = doRequest(t, srv, http.MethodPost, "/contributions", body, "superops")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Contributions map[string]float64 `json:"contributions"`
		Rows          int                `json:"rows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Rows != 2 {
		t.Errorf("rows = %d, want 2", resp.Rows)
	}
	if len(resp.Contributions) == 0 {
		t.Error("contributions should not be empty")
	}
}
