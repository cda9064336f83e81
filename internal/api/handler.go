package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/alerting"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/suppress"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	pipeline *worker.Pipeline
	filter   *suppress.Filter
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, pipeline *worker.Pipeline, filter *suppress.Filter, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		pipeline: pipeline,
		filter:   filter,
		version:  version,
	}
}

// MatrixRequest carries a feature matrix in a request body.
type MatrixRequest struct {
	Columns    []string    `json:"columns"`
	Rows       [][]float64 `json:"rows"`
	Timestamps []time.Time `json:"timestamps,omitempty"`
}

func (m *MatrixRequest) toMatrix() *domain.FeatureMatrix {
	return &domain.FeatureMatrix{
		Columns:    m.Columns,
		Rows:       m.Rows,
		Timestamps: m.Timestamps,
	}
}

// Train handles POST /train requests.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MatrixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Columns) == 0 || len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "columns and rows are required",
		})
		return
	}

	report, err := h.pipeline.Train(ctx, req.toMatrix())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	status := http.StatusOK
	if !report.Succeeded() {
		// Partial training still serves predictions from the trained
		// subset, but the caller should know.
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

// DetectRequest is the request body for POST /detect.
type DetectRequest struct {
	Source     string      `json:"source"`
	Columns    []string    `json:"columns"`
	Rows       [][]float64 `json:"rows"`
	Timestamps []time.Time `json:"timestamps,omitempty"`

	FinancialImpact    float64 `json:"financialImpact,omitempty"`
	OperationalImpact  float64 `json:"operationalImpact,omitempty"`
	ReputationalImpact float64 `json:"reputationalImpact,omitempty"`
	RegulatoryImpact   float64 `json:"regulatoryImpact,omitempty"`
}

// DetectResponse is the response for POST /detect.
type DetectResponse struct {
	Verdicts  []domain.EnsembleVerdict `json:"verdicts"`
	Anomalies []*domain.AnomalyRecord  `json:"anomalies,omitempty"`
	Alerts    []*domain.Alert          `json:"alerts,omitempty"`
	Metadata  struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Detect handles POST /detect requests: it scores a batch synchronously
// and returns the verdicts together with any alerts raised.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	streamID := GetStreamID(ctx)
	traceID := GetTraceID(ctx)

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "source is required",
		})
		return
	}
	if len(req.Columns) == 0 || len(req.Rows) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "columns and rows are required",
		})
		return
	}

	obs := &worker.Observation{
		Source: req.Source,
		Matrix: &domain.FeatureMatrix{
			Columns:    req.Columns,
			Rows:       req.Rows,
			Timestamps: req.Timestamps,
		},
		FinancialImpact:    req.FinancialImpact,
		OperationalImpact:  req.OperationalImpact,
		ReputationalImpact: req.ReputationalImpact,
		RegulatoryImpact:   req.RegulatoryImpact,
	}

	result, err := h.pipeline.Process(ctx, streamID, obs)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	resp := DetectResponse{
		Verdicts:  result.Verdicts,
		Anomalies: result.Anomalies,
		Alerts:    result.Alerts,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// Contributions handles POST /contributions: per-strategy anomaly rates
// over a batch, for inspecting ensemble disagreement.
func (h *Handler) Contributions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MatrixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	m := req.toMatrix()
	if err := m.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if !h.pipeline.Ensemble().Trained() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "ensemble is not trained",
		})
		return
	}

	contributions := h.pipeline.Ensemble().Contributions(ctx, m)
	writeJSON(w, http.StatusOK, map[string]any{
		"contributions": contributions,
		"rows":          m.NumRows(),
	})
}

// Status handles GET /status: ensemble training state and voting setup.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ens := h.pipeline.Ensemble()
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies":   ens.StrategyNames(),
		"votingMethod": ens.Method(),
		"trained":      ens.Trained(),
		"lastTraining": ens.LastReport(),
	})
}

// ListAlerts handles GET /alerts. Optional query parameters:
// window (Go duration, e.g. "24h") and severity (e.g. "HIGH").
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid window duration",
			})
			return
		}
		window = parsed
	}

	var severity *domain.Severity
	if raw := r.URL.Query().Get("severity"); raw != "" {
		parsed, err := domain.ParseSeverity(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unknown severity: " + raw,
			})
			return
		}
		severity = &parsed
	}

	alerts := h.history().Query(window, severity, time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// AlertStats handles GET /alerts/stats: unhandled alert counts by severity.
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	counts := h.history().CountBySeverity()

	stats := make(map[string]int, len(counts))
	for sev, n := range counts {
		stats[sev.String()] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unhandled": stats,
		"total":     h.history().Len(),
	})
}

// GetAlert handles GET /alerts/{id}. Falls back to the repository for
// alerts that predate this process.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := GetStreamID(ctx)
	alertID := chi.URLParam(r, "id")

	if alert := h.history().Get(alertID); alert != nil {
		writeJSON(w, http.StatusOK, alert)
		return
	}

	if h.repo != nil {
		alert, err := h.repo.GetAlert(ctx, streamID, alertID)
		if err == nil {
			writeJSON(w, http.StatusOK, alert)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "alert not found",
	})
}

// AcknowledgeAlert handles POST /alerts/{id}/ack.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := GetStreamID(ctx)
	alertID := chi.URLParam(r, "id")

	alert, err := h.pipeline.Generator().Acknowledge(ctx, streamID, alertID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "alert not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// ListPatterns returns all suppression patterns loaded in the filter.
// Patterns are loaded from the database at startup and can be reloaded
// via POST /patterns/reload.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	if h.filter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "suppression filter not available",
		})
		return
	}

	patterns := h.filter.LoadedPatterns()
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": patterns,
		"count":    len(patterns),
		"source":   "database",
	})
}

// CreatePatternRequest is the request body for creating a suppression
// pattern.
type CreatePatternRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Enabled     bool   `json:"enabled"`
}

// CreatePattern creates a suppression pattern, validates its expression
// against the filter environment, and saves it to the database.
func (h *Handler) CreatePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := GetStreamID(ctx)

	if h.filter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "suppression filter not available",
		})
		return
	}

	var req CreatePatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	pattern := &domain.SuppressionPattern{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Enabled:     req.Enabled,
	}

	// Validate the expression by attempting to load it.
	if err := h.filter.LoadPattern(pattern); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid pattern expression: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePattern(ctx, streamID, pattern); err != nil {
			slog.Error("failed to save suppression pattern", "id", pattern.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save pattern",
			})
			return
		}
	}

	slog.Info("suppression pattern created", "id", pattern.ID, "name", pattern.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"pattern": pattern,
		"message": "Pattern created and loaded.",
	})
}

// DeletePattern soft-deletes a pattern and reloads the filter.
func (h *Handler) DeletePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := GetStreamID(ctx)
	patternID := chi.URLParam(r, "id")

	if h.repo == nil || h.filter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "pattern storage not available",
		})
		return
	}

	if err := h.repo.DeletePattern(ctx, streamID, patternID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "pattern not found",
		})
		return
	}

	// Reload so the filter drops the disabled pattern.
	patterns, err := h.repo.ListPatterns(ctx, streamID)
	if err != nil {
		slog.Error("failed to reload patterns after delete", "error", err)
	} else if err := h.filter.ReloadPatterns(patterns); err != nil {
		slog.Error("failed to reload patterns into filter", "error", err)
	}

	slog.Info("suppression pattern deleted", "id", patternID)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Pattern deleted and filter reloaded.",
	})
}

// ReloadPatterns reloads all enabled patterns from the database into
// the filter. This enables hot-reloading without server restart.
func (h *Handler) ReloadPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := GetStreamID(ctx)

	if h.repo == nil || h.filter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "pattern storage not available",
		})
		return
	}

	patterns, err := h.repo.ListPatterns(ctx, streamID)
	if err != nil {
		slog.Error("failed to list patterns from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load patterns from database",
		})
		return
	}

	if err := h.filter.ReloadPatterns(patterns); err != nil {
		slog.Error("failed to reload patterns into filter", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload patterns: " + err.Error(),
		})
		return
	}

	slog.Info("patterns reloaded from database", "count", len(patterns))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "patterns reloaded successfully",
		"count":   len(patterns),
	})
}

// ListFalsePositives returns the confirmed false positives for a stream.
func (h *Handler) ListFalsePositives(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := GetStreamID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	fps, err := h.repo.ListFalsePositives(ctx, streamID)
	if err != nil {
		slog.Error("failed to list false positives", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list false positives",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"falsePositives": fps,
		"count":          len(fps),
	})
}

// MarkFalsePositiveRequest is the request body for confirming an
// anomaly as a false positive.
type MarkFalsePositiveRequest struct {
	AnomalyID string `json:"anomalyId"`
}

// MarkFalsePositive records an anomaly as operator-confirmed noise so
// that sufficiently similar future anomalies are suppressed.
func (h *Handler) MarkFalsePositive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := GetStreamID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var req MarkFalsePositiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.AnomalyID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "anomalyId is required",
		})
		return
	}

	rec, err := h.lookupAnomaly(ctx, streamID, req.AnomalyID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "anomaly not found",
		})
		return
	}

	fp := &domain.ConfirmedFalsePositive{
		ID:        uuid.New().String(),
		AnomalyID: rec.ID,
		Columns:   rec.Columns,
		Features:  rec.Features,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.repo.SaveFalsePositive(ctx, streamID, fp); err != nil {
		slog.Error("failed to save false positive", "anomaly_id", rec.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save false positive",
		})
		return
	}

	slog.Info("false positive confirmed", "anomaly_id", rec.ID, "stream_id", streamID)
	writeJSON(w, http.StatusCreated, fp)
}

// GetAnomaly handles GET /anomalies/{id}.
func (h *Handler) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := GetStreamID(ctx)
	anomalyID := chi.URLParam(r, "id")

	rec, err := h.lookupAnomaly(ctx, streamID, anomalyID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "anomaly not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// lookupAnomaly checks the cache first, then the repository.
func (h *Handler) lookupAnomaly(ctx context.Context, streamID, anomalyID string) (*domain.AnomalyRecord, error) {
	if h.cache != nil {
		if rec, err := h.cache.GetAnomaly(ctx, streamID, anomalyID); err == nil && rec != nil {
			return rec, nil
		}
	}
	if h.repo == nil {
		return nil, fmt.Errorf("anomaly %s not found", anomalyID)
	}
	return h.repo.GetAnomaly(ctx, streamID, anomalyID)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic. The
// detection endpoints need a trained ensemble.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":   true,
		"trained": h.pipeline.Ensemble().Trained(),
	})
}

func (h *Handler) history() *alerting.History {
	return h.pipeline.Generator().History()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
