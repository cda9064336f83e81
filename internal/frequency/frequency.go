// Package frequency computes anomaly recurrence frequency.
package frequency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service computes how often an anomaly signature recurs within a time
// window, normalized to a [0,1] frequency factor for the severity
// classifier. The fast path uses cache counters; on cache failure it
// falls back to counting persisted anomalies.
type Service struct {
	repo       domain.Repository
	cache      domain.Cache
	window     time.Duration
	saturation int64
}

// NewService creates a frequency service. The saturation count is the
// recurrence level at which the factor reaches 1.0.
func NewService(repo domain.Repository, cache domain.Cache, cfg domain.SuppressionConfig) *Service {
	saturation := cfg.FrequencyThreshold
	if saturation <= 0 {
		saturation = 10
	}
	window := cfg.FrequencyWindow
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		repo:       repo,
		cache:      cache,
		window:     window,
		saturation: saturation,
	}
}

// Factor returns the recurrence factor in [0,1] for the anomaly. Errors
// on both data paths degrade to zero rather than failing the pipeline.
func (s *Service) Factor(ctx context.Context, streamID string, rec *domain.AnomalyRecord) float64 {
	if rec == nil {
		return 0
	}

	count, err := s.RecurrenceCount(ctx, streamID, rec.Signature())
	if err != nil {
		slog.Warn("recurrence count unavailable, frequency factor defaults to zero",
			"stream_id", streamID,
			"anomaly_id", rec.ID,
			"error", err,
		)
		return 0
	}

	if count >= s.saturation {
		return 1.0
	}
	return float64(count) / float64(s.saturation)
}

// RecurrenceCount returns the number of occurrences of a signature
// within the configured window.
func (s *Service) RecurrenceCount(ctx context.Context, streamID string, signature string) (int64, error) {
	if streamID == "" || signature == "" {
		return 0, fmt.Errorf("streamID and signature are required")
	}

	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, streamID, "freq:sig:"+signature, s.window)
		if err == nil {
			return count, nil
		}
		slog.Warn("frequency counter unavailable, falling back to repository",
			"stream_id", streamID,
			"error", err,
		)
	}

	if s.repo != nil {
		return s.countFromRepo(ctx, streamID, signature)
	}

	return 0, fmt.Errorf("no data source available")
}

// countFromRepo counts persisted anomalies sharing the signature.
func (s *Service) countFromRepo(ctx context.Context, streamID string, signature string) (int64, error) {
	since := time.Now().Add(-s.window)
	count, err := s.repo.CountAnomaliesBySignature(ctx, streamID, signature, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count anomalies: %w", err)
	}
	return count, nil
}
