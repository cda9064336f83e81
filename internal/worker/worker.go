package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker consumes observation batches from the EventBus and feeds them
// through the detection pipeline.
type Worker struct {
	bus      domain.EventBus
	pipeline *Pipeline

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// StreamIDs is the list of metric streams to process.
	StreamIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, pipeline *Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing observations for the given streams.
func (w *Worker) Start(cfg Config) error {
	for _, streamID := range cfg.StreamIDs {
		if err := w.startStreamWorker(streamID); err != nil {
			slog.Error("failed to start worker for stream",
				"stream_id", streamID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"stream_count", len(cfg.StreamIDs),
	)

	return nil
}

// startStreamWorker subscribes to one stream's observation topic.
func (w *Worker) startStreamWorker(streamID string) error {
	sub, err := w.bus.Subscribe(w.ctx, streamID, domain.TopicObservations, func(ctx context.Context, msg *domain.Message) error {
		return w.processMessage(ctx, streamID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("stream worker started",
		"stream_id", streamID,
		"topic", domain.TopicObservations,
	)

	return nil
}

// ObservationMessage is the message payload for observation batches.
type ObservationMessage struct {
	Source     string      `json:"source"`
	Columns    []string    `json:"columns"`
	Rows       [][]float64 `json:"rows"`
	Timestamps []time.Time `json:"timestamps,omitempty"`

	FinancialImpact    float64 `json:"financialImpact,omitempty"`
	OperationalImpact  float64 `json:"operationalImpact,omitempty"`
	ReputationalImpact float64 `json:"reputationalImpact,omitempty"`
	RegulatoryImpact   float64 `json:"regulatoryImpact,omitempty"`
}

// processMessage scores one observation batch from the bus.
func (w *Worker) processMessage(ctx context.Context, streamID string, msg *domain.Message) error {
	var obsMsg ObservationMessage
	if err := json.Unmarshal(msg.Payload, &obsMsg); err != nil {
		slog.Error("failed to parse observation message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	obs := &Observation{
		Source: obsMsg.Source,
		Matrix: &domain.FeatureMatrix{
			Columns:    obsMsg.Columns,
			Rows:       obsMsg.Rows,
			Timestamps: obsMsg.Timestamps,
		},
		FinancialImpact:    obsMsg.FinancialImpact,
		OperationalImpact:  obsMsg.OperationalImpact,
		ReputationalImpact: obsMsg.ReputationalImpact,
		RegulatoryImpact:   obsMsg.RegulatoryImpact,
	}

	if _, err := w.pipeline.Process(ctx, streamID, obs); err != nil {
		slog.Error("failed to process observation batch",
			"stream_id", streamID,
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
