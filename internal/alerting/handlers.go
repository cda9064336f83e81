package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Handler receives every generated or escalated alert. Handlers run
// synchronously and are isolated from each other: a failing or panicking
// handler never blocks the rest of the chain.
type Handler interface {
	Name() string
	Handle(ctx context.Context, alert *domain.Alert) error
}

// ConsoleHandler logs alerts through the process logger.
type ConsoleHandler struct{}

func (ConsoleHandler) Name() string { return "console" }

func (ConsoleHandler) Handle(_ context.Context, alert *domain.Alert) error {
	slog.Warn("alert",
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"message", alert.Message,
		"escalation_level", alert.EscalationLevel,
	)
	return nil
}

// FileHandler appends alerts as JSON lines to a log file.
type FileHandler struct {
	mu   sync.Mutex
	path string
}

// NewFileHandler creates a handler writing to the given path.
func NewFileHandler(path string) *FileHandler {
	return &FileHandler{path: path}
}

func (h *FileHandler) Name() string { return "file" }

func (h *FileHandler) Handle(_ context.Context, alert *domain.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open alert log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write alert: %w", err)
	}
	return nil
}

// WebhookHandler POSTs alerts as JSON to an HTTP endpoint.
type WebhookHandler struct {
	url    string
	client *http.Client
}

// NewWebhookHandler creates a webhook handler for the given URL.
func NewWebhookHandler(url string, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookHandler{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *WebhookHandler) Name() string { return "webhook" }

func (h *WebhookHandler) Handle(ctx context.Context, alert *domain.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// BusHandler republishes alerts to an event bus topic so downstream
// consumers (ticketing, paging) can subscribe.
type BusHandler struct {
	bus   domain.EventBus
	topic string
}

// NewBusHandler creates a bus handler publishing to the given topic.
func NewBusHandler(bus domain.EventBus, topic string) *BusHandler {
	return &BusHandler{bus: bus, topic: topic}
}

func (h *BusHandler) Name() string { return "bus" }

func (h *BusHandler) Handle(ctx context.Context, alert *domain.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if err := h.bus.Publish(ctx, alert.StreamID, h.topic, data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}
