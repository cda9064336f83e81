package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/suppress"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, pipeline *worker.Pipeline, filter *suppress.Filter, version string) *Server {
	handler := NewHandler(repo, cache, bus, pipeline, filter, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(metrics.Middleware)     // Prometheus request metrics
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Operational endpoints (no stream required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/status", handler.Status)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// API routes (stream required)
	router.Route("/", func(r chi.Router) {
		r.Use(StreamMiddleware)

		// Detection pipeline
		r.Post("/train", handler.Train)
		r.Post("/detect", handler.Detect)
		r.Post("/contributions", handler.Contributions)

		// Anomaly retrieval
		r.Get("/anomalies/{id}", handler.GetAnomaly)

		// Alert management
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/stats", handler.AlertStats)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/ack", handler.AcknowledgeAlert)

		// Suppression pattern management
		r.Get("/patterns", handler.ListPatterns)
		r.Post("/patterns", handler.CreatePattern)
		r.Delete("/patterns/{id}", handler.DeletePattern)
		r.Post("/patterns/reload", handler.ReloadPatterns)

		// Confirmed false positives
		r.Get("/falsepositives", handler.ListFalsePositives)
		r.Post("/falsepositives", handler.MarkFalsePositive)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
